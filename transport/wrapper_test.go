package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapperSubstitutesAndQuotes(t *testing.T) {
	w, err := NewWrapper(testLogger(t), "echo ||cmd||")
	require.NoError(t, err)

	out, err := w.Execute(context.Background(), "hello world", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)
}

func TestWrapperQuotingSurvivesSingleQuotes(t *testing.T) {
	w, err := NewWrapper(testLogger(t), "echo ||cmd||")
	require.NoError(t, err)

	out, err := w.Execute(context.Background(), "it's fine", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "it's fine\n", out)
}

func TestWrapperRequiresPlaceholder(t *testing.T) {
	_, err := NewWrapper(testLogger(t), "curl -s http://t/x.php")
	require.ErrorContains(t, err, Placeholder)
}

func TestWrapperTimeout(t *testing.T) {
	w, err := NewWrapper(testLogger(t), "sleep 5; echo ||cmd||")
	require.NoError(t, err)

	_, err = w.Execute(context.Background(), "late", 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecutionTimeout), "got: %v", err)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'a'\''b'`, shellQuote("a'b"))
}

func TestClassifyErr(t *testing.T) {
	assert.NoError(t, classifyErr(nil))
	assert.ErrorIs(t, classifyErr(context.DeadlineExceeded), ErrExecutionTimeout)
	assert.ErrorIs(t, classifyErr(errors.New("connection refused")), ErrTransport)
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, DefaultTimeout, orDefault(0))
	assert.Equal(t, time.Second, orDefault(time.Second))
}
