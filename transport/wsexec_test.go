package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// echoAgent speaks the executor protocol, answering every command with a
// canned transformation and counting accepted connections.
func echoAgent(t *testing.T, conns *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer conn.Close(websocket.StatusInternalError, "test over")

		ctx := r.Context()
		for {
			var req execRequest
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			resp := execResponse{Output: "ran " + req.Command}
			if strings.HasPrefix(req.Command, "fail") {
				resp = execResponse{Err: "remote refused"}
			}
			if err := wsjson.Write(ctx, conn, resp); err != nil {
				return
			}
		}
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWSExecReusesConnection(t *testing.T) {
	var conns atomic.Int32
	ts := httptest.NewServer(echoAgent(t, &conns))
	defer ts.Close()

	w := NewWSExec(testLogger(t), wsURL(ts))
	defer w.Close()

	for i := 0; i < 3; i++ {
		out, err := w.Execute(context.Background(), "id", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ran id", out)
	}
	assert.Equal(t, int32(1), conns.Load(), "calls share one connection")
}

func TestWSExecRemoteError(t *testing.T) {
	var conns atomic.Int32
	ts := httptest.NewServer(echoAgent(t, &conns))
	defer ts.Close()

	w := NewWSExec(testLogger(t), wsURL(ts))
	defer w.Close()

	_, err := w.Execute(context.Background(), "fail hard", 5*time.Second)
	require.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "remote refused")
}

func TestWSExecRedialsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	ts := httptest.NewServer(echoAgent(t, &conns))

	w := NewWSExec(testLogger(t), wsURL(ts))
	defer w.Close()

	_, err := w.Execute(context.Background(), "id", 5*time.Second)
	require.NoError(t, err)

	// Kill the server mid-session; the next call must fail, and a call
	// against a revived endpoint would redial. Dropping the dead conn is
	// what we can observe here.
	ts.Close()
	_, err = w.Execute(context.Background(), "id", 2*time.Second)
	require.Error(t, err)

	w.mut.Lock()
	assert.Nil(t, w.conn, "failed call drops the connection")
	w.mut.Unlock()
}

func TestWSExecDialFailure(t *testing.T) {
	w := NewWSExec(testLogger(t), "ws://127.0.0.1:1/shell")
	defer w.Close()

	_, err := w.Execute(context.Background(), "id", 2*time.Second)
	require.Error(t, err)
}

func TestWSExecCloseWithoutDial(t *testing.T) {
	w := NewWSExec(testLogger(t), "ws://127.0.0.1:1/shell")
	require.NoError(t, w.Close())
}
