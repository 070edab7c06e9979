package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBurpFile(t *testing.T, targetURL, method, rawRequest string) string {
	t.Helper()
	u, err := url.Parse(targetURL)
	require.NoError(t, err)

	xmlDoc := fmt.Sprintf(`<?xml version="1.0"?>
<items>
  <item>
    <url>%s</url>
    <host>%s</host>
    <port>%s</port>
    <protocol>%s</protocol>
    <method>%s</method>
    <request base64="true">%s</request>
  </item>
</items>`, targetURL, u.Hostname(), u.Port(), u.Scheme, method,
		base64.StdEncoding.EncodeToString([]byte(rawRequest)))

	path := filepath.Join(t.TempDir(), "request.xml")
	require.NoError(t, os.WriteFile(path, []byte(xmlDoc), 0o600))
	return path
}

func TestBurpReplayGET(t *testing.T) {
	var gotCommand, gotToken, gotAgent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCommand = r.URL.Query().Get("c")
		gotToken = r.Header.Get("X-Token")
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte("replayed"))
	}))
	defer ts.Close()

	raw := "GET /vuln.php?c=||cmd|| HTTP/1.1\r\n" +
		"Host: victim.example\r\n" +
		"X-Token: tok-||cmd||\r\n" +
		"User-Agent: Mozilla/5.0\r\n" +
		"Accept-Encoding: gzip\r\n" +
		"\r\n"
	bf, err := NewBurpFile(testLogger(t), writeBurpFile(t, ts.URL, "GET", raw))
	require.NoError(t, err)

	out, err := bf.Execute(context.Background(), "cat /etc/passwd", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "replayed", out)
	assert.Equal(t, "cat /etc/passwd", gotCommand, "request-line placeholder is URL-escaped")
	assert.Equal(t, "tok-cat /etc/passwd", gotToken, "header placeholder gets the raw command")
	assert.Equal(t, "Mozilla/5.0", gotAgent, "unrelated headers replay untouched")
}

func TestBurpReplayPOSTBody(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	raw := "POST /api/eval HTTP/1.1\r\n" +
		"Host: victim.example\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Content-Length: 19\r\n" +
		"\r\n" +
		"input=||cmd||"
	bf, err := NewBurpFile(testLogger(t), writeBurpFile(t, ts.URL, "POST", raw))
	require.NoError(t, err)

	_, err = bf.Execute(context.Background(), "id", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "input=id", string(gotBody))
}

func TestBurpFileWithoutPlaceholder(t *testing.T) {
	raw := "GET /plain HTTP/1.1\r\nHost: victim.example\r\n\r\n"
	_, err := NewBurpFile(testLogger(t), writeBurpFile(t, "http://victim.example:8080/", "GET", raw))
	require.ErrorContains(t, err, Placeholder)
}

func TestBurpFileWithoutItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<?xml version="1.0"?><items></items>`), 0o600))
	_, err := NewBurpFile(testLogger(t), path)
	require.ErrorContains(t, err, "no saved request")
}

func TestBurpFileMissing(t *testing.T) {
	_, err := NewBurpFile(testLogger(t), filepath.Join(t.TempDir(), "nope.xml"))
	require.Error(t, err)
}

func TestSplitRawRequestStripsHopHeaders(t *testing.T) {
	raw := "GET /x HTTP/1.1\nHost: a\nConnection: close\nContent-Length: 4\nX-Keep: yes\n\nbody"
	method, path, headers, body, err := splitRawRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/x", path)
	assert.Equal(t, "body", body)
	assert.Equal(t, "yes", headers.Get("X-Keep"))
	assert.Empty(t, headers.Get("Host"))
	assert.Empty(t, headers.Get("Connection"))
	assert.Empty(t, headers.Get("Content-Length"))
}
