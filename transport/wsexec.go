package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// execRequest and execResponse are the wire messages of the WebSocket
// execution protocol: one request, one response, strictly alternating.
type execRequest struct {
	Command   string
	TimeoutMS int64
}

type execResponse struct {
	Output string
	Err    string
}

// WSExec executes commands over a persistent WebSocket connection to an
// agent endpoint. Unlike the HTTP primitives it keeps one connection open
// and serializes calls on it; a failed call drops the connection and the
// next call redials.
type WSExec struct {
	logger *zap.SugaredLogger
	url    string

	mut  sync.Mutex
	conn *websocket.Conn
}

func NewWSExec(log *zap.SugaredLogger, wsURL string) *WSExec {
	return &WSExec{
		logger: log.Named("wsexec"),
		url:    wsURL,
	}
}

func (w *WSExec) Describe() string {
	return fmt.Sprintf("websocket agent %s", w.url)
}

func (w *WSExec) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, orDefault(timeout))
	defer cancel()

	w.mut.Lock()
	defer w.mut.Unlock()

	if w.conn == nil {
		conn, _, err := websocket.Dial(ctx, w.url, nil)
		if err != nil {
			return "", classifyErr(err)
		}
		w.logger.Debugw("dialed agent", "URL", w.url)
		w.conn = conn
	}

	req := execRequest{Command: command, TimeoutMS: orDefault(timeout).Milliseconds()}
	if err := wsjson.Write(ctx, w.conn, req); err != nil {
		w.drop()
		return "", classifyErr(err)
	}

	var resp execResponse
	if err := wsjson.Read(ctx, w.conn, &resp); err != nil {
		w.drop()
		return "", classifyErr(err)
	}
	if resp.Err != "" {
		return resp.Output, fmt.Errorf("%w: %s", ErrTransport, resp.Err)
	}
	return resp.Output, nil
}

// Close tears the connection down cleanly; safe to call when never dialed.
func (w *WSExec) Close() error {
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close(websocket.StatusNormalClosure, "session ended")
	w.conn = nil
	return err
}

func (w *WSExec) drop() {
	if w.conn != nil {
		w.conn.Close(websocket.StatusInternalError, "call failed")
		w.conn = nil
	}
}
