// Package labtarget runs a deliberately vulnerable command-execution HTTP
// endpoint: the moral equivalent of a PHP one-liner webshell, written in Go
// so the whole engine can be exercised end to end in labs and tests without
// standing up a separate web stack.
//
// Do not expose this to anything you do not want owned.
package labtarget

import (
	"context"
	"errors"
	"net/http"
	"os/exec"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server serves two execution surfaces: a GET webshell (/cmd) and a
// WebSocket agent (/shell) speaking one JSON request/response pair per
// command.
type Server struct {
	logger *zap.SugaredLogger

	listenAddr string
	param      string
	password   string
	shell      string

	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithParam renames the command query parameter (default "c").
func WithParam(param string) Option {
	return func(s *Server) {
		s.param = param
	}
}

// WithPassword requires a "ps" query parameter to match before executing.
func WithPassword(password string) Option {
	return func(s *Server) {
		s.password = password
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("labtarget").Sugar()
	}
}

func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger:     logger.Named("labtarget").Sugar(),
		listenAddr: "127.0.0.1:8962",
		param:      "c",
		shell:      "sh",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	router := httprouter.New()
	router.GET("/cmd", s.command)
	router.GET("/shell", s.shellWS)

	s.httpServer = &http.Server{Addr: s.listenAddr, Handler: router}
	s.logger.Infow("serving", "addr", s.listenAddr, "param", s.param)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// command runs one command and returns its combined output, like the
// webshells this stands in for. Output is returned regardless of exit code.
func (s *Server) command(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()
	if s.password != "" && query.Get("ps") != s.password {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	cmdText := query.Get(s.param)
	if cmdText == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	out := s.run(r.Context(), cmdText, 0)
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

type wsRequest struct {
	Command   string
	TimeoutMS int64
}

type wsResponse struct {
	Output string
	Err    string
}

// shellWS serves the WebSocket agent protocol: read a request, execute, write
// a response, repeat until the client closes.
func (s *Server) shellWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debugf("WebSocket accept error: %s", err)
		return
	}
	defer wsConn.Close(websocket.StatusInternalError, "server shutting down")

	ctx := r.Context()
	for {
		var req wsRequest
		err := wsjson.Read(ctx, wsConn, &req)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return
		}
		if err != nil {
			s.logger.Debugf("WebSocket read error: %s", err)
			return
		}

		out := s.run(ctx, req.Command, time.Duration(req.TimeoutMS)*time.Millisecond)
		if err := wsjson.Write(ctx, wsConn, wsResponse{Output: string(out)}); err != nil {
			s.logger.Debugf("WebSocket write error: %s", err)
			return
		}
	}
}

func (s *Server) run(ctx context.Context, cmdText string, timeout time.Duration) []byte {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	s.logger.Debugf("executing: %s", cmdText)

	// Exit codes are swallowed on purpose: a webshell reports whatever the
	// shell printed, nothing more.
	out, _ := exec.CommandContext(ctx, s.shell, "-c", cmdText).CombinedOutput()
	return out
}
