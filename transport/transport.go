// Package transport provides the execution primitives a session is built on:
// synchronous "run one command, return its captured output" functions backed
// by whatever remote code execution vector the operator has (a webshell, a
// replayed HTTP request, a local wrapper command, a WebSocket agent).
//
// Every primitive may fail with ErrExecutionTimeout or ErrTransport; callers
// treat both as recoverable except during forward-shell bootstrap.
package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrExecutionTimeout reports that a single execute call exceeded its bound.
var ErrExecutionTimeout = errors.New("execution timed out")

// ErrTransport reports that the underlying delivery mechanism failed.
var ErrTransport = errors.New("transport failure")

// DefaultTimeout bounds execute calls whose caller passed no timeout.
const DefaultTimeout = 30 * time.Second

// Primitive is a synchronous one-shot command executor. Implementations are
// safe for use from multiple goroutines: the forward-shell poller and the
// operator path issue calls concurrently.
type Primitive interface {
	// Execute runs a command and returns its captured output. A timeout of
	// zero means DefaultTimeout.
	Execute(ctx context.Context, command string, timeout time.Duration) (string, error)
	// Describe names the primitive for logs and the operator banner.
	Describe() string
}

// Func adapts a bare function to the Primitive interface, mainly for tests
// and embedding callers that bring their own execution method.
type Func func(ctx context.Context, command string, timeout time.Duration) (string, error)

func (f Func) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	return f(ctx, command, timeout)
}

func (f Func) Describe() string { return "custom" }

// classifyErr folds context deadline errors into the timeout taxonomy and
// everything else into ErrTransport.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrExecutionTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(ErrExecutionTimeout, err)
	}
	return errors.Join(ErrTransport, err)
}

func orDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}
