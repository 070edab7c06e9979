// Package action hosts named operator actions: higher-level operations
// (file transfer, reverse shells, recon) built from remote commands. Actions
// see the session only through the Runner capability, so they can run
// commands and read session facts but cannot switch modes or tear down the
// forward-shell machinery.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Runner is the capability actions get. *shell.RemoteRunner satisfies it.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	OS() string
	WorkingDir() string
}

// ErrNotFound reports a dispatch for a name no action registered under.
var ErrNotFound = errors.New("no such action")

// ErrUnsupportedOS reports an action invoked against an OS family outside
// its declared support.
var ErrUnsupportedOS = errors.New("action does not support the target OS")

// Action is one named operator capability.
type Action interface {
	// Name is the dispatch key, lowercase.
	Name() string
	// Description is the one-line help text.
	Description() string
	// SupportedOS lists the OS families the action works on. Empty means
	// any.
	SupportedOS() []string
	// Invoke runs the action. Output is what the operator sees on success.
	Invoke(ctx context.Context, r Runner, args []string) (string, error)
}

// Registry maps action names to implementations and enforces the OS gate at
// dispatch time.
type Registry struct {
	logger *zap.SugaredLogger

	mut     sync.RWMutex
	actions map[string]Action
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		logger:  log.Named("action"),
		actions: map[string]Action{},
	}
}

// Builtin returns a registry preloaded with the stock actions.
func Builtin(log *zap.SugaredLogger) *Registry {
	r := NewRegistry(log)
	for _, a := range []Action{
		&uploadAction{},
		&downloadAction{},
		&revShellAction{},
		&sysInfoAction{},
		&netCheckAction{},
	} {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(a Action) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, dup := r.actions[a.Name()]; dup {
		return fmt.Errorf("action %q already registered", a.Name())
	}
	r.actions[a.Name()] = a
	return nil
}

// Lookup finds an action by name without invoking it.
func (r *Registry) Lookup(name string) (Action, error) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return a, nil
}

// List returns all actions sorted by name, for help output.
func (r *Registry) List() []Action {
	r.mut.RLock()
	defer r.mut.RUnlock()
	out := make([]Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Dispatch resolves name, checks the OS gate, and invokes the action. A
// failed action leaves the session exactly as it was; actions only ever run
// commands through the Runner.
func (r *Registry) Dispatch(ctx context.Context, runner Runner, name string, args []string) (string, error) {
	a, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	if supported := a.SupportedOS(); len(supported) > 0 {
		ok := false
		for _, os := range supported {
			if os == runner.OS() {
				ok = true
				break
			}
		}
		if !ok {
			return "", fmt.Errorf("%w: %q needs one of %v, target is %q", ErrUnsupportedOS, name, supported, runner.OS())
		}
	}
	r.logger.Debugw("dispatching action", "name", name, "args", args)
	return a.Invoke(ctx, runner, args)
}
