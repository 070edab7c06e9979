// Package term drives the interactive operator loop: a prompt over a shell
// session, meta-commands prefixed with !, and asynchronous printing of late
// forward-shell output.
package term

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sledgeshell/sledge/action"
	"github.com/sledgeshell/sledge/history"
	"github.com/sledgeshell/sledge/shell"
)

// Shell is what the loop needs from a session. *shell.Session satisfies it;
// the embedded action.Runner half is also what gets handed to dispatched
// actions, so actions never see more capability than the loop itself uses.
type Shell interface {
	action.Runner
	EnterForwardMode(ctx context.Context) error
	Mode() shell.Mode
	Degraded() bool
	User() string
	Hostname() string
}

// Loop reads operator input and routes it to the session or the action
// registry. It also implements shell.Sink so detached and unsolicited
// output interleaves cleanly with the prompt.
type Loop struct {
	logger   *zap.SugaredLogger
	sh       Shell
	registry *action.Registry

	store  *history.Store
	target string

	in  io.Reader
	out io.Writer

	queue []string // input typed while a command was running

	mut sync.Mutex // serializes writes to out
}

type Option func(l *Loop)

// WithInput replaces stdin, mainly for tests.
func WithInput(r io.Reader) Option {
	return func(l *Loop) {
		l.in = r
	}
}

// WithOutput replaces stdout.
func WithOutput(w io.Writer) Option {
	return func(l *Loop) {
		l.out = w
	}
}

// WithHistory records every executed command against target.
func WithHistory(store *history.Store, target string) Option {
	return func(l *Loop) {
		l.store = store
		l.target = target
	}
}

func New(log *zap.SugaredLogger, sh Shell, registry *action.Registry, opts ...Option) *Loop {
	l := &Loop{
		logger:   log.Named("term"),
		sh:       sh,
		registry: registry,
		in:       os.Stdin,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LateOutput implements shell.Sink.
func (l *Loop) LateOutput(command, output string) {
	if strings.TrimSpace(output) == "" {
		return
	}
	if command == "" {
		l.printf("\n[forward shell] %s", ensureNewline(output))
		return
	}
	l.printf("\n[late output of %q]\n%s", command, ensureNewline(output))
	if l.store != nil {
		err := l.store.Record(context.Background(), history.Entry{
			Target:  l.target,
			Mode:    l.sh.Mode().String(),
			Command: command,
			Output:  output,
			Error:   shell.ErrDetached.Error(),
		})
		if err != nil {
			l.logger.Debugf("history record failed: %s", err)
		}
	}
}

// Run processes input until EOF or !exit. While a command is running,
// !detach or Ctrl+C detaches from it instead of killing the program; the
// loop keeps reading input the whole time, so a detach lands within one
// poll interval even against a command that never finishes.
func (l *Loop) Run(ctx context.Context) error {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	l.printf("type !help for meta commands, !detach or Ctrl+C detaches from a running command\n")

	scanner := bufio.NewScanner(l.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lines := make(chan string)
	scanDone := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanDone <- scanner.Err()
	}()

	for {
		var raw string
		if len(l.queue) > 0 {
			raw, l.queue = l.queue[0], l.queue[1:]
		} else {
			l.printf("%s", l.prompt())
			var ok bool
			raw, ok = <-lines
			if !ok {
				select {
				case err := <-scanDone:
					if err != nil {
						return fmt.Errorf("reading input: %w", err)
					}
				default:
				}
				return nil
			}
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "!") && line != "!detach" {
			if quit := l.meta(ctx, line); quit {
				return nil
			}
			continue
		}
		if line == "!detach" {
			l.printf("nothing is running\n")
			continue
		}

		l.runCommand(ctx, interrupts, lines, line)
	}
}

func (l *Loop) runCommand(ctx context.Context, interrupts <-chan os.Signal, lines <-chan string, line string) {
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		out string
		err error
	}
	results := make(chan result, 1)
	go func() {
		out, err := l.sh.Run(cmdCtx, line)
		results <- result{out: out, err: err}
	}()

	var out string
	var err error
waiting:
	for {
		select {
		case res := <-results:
			out, err = res.out, res.err
			break waiting
		case <-interrupts:
			cancel()
		case typed, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if strings.TrimSpace(typed) == "!detach" {
				cancel()
			} else if strings.TrimSpace(typed) != "" {
				// Type-ahead: held until the running command finishes.
				l.queue = append(l.queue, typed)
			}
		}
	}

	switch {
	case errors.Is(err, shell.ErrDetached):
		l.printf("[detached; output will surface when the command finishes]\n")
		if out != "" {
			l.printf("%s", ensureNewline(out))
		}
	case errors.Is(err, shell.ErrBrokenChannel):
		l.printf("[forward channel is broken, run !fifo to re-bootstrap]\n")
	case err != nil:
		l.printf("error: %s\n", err)
	default:
		if out != "" {
			l.printf("%s", ensureNewline(out))
		}
	}

	l.record(ctx, line, out, err)
}

func (l *Loop) record(ctx context.Context, command, output string, runErr error) {
	if l.store == nil {
		return
	}
	entry := history.Entry{
		Target:  l.target,
		Mode:    l.sh.Mode().String(),
		Command: command,
		Output:  output,
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := l.store.Record(ctx, entry); err != nil {
		l.logger.Debugf("history record failed: %s", err)
	}
}

// meta handles ! commands. Returns true when the loop should exit.
func (l *Loop) meta(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	name := strings.TrimPrefix(fields[0], "!")
	args := fields[1:]

	switch name {
	case "exit", "quit":
		return true

	case "help":
		l.printHelp()

	case "fifo", "forward":
		if err := l.sh.EnterForwardMode(ctx); err != nil {
			l.printf("forward mode failed: %s\n", err)
		} else {
			l.printf("[forward shell active]\n")
		}

	case "mode":
		l.printf("mode: %s", l.sh.Mode())
		if l.sh.Degraded() {
			l.printf(" (degraded, run !fifo to re-bootstrap)")
		}
		l.printf("\n")

	case "history":
		l.printHistory(ctx, args)

	default:
		out, err := l.registry.Dispatch(ctx, l.sh, name, args)
		switch {
		case errors.Is(err, action.ErrNotFound):
			l.printf("unknown command !%s, try !help\n", name)
		case err != nil:
			l.printf("action failed: %s\n", err)
		default:
			l.printf("%s", ensureNewline(out))
		}
	}
	return false
}

func (l *Loop) printHelp() {
	l.printf("meta commands:\n")
	l.printf("  !help              this text\n")
	l.printf("  !fifo              upgrade to a forward shell\n")
	l.printf("  !mode              show the current execution mode\n")
	l.printf("  !history [term]    show or search the command log\n")
	l.printf("  !history clear     wipe this target's command log\n")
	l.printf("  !detach            stop waiting for the running command\n")
	l.printf("  !exit              leave (remote forward loop is cleaned up)\n")
	l.printf("actions:\n")
	for _, a := range l.registry.List() {
		l.printf("  !%s\n", a.Description())
	}
}

func (l *Loop) printHistory(ctx context.Context, args []string) {
	if l.store == nil {
		l.printf("history is disabled\n")
		return
	}
	if len(args) == 1 && args[0] == "clear" {
		if err := l.store.Clear(ctx, l.target); err != nil {
			l.printf("history clear failed: %s\n", err)
		} else {
			l.printf("history cleared\n")
		}
		return
	}
	var entries []history.Entry
	var err error
	if len(args) > 0 {
		entries, err = l.store.Search(ctx, l.target, strings.Join(args, " "), 20)
	} else {
		entries, err = l.store.Recent(ctx, l.target, 20)
	}
	if err != nil {
		l.printf("history failed: %s\n", err)
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		l.printf("%s [%s] %s\n", e.CreatedAt.Format("15:04:05"), e.Mode, e.Command)
	}
}

func (l *Loop) prompt() string {
	tag := ""
	if l.sh.Mode() == shell.ModeForward {
		tag = "fwd:"
		if l.sh.Degraded() {
			tag = "fwd!:"
		}
	}
	cwd := l.sh.WorkingDir()
	if cwd == "" {
		cwd = "?"
	}
	return fmt.Sprintf("(%s%s@%s)-[%s]$ ", tag, l.sh.User(), l.sh.Hostname(), cwd)
}

func (l *Loop) printf(format string, args ...any) {
	l.mut.Lock()
	defer l.mut.Unlock()
	fmt.Fprintf(l.out, format, args...)
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
