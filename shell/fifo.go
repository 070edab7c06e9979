package shell

import "fmt"

// Role distinguishes the two channel directions of a forward shell.
type Role int

const (
	// RoleInput carries operator commands toward the remote loop. Backed by
	// a named pipe so the remote tail -f blocks until a command arrives.
	RoleInput Role = iota
	// RoleOutput carries command output back. Backed by a regular file
	// (not a pipe) so non-blocking read-and-truncate drains work.
	RoleOutput
)

func (r Role) String() string {
	if r == RoleInput {
		return "input"
	}
	return "output"
}

// FifoChannel is one endpoint of the forward-shell protocol: a remote path
// plus which direction it carries. It is valid only while the backing remote
// file exists; a drain that finds the path missing marks the whole forward
// session broken.
type FifoChannel struct {
	Path string
	Role Role
}

func (f *FifoChannel) String() string {
	return fmt.Sprintf("%s channel %s", f.Role, f.Path)
}

// drainReads are the read halves of the rotating drain command. Each reads
// everything currently buffered in the output file; the caller appends the
// truncation. Rotating the read binary keeps repeated identical commands out
// of process accounting.
var drainReads = []string{
	"cat %[1]s",
	"sed -n p %[1]s",
	"tail -n +1 %[1]s",
	"dd if=%[1]s bs=4096 2>/dev/null",
}

// drainCommand builds the nth drain against an output channel. brokenMark is
// echoed instead when the backing file is gone, which the poller translates
// into a broken-channel failure rather than silently reading nothing.
func (f *FifoChannel) drainCommand(n int, brokenMark string) string {
	read := fmt.Sprintf(drainReads[n%len(drainReads)], f.Path)
	return fmt.Sprintf("if [ -e %s ]; then %s && > %s; else echo %s; fi", f.Path, read, f.Path, brokenMark)
}
