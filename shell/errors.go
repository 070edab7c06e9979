package shell

import "errors"

var (
	// ErrForwardSetup reports that pipe creation or the remote forward loop
	// could not be confirmed. The session stays in dumb mode.
	ErrForwardSetup = errors.New("forward shell setup failed")

	// ErrBrokenChannel reports that a drain found the output channel's
	// backing file missing. Forward mode is degraded until re-bootstrapped.
	ErrBrokenChannel = errors.New("fifo channel broken")

	// ErrDetached reports that the operator abandoned a pending command
	// before its completion marker arrived.
	ErrDetached = errors.New("command detached")

	// ErrNoShell reports that no usable shell could be validated on the
	// remote host.
	ErrNoShell = errors.New("no valid shell found on remote host")
)
