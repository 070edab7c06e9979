package shell

import "time"

// CommandState tracks a forward-mode command through its lifecycle:
// Submitted -> Delivered -> Settled | Detached. Settled is reached only by
// sentinel observation; there is no timeout transition, a command that never
// emits its sentinel stays outstanding until the session ends.
type CommandState int

const (
	StateSubmitted CommandState = iota
	StateDelivered
	StateSettled
	StateDetached
)

func (s CommandState) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateDelivered:
		return "delivered"
	case StateSettled:
		return "settled"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// pendingCommand is one outstanding forward-mode command. Fields other than
// done are guarded by the session mutex.
type pendingCommand struct {
	text        string
	encodedText string
	sentinel    string
	submittedAt time.Time

	state  CommandState
	output string

	// done is closed exactly once, when the command settles.
	done chan struct{}
}

func newPendingCommand(text, encodedText, sentinel string) *pendingCommand {
	return &pendingCommand{
		text:        text,
		encodedText: encodedText,
		sentinel:    sentinel,
		submittedAt: time.Now(),
		state:       StateSubmitted,
		done:        make(chan struct{}),
	}
}

// settle records the command's final output. A detached command still
// settles when its sentinel eventually arrives, so late output can be
// attributed to it.
func (c *pendingCommand) settle(output string) {
	c.output = output
	if c.state != StateDetached {
		c.state = StateSettled
	}
	close(c.done)
}
