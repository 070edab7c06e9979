package transport

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Wrapper executes commands by substituting them into a local shell template
// and running it through sh -c. It covers RCE vectors already scripted as a
// local one-liner, e.g. `curl -s 'http://t/x.php?c=||cmd||'` or an SSH
// forced-command hop.
type Wrapper struct {
	logger   *zap.SugaredLogger
	template string
}

// NewWrapper validates that the template carries the ||cmd|| placeholder.
func NewWrapper(log *zap.SugaredLogger, template string) (*Wrapper, error) {
	if !strings.Contains(template, Placeholder) {
		return nil, fmt.Errorf("wrapper template has no %s placeholder", Placeholder)
	}
	return &Wrapper{
		logger:   log.Named("wrapper"),
		template: template,
	}, nil
}

func (w *Wrapper) Describe() string {
	return fmt.Sprintf("wrapper %q", w.template)
}

func (w *Wrapper) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, orDefault(timeout))
	defer cancel()

	full := strings.ReplaceAll(w.template, Placeholder, shellQuote(command))
	w.logger.Debugf("running: %s", full)

	out, err := exec.CommandContext(ctx, "sh", "-c", full).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", classifyErr(ctx.Err())
		}
		return "", fmt.Errorf("%w: %v: %s", ErrTransport, err, truncate(string(out), 200))
	}
	return string(out), nil
}

// shellQuote single-quotes a string for embedding in a sh command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
