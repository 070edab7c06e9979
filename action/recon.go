package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/sledgeshell/sledge/encode"
)

type sysInfoAction struct{}

func (a *sysInfoAction) Name() string        { return "sysinfo" }
func (a *sysInfoAction) Description() string { return "sysinfo: kernel, identity and distro summary" }
func (a *sysInfoAction) SupportedOS() []string {
	return []string{encode.OSLinux}
}

func (a *sysInfoAction) Invoke(ctx context.Context, r Runner, args []string) (string, error) {
	var b strings.Builder
	for _, probe := range []struct {
		label   string
		command string
	}{
		{"kernel", "uname -a"},
		{"identity", "id"},
		{"distro", "cat /etc/os-release 2>/dev/null | head -n 2"},
		{"uptime", "uptime"},
	} {
		out, err := r.Run(ctx, probe.command)
		if err != nil {
			return "", fmt.Errorf("%s probe failed: %w", probe.label, err)
		}
		fmt.Fprintf(&b, "%-9s %s\n", probe.label+":", strings.TrimSpace(out))
	}
	return b.String(), nil
}

// netCheckAction inventories the outbound tooling available on the target,
// which decides what a reverse shell or exfil step can rely on.
type netCheckAction struct{}

func (a *netCheckAction) Name() string        { return "netcheck" }
func (a *netCheckAction) Description() string { return "netcheck: list usable network client tools" }
func (a *netCheckAction) SupportedOS() []string {
	return []string{encode.OSLinux}
}

func (a *netCheckAction) Invoke(ctx context.Context, r Runner, args []string) (string, error) {
	tools := []string{"curl", "wget", "nc", "ncat", "socat", "python3", "perl", "ssh"}
	var present, absent []string
	for _, tool := range tools {
		out, err := r.Run(ctx, fmt.Sprintf("command -v %s", tool))
		if err != nil {
			return "", fmt.Errorf("probing for %s: %w", tool, err)
		}
		if strings.TrimSpace(out) != "" {
			present = append(present, tool)
		} else {
			absent = append(absent, tool)
		}
	}
	return fmt.Sprintf("available: %s\nmissing:   %s\n",
		strings.Join(present, " "), strings.Join(absent, " ")), nil
}
