// Package encode transforms logical commands into the literal text sent to
// the execution primitive. Encoding is pure and deterministic: the same
// command and policy always produce the same wire text, and the no-op policy
// is a fixed point.
package encode

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	OSLinux   = "linux"
	OSWindows = "windows"
)

// ErrPolicyMissing reports that the policy requested obfuscation for an OS
// family with no registered substitution rule. Encoding fails open: the raw
// command is returned alongside this error so the caller can surface a
// warning instead of silently corrupting the command.
var ErrPolicyMissing = errors.New("no obfuscation rule registered for target OS")

// ErrDecode reports that a received result could not be reversed through the
// obfuscation pipeline.
var ErrDecode = errors.New("decoding command output failed")

// Policy configures the encoding pipeline. The zero value is a no-op.
type Policy struct {
	// OS is the target OS family, one of OSLinux or OSWindows.
	OS string
	// Obfuscate wraps the command in a reversible shell-level disguise and
	// replaces spaces with an OS-specific equivalent.
	Obfuscate bool
	// Base64 applies a whole-command base64 wrap as the final step, for
	// transports whose remote side decodes before execution.
	Base64 bool
}

// redirectControl matches commands that already manage their own output
// redirection; appending 2>&1 to those would change their semantics.
var redirectControl = regexp.MustCompile(`(1?>>?|2?>>?|>>?|[0-9]+>&[0-9]+)`)

// Encode applies the policy's pipeline to a raw command. Substitution and
// obfuscation change surface syntax only: the wrapped command still produces
// the same stdout/stderr capture as the original.
func Encode(raw string, policy Policy) (string, error) {
	out := raw
	var encErr error

	if policy.Obfuscate {
		switch policy.OS {
		case OSLinux:
			out = obfuscateLinux(out)
		default:
			encErr = fmt.Errorf("%w: %q", ErrPolicyMissing, policy.OS)
		}
	}

	if policy.Base64 {
		out = base64.StdEncoding.EncodeToString([]byte(out))
	}

	return out, encErr
}

// Decode reverses the output-side transformation that obfuscateLinux
// installs remotely (rev | base64 | gzip). For non-obfuscating policies the
// result passes through untouched.
func Decode(result string, policy Policy) (string, error) {
	if !policy.Obfuscate || policy.OS != OSLinux || result == "" {
		return result, nil
	}

	trimmed := strings.TrimSpace(result)
	decoded, err := base64.StdEncoding.DecodeString(reverse(trimmed))
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(decoded))
	if err != nil {
		return "", fmt.Errorf("%w: gzip: %v", ErrDecode, err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("%w: gzip: %v", ErrDecode, err)
	}
	return string(plain), nil
}

// obfuscateLinux disguises a shell command as nested base64 blobs. The remote
// side unwraps with base64 -d and rev only, executes through $0, and returns
// its output gzipped, base64'd, and reversed, which Decode undoes locally.
func obfuscateLinux(command string) string {
	if !redirectControl.MatchString(command) {
		command += " 2>&1"
	}

	b64 := base64.StdEncoding.EncodeToString([]byte(command))
	b64rev := base64.StdEncoding.EncodeToString([]byte(reverse(b64)))

	inner := fmt.Sprintf("echo '%s'|base64 -d|rev|base64 -d|$0|gzip|base64 -w0|rev", b64rev)

	outer := fmt.Sprintf("echo '%s'|base64 -d|$0", base64.StdEncoding.EncodeToString([]byte(inner)))

	// ${IFS} instead of spaces defeats most space filtering.
	return strings.ReplaceAll(outer, " ", "${IFS}")
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
