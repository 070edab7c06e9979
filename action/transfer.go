package action

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/sledgeshell/sledge/encode"
)

// uploadChunk bounds how much base64 text travels in one remote command.
// Webshell-style primitives put the whole command in a URL, so chunks stay
// well under common request-size limits.
const uploadChunk = 4096

type uploadAction struct{}

func (a *uploadAction) Name() string        { return "upload" }
func (a *uploadAction) Description() string { return "upload <local> <remote>: push a local file" }
func (a *uploadAction) SupportedOS() []string {
	return []string{encode.OSLinux}
}

// Invoke pushes the file as appended base64 chunks, decodes it remotely,
// then compares checksums end to end.
func (a *uploadAction) Invoke(ctx context.Context, r Runner, args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("usage: %s", a.Description())
	}
	local, remote := args[0], args[1]

	data, err := os.ReadFile(local)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", local, err)
	}

	staging := remote + ".b64"
	if _, err := r.Run(ctx, fmt.Sprintf("rm -f %s", staging)); err != nil {
		return "", fmt.Errorf("clearing staging file: %w", err)
	}

	b64 := base64.StdEncoding.EncodeToString(data)
	for off := 0; off < len(b64); off += uploadChunk {
		end := off + uploadChunk
		if end > len(b64) {
			end = len(b64)
		}
		cmd := fmt.Sprintf("echo %s >> %s", b64[off:end], staging)
		if _, err := r.Run(ctx, cmd); err != nil {
			return "", fmt.Errorf("pushing chunk at offset %d: %w", off, err)
		}
	}

	assemble := fmt.Sprintf("base64 -d %s > %s && rm -f %s", staging, remote, staging)
	if _, err := r.Run(ctx, assemble); err != nil {
		return "", fmt.Errorf("assembling remote file: %w", err)
	}

	want := sha256.Sum256(data)
	sumOut, err := r.Run(ctx, fmt.Sprintf("sha256sum %s", remote))
	if err != nil {
		return "", fmt.Errorf("checksumming remote file: %w", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(sumOut), hex.EncodeToString(want[:])) {
		return "", fmt.Errorf("checksum mismatch after upload of %s", remote)
	}

	return fmt.Sprintf("uploaded %s -> %s (%d bytes, checksum verified)", local, remote, len(data)), nil
}

type downloadAction struct{}

func (a *downloadAction) Name() string { return "download" }
func (a *downloadAction) Description() string {
	return "download <remote> <local>: pull a remote file"
}
func (a *downloadAction) SupportedOS() []string {
	return []string{encode.OSLinux}
}

func (a *downloadAction) Invoke(ctx context.Context, r Runner, args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("usage: %s", a.Description())
	}
	remote, local := args[0], args[1]

	out, err := r.Run(ctx, fmt.Sprintf("base64 -w0 %s", remote))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", remote, err)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" || strings.Contains(trimmed, "No such file") {
		return "", fmt.Errorf("remote file %s is empty or missing", remote)
	}
	data, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("decoding remote content: %w", err)
	}

	if err := os.WriteFile(local, data, 0o600); err != nil {
		return "", fmt.Errorf("writing %s: %w", local, err)
	}
	return fmt.Sprintf("downloaded %s -> %s (%d bytes)", remote, local, len(data)), nil
}
