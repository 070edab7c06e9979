package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel returns a per-command completion marker. UUIDs are improbable
// enough that a collision with legitimate command output is not a practical
// concern.
func Sentinel() string {
	return fmt.Sprintf("__sledge_%s__", uuid.NewString())
}

// Hex returns a random lowercase hex string of the given length, used for
// remote file and directory names that should not stand out in ps output.
func Hex(length int) string {
	if length <= 0 {
		return ""
	}
	b := make([]byte, length/2+1)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the host is in serious trouble;
		// fall back to a UUID-derived string rather than returning junk.
		return uuid.NewString()[:length]
	}
	return hex.EncodeToString(b)[:length]
}

// WorkDir returns a plausible-looking scratch directory path for the remote
// host, mimicking systemd private tmp directories.
func WorkDir() string {
	return fmt.Sprintf("/tmp/systemd-private-%s-upower.service-%s", Hex(32), Hex(6))
}
