package encode

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeNoopPolicyIsFixedPoint(t *testing.T) {
	for _, cmd := range []string{"id", "ls -la /tmp", "echo 'a b c' > /dev/null"} {
		out, err := Encode(cmd, Policy{})
		require.NoError(t, err)
		assert.Equal(t, cmd, out)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	p := Policy{OS: OSLinux, Obfuscate: true, Base64: true}
	a, err := Encode("uname -a", p)
	require.NoError(t, err)
	b, err := Encode("uname -a", p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeObfuscationHidesCommandText(t *testing.T) {
	out, err := Encode("cat /etc/passwd", Policy{OS: OSLinux, Obfuscate: true})
	require.NoError(t, err)
	assert.NotContains(t, out, "passwd")
	assert.NotContains(t, out, " ", "spaces must be substituted")
	assert.Contains(t, out, "${IFS}")
}

// unwrap peels the obfuscated wrapper back to the original command the way
// the remote shell would: outer base64, inner base64, reverse, base64 again.
func unwrap(t *testing.T, wire string) string {
	t.Helper()
	extract := func(s string) string {
		start := strings.Index(s, "'") + 1
		end := strings.Index(s[start:], "'") + start
		return s[start:end]
	}

	outer := strings.ReplaceAll(wire, "${IFS}", " ")
	innerBytes, err := base64.StdEncoding.DecodeString(extract(outer))
	require.NoError(t, err)

	revBytes, err := base64.StdEncoding.DecodeString(extract(string(innerBytes)))
	require.NoError(t, err)
	rev := []byte(revBytes)
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	cmd, err := base64.StdEncoding.DecodeString(string(rev))
	require.NoError(t, err)
	return string(cmd)
}

func TestEncodeAppendsStderrCapture(t *testing.T) {
	wire, err := Encode("id", Policy{OS: OSLinux, Obfuscate: true})
	require.NoError(t, err)
	assert.Equal(t, "id 2>&1", unwrap(t, wire))

	// Commands that manage their own redirection are left alone.
	wire, err = Encode("id 2>/dev/null", Policy{OS: OSLinux, Obfuscate: true})
	require.NoError(t, err)
	assert.Equal(t, "id 2>/dev/null", unwrap(t, wire))
}

func TestEncodeUnknownOSFailsOpen(t *testing.T) {
	out, err := Encode("whoami", Policy{OS: OSWindows, Obfuscate: true})
	require.ErrorIs(t, err, ErrPolicyMissing)
	assert.Equal(t, "whoami", out, "raw command must be used unmodified")
}

func TestEncodeBase64WrapAppliedLast(t *testing.T) {
	out, err := Encode("whoami", Policy{Base64: true})
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(out)
	require.NoError(t, err)
	assert.Equal(t, "whoami", string(decoded))
}

// remoteTransform simulates what the obfuscated command's output side does on
// the remote host: gzip, base64, reverse.
func remoteTransform(t *testing.T, plain string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(plain))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	b64 := base64.StdEncoding.EncodeToString(buf.Bytes())
	b := []byte(b64)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

func TestDecodeRoundTrip(t *testing.T) {
	p := Policy{OS: OSLinux, Obfuscate: true}
	wire := remoteTransform(t, "uid=1000(op) gid=1000(op)\n")
	plain, err := Decode(wire, p)
	require.NoError(t, err)
	assert.Equal(t, "uid=1000(op) gid=1000(op)\n", plain)
}

func TestDecodePassthroughWithoutObfuscation(t *testing.T) {
	out, err := Decode("raw output", Policy{})
	require.NoError(t, err)
	assert.Equal(t, "raw output", out)
}

func TestDecodeGarbageSurfacesError(t *testing.T) {
	_, err := Decode("<html>blocked</html>", Policy{OS: OSLinux, Obfuscate: true})
	require.ErrorIs(t, err, ErrDecode)
}
