package hostdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingDirIsEmpty(t *testing.T) {
	d, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, d.Names())
}

func TestLoadParsesPublicKeyLine(t *testing.T) {
	dir := t.TempDir()
	content := "Address = 203.0.113.5\nPublicKey = " + hexOfAll(0xab) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice"), []byte(content), 0o644))

	d, err := Load(dir)
	require.NoError(t, err)

	pub, known := d.Lookup("alice")
	require.True(t, known)
	require.Equal(t, byte(0xab), pub[0])
	require.Equal(t, []string{"alice"}, d.Names())
}

func TestLookupUnknownPeer(t *testing.T) {
	d, err := Load(t.TempDir())
	require.NoError(t, err)

	_, known := d.Lookup("bob")
	require.False(t, known)
}

func TestLoadRejectsBadHex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "carol"), []byte("PublicKey = zz\n"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestEndpointAndByAddress(t *testing.T) {
	dir := t.TempDir()
	content := "Address = 203.0.113.5\nPort = 712\nPublicKey = " + hexOfAll(0xcd) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dave"), []byte(content), 0o644))

	d, err := Load(dir)
	require.NoError(t, err)

	addr, port, ok := d.Endpoint("dave")
	require.True(t, ok)
	require.Equal(t, "203.0.113.5", addr)
	require.Equal(t, 712, port)

	name, ok := d.ByAddress("203.0.113.5")
	require.True(t, ok)
	require.Equal(t, "dave", name)

	_, _, ok = d.Endpoint("nobody")
	require.False(t, ok)
}

func hexOfAll(b byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i := 0; i < 32; i++ {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
