package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServices(t *testing.T) (*CoreServices, string) {
	t.Helper()
	root := t.TempDir()
	pluginDir := filepath.Join(root, "weather")
	require.NoError(t, os.MkdirAll(pluginDir, 0o700))
	return &CoreServices{pluginName: "weather", credentialsRoot: root}, pluginDir
}

func TestReadCredential(t *testing.T) {
	services, dir := testServices(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api-key"), []byte("s3cret-value"), 0o600))

	value, err := services.ReadCredential("api-key")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-value", value)
}

func TestReadCredentialRejectsBadKeys(t *testing.T) {
	services, _ := testServices(t)

	for _, key := range []string{"", "a/b", "..", "..secret", "sub/../key", "nul\x00byte"} {
		_, err := services.ReadCredential(key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestReadCredentialMissingFile(t *testing.T) {
	services, _ := testServices(t)

	_, err := services.ReadCredential("absent")
	require.Error(t, err)
}

func TestReadCredentialRefusesSymlink(t *testing.T) {
	services, dir := testServices(t)

	target := filepath.Join(t.TempDir(), "real-secret")
	require.NoError(t, os.WriteFile(target, []byte("leaked-if-followed"), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "sneaky")))

	_, err := services.ReadCredential("sneaky")
	require.Error(t, err)
	// The error must never reveal the credential contents.
	assert.NotContains(t, err.Error(), "leaked-if-followed")
}
