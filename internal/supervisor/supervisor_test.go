package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace/carapace/internal/common/config"
	"github.com/carapace/carapace/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		Home:   home,
		Groups: config.GroupsConfig{Configured: []string{"work"}},
		Plugins: config.PluginsConfig{
			UserDir: filepath.Join(home, "plugins"),
		},
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, testLogger(t))
	require.NoError(t, s.ensureDirs())
	require.NoError(t, s.writePIDFile())

	pid, running := ReadPID(cfg)
	require.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	// A second supervisor must refuse to start.
	other := New(cfg, testLogger(t))
	require.Error(t, other.writePIDFile())

	require.NoError(t, os.Remove(cfg.PIDFile()))
	_, running = ReadPID(cfg)
	assert.False(t, running)
}

func TestStalePIDFileIsOverwritten(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, testLogger(t))
	require.NoError(t, s.ensureDirs())

	// 2^22 is far beyond pid_max on any default kernel.
	require.NoError(t, os.WriteFile(cfg.PIDFile(), []byte("4194304"), 0o600))
	require.NoError(t, s.writePIDFile())

	pid, running := ReadPID(cfg)
	require.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLoadCredentials(t *testing.T) {
	cfg := testConfig(t)
	creds := loadCredentials(cfg)
	assert.Empty(t, creds.APIKey)
	assert.Empty(t, creds.OAuthStateDir)

	require.NoError(t, StoreAPIKey(cfg, "  sk-test-abc123  \n"))
	creds = loadCredentials(cfg)
	assert.Equal(t, "sk-test-abc123", creds.APIKey)

	require.NoError(t, os.MkdirAll(OAuthStateDir(cfg), 0o700))
	creds = loadCredentials(cfg)
	assert.Equal(t, OAuthStateDir(cfg), creds.OAuthStateDir)
}

func TestStoreAPIKeyRejectsEmpty(t *testing.T) {
	cfg := testConfig(t)
	require.Error(t, StoreAPIKey(cfg, "   "))
}

func TestAuthMethod(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, "none", AuthMethod(cfg))

	require.NoError(t, os.MkdirAll(OAuthStateDir(cfg), 0o700))
	assert.Equal(t, "oauth", AuthMethod(cfg))

	// The API key wins when both are present.
	require.NoError(t, StoreAPIKey(cfg, "sk-test"))
	assert.Equal(t, "api-key", AuthMethod(cfg))
}

func TestUninstallRefusesWhileRunning(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, testLogger(t))
	require.NoError(t, s.ensureDirs())
	require.NoError(t, s.writePIDFile())

	require.Error(t, Uninstall(cfg))

	require.NoError(t, os.Remove(cfg.PIDFile()))
	require.NoError(t, Uninstall(cfg))
	_, err := os.Stat(cfg.Home)
	assert.True(t, os.IsNotExist(err))
}

func TestDoctorChecks(t *testing.T) {
	cfg := testConfig(t)

	home := checkHome(cfg)
	assert.Equal(t, CheckPass, home.Status)

	groups := checkGroups(cfg)
	assert.Equal(t, CheckPass, groups.Status)
	cfg.Groups.Configured = nil
	groups = checkGroups(cfg)
	assert.Equal(t, CheckWarn, groups.Status)
	assert.NotEmpty(t, groups.Fix)

	creds := checkCredentials(cfg)
	assert.Equal(t, CheckWarn, creds.Status)
	require.NoError(t, StoreAPIKey(cfg, "sk-test"))
	creds = checkCredentials(cfg)
	assert.Equal(t, CheckPass, creds.Status)

	plugins := checkPluginDirs(cfg)
	assert.Equal(t, CheckWarn, plugins.Status)
	require.NoError(t, os.MkdirAll(cfg.Plugins.UserDir, 0o700))
	plugins = checkPluginDirs(cfg)
	assert.Equal(t, CheckPass, plugins.Status)

	assert.True(t, Healthy([]CheckResult{{Status: CheckPass}, {Status: CheckWarn}}))
	assert.False(t, Healthy([]CheckResult{{Status: CheckPass}, {Status: CheckFail}}))
}
