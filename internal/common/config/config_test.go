package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Bus.SubscriberQueueDepth)
	assert.Equal(t, 1<<20, cfg.Router.MaxRawBytes)
	assert.Equal(t, 100*1024, cfg.Router.MaxFieldBytes)
	assert.Equal(t, 64, cfg.Router.MaxJSONDepth)
	assert.Equal(t, 30, cfg.Router.HandlerTimeout)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 2, cfg.Sessions.MaxPerGroup)
	assert.Equal(t, "fresh", cfg.Sessions.Policy)
	assert.Equal(t, []string{"docker", "podman"}, cfg.Runtime.Probe)
	assert.Empty(t, cfg.NATS.URL)
	assert.Empty(t, cfg.Groups.Configured)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
home: ` + dir + `
groups:
  configured: [work, home]
sessions:
  policy: resume
  maxPerGroup: 3
schedules:
  - cron: "@daily"
    group: work
    prompt: morning report
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"work", "home"}, cfg.Groups.Configured)
	assert.Equal(t, "resume", cfg.Sessions.Policy)
	assert.Equal(t, 3, cfg.Sessions.MaxPerGroup)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "@daily", cfg.Schedules[0].Cron)
	assert.Equal(t, "morning report", cfg.Schedules[0].Prompt)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CARAPACE_SESSIONS_MAX_PER_GROUP", "5")
	t.Setenv("CARAPACE_NATS_URL", "nats://localhost:4222")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Sessions.MaxPerGroup)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty home", func(c *Config) { c.Home = "" }},
		{"zero queue depth", func(c *Config) { c.Bus.SubscriberQueueDepth = 0 }},
		{"unknown runtime", func(c *Config) { c.Runtime.Probe = []string{"lxc"} }},
		{"zero raw bytes", func(c *Config) { c.Router.MaxRawBytes = 0 }},
		{"zero handler timeout", func(c *Config) { c.Router.HandlerTimeout = 0 }},
		{"unknown policy", func(c *Config) { c.Sessions.Policy = "sticky" }},
		{"explicit without resolver", func(c *Config) {
			c.Sessions.Policy = "explicit"
			c.Sessions.ResolverPlugin = ""
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{Home: "/var/lib/carapace"}
	assert.Equal(t, "/var/lib/carapace/credentials", cfg.CredentialsDir())
	assert.Equal(t, "/var/lib/carapace/credentials/plugins", cfg.PluginCredentialsDir())
	assert.Equal(t, "/var/lib/carapace/sockets", cfg.SocketsDir())
	assert.Equal(t, "/var/lib/carapace/logs", cfg.LogsDir())
	assert.Equal(t, "/var/lib/carapace/pid", cfg.PIDFile())
}
