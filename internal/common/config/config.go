// Package config provides configuration management for the Carapace supervisor.
// It supports loading configuration from environment variables, config files, and defaults.
// Configuration is immutable after supervisor start; changes require a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Carapace.
type Config struct {
	Home      string          `mapstructure:"home"`
	Groups    GroupsConfig    `mapstructure:"groups"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Bus       BusConfig       `mapstructure:"bus"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Router    RouterConfig    `mapstructure:"router"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Schedules []ScheduleSpec  `mapstructure:"schedules"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// GroupsConfig lists the groups that may receive inbound messages.
// Sessions, tool calls, and audit entries are always scoped to a group.
type GroupsConfig struct {
	Configured []string `mapstructure:"configured"`
}

// NATSConfig holds NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BusConfig holds event bus delivery configuration.
type BusConfig struct {
	// SubscriberQueueDepth bounds the per-subscriber delivery queue.
	// When full, the oldest message for that subscriber is dropped.
	SubscriberQueueDepth int `mapstructure:"subscriberQueueDepth"`
}

// RuntimeConfig holds container runtime configuration.
type RuntimeConfig struct {
	// Probe is the ordered list of runtimes to try at startup.
	// The first available one is used.
	Probe []string `mapstructure:"probe"`

	// DockerHost overrides the Docker daemon socket.
	DockerHost string `mapstructure:"dockerHost"`

	// PodmanHost is the podman Docker-compatibility socket.
	PodmanHost string `mapstructure:"podmanHost"`

	// Image is the agent container image tag.
	Image string `mapstructure:"image"`

	// APIVersion pins the Docker API version; empty negotiates.
	APIVersion string `mapstructure:"apiVersion"`
}

// RouterConfig holds the request pipeline limits and timeouts.
type RouterConfig struct {
	MaxRawBytes     int `mapstructure:"maxRawBytes"`
	MaxPayloadBytes int `mapstructure:"maxPayloadBytes"`
	MaxFieldBytes   int `mapstructure:"maxFieldBytes"`
	MaxJSONDepth    int `mapstructure:"maxJsonDepth"`

	// WorkerPoolMultiplier scales the handler worker pool: size = multiplier * NumCPU.
	WorkerPoolMultiplier int `mapstructure:"workerPoolMultiplier"`

	// HandlerTimeout bounds a single tool invocation, in seconds.
	HandlerTimeout int `mapstructure:"handlerTimeout"`
}

// RateLimitConfig holds the per-(group, tool) token bucket parameters.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requestsPerMinute"`
	BurstSize         int `mapstructure:"burstSize"`
}

// SessionsConfig holds session lifecycle configuration.
type SessionsConfig struct {
	MaxPerGroup int `mapstructure:"maxPerGroup"`

	// Policy selects how spawns pick a Claude session: fresh, resume,
	// or explicit (delegated to ResolverPlugin).
	Policy string `mapstructure:"policy"`

	// ResolverPlugin names the plugin consulted under the explicit policy.
	ResolverPlugin string `mapstructure:"resolverPlugin"`

	// ResumeTTL bounds how old a recorded Claude session id may be and
	// still be offered for resume, in seconds.
	ResumeTTL int `mapstructure:"resumeTtl"`

	// StopTimeout is the graceful container stop window before force-kill, in seconds.
	StopTimeout int `mapstructure:"stopTimeout"`
}

// PluginsConfig holds plugin discovery configuration.
type PluginsConfig struct {
	// BuiltinDir is the read-only directory of shipped plugins.
	BuiltinDir string `mapstructure:"builtinDir"`

	// UserDir is the mutable directory of operator-installed plugins.
	UserDir string `mapstructure:"userDir"`

	// InitTimeout bounds a plugin's initialize call, in seconds.
	InitTimeout int `mapstructure:"initTimeout"`

	// ShutdownTimeout bounds a plugin's shutdown call, in seconds.
	ShutdownTimeout int `mapstructure:"shutdownTimeout"`
}

// ScheduleSpec describes one cron-driven task.triggered producer.
type ScheduleSpec struct {
	Cron   string `mapstructure:"cron"`
	Group  string `mapstructure:"group"`
	Prompt string `mapstructure:"prompt"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HandlerTimeoutDuration returns the handler timeout as a time.Duration.
func (r *RouterConfig) HandlerTimeoutDuration() time.Duration {
	return time.Duration(r.HandlerTimeout) * time.Second
}

// ResumeTTLDuration returns the resume TTL as a time.Duration.
func (s *SessionsConfig) ResumeTTLDuration() time.Duration {
	return time.Duration(s.ResumeTTL) * time.Second
}

// StopTimeoutDuration returns the stop timeout as a time.Duration.
func (s *SessionsConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(s.StopTimeout) * time.Second
}

// InitTimeoutDuration returns the plugin init timeout as a time.Duration.
func (p *PluginsConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(p.InitTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the plugin shutdown timeout as a time.Duration.
func (p *PluginsConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(p.ShutdownTimeout) * time.Second
}

// GroupConfigured reports whether the group is in the configured set.
func (g *GroupsConfig) GroupConfigured(group string) bool {
	for _, name := range g.Configured {
		if name == group {
			return true
		}
	}
	return false
}

// CredentialsDir returns the core credentials directory under the home dir.
func (c *Config) CredentialsDir() string {
	return filepath.Join(c.Home, "credentials")
}

// PluginCredentialsDir returns the plugin-scoped credentials root.
func (c *Config) PluginCredentialsDir() string {
	return filepath.Join(c.Home, "credentials", "plugins")
}

// LogsDir returns the per-session structured log root.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Home, "logs")
}

// SocketsDir returns the per-session request socket directory.
func (c *Config) SocketsDir() string {
	return filepath.Join(c.Home, "sockets")
}

// PIDFile returns the supervisor PID file path.
func (c *Config) PIDFile() string {
	return filepath.Join(c.Home, "pid")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CARAPACE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".carapace"
	}
	return filepath.Join(home, ".carapace")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("home", defaultHome())

	// Groups
	v.SetDefault("groups.configured", []string{})

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "carapace")
	v.SetDefault("nats.maxReconnects", 10)

	// Bus defaults
	v.SetDefault("bus.subscriberQueueDepth", 1024)

	// Runtime defaults
	v.SetDefault("runtime.probe", []string{"docker", "podman"})
	v.SetDefault("runtime.dockerHost", "")
	v.SetDefault("runtime.podmanHost", "unix:///run/podman/podman.sock")
	v.SetDefault("runtime.image", "carapace/agent:latest")
	v.SetDefault("runtime.apiVersion", "")

	// Router defaults
	v.SetDefault("router.maxRawBytes", 1<<20)
	v.SetDefault("router.maxPayloadBytes", 1<<20)
	v.SetDefault("router.maxFieldBytes", 100*1024)
	v.SetDefault("router.maxJsonDepth", 64)
	v.SetDefault("router.workerPoolMultiplier", 4)
	v.SetDefault("router.handlerTimeout", 30)

	// Rate limit defaults
	v.SetDefault("rateLimit.requestsPerMinute", 60)
	v.SetDefault("rateLimit.burstSize", 10)

	// Session defaults
	v.SetDefault("sessions.maxPerGroup", 2)
	v.SetDefault("sessions.policy", "fresh")
	v.SetDefault("sessions.resolverPlugin", "")
	v.SetDefault("sessions.resumeTtl", 24*60*60)
	v.SetDefault("sessions.stopTimeout", 10)

	// Plugin defaults
	v.SetDefault("plugins.builtinDir", "/usr/lib/carapace/plugins")
	v.SetDefault("plugins.userDir", filepath.Join(defaultHome(), "plugins"))
	v.SetDefault("plugins.initTimeout", 10)
	v.SetDefault("plugins.shutdownTimeout", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CARAPACE_ with snake_case naming.
// Config file should be named config.yaml and placed in ~/.carapace/ or /etc/carapace/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CARAPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("runtime.dockerHost", "DOCKER_HOST", "CARAPACE_RUNTIME_DOCKER_HOST")
	_ = v.BindEnv("sessions.maxPerGroup", "CARAPACE_SESSIONS_MAX_PER_GROUP")
	_ = v.BindEnv("nats.url", "CARAPACE_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(defaultHome())
	v.AddConfigPath("/etc/carapace/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Home == "" {
		errs = append(errs, "home must not be empty")
	}

	if cfg.Bus.SubscriberQueueDepth <= 0 {
		errs = append(errs, "bus.subscriberQueueDepth must be positive")
	}

	if len(cfg.Runtime.Probe) == 0 {
		errs = append(errs, "runtime.probe must list at least one runtime")
	}
	for _, name := range cfg.Runtime.Probe {
		if name != "docker" && name != "podman" {
			errs = append(errs, fmt.Sprintf("runtime.probe: unknown runtime %q", name))
		}
	}

	if cfg.Router.MaxRawBytes <= 0 {
		errs = append(errs, "router.maxRawBytes must be positive")
	}
	if cfg.Router.MaxFieldBytes <= 0 {
		errs = append(errs, "router.maxFieldBytes must be positive")
	}
	if cfg.Router.MaxJSONDepth <= 0 {
		errs = append(errs, "router.maxJsonDepth must be positive")
	}
	if cfg.Router.WorkerPoolMultiplier <= 0 {
		errs = append(errs, "router.workerPoolMultiplier must be positive")
	}
	if cfg.Router.HandlerTimeout <= 0 {
		errs = append(errs, "router.handlerTimeout must be positive")
	}

	if cfg.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "rateLimit.requestsPerMinute must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		errs = append(errs, "rateLimit.burstSize must be positive")
	}

	if cfg.Sessions.MaxPerGroup <= 0 {
		errs = append(errs, "sessions.maxPerGroup must be positive")
	}
	if cfg.Sessions.ResumeTTL <= 0 {
		errs = append(errs, "sessions.resumeTtl must be positive")
	}
	switch cfg.Sessions.Policy {
	case "fresh", "resume":
	case "explicit":
		if cfg.Sessions.ResolverPlugin == "" {
			errs = append(errs, "sessions.resolverPlugin is required for the explicit policy")
		}
	default:
		errs = append(errs, "sessions.policy must be one of: fresh, resume, explicit")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
