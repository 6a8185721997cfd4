// Package supervisor assembles and runs the whole core: transport,
// event bus, plugin host, session manager, router pipeline, dispatcher,
// and scheduler. Construction is lazy; everything is wired in Start.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/carapace/carapace/internal/audit"
	"github.com/carapace/carapace/internal/bus"
	"github.com/carapace/carapace/internal/catalog"
	"github.com/carapace/carapace/internal/common/config"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/dispatcher"
	"github.com/carapace/carapace/internal/intrinsic"
	"github.com/carapace/carapace/internal/plugin"
	"github.com/carapace/carapace/internal/ratelimit"
	"github.com/carapace/carapace/internal/router"
	"github.com/carapace/carapace/internal/runtime"
	"github.com/carapace/carapace/internal/sanitize"
	"github.com/carapace/carapace/internal/scheduler"
	"github.com/carapace/carapace/internal/session"
	"github.com/carapace/carapace/internal/tracing"
	"github.com/carapace/carapace/internal/transport"
)

// Supervisor owns the lifecycle of every core component.
type Supervisor struct {
	cfg *config.Config
	log *logger.Logger

	bus       bus.EventBus
	auditLog  audit.Log
	store     session.Store
	socket    transport.RequestSocket
	runtime   runtime.ContainerRuntime
	catalog   *catalog.Catalog
	host      *plugin.Host
	manager   *session.Manager
	router    *router.Router
	disp      *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates an unstarted supervisor.
func New(cfg *config.Config, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "supervisor")),
	}
}

// Start wires every component and launches the run loops. It returns
// once the core is serving; Wait blocks until it stops.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	if err := s.writePIDFile(); err != nil {
		return err
	}

	var err error
	if s.cfg.NATS.URL != "" {
		s.bus, err = bus.NewNATSEventBus(s.cfg.NATS, s.cfg.Bus.SubscriberQueueDepth, s.log)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
	} else {
		s.bus = bus.NewMemoryEventBus(s.cfg.Bus.SubscriberQueueDepth, s.log)
	}

	s.auditLog, err = audit.OpenSQLite(filepath.Join(s.cfg.Home, "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	s.store, err = session.OpenSQLiteStore(filepath.Join(s.cfg.Home, "sessions.db"), s.cfg.Sessions.ResumeTTLDuration())
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	s.socket, err = transport.NewUnixSocket(s.cfg.SocketsDir(), s.log)
	if err != nil {
		return fmt.Errorf("open request socket: %w", err)
	}

	s.runtime, err = probeRuntime(ctx, s.cfg, s.log)
	if err != nil {
		return err
	}
	s.log.Info("container runtime selected", zap.String("runtime", s.runtime.Name()))

	s.manager = session.NewManager(session.ManagerOptions{
		Runtime:     s.runtime,
		Socket:      s.socket,
		Bus:         s.bus,
		Store:       s.store,
		Logger:      s.log,
		Image:       s.cfg.Runtime.Image,
		LogsDir:     s.cfg.LogsDir(),
		StopTimeout: s.cfg.Sessions.StopTimeoutDuration(),
		Credentials: loadCredentials(s.cfg),
	})

	s.catalog = catalog.New()
	s.host = plugin.NewHost(plugin.HostOptions{
		Catalog:         s.catalog,
		Audit:           s.auditLog,
		SessionInfo:     s.manager.Info,
		CredentialsRoot: s.cfg.PluginCredentialsDir(),
		BuiltinDir:      s.cfg.Plugins.BuiltinDir,
		UserDir:         s.cfg.Plugins.UserDir,
		InitTimeout:     s.cfg.Plugins.InitTimeoutDuration(),
		ShutdownTimeout: s.cfg.Plugins.ShutdownTimeoutDuration(),
		Logger:          s.log,
	})

	intrinsics := intrinsic.NewService(s.catalog, s.auditLog, s.host, s.manager.Info)
	if err := intrinsics.Register(); err != nil {
		return fmt.Errorf("register intrinsic tools: %w", err)
	}

	for _, result := range s.host.LoadAll(ctx) {
		if result.Loaded {
			s.log.Info("plugin loaded", zap.String("plugin", result.Plugin))
		} else {
			s.log.Warn("plugin failed to load",
				zap.String("plugin", result.Plugin),
				zap.String("category", result.Category),
				zap.String("message", result.Message))
		}
	}

	s.router = router.New(router.Options{
		Socket:     s.socket,
		Catalog:    s.catalog,
		Handlers:   s.host,
		Intrinsics: intrinsics,
		Limiter:    ratelimit.New(s.cfg.RateLimit.RequestsPerMinute, s.cfg.RateLimit.BurstSize),
		Scrubber:   sanitize.New(),
		Audit:      s.auditLog,
		Sessions:   s.manager,
		Limits:     s.cfg.Router,
		Logger:     s.log,
	})
	s.manager.SetExitHandler(s.router.SessionExited)

	s.disp, err = dispatcher.New(dispatcher.Options{
		Bus:              s.bus,
		Spawner:          s.manager,
		Store:            s.store,
		Resolvers:        s.host.Resolver,
		ConfiguredGroups: s.cfg.Groups.Configured,
		MaxPerGroup:      s.cfg.Sessions.MaxPerGroup,
		Policy:           s.cfg.Sessions.Policy,
		ResolverPlugin:   s.cfg.Sessions.ResolverPlugin,
		Logger:           s.log,
	})
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	s.scheduler, err = scheduler.New(s.bus, s.cfg.Schedules, s.log)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	s.group.Go(func() error { return ignoreCancel(s.router.Run(runCtx)) })
	s.group.Go(func() error { return ignoreCancel(s.disp.Run(runCtx)) })

	// Feed bus events to the plugins whose manifests subscribe to them.
	// The streams close when the bus does, so these loops end on Stop.
	for _, prefix := range s.host.Subscriptions() {
		sub, err := s.bus.Subscribe(prefix)
		if err != nil {
			return fmt.Errorf("subscribe plugins to %q: %w", prefix, err)
		}
		s.group.Go(func() error {
			for envelope := range sub.Events() {
				s.host.DispatchEvent(runCtx, envelope)
			}
			return nil
		})
	}

	s.scheduler.Start()

	s.log.Info("supervisor started",
		zap.Strings("groups", s.cfg.Groups.Configured),
		zap.Int("schedules", s.scheduler.Len()))
	return nil
}

// Wait blocks until the run loops stop.
func (s *Supervisor) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Stop shuts everything down in reverse dependency order.
func (s *Supervisor) Stop(ctx context.Context) {
	s.log.Info("supervisor stopping")

	if s.scheduler != nil {
		s.scheduler.Stop(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	if s.manager != nil {
		s.manager.StopAll(ctx)
	}
	if s.host != nil {
		s.host.ShutdownAll()
	}
	if s.socket != nil {
		_ = s.socket.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.auditLog != nil {
		_ = s.auditLog.Close()
	}
	if s.runtime != nil {
		_ = s.runtime.Close()
	}
	_ = tracing.Shutdown(ctx)
	_ = os.Remove(s.cfg.PIDFile())

	s.log.Info("supervisor stopped")
}

// Approve records an out-of-band approval for a high-risk tool call.
func (s *Supervisor) Approve(correlation string) error {
	if s.router == nil {
		return fmt.Errorf("supervisor is not running")
	}
	s.router.Confirmations().Approve(correlation)
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func probeRuntime(ctx context.Context, cfg *config.Config, log *logger.Logger) (runtime.ContainerRuntime, error) {
	var candidates []runtime.ContainerRuntime
	for _, name := range cfg.Runtime.Probe {
		host := cfg.Runtime.DockerHost
		if name == "podman" {
			host = cfg.Runtime.PodmanHost
		}
		rt, err := runtime.NewDockerRuntime(name, host, cfg.Runtime.APIVersion, log)
		if err != nil {
			log.Warn("runtime client unavailable", zap.String("runtime", name), zap.Error(err))
			continue
		}
		candidates = append(candidates, rt)
	}
	selected, err := runtime.Probe(ctx, candidates)
	if err != nil {
		return nil, err
	}
	// Close the clients that lost the probe.
	for _, candidate := range candidates {
		if candidate != selected {
			_ = candidate.Close()
		}
	}
	return selected, nil
}

func (s *Supervisor) ensureDirs() error {
	dirs := []string{
		s.cfg.Home,
		s.cfg.SocketsDir(),
		s.cfg.LogsDir(),
		s.cfg.CredentialsDir(),
		s.cfg.PluginCredentialsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// writePIDFile refuses to start when another supervisor holds the PID
// file and is still alive.
func (s *Supervisor) writePIDFile() error {
	path := s.cfg.PIDFile()
	if raw, err := os.ReadFile(path); err == nil {
		if pid, parseErr := strconv.Atoi(strings.TrimSpace(string(raw))); parseErr == nil && processAlive(pid) {
			return fmt.Errorf("another supervisor is running (pid %d)", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// ReadPID returns the recorded supervisor PID, or ok=false when no
// live supervisor holds the file.
func ReadPID(cfg *config.Config) (int, bool) {
	raw, err := os.ReadFile(cfg.PIDFile())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || !processAlive(pid) {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// SignalStop sends SIGTERM to a running supervisor and waits for the
// PID file to clear, bounded by timeout.
func SignalStop(cfg *config.Config, timeout time.Duration) error {
	pid, ok := ReadPID(cfg)
	if !ok {
		return fmt.Errorf("no running supervisor")
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("supervisor (pid %d) did not stop within %s", pid, timeout)
}

func loadCredentials(cfg *config.Config) session.Credentials {
	creds := session.Credentials{}
	if raw, err := os.ReadFile(filepath.Join(cfg.CredentialsDir(), "anthropic_api_key")); err == nil {
		creds.APIKey = strings.TrimSpace(string(raw))
	}
	oauthDir := filepath.Join(cfg.CredentialsDir(), "oauth")
	if info, err := os.Stat(oauthDir); err == nil && info.IsDir() {
		creds.OAuthStateDir = oauthDir
	}
	return creds
}
