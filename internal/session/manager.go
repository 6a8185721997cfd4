package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/bus"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/runtime"
	"github.com/carapace/carapace/internal/stream"
	"github.com/carapace/carapace/internal/tracing"
	"github.com/carapace/carapace/internal/transport"
)

// Lifecycle states. Transitions only move forward:
// starting -> running -> stopping -> stopped.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// socketMountTarget is where the per-session request socket appears
// inside the container.
const socketMountTarget = "/run/carapace/request.sock"

// oauthMountTarget is where mounted OAuth credential state appears.
const oauthMountTarget = "/home/agent/.claude"

// Session is one live (or recently stopped) agent container.
type Session struct {
	SessionID          string    `json:"sessionId"`
	Group              string    `json:"group"`
	ContainerID        string    `json:"containerId"`
	ConnectionIdentity string    `json:"connectionIdentity"`
	StartedAt          time.Time `json:"startedAt"`
	State              string    `json:"state"`

	cancel context.CancelFunc
	done   chan struct{}
}

// SpawnRequest asks the manager for a new session.
type SpawnRequest struct {
	Group           string
	TaskPrompt      string
	ResumeSessionID string
}

// Credentials configures how the agent authenticates. Exactly one of
// the two shapes is typically set: an API key fed over stdin, or an
// OAuth state directory mounted into the container.
type Credentials struct {
	APIKey        string
	OAuthStateDir string
}

// ManagerOptions wires a Manager.
type ManagerOptions struct {
	Runtime     runtime.ContainerRuntime
	Socket      transport.RequestSocket
	Bus         bus.EventBus
	Store       Store
	Logger      *logger.Logger
	Image       string
	LogsDir     string
	StopTimeout time.Duration
	Credentials Credentials
}

// Manager owns the session map and every lifecycle transition. One
// exclusive lock guards the map; spawn and cleanup both go through it.
type Manager struct {
	runtime     runtime.ContainerRuntime
	socket      transport.RequestSocket
	bus         bus.EventBus
	store       Store
	logger      *logger.Logger
	image       string
	logsDir     string
	stopTimeout time.Duration
	credentials Credentials

	mu       sync.Mutex
	sessions map[string]*Session
	onExit   func(sessionID string)
}

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Manager{
		runtime:     opts.Runtime,
		socket:      opts.Socket,
		bus:         opts.Bus,
		store:       opts.Store,
		logger:      opts.Logger.WithFields(zap.String("component", "session-manager")),
		image:       opts.Image,
		logsDir:     opts.LogsDir,
		stopTimeout: opts.StopTimeout,
		credentials: opts.Credentials,
		sessions:    make(map[string]*Session),
	}
}

// SetExitHandler registers a callback fired after a session reaches
// stopped. The router uses it to cancel in-flight work.
func (m *Manager) SetExitHandler(handler func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = handler
}

// ActiveCount returns the number of sessions for the group that have
// not reached stopped.
func (m *Manager) ActiveCount(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, session := range m.sessions {
		if session.Group == group && session.State != StateStopped {
			count++
		}
	}
	return count
}

// Lookup returns the session by id.
func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	return session, ok
}

// Info reports the group and start time for a session, for the
// intrinsic get_session_info tool.
func (m *Manager) Info(sessionID string) (string, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return "", 0, false
	}
	return session.Group, session.StartedAt.Unix(), true
}

// List returns a snapshot of all sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		copied := *session
		out = append(out, &copied)
	}
	return out
}

// Spawn starts a container session: bind the request socket identity,
// run the container, then wire the output readers. The session is
// visible in starting state for the whole sequence so concurrent
// spawns count it against the group limit.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	if req.Group == "" {
		return nil, fmt.Errorf("spawn requires a group")
	}

	ctx, span := tracing.TraceSessionSpawn(ctx, req.Group)
	defer span.End()

	sessionID := uuid.New().String()
	sessionCtx, cancel := context.WithCancel(context.Background())
	newSession := &Session{
		SessionID:          sessionID,
		Group:              req.Group,
		ConnectionIdentity: sessionID,
		StartedAt:          time.Now().UTC(),
		State:              StateStarting,
		cancel:             cancel,
		done:               make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sessionID] = newSession
	m.mu.Unlock()

	socketPath, err := m.socket.Bind(sessionID)
	if err != nil {
		m.finish(newSession)
		return nil, fmt.Errorf("bind session socket: %w", err)
	}

	env := map[string]string{}
	if req.TaskPrompt != "" {
		env[runtime.EnvTaskPrompt] = req.TaskPrompt
	}
	if req.ResumeSessionID != "" {
		env[runtime.EnvResumeSessionID] = req.ResumeSessionID
	}

	mounts := []runtime.Mount{
		{Source: socketPath, Target: socketMountTarget},
	}
	if m.credentials.OAuthStateDir != "" {
		mounts = append(mounts, runtime.Mount{
			Source: m.credentials.OAuthStateDir,
			Target: oauthMountTarget,
		})
	}

	stdinFeed := ""
	if m.credentials.APIKey != "" {
		stdinFeed = "ANTHROPIC_API_KEY=" + m.credentials.APIKey + "\n\n"
	}

	container, err := m.runtime.Run(ctx, runtime.RunOptions{
		Image:     m.image,
		Name:      "carapace-" + sessionID[:8],
		Env:       env,
		Mounts:    mounts,
		Labels:    map[string]string{"carapace.session": sessionID, "carapace.group": req.Group},
		StdinFeed: stdinFeed,
	})
	if err != nil {
		m.socket.Release(sessionID)
		m.finish(newSession)
		return nil, fmt.Errorf("run container: %w", err)
	}

	streams, err := m.runtime.Attach(ctx, container.ID)
	if err != nil {
		_ = m.runtime.Kill(context.WithoutCancel(ctx), container.ID)
		_ = m.runtime.Remove(context.WithoutCancel(ctx), container.ID)
		m.socket.Release(sessionID)
		m.finish(newSession)
		return nil, fmt.Errorf("attach container: %w", err)
	}

	m.mu.Lock()
	newSession.ContainerID = container.ID
	newSession.State = StateRunning
	m.mu.Unlock()

	sessionLog := m.sessionLogger(req.Group, sessionID)
	sessionLog.Info("session started",
		zap.String("container_id", container.ID),
		zap.Bool("resume", req.ResumeSessionID != ""))

	parser := stream.NewParser(m.bus, m.store, sessionLog, sessionID, req.Group)
	go func() {
		if err := parser.Run(sessionCtx, streams.Stdout); err != nil && sessionCtx.Err() == nil {
			m.logger.Warn("stdout reader ended with error",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		streams.Stdout.Close()
	}()
	go func() {
		parser.DrainStderr(streams.Stderr)
		streams.Stderr.Close()
	}()
	go m.supervise(sessionCtx, newSession, sessionLog)

	return newSession, nil
}

// supervise waits for the container to exit and runs cleanup.
func (m *Manager) supervise(ctx context.Context, s *Session, sessionLog *logger.Logger) {
	exitCode, err := m.runtime.Wait(ctx, s.ContainerID)
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("container wait failed",
			zap.String("session_id", s.SessionID), zap.Error(err))
	}
	sessionLog.Info("session exited", zap.Int("exit_code", exitCode))

	_ = m.runtime.Remove(context.WithoutCancel(ctx), s.ContainerID)
	m.socket.Release(s.SessionID)
	m.finish(s)
}

// finish marks the session stopped, releases its resources, and fires
// the exit handler exactly once.
func (m *Manager) finish(s *Session) {
	m.mu.Lock()
	if s.State == StateStopped {
		m.mu.Unlock()
		return
	}
	s.State = StateStopped
	delete(m.sessions, s.SessionID)
	onExit := m.onExit
	m.mu.Unlock()

	s.cancel()
	close(s.done)
	if onExit != nil {
		onExit(s.SessionID)
	}
}

// Stop gracefully stops a session: SIGTERM-equivalent bounded by the
// stop timeout, then force-kill. Blocks until cleanup completes.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %q not found", sessionID)
	}
	if s.State == StateStopped || s.State == StateStopping {
		m.mu.Unlock()
		return nil
	}
	s.State = StateStopping
	containerID := s.ContainerID
	m.mu.Unlock()

	if containerID != "" {
		if err := m.runtime.Stop(ctx, containerID, m.stopTimeout); err != nil {
			m.logger.Warn("graceful stop failed, killing",
				zap.String("session_id", sessionID), zap.Error(err))
			if err := m.runtime.Kill(ctx, containerID); err != nil {
				m.logger.Warn("kill failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	} else {
		// Never got a container; finish directly.
		m.socket.Release(sessionID)
		m.finish(s)
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every active session.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.State != StateStopped {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("stop session failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// sessionLogger opens the per-session JSONL log file. On failure the
// manager's logger is used so lifecycle events are never lost.
func (m *Manager) sessionLogger(group, sessionID string) *logger.Logger {
	if m.logsDir == "" {
		return m.logger.WithGroup(group).WithSessionID(sessionID)
	}
	dir := filepath.Join(m.logsDir, group)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		m.logger.Warn("create session log dir failed", zap.Error(err))
		return m.logger.WithGroup(group).WithSessionID(sessionID)
	}
	fileLog, err := logger.NewJSONLFileLogger(filepath.Join(dir, sessionID+".jsonl"), "debug")
	if err != nil {
		m.logger.Warn("open session log failed", zap.Error(err))
		return m.logger.WithGroup(group).WithSessionID(sessionID)
	}
	return fileLog.WithGroup(group).WithSessionID(sessionID)
}
