// Package plugin hosts tool providers. Plugins come from two
// directories (built-in read-only, user mutable) or from in-process
// registration; every loaded plugin's tools land in the shared catalog.
package plugin

import (
	"context"
	"time"

	"github.com/carapace/carapace/internal/audit"
	"github.com/carapace/carapace/internal/catalog"
	"github.com/carapace/carapace/internal/protocol"
)

// Failure categories a load attempt may report. The set is closed; the
// intrinsic get_session_info tool maps these onto its own enum.
const (
	FailureInvalidManifest = "invalid_manifest"
	FailureInitError       = "init_error"
	FailureTimeout         = "timeout"
	FailureMissingHandler  = "missing_handler"
)

// InvocationContext identifies the request a tool call came from. It
// carries the request envelope's identity and nothing else.
type InvocationContext struct {
	SessionID   string
	Group       string
	Correlation string
	Timestamp   time.Time
}

// Handler is the contract every plugin satisfies. Initialize runs once
// before any invocation; Shutdown runs on supervisor stop, bounded by
// its own timeout. HandleToolInvocation may run concurrently.
type Handler interface {
	Initialize(ctx context.Context, services *CoreServices) error
	HandleToolInvocation(ctx context.Context, tool string, args map[string]any, invocation InvocationContext) (map[string]any, error)
	Shutdown(ctx context.Context) error
}

// EventHandler is an optional capability: plugins observing bus events.
type EventHandler interface {
	HandleEvent(ctx context.Context, envelope *protocol.EventEnvelope)
}

// SessionLookup resolves a group to its most recent Claude session id.
type SessionLookup func(ctx context.Context, group string) (string, bool)

// SessionResolver is an optional capability required by manifests that
// declare session:"explicit".
type SessionResolver interface {
	ResolveSession(ctx context.Context, envelope *protocol.EventEnvelope, lookup SessionLookup) (string, error)
}

// Verifier is an optional capability: a self-check used by doctor.
type Verifier interface {
	Verify(ctx context.Context) error
}

// SessionInfoFn reports the calling session's group and start time.
type SessionInfoFn func(sessionID string) (group string, startedAt int64, ok bool)

// CoreServices is the handle passed to Initialize. Audit queries stay
// group-scoped because the log itself refuses unscoped queries.
type CoreServices struct {
	Catalog     *catalog.Catalog
	Audit       audit.Log
	SessionInfo SessionInfoFn

	pluginName      string
	credentialsRoot string
}

// LoadResult describes one plugin load attempt.
type LoadResult struct {
	Plugin   string `json:"plugin"`
	Loaded   bool   `json:"loaded"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message,omitempty"`
}
