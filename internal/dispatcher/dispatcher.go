// Package dispatcher turns inbound bus events into session spawns.
// Only message.inbound and task.triggered trigger spawns; everything
// else is dropped.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/bus"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/plugin"
	"github.com/carapace/carapace/internal/protocol"
	"github.com/carapace/carapace/internal/schema"
	"github.com/carapace/carapace/internal/session"
)

// Dispatch outcomes.
const (
	OutcomeSpawned  = "spawned"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Result is the decision for one consumed event.
type Result struct {
	Outcome   string
	Reason    string
	SessionID string
}

// Spawner is the session-manager surface the dispatcher uses.
type Spawner interface {
	ActiveCount(group string) int
	Spawn(ctx context.Context, req session.SpawnRequest) (*session.Session, error)
}

// ResolverLookup finds a plugin's session resolver, for the explicit
// session policy.
type ResolverLookup func(pluginName string) (plugin.SessionResolver, bool)

// Options wire a Dispatcher.
type Options struct {
	Bus              bus.EventBus
	Spawner          Spawner
	Store            session.Store
	Resolvers        ResolverLookup
	ConfiguredGroups []string
	MaxPerGroup      int
	Policy           string
	ResolverPlugin   string
	Logger           *logger.Logger
}

// Dispatcher consumes spawn-triggering events.
type Dispatcher struct {
	bus            bus.EventBus
	spawner        Spawner
	store          session.Store
	resolvers      ResolverLookup
	groups         map[string]bool
	maxPerGroup    int
	policy         string
	resolverPlugin string
	logger         *logger.Logger

	inboundValidator *schema.Validator
}

// inboundSchema validates message.inbound payloads. Extra fields are
// rejected; task.triggered payloads by contrast tolerate extras.
func inboundSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel":      map[string]any{"type": "string"},
			"sender":       map[string]any{"type": "string"},
			"content_type": map[string]any{"type": "string"},
			"body":         map[string]any{"type": "string"},
		},
		"required":             []any{"channel", "sender", "content_type", "body"},
		"additionalProperties": false,
	}
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	validator, err := schema.Compile(inboundSchema())
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}

	groups := make(map[string]bool, len(opts.ConfiguredGroups))
	for _, group := range opts.ConfiguredGroups {
		groups[group] = true
	}
	if opts.Policy == "" {
		opts.Policy = plugin.SessionFresh
	}

	return &Dispatcher{
		bus:              opts.Bus,
		spawner:          opts.Spawner,
		store:            opts.Store,
		resolvers:        opts.Resolvers,
		groups:           groups,
		maxPerGroup:      opts.MaxPerGroup,
		policy:           opts.Policy,
		resolverPlugin:   opts.ResolverPlugin,
		logger:           opts.Logger.WithFields(zap.String("component", "dispatcher")),
		inboundValidator: validator,
	}, nil
}

// Run consumes events until the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	inbound, err := d.bus.Subscribe(protocol.MessageInbound)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.MessageInbound, err)
	}
	defer inbound.Unsubscribe()

	triggered, err := d.bus.Subscribe(protocol.TaskTriggered)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.TaskTriggered, err)
	}
	defer triggered.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope := <-inbound.Events():
			d.handle(ctx, envelope)
		case envelope := <-triggered.Events():
			d.handle(ctx, envelope)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, envelope *protocol.EventEnvelope) {
	if envelope == nil {
		return
	}
	result := d.Dispatch(ctx, envelope)
	d.logger.Info("dispatch decision",
		zap.String("topic", envelope.Topic),
		zap.String("group", envelope.Group),
		zap.String("outcome", result.Outcome),
		zap.String("reason", result.Reason),
		zap.String("session_id", result.SessionID))
}

// Dispatch applies the spawn rules to one event.
func (d *Dispatcher) Dispatch(ctx context.Context, envelope *protocol.EventEnvelope) Result {
	if envelope.Topic != protocol.MessageInbound && envelope.Topic != protocol.TaskTriggered {
		return Result{Outcome: OutcomeDropped, Reason: "no spawn for topic"}
	}
	if envelope.Group == "" {
		return Result{Outcome: OutcomeDropped, Reason: "empty group"}
	}

	// Schedulers may target any group; only message.inbound is held to
	// the configured set.
	if envelope.Topic == protocol.MessageInbound {
		if !d.groups[envelope.Group] {
			return Result{Outcome: OutcomeDropped, Reason: "unconfigured group"}
		}
		if err := d.inboundValidator.Validate(envelope.Payload); err != nil {
			return Result{Outcome: OutcomeRejected, Reason: fmt.Sprintf("invalid payload: %v", err)}
		}
	}

	if d.maxPerGroup > 0 && d.spawner.ActiveCount(envelope.Group) >= d.maxPerGroup {
		return Result{Outcome: OutcomeRejected, Reason: "concurrent limit"}
	}

	resumeID, err := d.resolveSessionID(ctx, envelope)
	if err != nil {
		return Result{Outcome: OutcomeError, Reason: err.Error()}
	}

	req := session.SpawnRequest{
		Group:           envelope.Group,
		ResumeSessionID: resumeID,
	}
	if envelope.Topic == protocol.TaskTriggered {
		if prompt, ok := envelope.Payload["prompt"].(string); ok {
			req.TaskPrompt = prompt
		}
	}

	spawned, err := d.spawner.Spawn(ctx, req)
	if err != nil {
		// The producer retries; the dispatcher never does.
		return Result{Outcome: OutcomeError, Reason: err.Error()}
	}
	return Result{Outcome: OutcomeSpawned, SessionID: spawned.SessionID}
}

// resolveSessionID applies the session policy.
func (d *Dispatcher) resolveSessionID(ctx context.Context, envelope *protocol.EventEnvelope) (string, error) {
	switch d.policy {
	case plugin.SessionFresh:
		return "", nil

	case plugin.SessionResume:
		latest, ok, err := d.store.GetLatest(ctx, envelope.Group)
		if err != nil {
			return "", fmt.Errorf("look up latest session: %w", err)
		}
		if !ok {
			return "", nil
		}
		return latest, nil

	case plugin.SessionExplicit:
		resolver, ok := d.resolvers(d.resolverPlugin)
		if !ok {
			return "", fmt.Errorf("resolver plugin %q is not loaded", d.resolverPlugin)
		}
		lookup := func(ctx context.Context, group string) (string, bool) {
			latest, found, err := d.store.GetLatest(ctx, group)
			return latest, err == nil && found
		}
		resolved, err := resolver.ResolveSession(ctx, envelope, lookup)
		if err != nil {
			return "", fmt.Errorf("resolve session: %w", err)
		}
		return resolved, nil

	default:
		return "", fmt.Errorf("unknown session policy %q", d.policy)
	}
}
