package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace/carapace/internal/audit"
	"github.com/carapace/carapace/internal/catalog"
	"github.com/carapace/carapace/internal/common/config"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/plugin"
	"github.com/carapace/carapace/internal/protocol"
	"github.com/carapace/carapace/internal/ratelimit"
	"github.com/carapace/carapace/internal/sanitize"
	"github.com/carapace/carapace/internal/transport"
)

// mapDirectory is a fixed identity -> group session directory.
type mapDirectory map[string]string

func (d mapDirectory) Info(sessionID string) (string, int64, bool) {
	group, ok := d[sessionID]
	return group, 1700000000, ok
}

// funcHandler adapts a function to the plugin handler interface.
type funcHandler struct {
	invoke func(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
}

func (h *funcHandler) Initialize(context.Context, *plugin.CoreServices) error { return nil }
func (h *funcHandler) Shutdown(context.Context) error                         { return nil }
func (h *funcHandler) HandleToolInvocation(ctx context.Context, tool string, args map[string]any, _ plugin.InvocationContext) (map[string]any, error) {
	return h.invoke(ctx, tool, args)
}

type mapHandlers map[string]plugin.Handler

func (m mapHandlers) HandlerFor(name string) (plugin.Handler, bool) {
	h, ok := m[name]
	return h, ok
}

type funcIntrinsics func(ctx context.Context, tool string, args map[string]any, invocation plugin.InvocationContext) (map[string]any, error)

func (f funcIntrinsics) Invoke(ctx context.Context, tool string, args map[string]any, invocation plugin.InvocationContext) (map[string]any, error) {
	return f(ctx, tool, args, invocation)
}

type fixture struct {
	router   *Router
	socket   *transport.MemorySocket
	conn     *transport.MemoryConn
	audit    *audit.MemoryLog
	catalog  *catalog.Catalog
	handlers mapHandlers
}

func stringSchema(field string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			field: map[string]any{"type": "string"},
		},
		"required":             []any{field},
		"additionalProperties": false,
	}
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	cat := catalog.New()
	require.NoError(t, cat.Register("echoer", catalog.ToolDeclaration{
		Name: "echo", Description: "echo back", RiskLevel: catalog.RiskLow,
		ArgumentsSchema: stringSchema("msg"),
	}))
	require.NoError(t, cat.Register("echoer", catalog.ToolDeclaration{
		Name: "deploy", Description: "risky", RiskLevel: catalog.RiskHigh,
		ArgumentsSchema: stringSchema("target"),
	}))
	require.NoError(t, cat.Register("", catalog.ToolDeclaration{
		Name: "ping", Description: "intrinsic", RiskLevel: catalog.RiskLow,
		ArgumentsSchema: map[string]any{"type": "object", "additionalProperties": false},
	}))

	handlers := mapHandlers{
		"echoer": &funcHandler{invoke: func(_ context.Context, _ string, args map[string]any) (map[string]any, error) {
			return map[string]any{"echoed": args["msg"]}, nil
		}},
	}

	socket := transport.NewMemorySocket()
	_, err = socket.Bind("session-1")
	require.NoError(t, err)
	conn, err := socket.Connect("session-1")
	require.NoError(t, err)

	auditLog := audit.NewMemoryLog()
	opts := Options{
		Socket:   socket,
		Catalog:  cat,
		Handlers: handlers,
		Intrinsics: funcIntrinsics(func(_ context.Context, tool string, _ map[string]any, _ plugin.InvocationContext) (map[string]any, error) {
			return map[string]any{"pong": tool}, nil
		}),
		Limiter:       ratelimit.New(60, 10),
		Scrubber:      sanitize.New(),
		Audit:         auditLog,
		Sessions:      mapDirectory{"session-1": "work"},
		Confirmations: NewConfirmationStore(0),
		Limits:        config.RouterConfig{HandlerTimeout: 1},
		Logger:        log,
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &fixture{
		router:   New(opts),
		socket:   socket,
		conn:     conn,
		audit:    auditLog,
		catalog:  cat,
		handlers: handlers,
	}
}

func wireBytes(t *testing.T, topic, correlation string, args map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"topic":       topic,
		"correlation": correlation,
		"arguments":   args,
	})
	require.NoError(t, err)
	return raw
}

// roundTrip processes one frame and decodes the reply.
func (f *fixture) roundTrip(t *testing.T, payload []byte) *protocol.ResponseEnvelope {
	t.Helper()
	f.router.process(context.Background(), transport.Frame{Identity: "session-1", Payload: payload})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := f.conn.Recv(ctx)
	require.NoError(t, err, "no reply frame")

	var response protocol.ResponseEnvelope
	require.NoError(t, json.Unmarshal(raw, &response))
	return &response
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, nil)

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-1", map[string]any{"msg": "hello"}))
	assert.Equal(t, protocol.TypeResponse, response.Type)
	assert.Equal(t, "core", response.Source)
	assert.Equal(t, "corr-1", response.Correlation)
	assert.Equal(t, "work", response.Group)
	require.Nil(t, response.Payload.Error)
	assert.Equal(t, "hello", response.Payload.Result["echoed"])

	entries, err := f.audit.Query(context.Background(), audit.QueryFilter{Group: "work"})
	require.NoError(t, err)
	stages := make([]string, 0, len(entries))
	for _, entry := range entries {
		stages = append(stages, entry.Stage)
	}
	for _, stage := range []string{StageLimits, StageWireIsolation, StageTopic, StageEnvelope, StageSchema, StageRateLimit, StageConfirmation, StageDispatch, StageSanitize} {
		assert.Contains(t, stages, stage)
	}
	for _, entry := range entries {
		assert.Equal(t, audit.OutcomeRouted, entry.Outcome, entry.Stage)
	}
}

// recordingHandler captures the invocation context passed to it.
type recordingHandler struct {
	last plugin.InvocationContext
}

func (h *recordingHandler) Initialize(context.Context, *plugin.CoreServices) error { return nil }
func (h *recordingHandler) Shutdown(context.Context) error                         { return nil }
func (h *recordingHandler) HandleToolInvocation(_ context.Context, _ string, _ map[string]any, invocation plugin.InvocationContext) (map[string]any, error) {
	h.last = invocation
	return map[string]any{}, nil
}

func TestHandlerSeesRequestIdentity(t *testing.T) {
	f := newFixture(t, nil)
	handler := &recordingHandler{}
	f.handlers["echoer"] = handler

	before := time.Now().UTC()
	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-ctx", map[string]any{"msg": "hi"}))
	require.Nil(t, response.Payload.Error)

	assert.Equal(t, "session-1", handler.last.SessionID)
	assert.Equal(t, "work", handler.last.Group)
	assert.Equal(t, "corr-ctx", handler.last.Correlation)
	assert.False(t, handler.last.Timestamp.Before(before))
	assert.False(t, handler.last.Timestamp.After(time.Now().UTC()))
}

func TestIntrinsicDispatch(t *testing.T) {
	f := newFixture(t, nil)

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.ping", "corr-2", map[string]any{}))
	require.Nil(t, response.Payload.Error)
	assert.Equal(t, "ping", response.Payload.Result["pong"])
}

func TestSpoofedIdentityFieldRejected(t *testing.T) {
	f := newFixture(t, nil)

	raw, err := json.Marshal(map[string]any{
		"topic":       "tool.invoke.echo",
		"correlation": "corr-3",
		"arguments":   map[string]any{"msg": "hi"},
		"source":      "some-other-session",
	})
	require.NoError(t, err)

	response := f.roundTrip(t, raw)
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrValidationFailed, response.Payload.Error.Code)
	assert.Contains(t, response.Payload.Error.Message, `"source"`)
	// The reply is still correlated and attributed to the core.
	assert.Equal(t, "corr-3", response.Correlation)
	assert.Equal(t, "core", response.Source)
}

func TestRawSizeLimit(t *testing.T) {
	f := newFixture(t, func(opts *Options) {
		opts.Limits.MaxRawBytes = 64
	})

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-4", map[string]any{"msg": strings.Repeat("x", 100)}))
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrValidationFailed, response.Payload.Error.Code)
	assert.Contains(t, response.Payload.Error.Message, "max_raw_bytes")

	entries, err := f.audit.Query(context.Background(), audit.QueryFilter{Group: "work"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StageLimits, entries[0].Stage)
	assert.Equal(t, audit.OutcomeError, entries[0].Outcome)
}

func TestRawSizeExactlyAtLimitAccepted(t *testing.T) {
	payload := wireBytes(t, "tool.invoke.echo", "corr-edge", map[string]any{"msg": "hi"})

	f := newFixture(t, func(opts *Options) {
		opts.Limits.MaxRawBytes = len(payload)
	})
	response := f.roundTrip(t, payload)
	require.Nil(t, response.Payload.Error)

	// One byte over the bound is rejected.
	f = newFixture(t, func(opts *Options) {
		opts.Limits.MaxRawBytes = len(payload) - 1
	})
	response = f.roundTrip(t, payload)
	require.NotNil(t, response.Payload.Error)
	assert.Contains(t, response.Payload.Error.Message, "max_raw_bytes")
}

func TestNestingDepthLimit(t *testing.T) {
	f := newFixture(t, func(opts *Options) {
		opts.Limits.MaxJSONDepth = 4
	})

	deep := map[string]any{"msg": "ok", "extra": map[string]any{"a": map[string]any{"b": map[string]any{"c": "deep"}}}}
	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-5", deep))
	require.NotNil(t, response.Payload.Error)
	assert.Contains(t, response.Payload.Error.Message, "max_json_depth")
}

func TestNestingDepthExactlyAtLimitAccepted(t *testing.T) {
	f := newFixture(t, func(opts *Options) {
		opts.Limits.MaxJSONDepth = 4
	})
	require.NoError(t, f.catalog.Register("echoer", catalog.ToolDeclaration{
		Name: "nest", Description: "nested args", RiskLevel: catalog.RiskLow,
		ArgumentsSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"extra": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"a": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"leaf": map[string]any{"type": "string"},
							},
							"additionalProperties": false,
						},
					},
					"additionalProperties": false,
				},
			},
			"additionalProperties": false,
		},
	}))

	// Wire object (1) > arguments (2) > extra (3) > a (4): exactly the bound.
	exact := map[string]any{"extra": map[string]any{"a": map[string]any{"leaf": "x"}}}
	response := f.roundTrip(t, wireBytes(t, "tool.invoke.nest", "corr-depth", exact))
	require.Nil(t, response.Payload.Error)
}

func TestFieldSizeLimit(t *testing.T) {
	f := newFixture(t, func(opts *Options) {
		opts.Limits.MaxFieldBytes = 10
	})

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-6", map[string]any{"msg": strings.Repeat("y", 32)}))
	require.NotNil(t, response.Payload.Error)
	assert.Contains(t, response.Payload.Error.Message, "max_field_bytes")
	assert.Contains(t, response.Payload.Error.Message, "$.msg")
}

func TestUnknownToolDoesNotDiscloseCatalog(t *testing.T) {
	f := newFixture(t, nil)

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.nope", "corr-7", map[string]any{}))
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrUnknownTool, response.Payload.Error.Code)
	assert.NotContains(t, response.Payload.Error.Message, "echo")
	assert.NotContains(t, response.Payload.Error.Message, "deploy")
}

func TestSchemaValidationError(t *testing.T) {
	f := newFixture(t, nil)

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-8", map[string]any{"msg": float64(7)}))
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrValidationFailed, response.Payload.Error.Code)
	assert.Contains(t, response.Payload.Error.Message, "$.")
}

func TestRateLimitExhaustion(t *testing.T) {
	f := newFixture(t, func(opts *Options) {
		opts.Limiter = ratelimit.New(60, 2)
	})

	for i := 0; i < 2; i++ {
		response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", fmt.Sprintf("corr-%d", i), map[string]any{"msg": "hi"}))
		require.Nil(t, response.Payload.Error)
	}

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-burst", map[string]any{"msg": "hi"}))
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrRateLimited, response.Payload.Error.Code)
	assert.True(t, response.Payload.Error.Retriable)
	assert.GreaterOrEqual(t, response.Payload.Error.RetryAfter, int64(1))
}

func TestConfirmationGate(t *testing.T) {
	f := newFixture(t, nil)

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.deploy", "corr-risky", map[string]any{"target": "prod"}))
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrConfirmationRequired, response.Payload.Error.Code)

	f.router.Confirmations().Approve("corr-risky")
	response = f.roundTrip(t, wireBytes(t, "tool.invoke.deploy", "corr-risky", map[string]any{"target": "prod"}))
	require.Nil(t, response.Payload.Error)

	// Approvals are one-shot.
	response = f.roundTrip(t, wireBytes(t, "tool.invoke.deploy", "corr-risky", map[string]any{"target": "prod"}))
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrConfirmationRequired, response.Payload.Error.Code)
}

func TestHandlerError(t *testing.T) {
	f := newFixture(t, nil)
	f.handlers["echoer"] = &funcHandler{invoke: func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("disk on fire")
	}}

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-err", map[string]any{"msg": "hi"}))
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrPluginError, response.Payload.Error.Code)
	assert.Contains(t, response.Payload.Error.Message, "disk on fire")
}

func TestHandlerPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.handlers["echoer"] = &funcHandler{invoke: func(context.Context, string, map[string]any) (map[string]any, error) {
		panic("boom")
	}}

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-panic", map[string]any{"msg": "hi"}))
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrInternal, response.Payload.Error.Code)
	assert.NotContains(t, response.Payload.Error.Message, "boom")
}

func TestHandlerTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.handlers["echoer"] = &funcHandler{invoke: func(context.Context, string, map[string]any) (map[string]any, error) {
		time.Sleep(1500 * time.Millisecond)
		return map[string]any{"late": true}, nil
	}}

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-slow", map[string]any{"msg": "hi"}))
	require.NotNil(t, response.Payload.Error)
	assert.Equal(t, protocol.ErrPluginTimeout, response.Payload.Error.Code)
	assert.True(t, response.Payload.Error.Retriable)
}

func TestResultSanitization(t *testing.T) {
	f := newFixture(t, nil)
	f.handlers["echoer"] = &funcHandler{invoke: func(context.Context, string, map[string]any) (map[string]any, error) {
		return map[string]any{"auth": "Bearer abcdefghij0123456789"}, nil
	}}

	response := f.roundTrip(t, wireBytes(t, "tool.invoke.echo", "corr-scrub", map[string]any{"msg": "hi"}))
	require.Nil(t, response.Payload.Error)
	assert.Equal(t, sanitize.Redacted, response.Payload.Result["auth"])

	// The redaction path lands in the audit log, not in the response.
	entries, err := f.audit.Query(context.Background(), audit.QueryFilter{Group: "work"})
	require.NoError(t, err)
	var sanitizeEntry *audit.Entry
	for i := range entries {
		if entries[i].Stage == StageSanitize {
			sanitizeEntry = &entries[i]
			break
		}
	}
	require.NotNil(t, sanitizeEntry)
	assert.Contains(t, sanitizeEntry.Error, "$.auth")
}

func TestSessionExitAbandonsCall(t *testing.T) {
	f := newFixture(t, nil)

	started := make(chan struct{})
	f.handlers["echoer"] = &funcHandler{invoke: func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.process(context.Background(), transport.Frame{Identity: "session-1", Payload: wireBytes(t, "tool.invoke.echo", "corr-gone", map[string]any{"msg": "hi"})})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	f.router.SessionExited("session-1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never unwound")
	}

	// No reply frame may arrive for an abandoned call.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := f.conn.Recv(ctx)
	assert.Error(t, err)
}

func TestUnknownIdentityGetsNoReply(t *testing.T) {
	f := newFixture(t, nil)

	f.router.process(context.Background(), transport.Frame{Identity: "ghost", Payload: wireBytes(t, "tool.invoke.echo", "c", map[string]any{"msg": "hi"})})

	entries, err := f.audit.Query(context.Background(), audit.QueryFilter{Group: "work"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunServesFramesEndToEnd(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	require.NoError(t, f.conn.Send(wireBytes(t, "tool.invoke.echo", "corr-run", map[string]any{"msg": "over the socket"})))

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	raw, err := f.conn.Recv(recvCtx)
	require.NoError(t, err)

	var response protocol.ResponseEnvelope
	require.NoError(t, json.Unmarshal(raw, &response))
	require.Nil(t, response.Payload.Error)
	assert.Equal(t, "over the socket", response.Payload.Result["echoed"])
	assert.Equal(t, "corr-run", response.Correlation)
}

func TestConfirmationStoreExpiry(t *testing.T) {
	store := NewConfirmationStore(time.Minute)
	store.Approve("old")
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.False(t, store.Consume("old"))

	store.now = time.Now
	store.Approve("fresh")
	assert.True(t, store.Consume("fresh"))
	assert.False(t, store.Consume("fresh"))
}
