// Package router implements the request pipeline between container
// sessions and tool handlers. Every frame received on the request
// socket traverses the same ordered stages; any stage may short-circuit
// with an error reply, and a session exit abandons the in-flight call
// without replying.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	goruntime "runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/audit"
	"github.com/carapace/carapace/internal/catalog"
	"github.com/carapace/carapace/internal/common/config"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/plugin"
	"github.com/carapace/carapace/internal/protocol"
	"github.com/carapace/carapace/internal/ratelimit"
	"github.com/carapace/carapace/internal/sanitize"
	"github.com/carapace/carapace/internal/schema"
	"github.com/carapace/carapace/internal/tracing"
	"github.com/carapace/carapace/internal/transport"
)

// Pipeline stage names recorded in the audit log.
const (
	StageLimits        = "limits"
	StageWireIsolation = "wire_isolation"
	StageTopic         = "topic"
	StageEnvelope      = "envelope"
	StageSchema        = "schema"
	StageRateLimit     = "rate_limit"
	StageConfirmation  = "confirmation"
	StageDispatch      = "dispatch"
	StageSanitize      = "sanitize"
)

const defaultHandlerTimeout = 30 * time.Second

// SessionDirectory resolves a socket identity to its session.
type SessionDirectory interface {
	Info(sessionID string) (group string, startedAt int64, ok bool)
}

// HandlerSource resolves a plugin name to its tool handler.
type HandlerSource interface {
	HandlerFor(name string) (plugin.Handler, bool)
}

// IntrinsicInvoker runs the core-owned tools.
type IntrinsicInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any, invocation plugin.InvocationContext) (map[string]any, error)
}

// Options wire a Router.
type Options struct {
	Socket        transport.RequestSocket
	Catalog       *catalog.Catalog
	Handlers      HandlerSource
	Intrinsics    IntrinsicInvoker
	Limiter       *ratelimit.Limiter
	Scrubber      *sanitize.Scrubber
	Audit         audit.Log
	Sessions      SessionDirectory
	Confirmations *ConfirmationStore
	Limits        config.RouterConfig
	Logger        *logger.Logger
}

// Router consumes (identity, frame) pairs from the request socket and
// produces reply frames.
type Router struct {
	socket        transport.RequestSocket
	catalog       *catalog.Catalog
	handlers      HandlerSource
	intrinsics    IntrinsicInvoker
	limiter       *ratelimit.Limiter
	scrubber      *sanitize.Scrubber
	auditLog      audit.Log
	sessions      SessionDirectory
	confirmations *ConfirmationStore
	limits        config.RouterConfig
	logger        *logger.Logger

	handlerTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*sessionContext
}

type sessionContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Router. Zero-valued limits fall back to the documented
// defaults so hand-built options stay usable.
func New(opts Options) *Router {
	if opts.Limits.MaxRawBytes <= 0 {
		opts.Limits.MaxRawBytes = 1 << 20
	}
	if opts.Limits.MaxPayloadBytes <= 0 {
		opts.Limits.MaxPayloadBytes = 1 << 20
	}
	if opts.Limits.MaxFieldBytes <= 0 {
		opts.Limits.MaxFieldBytes = 100 * 1024
	}
	if opts.Limits.MaxJSONDepth <= 0 {
		opts.Limits.MaxJSONDepth = 64
	}
	if opts.Limits.WorkerPoolMultiplier <= 0 {
		opts.Limits.WorkerPoolMultiplier = 4
	}
	timeout := opts.Limits.HandlerTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	if opts.Confirmations == nil {
		opts.Confirmations = NewConfirmationStore(0)
	}

	return &Router{
		socket:         opts.Socket,
		catalog:        opts.Catalog,
		handlers:       opts.Handlers,
		intrinsics:     opts.Intrinsics,
		limiter:        opts.Limiter,
		scrubber:       opts.Scrubber,
		auditLog:       opts.Audit,
		sessions:       opts.Sessions,
		confirmations:  opts.Confirmations,
		limits:         opts.Limits,
		logger:         opts.Logger.WithFields(zap.String("component", "router")),
		handlerTimeout: timeout,
		inflight:       make(map[string]*sessionContext),
	}
}

// Confirmations exposes the approval store so the supervisor can grant
// out-of-band approvals.
func (r *Router) Confirmations() *ConfirmationStore {
	return r.confirmations
}

// SessionExited cancels every in-flight call for the session. Calls
// abandoned this way never send a reply.
func (r *Router) SessionExited(sessionID string) {
	r.mu.Lock()
	sc := r.inflight[sessionID]
	delete(r.inflight, sessionID)
	r.mu.Unlock()
	if sc != nil {
		sc.cancel()
	}
}

func (r *Router) sessionContext(identity string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.inflight[identity]; ok {
		return sc.ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.inflight[identity] = &sessionContext{ctx: ctx, cancel: cancel}
	return ctx
}

// Run receives frames until the context ends, fanning them out to a
// worker pool sized workerPoolMultiplier * NumCPU.
func (r *Router) Run(ctx context.Context) error {
	workers := r.limits.WorkerPoolMultiplier * goruntime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	frames := make(chan transport.Frame, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for frame := range frames {
				r.process(ctx, frame)
			}
		}()
	}

	var recvErr error
	for {
		frame, err := r.socket.Recv(ctx)
		if err != nil {
			recvErr = err
			break
		}
		frames <- frame
	}
	close(frames)
	wg.Wait()

	r.mu.Lock()
	for _, sc := range r.inflight {
		sc.cancel()
	}
	r.inflight = make(map[string]*sessionContext)
	r.mu.Unlock()

	return recvErr
}

// call carries the per-request state threaded through the stages.
type call struct {
	identity    string
	group       string
	topic       string
	correlation string
}

func (r *Router) process(ctx context.Context, frame transport.Frame) {
	group, _, ok := r.sessions.Info(frame.Identity)
	if !ok {
		// The session is gone; there is nobody to reply to.
		r.logger.Warn("frame from unknown session", zap.String("identity", frame.Identity))
		return
	}
	st := &call{identity: frame.Identity, group: group}
	sessionCtx := r.sessionContext(frame.Identity)

	// Stage 1a: raw size and depth, checked before any JSON parsing.
	if len(frame.Payload) > r.limits.MaxRawBytes {
		r.reject(ctx, sessionCtx, st, StageLimits,
			protocol.ValidationFailed("request is %d bytes; max_raw_bytes is %d", len(frame.Payload), r.limits.MaxRawBytes))
		return
	}
	if depth, err := schema.Depth(frame.Payload); err == nil && depth > r.limits.MaxJSONDepth {
		r.reject(ctx, sessionCtx, st, StageLimits,
			protocol.ValidationFailed("request nesting depth is %d; max_json_depth is %d", depth, r.limits.MaxJSONDepth))
		return
	}

	// Stage 2: wire-format isolation.
	wire, errPayload := r.parseWire(frame.Payload, st)
	if errPayload != nil {
		r.reject(ctx, sessionCtx, st, StageWireIsolation, errPayload)
		return
	}

	// Stage 1b: argument size limits, now that arguments exist.
	if errPayload := r.checkArgumentLimits(wire.Arguments); errPayload != nil {
		r.reject(ctx, sessionCtx, st, StageLimits, errPayload)
		return
	}
	r.audit(ctx, st, StageLimits, audit.OutcomeRouted, "")
	r.audit(ctx, st, StageWireIsolation, audit.OutcomeRouted, "")

	// Stage 3: topic validation.
	name, ok := protocol.ToolNameFromTopic(wire.Topic)
	if !ok {
		r.reject(ctx, sessionCtx, st, StageTopic, protocol.UnknownTool(wire.Topic))
		return
	}
	tool, ok := r.catalog.Lookup(name)
	if !ok {
		r.reject(ctx, sessionCtx, st, StageTopic, protocol.UnknownTool(name))
		return
	}
	r.audit(ctx, st, StageTopic, audit.OutcomeRouted, "")

	// Stage 4: envelope construction. Identity comes from the socket,
	// never from the wire message.
	req := protocol.NewRequest(wire, st.identity, st.group)
	r.audit(ctx, st, StageEnvelope, audit.OutcomeRouted, "")

	// Stage 5: schema validation.
	if err := tool.Validator.Validate(req.Arguments); err != nil {
		r.reject(ctx, sessionCtx, st, StageSchema, protocol.ValidationFailed("%v", err))
		return
	}
	r.audit(ctx, st, StageSchema, audit.OutcomeRouted, "")

	// Stage 6: rate limiting.
	if retryAfter, allowed := r.limiter.Allow(st.group, name); !allowed {
		r.reject(ctx, sessionCtx, st, StageRateLimit, protocol.RateLimited(st.group, name, retryAfter))
		return
	}
	r.audit(ctx, st, StageRateLimit, audit.OutcomeRouted, "")

	// Stage 7: confirmation gate for high-risk tools.
	if tool.Declaration.RiskLevel == catalog.RiskHigh && !r.confirmations.Consume(req.Correlation) {
		r.reject(ctx, sessionCtx, st, StageConfirmation, protocol.ConfirmationRequired(name))
		return
	}
	r.audit(ctx, st, StageConfirmation, audit.OutcomeRouted, "")

	// Stage 8: handler dispatch under the per-call timeout.
	result, errPayload, abandoned := r.dispatch(sessionCtx, name, tool, req)
	if abandoned {
		r.audit(ctx, st, StageDispatch, audit.OutcomeError, "session exited; call abandoned")
		return
	}
	if errPayload != nil {
		r.reject(ctx, sessionCtx, st, StageDispatch, errPayload)
		return
	}
	r.audit(ctx, st, StageDispatch, audit.OutcomeRouted, "")

	// Stage 9: response sanitization. Redaction paths go to the audit
	// log, never into the response.
	clean, redacted := r.scrubber.Scrub(result)
	cleanMap, ok := clean.(map[string]any)
	if !ok {
		cleanMap = map[string]any{}
	}
	if len(redacted) > 0 {
		r.audit(ctx, st, StageSanitize, audit.OutcomeRouted, "redacted: "+strings.Join(redacted, ", "))
	} else {
		r.audit(ctx, st, StageSanitize, audit.OutcomeRouted, "")
	}

	r.reply(sessionCtx, st, protocol.NewResultResponse(req, cleanMap))
}

// parseWire enforces the wire format: a JSON object carrying exactly
// topic, correlation, and arguments. Any envelope identity field on the
// wire is a spoofing attempt and is rejected.
func (r *Router) parseWire(raw []byte, st *call) (*protocol.WireMessage, *protocol.ErrorPayload) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, protocol.ValidationFailed("wire message must be a JSON object")
	}

	// Best-effort correlation so even rejected requests get a
	// correlated reply.
	if topic, ok := fields["topic"].(string); ok {
		st.topic = topic
	}
	if correlation, ok := fields["correlation"].(string); ok {
		st.correlation = correlation
	}

	for _, identityField := range protocol.EnvelopeIdentityFields {
		if _, present := fields[identityField]; present {
			return nil, protocol.ValidationFailed("wire message must not carry envelope field %q", identityField)
		}
	}

	topic, ok := fields["topic"].(string)
	if !ok {
		return nil, protocol.ValidationFailed("wire message requires a string topic")
	}
	correlation, ok := fields["correlation"].(string)
	if !ok {
		return nil, protocol.ValidationFailed("wire message requires a string correlation")
	}
	arguments, ok := fields["arguments"].(map[string]any)
	if !ok {
		return nil, protocol.ValidationFailed("wire message requires an arguments object")
	}

	return &protocol.WireMessage{Topic: topic, Correlation: correlation, Arguments: arguments}, nil
}

// checkArgumentLimits applies max_payload_bytes to the serialized
// arguments and max_field_bytes to every string inside them.
func (r *Router) checkArgumentLimits(arguments map[string]any) *protocol.ErrorPayload {
	serialized, err := json.Marshal(arguments)
	if err != nil {
		return protocol.ValidationFailed("arguments are not serializable")
	}
	if len(serialized) > r.limits.MaxPayloadBytes {
		return protocol.ValidationFailed("arguments serialize to %d bytes; max_payload_bytes is %d", len(serialized), r.limits.MaxPayloadBytes)
	}
	if path, size, found := oversizedField(arguments, "$", r.limits.MaxFieldBytes); found {
		return protocol.ValidationFailed("argument field %s is %d bytes; max_field_bytes is %d", path, size, r.limits.MaxFieldBytes)
	}
	return nil
}

func oversizedField(value any, path string, max int) (string, int, bool) {
	switch v := value.(type) {
	case string:
		if len(v) > max {
			return path, len(v), true
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if p, n, found := oversizedField(v[k], path+"."+k, max); found {
				return p, n, true
			}
		}
	case []any:
		for i, item := range v {
			if p, n, found := oversizedField(item, fmt.Sprintf("%s[%d]", path, i), max); found {
				return p, n, true
			}
		}
	}
	return "", 0, false
}

type dispatchResult struct {
	result   map[string]any
	err      error
	panicked bool
	panicVal any
}

// dispatch runs the tool handler with the per-call timeout, selecting
// the intrinsic service for core-owned tools. abandoned is true when
// the session exited mid-call; no reply may be sent then.
func (r *Router) dispatch(sessionCtx context.Context, name string, tool *catalog.Tool, req *protocol.RequestEnvelope) (map[string]any, *protocol.ErrorPayload, bool) {
	invocation := plugin.InvocationContext{
		SessionID:   req.Source,
		Group:       req.Group,
		Correlation: req.Correlation,
		Timestamp:   req.Timestamp,
	}

	spanCtx, span := tracing.TraceToolInvocation(sessionCtx, name, req.Group, req.Source, req.Correlation)
	defer span.End()

	callCtx, cancel := context.WithTimeout(spanCtx, r.handlerTimeout)
	defer cancel()

	results := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				results <- dispatchResult{panicked: true, panicVal: v}
			}
		}()
		var res dispatchResult
		if tool.Plugin == "" {
			res.result, res.err = r.intrinsics.Invoke(callCtx, name, req.Arguments, invocation)
		} else {
			handler, ok := r.handlers.HandlerFor(tool.Plugin)
			if !ok {
				res.err = fmt.Errorf("plugin %q is not loaded", tool.Plugin)
			} else {
				res.result, res.err = handler.HandleToolInvocation(callCtx, name, req.Arguments, invocation)
			}
		}
		results <- res
	}()

	select {
	case res := <-results:
		if res.panicked {
			r.logger.Error("tool handler panicked",
				zap.String("tool", name),
				zap.String("session_id", req.Source),
				zap.Any("panic", res.panicVal))
			tracing.RecordResult(span, protocol.ErrInternal, fmt.Errorf("handler panic"))
			return nil, protocol.Internal(), false
		}
		if res.err != nil {
			tracing.RecordResult(span, protocol.ErrPluginError, res.err)
			return nil, protocol.PluginError(res.err.Error(), false), false
		}
		tracing.RecordResult(span, "", nil)
		return res.result, nil, false

	case <-callCtx.Done():
		if sessionCtx.Err() != nil {
			tracing.RecordResult(span, "", context.Canceled)
			return nil, nil, true
		}
		tracing.RecordResult(span, protocol.ErrPluginTimeout, context.DeadlineExceeded)
		return nil, protocol.PluginTimeout(name, int64(r.handlerTimeout/time.Second)), false
	}
}

// reject audits the failing stage and sends the error reply.
func (r *Router) reject(ctx, sessionCtx context.Context, st *call, stage string, errPayload *protocol.ErrorPayload) {
	r.audit(ctx, st, stage, audit.OutcomeError, errPayload.Message)
	r.reply(sessionCtx, st, protocol.NewErrorResponse(st.topic, st.correlation, st.group, r.scrubPayload(errPayload)))
}

// scrubPayload runs the credential scrubber over an error message so a
// rejected request cannot echo a secret back.
func (r *Router) scrubPayload(errPayload *protocol.ErrorPayload) *protocol.ErrorPayload {
	scrubbed, _ := r.scrubber.Scrub(errPayload.Message)
	if message, ok := scrubbed.(string); ok {
		errPayload.Message = message
	}
	return errPayload
}

// reply serializes and sends a response frame, unless the session
// exited while the request was in flight.
func (r *Router) reply(sessionCtx context.Context, st *call, response *protocol.ResponseEnvelope) {
	if sessionCtx.Err() != nil {
		return
	}
	payload, err := json.Marshal(response)
	if err != nil {
		r.logger.Error("marshal response", zap.Error(err), zap.String("session_id", st.identity))
		return
	}
	if err := r.socket.Send(st.identity, payload); err != nil {
		r.logger.Warn("send reply", zap.Error(err), zap.String("session_id", st.identity))
	}
}

func (r *Router) audit(ctx context.Context, st *call, stage, outcome, errMsg string) {
	entry := audit.Entry{
		Group:       st.group,
		Source:      st.identity,
		Topic:       st.topic,
		Correlation: st.correlation,
		Stage:       stage,
		Outcome:     outcome,
		Error:       errMsg,
	}
	if err := r.auditLog.Append(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("audit append failed", zap.Error(err), zap.String("stage", stage))
	}
}
