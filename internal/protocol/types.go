// Package protocol defines the message shapes shared by the event bus,
// the request socket, and the router: envelopes, the container wire
// format, and the closed error taxonomy.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Version is the only envelope version the core produces or accepts.
const Version = 1

// Message types carried in the envelope "type" field.
const (
	TypeEvent    = "event"
	TypeRequest  = "request"
	TypeResponse = "response"
)

// EnvelopeIdentityFields are the core-controlled identity fields.
// None of them may ever appear on a wire message from a container.
var EnvelopeIdentityFields = []string{"id", "version", "type", "source", "group", "timestamp"}

// EventEnvelope is a message published on the event bus.
// Identity is assigned by the core: id is a fresh UUID, source is the
// logical producer, correlation is empty for events.
type EventEnvelope struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Type        string         `json:"type"`
	Topic       string         `json:"topic"`
	Source      string         `json:"source"`
	Correlation string         `json:"correlation,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Group       string         `json:"group"`
	Payload     map[string]any `json:"payload"`
}

// NewEvent creates an event envelope with a fresh UUID and current timestamp.
func NewEvent(topic, source, group string, payload map[string]any) *EventEnvelope {
	return &EventEnvelope{
		ID:        uuid.New().String(),
		Version:   Version,
		Type:      TypeEvent,
		Topic:     topic,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Group:     group,
		Payload:   payload,
	}
}

// Clone returns a copy of the envelope with a shallow copy of the payload.
// Envelopes are value objects: they are copied on publish, never shared.
func (e *EventEnvelope) Clone() *EventEnvelope {
	dup := *e
	if e.Payload != nil {
		dup.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			dup.Payload[k] = v
		}
	}
	return &dup
}

// WireMessage is the only shape a container may emit on its request
// socket: topic, correlation, and arguments, nothing else.
type WireMessage struct {
	Topic       string         `json:"topic"`
	Correlation string         `json:"correlation"`
	Arguments   map[string]any `json:"arguments"`
}

// RequestEnvelope is built by the router from a WireMessage plus the
// session's trusted identity. It is immutable after construction.
type RequestEnvelope struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Type        string         `json:"type"`
	Topic       string         `json:"topic"`
	Source      string         `json:"source"`
	Correlation string         `json:"correlation"`
	Timestamp   time.Time      `json:"timestamp"`
	Group       string         `json:"group"`
	Arguments   map[string]any `json:"arguments"`
}

// NewRequest fills the identity fields from the session context.
// source is the session id; the wire message supplies topic,
// correlation, and arguments.
func NewRequest(wire *WireMessage, sessionID, group string) *RequestEnvelope {
	return &RequestEnvelope{
		ID:          uuid.New().String(),
		Version:     Version,
		Type:        TypeRequest,
		Topic:       wire.Topic,
		Source:      sessionID,
		Correlation: wire.Correlation,
		Timestamp:   time.Now().UTC(),
		Group:       group,
		Arguments:   wire.Arguments,
	}
}

// ResponsePayload carries exactly one of Result or Error non-nil.
type ResponsePayload struct {
	Result map[string]any `json:"result"`
	Error  *ErrorPayload  `json:"error"`
}

// ResponseEnvelope is the canonical reply frame sent back to a container.
// Correlation copies the request; source is always "core".
type ResponseEnvelope struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	Type        string          `json:"type"`
	Topic       string          `json:"topic"`
	Source      string          `json:"source"`
	Correlation string          `json:"correlation"`
	Timestamp   time.Time       `json:"timestamp"`
	Group       string          `json:"group"`
	Payload     ResponsePayload `json:"payload"`
}

// ResponseSource is the source stamped on every core-produced response.
const ResponseSource = "core"

// NewResultResponse builds a success response for the given request.
func NewResultResponse(req *RequestEnvelope, result map[string]any) *ResponseEnvelope {
	if result == nil {
		result = map[string]any{}
	}
	return &ResponseEnvelope{
		ID:          uuid.New().String(),
		Version:     Version,
		Type:        TypeResponse,
		Topic:       req.Topic,
		Source:      ResponseSource,
		Correlation: req.Correlation,
		Timestamp:   time.Now().UTC(),
		Group:       req.Group,
		Payload:     ResponsePayload{Result: result},
	}
}

// NewErrorResponse builds an error response. The correlation is taken
// from the wire message so even requests that never became envelopes
// get a correlated reply.
func NewErrorResponse(topic, correlation, group string, errPayload *ErrorPayload) *ResponseEnvelope {
	return &ResponseEnvelope{
		ID:          uuid.New().String(),
		Version:     Version,
		Type:        TypeResponse,
		Topic:       topic,
		Source:      ResponseSource,
		Correlation: correlation,
		Timestamp:   time.Now().UTC(),
		Group:       group,
		Payload:     ResponsePayload{Error: errPayload},
	}
}
