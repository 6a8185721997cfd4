package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFillsIdentity(t *testing.T) {
	envelope := NewEvent(MessageInbound, "gateway", "work", map[string]any{"body": "hi"})

	assert.NotEmpty(t, envelope.ID)
	assert.Equal(t, Version, envelope.Version)
	assert.Equal(t, TypeEvent, envelope.Type)
	assert.Equal(t, MessageInbound, envelope.Topic)
	assert.Equal(t, "gateway", envelope.Source)
	assert.Equal(t, "work", envelope.Group)
	assert.False(t, envelope.Timestamp.IsZero())

	other := NewEvent(MessageInbound, "gateway", "work", nil)
	assert.NotEqual(t, envelope.ID, other.ID)
}

func TestCloneIsolatesPayload(t *testing.T) {
	envelope := NewEvent(TaskTriggered, "scheduler", "work", map[string]any{"prompt": "go"})
	dup := envelope.Clone()

	dup.Payload["prompt"] = "changed"
	assert.Equal(t, "go", envelope.Payload["prompt"])

	nilPayload := NewEvent(TaskTriggered, "scheduler", "work", nil)
	assert.Nil(t, nilPayload.Clone().Payload)
}

func TestNewRequestTakesIdentityFromSession(t *testing.T) {
	wire := &WireMessage{
		Topic:       BuildToolInvokeTopic("echo"),
		Correlation: "corr-1",
		Arguments:   map[string]any{"msg": "hi"},
	}
	req := NewRequest(wire, "session-9", "home")

	assert.Equal(t, TypeRequest, req.Type)
	assert.Equal(t, "session-9", req.Source)
	assert.Equal(t, "home", req.Group)
	assert.Equal(t, "corr-1", req.Correlation)
	assert.Equal(t, "tool.invoke.echo", req.Topic)
	assert.NotEmpty(t, req.ID)
}

func TestResponsesCarryExactlyOneHalf(t *testing.T) {
	wire := &WireMessage{Topic: "tool.invoke.echo", Correlation: "corr-2", Arguments: map[string]any{}}
	req := NewRequest(wire, "session-1", "work")

	success := NewResultResponse(req, map[string]any{"ok": true})
	assert.Equal(t, ResponseSource, success.Source)
	assert.Equal(t, "corr-2", success.Correlation)
	require.NotNil(t, success.Payload.Result)
	assert.Nil(t, success.Payload.Error)

	// A nil result still serializes as an empty object, never null.
	empty := NewResultResponse(req, nil)
	require.NotNil(t, empty.Payload.Result)

	failure := NewErrorResponse("tool.invoke.echo", "corr-3", "work", UnknownTool("echo"))
	assert.Equal(t, ResponseSource, failure.Source)
	assert.Nil(t, failure.Payload.Result)
	require.NotNil(t, failure.Payload.Error)
	assert.Equal(t, ErrUnknownTool, failure.Payload.Error.Code)
}

func TestToolNameFromTopic(t *testing.T) {
	name, ok := ToolNameFromTopic("tool.invoke.get_weather")
	require.True(t, ok)
	assert.Equal(t, "get_weather", name)

	for _, topic := range []string{"tool.invoke.", "response.chunk", "tool.invoke", ""} {
		_, ok := ToolNameFromTopic(topic)
		assert.False(t, ok, topic)
	}
}

func TestErrorPayloadConstructors(t *testing.T) {
	limited := RateLimited("work", "echo", 7)
	assert.Equal(t, ErrRateLimited, limited.Code)
	assert.True(t, limited.Retriable)
	assert.Equal(t, int64(7), limited.RetryAfter)

	timeout := PluginTimeout("echo", 30)
	assert.Equal(t, ErrPluginTimeout, timeout.Code)
	assert.True(t, timeout.Retriable)

	internal := Internal()
	assert.Equal(t, "internal error", internal.Message)

	confirm := ConfirmationRequired("deploy")
	assert.Equal(t, ErrConfirmationRequired, confirm.Code)
	assert.False(t, confirm.Retriable)

	err := ValidationFailed("field %s too long", "msg")
	assert.Contains(t, err.Error(), ErrValidationFailed)
	assert.Contains(t, err.Error(), "msg")
}
