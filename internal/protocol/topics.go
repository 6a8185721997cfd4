package protocol

import "strings"

// Topics consumed by the dispatcher. Everything else is dropped.
const (
	MessageInbound = "message.inbound"
	TaskTriggered  = "task.triggered"
)

// Topics produced by the streaming output parser.
const (
	ResponseSystem     = "response.system"
	ResponseChunk      = "response.chunk"
	ResponseToolCall   = "response.tool_call"
	ResponseToolResult = "response.tool_result"
	ResponseEnd        = "response.end"
	ResponseError      = "response.error"
)

// ResponsePrefix matches every response.* topic when used as a
// subscription prefix.
const ResponsePrefix = "response."

// toolInvokePrefix scopes tool invocations on the request socket.
const toolInvokePrefix = "tool.invoke."

// BuildToolInvokeTopic returns the wire topic for a tool name.
func BuildToolInvokeTopic(tool string) string {
	return toolInvokePrefix + tool
}

// ToolNameFromTopic extracts the tool name from a tool.invoke.{name}
// topic. ok is false when the topic is not a tool invocation or the
// name is empty.
func ToolNameFromTopic(topic string) (string, bool) {
	name, found := strings.CutPrefix(topic, toolInvokePrefix)
	if !found || name == "" {
		return "", false
	}
	return name, true
}
