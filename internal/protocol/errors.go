package protocol

import "fmt"

// Error codes exposed on the wire. The set is closed: the router maps
// every failure to exactly one of these, never to an unknown code.
const (
	ErrValidationFailed     = "VALIDATION_FAILED"
	ErrUnknownTool          = "UNKNOWN_TOOL"
	ErrRateLimited          = "RATE_LIMITED"
	ErrConfirmationRequired = "CONFIRMATION_REQUIRED"
	ErrPluginTimeout        = "PLUGIN_TIMEOUT"
	ErrPluginError          = "PLUGIN_ERROR"
	ErrInternal             = "INTERNAL_ERROR"
)

// ErrorPayload is the error half of a response payload.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`

	// RetryAfter is the number of seconds until a retry can succeed.
	// Only set for RATE_LIMITED.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// Error implements the error interface so payloads can travel through
// ordinary error returns inside the core.
func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationFailed builds a non-retriable VALIDATION_FAILED payload.
func ValidationFailed(format string, args ...any) *ErrorPayload {
	return &ErrorPayload{
		Code:    ErrValidationFailed,
		Message: fmt.Sprintf(format, args...),
	}
}

// UnknownTool builds the UNKNOWN_TOOL payload. The message never
// discloses the names of registered tools.
func UnknownTool(name string) *ErrorPayload {
	return &ErrorPayload{
		Code:    ErrUnknownTool,
		Message: fmt.Sprintf("no tool registered for %q", name),
	}
}

// RateLimited builds a retriable RATE_LIMITED payload.
func RateLimited(group, tool string, retryAfter int64) *ErrorPayload {
	return &ErrorPayload{
		Code:       ErrRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded for tool %q in group %q", tool, group),
		Retriable:  true,
		RetryAfter: retryAfter,
	}
}

// ConfirmationRequired builds the CONFIRMATION_REQUIRED payload for
// high-risk tools invoked without a prior approval.
func ConfirmationRequired(tool string) *ErrorPayload {
	return &ErrorPayload{
		Code:    ErrConfirmationRequired,
		Message: fmt.Sprintf("tool %q requires out-of-band confirmation", tool),
	}
}

// PluginTimeout builds a retriable PLUGIN_TIMEOUT payload.
func PluginTimeout(tool string, seconds int64) *ErrorPayload {
	return &ErrorPayload{
		Code:      ErrPluginTimeout,
		Message:   fmt.Sprintf("tool %q exceeded the %ds handler deadline", tool, seconds),
		Retriable: true,
	}
}

// PluginError builds a PLUGIN_ERROR payload. Retriability is chosen by
// the handler.
func PluginError(message string, retriable bool) *ErrorPayload {
	return &ErrorPayload{
		Code:      ErrPluginError,
		Message:   message,
		Retriable: retriable,
	}
}

// Internal builds a retriable INTERNAL_ERROR payload. The detailed
// cause is logged core-side, never sent on the wire.
func Internal() *ErrorPayload {
	return &ErrorPayload{
		Code:      ErrInternal,
		Message:   "internal error",
		Retriable: true,
	}
}
