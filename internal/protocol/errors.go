package protocol

// Code is a stable, machine-readable error code delivered in ERROR frames.
type Code string

// Error taxonomy. Codes are part of the wire contract and never change.
const (
	CodeInvalidMessageFormat   Code = "INVALID_MESSAGE_FORMAT"
	CodeUnsupportedMessageType Code = "UNSUPPORTED_MESSAGE_TYPE"
	CodeMessageTooLarge        Code = "MESSAGE_TOO_LARGE"
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodeAuthenticationFailed   Code = "AUTHENTICATION_FAILED"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeTokenExpired           Code = "TOKEN_EXPIRED"
	CodeQueueFull              Code = "QUEUE_FULL"
	CodeCommandNotFound        Code = "COMMAND_NOT_FOUND"
	CodeAgentOffline           Code = "AGENT_OFFLINE"
	CodeAgentBusy              Code = "AGENT_BUSY"
	CodeCommandTimeout         Code = "COMMAND_TIMEOUT"
	CodeCommandCancelled       Code = "COMMAND_CANCELLED"
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeInternalError          Code = "INTERNAL_ERROR"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
)

// NewError builds an ERROR frame. Marshalling an ErrorPayload cannot fail,
// so the envelope is returned directly.
func NewError(code Code, message string, details map[string]any) *Message {
	msg, _ := NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
	return msg
}
