package protocol

import (
	"encoding/json"
	"fmt"
)

// Size budgets for inbound frames. Enforced before any payload parsing so
// the work done per frame stays bounded.
const (
	MaxMessageBytes  = 1 << 20 // 1 MiB
	MaxTerminalBytes = 64 << 10
)

// Limits configures the validator's byte budgets.
type Limits struct {
	MaxMessageBytes  int64
	MaxTerminalBytes int64
}

// DefaultLimits returns the standard byte budgets.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes:  MaxMessageBytes,
		MaxTerminalBytes: MaxTerminalBytes,
	}
}

var knownTypes = map[string]bool{
	TypeAgentConnect:        true,
	TypeAgentHeartbeat:      true,
	TypeAgentError:          true,
	TypeCommandRequest:      true,
	TypeCommandAck:          true,
	TypeCommandCancel:       true,
	TypeCommandComplete:     true,
	TypeTerminalOutput:      true,
	TypeTraceEvent:          true,
	TypeQueuePositionUpdate: true,
	TypeEmergencyStop:       true,
	TypeTokenRefresh:        true,
	TypePing:                true,
	TypePong:                true,
	TypeError:               true,
	TypeSubscribe:           true,
	TypeUnsubscribe:         true,
}

// Decode parses and validates one inbound frame. On failure it returns a
// typed ErrorPayload describing the rejection; the caller reports it as an
// ERROR frame and keeps the connection open.
func Decode(data []byte, limits Limits) (*Message, *ErrorPayload) {
	if int64(len(data)) > limits.MaxMessageBytes {
		return nil, &ErrorPayload{
			Code:    CodeMessageTooLarge,
			Message: "message exceeds byte budget",
			Details: map[string]any{"maxBytes": limits.MaxMessageBytes},
		}
	}

	// The envelope must be a JSON object, not an array or scalar.
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ErrorPayload{Code: CodeInvalidMessageFormat, Message: "frame is not valid JSON"}
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, &ErrorPayload{Code: CodeInvalidMessageFormat, Message: "frame is not a JSON object"}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ErrorPayload{Code: CodeInvalidMessageFormat, Message: "malformed envelope"}
	}
	if msg.Type == "" {
		return nil, &ErrorPayload{Code: CodeInvalidMessageFormat, Message: "envelope missing type"}
	}
	if msg.ID == "" {
		return nil, &ErrorPayload{Code: CodeInvalidMessageFormat, Message: "envelope missing id"}
	}
	if msg.Timestamp == 0 {
		return nil, &ErrorPayload{Code: CodeInvalidMessageFormat, Message: "envelope missing timestamp"}
	}
	if !knownTypes[msg.Type] {
		return nil, &ErrorPayload{
			Code:    CodeUnsupportedMessageType,
			Message: fmt.Sprintf("unknown message type %q", msg.Type),
		}
	}

	if msg.Type == TypeTerminalOutput && int64(len(msg.Payload)) > limits.MaxTerminalBytes {
		return nil, &ErrorPayload{
			Code:    CodeMessageTooLarge,
			Message: "terminal chunk exceeds byte budget",
			Details: map[string]any{"maxBytes": limits.MaxTerminalBytes},
		}
	}

	if ep := validatePayload(&msg); ep != nil {
		return nil, ep
	}
	return &msg, nil
}

// validatePayload checks the required payload fields for each kind.
// Internal code only ever sees payloads that passed this gate.
func validatePayload(m *Message) *ErrorPayload {
	fail := func(field string) *ErrorPayload {
		return &ErrorPayload{
			Code:    CodeValidationFailed,
			Message: fmt.Sprintf("%s payload missing %s", m.Type, field),
		}
	}
	malformed := func() *ErrorPayload {
		return &ErrorPayload{
			Code:    CodeValidationFailed,
			Message: fmt.Sprintf("%s payload is malformed", m.Type),
		}
	}

	switch m.Type {
	case TypeAgentConnect:
		var p AgentConnectPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.AgentID == "" {
			return fail("agentId")
		}
		if p.Token == "" {
			return fail("token")
		}
		if p.Version == "" {
			return fail("version")
		}

	case TypeAgentHeartbeat:
		var p AgentHeartbeatPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.AgentID == "" {
			return fail("agentId")
		}

	case TypeAgentError:
		var p AgentErrorPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.Code == "" {
			return fail("code")
		}
		if p.Message == "" {
			return fail("message")
		}

	case TypeCommandRequest:
		var p CommandRequestPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.Content == "" {
			return fail("content")
		}

	case TypeCommandAck:
		var p CommandAckPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.CommandID == "" {
			return fail("commandId")
		}
		if p.Status == "" {
			return fail("status")
		}

	case TypeCommandCancel:
		var p CommandCancelPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.CommandID == "" {
			return fail("commandId")
		}
		if p.Reason == "" {
			return fail("reason")
		}

	case TypeCommandComplete:
		var p CommandCompletePayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.CommandID == "" {
			return fail("commandId")
		}
		if p.Status == "" {
			return fail("status")
		}

	case TypeTerminalOutput:
		var p TerminalOutputPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.CommandID == "" {
			return fail("commandId")
		}
		if p.AgentID == "" {
			return fail("agentId")
		}
		if p.Stream != "stdout" && p.Stream != "stderr" {
			return &ErrorPayload{
				Code:    CodeValidationFailed,
				Message: `TERMINAL_OUTPUT stream must be "stdout" or "stderr"`,
			}
		}

	case TypeTraceEvent:
		var p TraceEventPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.CommandID == "" {
			return fail("commandId")
		}
		if p.AgentID == "" {
			return fail("agentId")
		}
		if p.Type == "" {
			return fail("type")
		}

	case TypeEmergencyStop:
		var p EmergencyStopPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.Reason == "" {
			return fail("reason")
		}

	case TypeTokenRefresh:
		var p TokenRefreshPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.AccessToken == "" {
			return fail("accessToken")
		}

	case TypePing:
		var p PingPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.Timestamp == 0 {
			return fail("timestamp")
		}

	case TypePong:
		var p PongPayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.Timestamp == 0 {
			return fail("timestamp")
		}

	case TypeSubscribe:
		var p SubscribePayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.AgentID == "" {
			return fail("agentId")
		}

	case TypeUnsubscribe:
		var p UnsubscribePayload
		if m.ParsePayload(&p) != nil {
			return malformed()
		}
		if p.AgentID == "" {
			return fail("agentId")
		}
	}

	return nil
}
