// Package protocol defines the WebSocket envelope and payload types shared
// between the server, agents, and dashboards, plus the boundary validator
// that turns raw frames into typed messages.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope for all WebSocket frames.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Payload   json.RawMessage `json:"payload"`
}

// NewMessage creates an envelope with a fresh message id and timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Encode serializes the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Message kinds. Case-sensitive and fixed.
const (
	TypeAgentConnect        = "AGENT_CONNECT"
	TypeAgentHeartbeat      = "AGENT_HEARTBEAT"
	TypeAgentError          = "AGENT_ERROR"
	TypeCommandRequest      = "COMMAND_REQUEST"
	TypeCommandAck          = "COMMAND_ACK"
	TypeCommandCancel       = "COMMAND_CANCEL"
	TypeCommandComplete     = "COMMAND_COMPLETE"
	TypeTerminalOutput      = "TERMINAL_OUTPUT"
	TypeTraceEvent          = "TRACE_EVENT"
	TypeQueuePositionUpdate = "QUEUE_POSITION_UPDATE"
	TypeEmergencyStop       = "EMERGENCY_STOP"
	TypeTokenRefresh        = "TOKEN_REFRESH"
	TypePing                = "PING"
	TypePong                = "PONG"
	TypeError               = "ERROR"
	TypeSubscribe           = "SUBSCRIBE"
	TypeUnsubscribe         = "UNSUBSCRIBE"
)

// Command status values.
const (
	StatusQueued    = "queued"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Agent status values.
const (
	AgentOffline     = "offline"
	AgentOnline      = "online"
	AgentExecuting   = "executing"
	AgentErrored     = "error"
	AgentMaintenance = "maintenance"
)

// Event kinds a dashboard may subscribe to.
const (
	EventKindStatus        = "status"
	EventKindCommandStatus = "command_status"
	EventKindTerminal      = "terminal"
	EventKindTrace         = "trace"
	EventKindQueue         = "queue"
)

// AgentConnectPayload authenticates a connection as an agent.
type AgentConnectPayload struct {
	AgentID      string         `json:"agentId"`
	Token        string         `json:"token"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	AgentType    string         `json:"agentType,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AgentHeartbeatPayload is the application-level heartbeat sent by agents.
type AgentHeartbeatPayload struct {
	AgentID string         `json:"agentId"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// AgentErrorPayload reports an agent-side error. Fatal errors take the
// agent offline and start the grace window.
type AgentErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// ExecutionConstraints bounds a single command execution.
type ExecutionConstraints struct {
	TimeLimitMs int64 `json:"timeLimitMs,omitempty"`
}

// CommandRequestPayload is sent by dashboards to submit work and forwarded
// by the server to the target agent. AgentID is required on submission;
// the server assigns CommandID before forwarding.
type CommandRequestPayload struct {
	CommandID            string                `json:"commandId,omitempty"`
	AgentID              string                `json:"agentId,omitempty"`
	Content              string                `json:"content"`
	Priority             int                   `json:"priority"`
	ExecutionConstraints *ExecutionConstraints `json:"executionConstraints,omitempty"`
}

// CommandAckPayload acknowledges a submission or an execution start.
type CommandAckPayload struct {
	CommandID          string `json:"commandId"`
	Status             string `json:"status"`
	QueuePosition      int    `json:"queuePosition,omitempty"`
	EstimatedStartTime int64  `json:"estimatedStartTime,omitempty"` // unix ms
}

// CommandCancelPayload requests cancellation of a command.
type CommandCancelPayload struct {
	CommandID string `json:"commandId"`
	Reason    string `json:"reason"`
}

// CommandCompletePayload reports a terminal command outcome.
type CommandCompletePayload struct {
	CommandID   string `json:"commandId"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exitCode,omitempty"`
	Duration    int64  `json:"duration"` // milliseconds
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt"`
	Error       string `json:"error,omitempty"`
}

// TerminalOutputPayload carries one chunk of command output.
type TerminalOutputPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Output    string `json:"output"`
	Stream    string `json:"stream"` // "stdout" or "stderr"
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// TraceEventPayload carries one structured trace event from an agent.
type TraceEventPayload struct {
	CommandID string         `json:"commandId"`
	AgentID   string         `json:"agentId"`
	ParentID  string         `json:"parentId,omitempty"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QueuePositionUpdatePayload revises a submitter's view of the queue.
type QueuePositionUpdatePayload struct {
	CommandID     string `json:"commandId"`
	QueuePosition int    `json:"queuePosition"`
}

// EmergencyStopPayload triggers a fleet-wide cancel.
type EmergencyStopPayload struct {
	Reason string `json:"reason"`
}

// TokenRefreshPayload delivers a rotated credential to a client.
type TokenRefreshPayload struct {
	AccessToken  string `json:"accessToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
	RefreshToken string `json:"refreshToken,omitempty"`
}

// PingPayload carries the server-assigned timestamp used for latency
// measurement.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload echoes a ping's timestamp.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload is the typed error frame sent to clients.
type ErrorPayload struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// SubscribePayload registers interest in an agent's event streams.
// An empty kind set subscribes to everything.
type SubscribePayload struct {
	AgentID string   `json:"agentId"`
	Kinds   []string `json:"kinds,omitempty"`
}

// UnsubscribePayload removes a subscription.
type UnsubscribePayload struct {
	AgentID string `json:"agentId"`
}
