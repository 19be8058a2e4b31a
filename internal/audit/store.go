// Package audit records security- and lifecycle-relevant events in an
// append-only sqlite store and serves paginated queries over them.
package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

// EventType tags one audit event. The tag set is fixed.
type EventType string

const (
	EventAuthLogin             EventType = "AUTH_LOGIN"
	EventAuthTokenRefresh      EventType = "AUTH_TOKEN_REFRESH"
	EventAgentConnected        EventType = "AGENT_CONNECTED"
	EventAgentDisconnected     EventType = "AGENT_DISCONNECTED"
	EventCommandExecuted       EventType = "COMMAND_EXECUTED"
	EventCommandCompleted      EventType = "COMMAND_COMPLETED"
	EventCommandFailed         EventType = "COMMAND_FAILED"
	EventCommandCancelled      EventType = "COMMAND_CANCELLED"
	EventSecurityAlert         EventType = "SECURITY_ALERT"
	EventEmergencyStopTriggered EventType = "EMERGENCY_STOP_TRIGGERED"
)

var validTypes = map[EventType]bool{
	EventAuthLogin:              true,
	EventAuthTokenRefresh:       true,
	EventAgentConnected:         true,
	EventAgentDisconnected:      true,
	EventCommandExecuted:        true,
	EventCommandCompleted:       true,
	EventCommandFailed:          true,
	EventCommandCancelled:       true,
	EventSecurityAlert:          true,
	EventEmergencyStopTriggered: true,
}

// Event is one audit record. UserID, AgentID, and CommandID are empty when
// not applicable.
type Event struct {
	ID        int64          `json:"id"`
	Type      EventType      `json:"eventType"`
	UserID    string         `json:"userId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	CommandID string         `json:"commandId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Retention controls how far back queries reach. Older rows are never
// returned.
const Retention = 30 * 24 * time.Hour

// ErrInvalidQuery is returned for out-of-range pagination or unknown
// filter values; the HTTP layer maps it to a 400.
var ErrInvalidQuery = errors.New("audit: invalid query parameters")

// Store persists audit events in sqlite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the audit database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent readers during appends.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, err
	}
	if err := createTables(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		user_id TEXT,
		agent_id TEXT,
		command_id TEXT,
		details TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_type_time ON audit_events(event_type, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Append writes one event. Called from the sink's writer goroutine.
func (s *Store) Append(e Event) error {
	if !validTypes[e.Type] {
		return fmt.Errorf("audit: unknown event type %q", e.Type)
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var details *string
	if e.Details != nil {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		d := string(data)
		details = &d
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events (event_type, user_id, agent_id, command_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(e.Type), nullable(e.UserID), nullable(e.AgentID), nullable(e.CommandID), details, createdAt)
	return err
}

// Filter selects audit events. Zero values mean "no constraint".
type Filter struct {
	Type    EventType
	UserID  string
	AgentID string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// Query returns events matching the filter, newest first. Limit must be in
// 1..1000 and Offset non-negative; events older than Retention are excluded
// regardless of the requested range.
func (s *Store) Query(f Filter) ([]Event, error) {
	if f.Limit < 1 || f.Limit > 1000 {
		return nil, fmt.Errorf("%w: limit must be 1..1000", ErrInvalidQuery)
	}
	if f.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0", ErrInvalidQuery)
	}
	if f.Type != "" && !validTypes[f.Type] {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidQuery, f.Type)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("%w: time range is inverted", ErrInvalidQuery)
	}

	query := `SELECT id, event_type, user_id, agent_id, command_id, details, created_at
		FROM audit_events WHERE created_at >= ?`
	args := []any{time.Now().UTC().Add(-Retention)}

	if f.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.Type))
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.To.UTC())
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			user    sql.NullString
			agent   sql.NullString
			command sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &user, &agent, &command, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.UserID = user.String
		e.AgentID = agent.String
		e.CommandID = command.String
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
