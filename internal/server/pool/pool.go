// Package pool tracks every live socket's metadata, activity, and
// authentication state, and reaps stale or never-authenticated entries.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Role classifies a connection.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleDashboard Role = "dashboard"
)

// Conn abstracts the underlying socket. Send enqueues onto the
// connection's ordered write queue and must not block.
type Conn interface {
	Send(data []byte) error
	Close(reason string)
	IsOpen() bool
	RemoteAddr() string
	UserAgent() string
}

// Connection is the pool's record for one live socket. The pool owns the
// record for the socket's lifetime.
type Connection struct {
	ID            string
	Role          Role
	AgentID       string // set once authenticated as an agent
	UserID        string // set once authenticated as a dashboard
	Authenticated bool
	ConnectedAt   time.Time
	LastActivity  time.Time
	MessagesIn    int64
	MessagesOut   int64
	BytesIn       int64
	BytesOut      int64
	RemoteAddr    string
	UserAgent     string

	conn Conn
}

// EventKind tags a pool lifecycle event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
	EventError   EventKind = "error"
)

// Event notifies subsystems (heartbeat, tokens, audit) of lifecycle
// changes. Delivered on a buffered channel read by the server's event loop.
type Event struct {
	Kind    EventKind
	ConnID  string
	Role    Role
	AgentID string
	UserID  string
	Reason  string
}

// Errors returned by send operations.
var (
	ErrConnNotFound = errors.New("pool: connection not found")
	ErrSendFailed   = errors.New("pool: send failed")
)

// Config holds the sweeper policy.
type Config struct {
	SweepInterval time.Duration // default 30s
	IdleTimeout   time.Duration // default 30m
	AuthTimeout   time.Duration // default 60s
}

// DefaultConfig returns the standard sweeper policy.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		IdleTimeout:   30 * time.Minute,
		AuthTimeout:   60 * time.Second,
	}
}

// Pool owns the connection map.
type Pool struct {
	log zerolog.Logger
	cfg Config

	mu    sync.RWMutex
	conns map[string]*Connection

	events chan Event
}

// New creates a pool.
func New(log zerolog.Logger, cfg Config) *Pool {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 60 * time.Second
	}
	return &Pool{
		log:    log.With().Str("component", "pool").Logger(),
		cfg:    cfg,
		conns:  make(map[string]*Connection),
		events: make(chan Event, 256),
	}
}

// Events returns the lifecycle event channel.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Add registers a freshly accepted socket. The record starts
// unauthenticated; the auth sweeper removes it if no handshake completes.
func (p *Pool) Add(id string, role Role, conn Conn) {
	now := time.Now()
	c := &Connection{
		ID:           id,
		Role:         role,
		ConnectedAt:  now,
		LastActivity: now,
		RemoteAddr:   conn.RemoteAddr(),
		UserAgent:    conn.UserAgent(),
		conn:         conn,
	}

	p.mu.Lock()
	p.conns[id] = c
	p.mu.Unlock()

	p.emit(Event{Kind: EventAdded, ConnID: id, Role: role})
}

// AuthenticateDashboard marks a connection as an authenticated dashboard.
// Authentication transitions false->true at most once.
func (p *Pool) AuthenticateDashboard(id, userID string) bool {
	p.mu.Lock()
	c, ok := p.conns[id]
	if !ok || c.Authenticated {
		p.mu.Unlock()
		return false
	}
	c.Authenticated = true
	c.Role = RoleDashboard
	c.UserID = userID
	c.LastActivity = time.Now()
	p.mu.Unlock()

	p.emit(Event{Kind: EventUpdated, ConnID: id, Role: RoleDashboard, UserID: userID})
	return true
}

// AuthenticateAgent marks a connection as an authenticated agent. If
// another live connection already holds the agent id, that older
// connection is closed and removed first; its id is returned so callers
// can tear down per-connection state.
func (p *Pool) AuthenticateAgent(id, agentID string) (replaced string, ok bool) {
	p.mu.Lock()
	c, exists := p.conns[id]
	if !exists || c.Authenticated {
		p.mu.Unlock()
		return "", false
	}

	var old *Connection
	for _, other := range p.conns {
		if other.ID != id && other.AgentID == agentID {
			old = other
			break
		}
	}
	if old != nil {
		delete(p.conns, old.ID)
	}

	c.Authenticated = true
	c.Role = RoleAgent
	c.AgentID = agentID
	c.LastActivity = time.Now()
	p.mu.Unlock()

	// Close the superseded socket outside the lock.
	if old != nil {
		old.conn.Close("superseded by new agent connection")
		p.emit(Event{Kind: EventRemoved, ConnID: old.ID, Role: RoleAgent, AgentID: agentID, Reason: "superseded"})
		replaced = old.ID
	}

	p.emit(Event{Kind: EventUpdated, ConnID: id, Role: RoleAgent, AgentID: agentID})
	return replaced, true
}

// Touch records inbound activity on a connection.
func (p *Pool) Touch(id string, bytesIn int) {
	p.mu.Lock()
	if c, ok := p.conns[id]; ok {
		c.LastActivity = time.Now()
		c.MessagesIn++
		c.BytesIn += int64(bytesIn)
	}
	p.mu.Unlock()
}

// Remove deletes a connection record. Safe to call multiple times; only
// the first call removes and emits.
func (p *Pool) Remove(id, reason string) bool {
	p.mu.Lock()
	c, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	c.conn.Close(reason)
	p.emit(Event{
		Kind:    EventRemoved,
		ConnID:  id,
		Role:    c.Role,
		AgentID: c.AgentID,
		UserID:  c.UserID,
		Reason:  reason,
	})
	return true
}

// Get returns a snapshot of one connection record.
func (p *Pool) Get(id string) (Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// GetByType returns snapshots of all authenticated connections of a role.
func (p *Pool) GetByType(role Role) []Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Connection
	for _, c := range p.conns {
		if c.Authenticated && c.Role == role {
			out = append(out, *c)
		}
	}
	return out
}

// GetByAgent returns the live connection for an agent id.
func (p *Pool) GetByAgent(agentID string) (Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		if c.Authenticated && c.AgentID == agentID {
			return *c, true
		}
	}
	return Connection{}, false
}

// GetByUser returns all live connections for a user id.
func (p *Pool) GetByUser(userID string) []Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Connection
	for _, c := range p.conns {
		if c.Authenticated && c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out
}

// Authenticated returns snapshots of every authenticated connection.
func (p *Pool) Authenticated() []Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Connection
	for _, c := range p.conns {
		if c.Authenticated {
			out = append(out, *c)
		}
	}
	return out
}

// Healthy reports whether the connection's socket is still open.
func (p *Pool) Healthy(id string) bool {
	p.mu.RLock()
	c, ok := p.conns[id]
	p.mu.RUnlock()
	return ok && c.conn.IsOpen()
}

// SendTo delivers a frame to one connection. The send happens on a
// detached reference after the lock is released.
func (p *Pool) SendTo(id string, frame []byte) error {
	p.mu.RLock()
	c, ok := p.conns[id]
	p.mu.RUnlock()
	if !ok {
		return ErrConnNotFound
	}

	if err := c.conn.Send(frame); err != nil {
		p.emit(Event{Kind: EventError, ConnID: id, Role: c.Role, AgentID: c.AgentID, Reason: err.Error()})
		return ErrSendFailed
	}

	p.mu.Lock()
	if cur, ok := p.conns[id]; ok {
		cur.MessagesOut++
		cur.BytesOut += int64(len(frame))
	}
	p.mu.Unlock()
	return nil
}

// Broadcast sends a frame to every authenticated connection accepted by
// the filter. A failed send is noted and left for the sweeper; it never
// aborts the broadcast. Returns the number of successful sends.
func (p *Pool) Broadcast(filter func(Connection) bool, frame []byte) int {
	p.mu.RLock()
	targets := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		if !c.Authenticated {
			continue
		}
		if filter == nil || filter(*c) {
			targets = append(targets, c)
		}
	}
	p.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.conn.Send(frame); err != nil {
			p.emit(Event{Kind: EventError, ConnID: c.ID, Role: c.Role, AgentID: c.AgentID, Reason: err.Error()})
			continue
		}
		sent++
	}

	if sent > 0 {
		p.mu.Lock()
		for _, c := range targets {
			if cur, ok := p.conns[c.ID]; ok {
				cur.MessagesOut++
				cur.BytesOut += int64(len(frame))
			}
		}
		p.mu.Unlock()
	}
	return sent
}

// Count returns the number of tracked connections.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// RunSweeper periodically reaps idle, never-authenticated, and dead
// connections until the context is cancelled.
func (p *Pool) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// sweep applies the reap policy once. Split out for tests.
func (p *Pool) sweep(now time.Time) {
	type victim struct {
		id     string
		reason string
	}

	p.mu.RLock()
	var victims []victim
	for id, c := range p.conns {
		switch {
		case !c.conn.IsOpen():
			victims = append(victims, victim{id, "socket closed"})
		case !c.Authenticated && now.Sub(c.ConnectedAt) > p.cfg.AuthTimeout:
			victims = append(victims, victim{id, "authentication timeout"})
		case c.Authenticated && now.Sub(c.LastActivity) > p.cfg.IdleTimeout:
			victims = append(victims, victim{id, "idle timeout"})
		}
	}
	p.mu.RUnlock()

	for _, v := range victims {
		p.log.Info().Str("conn", v.id).Str("reason", v.reason).Msg("sweeping connection")
		p.Remove(v.id, v.reason)
	}
}

func (p *Pool) emit(e Event) {
	select {
	case p.events <- e:
	default:
		p.log.Warn().Str("kind", string(e.Kind)).Str("conn", e.ConnID).Msg("pool event channel full, event dropped")
	}
}
