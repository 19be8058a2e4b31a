// Package fanout routes agent-originated event streams to the dashboards
// subscribed to them.
package fanout

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/protocol"
)

// DefaultBuffer is the per-subscriber frame buffer. When a subscriber
// cannot keep up the oldest buffered frame is dropped first.
const DefaultBuffer = 256

// Sender delivers a frame to one connection. Satisfied by the pool.
type Sender interface {
	SendTo(connID string, frame []byte) error
}

// subscriber is one (dashboard connection, agent) subscription with its
// own bounded delivery queue and pump goroutine. The single pump
// preserves per-command sequence order for that dashboard.
type subscriber struct {
	connID string
	kinds  map[string]struct{} // empty set means every kind

	ch   chan []byte
	stop chan struct{}
	once sync.Once
}

func (s *subscriber) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// offer enqueues a frame, dropping the oldest buffered frame when full.
// Reports whether the frame was dropped instead of queued.
func (s *subscriber) offer(frame []byte) bool {
	select {
	case s.ch <- frame:
		return false
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- frame:
		return false
	default:
		return true
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.stop) })
}

// Router owns the subscription tables. Lookups are O(1) per dashboard
// and per agent.
type Router struct {
	log    zerolog.Logger
	sender Sender
	buffer int

	mu      sync.Mutex
	byAgent map[string]map[string]*subscriber // agentID -> connID -> sub
	byConn  map[string]map[string]*subscriber // connID -> agentID -> sub

	dropped int64
}

// New creates a router. buffer <= 0 selects DefaultBuffer.
func New(log zerolog.Logger, sender Sender, buffer int) *Router {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Router{
		log:     log.With().Str("component", "fanout").Logger(),
		sender:  sender,
		buffer:  buffer,
		byAgent: make(map[string]map[string]*subscriber),
		byConn:  make(map[string]map[string]*subscriber),
	}
}

// Subscribe registers a dashboard's interest in an agent's event streams.
// Re-subscribing replaces the kind set.
func (r *Router) Subscribe(connID, agentID string, kinds []string) {
	sub := &subscriber{
		connID: connID,
		kinds:  make(map[string]struct{}, len(kinds)),
		ch:     make(chan []byte, r.buffer),
		stop:   make(chan struct{}),
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	r.mu.Lock()
	if old := r.removeLocked(connID, agentID); old != nil {
		old.close()
	}
	if r.byAgent[agentID] == nil {
		r.byAgent[agentID] = make(map[string]*subscriber)
	}
	r.byAgent[agentID][connID] = sub
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]*subscriber)
	}
	r.byConn[connID][agentID] = sub
	r.mu.Unlock()

	go r.pump(sub)
}

// Unsubscribe removes one (dashboard, agent) subscription.
func (r *Router) Unsubscribe(connID, agentID string) {
	r.mu.Lock()
	sub := r.removeLocked(connID, agentID)
	r.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// DropConn removes every subscription held by a closing dashboard.
func (r *Router) DropConn(connID string) {
	r.mu.Lock()
	var closing []*subscriber
	for agentID := range r.byConn[connID] {
		if sub := r.removeLocked(connID, agentID); sub != nil {
			closing = append(closing, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range closing {
		sub.close()
	}
}

func (r *Router) removeLocked(connID, agentID string) *subscriber {
	sub := r.byConn[connID][agentID]
	if sub == nil {
		return nil
	}
	delete(r.byConn[connID], agentID)
	if len(r.byConn[connID]) == 0 {
		delete(r.byConn, connID)
	}
	delete(r.byAgent[agentID], connID)
	if len(r.byAgent[agentID]) == 0 {
		delete(r.byAgent, agentID)
	}
	return sub
}

// Publish delivers an agent event to every subscriber interested in its
// kind. The envelope is rewritten with a fresh id and timestamp; the
// payload passes through untouched.
func (r *Router) Publish(agentID, kind string, msg *protocol.Message) {
	out := protocol.Message{
		Type:      msg.Type,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   msg.Payload,
	}
	frame, err := out.Encode()
	if err != nil {
		return
	}

	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.byAgent[agentID]))
	for _, sub := range r.byAgent[agentID] {
		if sub.wants(kind) {
			subs = append(subs, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.offer(frame) {
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
			r.log.Debug().Str("conn", sub.connID).Str("agent", agentID).Msg("subscriber buffer full, frame dropped")
		}
	}
}

// Dropped returns the number of frames discarded on full buffers.
func (r *Router) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// SubscriptionCount returns how many subscriptions a dashboard holds.
func (r *Router) SubscriptionCount(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn[connID])
}

// pump drains one subscriber's queue in order until it is closed.
func (r *Router) pump(sub *subscriber) {
	for {
		select {
		case <-sub.stop:
			return
		case frame := <-sub.ch:
			if err := r.sender.SendTo(sub.connID, frame); err != nil {
				r.log.Debug().Str("conn", sub.connID).Err(err).Msg("fanout send failed")
			}
		}
	}
}
