// Package heartbeat measures liveness and latency of monitored
// connections with application-level PING/PONG envelopes.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/protocol"
)

// ringSize bounds the latency sample history per connection.
const ringSize = 10

// Sender delivers a frame to one connection. Satisfied by the pool.
type Sender interface {
	SendTo(connID string, frame []byte) error
}

// Config holds the heartbeat policy.
type Config struct {
	Interval    time.Duration // ping period, default 30s
	PongTimeout time.Duration // per-ping pong deadline, default 10s
	Threshold   int           // missed pings before unhealthy, default 3
}

// DefaultConfig returns the standard heartbeat policy.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		PongTimeout: 10 * time.Second,
		Threshold:   3,
	}
}

// Stats summarizes the latency ring of one connection.
type Stats struct {
	Healthy     bool
	MissedPings int
	Samples     int
	AvgMs       float64
	MinMs       float64
	MaxMs       float64
	P50Ms       float64
	P95Ms       float64
	P99Ms       float64
}

type record struct {
	lastPingSent time.Time
	lastPingTS   int64 // unix ms carried by the most recent ping
	lastPongRecv time.Time
	missedPings  int
	healthy      bool

	ring    [ringSize]float64
	ringPos int
	ringLen int
	avgMs   float64

	pongTimer *time.Timer
}

// Manager sends pings, tracks pongs, and declares connections unhealthy
// when the miss threshold is crossed.
type Manager struct {
	log    zerolog.Logger
	cfg    Config
	sender Sender

	mu      sync.Mutex
	records map[string]*record

	// onUnhealthy is invoked (outside the lock) when a connection crosses
	// the threshold. The dispatcher uses it to fail executing commands.
	onUnhealthy func(connID string)
}

// New creates a heartbeat manager.
func New(log zerolog.Logger, cfg Config, sender Sender, onUnhealthy func(connID string)) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	return &Manager{
		log:         log.With().Str("component", "heartbeat").Logger(),
		cfg:         cfg,
		sender:      sender,
		records:     make(map[string]*record),
		onUnhealthy: onUnhealthy,
	}
}

// Watch starts monitoring a connection. Called once it authenticates.
func (m *Manager) Watch(connID string) {
	m.mu.Lock()
	if _, ok := m.records[connID]; !ok {
		m.records[connID] = &record{healthy: true, lastPongRecv: time.Now()}
	}
	m.mu.Unlock()
}

// Unwatch stops monitoring a connection and cancels its pending timers.
func (m *Manager) Unwatch(connID string) {
	m.mu.Lock()
	r, ok := m.records[connID]
	if ok {
		if r.pongTimer != nil {
			r.pongTimer.Stop()
		}
		delete(m.records, connID)
	}
	m.mu.Unlock()
}

// Run sends pings to every monitored connection on the configured
// interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for _, r := range m.records {
				if r.pongTimer != nil {
					r.pongTimer.Stop()
				}
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.PingAll()
		}
	}
}

// PingAll sends one ping to every monitored connection. Exported so tests
// can drive the clock.
func (m *Manager) PingAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.ping(id)
	}
}

func (m *Manager) ping(connID string) {
	now := time.Now()
	ts := now.UnixMilli()

	msg, err := protocol.NewMessage(protocol.TypePing, protocol.PingPayload{Timestamp: ts})
	if err != nil {
		return
	}
	frame, err := msg.Encode()
	if err != nil {
		return
	}

	var becameUnhealthy bool
	m.mu.Lock()
	r, ok := m.records[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.lastPingSent = now
	r.lastPingTS = ts
	r.missedPings++
	if r.healthy && r.missedPings >= m.cfg.Threshold {
		r.healthy = false
		becameUnhealthy = true
	}
	// One pong-deadline watcher per ping; superseded timers are stopped.
	if r.pongTimer != nil {
		r.pongTimer.Stop()
	}
	r.pongTimer = time.AfterFunc(m.cfg.PongTimeout, func() {
		m.checkPongDeadline(connID, now)
	})
	m.mu.Unlock()

	// Sends and callbacks happen after releasing the lock.
	if err := m.sender.SendTo(connID, frame); err != nil {
		m.log.Debug().Str("conn", connID).Err(err).Msg("ping send failed")
	}
	if becameUnhealthy {
		m.declareUnhealthy(connID)
	}
}

// checkPongDeadline degrades the record when no pong answered the ping
// sent at pingAt within the pong timeout.
func (m *Manager) checkPongDeadline(connID string, pingAt time.Time) {
	var becameUnhealthy bool
	m.mu.Lock()
	r, ok := m.records[connID]
	if ok && r.lastPongRecv.Before(pingAt) && r.healthy && r.missedPings >= m.cfg.Threshold {
		r.healthy = false
		becameUnhealthy = true
	}
	m.mu.Unlock()

	if becameUnhealthy {
		m.declareUnhealthy(connID)
	}
}

func (m *Manager) declareUnhealthy(connID string) {
	m.log.Warn().Str("conn", connID).Msg("connection unhealthy")
	if m.onUnhealthy != nil {
		m.onUnhealthy(connID)
	}
}

// HandlePong records a pong carrying the echoed ping timestamp.
func (m *Manager) HandlePong(connID string, echoedTS int64) {
	now := time.Now()
	latencyMs := float64(now.UnixMilli() - echoedTS)
	if latencyMs < 0 {
		latencyMs = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[connID]
	if !ok {
		return
	}

	r.lastPongRecv = now
	if r.missedPings > 0 {
		r.missedPings--
	}
	if r.missedPings < m.cfg.Threshold {
		r.healthy = true
	}

	r.ring[r.ringPos] = latencyMs
	r.ringPos = (r.ringPos + 1) % ringSize
	if r.ringLen < ringSize {
		r.ringLen++
	}

	var sum float64
	for i := 0; i < r.ringLen; i++ {
		sum += r.ring[i]
	}
	r.avgMs = sum / float64(r.ringLen)
}

// Healthy reports whether a monitored connection is within policy.
// Unmonitored connections are reported healthy.
func (m *Manager) Healthy(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[connID]
	if !ok {
		return true
	}
	return r.healthy
}

// Stats computes latency statistics from the ring. The percentile scratch
// space lives on the stack; no per-sample allocation occurs.
func (m *Manager) Stats(connID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[connID]
	if !ok {
		return Stats{}, false
	}

	s := Stats{
		Healthy:     r.healthy,
		MissedPings: r.missedPings,
		Samples:     r.ringLen,
		AvgMs:       r.avgMs,
	}
	if r.ringLen == 0 {
		return s, true
	}

	var sorted [ringSize]float64
	copy(sorted[:], r.ring[:r.ringLen])
	n := r.ringLen
	for i := 1; i < n; i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	s.MinMs = sorted[0]
	s.MaxMs = sorted[n-1]
	s.P50Ms = sorted[percentileIndex(n, 50)]
	s.P95Ms = sorted[percentileIndex(n, 95)]
	s.P99Ms = sorted[percentileIndex(n, 99)]
	return s, true
}

func percentileIndex(n, pct int) int {
	idx := (n*pct + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > n {
		idx = n
	}
	return idx - 1
}
