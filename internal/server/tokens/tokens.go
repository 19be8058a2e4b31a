// Package tokens manages per-connection credential lifecycles: rotating
// tokens before expiry without tearing down sockets, and closing
// connections whose credentials cannot be renewed.
package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/auth"
)

// CloseReasonReauthenticate is passed to onFailed when a record exhausts
// its refresh attempts.
const CloseReasonReauthenticate = "reauthenticate"

// Config holds the refresh policy.
type Config struct {
	CycleInterval  time.Duration // default 60s
	RenewThreshold time.Duration // refresh when expiry is this close, default 5m
	ExpiredGC      time.Duration // drop records expired longer than this, default 1h
	MaxAttempts    int           // default 3
	BatchSize      int           // concurrent renewals per batch, default 5
	BatchGap       time.Duration // pause between batches, default 100ms
}

// DefaultConfig returns the standard refresh policy.
func DefaultConfig() Config {
	return Config{
		CycleInterval:  60 * time.Second,
		RenewThreshold: 5 * time.Minute,
		ExpiredGC:      time.Hour,
		MaxAttempts:    3,
		BatchSize:      5,
		BatchGap:       100 * time.Millisecond,
	}
}

type record struct {
	accessToken  string
	refreshToken string
	expiry       time.Time
	lastRefresh  time.Time
	attempts     int
	inProgress   bool
	failed       bool
}

// Manager tracks token records per monitored connection.
type Manager struct {
	log       zerolog.Logger
	cfg       Config
	refresher auth.Refresher

	mu      sync.Mutex
	records map[string]*record

	// onUpdated delivers rotated credentials so the server can send a
	// TOKEN_REFRESH frame. onFailed asks the server to close the
	// connection with CloseReasonReauthenticate. Both run outside the lock.
	onUpdated func(connID string, pair auth.TokenPair)
	onFailed  func(connID string)
}

// New creates a token manager.
func New(log zerolog.Logger, cfg Config, refresher auth.Refresher,
	onUpdated func(string, auth.TokenPair), onFailed func(string)) *Manager {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 60 * time.Second
	}
	if cfg.RenewThreshold <= 0 {
		cfg.RenewThreshold = 5 * time.Minute
	}
	if cfg.ExpiredGC <= 0 {
		cfg.ExpiredGC = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.BatchGap <= 0 {
		cfg.BatchGap = 100 * time.Millisecond
	}
	return &Manager{
		log:       log.With().Str("component", "tokens").Logger(),
		cfg:       cfg,
		refresher: refresher,
		records:   make(map[string]*record),
		onUpdated: onUpdated,
		onFailed:  onFailed,
	}
}

// Track starts managing a connection's credentials.
func (m *Manager) Track(connID, accessToken, refreshToken string, expiry time.Time) {
	m.mu.Lock()
	m.records[connID] = &record{
		accessToken:  accessToken,
		refreshToken: refreshToken,
		expiry:       expiry,
	}
	m.mu.Unlock()
}

// Untrack stops managing a connection's credentials.
func (m *Manager) Untrack(connID string) {
	m.mu.Lock()
	delete(m.records, connID)
	m.mu.Unlock()
}

// Token returns the current access token and expiry for a connection.
func (m *Manager) Token(connID string) (string, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[connID]
	if !ok {
		return "", time.Time{}, false
	}
	return r.accessToken, r.expiry, true
}

// Run executes refresh cycles until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle garbage-collects long-expired records and refreshes those whose
// expiry falls within the renewal threshold. Renewals run in batches of
// BatchSize with BatchGap pauses so the identity service is never
// thundered. Exported so tests can drive the clock.
func (m *Manager) Cycle(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var due []string
	for id, r := range m.records {
		if now.Sub(r.expiry) > m.cfg.ExpiredGC {
			delete(m.records, id)
			continue
		}
		if r.failed || r.inProgress {
			continue
		}
		if r.expiry.Sub(now) <= m.cfg.RenewThreshold {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for start := 0; start < len(due); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(due) {
			end = len(due)
		}

		var wg sync.WaitGroup
		for _, id := range due[start:end] {
			wg.Add(1)
			go func(connID string) {
				defer wg.Done()
				m.refreshOne(ctx, connID)
			}(id)
		}
		wg.Wait()

		if end < len(due) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.BatchGap):
			}
		}
	}
}

// refreshOne performs a single idempotent refresh attempt. The
// in-progress flag guarantees at most one refresh in flight per record.
func (m *Manager) refreshOne(ctx context.Context, connID string) {
	m.mu.Lock()
	r, ok := m.records[connID]
	if !ok || r.inProgress || r.failed {
		m.mu.Unlock()
		return
	}
	r.inProgress = true
	refreshToken := r.refreshToken
	accessToken := r.accessToken
	m.mu.Unlock()

	pair, err := m.refresher.Refresh(ctx, refreshToken, accessToken)

	m.mu.Lock()
	r, ok = m.records[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.inProgress = false

	if err != nil {
		r.attempts++
		failed := r.attempts >= m.cfg.MaxAttempts
		if failed {
			r.failed = true
		}
		attempts := r.attempts
		m.mu.Unlock()

		m.log.Warn().Str("conn", connID).Int("attempts", attempts).Err(err).Msg("token refresh failed")
		if failed && m.onFailed != nil {
			m.onFailed(connID)
		}
		return
	}

	// Token, expiry, and refresh token are written together under the lock.
	r.accessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		r.refreshToken = pair.RefreshToken
	}
	r.expiry = pair.ExpiresAt
	r.lastRefresh = time.Now()
	r.attempts = 0
	m.mu.Unlock()

	m.log.Info().Str("conn", connID).Time("expiry", pair.ExpiresAt).Msg("token rotated")
	if m.onUpdated != nil {
		m.onUpdated(connID, pair)
	}
}
