// Package server wires the connection plane together: websocket intake,
// message routing, and the HTTP surface for health, audit queries, and
// fleet introspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/audit"
	"github.com/agentfleet/agentfleet/internal/auth"
	"github.com/agentfleet/agentfleet/internal/protocol"
	"github.com/agentfleet/agentfleet/internal/server/dispatch"
	"github.com/agentfleet/agentfleet/internal/server/fanout"
	"github.com/agentfleet/agentfleet/internal/server/heartbeat"
	"github.com/agentfleet/agentfleet/internal/server/pool"
	"github.com/agentfleet/agentfleet/internal/server/tokens"
)

// Server is the control-plane server.
type Server struct {
	cfg  *Config
	log  zerolog.Logger
	sink *audit.Sink

	verifier  auth.Verifier
	refresher auth.Refresher

	pool    *pool.Pool
	hb      *heartbeat.Manager
	tokens  *tokens.Manager
	disp    *dispatch.Dispatcher
	fan     *fanout.Router
	limiter *RateLimiter

	router   *chi.Mux
	upgrader websocket.Upgrader
	limits   protocol.Limits
}

// New creates a server. The verifier is required; the refresher may be
// nil, in which case token rotation is disabled.
func New(cfg *Config, log zerolog.Logger, sink *audit.Sink, verifier auth.Verifier, refresher auth.Refresher) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "server").Logger(),
		sink:      sink,
		verifier:  verifier,
		refresher: refresher,
		limiter:   NewRateLimiter(cfg.RateLimitMessages, cfg.RateLimitWindow),
		limits:    protocol.DefaultLimits(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.pool = pool.New(log, pool.Config{
		SweepInterval: cfg.SweepInterval,
		IdleTimeout:   cfg.IdleTimeout,
		AuthTimeout:   cfg.AuthTimeout,
	})
	s.fan = fanout.New(log, s.pool, 0)
	s.disp = dispatch.New(log, dispatch.Config{
		QueueMax:         cfg.QueueMax,
		ExecutionTimeout: cfg.ExecutionTimeout,
		GraceWindow:      cfg.GraceWindow,
	}, s.pool, s.fan, sink)
	s.hb = heartbeat.New(log, heartbeat.Config{
		Interval:    cfg.PingInterval,
		PongTimeout: cfg.PongTimeout,
		Threshold:   cfg.PingThreshold,
	}, s.pool, s.onUnhealthy)
	if refresher != nil {
		s.tokens = tokens.New(log, tokens.Config{
			CycleInterval:  cfg.TokenCycle,
			RenewThreshold: cfg.RenewThreshold,
		}, refresher, s.onTokenUpdated, s.onTokenFailed)
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/audit-logs", s.handleAuditLogs)
		r.Get("/api/agents", s.handleAgents)
	})

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the background loops and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go s.pool.RunSweeper(ctx)
	go s.hb.Run(ctx)
	if s.tokens != nil {
		go s.tokens.Run(ctx)
	}
	s.eventLoop(ctx)
}

// eventLoop reacts to pool lifecycle events: tearing down per-connection
// state and informing the dispatcher about agent departures.
func (s *Server) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.pool.Events():
			if e.Kind != pool.EventRemoved {
				continue
			}
			s.hb.Unwatch(e.ConnID)
			if s.tokens != nil {
				s.tokens.Untrack(e.ConnID)
			}
			s.fan.DropConn(e.ConnID)
			s.limiter.Reset(e.ConnID)

			// A superseded socket hands over to its replacement; the agent
			// never left.
			if e.Role == pool.RoleAgent && e.AgentID != "" && e.Reason != "superseded" {
				s.disp.AgentDisconnected(e.AgentID, e.Reason)
			}
		}
	}
}

// onUnhealthy maps an unhealthy connection back to its agent.
func (s *Server) onUnhealthy(connID string) {
	c, ok := s.pool.Get(connID)
	if !ok {
		return
	}
	if c.Role == pool.RoleAgent && c.AgentID != "" {
		s.disp.AgentUnhealthy(c.AgentID)
	}
}

// onTokenUpdated delivers a rotated credential over the live socket.
func (s *Server) onTokenUpdated(connID string, pair auth.TokenPair) {
	msg, err := protocol.NewMessage(protocol.TypeTokenRefresh, protocol.TokenRefreshPayload{
		AccessToken:  pair.AccessToken,
		ExpiresIn:    int64(time.Until(pair.ExpiresAt).Seconds()),
		RefreshToken: pair.RefreshToken,
	})
	if err != nil {
		return
	}
	frame, err := msg.Encode()
	if err != nil {
		return
	}
	if err := s.pool.SendTo(connID, frame); err != nil {
		s.log.Warn().Str("conn", connID).Err(err).Msg("token refresh delivery failed")
		return
	}

	c, _ := s.pool.Get(connID)
	s.sink.Record(audit.Event{
		Type:    audit.EventAuthTokenRefresh,
		UserID:  c.UserID,
		AgentID: c.AgentID,
	})
}

// onTokenFailed closes a connection whose credentials could not be
// renewed.
func (s *Server) onTokenFailed(connID string) {
	s.pool.Remove(connID, tokens.CloseReasonReauthenticate)
}

// handleWebSocket upgrades a socket and authenticates it. A dashboard
// presents its token at handshake time; an agent authenticates with its
// first AGENT_CONNECT frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	client := NewClient(connID, conn, s.log, r.RemoteAddr, r.UserAgent(), s.onMessage, s.onClientClose)
	s.pool.Add(connID, pool.RoleDashboard, client)
	client.Run()

	if token == "" {
		// Anonymous until AGENT_CONNECT; the auth sweeper enforces the
		// handshake deadline.
		return
	}

	identity, expiry, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		s.authFailure(connID, err)
		return
	}

	s.pool.AuthenticateDashboard(connID, identity.UserID)
	s.hb.Watch(connID)
	if s.tokens != nil {
		s.tokens.Track(connID, token, "", expiry)
	}
	s.sink.Record(audit.Event{Type: audit.EventAuthLogin, UserID: identity.UserID})
	s.log.Info().Str("conn", connID).Str("user", identity.UserID).Msg("dashboard authenticated")
}

// onClientClose feeds socket deaths back into the pool.
func (s *Server) onClientClose(c *Client, reason string) {
	s.pool.Remove(c.ID(), reason)
}

// authFailure reports a handshake failure and closes the socket with a
// policy-violation close code.
func (s *Server) authFailure(connID string, err error) {
	code := protocol.CodeAuthenticationFailed
	if errors.Is(err, auth.ErrTokenExpired) {
		code = protocol.CodeTokenExpired
	}
	s.sendError(connID, code, "authentication failed", nil)
	s.sink.Record(audit.Event{
		Type:    audit.EventSecurityAlert,
		Details: map[string]any{"reason": "authentication failed"},
	})
	s.pool.Remove(connID, "authentication failed")
}

// onMessage routes one inbound frame.
func (s *Server) onMessage(c *Client, data []byte) {
	connID := c.ID()

	if !s.limiter.Allow(connID) {
		s.sendError(connID, protocol.CodeRateLimitExceeded, "rate limit exceeded", map[string]any{
			"limit":         s.cfg.RateLimitMessages,
			"windowSeconds": int(s.cfg.RateLimitWindow.Seconds()),
		})
		return
	}

	msg, ep := protocol.Decode(data, s.limits)
	if ep != nil {
		s.sendError(connID, ep.Code, ep.Message, ep.Details)
		return
	}

	s.pool.Touch(connID, len(data))
	conn, ok := s.pool.Get(connID)
	if !ok {
		return
	}

	switch msg.Type {
	case protocol.TypeAgentConnect:
		s.handleAgentConnect(connID, msg)
	case protocol.TypePing:
		var p protocol.PingPayload
		if msg.ParsePayload(&p) == nil {
			s.sendMessage(connID, protocol.TypePong, protocol.PongPayload{Timestamp: p.Timestamp})
		}
	case protocol.TypePong:
		var p protocol.PongPayload
		if msg.ParsePayload(&p) == nil {
			s.hb.HandlePong(connID, p.Timestamp)
		}
	default:
		if !conn.Authenticated {
			s.sendError(connID, protocol.CodeUnauthorized, "authenticate first", nil)
			return
		}
		if conn.Role == pool.RoleAgent {
			s.routeAgentMessage(conn.AgentID, msg)
		} else {
			s.routeDashboardMessage(connID, conn.UserID, msg)
		}
	}
}

// handleAgentConnect authenticates a socket as an agent.
func (s *Server) handleAgentConnect(connID string, msg *protocol.Message) {
	var p protocol.AgentConnectPayload
	if err := msg.ParsePayload(&p); err != nil {
		s.sendError(connID, protocol.CodeValidationFailed, "invalid AGENT_CONNECT payload", nil)
		return
	}

	_, expiry, err := s.verifier.Verify(context.Background(), p.Token)
	if err != nil {
		s.authFailure(connID, err)
		return
	}

	replaced, ok := s.pool.AuthenticateAgent(connID, p.AgentID)
	if !ok {
		s.sendError(connID, protocol.CodeValidationFailed, "connection already authenticated", nil)
		return
	}
	if replaced != "" {
		s.hb.Unwatch(replaced)
		if s.tokens != nil {
			s.tokens.Untrack(replaced)
		}
		s.limiter.Reset(replaced)
	}

	s.disp.AgentConnected(p.AgentID, connID, p)
	s.hb.Watch(connID)
	if s.tokens != nil {
		s.tokens.Track(connID, p.Token, "", expiry)
	}
	s.sink.Record(audit.Event{Type: audit.EventAuthLogin, AgentID: p.AgentID})
	s.log.Info().Str("conn", connID).Str("agent", p.AgentID).Str("version", p.Version).Msg("agent connected")
}

// routeAgentMessage dispatches an authenticated agent's frame.
func (s *Server) routeAgentMessage(agentID string, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAgentHeartbeat:
		s.disp.HandleHeartbeat(agentID)
	case protocol.TypeAgentError:
		var p protocol.AgentErrorPayload
		if msg.ParsePayload(&p) == nil {
			s.disp.HandleAgentError(agentID, p)
		}
	case protocol.TypeCommandAck:
		var p protocol.CommandAckPayload
		if msg.ParsePayload(&p) == nil {
			s.disp.HandleCommandAck(agentID, p)
		}
	case protocol.TypeCommandComplete:
		var p protocol.CommandCompletePayload
		if msg.ParsePayload(&p) == nil {
			s.disp.HandleCommandComplete(agentID, p)
		}
	case protocol.TypeTerminalOutput:
		var p protocol.TerminalOutputPayload
		if msg.ParsePayload(&p) == nil {
			s.disp.HandleTerminalOutput(agentID, p)
		}
	case protocol.TypeTraceEvent:
		var p protocol.TraceEventPayload
		if msg.ParsePayload(&p) == nil {
			s.disp.HandleTraceEvent(agentID, p)
		}
	default:
		if conn, ok := s.pool.GetByAgent(agentID); ok {
			s.sendError(conn.ID, protocol.CodeUnsupportedMessageType, "unexpected message kind from agent", map[string]any{"type": msg.Type})
		}
	}
}

// routeDashboardMessage dispatches an authenticated dashboard's frame.
func (s *Server) routeDashboardMessage(connID, userID string, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCommandRequest:
		var p protocol.CommandRequestPayload
		if err := msg.ParsePayload(&p); err != nil {
			s.sendError(connID, protocol.CodeValidationFailed, "invalid COMMAND_REQUEST payload", nil)
			return
		}
		ack, ep := s.disp.Submit(connID, userID, p)
		if ep != nil {
			s.sendError(connID, ep.Code, ep.Message, ep.Details)
			return
		}
		s.sendMessage(connID, protocol.TypeCommandAck, ack)

	case protocol.TypeCommandCancel:
		var p protocol.CommandCancelPayload
		if err := msg.ParsePayload(&p); err != nil {
			s.sendError(connID, protocol.CodeValidationFailed, "invalid COMMAND_CANCEL payload", nil)
			return
		}
		if ep := s.disp.Cancel(userID, p.CommandID, p.Reason); ep != nil {
			s.sendError(connID, ep.Code, ep.Message, ep.Details)
		}

	case protocol.TypeEmergencyStop:
		var p protocol.EmergencyStopPayload
		if err := msg.ParsePayload(&p); err != nil {
			s.sendError(connID, protocol.CodeValidationFailed, "invalid EMERGENCY_STOP payload", nil)
			return
		}
		res := s.disp.EmergencyStop(userID, p.Reason)
		s.sendMessage(connID, protocol.TypeEmergencyStop, map[string]any{
			"acknowledged":      true,
			"agentsStopped":     res.AgentsStopped,
			"commandsCancelled": res.CommandsCancelled,
		})

	case protocol.TypeSubscribe:
		var p protocol.SubscribePayload
		if err := msg.ParsePayload(&p); err != nil {
			s.sendError(connID, protocol.CodeValidationFailed, "invalid SUBSCRIBE payload", nil)
			return
		}
		s.fan.Subscribe(connID, p.AgentID, p.Kinds)

	case protocol.TypeUnsubscribe:
		var p protocol.UnsubscribePayload
		if err := msg.ParsePayload(&p); err != nil {
			s.sendError(connID, protocol.CodeValidationFailed, "invalid UNSUBSCRIBE payload", nil)
			return
		}
		s.fan.Unsubscribe(connID, p.AgentID)

	default:
		s.sendError(connID, protocol.CodeUnsupportedMessageType, "unexpected message kind from dashboard", map[string]any{"type": msg.Type})
	}
}

// sendMessage builds, encodes, and sends one frame.
func (s *Server) sendMessage(connID, msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	frame, err := msg.Encode()
	if err != nil {
		return
	}
	if err := s.pool.SendTo(connID, frame); err != nil {
		s.log.Debug().Str("conn", connID).Str("type", msgType).Err(err).Msg("send failed")
	}
}

// sendError sends a typed ERROR frame. Codec and policy errors never
// close the socket by themselves.
func (s *Server) sendError(connID string, code protocol.Code, message string, details map[string]any) {
	msg := protocol.NewError(code, message, details)
	frame, err := msg.Encode()
	if err != nil {
		return
	}
	_ = s.pool.SendTo(connID, frame)
}

// bearerToken extracts the client token: Authorization header, then the
// token query parameter, then a token cookie.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

// requireAuth guards the HTTP API with the same token verifier as the
// socket plane.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, _, err := s.verifier.Verify(r.Context(), token); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"connections":       s.pool.Count(),
		"droppedAuditLogs":  s.sink.Dropped(),
		"droppedFanoutMsgs": s.fan.Dropped(),
	})
}

// handleAuditLogs serves paginated audit queries. Invalid parameters are
// a 400; only events within the retention window are returned.
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := audit.Filter{
		Type:    audit.EventType(q.Get("eventType")),
		UserID:  q.Get("userId"),
		AgentID: q.Get("agentId"),
		Limit:   100,
	}

	var err error
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if filter.Offset, err = strconv.Atoi(raw); err != nil {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
	}
	if raw := q.Get("from"); raw != "" {
		if filter.From, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if filter.To, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
	}

	events, err := s.sink.Query(filter)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidQuery) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error().Err(err).Msg("audit query failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleAgents returns the dispatcher's fleet view.
func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	type agentView struct {
		AgentID      string    `json:"agentId"`
		Status       string    `json:"status"`
		AgentType    string    `json:"agentType,omitempty"`
		Version      string    `json:"version,omitempty"`
		Capabilities []string  `json:"capabilities,omitempty"`
		LastPing     time.Time `json:"lastPing"`
		QueueLength  int       `json:"queueLength"`
		Executing    string    `json:"executing,omitempty"`
	}

	infos := s.disp.Agents()
	out := make([]agentView, 0, len(infos))
	for _, a := range infos {
		out = append(out, agentView{
			AgentID:      a.AgentID,
			Status:       a.Status,
			AgentType:    a.AgentType,
			Version:      a.Version,
			Capabilities: a.Capabilities,
			LastPing:     a.LastPing,
			QueueLength:  a.QueueLen,
			Executing:    a.Executing,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
