package agent

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/protocol"
)

// Agent is the worker process: it keeps a connection to the control
// plane, announces itself, answers heartbeats, and executes commands.
type Agent struct {
	cfg *Config
	log zerolog.Logger

	ws   *WSClient
	exec *Executor

	ctx       context.Context
	startedAt time.Time
}

// New creates an agent.
func New(cfg *Config, log zerolog.Logger) *Agent {
	a := &Agent{
		cfg:       cfg,
		log:       log.With().Str("component", "agent").Logger(),
		startedAt: time.Now(),
	}
	a.ws = NewWSClient(cfg, log, a.onConnected, a.onMessage)
	a.exec = NewExecutor(log, cfg.AgentID, a.ws.Send)
	return a
}

// Run blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) {
	a.ctx = ctx
	go a.heartbeatLoop(ctx)
	a.ws.Run(ctx)
}

// onConnected announces the agent after every (re)connect.
func (a *Agent) onConnected() {
	err := a.ws.Send(protocol.TypeAgentConnect, protocol.AgentConnectPayload{
		AgentID:      a.cfg.AgentID,
		Token:        a.cfg.Token,
		Version:      Version,
		Capabilities: a.cfg.Capabilities,
		AgentType:    a.cfg.AgentType,
	})
	if err != nil {
		a.log.Error().Err(err).Msg("failed to send AGENT_CONNECT")
	}
}

// onMessage routes one inbound frame from the server.
func (a *Agent) onMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCommandRequest:
		var p protocol.CommandRequestPayload
		if err := msg.ParsePayload(&p); err != nil {
			a.log.Warn().Err(err).Msg("invalid COMMAND_REQUEST payload")
			return
		}
		go a.exec.Execute(a.ctx, p)

	case protocol.TypeCommandCancel:
		var p protocol.CommandCancelPayload
		if err := msg.ParsePayload(&p); err != nil {
			return
		}
		a.exec.Cancel(p.CommandID, p.Reason)

	case protocol.TypePing:
		var p protocol.PingPayload
		if msg.ParsePayload(&p) == nil {
			if err := a.ws.Send(protocol.TypePong, protocol.PongPayload{Timestamp: p.Timestamp}); err != nil {
				a.log.Debug().Err(err).Msg("failed to send pong")
			}
		}

	case protocol.TypeTokenRefresh:
		var p protocol.TokenRefreshPayload
		if msg.ParsePayload(&p) == nil && p.AccessToken != "" {
			a.ws.UpdateToken(p.AccessToken)
			a.cfg.Token = p.AccessToken
			a.log.Info().Msg("token rotated")
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if msg.ParsePayload(&p) == nil {
			a.log.Warn().Str("code", string(p.Code)).Str("message", p.Message).Msg("server error")
		}

	default:
		a.log.Debug().Str("type", msg.Type).Msg("ignoring message")
	}
}

// heartbeatLoop sends application-level heartbeats with basic process
// metrics.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			err := a.ws.Send(protocol.TypeAgentHeartbeat, protocol.AgentHeartbeatPayload{
				AgentID: a.cfg.AgentID,
				Metrics: map[string]any{
					"uptimeSeconds": int64(time.Since(a.startedAt).Seconds()),
					"goroutines":    runtime.NumGoroutine(),
					"heapBytes":     mem.HeapAlloc,
					"busy":          a.exec.Busy(),
				},
			})
			if err != nil {
				a.log.Debug().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}
