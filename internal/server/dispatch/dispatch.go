// Package dispatch binds queued commands to agent sockets and drives the
// command state machine: queued, executing, and the terminal states
// completed, failed, and cancelled.
package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/audit"
	"github.com/agentfleet/agentfleet/internal/protocol"
	"github.com/agentfleet/agentfleet/internal/server/queue"
)

// Sender delivers a frame to one connection. Satisfied by the pool.
type Sender interface {
	SendTo(connID string, frame []byte) error
}

// Publisher fans an agent-originated event out to subscribed dashboards.
// Satisfied by the fanout router.
type Publisher interface {
	Publish(agentID, kind string, msg *protocol.Message)
}

// Auditor appends audit events without blocking. Satisfied by the audit
// sink.
type Auditor interface {
	Record(e audit.Event)
}

// Config holds the dispatcher policy.
type Config struct {
	QueueMax         int           // per-agent queue bound, default 5
	ExecutionTimeout time.Duration // default execution limit, default 5m
	GraceWindow      time.Duration // offline grace before failing queued work, default 60s
	ForceKillTimeout time.Duration // wait for an agent to confirm a cancel, default 10s
	StopWindow       time.Duration // emergency stop idempotency window, default 5s
}

// DefaultConfig returns the standard dispatcher policy.
func DefaultConfig() Config {
	return Config{
		QueueMax:         queue.DefaultMax,
		ExecutionTimeout: 5 * time.Minute,
		GraceWindow:      60 * time.Second,
		ForceKillTimeout: 10 * time.Second,
		StopWindow:       5 * time.Second,
	}
}

// StopResult reports what an emergency stop touched.
type StopResult struct {
	AgentsStopped     int
	CommandsCancelled int
	Executed          bool // false when absorbed by the idempotency window
}

// AgentInfo is a read-only snapshot of one agent's dispatcher state.
type AgentInfo struct {
	AgentID      string
	Status       string
	ConnID       string
	AgentType    string
	Version      string
	Capabilities []string
	LastPing     time.Time
	QueueLen     int
	Executing    string // command id, empty when idle
}

type agentState struct {
	agentID      string
	connID       string
	online       bool
	status       string
	agentType    string
	version      string
	capabilities []string
	lastPing     time.Time

	q             *queue.Queue
	executing     *queue.Command
	acked         bool // agent confirmed execution start
	execStarted   time.Time
	execSeq       uint64
	cancelPending bool

	execTimer  *time.Timer
	killTimer  *time.Timer
	graceTimer *time.Timer
}

// outFrame is a deferred send built under the lock and flushed after it
// is released. Either connID (direct) or agentID+kind (fan-out) is set.
type outFrame struct {
	connID  string
	agentID string
	kind    string
	msg     *protocol.Message
}

// Dispatcher owns the per-agent queues and executing slots. One mutex
// serializes all transitions, which also serializes the reconnect versus
// grace-expiry race per agent.
type Dispatcher struct {
	log     zerolog.Logger
	cfg     Config
	sender  Sender
	pub     Publisher
	auditor Auditor

	mu     sync.Mutex
	agents map[string]*agentState

	lastStop time.Time
}

// New creates a dispatcher.
func New(log zerolog.Logger, cfg Config, sender Sender, pub Publisher, auditor Auditor) *Dispatcher {
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = queue.DefaultMax
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Minute
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 60 * time.Second
	}
	if cfg.ForceKillTimeout <= 0 {
		cfg.ForceKillTimeout = 10 * time.Second
	}
	if cfg.StopWindow <= 0 {
		cfg.StopWindow = 5 * time.Second
	}
	return &Dispatcher{
		log:     log.With().Str("component", "dispatch").Logger(),
		cfg:     cfg,
		sender:  sender,
		pub:     pub,
		auditor: auditor,
		agents:  make(map[string]*agentState),
	}
}

// AgentConnected registers (or revives) an agent. A reconnect within the
// grace window keeps the queue; a command that was executing when the
// previous socket went away cannot resume and is failed.
func (d *Dispatcher) AgentConnected(agentID, connID string, p protocol.AgentConnectPayload) {
	var out []outFrame

	d.mu.Lock()
	st, ok := d.agents[agentID]
	if !ok {
		st = &agentState{agentID: agentID, q: queue.New(d.cfg.QueueMax)}
		d.agents[agentID] = st
	}

	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}

	st.connID = connID
	st.online = true
	st.status = protocol.AgentOnline
	st.agentType = p.AgentType
	st.version = p.Version
	st.capabilities = p.Capabilities
	st.lastPing = time.Now()

	// A command that was mid-flight on the previous socket cannot resume.
	if st.executing != nil {
		out = append(out, d.finishNoPromoteLocked(st, protocol.StatusFailed, "agent disconnect")...)
	}
	out = append(out, d.promoteLocked(st)...)
	d.mu.Unlock()

	d.flush(out)
	d.audit(audit.EventAgentConnected, "", agentID, "", map[string]any{
		"version": p.Version,
	})
}

// AgentDisconnected takes an agent offline and starts the grace window.
// The queue and executing slot survive until the window expires.
func (d *Dispatcher) AgentDisconnected(agentID, reason string) {
	d.mu.Lock()
	st, ok := d.agents[agentID]
	if !ok {
		d.mu.Unlock()
		return
	}
	st.online = false
	st.connID = ""
	st.status = protocol.AgentOffline
	d.armGraceLocked(st)
	d.mu.Unlock()

	d.audit(audit.EventAgentDisconnected, "", agentID, "", map[string]any{
		"reason": reason,
	})
}

// AgentUnhealthy is invoked by the heartbeat manager when an agent
// crosses the missed-ping threshold. The executing command fails
// immediately; queued work waits out the grace window.
func (d *Dispatcher) AgentUnhealthy(agentID string) {
	var out []outFrame

	d.mu.Lock()
	st, ok := d.agents[agentID]
	if !ok {
		d.mu.Unlock()
		return
	}
	st.online = false
	st.status = protocol.AgentErrored
	if st.executing != nil {
		out = d.finishNoPromoteLocked(st, protocol.StatusFailed, "agent timeout")
	}
	d.armGraceLocked(st)
	d.mu.Unlock()

	d.flush(out)
}

// HandleAgentError processes an AGENT_ERROR frame. Fatal errors take the
// agent offline under the grace-window policy.
func (d *Dispatcher) HandleAgentError(agentID string, p protocol.AgentErrorPayload) {
	if !p.Fatal {
		d.log.Warn().Str("agent", agentID).Str("code", p.Code).Msg("agent error")
		return
	}

	var out []outFrame
	d.mu.Lock()
	st, ok := d.agents[agentID]
	if ok {
		st.online = false
		st.status = protocol.AgentErrored
		if st.executing != nil {
			out = d.finishNoPromoteLocked(st, protocol.StatusFailed, "agent error: "+p.Code)
		}
		d.armGraceLocked(st)
	}
	d.mu.Unlock()

	d.flush(out)
	d.audit(audit.EventSecurityAlert, "", agentID, "", map[string]any{
		"code":    p.Code,
		"message": p.Message,
		"fatal":   true,
	})
}

// HandleHeartbeat records application-level agent liveness.
func (d *Dispatcher) HandleHeartbeat(agentID string) {
	d.mu.Lock()
	if st, ok := d.agents[agentID]; ok {
		st.lastPing = time.Now()
	}
	d.mu.Unlock()
}

// Submit enqueues a command for an agent on behalf of a dashboard. The
// returned ack carries the 1-indexed position and estimated start time;
// a nil ack means the error payload should be sent instead.
func (d *Dispatcher) Submit(submitterConn, userID string, p protocol.CommandRequestPayload) (*protocol.CommandAckPayload, *protocol.ErrorPayload) {
	commandID := p.CommandID
	if commandID == "" {
		commandID = uuid.NewString()
	}

	var out []outFrame

	d.mu.Lock()
	st, ok := d.agents[p.AgentID]
	if !ok || !st.online {
		d.mu.Unlock()
		return nil, &protocol.ErrorPayload{
			Code:    protocol.CodeAgentOffline,
			Message: "agent is not connected",
			Details: map[string]any{"agentId": p.AgentID},
		}
	}

	// A forwarded-but-unconfirmed head counts against the bound: a queue
	// of max entries means at most max commands awaiting execution start.
	if st.q.Len()+unackedOffset(st) >= st.q.Max() {
		d.mu.Unlock()
		return nil, &protocol.ErrorPayload{
			Code:    protocol.CodeQueueFull,
			Message: "command queue is full",
			Details: map[string]any{"maxQueueSize": st.q.Max()},
		}
	}

	cmd := &queue.Command{
		ID:            commandID,
		AgentID:       p.AgentID,
		UserID:        userID,
		SubmitterConn: submitterConn,
		Command:       p.Content,
		Priority:      p.Priority,
	}
	if p.ExecutionConstraints != nil {
		cmd.Constraints = *p.ExecutionConstraints
	}

	pos, err := st.q.Enqueue(cmd)
	if err != nil {
		full := err.(*queue.FullError)
		d.mu.Unlock()
		return nil, &protocol.ErrorPayload{
			Code:    protocol.CodeQueueFull,
			Message: "command queue is full",
			Details: map[string]any{"maxQueueSize": full.Max},
		}
	}

	// A forwarded-but-unconfirmed head still occupies position 1 from the
	// submitter's point of view.
	pos += unackedOffset(st)
	ack := &protocol.CommandAckPayload{
		CommandID:          commandID,
		Status:             protocol.StatusQueued,
		QueuePosition:      pos,
		EstimatedStartTime: queue.EstimatedStart(time.Now(), pos).UnixMilli(),
	}

	out = d.promoteLocked(st)
	d.mu.Unlock()

	d.flush(out)
	d.audit(audit.EventCommandExecuted, userID, p.AgentID, commandID, map[string]any{
		"priority": p.Priority,
	})
	return ack, nil
}

// Cancel cancels a queued or executing command. Queued commands finish
// immediately and remaining positions are re-indexed; executing commands
// are forwarded a cancel and finalized on the agent's confirmation or
// after the force-kill timeout.
func (d *Dispatcher) Cancel(userID, commandID, reason string) *protocol.ErrorPayload {
	var out []outFrame

	d.mu.Lock()
	st, cmdQueued := d.findCommandLocked(commandID)
	if st == nil {
		d.mu.Unlock()
		return &protocol.ErrorPayload{
			Code:    protocol.CodeCommandNotFound,
			Message: "command not found",
			Details: map[string]any{"commandId": commandID},
		}
	}

	if cmdQueued {
		cmd, _ := st.q.Remove(commandID)
		out = append(out, d.terminalFramesLocked(st, cmd, protocol.StatusCancelled, reason, time.Time{})...)
		out = append(out, d.positionFramesLocked(st)...)
		out = append(out, d.promoteLocked(st)...)
	} else {
		// Executing: ask the agent, arm the force-kill fallback.
		if !st.cancelPending {
			st.cancelPending = true
			if msg, err := protocol.NewMessage(protocol.TypeCommandCancel, protocol.CommandCancelPayload{
				CommandID: commandID,
				Reason:    reason,
			}); err == nil && st.connID != "" {
				out = append(out, outFrame{connID: st.connID, msg: msg})
			}
			agentID := st.agentID
			st.killTimer = time.AfterFunc(d.cfg.ForceKillTimeout, func() {
				d.forceCancel(agentID, commandID, reason)
			})
		}
	}
	d.mu.Unlock()

	d.flush(out)
	d.audit(audit.EventCommandCancelled, userID, st.agentID, commandID, map[string]any{
		"reason": reason,
	})
	return nil
}

// forceCancel finalizes an executing command whose agent never confirmed
// the cancel within the force-kill timeout.
func (d *Dispatcher) forceCancel(agentID, commandID, reason string) {
	var out []outFrame

	d.mu.Lock()
	st, ok := d.agents[agentID]
	if ok && st.executing != nil && st.executing.ID == commandID {
		out = d.finishLocked(st, protocol.StatusCancelled, reason)
	}
	d.mu.Unlock()

	d.flush(out)
}

// HandleCommandAck processes an agent's acknowledgement. The first
// executing ack for the forwarded command completes the queued→executing
// transition: the submitter and subscribers learn of the start, and the
// remaining queue positions are re-announced.
func (d *Dispatcher) HandleCommandAck(agentID string, p protocol.CommandAckPayload) {
	var out []outFrame

	d.mu.Lock()
	st, ok := d.agents[agentID]
	if !ok || st.executing == nil || st.executing.ID != p.CommandID {
		d.mu.Unlock()
		return
	}

	if p.Status == protocol.StatusExecuting && !st.acked {
		st.acked = true
		st.execStarted = time.Now()
		st.status = protocol.AgentExecuting

		if msg, err := protocol.NewMessage(protocol.TypeCommandAck, protocol.CommandAckPayload{
			CommandID: p.CommandID,
			Status:    protocol.StatusExecuting,
		}); err == nil {
			out = append(out, outFrame{connID: st.executing.SubmitterConn, msg: msg})
			out = append(out, outFrame{agentID: agentID, kind: protocol.EventKindCommandStatus, msg: msg})
		}
		out = append(out, d.positionFramesLocked(st)...)
	}
	d.mu.Unlock()

	d.flush(out)
}

// HandleCommandComplete finalizes the executing command from an agent's
// COMMAND_COMPLETE frame and promotes the next one.
func (d *Dispatcher) HandleCommandComplete(agentID string, p protocol.CommandCompletePayload) {
	var out []outFrame

	d.mu.Lock()
	st, ok := d.agents[agentID]
	if !ok || st.executing == nil || st.executing.ID != p.CommandID {
		d.mu.Unlock()
		return
	}

	status := p.Status
	switch status {
	case protocol.StatusCompleted, protocol.StatusFailed, protocol.StatusCancelled:
	default:
		status = protocol.StatusFailed
	}
	out = d.finishLocked(st, status, p.Error)
	d.mu.Unlock()

	d.flush(out)
}

// HandleTerminalOutput re-stamps the chunk with the authoritative
// per-command sequence number and fans it out. Chunks for anything but
// the executing command are dropped; the command is already terminal.
func (d *Dispatcher) HandleTerminalOutput(agentID string, p protocol.TerminalOutputPayload) {
	d.mu.Lock()
	st, ok := d.agents[agentID]
	if !ok || st.executing == nil || st.executing.ID != p.CommandID {
		d.mu.Unlock()
		return
	}
	st.execSeq++
	p.Sequence = st.execSeq
	p.AgentID = agentID
	d.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.TypeTerminalOutput, p)
	if err != nil {
		return
	}
	d.pub.Publish(agentID, protocol.EventKindTerminal, msg)
}

// HandleTraceEvent fans a trace event out to subscribers.
func (d *Dispatcher) HandleTraceEvent(agentID string, p protocol.TraceEventPayload) {
	p.AgentID = agentID
	msg, err := protocol.NewMessage(protocol.TypeTraceEvent, p)
	if err != nil {
		return
	}
	d.pub.Publish(agentID, protocol.EventKindTrace, msg)
}

// EmergencyStop cancels every executing and queued command fleet-wide.
// Re-invocation within the stop window is absorbed: it succeeds without
// touching anything and without a second audit event.
func (d *Dispatcher) EmergencyStop(userID, reason string) StopResult {
	var out []outFrame
	var res StopResult

	d.mu.Lock()
	now := time.Now()
	if now.Sub(d.lastStop) < d.cfg.StopWindow {
		d.mu.Unlock()
		return StopResult{}
	}
	d.lastStop = now
	res.Executed = true

	for _, st := range d.agents {
		touched := false
		if st.executing != nil {
			if st.connID != "" {
				if msg, err := protocol.NewMessage(protocol.TypeCommandCancel, protocol.CommandCancelPayload{
					CommandID: st.executing.ID,
					Reason:    "emergency stop",
				}); err == nil {
					out = append(out, outFrame{connID: st.connID, msg: msg})
				}
			}
			out = append(out, d.finishNoPromoteLocked(st, protocol.StatusCancelled, "emergency stop")...)
			res.CommandsCancelled++
			touched = true
		}
		for _, cmd := range st.q.Drain() {
			out = append(out, d.terminalFramesLocked(st, cmd, protocol.StatusCancelled, "emergency stop", time.Time{})...)
			res.CommandsCancelled++
			touched = true
		}
		if touched {
			out = append(out, d.positionFramesLocked(st)...)
		}
		if st.online {
			res.AgentsStopped++
		}
	}
	d.mu.Unlock()

	d.flush(out)
	d.audit(audit.EventEmergencyStopTriggered, userID, "", "", map[string]any{
		"reason":            reason,
		"agentsStopped":     res.AgentsStopped,
		"commandsCancelled": res.CommandsCancelled,
	})
	return res
}

// Agents returns a snapshot of every known agent.
func (d *Dispatcher) Agents() []AgentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]AgentInfo, 0, len(d.agents))
	for _, st := range d.agents {
		info := AgentInfo{
			AgentID:      st.agentID,
			Status:       st.status,
			ConnID:       st.connID,
			AgentType:    st.agentType,
			Version:      st.version,
			Capabilities: st.capabilities,
			LastPing:     st.lastPing,
			QueueLen:     st.q.Len(),
		}
		if st.executing != nil {
			info.Executing = st.executing.ID
		}
		out = append(out, info)
	}
	return out
}

// QueuePositions returns the pending positions for one agent.
func (d *Dispatcher) QueuePositions(agentID string) []queue.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.agents[agentID]
	if !ok {
		return nil
	}
	return st.q.Positions(time.Now())
}

// findCommandLocked locates a command across all agents. queued reports
// whether it sits in a queue (true) or the executing slot (false).
func (d *Dispatcher) findCommandLocked(commandID string) (st *agentState, queued bool) {
	for _, a := range d.agents {
		if a.executing != nil && a.executing.ID == commandID {
			return a, false
		}
		if _, err := a.q.PositionOf(commandID); err == nil {
			return a, true
		}
	}
	return nil, false
}

// promoteLocked forwards the queue head to an idle agent. The command
// holds the executing slot from forward time but is not announced as
// executing until the agent acknowledges; submitters keep seeing it at
// position 1 until then.
func (d *Dispatcher) promoteLocked(st *agentState) []outFrame {
	if !st.online || st.executing != nil {
		return nil
	}
	cmd, ok := st.q.Pop()
	if !ok {
		return nil
	}

	st.executing = cmd
	st.acked = false
	st.execStarted = time.Now()
	st.execSeq = 0
	st.cancelPending = false

	timeout := d.cfg.ExecutionTimeout
	if cmd.Constraints.TimeLimitMs > 0 {
		timeout = time.Duration(cmd.Constraints.TimeLimitMs) * time.Millisecond
	}
	agentID := st.agentID
	commandID := cmd.ID
	st.execTimer = time.AfterFunc(timeout, func() {
		d.executionTimeout(agentID, commandID)
	})

	var out []outFrame
	if msg, err := protocol.NewMessage(protocol.TypeCommandRequest, protocol.CommandRequestPayload{
		CommandID:            cmd.ID,
		AgentID:              st.agentID,
		Content:              cmd.Command,
		Priority:             cmd.Priority,
		ExecutionConstraints: &cmd.Constraints,
	}); err == nil {
		out = append(out, outFrame{connID: st.connID, msg: msg})
	}
	return out
}

// unackedOffset is 1 while the forwarded head has not yet been confirmed
// executing; it still counts as position 1 for submitters.
func unackedOffset(st *agentState) int {
	if st.executing != nil && !st.acked {
		return 1
	}
	return 0
}

// executionTimeout fails an executing command that outlived its limit and
// asks the agent to stop it.
func (d *Dispatcher) executionTimeout(agentID, commandID string) {
	var out []outFrame

	d.mu.Lock()
	st, ok := d.agents[agentID]
	if ok && st.executing != nil && st.executing.ID == commandID {
		if st.connID != "" {
			if msg, err := protocol.NewMessage(protocol.TypeCommandCancel, protocol.CommandCancelPayload{
				CommandID: commandID,
				Reason:    "command timeout",
			}); err == nil {
				out = append(out, outFrame{connID: st.connID, msg: msg})
			}
		}
		out = append(out, d.finishLocked(st, protocol.StatusFailed, "command timeout")...)
	}
	d.mu.Unlock()

	d.flush(out)
}

// finishLocked moves the executing command to a terminal state and
// promotes the next one.
func (d *Dispatcher) finishLocked(st *agentState, status, reason string) []outFrame {
	out := d.finishNoPromoteLocked(st, status, reason)
	out = append(out, d.promoteLocked(st)...)
	return out
}

// finishNoPromoteLocked clears the executing slot without refilling it.
func (d *Dispatcher) finishNoPromoteLocked(st *agentState, status, reason string) []outFrame {
	cmd := st.executing
	if cmd == nil {
		return nil
	}
	st.executing = nil
	st.acked = false
	st.cancelPending = false
	if st.execTimer != nil {
		st.execTimer.Stop()
		st.execTimer = nil
	}
	if st.killTimer != nil {
		st.killTimer.Stop()
		st.killTimer = nil
	}
	if st.online {
		st.status = protocol.AgentOnline
	}

	return d.terminalFramesLocked(st, cmd, status, reason, st.execStarted)
}

// terminalFramesLocked builds the COMMAND_COMPLETE frames for a command
// reaching a terminal state and records the audit event.
func (d *Dispatcher) terminalFramesLocked(st *agentState, cmd *queue.Command, status, reason string, startedAt time.Time) []outFrame {
	now := time.Now()
	payload := protocol.CommandCompletePayload{
		CommandID:   cmd.ID,
		Status:      status,
		CompletedAt: now.UnixMilli(),
		Error:       reason,
	}
	if !startedAt.IsZero() {
		payload.StartedAt = startedAt.UnixMilli()
		payload.Duration = now.Sub(startedAt).Milliseconds()
	}

	var out []outFrame
	if msg, err := protocol.NewMessage(protocol.TypeCommandComplete, payload); err == nil {
		out = append(out, outFrame{connID: cmd.SubmitterConn, msg: msg})
		out = append(out, outFrame{agentID: st.agentID, kind: protocol.EventKindCommandStatus, msg: msg})
	}

	eventType := audit.EventCommandCompleted
	switch status {
	case protocol.StatusFailed:
		eventType = audit.EventCommandFailed
	case protocol.StatusCancelled:
		eventType = audit.EventCommandCancelled
	}
	d.audit(eventType, cmd.UserID, st.agentID, cmd.ID, map[string]any{
		"status": status,
		"reason": reason,
	})
	return out
}

// positionFramesLocked builds the re-indexed QUEUE_POSITION_UPDATE frames
// for every command still pending on the agent's queue. Each goes to its
// submitter directly and to the queue event stream.
func (d *Dispatcher) positionFramesLocked(st *agentState) []outFrame {
	offset := unackedOffset(st)
	var out []outFrame
	for i, cmd := range st.q.Snapshot() {
		msg, err := protocol.NewMessage(protocol.TypeQueuePositionUpdate, protocol.QueuePositionUpdatePayload{
			CommandID:     cmd.ID,
			QueuePosition: i + 1 + offset,
		})
		if err != nil {
			continue
		}
		if cmd.SubmitterConn != "" {
			out = append(out, outFrame{connID: cmd.SubmitterConn, msg: msg})
		}
		out = append(out, outFrame{agentID: st.agentID, kind: protocol.EventKindQueue, msg: msg})
	}
	return out
}

// armGraceLocked starts (or restarts) the grace window for an agent that
// went offline or unhealthy.
func (d *Dispatcher) armGraceLocked(st *agentState) {
	if st.graceTimer != nil {
		st.graceTimer.Stop()
	}
	agentID := st.agentID
	st.graceTimer = time.AfterFunc(d.cfg.GraceWindow, func() {
		d.graceExpired(agentID)
	})
}

// graceExpired fails everything still pending for an agent whose grace
// window ran out.
func (d *Dispatcher) graceExpired(agentID string) {
	var out []outFrame

	d.mu.Lock()
	st, ok := d.agents[agentID]
	if !ok || st.online {
		// Reconnected before the timer fired; the connect path already
		// cleaned up.
		d.mu.Unlock()
		return
	}
	st.graceTimer = nil
	if st.executing != nil {
		out = append(out, d.finishNoPromoteLocked(st, protocol.StatusFailed, "agent unavailable")...)
	}
	for _, cmd := range st.q.Drain() {
		out = append(out, d.terminalFramesLocked(st, cmd, protocol.StatusFailed, "agent unavailable", time.Time{})...)
	}
	d.mu.Unlock()

	d.flush(out)
}

// flush performs the deferred sends built under the lock.
func (d *Dispatcher) flush(frames []outFrame) {
	for _, f := range frames {
		if f.connID != "" {
			data, err := f.msg.Encode()
			if err != nil {
				continue
			}
			if err := d.sender.SendTo(f.connID, data); err != nil {
				d.log.Debug().Str("conn", f.connID).Err(err).Msg("dispatch send failed")
			}
			continue
		}
		if f.agentID != "" {
			d.pub.Publish(f.agentID, f.kind, f.msg)
		}
	}
}

func (d *Dispatcher) audit(t audit.EventType, userID, agentID, commandID string, details map[string]any) {
	if d.auditor == nil {
		return
	}
	d.auditor.Record(audit.Event{
		Type:      t,
		UserID:    userID,
		AgentID:   agentID,
		CommandID: commandID,
		Details:   details,
	})
}
