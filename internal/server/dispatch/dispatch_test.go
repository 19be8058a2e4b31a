package dispatch

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/audit"
	"github.com/agentfleet/agentfleet/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	frames map[string][]*protocol.Message
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][]*protocol.Message)}
}

func (f *fakeSender) SendTo(connID string, frame []byte) error {
	var msg protocol.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames[connID] = append(f.frames[connID], &msg)
	f.mu.Unlock()
	return nil
}

// byType returns the messages of one kind sent to a connection.
func (f *fakeSender) byType(connID, msgType string) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.frames[connID] {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type published struct {
	agentID string
	kind    string
	msg     *protocol.Message
}

type fakePub struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePub) Publish(agentID, kind string, msg *protocol.Message) {
	f.mu.Lock()
	f.events = append(f.events, published{agentID, kind, msg})
	f.mu.Unlock()
}

func (f *fakePub) byKind(kind string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, e := range f.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeAuditor) Record(e audit.Event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeAuditor) byType(t audit.EventType) []audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	d      *Dispatcher
	sender *fakeSender
	pub    *fakePub
	aud    *fakeAuditor
}

func newHarness(cfg Config) *harness {
	h := &harness{sender: newFakeSender(), pub: &fakePub{}, aud: &fakeAuditor{}}
	h.d = New(zerolog.Nop(), cfg, h.sender, h.pub, h.aud)
	return h
}

func (h *harness) connectAgent(agentID, connID string) {
	h.d.AgentConnected(agentID, connID, protocol.AgentConnectPayload{
		AgentID: agentID,
		Version: "1.0.0",
	})
}

func (h *harness) submit(t *testing.T, dashConn, commandID, agentID string, priority int) *protocol.CommandAckPayload {
	t.Helper()
	ack, ep := h.d.Submit(dashConn, "user-1", protocol.CommandRequestPayload{
		CommandID: commandID,
		AgentID:   agentID,
		Content:   "echo " + commandID,
		Priority:  priority,
	})
	require.Nil(t, ep)
	require.NotNil(t, ack)
	return ack
}

func TestSubmitAcksQueuePositions(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.connectAgent("A1", "agent-conn")

	ack1 := h.submit(t, "dash", "C1", "A1", 1)
	ack2 := h.submit(t, "dash", "C2", "A1", 1)
	ack3 := h.submit(t, "dash", "C3", "A1", 1)

	assert.Equal(t, 1, ack1.QueuePosition)
	assert.Equal(t, 2, ack2.QueuePosition)
	assert.Equal(t, 3, ack3.QueuePosition)
	assert.Equal(t, protocol.StatusQueued, ack1.Status)
	assert.Equal(t, protocol.StatusQueued, ack3.Status)

	// C1 was forwarded to the agent immediately.
	reqs := h.sender.byType("agent-conn", protocol.TypeCommandRequest)
	require.Len(t, reqs, 1)

	// Once the agent confirms execution the rest are re-indexed.
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "C1", Status: protocol.StatusExecuting})

	updates := h.sender.byType("dash", protocol.TypeQueuePositionUpdate)
	require.Len(t, updates, 2)
	positions := map[string]int{}
	for _, u := range updates {
		var p protocol.QueuePositionUpdatePayload
		require.NoError(t, u.ParsePayload(&p))
		positions[p.CommandID] = p.QueuePosition
	}
	assert.Equal(t, map[string]int{"C2": 1, "C3": 2}, positions)
}

func TestPriorityPreemption(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.connectAgent("A1", "agent-conn")

	h.submit(t, "dash", "low", "A1", 1)
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "low", Status: protocol.StatusExecuting})

	ackHigh := h.submit(t, "dash", "high", "A1", 10)
	assert.Equal(t, 1, ackHigh.QueuePosition, "queued behind the running command")

	ep := h.d.Cancel("user-1", "low", "user cancel")
	require.Nil(t, ep)

	cancels := h.sender.byType("agent-conn", protocol.TypeCommandCancel)
	require.Len(t, cancels, 1)

	// The agent confirms the cancel; high promotes.
	h.d.HandleCommandComplete("A1", protocol.CommandCompletePayload{
		CommandID: "low",
		Status:    protocol.StatusCancelled,
	})

	reqs := h.sender.byType("agent-conn", protocol.TypeCommandRequest)
	require.Len(t, reqs, 2)
	var p protocol.CommandRequestPayload
	require.NoError(t, reqs[1].ParsePayload(&p))
	assert.Equal(t, "high", p.CommandID)
}

func TestCancelQueuedReindexes(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.connectAgent("A1", "agent-conn")

	h.submit(t, "dash", "C1", "A1", 1)
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "C1", Status: protocol.StatusExecuting})
	h.submit(t, "dash", "C2", "A1", 1)
	h.submit(t, "dash", "C3", "A1", 1)

	ep := h.d.Cancel("user-1", "C2", "changed my mind")
	require.Nil(t, ep)

	// C2 reached a terminal state.
	completes := h.sender.byType("dash", protocol.TypeCommandComplete)
	require.Len(t, completes, 1)
	var cp protocol.CommandCompletePayload
	require.NoError(t, completes[0].ParsePayload(&cp))
	assert.Equal(t, "C2", cp.CommandID)
	assert.Equal(t, protocol.StatusCancelled, cp.Status)

	// C3 moved up to position 1.
	updates := h.sender.byType("dash", protocol.TypeQueuePositionUpdate)
	require.NotEmpty(t, updates)
	var last protocol.QueuePositionUpdatePayload
	require.NoError(t, updates[len(updates)-1].ParsePayload(&last))
	assert.Equal(t, "C3", last.CommandID)
	assert.Equal(t, 1, last.QueuePosition)
}

func TestQueueFullEchoesConfiguredMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueMax = 2
	h := newHarness(cfg)
	h.connectAgent("A1", "agent-conn")

	// The forwarded head counts against the bound while unconfirmed.
	h.submit(t, "dash", "C0", "A1", 1)
	h.submit(t, "dash", "C1", "A1", 1)

	_, ep := h.d.Submit("dash", "user-1", protocol.CommandRequestPayload{
		CommandID: "C2", AgentID: "A1", Content: "echo C2", Priority: 1,
	})
	require.NotNil(t, ep)
	assert.Equal(t, protocol.CodeQueueFull, ep.Code)
	assert.EqualValues(t, 2, ep.Details["maxQueueSize"])
}

func TestSubmitToOfflineAgent(t *testing.T) {
	h := newHarness(DefaultConfig())

	_, ep := h.d.Submit("dash", "user-1", protocol.CommandRequestPayload{
		CommandID: "C1", AgentID: "ghost", Content: "echo hi",
	})
	require.NotNil(t, ep)
	assert.Equal(t, protocol.CodeAgentOffline, ep.Code)
}

func TestCancelUnknownCommand(t *testing.T) {
	h := newHarness(DefaultConfig())
	ep := h.d.Cancel("user-1", "nope", "reason")
	require.NotNil(t, ep)
	assert.Equal(t, protocol.CodeCommandNotFound, ep.Code)
}

func TestEmergencyStopCancelsEverythingOnce(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.connectAgent("A1", "conn-a1")
	h.connectAgent("A2", "conn-a2")

	// Each agent: one executing, one queued.
	h.submit(t, "dash", "A1-run", "A1", 1)
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "A1-run", Status: protocol.StatusExecuting})
	h.submit(t, "dash", "A1-wait", "A1", 1)
	h.submit(t, "dash", "A2-run", "A2", 1)
	h.d.HandleCommandAck("A2", protocol.CommandAckPayload{CommandID: "A2-run", Status: protocol.StatusExecuting})
	h.submit(t, "dash", "A2-wait", "A2", 1)

	res := h.d.EmergencyStop("user-1", "fire drill")
	assert.True(t, res.Executed)
	assert.Equal(t, 2, res.AgentsStopped)
	assert.Equal(t, 4, res.CommandsCancelled)

	// Both agents received a cancel for their executing command.
	assert.Len(t, h.sender.byType("conn-a1", protocol.TypeCommandCancel), 1)
	assert.Len(t, h.sender.byType("conn-a2", protocol.TypeCommandCancel), 1)

	// All four commands reached cancelled.
	completes := h.sender.byType("dash", protocol.TypeCommandComplete)
	require.Len(t, completes, 4)
	for _, m := range completes {
		var p protocol.CommandCompletePayload
		require.NoError(t, m.ParsePayload(&p))
		assert.Equal(t, protocol.StatusCancelled, p.Status)
	}

	// Re-invocation inside the window is a no-op with no second audit event.
	res2 := h.d.EmergencyStop("user-1", "again")
	assert.False(t, res2.Executed)
	assert.Equal(t, 0, res2.CommandsCancelled)

	stops := h.aud.byType(audit.EventEmergencyStopTriggered)
	require.Len(t, stops, 1)
	assert.EqualValues(t, 2, stops[0].Details["agentsStopped"])
	assert.EqualValues(t, 4, stops[0].Details["commandsCancelled"])
}

func TestGraceWindowFailsPendingWork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GraceWindow = 20 * time.Millisecond
	h := newHarness(cfg)
	h.connectAgent("A1", "agent-conn")

	h.submit(t, "dash", "C1", "A1", 1)
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "C1", Status: protocol.StatusExecuting})
	h.submit(t, "dash", "C2", "A1", 1)

	h.d.AgentDisconnected("A1", "socket closed")

	require.Eventually(t, func() bool {
		return len(h.sender.byType("dash", protocol.TypeCommandComplete)) == 2
	}, time.Second, 5*time.Millisecond)

	for _, m := range h.sender.byType("dash", protocol.TypeCommandComplete) {
		var p protocol.CommandCompletePayload
		require.NoError(t, m.ParsePayload(&p))
		assert.Equal(t, protocol.StatusFailed, p.Status)
		assert.Equal(t, "agent unavailable", p.Error)
	}
}

func TestReconnectWithinGraceKeepsQueue(t *testing.T) {
	h := newHarness(DefaultConfig()) // 60s grace, never expires in-test
	h.connectAgent("A1", "conn-1")

	h.submit(t, "dash", "C1", "A1", 1)
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "C1", Status: protocol.StatusExecuting})
	h.submit(t, "dash", "C2", "A1", 1)

	h.d.AgentDisconnected("A1", "socket closed")
	h.connectAgent("A1", "conn-2")

	// The mid-flight command cannot resume; the queued one survives and is
	// forwarded on the new socket.
	completes := h.sender.byType("dash", protocol.TypeCommandComplete)
	require.Len(t, completes, 1)
	var p protocol.CommandCompletePayload
	require.NoError(t, completes[0].ParsePayload(&p))
	assert.Equal(t, "C1", p.CommandID)
	assert.Equal(t, protocol.StatusFailed, p.Status)
	assert.Equal(t, "agent disconnect", p.Error)

	reqs := h.sender.byType("conn-2", protocol.TypeCommandRequest)
	require.Len(t, reqs, 1)
	var rp protocol.CommandRequestPayload
	require.NoError(t, reqs[0].ParsePayload(&rp))
	assert.Equal(t, "C2", rp.CommandID)
}

func TestExecutionConstraintTimeout(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.connectAgent("A1", "agent-conn")

	ack, ep := h.d.Submit("dash", "user-1", protocol.CommandRequestPayload{
		CommandID:            "C1",
		AgentID:              "A1",
		Content:              "sleep 999",
		ExecutionConstraints: &protocol.ExecutionConstraints{TimeLimitMs: 20},
	})
	require.Nil(t, ep)
	require.NotNil(t, ack)
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "C1", Status: protocol.StatusExecuting})

	require.Eventually(t, func() bool {
		return len(h.sender.byType("dash", protocol.TypeCommandComplete)) == 1
	}, time.Second, 5*time.Millisecond)

	var p protocol.CommandCompletePayload
	require.NoError(t, h.sender.byType("dash", protocol.TypeCommandComplete)[0].ParsePayload(&p))
	assert.Equal(t, protocol.StatusFailed, p.Status)
	assert.Equal(t, "command timeout", p.Error)
	assert.Len(t, h.sender.byType("agent-conn", protocol.TypeCommandCancel), 1)
}

func TestForceKillAfterUnconfirmedCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForceKillTimeout = 20 * time.Millisecond
	h := newHarness(cfg)
	h.connectAgent("A1", "agent-conn")

	h.submit(t, "dash", "C1", "A1", 1)
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "C1", Status: protocol.StatusExecuting})

	require.Nil(t, h.d.Cancel("user-1", "C1", "user cancel"))

	// The agent never confirms; the force-kill timer finalizes it.
	require.Eventually(t, func() bool {
		return len(h.sender.byType("dash", protocol.TypeCommandComplete)) == 1
	}, time.Second, 5*time.Millisecond)

	var p protocol.CommandCompletePayload
	require.NoError(t, h.sender.byType("dash", protocol.TypeCommandComplete)[0].ParsePayload(&p))
	assert.Equal(t, protocol.StatusCancelled, p.Status)
}

func TestTerminalOutputResequenced(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.connectAgent("A1", "agent-conn")
	h.submit(t, "dash", "C1", "A1", 1)

	// Agent-reported sequences are untrusted and re-stamped.
	for _, seq := range []uint64{7, 7, 42} {
		h.d.HandleTerminalOutput("A1", protocol.TerminalOutputPayload{
			CommandID: "C1",
			Output:    "line",
			Stream:    "stdout",
			Sequence:  seq,
		})
	}

	frames := h.pub.byKind(protocol.EventKindTerminal)
	require.Len(t, frames, 3)
	for i, f := range frames {
		var p protocol.TerminalOutputPayload
		require.NoError(t, f.msg.ParsePayload(&p))
		assert.Equal(t, uint64(i+1), p.Sequence)
		assert.Equal(t, "A1", p.AgentID)
	}

	// Output for an unknown command is dropped.
	h.d.HandleTerminalOutput("A1", protocol.TerminalOutputPayload{CommandID: "ghost", Output: "x", Stream: "stdout"})
	assert.Len(t, h.pub.byKind(protocol.EventKindTerminal), 3)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.connectAgent("A1", "agent-conn")
	h.submit(t, "dash", "C1", "A1", 1)
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "C1", Status: protocol.StatusExecuting})

	exitCode := 0
	h.d.HandleCommandComplete("A1", protocol.CommandCompletePayload{
		CommandID: "C1", Status: protocol.StatusCompleted, ExitCode: &exitCode,
	})
	require.Len(t, h.sender.byType("dash", protocol.TypeCommandComplete), 1)

	// A second completion for the same command is ignored.
	h.d.HandleCommandComplete("A1", protocol.CommandCompletePayload{
		CommandID: "C1", Status: protocol.StatusFailed,
	})
	assert.Len(t, h.sender.byType("dash", protocol.TypeCommandComplete), 1)
}

func TestFatalAgentErrorStartsGracePolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GraceWindow = 20 * time.Millisecond
	h := newHarness(cfg)
	h.connectAgent("A1", "agent-conn")
	h.submit(t, "dash", "C1", "A1", 1)
	h.d.HandleCommandAck("A1", protocol.CommandAckPayload{CommandID: "C1", Status: protocol.StatusExecuting})
	h.submit(t, "dash", "C2", "A1", 1)

	h.d.HandleAgentError("A1", protocol.AgentErrorPayload{Code: "OOM", Message: "out of memory", Fatal: true})

	// Executing fails immediately, queued after the grace window.
	require.Eventually(t, func() bool {
		return len(h.sender.byType("dash", protocol.TypeCommandComplete)) == 2
	}, time.Second, 5*time.Millisecond)

	assert.NotEmpty(t, h.aud.byType(audit.EventSecurityAlert))
}
