package agent

import (
	"bufio"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/protocol"
)

// gracePeriod is how long a cancelled command gets to exit on SIGTERM
// before the whole process group is killed.
const gracePeriod = 5 * time.Second

// sendFunc delivers one frame to the server.
type sendFunc func(msgType string, payload any) error

// Executor runs one command at a time under `sh -c`, streaming each
// output line as a TERMINAL_OUTPUT frame with a per-command sequence.
type Executor struct {
	log     zerolog.Logger
	agentID string
	send    sendFunc

	mu        sync.Mutex
	running   string // command id, empty when idle
	cancelled bool
	cancel    context.CancelFunc
	pgid      int
}

// NewExecutor creates an executor.
func NewExecutor(log zerolog.Logger, agentID string, send sendFunc) *Executor {
	return &Executor{
		log:     log.With().Str("component", "executor").Logger(),
		agentID: agentID,
		send:    send,
	}
}

// Busy reports whether a command is running.
func (e *Executor) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running != ""
}

// Execute runs one command to completion, emitting COMMAND_ACK, a stream
// of TERMINAL_OUTPUT, and a final COMMAND_COMPLETE.
func (e *Executor) Execute(ctx context.Context, req protocol.CommandRequestPayload) {
	e.mu.Lock()
	if e.running != "" {
		e.mu.Unlock()
		e.sendComplete(req.CommandID, protocol.StatusFailed, nil, time.Now(), "agent busy")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	if req.ExecutionConstraints != nil && req.ExecutionConstraints.TimeLimitMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.ExecutionConstraints.TimeLimitMs)*time.Millisecond)
	}
	e.running = req.CommandID
	e.cancelled = false
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.running = ""
		e.cancel = nil
		e.pgid = 0
		e.mu.Unlock()
	}()

	startedAt := time.Now()
	if err := e.send(protocol.TypeCommandAck, protocol.CommandAckPayload{
		CommandID: req.CommandID,
		Status:    protocol.StatusExecuting,
	}); err != nil {
		e.log.Debug().Err(err).Msg("failed to send ack")
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", req.Content)
	// Own process group so cancellation kills the whole command tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.sendComplete(req.CommandID, protocol.StatusFailed, nil, startedAt, err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.sendComplete(req.CommandID, protocol.StatusFailed, nil, startedAt, err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		e.sendComplete(req.CommandID, protocol.StatusFailed, nil, startedAt, err.Error())
		return
	}

	e.mu.Lock()
	e.pgid = cmd.Process.Pid
	e.mu.Unlock()

	// One sequence counter shared by both streams; line order within a
	// stream is preserved, the counter serializes across streams.
	var seqMu sync.Mutex
	var seq uint64
	emit := func(line, stream string) {
		seqMu.Lock()
		seq++
		n := seq
		seqMu.Unlock()
		_ = e.send(protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{
			CommandID: req.CommandID,
			AgentID:   e.agentID,
			Output:    line,
			Stream:    stream,
			Sequence:  n,
			Timestamp: time.Now().UnixMilli(),
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			emit(scanner.Text(), "stdout")
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			emit(scanner.Text(), "stderr")
		}
	}()

	wg.Wait()
	err = cmd.Wait()

	e.mu.Lock()
	wasCancelled := e.cancelled
	e.mu.Unlock()

	exitCode := 0
	errMsg := ""
	status := protocol.StatusCompleted
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		errMsg = err.Error()
		status = protocol.StatusFailed
	}
	switch {
	case wasCancelled:
		status = protocol.StatusCancelled
		errMsg = "cancelled"
	case runCtx.Err() == context.DeadlineExceeded:
		status = protocol.StatusFailed
		errMsg = "command timeout"
	}

	e.sendComplete(req.CommandID, status, &exitCode, startedAt, errMsg)
}

// Cancel stops the running command: SIGTERM to the process group, then
// SIGKILL after the grace period.
func (e *Executor) Cancel(commandID, reason string) {
	e.mu.Lock()
	if e.running != commandID || e.pgid == 0 {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	pgid := e.pgid
	e.mu.Unlock()

	e.log.Info().Str("command", commandID).Str("reason", reason).Msg("cancelling command")
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	time.AfterFunc(gracePeriod, func() {
		e.mu.Lock()
		stillRunning := e.running == commandID
		e.mu.Unlock()
		if stillRunning {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	})
}

func (e *Executor) sendComplete(commandID, status string, exitCode *int, startedAt time.Time, errMsg string) {
	now := time.Now()
	_ = e.send(protocol.TypeCommandComplete, protocol.CommandCompletePayload{
		CommandID:   commandID,
		Status:      status,
		ExitCode:    exitCode,
		Duration:    now.Sub(startedAt).Milliseconds(),
		StartedAt:   startedAt.UnixMilli(),
		CompletedAt: now.UnixMilli(),
		Error:       errMsg,
	})
}
