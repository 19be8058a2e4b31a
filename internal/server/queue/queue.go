// Package queue implements the per-agent bounded priority queue of
// pending commands.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentfleet/agentfleet/internal/protocol"
)

// DefaultMax is the queue depth bound unless configured otherwise.
const DefaultMax = 5

// EstimatedStartStep is the assumed per-command duration used for the
// estimated start time of a queued command.
const EstimatedStartStep = 30 * time.Second

// ErrNotFound is returned when a command id is not in the queue.
var ErrNotFound = errors.New("queue: command not found")

// FullError rejects an enqueue on a queue at capacity. It carries the
// bound so the error frame can echo it.
type FullError struct {
	Max int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("queue: full (max %d)", e.Max)
}

// Command is a queued command awaiting dispatch.
type Command struct {
	ID            string
	AgentID       string
	UserID        string
	SubmitterConn string // connection id of the submitting dashboard
	Command       string
	Priority      int
	Constraints   protocol.ExecutionConstraints
	EnqueuedAt    time.Time

	arrival uint64
}

// Position pairs a command id with its 1-indexed queue position and the
// estimated start time implied by that position.
type Position struct {
	CommandID      string
	Position       int
	EstimatedStart time.Time
}

// Queue holds the pending commands for one agent, ordered by priority
// (higher first), then arrival, then command id. Not safe for concurrent
// use; the dispatcher serializes access.
type Queue struct {
	max     int
	items   []*Command
	arrival uint64
}

// New creates a queue bounded at max entries (DefaultMax when max <= 0).
func New(max int) *Queue {
	if max <= 0 {
		max = DefaultMax
	}
	return &Queue{max: max}
}

// Max returns the queue's depth bound.
func (q *Queue) Max() int { return q.max }

// Len returns the number of pending commands.
func (q *Queue) Len() int { return len(q.items) }

// Enqueue inserts a command and returns its 1-indexed position. A queue
// at capacity rejects with *FullError.
func (q *Queue) Enqueue(cmd *Command) (int, error) {
	if len(q.items) >= q.max {
		return 0, &FullError{Max: q.max}
	}

	q.arrival++
	cmd.arrival = q.arrival
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now()
	}

	// Insert before the first entry this command outranks; equal-rank
	// entries keep arrival order.
	idx := len(q.items)
	for i, other := range q.items {
		if before(cmd, other) {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = cmd

	return idx + 1, nil
}

// before reports whether a outranks b: higher priority first, then
// earlier arrival, then lexicographically smaller command id.
func before(a, b *Command) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.arrival != b.arrival {
		return a.arrival < b.arrival
	}
	return a.ID < b.ID
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (*Command, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return head, true
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (*Command, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Remove deletes a command by id, returning it. Used for cancellation.
func (q *Queue) Remove(commandID string) (*Command, error) {
	for i, cmd := range q.items {
		if cmd.ID == commandID {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return cmd, nil
		}
	}
	return nil, ErrNotFound
}

// PositionOf returns the 1-indexed position of a command.
func (q *Queue) PositionOf(commandID string) (int, error) {
	for i, cmd := range q.items {
		if cmd.ID == commandID {
			return i + 1, nil
		}
	}
	return 0, ErrNotFound
}

// Drain removes and returns every pending command in queue order.
func (q *Queue) Drain() []*Command {
	out := q.items
	q.items = nil
	return out
}

// Positions returns the current 1-indexed positions and estimated start
// times of every pending command, relative to now.
func (q *Queue) Positions(now time.Time) []Position {
	out := make([]Position, len(q.items))
	for i, cmd := range q.items {
		out[i] = Position{
			CommandID:      cmd.ID,
			Position:       i + 1,
			EstimatedStart: EstimatedStart(now, i+1),
		}
	}
	return out
}

// Snapshot returns copies of the pending commands in queue order.
func (q *Queue) Snapshot() []Command {
	out := make([]Command, len(q.items))
	for i, cmd := range q.items {
		out[i] = *cmd
	}
	return out
}

// EstimatedStart computes the assumed start time for a 1-indexed queue
// position: each position ahead contributes one EstimatedStartStep.
func EstimatedStart(now time.Time, position int) time.Time {
	if position < 1 {
		position = 1
	}
	return now.Add(time.Duration(position-1) * EstimatedStartStep)
}
