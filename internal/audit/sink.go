package audit

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sink decouples the hot path from audit persistence: Record never blocks,
// a single writer goroutine drains the buffer into the store. Overflow is
// counted, not retried.
type Sink struct {
	log     zerolog.Logger
	store   *Store
	events  chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// DefaultBuffer is the sink's channel capacity.
const DefaultBuffer = 256

// NewSink creates a sink over the given store and starts its writer.
func NewSink(log zerolog.Logger, store *Store, buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Sink{
		log:    log.With().Str("component", "audit").Logger(),
		store:  store,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues an event for persistence. It never blocks; when the
// buffer is full the event is dropped and counted.
func (s *Sink) Record(e Event) {
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
		s.log.Warn().Str("type", string(e.Type)).Msg("audit buffer full, event dropped")
	}
}

// Dropped returns the number of events lost to buffer overflow.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Query proxies to the underlying store.
func (s *Sink) Query(f Filter) ([]Event, error) {
	return s.store.Query(f)
}

// Close drains buffered events and stops the writer.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
		<-s.done
	})
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.events {
		if err := s.store.Append(e); err != nil {
			s.log.Error().Err(err).Str("type", string(e.Type)).Msg("failed to append audit event")
		}
	}
}
