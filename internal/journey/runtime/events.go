package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is a normalized engine event. Data carries event-specific fields; the
// engine never reads an event back after emitting it.
type Event struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Event types emitted by the engine.
const (
	EventContextTruncated = "context.truncated"
	EventContextCacheHit  = "context.cache_hit"
	EventStepStarted      = "step.started"
	EventStepFinished     = "step.finished"
	EventLLMAttempt       = "llm.attempt"
	EventLLMRetrySleep    = "llm.retry_sleep"
	EventDecisionResolved = "decision.resolved"
	EventCheckpointOpened = "checkpoint.opened"
	EventMetrics          = "metrics.capability"
	EventSafetyViolation  = "safety.violation"
	EventSinkDropped      = "sink.dropped"
)

func NewEvent(eventType string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:   ulid.Make().String(),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: data,
	}
}

// EventSink receives engine events. Emit must not block the step for long and
// must be safe for concurrent use; delivery order within one step invocation
// follows emission order.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// ChanSink delivers events over a bounded channel. When the buffer is full the
// event is dropped and the drop counter incremented; a slow subscriber must not
// stall step execution.
type ChanSink struct {
	ch      chan Event
	dropped atomic.Int64

	closeOnce sync.Once
}

func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

func (s *ChanSink) Emit(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the sink.
func (s *ChanSink) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded due to a full buffer.
func (s *ChanSink) Dropped() int64 { return s.dropped.Load() }

// Close closes the channel. Emit must not be called after Close.
func (s *ChanSink) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}
