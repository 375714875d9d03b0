package orchestrator

import (
	"context"
	"sync"

	"github.com/haasonsaas/chatos/pkg/models"
)

// EventSink receives the turn's stream events. The SSE layer adapts its
// sender; the sub-agent router nests a sink that forwards to the parent
// turn's stream.
type EventSink interface {
	// Event emits one named event. Implementations add the envelope.
	Event(event models.StreamEventType, fields map[string]any)
	// Raw emits a pre-serialized payload verbatim (the suggest-sub-agent
	// escape hatch re-emits tool output this way).
	Raw(text string)
}

type sinkContextKey struct{}

// WithSink attaches the turn's sink to the call context so code reached
// through tool execution can mirror progress onto the caller's stream.
func WithSink(ctx context.Context, sink EventSink) context.Context {
	return context.WithValue(ctx, sinkContextKey{}, sink)
}

// SinkFrom returns the sink attached by WithSink, or nil.
func SinkFrom(ctx context.Context) EventSink {
	sink, _ := ctx.Value(sinkContextKey{}).(EventSink)
	return sink
}

// NopSink discards everything. Used by the background summary worker.
type NopSink struct{}

func (NopSink) Event(models.StreamEventType, map[string]any) {}
func (NopSink) Raw(string)                                   {}

// CollectSink records events in order, for tests and job logs.
type CollectSink struct {
	mu     sync.Mutex
	events []CollectedEvent
}

// CollectedEvent is one recorded emission. Raw payloads have Raw set and an
// empty Event.
type CollectedEvent struct {
	Event  models.StreamEventType
	Fields map[string]any
	Raw    string
}

func (s *CollectSink) Event(event models.StreamEventType, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, CollectedEvent{Event: event, Fields: fields})
}

func (s *CollectSink) Raw(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, CollectedEvent{Raw: text})
}

// Events returns a snapshot of everything recorded so far.
func (s *CollectSink) Events() []CollectedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CollectedEvent, len(s.events))
	copy(out, s.events)
	return out
}

// SessionLocks serializes turns per session id.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: map[string]*sync.Mutex{}}
}

// Lock acquires the session's mutex and returns the unlock function.
func (s *SessionLocks) Lock(sessionID string) func() {
	s.mu.Lock()
	m, ok := s.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[sessionID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}
