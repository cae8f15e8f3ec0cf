package replay

import (
	"sync"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/mutation"
)

// Session serializes access to an Engine so HTTP handlers and a live feed
// can share one replay.
type Session struct {
	mu     sync.Mutex
	engine *Engine
	last   int64
}

// NewSession wraps a fresh engine.
func NewSession(cfg Config) *Session {
	return &Session{engine: NewEngine(cfg)}
}

// Apply folds events in order and remembers the last timestamp.
func (s *Session) Apply(events ...mutation.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.engine.Apply(ev)
		if ev.Timestamp > s.last {
			s.last = ev.Timestamp
		}
	}
}

// LastTimestamp returns the newest timestamp applied.
func (s *Session) LastTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// HTML renders the current document.
func (s *Session) HTML() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.HTML()
}

// With runs fn while holding the session lock. fn must not keep doc.
func (s *Session) With(fn func(doc *dom.Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.engine.Document())
}

// Replay folds events into a fresh engine and returns its document.
func Replay(events []mutation.Event, cfg Config) *dom.Document {
	e := NewEngine(cfg)
	for _, ev := range events {
		e.Apply(ev)
	}
	return e.Document()
}
