package recorder

import "github.com/hazyhaar/domreplay/mutation"

// SequentialIDPlugin is the name shared by the recording and replay halves
// of the sequential-id plugin.
const SequentialIDPlugin = "sequential-id@1"

// SequentialID stamps every event with an id one above the previous, from
// 1. A replayer checking the ids sees dropped or reordered events.
type SequentialID struct {
	last int64
}

// NewSequentialID returns a stamper starting at 1.
func NewSequentialID() *SequentialID { return &SequentialID{} }

func (*SequentialID) Name() string { return SequentialIDPlugin }

func (*SequentialID) OnEvent(mutation.Event) {}

// Process sets e.ID. It runs on the recording goroutine only.
func (s *SequentialID) Process(e mutation.Event) mutation.Event {
	s.last++
	e.ID = s.last
	return e
}
