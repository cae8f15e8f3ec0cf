package cdp

import "sync"

// queue buffers CDP events between the rod event loop and the recorder
// goroutine. A documentUpdated marks the queue stale: the buffered events
// refer to node ids Chrome has already discarded.
type queue struct {
	mu     sync.Mutex
	events []any
	stale  bool
	max    int
	full   chan struct{}
}

func newQueue(max int) *queue {
	if max <= 0 {
		max = 1000
	}
	return &queue{max: max, full: make(chan struct{}, 1)}
}

func (q *queue) push(ev any) {
	q.mu.Lock()
	if q.stale {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, ev)
	n := len(q.events)
	q.mu.Unlock()
	if n >= q.max {
		select {
		case q.full <- struct{}{}:
		default:
		}
	}
}

func (q *queue) invalidate() {
	q.mu.Lock()
	q.stale = true
	q.events = nil
	q.mu.Unlock()
}

// take empties the queue. stale reports that the document must be
// reloaded instead of patched.
func (q *queue) take() (events []any, stale bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	events, stale = q.events, q.stale
	q.events, q.stale = nil, false
	return events, stale
}
