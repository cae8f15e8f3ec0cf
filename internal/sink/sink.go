// Package sink delivers recorded events to their destinations.
package sink

import (
	"context"

	"github.com/hazyhaar/domreplay/mutation"
)

// Envelope is one event of a session, numbered in emission order.
type Envelope struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Event     mutation.Event `json:"event"`
}

// Sink is the output interface. Implementations must be safe for use by
// one sender goroutine; Router and Stdout also tolerate concurrent senders.
type Sink interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}
