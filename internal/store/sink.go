package store

import (
	"context"
	"sync"

	"github.com/hazyhaar/domreplay/internal/sink"
	"github.com/hazyhaar/domreplay/mutation"
)

// Sink writes envelopes into a Store, creating sessions on first sight.
// A Meta event also records the page URL on the session.
type Sink struct {
	store *Store
	mu    sync.Mutex
	known map[string]bool
}

var _ sink.Sink = (*Sink)(nil)

// NewSink returns a sink over s.
func NewSink(s *Store) *Sink {
	return &Sink{store: s, known: make(map[string]bool)}
}

func (k *Sink) Send(ctx context.Context, env sink.Envelope) error {
	k.mu.Lock()
	seen := k.known[env.SessionID]
	k.mu.Unlock()
	if !seen {
		if err := k.store.EnsureSession(ctx, env.SessionID, ""); err != nil {
			return err
		}
		k.mu.Lock()
		k.known[env.SessionID] = true
		k.mu.Unlock()
	}
	if env.Event.Type == mutation.Meta {
		if m, ok := env.Event.Data.(*mutation.MetaData); ok && m.Href != "" {
			if err := k.store.SetSessionURL(ctx, env.SessionID, m.Href); err != nil {
				return err
			}
		}
	}
	return k.store.AppendEvent(ctx, env.SessionID, env.Seq, &env.Event)
}

// Close leaves the store open; its owner closes it.
func (k *Sink) Close() error { return nil }
