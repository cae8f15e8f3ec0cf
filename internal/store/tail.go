package store

import (
	"context"
	"time"

	"github.com/hazyhaar/domreplay/watch"
)

// Tail calls fn with every event appended to a session after seq from,
// polling every interval, until ctx is done.
func (s *Store) Tail(ctx context.Context, sessionID string, from int64, interval time.Duration, fn func([]Record) error) error {
	w := watch.New(s.DB, watch.Options{
		Interval: interval,
		Detector: watch.Query(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID),
		Start:    from,
		Logger:   s.log,
	})
	return w.Run(ctx, func(ctx context.Context, after, to int64) error {
		recs, err := s.query(ctx,
			`SELECT seq, payload FROM events WHERE session_id = ? AND seq > ? AND seq <= ? ORDER BY seq`,
			sessionID, after, to)
		if err != nil {
			return err
		}
		return fn(recs)
	})
}
