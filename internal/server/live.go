package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/domreplay/internal/store"
	"github.com/hazyhaar/domreplay/kit"
	"github.com/hazyhaar/domreplay/shield"
)

const liveWriteTimeout = 10 * time.Second

var errClientGone = errors.New("live: client closed")

// handleLive streams a session over a websocket, one store.Record per text
// message. Without ?after it starts with the replayable events so a
// client can rebuild the page; with ?after=N it sends what follows seq N.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := kit.GetSessionID(r.Context())
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	after := queryInt(r, "after", -1)
	log := shield.GetLogger(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("server: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	g, ctx := errgroup.WithContext(r.Context())
	// Reads only watch for the close frame.
	g.Go(func() error {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return errClientGone
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error {
		send := func(recs []store.Record) error {
			for _, rec := range recs {
				conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := conn.WriteJSON(rec); err != nil {
					return err
				}
			}
			return nil
		}
		if after < 0 {
			recs, err := s.store.Replayable(ctx, id)
			if err != nil {
				return err
			}
			if err := send(recs); err != nil {
				return err
			}
			after = 0
			if len(recs) > 0 {
				after = recs[len(recs)-1].Seq
			}
		}
		return s.store.Tail(ctx, id, after, s.cfg.LiveInterval, send)
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errClientGone), errors.Is(err, context.Canceled):
		log.Debug("server: live tail closed", "session", id)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
	default:
		log.Warn("server: live tail failed", "session", id, "error", err)
	}
}
