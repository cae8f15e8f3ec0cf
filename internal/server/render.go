package server

import (
	"context"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/export"
	"github.com/hazyhaar/domreplay/internal/store"
	"github.com/hazyhaar/domreplay/kit"
	"github.com/hazyhaar/domreplay/replay"
	"github.com/hazyhaar/domreplay/shield"
)

// cachedReplay is a folded session and the last seq folded into it.
type cachedReplay struct {
	mu   sync.Mutex
	sess *replay.Session
	seq  int64
}

// replayCache keeps recently rendered sessions so a render only folds the
// events appended since the previous one.
type replayCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *cachedReplay]
}

func newReplayCache(size int) *replayCache {
	entries, err := lru.New[string, *cachedReplay](size)
	if err != nil {
		// only a non-positive size fails
		panic(err)
	}
	return &replayCache{entries: entries}
}

// get returns the entry of a session, creating it when absent. The second
// result reports whether it was already cached.
func (c *replayCache) get(id string) (*cachedReplay, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Get(id); ok {
		return e, true
	}
	e := &cachedReplay{}
	c.entries.Add(id, e)
	return e, false
}

func (c *replayCache) drop(id string) {
	c.entries.Remove(id)
}

func (c *replayCache) len() int { return c.entries.Len() }

// render brings the cached replay of a session up to date and runs fn on
// its document.
func (s *Server) render(ctx context.Context, id string, fn func(doc *dom.Document) error) error {
	entry, warm := s.replays.get(id)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	var (
		recs []store.Record
		err  error
	)
	if !warm || entry.sess == nil {
		recs, err = s.store.Replayable(ctx, id)
		entry.sess = replay.NewSession(replay.Config{
			Plugins:    []replay.Plugin{replay.NewSequentialIDChecker(s.log)},
			HoverCache: s.hover,
			Metrics:    s.cfg.Metrics,
			Logger:     s.log,
		})
		entry.seq = 0
	} else {
		if _, err = s.store.GetSession(ctx, id); err == nil {
			recs, err = s.store.ListEvents(ctx, id, entry.seq, 0)
		}
	}
	if err != nil {
		entry.sess = nil
		s.replays.drop(id)
		return err
	}
	if len(recs) > 0 {
		entry.sess.Apply(store.Events(recs)...)
		entry.seq = recs[len(recs)-1].Seq
	}

	var out error
	entry.sess.With(func(doc *dom.Document) { out = fn(doc) })
	return out
}

// ReplayHTML returns the rebuilt document of a session. safe strips it
// through the sanitizing policy.
func (s *Server) ReplayHTML(ctx context.Context, id string, safe bool) (string, error) {
	var out string
	err := s.render(ctx, id, func(doc *dom.Document) error {
		var err error
		if safe {
			out, err = export.SafeHTML(doc)
		} else {
			out, err = export.HTML(doc)
		}
		return err
	})
	return out, err
}

// ReplayMarkdown returns the rebuilt document of a session as Markdown.
func (s *Server) ReplayMarkdown(ctx context.Context, id string) (string, error) {
	var out string
	err := s.render(ctx, id, func(doc *dom.Document) error {
		var err error
		out, err = export.Markdown(doc)
		return err
	})
	return out, err
}

func (s *Server) handleHTML(w http.ResponseWriter, r *http.Request) {
	safe := r.URL.Query().Get("safe") == "1"
	out, err := s.ReplayHTML(r.Context(), kit.GetSessionID(r.Context()), safe)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Security-Policy", shield.ReplayCSP)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(out))
}

func (s *Server) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	out, err := s.ReplayMarkdown(r.Context(), kit.GetSessionID(r.Context()))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(out))
}
