package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/domreplay/horosafe"
	"github.com/hazyhaar/domreplay/internal/audit"
	"github.com/hazyhaar/domreplay/kit"
)

// audited records the outcome of a route in the audit trail. Responses
// with a 4xx or 5xx status are recorded as errors.
func (s *Server) audited(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.cfg.Audit == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			var err error
			if st := ww.Status(); st >= http.StatusBadRequest {
				err = fmt.Errorf("http %d", st)
			}
			params := map[string]any{"method": r.Method, "path": r.URL.Path, "bytes": r.ContentLength}
			s.cfg.Audit.Record(r.Context(), action, kit.GetSessionID(r.Context()), params, err, time.Since(start))
		})
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Action:    q.Get("action"),
		SessionID: q.Get("session"),
		Status:    q.Get("status"),
		Limit:     int(queryInt(r, "limit", 100)),
	}
	if f.SessionID != "" {
		if err := horosafe.ValidateIdentifier(f.SessionID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	entries, err := s.cfg.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
