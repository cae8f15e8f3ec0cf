package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/domreplay/horosafe"
	"github.com/hazyhaar/domreplay/idgen"
	"github.com/hazyhaar/domreplay/internal/store"
	"github.com/hazyhaar/domreplay/kit"
	"github.com/hazyhaar/domreplay/mutation"
	"github.com/hazyhaar/domreplay/pack"
)

// validSession rejects malformed session ids and tags the context.
func validSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := horosafe.ValidateIdentifier(id); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(kit.WithSessionID(r.Context(), id)))
	})
}

type createSessionRequest struct {
	ID   string          `json:"id"`
	URL  string          `json:"url"`
	Meta json.RawMessage `json:"meta"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.ID == "" {
		req.ID = idgen.NewSession()
	} else if err := horosafe.ValidateIdentifier(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Meta) > 0 && !json.Valid(req.Meta) {
		writeError(w, http.StatusBadRequest, errors.New("meta is not valid JSON"))
		return
	}
	sess := &store.Session{ID: req.ID, URL: req.URL, Meta: req.Meta}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		if _, getErr := s.store.GetSession(r.Context(), req.ID); getErr == nil {
			writeError(w, http.StatusConflict, fmt.Errorf("session %s already exists", req.ID))
			return
		}
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSessions(r.Context(), int(queryInt(r, "limit", 100)))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if list == nil {
		list = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), kit.GetSessionID(r.Context()))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := kit.GetSessionID(r.Context())
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.replays.drop(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := kit.GetSessionID(r.Context())
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	recs, err := s.store.ListEvents(r.Context(), id, queryInt(r, "after", 0), int(queryInt(r, "limit", 0)))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type ingestResponse struct {
	Count   int   `json:"count"`
	LastSeq int64 `json:"last_seq"`
}

// handleIngest appends events to an existing session. The body is a JSON
// array of events, one or more JSON events (newline-delimited), or a single
// packed event.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id := kit.GetSessionID(r.Context())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := decodeEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no events"))
		return
	}
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	for _, e := range events {
		if e.Type == mutation.Meta {
			if m, ok := e.Data.(*mutation.MetaData); ok && m.Href != "" {
				if err := s.store.SetSessionURL(r.Context(), id, m.Href); err != nil {
					s.writeStoreError(w, r, err)
					return
				}
			}
		}
	}
	last, err := s.store.AppendEvents(r.Context(), id, events)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	for _, e := range events {
		s.cfg.Metrics.EventIngested(e.Type)
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Count: len(events), LastSeq: last})
}

func decodeEvents(body []byte) ([]*mutation.Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return unmarshalAll(raws)
	case '{':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		var raws []json.RawMessage
		for {
			var raw json.RawMessage
			err := dec.Decode(&raw)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("decode events: %w", err)
			}
			raws = append(raws, raw)
		}
		return unmarshalAll(raws)
	}
	e, err := pack.Unpack(body)
	if err != nil {
		return nil, err
	}
	return []*mutation.Event{e}, nil
}

func unmarshalAll(raws []json.RawMessage) ([]*mutation.Event, error) {
	out := make([]*mutation.Event, 0, len(raws))
	for i, raw := range raws {
		e, err := mutation.UnmarshalEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}
