package server

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domreplay/horosafe"
	"github.com/hazyhaar/domreplay/internal/audit"
	"github.com/hazyhaar/domreplay/internal/store"
	"github.com/hazyhaar/domreplay/kit"
)

// RegisterMCP registers the domreplay tools on srv.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	logged := func(name string) kit.Middleware {
		return kit.Chain(kit.Logging(s.log, name), audit.Middleware(s.cfg.Audit, name))
	}

	kit.RegisterMCPTool[listSessionsRequest](srv, &mcp.Tool{
		Name:        "domreplay_list_sessions",
		Description: "List recorded sessions, newest first, with their event counts.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max sessions (default 100)"},
		}, nil),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*listSessionsRequest)
		list, err := s.store.ListSessions(ctx, r.Limit)
		if list == nil && err == nil {
			list = []*store.Session{}
		}
		return list, err
	}, logged("list_sessions"))

	kit.RegisterMCPTool[replayRequest](srv, &mcp.Tool{
		Name:        "domreplay_replay_html",
		Description: "Rebuild a recorded session and return its current HTML.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session id"},
			"safe":       map[string]any{"type": "boolean", "description": "Sanitize the HTML (default false)"},
		}, []string{"session_id"}),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*replayRequest)
		if err := r.validate(); err != nil {
			return nil, err
		}
		return s.ReplayHTML(ctx, r.SessionID, r.Safe)
	}, logged("replay_html"))

	kit.RegisterMCPTool[replayRequest](srv, &mcp.Tool{
		Name:        "domreplay_replay_markdown",
		Description: "Rebuild a recorded session and return its current content as Markdown.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session id"},
		}, []string{"session_id"}),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*replayRequest)
		if err := r.validate(); err != nil {
			return nil, err
		}
		return s.ReplayMarkdown(ctx, r.SessionID)
	}, logged("replay_markdown"))

	kit.RegisterMCPTool[eventsRequest](srv, &mcp.Tool{
		Name:        "domreplay_session_events",
		Description: "List the recorded events of a session after a sequence number.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session id"},
			"after":      map[string]any{"type": "integer", "description": "Return events with seq > after (default 0)"},
			"limit":      map[string]any{"type": "integer", "description": "Max events (default 100)"},
		}, []string{"session_id"}),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*eventsRequest)
		if err := horosafe.ValidateIdentifier(r.SessionID); err != nil {
			return nil, err
		}
		if _, err := s.store.GetSession(ctx, r.SessionID); err != nil {
			return nil, err
		}
		limit := r.Limit
		if limit <= 0 {
			limit = 100
		}
		recs, err := s.store.ListEvents(ctx, r.SessionID, r.After, limit)
		if recs == nil && err == nil {
			recs = []store.Record{}
		}
		return recs, err
	}, logged("session_events"))
}

type listSessionsRequest struct {
	Limit int `json:"limit"`
}

type replayRequest struct {
	SessionID string `json:"session_id"`
	Safe      bool   `json:"safe"`
}

func (r *replayRequest) Session() string { return r.SessionID }

func (r *replayRequest) validate() error {
	if r.SessionID == "" {
		return errors.New("session_id is required")
	}
	return horosafe.ValidateIdentifier(r.SessionID)
}

type eventsRequest struct {
	SessionID string `json:"session_id"`
	After     int64  `json:"after"`
	Limit     int    `json:"limit"`
}

func (r *eventsRequest) Session() string { return r.SessionID }

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
