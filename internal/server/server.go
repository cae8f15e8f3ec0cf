// Package server exposes recorded sessions over HTTP and MCP: ingest,
// listing, replayed HTML and Markdown, and a websocket live tail.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/domreplay/internal/audit"
	"github.com/hazyhaar/domreplay/internal/metrics"
	"github.com/hazyhaar/domreplay/internal/store"
	"github.com/hazyhaar/domreplay/replay"
	"github.com/hazyhaar/domreplay/shield"
)

// Config configures a Server.
type Config struct {
	Store   *store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxBody caps request bodies. Default 8 MiB.
	MaxBody int64
	// LiveInterval is the poll period of the live tail. Default 250ms.
	LiveInterval time.Duration
	// IngestRate limits event posts per client IP per second. 0 disables it.
	IngestRate  float64
	IngestBurst int
	// MCP mounts the MCP tools on /mcp (streamable HTTP).
	MCP bool
	// Version is reported by /healthz and the MCP implementation.
	Version string
	// ReplayCacheSize bounds the rebuilt sessions kept for rendering,
	// least recently rendered evicted first. Default 64.
	ReplayCacheSize int
	// Audit records every mutating call and MCP tool call when set. Its
	// table must live in the store database.
	Audit *audit.Logger
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxBody <= 0 {
		c.MaxBody = 8 << 20
	}
	if c.LiveInterval <= 0 {
		c.LiveInterval = 250 * time.Millisecond
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.ReplayCacheSize <= 0 {
		c.ReplayCacheSize = 64
	}
}

// Server holds the HTTP router and the MCP server.
type Server struct {
	cfg      Config
	store    *store.Store
	log      *slog.Logger
	hover    *replay.HoverCache
	replays  *replayCache
	mcp      *mcp.Server
	ingest   *shield.RateLimiter
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds a Server over cfg.Store.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:   cfg,
		store: cfg.Store,
		log:   cfg.Logger,
		hover: replay.NewHoverCache(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
	}
	s.replays = newReplayCache(cfg.ReplayCacheSize)
	s.ingest = shield.NewRateLimiter(rate.Inf, 0)
	s.SetIngestRate(cfg.IngestRate, cfg.IngestBurst)
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "domreplay", Version: cfg.Version}, nil)
	s.RegisterMCP(s.mcp)
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// MCPServer returns the MCP server carrying the domreplay tools.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.Stack(s.cfg.MaxBody, s.log) {
		r.Use(mw)
	}
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}
	if s.cfg.MCP {
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
		r.Handle("/mcp", h)
		r.Handle("/mcp/*", h)
	}

	if s.cfg.Audit != nil {
		r.Get("/audit", s.handleAudit)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.With(s.audited("create_session")).Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(validSession)
			r.Get("/", s.handleGetSession)
			r.With(s.audited("delete_session")).Delete("/", s.handleDeleteSession)
			r.Get("/events", s.handleListEvents)
			r.With(s.ingest.Middleware, s.audited("ingest")).Post("/events", s.handleIngest)
			r.Get("/html", s.handleHTML)
			r.Get("/markdown", s.handleMarkdown)
			r.Get("/live", s.handleLive)
		})
	})
	return r
}

// SetIngestRate changes the per-IP budget of event posts. A limit of 0
// lifts it.
func (s *Server) SetIngestRate(limit float64, burst int) {
	if limit <= 0 {
		s.ingest.SetLimit(rate.Inf, 0)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	s.ingest.SetLimit(rate.Limit(limit), burst)
}

// auditRetention is how long audit entries are kept.
const auditRetention = 30 * 24 * time.Hour

// Maintain forgets idle ingest clients and expires audit entries until ctx
// is done.
func (s *Server) Maintain(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := s.ingest.GC(10 * time.Minute); n > 0 {
				s.log.Debug("server: ingest clients forgotten", "count", n)
			}
			if s.cfg.Audit != nil {
				if n, err := s.cfg.Audit.Cleanup(ctx, auditRetention); err != nil {
					s.log.Warn("server: audit cleanup", "error", err)
				} else if n > 0 {
					s.log.Debug("server: audit entries expired", "count", n)
				}
			}
		}
	}
}

// observe records the route pattern, status and latency of each request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.cfg.Metrics.Request(route, status, time.Since(start))
		shield.GetLogger(r.Context()).Debug("server: request", "route", route, "status", status, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeStoreError maps store errors onto statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	shield.GetLogger(r.Context()).Error("server: store failure", "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func queryInt(r *http.Request, key string, def int64) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return def
	}
	return v
}
