// Package audit keeps a trail of the operations clients run against the
// session store: who created, fed, deleted or read which session, over
// which transport, and how it ended.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/domreplay/dbopen"
	"github.com/hazyhaar/domreplay/idgen"
	"github.com/hazyhaar/domreplay/kit"
)

// Schema creates the audit table. It lives next to the session tables.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id    TEXT PRIMARY KEY,
    ts          INTEGER NOT NULL,
    action      TEXT NOT NULL,
    transport   TEXT NOT NULL,
    session_id  TEXT,
    request_id  TEXT,
    params      TEXT NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL,
    error       TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id, ts);
`

// Entry is one audited operation.
type Entry struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Action     string    `json:"action"`
	Transport  string    `json:"transport"`
	SessionID  string    `json:"session_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Params     string    `json:"params,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	Action    string
	SessionID string
	Status    string
	Since     time.Time
	Limit     int
}

// Logger persists entries from a background goroutine in batches.
type Logger struct {
	db    *sql.DB
	log   *slog.Logger
	newID idgen.Generator
	every time.Duration
	ch    chan *Entry
	stop  chan struct{}
	done  chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator replaces the entry id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// WithFlushInterval sets how often queued entries are written. Default 2s.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) { l.every = d }
}

// New starts a Logger writing to db. The schema must already be applied.
func New(db *sql.DB, logger *slog.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		db:    db,
		log:   logger,
		newID: idgen.Prefixed("aud_", idgen.UUIDv7()),
		every: 2 * time.Second,
		ch:    make(chan *Entry, 1024),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Log writes e now.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	l.fill(e)
	return dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error { return insert(ctx, tx, e) })
}

// LogAsync queues e. A full queue falls back to a synchronous write.
func (l *Logger) LogAsync(e *Entry) {
	l.fill(e)
	select {
	case l.ch <- e:
	default:
		l.log.Warn("audit: queue full, writing inline", "action", e.Action)
		if err := l.Log(context.Background(), e); err != nil {
			l.log.Error("audit: inline write failed", "error", err)
		}
	}
}

// Record builds an entry for an operation on the request in ctx and
// queues it.
func (l *Logger) Record(ctx context.Context, action, sessionID string, params any, err error, d time.Duration) {
	if l == nil {
		return
	}
	e := &Entry{
		Action:     action,
		Transport:  kit.GetTransport(ctx),
		SessionID:  sessionID,
		RequestID:  kit.GetRequestID(ctx),
		DurationMs: d.Milliseconds(),
	}
	if e.SessionID == "" {
		e.SessionID = kit.GetSessionID(ctx)
	}
	if params != nil {
		if b, mErr := json.Marshal(params); mErr == nil {
			e.Params = string(b)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.LogAsync(e)
}

// Middleware audits every call of an endpoint under action.
func Middleware(l *Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			l.Record(ctx, action, "", req, err, time.Since(start))
			return resp, err
		}
	}
}

// Query returns matching entries, newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	q := `SELECT entry_id, ts, action, transport, COALESCE(session_id, ''), COALESCE(request_id, ''),
		params, status, COALESCE(error, ''), duration_ms FROM audit_log WHERE 1=1`
	var args []any
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		q += " AND ts >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY ts DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Transport, &e.SessionID, &e.RequestID,
			&e.Params, &e.Status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Time = time.UnixMilli(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than maxAge.
func (l *Logger) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := dbopen.Exec(ctx, l.db, `DELETE FROM audit_log WHERE ts < ?`, time.Now().Add(-maxAge).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close writes every queued entry and stops the flush goroutine.
func (l *Logger) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

func (l *Logger) fill(e *Entry) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Params == "" {
		e.Params = "{}"
	}
	if e.Status == "" {
		e.Status = "success"
		if e.Error != "" {
			e.Status = "error"
		}
	}
}

func insert(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO audit_log
		(entry_id, ts, action, transport, session_id, request_id, params, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UnixMilli(), e.Action, e.Transport, e.SessionID, e.RequestID,
		e.Params, e.Status, e.Error, e.DurationMs)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.ID, err)
	}
	return nil
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.every)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
			for _, e := range batch {
				if err := insert(ctx, tx, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			l.log.Error("audit: flush failed", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 32 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
