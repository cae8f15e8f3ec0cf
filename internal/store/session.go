package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Session is one recording.
type Session struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	CreatedAt int64           `json:"created_at"`
	Meta      json.RawMessage `json:"meta"`
	// Events is filled by ListSessions.
	Events int64 `json:"events"`
}

// CreateSession inserts a session. Zero CreatedAt and empty Meta get
// defaults.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt == 0 {
		sess.CreatedAt = time.Now().UnixMilli()
	}
	if len(sess.Meta) == 0 {
		sess.Meta = json.RawMessage("{}")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sessions (id, url, created_at, meta) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.URL, sess.CreatedAt, string(sess.Meta))
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// EnsureSession creates the session when it does not exist yet.
func (s *Store) EnsureSession(ctx context.Context, id, url string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sessions (id, url, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, url, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: ensure session: %w", err)
	}
	return nil
}

// SetSessionURL records the page URL of a session.
func (s *Store) SetSessionURL(ctx context.Context, id, url string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET url = ? WHERE id = ?`, url, id)
	if err != nil {
		return fmt.Errorf("store: set session url: %w", err)
	}
	return nil
}

// GetSession returns one session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess Session
		meta string
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, url, created_at, meta FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.URL, &sess.CreatedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	sess.Meta = json.RawMessage(meta)
	return &sess, nil
}

// ListSessions returns the newest sessions first with their event counts.
// limit <= 0 means 100.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT s.id, s.url, s.created_at, s.meta, COUNT(e.seq)
		FROM sessions s LEFT JOIN events e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var (
			sess Session
			meta string
		)
		if err := rows.Scan(&sess.ID, &sess.URL, &sess.CreatedAt, &meta, &sess.Events); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sess.Meta = json.RawMessage(meta)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its events.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
