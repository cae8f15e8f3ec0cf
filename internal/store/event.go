package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/domreplay/dbopen"
	"github.com/hazyhaar/domreplay/mutation"
	"github.com/hazyhaar/domreplay/pack"
)

// Record is one stored event with its position in the session.
type Record struct {
	Seq   int64          `json:"seq"`
	Event mutation.Event `json:"event"`
}

// AppendEvent stores e at seq. The session must exist.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, seq int64, e *mutation.Event) error {
	payload, err := pack.Pack(e)
	if err != nil {
		return err
	}
	_, err = dbopen.Exec(ctx, s.DB,
		`INSERT INTO events (session_id, seq, type, source, ts, payload) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING`,
		sessionID, seq, int(e.Type), int(e.Source()), e.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// AppendEvents numbers events after the current last seq of the session
// and stores them in one transaction. It returns the last seq written.
func (s *Store) AppendEvents(ctx context.Context, sessionID string, events []*mutation.Event) (int64, error) {
	payloads := make([][]byte, len(events))
	for i, e := range events {
		p, err := pack.Pack(e)
		if err != nil {
			return 0, err
		}
		payloads[i] = p
	}
	var last int64
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID,
		).Scan(&last); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO events (session_id, seq, type, source, ts, payload) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, e := range events {
			last++
			if _, err := stmt.ExecContext(ctx, sessionID, last, int(e.Type), int(e.Source()), e.Timestamp, payloads[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: append events: %w", err)
	}
	return last, nil
}

// ListEvents returns the events of a session with seq > after, oldest
// first. limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, sessionID string, after int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx,
		`SELECT seq, payload FROM events WHERE session_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		sessionID, after, limit)
}

// MaxSeq returns the last seq of a session, 0 when it has no events.
func (s *Store) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("store: max seq: %w", err)
	}
	return seq, nil
}

// Replayable returns the events needed to rebuild the current state of a
// session: everything from the last full snapshot on, preceded by the Meta
// event recorded before it when there is one. A session without a full
// snapshot yields all its events.
func (s *Store) Replayable(ctx context.Context, sessionID string) ([]Record, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	var snap int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ? AND type = ?`,
		sessionID, int(mutation.FullSnapshot),
	).Scan(&snap)
	if err != nil {
		return nil, fmt.Errorf("store: replayable: %w", err)
	}
	if snap == 0 {
		return s.ListEvents(ctx, sessionID, 0, 0)
	}
	var from int64
	err = s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ? AND type = ? AND seq < ?`,
		sessionID, int(mutation.Meta), snap,
	).Scan(&from)
	if err != nil {
		return nil, fmt.Errorf("store: replayable: %w", err)
	}
	if from == 0 {
		from = snap
	}
	return s.ListEvents(ctx, sessionID, from-1, 0)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e, err := pack.Unpack(payload)
		if err != nil {
			s.log.Warn("store: undecodable event skipped", "seq", seq, "error", err)
			continue
		}
		out = append(out, Record{Seq: seq, Event: *e})
	}
	return out, rows.Err()
}

// Events strips the seqs off records.
func Events(recs []Record) []mutation.Event {
	out := make([]mutation.Event, len(recs))
	for i, r := range recs {
		out[i] = r.Event
	}
	return out
}
