// Package store persists recording sessions and their events in SQLite.
package store

import (
	"database/sql"
	"errors"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domreplay/dbopen"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the recording database handle.
type Store struct {
	DB  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the database at path and applies Schema.
func Open(path string, logger *slog.Logger, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return New(db, logger), nil
}

// New wraps an already opened database that carries Schema.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{DB: db, log: logger}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
