// Package idgen generates the identifiers of a recording: session ids and
// event envelope ids. Generators are plain functions so callers and tests
// can swap the strategy at construction time.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SessionPrefix marks recording session ids.
const SessionPrefix = "ses_"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time, which keeps session listings and event ids ordered.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator ("<prefix>1", "<prefix>2", ...)
// for tests and reproducible fixtures. It is not safe for concurrent use.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// Default is the generator behind New.
var Default Generator = UUIDv7()

// Session is the generator behind NewSession.
var Session Generator = Prefixed(SessionPrefix, UUIDv7())

// New produces an event id.
func New() string {
	return Default()
}

// NewSession produces a session id.
func NewSession() string {
	return Session()
}

// ParseSession validates a session id produced by NewSession and returns
// its UUID part.
func ParseSession(id string) (string, error) {
	rest, ok := strings.CutPrefix(id, SessionPrefix)
	if !ok {
		return "", fmt.Errorf("idgen: session id %q lacks the %s prefix", id, SessionPrefix)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return "", fmt.Errorf("idgen: session id %q: %w", id, err)
	}
	return u.String(), nil
}
