// Package watch polls a SQLite database for a version token and runs an
// action each time it advances. The live tail of a recording session is a
// watcher over the session's last event seq.
//
//	w := watch.New(db, watch.Options{Detector: watch.Query(q, id)})
//	err := w.Run(ctx, func(ctx context.Context, from, to int64) error { ... })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two different values mean something
// changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Action handles a change from version from to version to.
type Action func(ctx context.Context, from, to int64) error

// Options tunes a Watcher.
type Options struct {
	// Interval is the polling period. Default 250ms.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action runs.
	// Further changes inside the window restart it. 0 fires at once.
	Debounce time.Duration
	// Detector defaults to PRAGMA data_version.
	Detector Detector
	// Start seeds the version instead of reading it on Run. Negative
	// means read.
	Start  int64
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.Detector == nil {
		o.Detector = dataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher runs one polling loop. Version and Stats are safe to call from
// any goroutine.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	fired   atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Fired   int64 `json:"fired"`
}

// New returns a Watcher; Run starts it.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	w := &Watcher{db: db, opts: opts}
	w.version.Store(opts.Start)
	return w
}

// Version returns the last version handled.
func (w *Watcher) Version() int64 { return w.version.Load() }

func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
		Fired:   w.fired.Load(),
	}
}

// Run polls until ctx is done and returns ctx.Err(). When the action
// fails the version stays put and the same change is offered again on the
// next poll.
func (w *Watcher) Run(ctx context.Context, action Action) error {
	log := w.opts.Logger
	if w.opts.Start < 0 {
		v, err := w.opts.Detector(ctx, w.db)
		if err != nil {
			log.Warn("watch: initial version check failed", "error", err)
		} else {
			w.version.Store(v)
		}
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		debounce *time.Timer
		fireCh   <-chan time.Time
		pending  int64 = -1
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			fireCh = debounce.C

		case <-fireCh:
			fireCh = nil
			if pending >= 0 {
				w.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action Action, to int64) {
	from := w.version.Load()
	if err := action(ctx, from, to); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Warn("watch: action failed", "from", from, "to", to, "error", err)
		return
	}
	w.fired.Add(1)
	w.version.Store(to)
}

// dataVersion reads PRAGMA data_version, which moves when another
// connection commits to the same file.
func dataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// Query returns a Detector running a single-value query.
func Query(query string, args ...any) Detector {
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query, args...).Scan(&v)
		return v, err
	}
}

// MaxColumn polls MAX(column) of table.
func MaxColumn(table, column string) Detector {
	return Query("SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table))
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
