package watch

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domreplay/dbopen"
)

func eventsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(
		`CREATE TABLE events (session_id TEXT, seq INTEGER)`))
}

func insert(t *testing.T, db *sql.DB, session string, seq int) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO events VALUES (?, ?)`, session, seq); err != nil {
		t.Fatal(err)
	}
}

func TestQueryAndMaxColumn(t *testing.T) {
	db := eventsDB(t)
	ctx := context.Background()
	insert(t, db, "a", 3)
	insert(t, db, "b", 7)

	v, err := Query(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, "a")(ctx, db)
	if err != nil || v != 3 {
		t.Errorf("query a: got %d, %v, want 3", v, err)
	}
	v, err = MaxColumn("events", "seq")(ctx, db)
	if err != nil || v != 7 {
		t.Errorf("max column: got %d, %v, want 7", v, err)
	}
	if _, err := dataVersion(ctx, db); err != nil {
		t.Errorf("data_version: %v", err)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent(`a"b`); got != `"a""b"` {
		t.Errorf("quoteIdent: got %s", got)
	}
}

type step struct{ from, to int64 }

func TestRunReportsRanges(t *testing.T) {
	db := eventsDB(t)
	insert(t, db, "a", 1)
	w := New(db, Options{
		Interval: 5 * time.Millisecond,
		Detector: Query(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, "a"),
		Start:    1,
	})

	var (
		mu    sync.Mutex
		steps []step
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, from, to int64) error {
			mu.Lock()
			steps = append(steps, step{from, to})
			mu.Unlock()
			return nil
		})
	}()

	insert(t, db, "a", 2)
	insert(t, db, "a", 3)
	deadline := time.Now().Add(2 * time.Second)
	for w.Version() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("run: got %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if w.Version() != 3 || len(steps) == 0 {
		t.Fatalf("version %d after steps %v", w.Version(), steps)
	}
	if steps[0].from != 1 || steps[len(steps)-1].to != 3 {
		t.Errorf("steps: got %v", steps)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].from != steps[i-1].to {
			t.Errorf("gap between %v and %v", steps[i-1], steps[i])
		}
	}
}

func TestFailedActionIsRetried(t *testing.T) {
	db := eventsDB(t)
	w := New(db, Options{Interval: 5 * time.Millisecond, Detector: MaxColumn("events", "seq")})

	var calls int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func(context.Context, int64, int64) error {
			calls++
			if calls == 1 {
				return errors.New("busy")
			}
			cancel()
			return nil
		})
	}()
	insert(t, db, "a", 5)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not retry")
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
	if s := w.Stats(); s.Errors != 1 || s.Fired != 1 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestDebounceCoalesces(t *testing.T) {
	db := eventsDB(t)
	w := New(db, Options{
		Interval: 5 * time.Millisecond,
		Debounce: 100 * time.Millisecond,
		Detector: MaxColumn("events", "seq"),
	})
	var (
		mu    sync.Mutex
		steps []step
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func(_ context.Context, from, to int64) error {
			mu.Lock()
			steps = append(steps, step{from, to})
			mu.Unlock()
			return nil
		})
	}()
	for i := 1; i <= 3; i++ {
		insert(t, db, "a", i)
		time.Sleep(10 * time.Millisecond)
	}
	deadline := time.Now().Add(2 * time.Second)
	for w.Version() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(steps) != 1 || steps[0] != (step{0, 3}) {
		t.Errorf("steps: got %v, want [{0 3}]", steps)
	}
}
