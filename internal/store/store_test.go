package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/domreplay/dbopen"
	"github.com/hazyhaar/domreplay/internal/sink"
	"github.com/hazyhaar/domreplay/mutation"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	return New(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)), nil)
}

func metaEvent(ts int64) *mutation.Event {
	return &mutation.Event{Type: mutation.Meta, Data: &mutation.MetaData{Href: "https://example.com/", Width: 800, Height: 600}, Timestamp: ts}
}

func snapEvent(ts int64) *mutation.Event {
	root := &mutation.Node{ID: 1, Type: mutation.DocumentNode}
	e := mutation.NewFullSnapshot(root, mutation.Offset{}, ts)
	return &e
}

func mutEvent(ts int64) *mutation.Event {
	e := mutation.NewMutation(&mutation.MutationData{}, ts)
	return &e
}

func TestSessionLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, &Session{ID: "ses_a", URL: "https://a.test/", CreatedAt: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateSession(ctx, &Session{ID: "ses_b", CreatedAt: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AppendEvents(ctx, "ses_a", []*mutation.Event{metaEvent(1), snapEvent(2)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetSession(ctx, "ses_a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.URL != "https://a.test/" || string(got.Meta) != "{}" {
		t.Errorf("session: got %+v", got)
	}

	list, err := s.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "ses_b" || list[1].Events != 2 {
		t.Errorf("list: got %d sessions, first %q, events %d", len(list), list[0].ID, list[1].Events)
	}

	if err := s.DeleteSession(ctx, "ses_a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSession(ctx, "ses_a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted: got %v, want ErrNotFound", err)
	}
	if n, _ := s.MaxSeq(ctx, "ses_a"); n != 0 {
		t.Errorf("events of deleted session: got max seq %d, want 0", n)
	}
	if err := s.DeleteSession(ctx, "ses_a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete twice: got %v, want ErrNotFound", err)
	}
}

func TestAppendEventsNumbersAfterLast(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "ses_x", ""); err != nil {
		t.Fatal(err)
	}
	last, err := s.AppendEvents(ctx, "ses_x", []*mutation.Event{metaEvent(1), snapEvent(2)})
	if err != nil || last != 2 {
		t.Fatalf("first batch: got %d, %v", last, err)
	}
	last, err = s.AppendEvents(ctx, "ses_x", []*mutation.Event{mutEvent(3)})
	if err != nil || last != 3 {
		t.Fatalf("second batch: got %d, %v", last, err)
	}

	recs, err := s.ListEvents(ctx, "ses_x", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Seq != 2 || recs[1].Seq != 3 {
		t.Fatalf("list after 1: got %+v", recs)
	}
	if _, ok := recs[0].Event.Data.(*mutation.FullSnapshotData); !ok {
		t.Errorf("payload type: got %T, want *FullSnapshotData", recs[0].Event.Data)
	}
	if recs[1].Event.Source() != mutation.SourceMutation {
		t.Errorf("source: got %d", recs[1].Event.Source())
	}

	limited, _ := s.ListEvents(ctx, "ses_x", 0, 1)
	if len(limited) != 1 || limited[0].Seq != 1 {
		t.Errorf("limit 1: got %+v", limited)
	}
}

func TestReplayableStartsAtLastSnapshot(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "ses_r", ""); err != nil {
		t.Fatal(err)
	}
	events := []*mutation.Event{
		metaEvent(1), snapEvent(2), mutEvent(3),
		metaEvent(4), snapEvent(5), mutEvent(6), mutEvent(7),
	}
	if _, err := s.AppendEvents(ctx, "ses_r", events); err != nil {
		t.Fatal(err)
	}

	recs, err := s.Replayable(ctx, "ses_r")
	if err != nil {
		t.Fatal(err)
	}
	var seqs []int64
	for _, r := range recs {
		seqs = append(seqs, r.Seq)
	}
	want := []int64{4, 5, 6, 7}
	if len(seqs) != len(want) {
		t.Fatalf("replayable: got %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("replayable: got %v, want %v", seqs, want)
		}
	}
	if evs := Events(recs); evs[0].Type != mutation.Meta || evs[1].Type != mutation.FullSnapshot {
		t.Errorf("leading types: got %d, %d", evs[0].Type, evs[1].Type)
	}

	if _, err := s.Replayable(ctx, "ses_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session: got %v, want ErrNotFound", err)
	}
}

func TestReplayableWithoutSnapshot(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "ses_n", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEvents(ctx, "ses_n", []*mutation.Event{mutEvent(1), mutEvent(2)}); err != nil {
		t.Fatal(err)
	}
	recs, err := s.Replayable(ctx, "ses_n")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("replayable: got %d events, want 2", len(recs))
	}
}

func TestSinkCreatesSessionAndURL(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	k := NewSink(s)

	envs := []sink.Envelope{
		{SessionID: "ses_k", Seq: 1, Event: *metaEvent(1)},
		{SessionID: "ses_k", Seq: 2, Event: *snapEvent(2)},
		{SessionID: "ses_k", Seq: 2, Event: *mutEvent(3)},
	}
	for _, env := range envs {
		if err := k.Send(ctx, env); err != nil {
			t.Fatalf("send %d: %v", env.Seq, err)
		}
	}
	sess, err := s.GetSession(ctx, "ses_k")
	if err != nil {
		t.Fatal(err)
	}
	if sess.URL != "https://example.com/" {
		t.Errorf("url: got %q", sess.URL)
	}
	// A repeated seq is dropped.
	recs, _ := s.ListEvents(ctx, "ses_k", 0, 0)
	if len(recs) != 2 || recs[1].Event.Type != mutation.FullSnapshot {
		t.Errorf("events: got %+v", recs)
	}
}

func TestTailDeliversNewEvents(t *testing.T) {
	s := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.EnsureSession(ctx, "ses_t", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEvents(ctx, "ses_t", []*mutation.Event{metaEvent(1)}); err != nil {
		t.Fatal(err)
	}

	got := make(chan Record, 8)
	go s.Tail(ctx, "ses_t", 1, 5*time.Millisecond, func(recs []Record) error {
		for _, r := range recs {
			got <- r
		}
		return nil
	})
	if _, err := s.AppendEvents(ctx, "ses_t", []*mutation.Event{snapEvent(2), mutEvent(3)}); err != nil {
		t.Fatal(err)
	}
	for want := int64(2); want <= 3; want++ {
		select {
		case r := <-got:
			if r.Seq != want {
				t.Errorf("tail: got seq %d, want %d", r.Seq, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("tail: seq %d not delivered", want)
		}
	}
}
