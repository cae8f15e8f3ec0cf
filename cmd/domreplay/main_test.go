package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/domreplay/internal/config"
	"github.com/hazyhaar/domreplay/internal/store"
	"github.com/hazyhaar/domreplay/mutation"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "warn": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), "dance", nil, &out, &errOut)
	if !errors.Is(err, errUsage) {
		t.Errorf("err: got %v, want usage error", err)
	}
	if !strings.Contains(errOut.String(), "usage: domreplay") {
		t.Errorf("usage not printed: %q", errOut.String())
	}
}

func TestSnapshotCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	page := `<html><body><h1>Hi</h1><input type="password" value="secret"></body></html>`
	if err := os.WriteFile(path, []byte(page), 0o644); err != nil {
		t.Fatal(err)
	}
	var out, errOut bytes.Buffer
	if err := run(context.Background(), "snapshot", []string{"-in", path, "-url", "https://example.com/"}, &out, &errOut); err != nil {
		t.Fatalf("snapshot: %v (%s)", err, errOut.String())
	}
	ev, err := mutation.UnmarshalEvent(out.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != mutation.FullSnapshot {
		t.Errorf("type: got %v, want full snapshot", ev.Type)
	}
	if strings.Contains(out.String(), "secret") {
		t.Error("password value leaked into the snapshot")
	}
}

func TestReplayCommand(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "rec.db")
	st, err := store.Open(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	root := &mutation.Node{Type: mutation.DocumentNode, ID: 1, ChildNodes: []*mutation.Node{
		{Type: mutation.ElementNode, ID: 2, TagName: "html", ChildNodes: []*mutation.Node{
			{Type: mutation.ElementNode, ID: 3, TagName: "body", ChildNodes: []*mutation.Node{
				{Type: mutation.ElementNode, ID: 4, TagName: "h1", ChildNodes: []*mutation.Node{
					{Type: mutation.TextNode, ID: 5, TextContent: "Stored"},
				}},
			}},
		}},
	}}
	if err := st.CreateSession(ctx, &store.Session{ID: "ses_cli"}); err != nil {
		t.Fatal(err)
	}
	full := mutation.NewFullSnapshot(root, mutation.Offset{}, 1)
	if _, err := st.AppendEvents(ctx, "ses_cli", []*mutation.Event{&full}); err != nil {
		t.Fatal(err)
	}
	st.Close()

	var out, errOut bytes.Buffer
	args := []string{"-db", db, "-session", "ses_cli", "-format", "md", "-log-level", "error"}
	if err := run(ctx, "replay", args, &out, &errOut); err != nil {
		t.Fatalf("replay: %v (%s)", err, errOut.String())
	}
	if !strings.Contains(out.String(), "# Stored") {
		t.Errorf("markdown: got %q", out.String())
	}

	out.Reset()
	args = []string{"-db", db, "-session", "ses_missing"}
	if err := run(ctx, "replay", args, &out, &errOut); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing session: got %v, want ErrNotFound", err)
	}
}

func TestOpenSinksDefaultsToStdout(t *testing.T) {
	var out bytes.Buffer
	router, closeAll, err := openSinks(config.Default(), slog.Default(), &out)
	if err != nil {
		t.Fatal(err)
	}
	defer closeAll()
	if router.Len() != 1 {
		t.Errorf("sinks: got %d, want 1", router.Len())
	}

	cfg := config.Default()
	cfg.Sinks.SQLite = filepath.Join(t.TempDir(), "sink.db")
	router2, closeAll2, err := openSinks(cfg, slog.Default(), &out)
	if err != nil {
		t.Fatal(err)
	}
	defer closeAll2()
	if router2.Len() != 1 {
		t.Errorf("sqlite only: got %d sinks, want 1", router2.Len())
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), "version", nil, &out, &out); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != version {
		t.Errorf("version: got %q, want %q", got, version)
	}
}

func TestRecordRejectsForeignSessionID(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), "record", []string{"-url", "https://example.com/", "-session", "abc"}, &out, &errOut)
	if !errors.Is(err, errUsage) {
		t.Errorf("err: got %v, want usage error", err)
	}
}
