package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/hazyhaar/domreplay/export"
	"github.com/hazyhaar/domreplay/internal/store"
	"github.com/hazyhaar/domreplay/replay"
)

func cmdReplay(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	db := fs.String("db", "domreplay.db", "SQLite file holding the sessions")
	session := fs.String("session", "", "session to rebuild")
	format := fs.String("format", "html", "output format: html, safe, md, text")
	upto := fs.Int64("upto", 0, "stop after this event sequence number (0: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *session == "" {
		fs.Usage()
		return fmt.Errorf("%w: -session is required", errUsage)
	}
	logger := c.logger(stderr)

	st, err := store.Open(*db, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var recs []store.Record
	if *upto > 0 {
		if _, err := st.GetSession(ctx, *session); err != nil {
			return err
		}
		recs, err = st.ListEvents(ctx, *session, 0, int(*upto))
	} else {
		recs, err = st.Replayable(ctx, *session)
	}
	if err != nil {
		return err
	}
	doc := replay.Replay(store.Events(recs), replay.Config{Logger: logger})

	var out string
	switch *format {
	case "html":
		out, err = export.HTML(doc)
	case "safe":
		out, err = export.SafeHTML(doc)
	case "md", "markdown":
		out, err = export.Markdown(doc)
	case "text":
		out = export.Text(doc)
	default:
		return fmt.Errorf("%w: unknown format %q", errUsage, *format)
	}
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, out)
	return err
}
