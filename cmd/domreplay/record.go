package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/domreplay/idgen"
	"github.com/hazyhaar/domreplay/internal/cdp"
	"github.com/hazyhaar/domreplay/internal/config"
	"github.com/hazyhaar/domreplay/internal/sink"
	"github.com/hazyhaar/domreplay/internal/store"
	"github.com/hazyhaar/domreplay/recorder"
)

func cmdRecord(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	pageURL := fs.String("url", "", "page to record")
	session := fs.String("session", "", "session id (default: generated)")
	db := fs.String("db", "", "also store events in this SQLite file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pageURL == "" {
		fs.Usage()
		return fmt.Errorf("%w: -url is required", errUsage)
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if *db != "" {
		cfg.Sinks.SQLite = *db
	}
	logger := c.logger(stderr)

	sid := *session
	if sid == "" {
		sid = idgen.NewSession()
	} else if _, err := idgen.ParseSession(sid); err != nil {
		return fmt.Errorf("%w: -session: %v", errUsage, err)
	}

	router, closeSinks, err := openSinks(cfg, logger, stdout)
	if err != nil {
		return err
	}
	defer closeSinks()
	return record(ctx, cfg, logger, *pageURL, sid, router)
}

// openSinks builds the sink router from the config. Stdout is used when
// nothing else is configured.
func openSinks(cfg *config.Config, logger *slog.Logger, stdout io.Writer) (*sink.Router, func(), error) {
	router := sink.NewRouter(logger)
	var st *store.Store
	closeAll := func() {
		if err := router.Close(); err != nil {
			logger.Warn("record: close sinks", "error", err)
		}
		if st != nil {
			st.Close()
		}
	}

	if cfg.Sinks.Webhook != "" {
		wh, err := sink.NewWebhook(cfg.Sinks.Webhook, sink.WithWebhookLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("webhook sink: %w", err)
		}
		router.Add(wh)
	}
	if cfg.Sinks.SQLite != "" {
		s, err := store.Open(cfg.Sinks.SQLite, logger, cfg.StoreOptions()...)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite sink: %w", err)
		}
		st = s
		router.Add(store.NewSink(st))
	}
	if cfg.Sinks.Stdout || router.Len() == 0 {
		router.Add(sink.NewStdout(stdout))
	}
	return router, closeAll, nil
}

func record(ctx context.Context, cfg *config.Config, logger *slog.Logger, pageURL, sid string, out sink.Sink) error {
	br, err := cdp.Launch(ctx, cdp.Options{
		Remote:   cfg.Browser.Remote,
		Bin:      cfg.Browser.Bin,
		Headless: *cfg.Browser.Headless,
		Stealth:  cfg.Browser.Stealth,
		Block:    cfg.Browser.Block,
		Debounce: cfg.Browser.Debounce,
		Timeout:  cfg.Browser.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer br.Close()

	tab, err := br.Open(ctx, pageURL)
	if err != nil {
		return err
	}
	defer tab.Close()

	tree, err := tab.Tree(ctx)
	if err != nil {
		return err
	}

	rc := cfg.RecorderConfig()
	rc.Doc = tree.Document()
	rc.SessionID = sid
	rc.Sink = out
	rc.Logger = logger
	if w, h, err := tab.Viewport(ctx); err == nil && w > 0 && h > 0 {
		rc.Width, rc.Height = w, h
	} else if err != nil {
		logger.Warn("record: viewport unknown", "error", err)
	}
	rec, err := recorder.New(rc)
	if err != nil {
		return err
	}

	logger.Info("record: recording", "session", sid, "url", pageURL)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return tab.Follow(gctx, tree, rec) })
	return g.Wait()
}
