package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/domreplay/dbopen"
	"github.com/hazyhaar/domreplay/internal/audit"
	"github.com/hazyhaar/domreplay/internal/config"
	"github.com/hazyhaar/domreplay/internal/metrics"
	"github.com/hazyhaar/domreplay/internal/server"
	"github.com/hazyhaar/domreplay/internal/store"
)

func cmdServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	db := fs.String("db", "domreplay.db", "SQLite file holding the sessions")
	mcp := fs.Bool("mcp", false, "mount the MCP tools on /mcp")
	watch := fs.Bool("watch", false, "reload the config file when it changes")
	auditOn := fs.Bool("audit", true, "keep an audit trail of API calls in the database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	logger := c.logger(stderr)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *mcp {
		cfg.Server.MCP = true
	}

	st, err := store.Open(*db, logger, append(cfg.StoreOptions(), dbopen.WithSchema(audit.Schema))...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var al *audit.Logger
	if *auditOn {
		al = audit.New(st.DB, logger)
		defer al.Close()
	}

	srv := server.New(server.Config{
		Store:           st,
		Metrics:         metrics.New(),
		Logger:          logger,
		MaxBody:         cfg.Server.MaxBody,
		LiveInterval:    cfg.Server.LiveInterval,
		IngestRate:      cfg.Server.IngestRate,
		IngestBurst:     cfg.Server.IngestBurst,
		MCP:             cfg.Server.MCP,
		Version:         version,
		Audit:           al,
		ReplayCacheSize: cfg.Server.ReplayCache,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serve: listening", "addr", cfg.Server.Addr, "db", *db, "mcp", cfg.Server.MCP)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return srv.Maintain(gctx, time.Minute) })
	if *watch && c.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, c.configPath, logger, func(next *config.Config) {
				srv.SetIngestRate(next.Server.IngestRate, next.Server.IngestBurst)
				logger.Info("serve: config reloaded", "path", c.configPath, "ingest_rate", next.Server.IngestRate)
				if next.Server.Addr != cfg.Server.Addr || next.Server.MCP != cfg.Server.MCP {
					logger.Warn("serve: listener settings change on restart only")
				}
			})
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
