// Command domreplay records live pages into DOM event streams and serves
// the recorded sessions.
//
// Usage:
//
//	domreplay record -url https://example.com [-config domreplay.yaml]
//	domreplay serve [-config domreplay.yaml] [-db domreplay.db]
//	domreplay snapshot -in page.html [-url https://example.com]
//	domreplay replay -db domreplay.db -session <id> [-format html|safe|md|text]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domreplay/internal/config"
)

const version = "0.1.0"

const usage = `usage: domreplay <command> [flags]

commands:
  record    record a page opened in Chrome
  serve     serve recorded sessions over HTTP
  snapshot  serialize an HTML file as a full snapshot
  replay    rebuild a stored session as html, markdown or text
`

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cmd, args, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "domreplay %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// common holds the flags every subcommand understands.
type common struct {
	configPath string
	logLevel   string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func (c *common) logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(c.logLevel)}))
}

func (c *common) load() (*config.Config, error) {
	if c.configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFile(c.configPath)
}

func run(ctx context.Context, cmd string, args []string, stdout, stderr io.Writer) error {
	switch cmd {
	case "record":
		return cmdRecord(ctx, args, stdout, stderr)
	case "serve":
		return cmdServe(ctx, args, stderr)
	case "snapshot":
		return cmdSnapshot(args, stdout, stderr)
	case "replay":
		return cmdReplay(ctx, args, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	fmt.Fprint(stderr, usage)
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
