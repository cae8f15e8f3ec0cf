package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Options configures the browser and the tabs opened from it.
type Options struct {
	// Remote is the DevTools websocket URL of a running Chrome. Empty
	// launches a local one.
	Remote   string
	Bin      string
	Headless bool
	Stealth  bool
	// Block lists resource types to fail: images, fonts, media, stylesheets.
	Block []string
	// Debounce is how long CDP events are buffered before being applied.
	Debounce time.Duration
	// MaxBuffer applies the buffer early once it holds this many events.
	MaxBuffer int
	Timeout   time.Duration
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 50 * time.Millisecond
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = 1000
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Browser is a connected Chrome.
type Browser struct {
	opts Options
	b    *rod.Browser
	lnch *launcher.Launcher
}

// Launch starts a local Chrome, or connects to opts.Remote.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	opts.defaults()
	log := opts.Logger
	br := &Browser{opts: opts}

	wsURL := opts.Remote
	if wsURL == "" {
		l := launcher.New().Context(ctx).Headless(opts.Headless).
			Set("disable-blink-features", "AutomationControlled")
		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("cdp: launch: %w", err)
		}
		wsURL = u
		br.lnch = l
		log.Info("cdp: launched local chrome", "url", wsURL, "headless", opts.Headless)
	} else {
		log.Info("cdp: connecting to remote", "url", wsURL)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		br.cleanup()
		return nil, fmt.Errorf("cdp: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("cdp: ignore cert errors failed", "error", err)
	}
	br.b = b
	return br, nil
}

// Close shuts the browser down. A remote Chrome is only disconnected.
func (br *Browser) Close() error {
	var err error
	if br.b != nil {
		err = br.b.Close()
		br.b = nil
	}
	br.cleanup()
	return err
}

func (br *Browser) cleanup() {
	if br.lnch != nil {
		br.lnch.Cleanup()
		br.lnch = nil
	}
}

// Open creates a tab and navigates it to pageURL.
func (br *Browser) Open(ctx context.Context, pageURL string) (*Tab, error) {
	var (
		page *rod.Page
		err  error
	)
	if br.opts.Stealth {
		page, err = stealth.Page(br.b)
	} else {
		page, err = br.b.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("cdp: create tab: %w", err)
	}
	if len(br.opts.Block) > 0 {
		blockResources(page, br.opts.Block)
	}

	navCtx, cancel := context.WithTimeout(ctx, br.opts.Timeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("cdp: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		br.opts.Logger.Warn("cdp: wait load", "url", pageURL, "error", err)
	}
	return &Tab{Page: page, URL: pageURL, opts: br.opts, log: br.opts.Logger.With("url", pageURL)}, nil
}

func blockResources(page *rod.Page, types []string) {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[strings.ToLower(t)] = true
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked(block, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

// blocked maps a CDP resource type onto the configured names.
func blocked(block map[string]bool, resType string) bool {
	t := strings.ToLower(resType)
	switch t {
	case "image", "font", "stylesheet":
		return block[t+"s"]
	}
	return block[t]
}
