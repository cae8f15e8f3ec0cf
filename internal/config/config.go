// Package config loads the domreplay YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domreplay/dbopen"
	"github.com/hazyhaar/domreplay/recorder"
	"github.com/hazyhaar/domreplay/snapshot"
)

// Config is the top-level configuration.
type Config struct {
	Record  RecordConfig  `yaml:"record"`
	Sinks   SinkConfig    `yaml:"sinks"`
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Store   StoreConfig   `yaml:"store"`
}

// RecordConfig holds the privacy and capture settings of a recording.
type RecordConfig struct {
	BlockClass         string `yaml:"block_class"`
	BlockClassPattern  string `yaml:"block_class_pattern"`
	BlockSelector      string `yaml:"block_selector"`
	UnblockSelector    string `yaml:"unblock_selector"`
	MaskAllText        bool   `yaml:"mask_all_text"`
	MaskTextClass      string `yaml:"mask_text_class"`
	MaskTextPattern    string `yaml:"mask_text_pattern"`
	UnmaskTextClass    string `yaml:"unmask_text_class"`
	MaskTextSelector   string `yaml:"mask_text_selector"`
	UnmaskTextSelector string `yaml:"unmask_text_selector"`

	MaskAllInputs bool     `yaml:"mask_all_inputs"`
	MaskInputs    []string `yaml:"mask_inputs"`

	// Slim is "", "sensible" or "all".
	Slim string `yaml:"slim"`

	InlineStylesheet   *bool                   `yaml:"inline_stylesheet"`
	InlineImages       bool                    `yaml:"inline_images"`
	RecordCanvas       bool                    `yaml:"record_canvas"`
	PreserveWhiteSpace *bool                   `yaml:"preserve_white_space"`
	DataURL            snapshot.DataURLOptions `yaml:"data_url"`

	IframeTimeout     time.Duration `yaml:"iframe_timeout"`
	StylesheetTimeout time.Duration `yaml:"stylesheet_timeout"`
	MaxDepth          int           `yaml:"max_depth"`

	// RateLimit caps mutation ticks per second. 0 disables the gate.
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	CanvasInterval time.Duration `yaml:"canvas_interval"`
	CheckoutEvery  time.Duration `yaml:"checkout_every"`
	CheckoutEveryN int           `yaml:"checkout_every_n"`

	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// SequentialID stamps every event with an increasing id so a replayer
	// can report gaps.
	SequentialID bool `yaml:"sequential_id"`
}

// SinkConfig selects where recorded events go.
type SinkConfig struct {
	Stdout  bool   `yaml:"stdout"`
	Webhook string `yaml:"webhook"`
	SQLite  string `yaml:"sqlite"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	MaxBody      int64         `yaml:"max_body"`
	LiveInterval time.Duration `yaml:"live_interval"`
	MCP          bool          `yaml:"mcp"`
	// IngestRate limits event posts per client IP per second. 0 disables it.
	IngestRate  float64 `yaml:"ingest_rate"`
	IngestBurst int     `yaml:"ingest_burst"`
	// ReplayCache bounds the rebuilt sessions kept between renders.
	ReplayCache int `yaml:"replay_cache"`
}

// StoreConfig tunes the SQLite databases sessions are kept in.
type StoreConfig struct {
	// Synchronous is PRAGMA synchronous: OFF, NORMAL, FULL or EXTRA.
	Synchronous string `yaml:"synchronous"`
}

// BrowserConfig controls the Chrome tab a recording runs in.
type BrowserConfig struct {
	Remote   string        `yaml:"remote"`
	Bin      string        `yaml:"bin"`
	Headless *bool         `yaml:"headless"`
	Stealth  bool          `yaml:"stealth"`
	Block    []string      `yaml:"block"`
	Debounce time.Duration `yaml:"debounce"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	r := &c.Record
	if r.BlockClass == "" {
		r.BlockClass = snapshot.DefaultBlockClass
	}
	if r.MaskTextClass == "" {
		r.MaskTextClass = snapshot.DefaultMaskTextClass
	}
	if r.InlineStylesheet == nil {
		r.InlineStylesheet = boolPtr(true)
	}
	if r.PreserveWhiteSpace == nil {
		r.PreserveWhiteSpace = boolPtr(true)
	}
	if r.IframeTimeout <= 0 {
		r.IframeTimeout = snapshot.DefaultLoadTimeout
	}
	if r.StylesheetTimeout <= 0 {
		r.StylesheetTimeout = snapshot.DefaultLoadTimeout
	}
	if r.MaxDepth <= 0 {
		r.MaxDepth = snapshot.DefaultMaxDepth
	}
	if r.RateLimit > 0 && r.RateBurst <= 0 {
		r.RateBurst = 1
	}
	if r.CanvasInterval <= 0 {
		r.CanvasInterval = recorder.DefaultCanvasFlushInterval
	}
	if r.Width <= 0 {
		r.Width = 1280
	}
	if r.Height <= 0 {
		r.Height = 800
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxBody <= 0 {
		c.Server.MaxBody = 8 << 20
	}
	if c.Server.LiveInterval <= 0 {
		c.Server.LiveInterval = 250 * time.Millisecond
	}
	if c.Server.IngestRate > 0 && c.Server.IngestBurst <= 0 {
		c.Server.IngestBurst = int(c.Server.IngestRate) + 1
	}
	if c.Server.ReplayCache <= 0 {
		c.Server.ReplayCache = 64
	}
	c.Store.Synchronous = strings.ToUpper(c.Store.Synchronous)
	if c.Store.Synchronous == "" {
		c.Store.Synchronous = "NORMAL"
	}
	if c.Browser.Headless == nil {
		c.Browser.Headless = boolPtr(true)
	}
	if c.Browser.Debounce <= 0 {
		c.Browser.Debounce = 50 * time.Millisecond
	}
	if c.Browser.Timeout <= 0 {
		c.Browser.Timeout = 30 * time.Second
	}
}

func (c *Config) validate() error {
	for _, p := range []string{c.Record.BlockClassPattern, c.Record.MaskTextPattern} {
		if p == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config: pattern %q: %w", p, err)
		}
	}
	switch c.Record.Slim {
	case "", "sensible", "all":
	default:
		return fmt.Errorf("config: unknown slim preset %q", c.Record.Slim)
	}
	switch c.Store.Synchronous {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("config: unknown synchronous mode %q", c.Store.Synchronous)
	}
	return nil
}

// StoreOptions maps the store section onto database open options.
func (c *Config) StoreOptions() []dbopen.Option {
	return []dbopen.Option{dbopen.WithSynchronous(c.Store.Synchronous)}
}

// SnapshotOptions maps the record section onto serializer options.
func (c *Config) SnapshotOptions() snapshot.Options {
	r := c.Record
	o := snapshot.DefaultOptions()
	o.BlockClass = r.BlockClass
	o.BlockSelector = r.BlockSelector
	o.UnblockSelector = r.UnblockSelector
	o.MaskAllText = r.MaskAllText
	o.MaskTextClass = r.MaskTextClass
	o.UnmaskTextClass = r.UnmaskTextClass
	o.MaskTextSelector = r.MaskTextSelector
	o.UnmaskTextSelector = r.UnmaskTextSelector
	if r.BlockClassPattern != "" {
		o.BlockClassRegexp = regexp.MustCompile(r.BlockClassPattern)
	}
	if r.MaskTextPattern != "" {
		o.MaskTextClassRegexp = regexp.MustCompile(r.MaskTextPattern)
	}

	if r.MaskAllInputs {
		o.MaskInputOptions = snapshot.MaskAllInputs()
	} else {
		o.MaskInputOptions = snapshot.MaskInputOptions{}
	}
	for _, k := range r.MaskInputs {
		o.MaskInputOptions[k] = true
	}

	switch r.Slim {
	case "sensible":
		o.SlimDOM = snapshot.SlimSensible()
	case "all":
		o.SlimDOM = snapshot.SlimAll()
	}

	o.InlineStylesheet = *r.InlineStylesheet
	o.PreserveWhiteSpace = *r.PreserveWhiteSpace
	o.InlineImages = r.InlineImages
	o.RecordCanvas = r.RecordCanvas
	o.DataURL = r.DataURL
	o.IframeLoadTimeout = r.IframeTimeout
	o.StylesheetLoadTimeout = r.StylesheetTimeout
	o.MaxDepth = r.MaxDepth
	return o
}

// RecorderConfig maps the record section onto a recorder configuration.
// The caller fills Doc, Sink, Metrics and Logger.
func (c *Config) RecorderConfig() recorder.Config {
	r := c.Record
	rc := recorder.Config{
		Options:             c.SnapshotOptions(),
		Width:               r.Width,
		Height:              r.Height,
		CanvasFlushInterval: r.CanvasInterval,
		CheckoutEvery:       r.CheckoutEvery,
		CheckoutEveryN:      r.CheckoutEveryN,
	}
	if r.RateLimit > 0 {
		rc.Gate = recorder.RateGate(rate.Limit(r.RateLimit), r.RateBurst)
	}
	if r.SequentialID {
		rc.Plugins = append(rc.Plugins, recorder.NewSequentialID())
	}
	return rc
}

func boolPtr(b bool) *bool { return &b }
