package snapshot

import (
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/mutation"
)

// Defaults.
const (
	DefaultBlockClass    = "rr-block"
	DefaultMaskTextClass = "rr-mask"
	DefaultLoadTimeout   = 5 * time.Second
	DefaultMaxDepth      = 512
	ScriptPlaceholder    = "SCRIPT_PLACEHOLDER"
	maskChar             = "*"
	PasswordMarker       = "data-rr-is-password"
)

// MaskInputOptions selects which form controls have their value masked,
// keyed by input type plus "textarea" and "select".
type MaskInputOptions map[string]bool

// MaskAllInputs masks every text-like input, textareas and selects.
func MaskAllInputs() MaskInputOptions {
	return MaskInputOptions{
		"color": true, "date": true, "datetime-local": true, "email": true,
		"month": true, "number": true, "range": true, "search": true,
		"tel": true, "text": true, "time": true, "url": true, "week": true,
		"textarea": true, "select": true,
	}
}

// SlimDOMOptions drops categories of low-value nodes from a snapshot.
type SlimDOMOptions struct {
	Script               bool `yaml:"script"`
	Comment              bool `yaml:"comment"`
	HeadFavicon          bool `yaml:"head_favicon"`
	HeadWhitespace       bool `yaml:"head_whitespace"`
	HeadMetaDescKeywords bool `yaml:"head_meta_desc_keywords"`
	HeadMetaSocial       bool `yaml:"head_meta_social"`
	HeadMetaRobots       bool `yaml:"head_meta_robots"`
	HeadMetaHTTPEquiv    bool `yaml:"head_meta_http_equiv"`
	HeadMetaAuthorship   bool `yaml:"head_meta_authorship"`
	HeadMetaVerification bool `yaml:"head_meta_verification"`
}

// SlimSensible drops everything that carries no visual information, but
// keeps description and keywords meta tags.
func SlimSensible() SlimDOMOptions {
	return SlimDOMOptions{
		Script: true, Comment: true, HeadFavicon: true, HeadWhitespace: true,
		HeadMetaSocial: true, HeadMetaRobots: true, HeadMetaHTTPEquiv: true,
		HeadMetaAuthorship: true, HeadMetaVerification: true,
	}
}

// SlimAll is SlimSensible plus description and keywords.
func SlimAll() SlimDOMOptions {
	s := SlimSensible()
	s.HeadMetaDescKeywords = true
	return s
}

// DataURLOptions controls canvas and image encoding.
type DataURLOptions struct {
	Type    string  `yaml:"type"`
	Quality float64 `yaml:"quality"`
}

// Options configures a Serializer. Use DefaultOptions as a starting point:
// the boolean toggles that default to true are not inferred from zero
// values.
type Options struct {
	BlockClass       string
	BlockClassRegexp *regexp.Regexp
	BlockSelector    string
	UnblockSelector  string

	MaskAllText           bool
	MaskTextClass         string
	MaskTextClassRegexp   *regexp.Regexp
	UnmaskTextClass       string
	UnmaskTextClassRegexp *regexp.Regexp
	MaskTextSelector      string
	UnmaskTextSelector    string

	MaskInputOptions MaskInputOptions
	SlimDOM          SlimDOMOptions
	DataURL          DataURLOptions

	InlineStylesheet   bool
	InlineImages       bool
	RecordCanvas       bool
	PreserveWhiteSpace bool

	IframeLoadTimeout     time.Duration
	StylesheetLoadTimeout time.Duration
	MaxDepth              int

	// OnSerialize is called for every node that receives a real id.
	OnSerialize func(n *html.Node)
	// OnIframeLoad receives the serialized content document of an iframe
	// once it is ready.
	OnIframeLoad func(iframe *html.Node, node *mutation.Node)
	// OnStylesheetLoad receives a re-serialized <link> once its sheet
	// loaded.
	OnStylesheetLoad func(link *html.Node, node *mutation.Node)
	// OnImageLoad receives an <img> whose rr_dataURL was captured after the
	// snapshot that found it.
	OnImageLoad func(img *html.Node, node *mutation.Node)
	// Enqueue runs async completions on the owner goroutine of the
	// document. Nil runs them where they fire.
	Enqueue func(func())

	Logger *slog.Logger
}

// DefaultOptions returns the recording defaults.
func DefaultOptions() Options {
	return Options{
		BlockClass:            DefaultBlockClass,
		MaskTextClass:         DefaultMaskTextClass,
		MaskInputOptions:      MaskInputOptions{},
		InlineStylesheet:      true,
		PreserveWhiteSpace:    true,
		IframeLoadTimeout:     DefaultLoadTimeout,
		StylesheetLoadTimeout: DefaultLoadTimeout,
		MaxDepth:              DefaultMaxDepth,
	}
}

func (o *Options) applyDefaults() {
	if o.BlockClass == "" && o.BlockClassRegexp == nil {
		o.BlockClass = DefaultBlockClass
	}
	if o.MaskTextClass == "" && o.MaskTextClassRegexp == nil {
		o.MaskTextClass = DefaultMaskTextClass
	}
	if o.MaskInputOptions == nil {
		o.MaskInputOptions = MaskInputOptions{}
	}
	if o.IframeLoadTimeout <= 0 {
		o.IframeLoadTimeout = DefaultLoadTimeout
	}
	if o.StylesheetLoadTimeout <= 0 {
		o.StylesheetLoadTimeout = DefaultLoadTimeout
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
