// Package recorder captures a live dom.Document as a stream of events: one
// full snapshot followed by incremental mutation, stylesheet and canvas
// events, delivered to a sink.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/idgen"
	"github.com/hazyhaar/domreplay/internal/metrics"
	"github.com/hazyhaar/domreplay/internal/sink"
	"github.com/hazyhaar/domreplay/mirror"
	"github.com/hazyhaar/domreplay/mutation"
	"github.com/hazyhaar/domreplay/snapshot"
)

// DefaultCanvasFlushInterval is the cadence canvas payloads are emitted on.
const DefaultCanvasFlushInterval = 100 * time.Millisecond

// ErrStopped is returned by Do once Run has returned.
var ErrStopped = errors.New("recorder: stopped")

// Plugin observes every event the recorder emits, after processors ran.
type Plugin interface {
	Name() string
	OnEvent(e mutation.Event)
}

// Processor is a Plugin that may rewrite events before they reach the sink.
// Processors run in Config.Plugins order.
type Processor interface {
	Plugin
	Process(e mutation.Event) mutation.Event
}

// PanicError carries a value recovered from a task, plugin or flush.
type PanicError struct {
	Where string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recorder: %s panicked: %v", e.Where, e.Value)
}

// Unwrap exposes a recovered error value.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Config configures a Recorder.
type Config struct {
	Doc       *dom.Document
	SessionID string
	Options   snapshot.Options
	Policy    snapshot.Policy
	Gate      Gate
	Sink      sink.Sink
	Plugins   []Plugin

	// Width and Height are reported in Meta events.
	Width, Height int

	CanvasFlushInterval time.Duration
	// CheckoutEvery takes a new full snapshot on this period. 0 disables it.
	CheckoutEvery time.Duration
	// CheckoutEveryN takes a new full snapshot after this many incremental
	// events. 0 disables it.
	CheckoutEveryN int

	// ErrorHandler receives every panic recovered on the recording
	// goroutine as a *PanicError. Returning false stops the recording: Run
	// returns the error. Nil logs and keeps recording.
	ErrorHandler func(err error) bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Now stamps events. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.CanvasFlushInterval <= 0 {
		c.CanvasFlushInterval = DefaultCanvasFlushInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.SessionID == "" {
		c.SessionID = idgen.NewSession()
	}
	if c.Sink == nil {
		c.Sink = sink.NewCallback(nil)
	}
}

type observed struct {
	buf        *Buffer
	stop       func()
	stopSheets func()
}

type canvasPayload struct {
	id       int
	commands json.RawMessage
}

// Recorder owns the mirror, the serializer and one Buffer per observed
// document. Everything that touches them runs on the Run goroutine; other
// goroutines go through Do.
type Recorder struct {
	cfg     Config
	log     *slog.Logger
	mirror  *mirror.Mirror
	sheets  *mirror.StyleSheetMirror[*dom.StyleSheet]
	ser     *snapshot.Serializer
	metrics *metrics.Metrics

	docs  map[*dom.Document]*observed
	order []*dom.Document

	ctx            context.Context
	seq            int64
	incremental    int
	checkoutQueued bool
	frozen         bool
	locked         bool
	failed         error

	mu      sync.Mutex
	tasks   []func()
	canvas  []canvasPayload
	wake    chan struct{}
	running atomic.Bool
	done    chan struct{}
}

// New validates cfg and builds a Recorder. Call Run to start recording.
func New(cfg Config) (*Recorder, error) {
	if cfg.Doc == nil {
		return nil, errors.New("recorder: nil document")
	}
	cfg.applyDefaults()
	r := &Recorder{
		cfg:     cfg,
		log:     cfg.Logger,
		mirror:  mirror.New(),
		sheets:  mirror.NewStyleSheetMirror[*dom.StyleSheet](),
		metrics: cfg.Metrics,
		docs:    make(map[*dom.Document]*observed),
		ctx:     context.Background(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	r.mirror.ShadowRoot = r.shadowRoot

	opts := cfg.Options
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	user := opts.OnSerialize
	opts.OnSerialize = func(n *html.Node) {
		r.metrics.NodeSerialized()
		if user != nil {
			user(n)
		}
	}
	opts.Enqueue = r.enqueue
	opts.OnIframeLoad = r.onIframeLoad
	opts.OnStylesheetLoad = r.onNodeReloaded
	opts.OnImageLoad = r.onNodeReloaded
	ser, err := snapshot.NewSerializer(opts, cfg.Policy, r.mirror)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	r.ser = ser
	return r, nil
}

// SessionID returns the id stamped on every envelope.
func (r *Recorder) SessionID() string { return r.cfg.SessionID }

// Run takes the first full snapshot, then records until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("recorder: already running")
	}
	defer close(r.done)
	r.ctx = ctx

	r.observe(r.cfg.Doc)
	r.runTask("snapshot", r.takeFullSnapshot)

	canvasTicker := time.NewTicker(r.cfg.CanvasFlushInterval)
	defer canvasTicker.Stop()
	var checkout <-chan time.Time
	if r.cfg.CheckoutEvery > 0 {
		t := time.NewTicker(r.cfg.CheckoutEvery)
		defer t.Stop()
		checkout = t.C
	}

	r.log.Info("recorder: started", "session", r.cfg.SessionID, "url", r.cfg.Doc.URL)
	for {
		if r.failed != nil {
			r.unobserveAll()
			r.log.Error("recorder: stopped by error handler", "session", r.cfg.SessionID, "events", r.seq, "error", r.failed)
			return r.failed
		}
		select {
		case <-ctx.Done():
			r.unobserveAll()
			r.log.Info("recorder: stopped", "session", r.cfg.SessionID, "events", r.seq)
			return nil
		case <-r.wake:
			r.drain()
		case <-canvasTicker.C:
			r.runTask("canvas flush", r.flushCanvas)
		case <-checkout:
			r.runTask("snapshot", r.takeFullSnapshot)
		}
	}
}

// Do runs fn on the recording goroutine and waits for it. Records queued
// by fn are flushed as one tick before Do returns.
func (r *Recorder) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	r.enqueue(func() {
		defer close(done)
		fn()
		r.flushDocs()
	})
	select {
	case <-done:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) enqueue(fn func()) {
	r.mu.Lock()
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) drain() {
	for {
		r.mu.Lock()
		tasks := r.tasks
		r.tasks = nil
		r.mu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			if r.failed != nil {
				return
			}
			r.runTask("task", fn)
			r.runTask("flush", r.flushDocs)
		}
	}
}

func (r *Recorder) runTask(where string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.handle(&PanicError{Where: where, Value: p})
		}
	}()
	fn()
}

// handle routes a recovered panic to the error handler. Once the handler
// refuses it, the recording is marked failed and Run stops.
func (r *Recorder) handle(err error) {
	r.metrics.RecorderError()
	if r.cfg.ErrorHandler == nil {
		r.log.Error("recorder: recovered", "session", r.cfg.SessionID, "error", err)
		return
	}
	if r.cfg.ErrorHandler(err) || r.failed != nil {
		return
	}
	r.failed = err
}

func (r *Recorder) flushDocs() {
	for _, d := range r.order {
		d.Flush()
	}
}

// Checkout takes a new full snapshot.
func (r *Recorder) Checkout(ctx context.Context) error {
	return r.Do(ctx, r.takeFullSnapshot)
}

// Freeze holds mutation and canvas emission back until Unfreeze.
func (r *Recorder) Freeze(ctx context.Context) error {
	return r.Do(ctx, func() {
		r.frozen = true
		for _, o := range r.docs {
			o.buf.Freeze()
		}
	})
}

// Unfreeze emits what accumulated while frozen.
func (r *Recorder) Unfreeze(ctx context.Context) error {
	return r.Do(ctx, func() {
		r.frozen = false
		for _, d := range r.order {
			r.docs[d].buf.Unfreeze()
		}
		r.flushCanvas()
	})
}

// Lock holds mutation and canvas emission back until Unlock. Unlike
// Freeze it is meant for short critical sections of the caller, such as
// reading the document while it must not be reported half-changed.
func (r *Recorder) Lock(ctx context.Context) error {
	return r.Do(ctx, func() {
		r.locked = true
		for _, o := range r.docs {
			o.buf.Lock()
		}
	})
}

// Unlock emits what accumulated while locked, canvas payloads included.
func (r *Recorder) Unlock(ctx context.Context) error {
	return r.Do(ctx, func() {
		r.locked = false
		for _, d := range r.order {
			r.docs[d].buf.Unlock()
		}
		r.flushCanvas()
	})
}

// AddCustomEvent emits an application event. payload is JSON-encoded.
func (r *Recorder) AddCustomEvent(ctx context.Context, tag string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("recorder: custom event %q: %w", tag, err)
	}
	return r.Do(ctx, func() {
		r.emit(mutation.Event{Type: mutation.Custom, Data: &mutation.CustomData{Tag: tag, Payload: raw}, Timestamp: r.now()})
	})
}

// AddPluginEvent emits an event on behalf of a plugin.
func (r *Recorder) AddPluginEvent(ctx context.Context, plugin string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("recorder: plugin event %q: %w", plugin, err)
	}
	return r.Do(ctx, func() {
		r.emit(mutation.Event{Type: mutation.Plugin, Data: &mutation.PluginData{Plugin: plugin, Payload: raw}, Timestamp: r.now()})
	})
}

// RecordCanvas queues an opaque command payload for the canvas with the
// given id. It is safe from any goroutine.
func (r *Recorder) RecordCanvas(id int, commands json.RawMessage) {
	r.mu.Lock()
	r.canvas = append(r.canvas, canvasPayload{id: id, commands: commands})
	r.mu.Unlock()
}

func (r *Recorder) flushCanvas() {
	if r.frozen || r.locked {
		return
	}
	r.mu.Lock()
	pending := r.canvas
	r.canvas = nil
	r.mu.Unlock()
	for _, c := range pending {
		if !r.mirror.Has(c.id) {
			continue
		}
		r.emit(mutation.NewIncremental(&mutation.CanvasMutationData{
			Source:   mutation.SourceCanvasMutation,
			ID:       c.id,
			Commands: c.commands,
		}, r.now()))
	}
}

func (r *Recorder) now() int64 { return r.cfg.Now().UnixMilli() }

func (r *Recorder) emit(e mutation.Event) {
	for _, p := range r.cfg.Plugins {
		if pr, ok := p.(Processor); ok {
			e = r.process(pr, e)
		}
	}
	r.seq++
	env := sink.Envelope{ID: idgen.New(), SessionID: r.cfg.SessionID, Seq: r.seq, Event: e}
	for _, p := range r.cfg.Plugins {
		r.notify(p, e)
	}
	if err := r.cfg.Sink.Send(r.ctx, env); err != nil {
		r.log.Warn("recorder: sink send failed", "session", r.cfg.SessionID, "seq", r.seq, "error", err)
	}
	if e.Type != mutation.IncrementalSnapshot {
		return
	}
	r.incremental++
	if n := r.cfg.CheckoutEveryN; n > 0 && r.incremental >= n && !r.checkoutQueued {
		r.checkoutQueued = true
		r.enqueue(func() {
			r.checkoutQueued = false
			r.takeFullSnapshot()
		})
	}
}

func (r *Recorder) notify(p Plugin, e mutation.Event) {
	defer func() {
		if v := recover(); v != nil {
			r.handle(&PanicError{Where: "plugin " + p.Name(), Value: v})
		}
	}()
	p.OnEvent(e)
}

// process runs one processor; a panic leaves the event as it was.
func (r *Recorder) process(p Processor, e mutation.Event) (out mutation.Event) {
	out = e
	defer func() {
		if v := recover(); v != nil {
			out = e
			r.handle(&PanicError{Where: "plugin " + p.Name(), Value: v})
		}
	}()
	return p.Process(e)
}

func (r *Recorder) observe(d *dom.Document) {
	if _, ok := r.docs[d]; ok {
		return
	}
	buf := NewBuffer(BufferConfig{
		Doc:        d,
		Serializer: r.ser,
		Gate:       r.cfg.Gate,
		Metrics:    r.metrics,
		Logger:     r.log,
		OnEmit: func(data *mutation.MutationData) {
			r.emit(mutation.NewMutation(data, r.now()))
		},
	})
	if r.frozen {
		buf.Freeze()
	}
	if r.locked {
		buf.Lock()
	}
	o := &observed{buf: buf}
	o.stop = d.Observe(buf.Process)
	o.stopSheets = d.ObserveSheets(func(rec dom.SheetRecord) { r.onSheet(d, rec) })
	r.docs[d] = o
	r.order = append(r.order, d)
}

func (r *Recorder) unobserveAll() {
	for _, d := range r.order {
		o := r.docs[d]
		o.stop()
		o.stopSheets()
	}
	r.docs = make(map[*dom.Document]*observed)
	r.order = nil
}

// takeFullSnapshot emits Meta and FullSnapshot from a reset mirror, then
// the adopted sheets of the document and its shadow roots.
func (r *Recorder) takeFullSnapshot() {
	doc := r.cfg.Doc
	r.emit(mutation.Event{
		Type:      mutation.Meta,
		Data:      &mutation.MetaData{Href: doc.URL, Width: r.cfg.Width, Height: r.cfg.Height},
		Timestamp: r.now(),
	})

	// Frame documents are observed again when their load reattaches them.
	for _, d := range r.order[1:] {
		o := r.docs[d]
		o.stop()
		o.stopSheets()
		delete(r.docs, d)
	}
	r.order = r.order[:1]
	r.docs[doc].buf.Reset()

	r.mirror.Reset()
	r.sheets.Reset()
	node := r.ser.Snapshot(doc)
	scroll := doc.ScrollOf(doc.Root)
	r.emit(mutation.NewFullSnapshot(node, mutation.Offset{Top: scroll.Top, Left: scroll.Left}, r.now()))
	r.metrics.Snapshot()
	r.incremental = 0

	r.adoptedSheets(doc, doc.Root)
	dom.Walk(doc.Root, func(n *html.Node) bool {
		if sr := doc.ShadowRoot(n); sr != nil {
			r.adoptedSheets(doc, sr.Root)
		}
		return true
	})
}

func (r *Recorder) shadowRoot(host *html.Node) *html.Node {
	for _, d := range r.order {
		if sr := d.ShadowRoot(host); sr != nil {
			return sr.Root
		}
	}
	return nil
}

// targetID returns the id adopted sheets are attached to: the document
// node, or the host of a shadow root.
func (r *Recorder) targetID(d *dom.Document, target *html.Node) int {
	if host := d.Host(target); host != nil {
		return r.mirror.GetID(host)
	}
	return r.mirror.GetID(target)
}

func (r *Recorder) adoptedSheets(d *dom.Document, target *html.Node) {
	sheets := d.AdoptedStyleSheets(target)
	if len(sheets) == 0 {
		return
	}
	r.onSheet(d, dom.SheetRecord{Kind: dom.SheetAdopt, Target: target, Sheets: sheets})
}

func (r *Recorder) onSheet(d *dom.Document, rec dom.SheetRecord) {
	switch rec.Kind {
	case dom.SheetAdopt:
		id := r.targetID(d, rec.Target)
		if id <= 0 {
			return
		}
		data := &mutation.AdoptedStyleSheetData{Source: mutation.SourceAdoptedStyleSheet, ID: id, StyleIDs: []int{}}
		for _, s := range rec.Sheets {
			known := r.sheets.Has(s)
			styleID := r.sheets.Add(s)
			data.StyleIDs = append(data.StyleIDs, styleID)
			if known {
				continue
			}
			rules, err := s.Rules()
			if err != nil {
				r.log.Debug("recorder: adopted sheet not readable", "style_id", styleID, "error", err)
				continue
			}
			style := mutation.AdoptedStyle{StyleID: styleID, Rules: []mutation.StyleSheetAddRule{}}
			for i, rule := range rules {
				style.Rules = append(style.Rules, mutation.StyleSheetAddRule{Rule: rule, Index: mutation.IntPtr(i)})
			}
			data.Styles = append(data.Styles, style)
		}
		r.emit(mutation.NewIncremental(data, r.now()))
	case dom.SheetInsert, dom.SheetDelete:
		data := &mutation.StyleSheetRuleData{Source: mutation.SourceStyleSheetRule}
		switch {
		case rec.Sheet.Owner != nil && r.mirror.GetID(rec.Sheet.Owner) > 0:
			data.ID = r.mirror.GetID(rec.Sheet.Owner)
		case r.sheets.Has(rec.Sheet):
			data.StyleID = r.sheets.GetID(rec.Sheet)
		default:
			return
		}
		if rec.Kind == dom.SheetInsert {
			data.Adds = []mutation.StyleSheetAddRule{{Rule: rec.Rule, Index: mutation.IntPtr(rec.Index)}}
		} else {
			data.Removes = []mutation.StyleSheetDeleteRule{{Index: rec.Index}}
		}
		r.emit(mutation.NewIncremental(data, r.now()))
	}
}

func (r *Recorder) contentDocument(iframe *html.Node) *dom.Document {
	for _, d := range r.order {
		if c := d.ContentDocument(iframe); c != nil {
			return c
		}
	}
	return nil
}

// onIframeLoad attaches the serialized content document under its iframe
// and starts observing it.
func (r *Recorder) onIframeLoad(iframe *html.Node, node *mutation.Node) {
	id := r.mirror.GetID(iframe)
	if id <= 0 {
		return
	}
	r.emit(mutation.NewMutation(&mutation.MutationData{
		Adds:           []mutation.AddedNode{{ParentID: id, Node: node}},
		IsAttachIframe: true,
	}, r.now()))
	if content := r.contentDocument(iframe); content != nil {
		r.observe(content)
		r.adoptedSheets(content, content.Root)
	}
}

// onNodeReloaded re-emits the attributes of a node whose serialization
// changed after it was first recorded (a loaded stylesheet or image).
func (r *Recorder) onNodeReloaded(_ *html.Node, node *mutation.Node) {
	if node == nil || !r.mirror.Has(node.ID) {
		return
	}
	m := mutation.AttributeMutation{ID: node.ID, Attributes: make(map[string]mutation.AttributeValue, len(node.Attributes))}
	for name, v := range node.Attributes {
		m.Attributes[name] = mutation.ScalarValue(v)
	}
	r.emit(mutation.NewMutation(&mutation.MutationData{Attributes: []mutation.AttributeMutation{m}}, r.now()))
}
