package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/internal/sink"
	"github.com/hazyhaar/domreplay/mutation"
	"github.com/hazyhaar/domreplay/snapshot"
)

type collector struct {
	mu   sync.Mutex
	envs []sink.Envelope
}

func (c *collector) send(_ context.Context, env sink.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) events() []mutation.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mutation.Event, len(c.envs))
	for i, e := range c.envs {
		out[i] = e.Event
	}
	return out
}

func (c *collector) last() mutation.Event {
	ev := c.events()
	if len(ev) == 0 {
		return mutation.Event{Type: -1}
	}
	return ev[len(ev)-1]
}

func startRecorder(t *testing.T, cfg Config) (*Recorder, *collector) {
	t.Helper()
	c := &collector{}
	cfg.Sink = sink.NewCallback(c.send)
	cfg.Options = snapshot.DefaultOptions()
	r, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	if err := r.Do(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}
	return r, c
}

func (r *Recorder) mustDo(t *testing.T, fn func()) {
	t.Helper()
	if err := r.Do(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func parseDoc(t *testing.T, src string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(src, "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func q(t *testing.T, doc *dom.Document, sel string) *html.Node {
	t.Helper()
	n := dom.MustParseSelector(sel).QuerySelector(doc.Root)
	if n == nil {
		t.Fatalf("no element matches %q", sel)
	}
	return n
}

func TestRunStartsWithMetaAndFullSnapshot(t *testing.T) {
	doc := parseDoc(t, `<div><p>Hello</p></div>`)
	r, c := startRecorder(t, Config{Doc: doc, SessionID: "ses_test", Width: 800, Height: 600})
	ev := c.events()
	if len(ev) < 2 {
		t.Fatalf("events: got %d, want 2", len(ev))
	}
	meta, ok := ev[0].Data.(*mutation.MetaData)
	if ev[0].Type != mutation.Meta || !ok || meta.Width != 800 || meta.Href != doc.URL {
		t.Errorf("meta: got %+v", ev[0])
	}
	full, ok := ev[1].Data.(*mutation.FullSnapshotData)
	if ev[1].Type != mutation.FullSnapshot || !ok || full.Node.ID != 1 {
		t.Fatalf("full snapshot: got %+v", ev[1])
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.envs[0].Seq != 1 || c.envs[1].Seq != 2 || c.envs[1].SessionID != r.SessionID() {
		t.Errorf("envelopes: got %+v", c.envs[:2])
	}
	if c.envs[0].ID == "" || c.envs[0].ID == c.envs[1].ID {
		t.Errorf("envelope ids: got %q %q", c.envs[0].ID, c.envs[1].ID)
	}
}

func TestDoEmitsMutationTick(t *testing.T) {
	doc := parseDoc(t, `<div id="a"></div>`)
	r, c := startRecorder(t, Config{Doc: doc})
	a := q(t, doc, "#a")
	r.mustDo(t, func() { doc.SetAttribute(a, "title", "x") })
	e := c.last()
	data, ok := e.Data.(*mutation.MutationData)
	if e.Type != mutation.IncrementalSnapshot || !ok || data.Source != mutation.SourceMutation {
		t.Fatalf("last event: got %+v", e)
	}
	if len(data.Attributes) != 1 || *data.Attributes[0].Attributes["title"].Value != "x" {
		t.Errorf("attributes: got %+v", data.Attributes)
	}
}

func TestCheckoutRestartsIDs(t *testing.T) {
	doc := parseDoc(t, `<div id="a"></div>`)
	r, c := startRecorder(t, Config{Doc: doc})
	a := q(t, doc, "#a")
	var before int
	r.mustDo(t, func() { before = r.mirror.GetID(a) })
	if err := r.Checkout(context.Background()); err != nil {
		t.Fatal(err)
	}
	ev := c.events()
	if len(ev) != 4 || ev[2].Type != mutation.Meta || ev[3].Type != mutation.FullSnapshot {
		t.Fatalf("events: got %d, want meta+full twice", len(ev))
	}
	if full := ev[3].Data.(*mutation.FullSnapshotData); full.Node.ID != 1 {
		t.Errorf("root id after checkout: got %d, want 1", full.Node.ID)
	}
	var after int
	r.mustDo(t, func() { after = r.mirror.GetID(a) })
	if after != before {
		t.Errorf("id of #a: got %d after checkout, want %d", after, before)
	}
}

func TestCheckoutEveryN(t *testing.T) {
	doc := parseDoc(t, `<div id="a"></div>`)
	r, c := startRecorder(t, Config{Doc: doc, CheckoutEveryN: 2})
	a := q(t, doc, "#a")
	r.mustDo(t, func() { doc.SetAttribute(a, "title", "1") })
	r.mustDo(t, func() { doc.SetAttribute(a, "title", "2") })
	r.mustDo(t, func() {})
	fulls := 0
	for _, e := range c.events() {
		if e.Type == mutation.FullSnapshot {
			fulls++
		}
	}
	if fulls != 2 {
		t.Errorf("full snapshots: got %d, want 2", fulls)
	}
}

func TestCustomAndPluginEvents(t *testing.T) {
	doc := parseDoc(t, `<p>x</p>`)
	r, c := startRecorder(t, Config{Doc: doc})
	if err := r.AddCustomEvent(context.Background(), "checkout", map[string]int{"step": 2}); err != nil {
		t.Fatal(err)
	}
	e := c.last()
	custom, ok := e.Data.(*mutation.CustomData)
	if e.Type != mutation.Custom || !ok || custom.Tag != "checkout" || string(custom.Payload) != `{"step":2}` {
		t.Errorf("custom: got %+v", e)
	}
	if err := r.AddPluginEvent(context.Background(), "console", []string{"hi"}); err != nil {
		t.Fatal(err)
	}
	if p, ok := c.last().Data.(*mutation.PluginData); !ok || p.Plugin != "console" {
		t.Errorf("plugin: got %+v", c.last())
	}
	if err := r.AddCustomEvent(context.Background(), "bad", func() {}); err == nil {
		t.Error("AddCustomEvent: want marshal error")
	}
}

type countingPlugin struct {
	mu    sync.Mutex
	types []mutation.EventType
	boom  bool
}

func (p *countingPlugin) Name() string { return "counting" }

func (p *countingPlugin) OnEvent(e mutation.Event) {
	p.mu.Lock()
	p.types = append(p.types, e.Type)
	p.mu.Unlock()
	if p.boom {
		panic("plugin failure")
	}
}

func TestPluginsObserveEveryEvent(t *testing.T) {
	doc := parseDoc(t, `<p>x</p>`)
	bad := &countingPlugin{boom: true}
	good := &countingPlugin{}
	_, c := startRecorder(t, Config{Doc: doc, Plugins: []Plugin{bad, good}})
	good.mu.Lock()
	defer good.mu.Unlock()
	if len(good.types) != len(c.events()) || len(good.types) != 2 {
		t.Errorf("plugin saw %v, sink got %d", good.types, len(c.events()))
	}
}

func TestStyleSheetRuleEvents(t *testing.T) {
	doc := parseDoc(t, `<style id="s">a { color: red }</style>`)
	r, c := startRecorder(t, Config{Doc: doc})
	style := q(t, doc, "#s")
	sheet := doc.SheetOf(style)
	if sheet == nil {
		t.Fatal("no sheet for <style>")
	}
	r.mustDo(t, func() {
		if err := doc.InsertRule(sheet, "b { color: blue }", 1); err != nil {
			t.Error(err)
		}
	})
	rule, ok := c.last().Data.(*mutation.StyleSheetRuleData)
	if !ok || rule.Source != mutation.SourceStyleSheetRule || len(rule.Adds) != 1 || *rule.Adds[0].Index != 1 {
		t.Fatalf("rule event: got %+v", c.last())
	}
	var styleID int
	r.mustDo(t, func() { styleID = r.mirror.GetID(style) })
	if rule.ID != styleID {
		t.Errorf("rule owner: got %d, want %d", rule.ID, styleID)
	}
	r.mustDo(t, func() {
		if err := doc.DeleteRule(sheet, 0); err != nil {
			t.Error(err)
		}
	})
	if del, ok := c.last().Data.(*mutation.StyleSheetRuleData); !ok || len(del.Removes) != 1 || del.Removes[0].Index != 0 {
		t.Errorf("delete event: got %+v", c.last())
	}
}

func TestAdoptedStyleSheets(t *testing.T) {
	doc := parseDoc(t, `<p>x</p>`)
	r, c := startRecorder(t, Config{Doc: doc})
	sheet := dom.NewConstructedSheet("p { color: red }")
	r.mustDo(t, func() { doc.AdoptStyleSheets(doc.Root, sheet) })
	data, ok := c.last().Data.(*mutation.AdoptedStyleSheetData)
	if !ok || data.ID != 1 || len(data.StyleIDs) != 1 || len(data.Styles) != 1 {
		t.Fatalf("adopted: got %+v", c.last())
	}
	if data.Styles[0].StyleID != data.StyleIDs[0] || len(data.Styles[0].Rules) != 1 {
		t.Errorf("adopted style: got %+v", data.Styles[0])
	}

	r.mustDo(t, func() { doc.AdoptStyleSheets(doc.Root, sheet) })
	again := c.last().Data.(*mutation.AdoptedStyleSheetData)
	if len(again.Styles) != 0 || again.StyleIDs[0] != data.StyleIDs[0] {
		t.Errorf("re-adoption: got %+v, want ids only", again)
	}
}

func TestFreezeHoldsMutations(t *testing.T) {
	doc := parseDoc(t, `<div id="a"></div>`)
	r, c := startRecorder(t, Config{Doc: doc})
	a := q(t, doc, "#a")
	if err := r.Freeze(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.mustDo(t, func() { doc.SetAttribute(a, "title", "x") })
	if n := len(c.events()); n != 2 {
		t.Fatalf("frozen: got %d events, want 2", n)
	}
	if err := r.Unfreeze(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.last().Data.(*mutation.MutationData); !ok {
		t.Errorf("after unfreeze: got %+v", c.last())
	}
}

func TestCanvasPayloadsFlushOnTicker(t *testing.T) {
	doc := parseDoc(t, `<canvas id="c"></canvas>`)
	r, c := startRecorder(t, Config{Doc: doc, CanvasFlushInterval: 5 * time.Millisecond})
	var id int
	r.mustDo(t, func() { id = r.mirror.GetID(q(t, doc, "#c")) })
	r.RecordCanvas(id, json.RawMessage(`[{"property":"fillRect","args":[0,0,1,1]}]`))
	r.RecordCanvas(9999, json.RawMessage(`[]`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cm, ok := c.last().Data.(*mutation.CanvasMutationData); ok {
			if cm.ID != id || cm.Source != mutation.SourceCanvasMutation {
				t.Errorf("canvas: got %+v", cm)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("canvas payload never flushed")
}

func TestIframeAttachAndObserve(t *testing.T) {
	doc := parseDoc(t, `<iframe id="f" src="https://example.com/frame.html"></iframe>`)
	content, err := dom.ParseString(`<p id="inner">in</p>`, "https://example.com/frame.html")
	if err != nil {
		t.Fatal(err)
	}
	iframe := q(t, doc, "#f")
	doc.SetFrame(iframe, content, true)

	r, c := startRecorder(t, Config{Doc: doc})
	r.mustDo(t, func() {})

	var attach *mutation.MutationData
	for _, e := range c.events() {
		if d, ok := e.Data.(*mutation.MutationData); ok && d.IsAttachIframe {
			attach = d
		}
	}
	if attach == nil || len(attach.Adds) != 1 || attach.Adds[0].Node.Type != mutation.DocumentNode {
		t.Fatalf("attach: got %+v", attach)
	}

	inner := q(t, content, "#inner")
	r.mustDo(t, func() { content.SetAttribute(inner, "title", "t") })
	data, ok := c.last().Data.(*mutation.MutationData)
	if !ok || len(data.Attributes) != 1 {
		t.Fatalf("frame mutation: got %+v", c.last())
	}
	var innerID int
	r.mustDo(t, func() { innerID = r.mirror.GetID(inner) })
	if data.Attributes[0].ID != innerID {
		t.Errorf("frame mutation id: got %d, want %d", data.Attributes[0].ID, innerID)
	}
}

func TestDoAfterStop(t *testing.T) {
	doc := parseDoc(t, `<p>x</p>`)
	r, err := New(Config{Doc: doc})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if err := r.Do(context.Background(), func() {}); err != ErrStopped {
		t.Errorf("Do: got %v, want ErrStopped", err)
	}
}

func TestNewRejectsNilDocument(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New: want error")
	}
}

func TestLockHoldsMutationsAndCanvas(t *testing.T) {
	doc := parseDoc(t, `<div id="a"></div><canvas id="c"></canvas>`)
	r, c := startRecorder(t, Config{Doc: doc, CanvasFlushInterval: 5 * time.Millisecond})
	var id int
	r.mustDo(t, func() { id = r.mirror.GetID(q(t, doc, "#c")) })
	if err := r.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.mustDo(t, func() { doc.SetAttribute(q(t, doc, "#a"), "title", "x") })
	r.RecordCanvas(id, json.RawMessage(`[]`))
	time.Sleep(30 * time.Millisecond)
	if n := len(c.events()); n != 2 {
		t.Fatalf("locked: got %d events, want 2", n)
	}
	if err := r.Unlock(context.Background()); err != nil {
		t.Fatal(err)
	}
	var mutations, canvas int
	for _, e := range c.events()[2:] {
		switch e.Data.(type) {
		case *mutation.MutationData:
			mutations++
		case *mutation.CanvasMutationData:
			canvas++
		}
	}
	if mutations != 1 || canvas != 1 {
		t.Errorf("after unlock: got %d mutation and %d canvas events, want 1 and 1", mutations, canvas)
	}
}

func TestSequentialIDStampsEvents(t *testing.T) {
	doc := parseDoc(t, `<div id="a"></div>`)
	r, c := startRecorder(t, Config{Doc: doc, Plugins: []Plugin{NewSequentialID()}})
	a := q(t, doc, "#a")
	r.mustDo(t, func() { doc.SetAttribute(a, "title", "1") })
	r.mustDo(t, func() { doc.SetAttribute(a, "title", "2") })
	ev := c.events()
	if len(ev) != 4 {
		t.Fatalf("events: got %d, want 4", len(ev))
	}
	for i, e := range ev {
		if e.ID != int64(i+1) {
			t.Errorf("event %d: got id %d, want %d", i, e.ID, i+1)
		}
	}
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
	keep int
}

func (l *errorLog) handle(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
	return len(l.errs) <= l.keep
}

func (l *errorLog) all() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func TestErrorHandlerSeesPluginPanics(t *testing.T) {
	doc := parseDoc(t, `<p>x</p>`)
	log := &errorLog{keep: 100}
	startRecorder(t, Config{Doc: doc, Plugins: []Plugin{&countingPlugin{boom: true}}, ErrorHandler: log.handle})
	errs := log.all()
	if len(errs) != 2 {
		t.Fatalf("handled: got %d errors, want 2", len(errs))
	}
	var pe *PanicError
	if !errors.As(errs[0], &pe) || pe.Where != "plugin counting" || pe.Value != "plugin failure" {
		t.Errorf("error: got %v", errs[0])
	}
}

func TestErrorHandlerStopsRecording(t *testing.T) {
	doc := parseDoc(t, `<p>x</p>`)
	log := &errorLog{keep: 1}
	r, err := New(Config{Doc: doc, ErrorHandler: log.handle})
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background()) }()

	if err := r.Do(context.Background(), func() { panic("first") }); err != nil {
		t.Fatalf("first panic: %v", err)
	}
	if err := r.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("after handled panic: %v", err)
	}
	r.Do(context.Background(), func() { panic("second") })

	select {
	case err := <-errc:
		var pe *PanicError
		if !errors.As(err, &pe) || pe.Value != "second" {
			t.Errorf("Run: got %v, want the second panic", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept going after the handler refused an error")
	}
	if err := r.Do(context.Background(), func() {}); err != ErrStopped {
		t.Errorf("Do: got %v, want ErrStopped", err)
	}
	if n := len(log.all()); n != 2 {
		t.Errorf("handled: got %d errors, want 2", n)
	}
}
