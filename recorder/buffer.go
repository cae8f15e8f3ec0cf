package recorder

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/internal/metrics"
	"github.com/hazyhaar/domreplay/mirror"
	"github.com/hazyhaar/domreplay/mutation"
	"github.com/hazyhaar/domreplay/snapshot"
)

// Gate inspects the raw records of a tick before they are diffed. Returning
// false suppresses the payload of that tick; the mirror is still updated so
// later ticks diff against the true state.
type Gate func([]dom.Record) bool

// RateGate lets through at most limit ticks per second, with bursts of
// burst ticks.
func RateGate(limit rate.Limit, burst int) Gate {
	l := rate.NewLimiter(limit, burst)
	return func([]dom.Record) bool { return l.Allow() }
}

type textCursor struct {
	node  *html.Node
	value *string
}

type attributeCursor struct {
	node       *html.Node
	attributes map[string]*string
	styleDiff  mutation.StyleValue
	unchanged  mutation.StyleValue
}

type moveKey struct{ id, parent int }

type removal struct {
	index  int
	parent int
	next   *html.Node
}

// BufferConfig wires a Buffer to one observed document.
type BufferConfig struct {
	Doc        *dom.Document
	Serializer *snapshot.Serializer
	Gate       Gate
	// OnEmit receives every non-empty, non-vetoed payload.
	OnEmit  func(*mutation.MutationData)
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Buffer turns the raw records of one document into mutation payloads, one
// per tick. It must be driven from a single goroutine.
type Buffer struct {
	doc     *dom.Document
	ser     *snapshot.Serializer
	mirror  *mirror.Mirror
	gate    Gate
	onEmit  func(*mutation.MutationData)
	metrics *metrics.Metrics
	log     *slog.Logger

	frozen bool
	locked bool
	vetoed bool

	texts          []textCursor
	attributes     []*attributeCursor
	attributeMap   map[*html.Node]*attributeCursor
	removes        []mutation.RemovedNode
	removedAt      map[*html.Node]removal
	removedSubtree map[*html.Node]bool
	mapRemoves     []*html.Node
	added          *nodeSet
	moved          *nodeSet
	dropped        *nodeSet
	movedMap       map[moveKey]bool
}

// NewBuffer returns a buffer bound to cfg.Doc and the serializer's mirror.
func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnEmit == nil {
		cfg.OnEmit = func(*mutation.MutationData) {}
	}
	b := &Buffer{
		doc:     cfg.Doc,
		ser:     cfg.Serializer,
		mirror:  cfg.Serializer.Mirror(),
		gate:    cfg.Gate,
		onEmit:  cfg.OnEmit,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
	b.reset()
	return b
}

func (b *Buffer) reset() {
	b.vetoed = false
	b.texts = nil
	b.attributes = nil
	b.attributeMap = make(map[*html.Node]*attributeCursor)
	b.removes = nil
	b.removedAt = make(map[*html.Node]removal)
	b.removedSubtree = make(map[*html.Node]bool)
	b.mapRemoves = nil
	b.added = newNodeSet()
	b.moved = newNodeSet()
	b.dropped = newNodeSet()
	b.movedMap = make(map[moveKey]bool)
}

// Reset drops everything accumulated, e.g. when a full snapshot
// supersedes it.
func (b *Buffer) Reset() { b.reset() }

// Doc returns the observed document.
func (b *Buffer) Doc() *dom.Document { return b.doc }

// Freeze holds emission back while records keep accumulating.
func (b *Buffer) Freeze() { b.frozen = true }

// Unfreeze releases a freeze and emits what accumulated.
func (b *Buffer) Unfreeze() {
	b.frozen = false
	b.Emit()
}

// IsFrozen reports whether the buffer is frozen.
func (b *Buffer) IsFrozen() bool { return b.frozen }

// Lock holds emission back, e.g. during a full snapshot.
func (b *Buffer) Lock() { b.locked = true }

// Unlock releases a lock and emits what accumulated.
func (b *Buffer) Unlock() {
	b.locked = false
	b.Emit()
}

// Process diffs one tick of records and emits its payload.
func (b *Buffer) Process(records []dom.Record) {
	if !b.allow(records) {
		b.vetoed = true
	}
	for _, r := range records {
		switch r.Kind {
		case dom.CharacterData:
			b.processText(r)
		case dom.Attributes:
			b.processAttribute(r)
		case dom.ChildList:
			b.processChildList(r)
		}
	}
	b.Emit()
}

func (b *Buffer) allow(records []dom.Record) (ok bool) {
	if b.gate == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("recorder: gate panicked, tick allowed", "panic", r)
			ok = true
		}
	}()
	return b.gate(records)
}

func (b *Buffer) parentID(parent *html.Node) int {
	if b.doc.IsShadowRoot(parent) {
		return b.mirror.GetID(b.doc.Host(parent))
	}
	return b.mirror.GetID(parent)
}

func (b *Buffer) processText(r dom.Record) {
	n := r.Target
	if b.mirror.GetID(n) == mutation.IgnoredNode || !b.doc.Contains(n) || b.ser.IsBlockedFrom(n, false) {
		return
	}
	if r.OldValue != nil && *r.OldValue == n.Data {
		return
	}
	if dom.IsElement(n.Parent, "textarea") {
		b.textareaValue(n.Parent)
		return
	}
	v := b.ser.TextValue(b.doc, n)
	b.texts = append(b.texts, textCursor{node: n, value: &v})
}

func (b *Buffer) cursor(el *html.Node) *attributeCursor {
	c, ok := b.attributeMap[el]
	if !ok {
		c = &attributeCursor{
			node:       el,
			attributes: make(map[string]*string),
			styleDiff:  make(mutation.StyleValue),
			unchanged:  make(mutation.StyleValue),
		}
		b.attributes = append(b.attributes, c)
		b.attributeMap[el] = c
	}
	return c
}

func (b *Buffer) processAttribute(r dom.Record) {
	el := r.Target
	name := r.AttributeName
	if el == nil || el.Type != html.ElementNode || !b.doc.Contains(el) || b.ser.IsBlockedFrom(el, false) {
		return
	}
	cur, has := dom.Attr(el, name)
	if has && r.OldValue != nil && *r.OldValue == cur || !has && r.OldValue == nil {
		return
	}
	var value *string
	if has {
		value = &cur
	}
	if name == "value" && value != nil {
		opts := b.ser.Options()
		masked := b.ser.NeedMaskingText(el, snapshot.ShouldMaskInput(opts.MaskInputOptions, el.Data, snapshot.InputType(el)))
		v := b.ser.MaskInputValue(masked, el, cur)
		value = &v
	}
	if el.Data == "iframe" && name == "src" && !b.ser.Policy().KeepIframeSrc(cur) {
		if b.doc.ContentDocument(el) != nil {
			return
		}
		name = "rr_src"
	}
	if name == "type" && el.Data == "input" && r.OldValue != nil && strings.EqualFold(*r.OldValue, "password") {
		b.doc.SetAttribute(el, snapshot.PasswordMarker, "true")
	}
	if snapshot.IgnoreAttribute(el.Data, name) {
		return
	}
	c := b.cursor(el)
	if value == nil {
		c.attributes[name] = nil
		return
	}
	v := b.ser.TransformAttribute(b.doc.BaseURL(), el.Data, strings.ToLower(name), *value, el)
	c.attributes[name] = &v
	if name == "style" {
		c.diffStyle(cur, r.OldValue)
	}
}

type declaration struct{ value, priority string }

type declarations struct {
	order []string
	props map[string]declaration
}

func parseStyle(s string) declarations {
	out := declarations{props: make(map[string]declaration)}
	decls, err := parser.ParseDeclarations(s)
	if err != nil {
		return out
	}
	for _, d := range decls {
		p := strings.ToLower(d.Property)
		if _, ok := out.props[p]; !ok {
			out.order = append(out.order, p)
		}
		dec := declaration{value: d.Value}
		if d.Important {
			dec.priority = "important"
		}
		out.props[p] = dec
	}
	return out
}

// diffStyle folds the property-level change from old to cur into the
// cursor.
func (c *attributeCursor) diffStyle(cur string, old *string) {
	now := parseStyle(cur)
	var before declarations
	if old != nil {
		before = parseStyle(*old)
	}
	for _, p := range now.order {
		d := now.props[p]
		if prev, ok := before.props[p]; ok && prev == d {
			c.unchanged[p] = mutation.StyleProp{Value: d.value, Priority: d.priority}
			continue
		}
		c.styleDiff[p] = mutation.StyleProp{Value: d.value, Priority: d.priority}
	}
	for _, p := range before.order {
		if _, ok := now.props[p]; !ok {
			c.styleDiff[p] = mutation.StyleProp{Removed: true}
		}
	}
}

// compactStyle reports whether the style delta should replace the full
// style string: strictly shorter, and not losing any var() reference.
func (c *attributeCursor) compactStyle(style string) bool {
	if len(c.styleDiff) == 0 {
		return false
	}
	diff, err := json.Marshal(c.styleDiff)
	if err != nil {
		return false
	}
	unchanged, err := json.Marshal(c.unchanged)
	if err != nil {
		return false
	}
	if len(diff) >= len(style) {
		return false
	}
	return strings.Count(string(diff)+string(unchanged), "var(") == strings.Count(style, "var(")
}

func (b *Buffer) textareaValue(ta *html.Node) {
	opts := b.ser.Options()
	masked := b.ser.NeedMaskingText(ta, snapshot.ShouldMaskInput(opts.MaskInputOptions, "textarea", "textarea"))
	v := b.ser.MaskInputValue(masked, ta, b.doc.InputValue(ta))
	b.cursor(ta).attributes["value"] = &v
}

func (b *Buffer) processChildList(r dom.Record) {
	target := r.Target
	if b.ser.IsBlockedFrom(target, true) {
		return
	}
	if dom.IsElement(target, "textarea") {
		b.textareaValue(target)
		return
	}
	for _, n := range r.Added {
		b.genAdds(n, target)
	}
	for _, n := range r.Removed {
		b.genRemove(n, target, r.NextSibling)
	}
}

func (b *Buffer) genAdds(n, target *html.Node) {
	if b.added.has(n) || b.moved.has(n) {
		return
	}
	if b.mirror.HasNode(n) {
		id := b.mirror.GetID(n)
		if id == mutation.IgnoredNode {
			return
		}
		b.moved.add(n)
		if target != nil {
			if pid := b.parentID(target); pid > 0 {
				b.movedMap[moveKey{id, pid}] = true
			}
		}
	} else {
		b.added.add(n)
		b.dropped.remove(n)
	}
	if b.ser.IsBlockedFrom(n, false) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.genAdds(c, nil)
	}
	if n.Type == html.ElementNode {
		if sr := b.doc.ShadowRoot(n); sr != nil {
			for c := sr.Root.FirstChild; c != nil; c = c.NextSibling {
				b.genAdds(c, n)
			}
		}
	}
}

func (b *Buffer) genRemove(n, target, next *html.Node) {
	if b.ser.IsBlockedFrom(target, false) {
		return
	}
	if b.added.has(n) {
		b.added.deepDelete(n)
		b.dropped.add(n)
		return
	}
	id := b.mirror.GetID(n)
	if id == mutation.IgnoredNode || id == mutation.NotTracked {
		return
	}
	parentID := b.parentID(target)
	switch {
	case b.ancestorRemoved(target):
	case parentID == mutation.NotTracked:
		// taken out of a node added in this tick: the removal from its
		// original parent already stands
		b.moved.deepDelete(n)
	case b.moved.has(n) && b.movedMap[moveKey{id, parentID}]:
		// re-added then removed again in this tick: only the first
		// removal stands
		b.moved.deepDelete(n)
	default:
		b.removedAt[n] = removal{index: len(b.removes), parent: parentID, next: next}
		b.removes = append(b.removes, mutation.RemovedNode{
			ParentID: parentID,
			ID:       id,
			IsShadow: b.doc.IsNativeShadowRoot(target),
		})
		b.markRemoved(n)
	}
	b.mapRemoves = append(b.mapRemoves, n)
}

func (b *Buffer) markRemoved(n *html.Node) {
	b.removedSubtree[n] = true
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.markRemoved(c)
	}
	if n.Type == html.ElementNode {
		if sr := b.doc.ShadowRoot(n); sr != nil {
			for c := sr.Root.FirstChild; c != nil; c = c.NextSibling {
				b.markRemoved(c)
			}
		}
	}
}

// ancestorRemoved reports whether n is no longer reachable from the
// document, crossing shadow roots through their hosts. Nodes added or moved
// in this tick count as reachable when they end up attached.
func (b *Buffer) ancestorRemoved(n *html.Node) bool {
	return !b.doc.Contains(n)
}

func (b *Buffer) parentRemoved(n *html.Node) bool {
	return n.Parent != nil && b.removedSubtree[n.Parent]
}

// cancelPingPong finds nodes removed and put back at the very same place
// during the tick, with an untouched next sibling. Neither their removal
// nor their addition is emitted; their mirror entries are restored.
func (b *Buffer) cancelPingPong() (skip map[*html.Node]bool, cancelled map[int]bool) {
	skip = make(map[*html.Node]bool)
	cancelled = make(map[int]bool)
	for n, rm := range b.removedAt {
		if !b.moved.has(n) || n.Parent == nil || !b.doc.Contains(n) {
			continue
		}
		if b.parentID(n.Parent) != rm.parent || n.NextSibling != rm.next {
			continue
		}
		if next := rm.next; next != nil {
			if _, moved := b.removedAt[next]; moved || b.moved.has(next) || b.added.has(next) {
				continue
			}
		}
		cancelled[rm.index] = true
		b.restore(n, n, skip)
	}
	return skip, cancelled
}

func (b *Buffer) restore(root, n *html.Node, skip map[*html.Node]bool) {
	if n != root {
		if _, own := b.removedAt[n]; own {
			return
		}
	}
	if meta := b.mirror.GetMeta(n); meta != nil && (n == root || b.moved.has(n) || meta.ID == mutation.IgnoredNode) {
		b.mirror.Add(n, meta)
		if b.moved.has(n) {
			skip[n] = true
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.restore(root, c, skip)
	}
	if n.Type == html.ElementNode {
		if sr := b.doc.ShadowRoot(n); sr != nil {
			for c := sr.Root.FirstChild; c != nil; c = c.NextSibling {
				b.restore(root, c, skip)
			}
		}
	}
}

type emission struct {
	adds     []mutation.AddedNode
	ids      map[int]bool
	deferred []*html.Node
}

func (b *Buffer) nextID(n *html.Node) (*int, bool) {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		switch id := b.mirror.GetID(s); id {
		case mutation.IgnoredNode:
			continue
		case mutation.NotTracked:
			return nil, false
		default:
			return mutation.IntPtr(id), true
		}
	}
	return nil, true
}

func (b *Buffer) resolvable(n *html.Node) bool {
	if n.Parent == nil || b.parentID(n.Parent) == mutation.NotTracked {
		return false
	}
	_, ok := b.nextID(n)
	return ok
}

// pushAdd serializes n as an addition, or defers it while its parent or
// next sibling has no id yet.
func (b *Buffer) pushAdd(e *emission, n *html.Node) {
	parent := n.Parent
	if parent == nil || !b.doc.Contains(n) {
		return
	}
	if n.Type == html.TextNode && dom.IsElement(parent, "textarea") {
		b.textareaValue(parent)
		return
	}
	parentID := b.parentID(parent)
	next, ok := b.nextID(n)
	if parentID == mutation.NotTracked || !ok {
		e.deferred = append(e.deferred, n)
		return
	}
	sn := b.ser.Serialize(n, snapshot.SerializeParams{Doc: b.doc, SkipChild: true, NewlyAdded: true})
	if sn == nil {
		return
	}
	e.adds = append(e.adds, mutation.AddedNode{ParentID: parentID, NextID: next, Node: sn})
	e.ids[sn.ID] = true
}

// drainDeferred serializes deferred nodes tail first, preferring the
// neighbour of the last one placed, until no progress is possible.
func (b *Buffer) drainDeferred(e *emission) {
	candidate := -1
	for len(e.deferred) > 0 {
		pick := -1
		if candidate >= 0 && candidate < len(e.deferred) && b.resolvable(e.deferred[candidate]) {
			pick = candidate
		}
		for i := len(e.deferred) - 1; pick < 0 && i >= 0; i-- {
			if b.resolvable(e.deferred[i]) {
				pick = i
			}
		}
		if pick < 0 {
			b.log.Debug("recorder: unresolvable additions dropped", "count", len(e.deferred))
			return
		}
		n := e.deferred[pick]
		e.deferred = append(e.deferred[:pick:pick], e.deferred[pick+1:]...)
		candidate = pick - 1
		before := len(e.deferred)
		b.pushAdd(e, n)
		if len(e.deferred) > before {
			e.deferred = e.deferred[:before]
		}
	}
}

// Emit builds the payload of everything accumulated since the last emit and
// hands it to OnEmit. A frozen or locked buffer emits nothing.
func (b *Buffer) Emit() {
	if b.frozen || b.locked {
		return
	}
	for _, n := range b.mapRemoves {
		b.mirror.RemoveNodeFromMap(n)
	}
	b.mapRemoves = nil

	e := &emission{ids: make(map[int]bool)}
	skip, cancelled := b.cancelPingPong()
	for _, n := range b.moved.items() {
		if skip[n] {
			continue
		}
		if b.parentRemoved(n) && !b.moved.ancestorIn(n) && !b.added.ancestorIn(n) {
			continue
		}
		b.pushAdd(e, n)
	}
	for _, n := range b.added.items() {
		switch {
		case !b.dropped.ancestorIn(n) && !b.parentRemoved(n):
			b.pushAdd(e, n)
		case b.moved.ancestorIn(n):
			b.pushAdd(e, n)
		default:
			b.dropped.add(n)
		}
	}
	b.drainDeferred(e)

	data := &mutation.MutationData{Adds: e.adds}
	for i, rm := range b.removes {
		// a node re-inserted in this tick is conveyed by its addition
		if cancelled[i] || e.ids[rm.ID] {
			continue
		}
		data.Removes = append(data.Removes, rm)
	}
	for _, t := range b.texts {
		id := b.mirror.GetID(t.node)
		if e.ids[id] || !b.mirror.Has(id) {
			continue
		}
		data.Texts = append(data.Texts, mutation.TextMutation{ID: id, Value: t.value})
	}
	data.Texts = mutation.UniqueTexts(data.Texts)
	for _, c := range b.attributes {
		id := b.mirror.GetID(c.node)
		if e.ids[id] || !b.mirror.Has(id) {
			continue
		}
		m := mutation.AttributeMutation{ID: id, Attributes: make(map[string]mutation.AttributeValue, len(c.attributes))}
		for name, v := range c.attributes {
			if v == nil {
				m.Attributes[name] = mutation.AttributeValue{}
				continue
			}
			m.Attributes[name] = mutation.StringValue(*v)
		}
		if style := c.attributes["style"]; style != nil && c.compactStyle(*style) {
			m.Attributes["style"] = mutation.AttributeValue{Style: c.styleDiff}
		}
		data.Attributes = append(data.Attributes, m)
	}

	vetoed := b.vetoed
	b.reset()
	b.metrics.Batch(data, vetoed)
	if vetoed {
		b.log.Debug("recorder: tick vetoed by gate", "adds", len(data.Adds), "removes", len(data.Removes))
		return
	}
	if data.Empty() {
		return
	}
	b.onEmit(data)
}
