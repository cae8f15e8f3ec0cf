// Package replay rebuilds a document from a recorded event stream: a full
// snapshot followed by incremental mutation and stylesheet events.
package replay

import (
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/internal/metrics"
	"github.com/hazyhaar/domreplay/mirror"
	"github.com/hazyhaar/domreplay/mutation"
)

// Plugin is told about every node the engine builds or moves.
type Plugin interface {
	OnBuild(n *html.Node, id int)
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(n *html.Node, id int)

func (f PluginFunc) OnBuild(n *html.Node, id int) { f(n, id) }

// EventHandler is a Plugin that also sees every event before it is applied.
type EventHandler interface {
	Plugin
	OnEvent(ev mutation.Event)
}

// MissingNode is an operation waiting for an id that is not registered yet.
// Node is the built subtree of a parked addition; it is nil for parked text
// and attribute operations. Mutation holds the mutation.AddedNode,
// mutation.TextMutation or mutation.AttributeMutation to replay.
type MissingNode struct {
	Node     *html.Node
	Mutation any
}

// Config configures an Engine.
type Config struct {
	Plugins []Plugin
	// HoverCache is shared across engines when set.
	HoverCache *HoverCache
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Engine folds events into a dom.Document. It is not safe for concurrent use.
type Engine struct {
	cfg    Config
	log    *slog.Logger
	hover  *HoverCache
	mirror *mirror.Mirror
	sheets *mirror.StyleSheetMirror[*dom.StyleSheet]

	doc  *dom.Document
	docs map[*html.Node]*dom.Document
	meta mutation.MetaData

	missing map[int][]MissingNode
	fresh   []int
}

// NewEngine returns an engine holding an empty document.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:    cfg,
		log:    cfg.Logger,
		hover:  cfg.HoverCache,
		mirror: mirror.New(),
		sheets: mirror.NewStyleSheetMirror[*dom.StyleSheet](),
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.hover == nil {
		e.hover = NewHoverCache()
	}
	e.mirror.ShadowRoot = e.shadowRoot
	e.reset("")
	return e
}

func (e *Engine) reset(href string) {
	e.mirror.Reset()
	e.sheets.Reset()
	e.doc = dom.New(href)
	e.docs = map[*html.Node]*dom.Document{e.doc.Root: e.doc}
	e.missing = make(map[int][]MissingNode)
	e.fresh = nil
}

// Document returns the rebuilt document.
func (e *Engine) Document() *dom.Document { return e.doc }

// Mirror exposes the replay-side identity map.
func (e *Engine) Mirror() *mirror.Mirror { return e.mirror }

// Meta returns the last Meta event seen.
func (e *Engine) Meta() mutation.MetaData { return e.meta }

// Missing returns the number of parked operations.
func (e *Engine) Missing() int {
	n := 0
	for _, ops := range e.missing {
		n += len(ops)
	}
	return n
}

// MissingIDs returns the ids parked operations wait for, ascending.
func (e *Engine) MissingIDs() []int {
	ids := make([]int, 0, len(e.missing))
	for id := range e.missing {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Apply folds one event. Events the engine does not render are ignored.
func (e *Engine) Apply(ev mutation.Event) {
	for _, p := range e.cfg.Plugins {
		if h, ok := p.(EventHandler); ok {
			h.OnEvent(ev)
		}
	}
	switch d := ev.Data.(type) {
	case *mutation.MetaData:
		e.meta = *d
	case mutation.MetaData:
		e.meta = d
	case *mutation.FullSnapshotData:
		e.applyFullSnapshot(d)
	case mutation.FullSnapshotData:
		e.applyFullSnapshot(&d)
	case *mutation.MutationData:
		e.ApplyMutation(d)
	case mutation.MutationData:
		e.ApplyMutation(&d)
	case *mutation.StyleSheetRuleData:
		e.applyStyleSheetRule(d)
	case mutation.StyleSheetRuleData:
		e.applyStyleSheetRule(&d)
	case *mutation.AdoptedStyleSheetData:
		e.applyAdoptedStyleSheet(d)
	case mutation.AdoptedStyleSheetData:
		e.applyAdoptedStyleSheet(&d)
	default:
		e.log.Debug("replay: event ignored", "type", ev.Type, "source", ev.Source())
	}
}

func (e *Engine) applyFullSnapshot(d *mutation.FullSnapshotData) {
	doc := e.Rebuild(d.Node)
	doc.SetScroll(doc.Root, dom.Scroll{Left: d.InitialOffset.Left, Top: d.InitialOffset.Top})
}

// Rebuild replaces the document with the one serialized in sn. Identity
// tables and parked operations start over.
func (e *Engine) Rebuild(sn *mutation.Node) *dom.Document {
	e.reset(e.meta.Href)
	doc := e.doc
	if sn == nil {
		return doc
	}
	if sn.Type == mutation.DocumentNode {
		e.register(doc.Root, sn)
		for _, c := range sn.ChildNodes {
			e.appendBuilt(doc, doc.Root, c)
		}
		if sn.CompatMode != "" {
			doc.CompatMode = sn.CompatMode
		}
	} else {
		e.appendBuilt(doc, doc.Root, sn)
	}
	e.resolveFresh()
	return doc
}

func (e *Engine) appendBuilt(doc *dom.Document, parent *html.Node, sn *mutation.Node) {
	n := e.build(sn, doc)
	if n == nil {
		return
	}
	if err := doc.AppendChild(parent, n); err != nil {
		e.log.Debug("replay: node not attached", "id", sn.ID, "error", err)
	}
}

// ApplyMutation applies one tick: removals, texts, attributes, then
// additions in resolve-tree order.
func (e *Engine) ApplyMutation(d *mutation.MutationData) {
	if d == nil {
		return
	}
	for _, rm := range d.Removes {
		e.applyRemove(rm)
	}
	for _, t := range mutation.UniqueTexts(d.Texts) {
		e.applyText(t)
	}
	for _, a := range d.Attributes {
		e.applyAttributes(a)
	}
	for _, m := range mutation.Flatten(d.Adds) {
		e.applyAdd(m)
		e.resolveFresh()
	}
}

func (e *Engine) applyRemove(rm mutation.RemovedNode) {
	n := e.mirror.GetNode(rm.ID)
	if n == nil {
		e.log.Debug("replay: removal of unknown node", "id", rm.ID, "parent", rm.ParentID)
		return
	}
	doc := e.docOf(n)
	e.mirror.RemoveNodeFromMap(n)
	if n.Parent == nil {
		return
	}
	if err := doc.RemoveChild(n.Parent, n); err != nil {
		e.log.Debug("replay: removal failed", "id", rm.ID, "error", err)
	}
}

func (e *Engine) applyText(t mutation.TextMutation) {
	if t.Value == nil {
		return
	}
	n := e.mirror.GetNode(t.ID)
	if n == nil {
		e.park(t.ID, MissingNode{Mutation: t})
		return
	}
	doc := e.docOf(n)
	value := *t.Value
	switch n.Type {
	case html.ElementNode:
		e.setOnlyText(doc, n, value)
	default:
		if dom.IsElement(n.Parent, "style") {
			value = AddHoverClass(value, e.hover)
		}
		doc.SetData(n, value)
	}
}

func (e *Engine) applyAttributes(a mutation.AttributeMutation) {
	n := e.mirror.GetNode(a.ID)
	if n == nil {
		e.park(a.ID, MissingNode{Mutation: a})
		return
	}
	if n.Type != html.ElementNode {
		return
	}
	doc := e.docOf(n)
	if _, ok := a.Attributes["_cssText"]; ok && dom.IsElement(n, "link") {
		n = e.promoteLink(doc, n)
	}
	for _, name := range a.Names() {
		v := a.Attributes[name]
		switch {
		case v.IsRemoval():
			e.dropAttr(doc, n, name)
		case v.Style != nil:
			applyStyleDelta(doc, n, v.Style)
		default:
			val := v.Raw()
			if _, ok := attrString(val); !ok {
				e.dropAttr(doc, n, name)
			}
			e.applyAttr(doc, n, name, val)
		}
	}
	e.touchMeta(n, a)
}

func (e *Engine) applyAdd(m mutation.AddedNode) {
	if m.Node == nil || m.Node.ID == mutation.IgnoredNode {
		return
	}
	parent := e.mirror.GetNode(m.ParentID)
	if parent == nil && m.Node.Type == mutation.DocumentNode {
		e.park(m.ParentID, MissingNode{Mutation: m})
		return
	}
	doc := e.doc
	if parent != nil {
		doc = e.docOf(parent)
	}
	if m.Node.Type == mutation.DocumentNode {
		if dom.IsElement(parent, "iframe") {
			e.attachFrame(doc, parent, m.Node)
		}
		return
	}

	n := e.mirror.GetNode(m.Node.ID)
	if n != nil {
		e.relocate(n, m.Node)
	} else if n = e.build(m.Node, doc); n == nil {
		return
	}
	e.place(MissingNode{Node: n, Mutation: m})
}

// place inserts a built node, parking it under its parent or next sibling
// when either is still unknown.
func (e *Engine) place(mn MissingNode) {
	m := mn.Mutation.(mutation.AddedNode)
	parent := e.mirror.GetNode(m.ParentID)
	if parent == nil {
		e.park(m.ParentID, mn)
		return
	}
	var next *html.Node
	if m.NextID != nil {
		if next = e.mirror.GetNode(*m.NextID); next == nil {
			e.park(*m.NextID, mn)
			return
		}
	}
	doc := e.docOf(parent)
	if m.Node.IsShadow && parent.Type == html.ElementNode {
		parent = doc.AttachShadow(parent)
	}
	if next != nil && next.Parent != parent {
		next = nil
	}
	if err := doc.InsertBefore(parent, mn.Node, next); err != nil {
		e.log.Debug("replay: insert failed", "id", m.Node.ID, "parent", m.ParentID, "error", err)
	}
}

func (e *Engine) park(id int, mn MissingNode) {
	e.missing[id] = append(e.missing[id], mn)
	e.cfg.Metrics.MissingParked()
	e.log.Debug("replay: operation parked", "missing", id)
}

// register maps n to its serialization and queues the id so operations
// parked on it replay once the current subtree is in place.
func (e *Engine) register(n *html.Node, sn *mutation.Node) {
	e.mirror.Add(n, sn)
	e.fresh = append(e.fresh, sn.ID)
	e.notify(n, sn.ID)
}

func (e *Engine) notify(n *html.Node, id int) {
	for _, p := range e.cfg.Plugins {
		p.OnBuild(n, id)
	}
}

func (e *Engine) resolveFresh() {
	for len(e.fresh) > 0 {
		ids := e.fresh
		e.fresh = nil
		for _, id := range ids {
			ops, ok := e.missing[id]
			if !ok {
				continue
			}
			delete(e.missing, id)
			e.cfg.Metrics.MissingResolved(len(ops))
			for _, op := range ops {
				switch m := op.Mutation.(type) {
				case mutation.AddedNode:
					if op.Node == nil {
						e.applyAdd(m)
					} else {
						e.place(op)
					}
				case mutation.TextMutation:
					e.applyText(m)
				case mutation.AttributeMutation:
					e.applyAttributes(m)
				}
			}
		}
	}
}

func (e *Engine) applyStyleSheetRule(d *mutation.StyleSheetRuleData) {
	doc := e.doc
	var (
		sheet *dom.StyleSheet
		owner *html.Node
	)
	if d.ID != 0 {
		if owner = e.mirror.GetNode(d.ID); owner == nil {
			e.log.Debug("replay: stylesheet owner unknown", "id", d.ID)
			return
		}
		doc = e.docOf(owner)
		sheet = doc.SheetOf(owner)
	} else {
		sheet, _ = e.sheets.GetStyle(d.StyleID)
	}
	if sheet == nil {
		e.log.Debug("replay: stylesheet unknown", "id", d.ID, "style_id", d.StyleID)
		return
	}
	for _, add := range d.Adds {
		idx := ruleCount(sheet)
		if add.Index != nil {
			idx = *add.Index
		}
		if err := doc.InsertRule(sheet, add.Rule, idx); err != nil {
			e.log.Debug("replay: insert rule failed", "error", err)
		}
	}
	for _, rm := range d.Removes {
		if err := doc.DeleteRule(sheet, rm.Index); err != nil {
			e.log.Debug("replay: delete rule failed", "error", err)
		}
	}
	if dom.IsElement(owner, "style") {
		if css, err := sheet.CSSText(); err == nil {
			e.setOnlyText(doc, owner, AddHoverClass(css, e.hover))
		}
	}
}

func (e *Engine) applyAdoptedStyleSheet(d *mutation.AdoptedStyleSheetData) {
	target := e.mirror.GetNode(d.ID)
	if target == nil {
		e.log.Debug("replay: adopted sheets target unknown", "id", d.ID)
		return
	}
	doc := e.docOf(target)
	for _, st := range d.Styles {
		if _, ok := e.sheets.GetStyle(st.StyleID); ok {
			continue
		}
		sheet := dom.NewConstructedSheet("")
		for _, r := range st.Rules {
			idx := ruleCount(sheet)
			if r.Index != nil {
				idx = *r.Index
			}
			if err := doc.InsertRule(sheet, r.Rule, idx); err != nil {
				e.log.Debug("replay: adopted rule rejected", "style_id", st.StyleID, "error", err)
			}
		}
		e.sheets.Add(sheet, st.StyleID)
	}
	sheets := make([]*dom.StyleSheet, 0, len(d.StyleIDs))
	for _, id := range d.StyleIDs {
		if s, ok := e.sheets.GetStyle(id); ok {
			sheets = append(sheets, s)
		}
	}
	if target.Type == html.ElementNode {
		target = doc.AttachShadow(target)
	}
	doc.AdoptStyleSheets(target, sheets...)
}

func ruleCount(s *dom.StyleSheet) int {
	rules, err := s.Rules()
	if err != nil {
		return 0
	}
	return len(rules)
}

// docOf returns the document n lives in, crossing shadow roots through
// their hosts. Detached nodes belong to the main document.
func (e *Engine) docOf(n *html.Node) *dom.Document {
	for p := n; p != nil; {
		top := p
		for top.Parent != nil {
			top = top.Parent
		}
		if d, ok := e.docs[top]; ok {
			return d
		}
		var host *html.Node
		for _, d := range e.docs {
			if host = d.Host(top); host != nil {
				break
			}
		}
		p = host
	}
	return e.doc
}

func (e *Engine) shadowRoot(host *html.Node) *html.Node {
	for _, d := range e.docs {
		if sr := d.ShadowRoot(host); sr != nil {
			return sr.Root
		}
	}
	return nil
}

// HTML renders the rebuilt document.
func (e *Engine) HTML() string {
	var b strings.Builder
	if err := dom.Render(&b, e.doc.Root); err != nil {
		e.log.Debug("replay: render failed", "error", err)
	}
	return b.String()
}
