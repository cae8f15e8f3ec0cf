// Package snapshot turns live dom nodes into serialized mutation.Node trees,
// assigning mirror ids on the way and applying the blocking, masking and
// inlining rules of a recording session.
package snapshot

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/mirror"
	"github.com/hazyhaar/domreplay/mutation"
)

var invalidTagChars = regexp.MustCompile(`[^a-z0-9_:-]`)

// Serializer serializes nodes for one recording session. It is bound to the
// session mirror and is not safe for concurrent use.
type Serializer struct {
	opts          Options
	policy        Policy
	defaultPolicy bool
	mirror        *mirror.Mirror
	log           *slog.Logger

	block   matcher
	unblock *dom.Selector
	mask    matcher
	unmask  matcher
}

// SerializeParams are the per-call inputs of Serialize.
type SerializeParams struct {
	// Doc is the document n belongs to. It provides the base URL and the
	// host-side state of n.
	Doc *dom.Document
	// SkipChild serializes n alone.
	SkipChild bool
	// NewlyAdded marks n as just inserted, so its scroll offsets are
	// skipped.
	NewlyAdded bool
	// PreserveWhiteSpace overrides Options.PreserveWhiteSpace when set.
	PreserveWhiteSpace *bool
}

// NewSerializer validates opts and binds a serializer to m. A nil policy
// means DefaultPolicy.
func NewSerializer(opts Options, p Policy, m *mirror.Mirror) (*Serializer, error) {
	opts.applyDefaults()
	if m == nil {
		m = mirror.New()
	}
	_, isDefault := p.(DefaultPolicy)
	if p == nil {
		p, isDefault = DefaultPolicy{}, true
	}
	s := &Serializer{
		opts:          opts,
		policy:        guarded{p: p},
		defaultPolicy: isDefault,
		mirror:        m,
		log:           opts.Logger,
	}

	parse := func(what, src string) (*dom.Selector, error) {
		if strings.TrimSpace(src) == "" {
			return nil, nil
		}
		sel, err := dom.ParseSelector(src)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %s selector: %w", what, err)
		}
		return sel, nil
	}
	var err error
	s.block = matcher{class: opts.BlockClass, classRe: opts.BlockClassRegexp}
	if s.block.selector, err = parse("block", opts.BlockSelector); err != nil {
		return nil, err
	}
	if s.unblock, err = parse("unblock", opts.UnblockSelector); err != nil {
		return nil, err
	}
	s.mask = matcher{class: opts.MaskTextClass, classRe: opts.MaskTextClassRegexp}
	if s.mask.selector, err = parse("mask text", opts.MaskTextSelector); err != nil {
		return nil, err
	}
	s.unmask = matcher{class: opts.UnmaskTextClass, classRe: opts.UnmaskTextClassRegexp}
	if s.unmask.selector, err = parse("unmask text", opts.UnmaskTextSelector); err != nil {
		return nil, err
	}
	return s, nil
}

// Mirror returns the mirror ids are assigned in.
func (s *Serializer) Mirror() *mirror.Mirror { return s.mirror }

// Options returns the effective options.
func (s *Serializer) Options() Options { return s.opts }

// Policy returns the session policy. Its methods never panic.
func (s *Serializer) Policy() Policy { return s.policy }

// TextValue returns the text of n as a snapshot would record it, with the
// style, script and masking rules applied.
func (s *Serializer) TextValue(doc *dom.Document, n *html.Node) string {
	return s.serializeText(n, doc, 0).TextContent
}

type workItem struct {
	n          *html.Node
	parent     *mutation.Node
	preserveWS bool
	depth      int
}

// Serialize serializes n and, unless p.SkipChild, its light and shadow
// descendants. It returns nil when n is of an unknown kind or ignored by
// the slim or whitespace rules.
func (s *Serializer) Serialize(n *html.Node, p SerializeParams) *mutation.Node {
	if n == nil || p.Doc == nil {
		return nil
	}
	preserve := s.opts.PreserveWhiteSpace
	if p.PreserveWhiteSpace != nil {
		preserve = *p.PreserveWhiteSpace
	}

	var root *mutation.Node
	stack := []workItem{{n: n, preserveWS: preserve}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		sn, recurse, childWS := s.serializeWithID(it.n, p.Doc, it.preserveWS, p.NewlyAdded && it.depth == 0)
		if sn == nil {
			continue
		}
		if it.parent == nil {
			root = sn
		} else {
			it.parent.ChildNodes = append(it.parent.ChildNodes, sn)
		}
		if !recurse || (it.depth == 0 && p.SkipChild) {
			continue
		}
		if it.depth+1 > s.opts.MaxDepth {
			s.log.Warn("snapshot: max depth reached, subtree cut", "id", sn.ID, "tag", sn.TagName, "depth", it.depth)
			continue
		}

		var kids []workItem
		for c := it.n.FirstChild; c != nil; c = c.NextSibling {
			kids = append(kids, workItem{n: c, parent: sn, preserveWS: childWS, depth: it.depth + 1})
		}
		if it.n.Type == html.ElementNode {
			if sr := p.Doc.ShadowRoot(it.n); sr != nil {
				for c := sr.Root.FirstChild; c != nil; c = c.NextSibling {
					kids = append(kids, workItem{n: c, parent: sn, preserveWS: childWS, depth: it.depth + 1})
				}
			}
		}
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return root
}

// serializeWithID serializes n's own fields, assigns its id and registers it
// in the mirror. It reports whether children should be visited and the
// whitespace mode they inherit.
func (s *Serializer) serializeWithID(n *html.Node, doc *dom.Document, preserveWS, newlyAdded bool) (*mutation.Node, bool, bool) {
	sn := s.serializeNode(n, doc, newlyAdded)
	if sn == nil {
		s.log.Debug("snapshot: node not serialized", "type", n.Type)
		return nil, false, false
	}

	var id int
	switch {
	case s.mirror.HasNode(n):
		id = s.mirror.GetID(n)
	case slimExcluded(sn, s.opts.SlimDOM, doc.BaseURL()),
		!preserveWS && sn.Type == mutation.TextNode && !sn.IsStyle && strings.TrimSpace(sn.TextContent) == "":
		id = mutation.IgnoredNode
	default:
		id = s.mirror.GenID()
	}
	sn.ID = id
	s.mirror.Add(n, sn)
	if id == mutation.IgnoredNode {
		return nil, false, false
	}
	if s.opts.OnSerialize != nil {
		s.opts.OnSerialize(n)
	}

	recordChild := true
	if sn.Type == mutation.ElementNode {
		recordChild = !sn.NeedBlock
		sn.NeedBlock = false
		if sr := doc.ShadowRoot(n); sr != nil && sr.Native {
			sn.IsShadowHost = true
		}
	}
	childWS := preserveWS
	if s.opts.SlimDOM.HeadWhitespace && sn.Type == mutation.ElementNode && sn.TagName == "head" {
		childWS = false
	}
	if n.Parent != nil && doc.IsNativeShadowRoot(n.Parent) {
		sn.IsShadow = true
	}

	if sn.Type == mutation.ElementNode {
		switch sn.TagName {
		case "iframe":
			if !s.IsBlocked(n) {
				s.waitIframe(doc, n, preserveWS)
			}
		case "link":
			rel, ok := sn.Attributes.String("rel")
			href, _ := sn.Attributes.String("href")
			if ok && (rel == "stylesheet" || (rel == "preload" && fileExt(doc.BaseURL(), href) == "css")) {
				s.waitStylesheet(doc, n, preserveWS)
			}
		}
	}
	return sn, recordChild && sn.HasChildren(), childWS
}

func (s *Serializer) rootID(doc *dom.Document) int {
	if !s.mirror.HasNode(doc.Root) {
		return 0
	}
	if id := s.mirror.GetID(doc.Root); id != 1 {
		return id
	}
	return 0
}

func (s *Serializer) serializeNode(n *html.Node, doc *dom.Document, newlyAdded bool) *mutation.Node {
	rootID := s.rootID(doc)
	switch n.Type {
	case html.DocumentNode:
		sn := &mutation.Node{Type: mutation.DocumentNode}
		if n == doc.Root && doc.CompatMode != "" && doc.CompatMode != "CSS1Compat" {
			sn.CompatMode = doc.CompatMode
		}
		return sn
	case html.DoctypeNode:
		sn := &mutation.Node{Type: mutation.DocumentTypeNode, Name: n.Data, RootID: rootID}
		for _, a := range n.Attr {
			switch a.Key {
			case "public":
				sn.PublicID = a.Val
			case "system":
				sn.SystemID = a.Val
			}
		}
		return sn
	case html.ElementNode:
		return s.serializeElement(n, doc, newlyAdded, rootID)
	case html.TextNode:
		return s.serializeText(n, doc, rootID)
	case html.RawNode:
		return &mutation.Node{Type: mutation.CDATANode, RootID: rootID}
	case html.CommentNode:
		return &mutation.Node{Type: mutation.CommentNode, TextContent: n.Data, RootID: rootID}
	}
	return nil
}

func (s *Serializer) serializeText(n *html.Node, doc *dom.Document, rootID int) *mutation.Node {
	parentTag := ""
	if p := dom.ParentElement(n); p != nil {
		parentTag = p.Data
	}
	text := n.Data
	isStyle := parentTag == "style"
	isScript := parentTag == "script"
	isTextarea := parentTag == "textarea"

	if isStyle && text != "" {
		if n.NextSibling == nil && n.PrevSibling == nil {
			if sheet := doc.SheetOf(n.Parent); sheet != nil {
				if css, err := sheet.CSSText(); err == nil {
					text = css
				} else {
					s.log.Debug("snapshot: cannot read style sheet", "error", err)
				}
			}
		}
		text = AbsoluteToStylesheet(text, doc.BaseURL())
	}
	if isScript {
		text = ScriptPlaceholder
	}

	forceMask := s.NeedMaskingText(n, s.opts.MaskAllText)
	if !isStyle && !isScript && !isTextarea && text != "" && forceMask {
		text = s.policy.MaskText(text, n.Parent)
	}
	if isTextarea && text != "" && (s.opts.MaskInputOptions["textarea"] || forceMask) {
		if s.defaultPolicy {
			text = maskFull(text)
		} else {
			text = s.policy.MaskInput(text, n.Parent)
		}
	}
	if parentTag == "option" && text != "" {
		masked := ShouldMaskInput(s.opts.MaskInputOptions, "option", "")
		text = s.MaskInputValue(s.NeedMaskingText(n, masked), n.Parent, text)
	}
	return &mutation.Node{Type: mutation.TextNode, TextContent: text, IsStyle: isStyle, RootID: rootID}
}

// ValidTagName lowercases the tag of el, mapping names a replayer could not
// recreate to "div".
func ValidTagName(el *html.Node) string {
	if el.DataAtom == atom.Form {
		return "form"
	}
	tag := strings.ToLower(el.Data)
	if tag == "form" {
		return tag
	}
	if invalidTagChars.MatchString(tag) {
		return "div"
	}
	return tag
}

// IgnoreAttribute reports attributes that are never recorded.
func IgnoreAttribute(tag, name string) bool {
	return (tag == "video" || tag == "audio") && name == "autoplay"
}

// TransformAttribute makes URL-bearing attribute values absolute against
// base and hands everything else to the policy.
func (s *Serializer) TransformAttribute(base, tag, name, value string, el *html.Node) string {
	if value == "" {
		return value
	}
	switch {
	case name == "src" || (name == "href" && !(tag == "use" && value[0] == '#')):
		return Absolutize(base, value)
	case name == "xlink:href" && value[0] != '#':
		return Absolutize(base, value)
	case name == "background" && (tag == "table" || tag == "td" || tag == "th"):
		return Absolutize(base, value)
	case name == "srcset":
		return AbsoluteSrcset(base, value)
	case name == "style":
		return AbsoluteToStylesheet(value, base)
	case tag == "object" && name == "data":
		return Absolutize(base, value)
	}
	return s.policy.MaskAttribute(name, value, el)
}

func px(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "px"
}

func (s *Serializer) serializeElement(n *html.Node, doc *dom.Document, newlyAdded bool, rootID int) *mutation.Node {
	needBlock := s.IsBlocked(n)
	tag := ValidTagName(n)
	base := doc.BaseURL()

	attrs := make(mutation.Attributes, len(n.Attr))
	for _, a := range n.Attr {
		name := dom.AttrName(a)
		if name == "" || IgnoreAttribute(tag, name) {
			continue
		}
		attrs[name] = s.TransformAttribute(base, tag, strings.ToLower(name), a.Val, n)
	}

	if tag == "link" && s.opts.InlineStylesheet {
		if href := dom.GetAttr(n, "href"); href != "" {
			if sheet := doc.SheetByHref(doc.Resolve(href)); sheet != nil {
				if css, err := sheet.CSSText(); err == nil && css != "" {
					attrs["rel"] = nil
					attrs["href"] = nil
					attrs["crossorigin"] = nil
					attrs["_cssText"] = AbsoluteToStylesheet(css, sheet.Href)
				}
			}
		}
	}
	if tag == "style" && strings.TrimSpace(dom.TextContent(n)) == "" {
		if sheet := doc.SheetOf(n); sheet != nil {
			if css, err := sheet.CSSText(); err == nil && css != "" {
				attrs["_cssText"] = AbsoluteToStylesheet(css, base)
			}
		}
	}

	switch tag {
	case "input", "textarea", "select", "option":
		typ := InputType(n)
		value := s.inputValue(doc, n, typ)
		if typ != "submit" && typ != "button" && value != "" {
			masked := s.NeedMaskingText(n, ShouldMaskInput(s.opts.MaskInputOptions, tag, typ))
			attrs["value"] = s.MaskInputValue(masked, n, value)
		}
		if tag == "input" && doc.Checked(n) {
			attrs["checked"] = true
		}
	}
	if tag == "option" {
		if doc.Selected(n) && !s.opts.MaskInputOptions["select"] {
			attrs["selected"] = true
		} else {
			delete(attrs, "selected")
		}
	}
	if tag == "canvas" && s.opts.RecordCanvas {
		if u := s.canvasDataURL(doc.CanvasOf(n)); u != "" {
			attrs["rr_dataURL"] = u
		}
	}
	if tag == "audio" || tag == "video" {
		m := doc.MediaState(n)
		if m.Paused {
			attrs["rr_mediaState"] = "paused"
		} else {
			attrs["rr_mediaState"] = "played"
		}
		attrs["rr_mediaCurrentTime"] = m.CurrentTime
	}
	if !newlyAdded {
		sc := doc.ScrollOf(n)
		if sc.Left != 0 {
			attrs["rr_scrollLeft"] = sc.Left
		}
		if sc.Top != 0 {
			attrs["rr_scrollTop"] = sc.Top
		}
	}
	if needBlock {
		r := doc.RectOf(n)
		blocked := mutation.Attributes{"rr_width": px(r.Width), "rr_height": px(r.Height)}
		if c, ok := attrs["class"]; ok {
			blocked["class"] = c
		}
		attrs = blocked
	}
	if tag == "iframe" {
		src, _ := attrs.String("src")
		if !s.policy.KeepIframeSrc(src) {
			if v, ok := attrs["src"]; ok && !needBlock && doc.ContentDocument(n) == nil {
				attrs["rr_src"] = v
			}
			delete(attrs, "src")
		}
	}

	sn := &mutation.Node{
		Type:       mutation.ElementNode,
		TagName:    tag,
		Attributes: attrs,
		IsSVG:      dom.IsSVG(n),
		NeedBlock:  needBlock,
		IsCustom:   doc.IsCustomElement(tag),
		RootID:     rootID,
	}
	if tag == "img" && s.opts.InlineImages && !needBlock {
		s.inlineImage(doc, n, sn)
	}
	return sn
}

func (s *Serializer) enqueue(fn func()) {
	if s.opts.Enqueue != nil {
		s.opts.Enqueue(fn)
		return
	}
	fn()
}

// tracked reports whether n still has a live id.
func (s *Serializer) tracked(n *html.Node) bool {
	return s.mirror.HasNode(n) && s.mirror.Has(s.mirror.GetID(n))
}

// onceLoaded runs fn through Enqueue on the next load of n.
func (s *Serializer) onceLoaded(doc *dom.Document, n *html.Node, fn func()) {
	var fired atomic.Bool
	var remove func()
	remove = doc.OnLoad(n, func() {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		remove()
		s.enqueue(fn)
	})
}

// waitLoad runs fn on every load of n, and once after timeout when no load
// came first. fn only runs while n is tracked.
func (s *Serializer) waitLoad(doc *dom.Document, n *html.Node, timeout time.Duration, fn func()) {
	var fired atomic.Bool
	var timer *time.Timer
	var remove func()
	run := func() {
		if !s.tracked(n) {
			remove()
			return
		}
		fn()
	}
	remove = doc.OnLoad(n, func() {
		if timer != nil {
			timer.Stop()
		}
		fired.Store(true)
		s.enqueue(run)
	})
	timer = time.AfterFunc(timeout, func() {
		if fired.CompareAndSwap(false, true) {
			s.enqueue(run)
		}
	})
}

func (s *Serializer) waitIframe(doc *dom.Document, iframe *html.Node, preserveWS bool) {
	f := doc.Frame(iframe)
	if f == nil || !f.Readable || f.Doc == nil {
		return
	}
	listener := func() {
		content := doc.ContentDocument(iframe)
		if content == nil || s.opts.OnIframeLoad == nil {
			return
		}
		if sn := s.Serialize(content.Root, SerializeParams{Doc: content, PreserveWhiteSpace: &preserveWS}); sn != nil {
			s.opts.OnIframeLoad(iframe, sn)
		}
	}
	if f.Doc.ReadyState != dom.ReadyComplete {
		s.waitLoad(doc, iframe, s.opts.IframeLoadTimeout, listener)
		return
	}
	src := dom.GetAttr(iframe, "src")
	if f.Doc.URL != "about:blank" || src == "about:blank" || src == "" {
		var remove func()
		run := func() {
			if !s.tracked(iframe) {
				remove()
				return
			}
			listener()
		}
		remove = doc.OnLoad(iframe, func() { s.enqueue(run) })
		s.enqueueLater(run)
		return
	}
	var remove func()
	remove = doc.OnLoad(iframe, func() {
		s.enqueue(func() {
			if !s.tracked(iframe) {
				remove()
				return
			}
			listener()
		})
	})
}

// enqueueLater defers fn past the serialization that scheduled it.
func (s *Serializer) enqueueLater(fn func()) {
	if s.opts.Enqueue != nil {
		s.opts.Enqueue(fn)
		return
	}
	time.AfterFunc(0, fn)
}

func (s *Serializer) waitStylesheet(doc *dom.Document, link *html.Node, preserveWS bool) {
	if sheet := doc.SheetOf(link); sheet != nil && sheet.Loaded {
		return
	}
	s.waitLoad(doc, link, s.opts.StylesheetLoadTimeout, func() {
		if s.opts.OnStylesheetLoad == nil {
			return
		}
		if sn := s.Serialize(link, SerializeParams{Doc: doc, PreserveWhiteSpace: &preserveWS}); sn != nil {
			s.opts.OnStylesheetLoad(link, sn)
		}
	})
}
