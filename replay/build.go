package replay

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/mirror"
	"github.com/hazyhaar/domreplay/mutation"
)

// build turns a serialized node into a detached subtree owned by doc and
// registers every id it carries. Document nodes are not built here: they
// only appear as iframe content and go through attachFrame.
func (e *Engine) build(sn *mutation.Node, doc *dom.Document) *html.Node {
	if sn == nil || sn.ID == mutation.IgnoredNode {
		return nil
	}
	var n *html.Node
	switch sn.Type {
	case mutation.DocumentTypeNode:
		n = &html.Node{Type: html.DoctypeNode, Data: sn.Name}
		if sn.PublicID != "" {
			n.Attr = append(n.Attr, html.Attribute{Key: "public", Val: sn.PublicID})
		}
		if sn.SystemID != "" {
			n.Attr = append(n.Attr, html.Attribute{Key: "system", Val: sn.SystemID})
		}
	case mutation.ElementNode:
		return e.buildElement(sn, doc)
	case mutation.TextNode:
		text := sn.TextContent
		if sn.IsStyle {
			text = AddHoverClass(text, e.hover)
		}
		n = dom.NewText(text)
	case mutation.CDATANode:
		n = &html.Node{Type: html.RawNode, Data: sn.TextContent}
	case mutation.CommentNode:
		n = &html.Node{Type: html.CommentNode, Data: sn.TextContent}
	default:
		return nil
	}
	e.register(n, sn)
	return n
}

func (e *Engine) buildElement(sn *mutation.Node, doc *dom.Document) *html.Node {
	tag := sn.TagName
	if tag == "link" {
		if _, ok := sn.Attributes["_cssText"]; ok {
			tag = "style"
		}
	}
	el := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	if sn.IsSVG {
		el.Namespace = "svg"
	}
	if sn.IsCustom {
		doc.DefineCustomElement(tag)
	}
	e.register(el, sn)
	if sn.IsShadowHost {
		doc.AttachShadow(el)
	}

	for _, c := range sn.ChildNodes {
		if c == nil || c.ID == mutation.IgnoredNode {
			continue
		}
		if c.Type == mutation.DocumentNode {
			if tag == "iframe" {
				e.attachFrame(doc, el, c)
			}
			continue
		}
		child := e.build(c, doc)
		if child == nil {
			continue
		}
		if c.IsShadow {
			if err := doc.AppendChild(doc.AttachShadow(el), child); err != nil {
				e.log.Debug("replay: shadow child not attached", "id", c.ID, "error", err)
			}
			continue
		}
		el.AppendChild(child)
	}

	for _, name := range attributeNames(sn.Attributes) {
		e.applyAttr(doc, el, name, sn.Attributes[name])
	}
	return el
}

// attachFrame gives iframe a fresh content document built from sn.
func (e *Engine) attachFrame(doc *dom.Document, iframe *html.Node, sn *mutation.Node) {
	if old := doc.Frame(iframe); old != nil && old.Doc != nil {
		delete(e.docs, old.Doc.Root)
	}
	content := dom.New(dom.GetAttr(iframe, "rr_src"))
	e.docs[content.Root] = content
	doc.SetFrame(iframe, content, true)
	e.register(content.Root, sn)
	for _, c := range sn.ChildNodes {
		child := e.build(c, content)
		if child == nil {
			continue
		}
		if err := content.AppendChild(content.Root, child); err != nil {
			e.log.Debug("replay: frame child not attached", "id", c.ID, "error", err)
		}
	}
	if sn.CompatMode != "" {
		content.CompatMode = sn.CompatMode
	}
}

// applyAttr sets one serialized attribute, turning the rr_ and _cssText
// entries back into the host state they describe.
func (e *Engine) applyAttr(doc *dom.Document, el *html.Node, name string, v any) {
	switch name {
	case "_cssText":
		if s, ok := v.(string); ok && dom.IsElement(el, "style") {
			e.setOnlyText(doc, el, AddHoverClass(s, e.hover))
		}
		return
	case "rr_dataURL":
		if s, ok := v.(string); ok {
			if dom.IsElement(el, "img") {
				doc.SetAttribute(el, "src", s)
			} else {
				doc.SetAttribute(el, name, s)
			}
		}
		return
	case "rr_width", "rr_height":
		if s, ok := attrString(v); ok {
			prop := "width"
			if name == "rr_height" {
				prop = "height"
			}
			setStyleProperty(doc, el, prop, s)
		}
		return
	case "rr_scrollLeft", "rr_scrollTop":
		sc := doc.ScrollOf(el)
		if name == "rr_scrollLeft" {
			sc.Left = number(v)
		} else {
			sc.Top = number(v)
		}
		doc.SetScroll(el, sc)
		return
	case "rr_mediaState":
		m := doc.MediaState(el)
		m.Paused = v != "played"
		doc.SetMedia(el, m)
		return
	case "rr_mediaCurrentTime":
		m := doc.MediaState(el)
		m.CurrentTime = number(v)
		doc.SetMedia(el, m)
		return
	case "checked", "selected":
		if b, ok := v.(bool); ok {
			if name == "checked" {
				doc.SetChecked(el, b)
			} else {
				doc.SetSelected(el, b)
			}
			if b {
				doc.SetAttribute(el, name, "")
			} else {
				doc.RemoveAttribute(el, name)
			}
			return
		}
	case "value":
		s, ok := attrString(v)
		if !ok {
			return
		}
		doc.SetValue(el, s)
		if dom.IsElement(el, "textarea") {
			e.setOnlyText(doc, el, s)
			return
		}
	}
	if s, ok := attrString(v); ok {
		doc.SetAttribute(el, name, s)
	}
}

// setOnlyText sets the text of an element that holds at most one text child,
// keeping that child (and its id) when it exists.
func (e *Engine) setOnlyText(doc *dom.Document, el *html.Node, text string) {
	c := el.FirstChild
	switch {
	case c == nil:
		if err := doc.AppendChild(el, dom.NewText(text)); err != nil {
			e.log.Debug("replay: text not attached", "error", err)
		}
	case c.Type == html.TextNode && c.NextSibling == nil:
		if c.Data != text {
			doc.SetData(c, text)
		}
	}
}

// relocate detaches a known node and syncs it with its new serialization.
// An element whose recorded metadata differs from sn gets its attributes
// rewritten, dropping the ones sn no longer carries.
func (e *Engine) relocate(n *html.Node, sn *mutation.Node) {
	doc := e.docOf(n)
	if n.Parent != nil {
		if err := doc.RemoveChild(n.Parent, n); err != nil {
			e.log.Debug("replay: move detach failed", "id", sn.ID, "error", err)
		}
	}
	switch n.Type {
	case html.TextNode, html.CommentNode:
		if sn.Type == mutation.TextNode || sn.Type == mutation.CommentNode {
			text := sn.TextContent
			if sn.IsStyle {
				text = AddHoverClass(text, e.hover)
			}
			if n.Data != text {
				doc.SetData(n, text)
			}
		}
	case html.ElementNode:
		if !mirror.NodeMetaEqual(e.mirror.GetMeta(n), sn) {
			e.syncAttributes(doc, n, sn.Attributes)
		}
	}
	e.mirror.Add(n, sn)
	e.notify(n, sn.ID)
}

// syncAttributes makes the attributes of el match attrs as a rebuild would
// have set them.
func (e *Engine) syncAttributes(doc *dom.Document, el *html.Node, attrs mutation.Attributes) {
	keep := make(map[string]bool, len(attrs)+1)
	for name, v := range attrs {
		if _, ok := attrString(v); ok {
			keep[name] = true
		}
	}
	if keep["rr_dataURL"] && dom.IsElement(el, "img") {
		keep["src"] = true
	}
	if keep["rr_width"] || keep["rr_height"] {
		keep["style"] = true
	}
	for _, a := range slices.Clone(el.Attr) {
		if !keep[a.Key] {
			e.dropAttr(doc, el, a.Key)
		}
	}
	for _, name := range attributeNames(attrs) {
		e.applyAttr(doc, el, name, attrs[name])
	}
}

// dropAttr removes an attribute together with the host state it mirrors.
func (e *Engine) dropAttr(doc *dom.Document, el *html.Node, name string) {
	doc.RemoveAttribute(el, name)
	switch name {
	case "checked":
		doc.SetChecked(el, false)
	case "selected":
		doc.SetSelected(el, false)
	case "value":
		doc.SetValue(el, "")
	}
}

// promoteLink swaps a <link> whose sheet was not loaded at snapshot time for
// the <style> holding its rules. The id is re-pointed at the new element and
// keeps the metadata recorded for the link.
func (e *Engine) promoteLink(doc *dom.Document, link *html.Node) *html.Node {
	style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style, Attr: slices.Clone(link.Attr)}
	if parent := link.Parent; parent != nil {
		if err := doc.InsertBefore(parent, style, link); err != nil {
			e.log.Debug("replay: link promotion failed", "error", err)
			return link
		}
		if err := doc.RemoveChild(parent, link); err != nil {
			e.log.Debug("replay: link not detached", "error", err)
		}
	}
	id := e.mirror.GetID(link)
	e.mirror.Replace(id, style)
	e.notify(style, id)
	return style
}

// touchMeta folds an attribute mutation into the metadata of n, so a later
// move can tell whether its serialization says anything new.
func (e *Engine) touchMeta(n *html.Node, a mutation.AttributeMutation) {
	meta := e.mirror.GetMeta(n)
	if meta == nil {
		return
	}
	next := *meta
	next.Attributes = make(mutation.Attributes, len(meta.Attributes)+len(a.Attributes))
	maps.Copy(next.Attributes, meta.Attributes)
	for name, v := range a.Attributes {
		switch {
		case v.IsRemoval():
			delete(next.Attributes, name)
		case v.Style != nil:
			next.Attributes[name] = dom.GetAttr(n, "style")
		default:
			next.Attributes[name] = v.Raw()
		}
	}
	e.mirror.Add(n, &next)
}

func attributeNames(attrs mutation.Attributes) []string {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// attrString renders a serialized attribute value. False and nil mean the
// attribute is absent.
func attrString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case bool:
		return "", x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	}
	return fmt.Sprint(v), true
}

func number(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err == nil {
			return f
		}
	}
	return 0
}
