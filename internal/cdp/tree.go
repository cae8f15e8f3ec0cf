// Package cdp mirrors the DOM of a live Chrome tab into a dom.Document so
// the recorder can observe it. Tree applies CDP DOM events; Tab wires a
// rod page to a Tree and a recorder.
package cdp

import (
	"log/slog"
	"strings"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domreplay/dom"
)

// CDP node types.
const (
	elementNode  = 1
	textNode     = 3
	cdataNode    = 4
	commentNode  = 8
	documentNode = 9
	doctypeNode  = 10
	fragmentNode = 11
)

// Tree maps CDP node ids onto the nodes of a dom.Document. Every change
// after the initial build goes through dom.Document methods so observers
// see it. Tree is not safe for concurrent use; run it on the recorder
// goroutine.
type Tree struct {
	doc   *dom.Document
	log   *slog.Logger
	nodes map[proto.DOMNodeID]*html.Node
	ids   map[*html.Node]proto.DOMNodeID
	owner map[proto.DOMNodeID]*dom.Document
}

// NewTree builds a document from the root returned by DOM.getDocument.
func NewTree(root *proto.DOMNode, logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tree{log: logger}
	t.doc = dom.New("")
	t.reset(root)
	t.fill(t.doc, t.doc.Root, root.Children)
	t.doc.Flush()
	return t
}

// fill appends the built children under parent through doc.
func (t *Tree) fill(doc *dom.Document, parent *html.Node, children []*proto.DOMNode) {
	for _, c := range children {
		n := t.build(c, doc)
		if n == nil {
			continue
		}
		if err := doc.AppendChild(parent, n); err != nil {
			t.log.Debug("cdp: child not attached", "node", c.NodeID, "error", err)
			t.forget(n)
		}
	}
}

func (t *Tree) reset(root *proto.DOMNode) {
	t.nodes = make(map[proto.DOMNodeID]*html.Node)
	t.ids = make(map[*html.Node]proto.DOMNodeID)
	t.owner = make(map[proto.DOMNodeID]*dom.Document)
	if root.DocumentURL != "" {
		t.doc.SetURL(root.DocumentURL)
	}
	t.track(root.NodeID, t.doc.Root, t.doc)
}

// Document returns the mirrored document.
func (t *Tree) Document() *dom.Document { return t.doc }

// Node returns the node mirrored for id, or nil.
func (t *Tree) Node(id proto.DOMNodeID) *html.Node { return t.nodes[id] }

// Len returns the number of tracked nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// Reload replaces the content of the document with a fresh DOM.getDocument
// result. Node ids from before are forgotten.
func (t *Tree) Reload(root *proto.DOMNode) {
	for c := t.doc.Root.FirstChild; c != nil; c = t.doc.Root.FirstChild {
		if err := t.doc.RemoveChild(t.doc.Root, c); err != nil {
			t.log.Debug("cdp: reload detach failed", "error", err)
			t.doc.Root.RemoveChild(c)
		}
	}
	t.reset(root)
	t.fill(t.doc, t.doc.Root, root.Children)
}

func (t *Tree) track(id proto.DOMNodeID, n *html.Node, doc *dom.Document) {
	t.nodes[id] = n
	t.ids[n] = id
	t.owner[id] = doc
}

func (t *Tree) forget(n *html.Node) {
	dom.Walk(n, func(c *html.Node) bool {
		if id, ok := t.ids[c]; ok {
			delete(t.nodes, id)
			delete(t.owner, id)
			delete(t.ids, c)
		}
		return true
	})
}

// build creates a detached subtree for n, owned by doc. Element children
// are linked with raw html calls; the caller attaches the subtree root
// through doc.
func (t *Tree) build(n *proto.DOMNode, doc *dom.Document) *html.Node {
	if n == nil || n.PseudoType != "" {
		return nil
	}
	var out *html.Node
	switch n.NodeType {
	case elementNode:
		return t.buildElement(n, doc)
	case textNode, cdataNode:
		out = dom.NewText(n.NodeValue)
	case commentNode:
		out = &html.Node{Type: html.CommentNode, Data: n.NodeValue}
	case doctypeNode:
		out = &html.Node{Type: html.DoctypeNode, Data: n.NodeName}
		if n.PublicID != "" {
			out.Attr = append(out.Attr, html.Attribute{Key: "public", Val: n.PublicID})
		}
		if n.SystemID != "" {
			out.Attr = append(out.Attr, html.Attribute{Key: "system", Val: n.SystemID})
		}
	default:
		return nil
	}
	t.track(n.NodeID, out, doc)
	return out
}

func (t *Tree) buildElement(n *proto.DOMNode, doc *dom.Document) *html.Node {
	tag := n.LocalName
	if tag == "" {
		tag = strings.ToLower(n.NodeName)
	}
	el := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	if n.IsSVG {
		el.Namespace = "svg"
	}
	for i := 0; i+1 < len(n.Attributes); i += 2 {
		el.Attr = append(el.Attr, html.Attribute{Key: n.Attributes[i], Val: n.Attributes[i+1]})
	}
	if strings.Contains(tag, "-") {
		doc.DefineCustomElement(tag)
	}
	t.track(n.NodeID, el, doc)

	for _, c := range n.Children {
		if child := t.build(c, doc); child != nil {
			el.AppendChild(child)
		}
	}
	for _, sr := range n.ShadowRoots {
		t.attachShadow(doc, el, sr)
	}
	if cd := n.ContentDocument; cd != nil && tag == "iframe" {
		t.attachFrame(doc, el, cd)
	}
	return el
}

// attachShadow mirrors a shadow root. User-agent shadow roots (inputs,
// media controls) are not part of the page and are skipped.
func (t *Tree) attachShadow(doc *dom.Document, host *html.Node, sr *proto.DOMNode) {
	if sr == nil || sr.ShadowRootType == proto.DOMShadowRootTypeUserAgent {
		return
	}
	root := doc.AttachShadow(host)
	t.track(sr.NodeID, root, doc)
	t.fill(doc, root, sr.Children)
}

func (t *Tree) attachFrame(doc *dom.Document, iframe *html.Node, cd *proto.DOMNode) {
	content := dom.New(cd.DocumentURL)
	t.track(cd.NodeID, content.Root, content)
	t.fill(content, content.Root, cd.Children)
	content.Flush()
	doc.SetFrame(iframe, content, true)
}

// Apply mirrors one CDP DOM event. Events about unknown nodes are dropped:
// they belong to subtrees Chrome never reported.
func (t *Tree) Apply(ev any) {
	switch e := ev.(type) {
	case *proto.DOMChildNodeInserted:
		t.insert(e.ParentNodeID, e.PreviousNodeID, e.Node)
	case *proto.DOMChildNodeRemoved:
		t.remove(e.NodeID)
	case *proto.DOMSetChildNodes:
		t.setChildren(e.ParentID, e.Nodes)
	case *proto.DOMAttributeModified:
		if el, doc := t.lookup(e.NodeID); el != nil {
			doc.SetAttribute(el, e.Name, e.Value)
		}
	case *proto.DOMAttributeRemoved:
		if el, doc := t.lookup(e.NodeID); el != nil {
			doc.RemoveAttribute(el, e.Name)
		}
	case *proto.DOMCharacterDataModified:
		if n, doc := t.lookup(e.NodeID); n != nil {
			doc.SetData(n, e.CharacterData)
		}
	case *proto.DOMShadowRootPushed:
		if host, doc := t.lookup(e.HostID); host != nil {
			t.attachShadow(doc, host, e.Root)
		}
	case *proto.DOMShadowRootPopped:
		t.popShadow(e.HostID, e.RootID)
	default:
		t.log.Debug("cdp: event ignored", "type", ev)
	}
}

func (t *Tree) lookup(id proto.DOMNodeID) (*html.Node, *dom.Document) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, nil
	}
	return n, t.owner[id]
}

func (t *Tree) insert(parentID, prevID proto.DOMNodeID, node *proto.DOMNode) {
	parent, doc := t.lookup(parentID)
	if parent == nil || node == nil {
		return
	}
	if old, _ := t.lookup(node.NodeID); old != nil {
		t.remove(node.NodeID)
	}
	child := t.build(node, doc)
	if child == nil {
		return
	}
	var ref *html.Node
	if prevID == 0 {
		ref = parent.FirstChild
	} else if prev, _ := t.lookup(prevID); prev != nil && prev.Parent == parent {
		ref = prev.NextSibling
	}
	if err := doc.InsertBefore(parent, child, ref); err != nil {
		t.log.Debug("cdp: insert failed", "parent", parentID, "node", node.NodeID, "error", err)
		t.forget(child)
	}
}

func (t *Tree) remove(id proto.DOMNodeID) {
	n, doc := t.lookup(id)
	if n == nil {
		return
	}
	if n.Parent != nil {
		if err := doc.RemoveChild(n.Parent, n); err != nil {
			t.log.Debug("cdp: remove failed", "node", id, "error", err)
		}
	}
	t.forget(n)
}

// setChildren answers a DOM.requestChildNodes: the parent's children are
// replaced by nodes.
func (t *Tree) setChildren(parentID proto.DOMNodeID, nodes []*proto.DOMNode) {
	parent, doc := t.lookup(parentID)
	if parent == nil {
		return
	}
	for c := parent.FirstChild; c != nil; c = parent.FirstChild {
		if err := doc.RemoveChild(parent, c); err != nil {
			parent.RemoveChild(c)
		}
		t.forget(c)
	}
	t.fill(doc, parent, nodes)
}

func (t *Tree) popShadow(hostID, rootID proto.DOMNodeID) {
	host, doc := t.lookup(hostID)
	root, _ := t.lookup(rootID)
	if host == nil || root == nil {
		return
	}
	for c := root.FirstChild; c != nil; c = root.FirstChild {
		if err := doc.RemoveChild(root, c); err != nil {
			root.RemoveChild(c)
		}
		t.forget(c)
	}
	doc.DetachShadow(host)
	t.forget(root)
}
