// Package mirror keeps the bidirectional association between live nodes and
// the integer ids of a recording. The capture side and the replay side each
// own one Mirror; neither is safe for concurrent use.
package mirror

import (
	"reflect"
	"sort"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/mutation"
)

// Mirror maps *html.Node to id and metadata, and id back to node.
type Mirror struct {
	ids   map[int]*html.Node
	metas map[*html.Node]*mutation.Node
	next  int

	// ShadowRoot resolves the shadow root of a host so removals reach
	// shadow descendants. Nil means no shadow trees.
	ShadowRoot func(host *html.Node) *html.Node
}

// New returns an empty mirror whose first generated id is 1.
func New() *Mirror {
	return &Mirror{
		ids:   make(map[int]*html.Node),
		metas: make(map[*html.Node]*mutation.Node),
		next:  1,
	}
}

// GenID returns a fresh id.
func (m *Mirror) GenID() int {
	id := m.next
	m.next++
	return id
}

// GetID returns the id of n, or mutation.NotTracked.
func (m *Mirror) GetID(n *html.Node) int {
	if n == nil {
		return mutation.NotTracked
	}
	meta, ok := m.metas[n]
	if !ok {
		return mutation.NotTracked
	}
	return meta.ID
}

// GetNode returns the node registered under id, or nil.
func (m *Mirror) GetNode(id int) *html.Node {
	return m.ids[id]
}

// GetMeta returns the serialized metadata of n, or nil.
func (m *Mirror) GetMeta(n *html.Node) *mutation.Node {
	return m.metas[n]
}

// Has reports whether id is currently mapped to a node.
func (m *Mirror) Has(id int) bool {
	_, ok := m.ids[id]
	return ok
}

// HasNode reports whether n has ever been given metadata.
func (m *Mirror) HasNode(n *html.Node) bool {
	_, ok := m.metas[n]
	return ok
}

// Add associates n with meta in both directions. Existing entries are
// overwritten.
func (m *Mirror) Add(n *html.Node, meta *mutation.Node) {
	if n == nil || meta == nil {
		return
	}
	m.ids[meta.ID] = n
	m.metas[n] = meta
	if meta.ID >= m.next {
		m.next = meta.ID + 1
	}
}

// Replace points id at n, carrying over the metadata of the node it
// displaces.
func (m *Mirror) Replace(id int, n *html.Node) {
	if n == nil {
		return
	}
	if old, ok := m.ids[id]; ok {
		if meta, ok := m.metas[old]; ok {
			m.metas[n] = meta
		}
	}
	m.ids[id] = n
}

// RemoveNodeFromMap forgets the id of n and of every tracked descendant,
// including shadow descendants. Metadata is kept so GetID still answers for
// detached nodes.
func (m *Mirror) RemoveNodeFromMap(n *html.Node) {
	if n == nil {
		return
	}
	if id := m.GetID(n); id != mutation.NotTracked {
		if cur, ok := m.ids[id]; ok && cur == n {
			delete(m.ids, id)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		m.RemoveNodeFromMap(c)
	}
	if m.ShadowRoot != nil {
		if root := m.ShadowRoot(n); root != nil {
			for c := root.FirstChild; c != nil; c = c.NextSibling {
				m.RemoveNodeFromMap(c)
			}
		}
	}
}

// Reset drops every association and restarts ids at 1.
func (m *Mirror) Reset() {
	m.ids = make(map[int]*html.Node)
	m.metas = make(map[*html.Node]*mutation.Node)
	m.next = 1
}

// IDs returns every mapped id in ascending order.
func (m *Mirror) IDs() []int {
	out := make([]int, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Len returns the number of mapped ids.
func (m *Mirror) Len() int { return len(m.ids) }

// NodeMetaEqual reports whether two serialized nodes describe the same
// node, ignoring children and flags that depend on placement.
func NodeMetaEqual(a, b *mutation.Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case mutation.DocumentNode:
		return a.CompatMode == b.CompatMode
	case mutation.DocumentTypeNode:
		return a.Name == b.Name && a.PublicID == b.PublicID && a.SystemID == b.SystemID
	case mutation.TextNode, mutation.CommentNode, mutation.CDATANode:
		return a.TextContent == b.TextContent
	case mutation.ElementNode:
		if a.TagName != b.TagName || a.IsSVG != b.IsSVG || a.NeedBlock != b.NeedBlock {
			return false
		}
		if len(a.Attributes) != len(b.Attributes) {
			return false
		}
		for k, v := range a.Attributes {
			w, ok := b.Attributes[k]
			if !ok || !reflect.DeepEqual(v, w) {
				return false
			}
		}
		return true
	}
	return false
}
