package snapshot

import (
	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/mirror"
	"github.com/hazyhaar/domreplay/mutation"
)

// Snapshot serializes a whole document into m. On a fresh mirror the
// document node gets id 1.
func Snapshot(doc *dom.Document, opts Options, p Policy, m *mirror.Mirror) (*mutation.Node, error) {
	s, err := NewSerializer(opts, p, m)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(doc), nil
}

// Snapshot serializes doc from its root.
func (s *Serializer) Snapshot(doc *dom.Document) *mutation.Node {
	return s.Serialize(doc.Root, SerializeParams{Doc: doc})
}

// VisitSnapshot calls fn for every node of a serialized tree.
func VisitSnapshot(n *mutation.Node, fn func(*mutation.Node)) {
	mutation.Visit(n, fn)
}
