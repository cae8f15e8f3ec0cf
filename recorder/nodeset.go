package recorder

import "golang.org/x/net/html"

// nodeSet is an insertion-ordered set of nodes.
type nodeSet struct {
	in    map[*html.Node]bool
	order []*html.Node
}

func newNodeSet() *nodeSet {
	return &nodeSet{in: make(map[*html.Node]bool)}
}

func (s *nodeSet) has(n *html.Node) bool { return n != nil && s.in[n] }

func (s *nodeSet) add(n *html.Node) {
	if s.in[n] {
		return
	}
	s.in[n] = true
	s.order = append(s.order, n)
}

func (s *nodeSet) remove(n *html.Node) { delete(s.in, n) }

func (s *nodeSet) len() int { return len(s.in) }

// items returns the members in first-insertion order.
func (s *nodeSet) items() []*html.Node {
	out := make([]*html.Node, 0, len(s.in))
	seen := make(map[*html.Node]bool, len(s.in))
	for _, n := range s.order {
		if s.in[n] && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// deepDelete removes n and its light descendants from s.
func (s *nodeSet) deepDelete(n *html.Node) {
	s.remove(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.deepDelete(c)
	}
}

// ancestorIn reports whether a strict ancestor of n is in s.
func (s *nodeSet) ancestorIn(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if s.in[p] {
			return true
		}
	}
	return false
}
