package dom

import (
	"fmt"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector list. Ancestor combinators only walk
// light-DOM parents: a shadow root has no parent, so matching stops there.
type Selector struct {
	src   string
	group cascadia.SelectorGroup
}

// ParseSelector compiles a selector list.
func ParseSelector(src string) (*Selector, error) {
	g, err := cascadia.ParseGroup(src)
	if err != nil {
		return nil, fmt.Errorf("dom: selector %q: %w", src, err)
	}
	return &Selector{src: src, group: g}, nil
}

// MustParseSelector is ParseSelector that panics, for literals.
func MustParseSelector(src string) *Selector {
	s, err := ParseSelector(src)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string { return s.src }

// Matches reports whether the element matches any alternative of s.
func (s *Selector) Matches(n *html.Node) bool {
	if s == nil || n == nil || n.Type != html.ElementNode {
		return false
	}
	return s.group.Match(n)
}

// QuerySelectorAll returns every element under root, root included, that
// matches s, in document order.
func (s *Selector) QuerySelectorAll(root *html.Node) []*html.Node {
	var out []*html.Node
	Walk(root, func(n *html.Node) bool {
		if s.Matches(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// QuerySelector returns the first match under root, or nil.
func (s *Selector) QuerySelector(root *html.Node) *html.Node {
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if s.Matches(n) {
			found = n
			return false
		}
		return true
	})
	return found
}
