package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// AttrName returns the qualified name of an attribute ("xlink:href", "class").
func AttrName(a html.Attribute) string {
	if a.Namespace != "" {
		return a.Namespace + ":" + a.Key
	}
	return a.Key
}

func splitName(name string) (ns, key string) {
	for _, p := range []string{"xlink:", "xml:", "xmlns:"} {
		if strings.HasPrefix(name, p) {
			return p[:len(p)-1], name[len(p):]
		}
	}
	return "", name
}

func attrIndex(n *html.Node, name string) int {
	ns, key := splitName(name)
	for i, a := range n.Attr {
		if a.Key == key && a.Namespace == ns {
			return i
		}
	}
	return -1
}

// Attr returns the value of the named attribute and whether it is present.
func Attr(n *html.Node, name string) (string, bool) {
	if n == nil || n.Type != html.ElementNode {
		return "", false
	}
	if i := attrIndex(n, name); i >= 0 {
		return n.Attr[i].Val, true
	}
	return "", false
}

// GetAttr returns the attribute value or "".
func GetAttr(n *html.Node, name string) string {
	v, _ := Attr(n, name)
	return v
}

// HasAttr reports whether the attribute is present.
func HasAttr(n *html.Node, name string) bool {
	_, ok := Attr(n, name)
	return ok
}

// setAttr writes an attribute in place without emitting a record.
func setAttr(n *html.Node, name, value string) {
	if i := attrIndex(n, name); i >= 0 {
		n.Attr[i].Val = value
		return
	}
	ns, key := splitName(name)
	n.Attr = append(n.Attr, html.Attribute{Namespace: ns, Key: key, Val: value})
}

func removeAttr(n *html.Node, name string) {
	if i := attrIndex(n, name); i >= 0 {
		n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
	}
}

// Classes returns the class list of an element.
func Classes(n *html.Node) []string {
	return strings.Fields(GetAttr(n, "class"))
}

// HasClass reports whether the element carries the class.
func HasClass(n *html.Node, class string) bool {
	for _, c := range Classes(n) {
		if c == class {
			return true
		}
	}
	return false
}

// IsElement reports whether n is an element, optionally with one of tags.
func IsElement(n *html.Node, tags ...string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if n.Data == t {
			return true
		}
	}
	return false
}

// ParentElement returns the nearest element ancestor of n, or nil.
func ParentElement(n *html.Node) *html.Node {
	if n == nil || n.Parent == nil || n.Parent.Type != html.ElementNode {
		return nil
	}
	return n.Parent
}

// ClosestElement returns n itself when it is an element, else its parent element.
func ClosestElement(n *html.Node) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode {
		return n
	}
	return ParentElement(n)
}

// TextContent concatenates the text of n and its descendants.
func TextContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	switch n.Type {
	case html.TextNode, html.CommentNode, html.RawNode:
		return n.Data
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		for ; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
			walk(c.FirstChild)
		}
	}
	walk(n.FirstChild)
	return b.String()
}

// Children returns a snapshot of n's child list.
func Children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

// IsSVG reports whether the element lives in the SVG namespace.
func IsSVG(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && (n.Data == "svg" || n.Namespace == "svg")
}

// NewElement builds a detached element.
func NewElement(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag)), Attr: attrs}
}

// NewText builds a detached text node.
func NewText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
