package mirror

import (
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/mutation"
)

func el(tag string) *html.Node { return &html.Node{Type: html.ElementNode, Data: tag} }

func TestAddAndLookup(t *testing.T) {
	m := New()
	n := el("div")
	id := m.GenID()
	m.Add(n, &mutation.Node{Type: mutation.ElementNode, ID: id, TagName: "div"})

	if got := m.GetID(n); got != 1 {
		t.Errorf("GetID: got %d, want 1", got)
	}
	if m.GetNode(1) != n {
		t.Error("GetNode(1): wrong node")
	}
	if got := m.GetID(el("span")); got != mutation.NotTracked {
		t.Errorf("GetID(untracked): got %d, want %d", got, mutation.NotTracked)
	}
	if got := m.GetID(nil); got != mutation.NotTracked {
		t.Errorf("GetID(nil): got %d, want %d", got, mutation.NotTracked)
	}
	if m.GetNode(99) != nil {
		t.Error("GetNode(99): want nil")
	}
}

func TestRemoveNodeFromMapRecursesIntoShadow(t *testing.T) {
	m := New()
	host, child, shadowRoot, inner := el("div"), el("span"), &html.Node{Type: html.DocumentNode}, el("b")
	host.AppendChild(child)
	shadowRoot.AppendChild(inner)
	m.ShadowRoot = func(h *html.Node) *html.Node {
		if h == host {
			return shadowRoot
		}
		return nil
	}
	for i, n := range []*html.Node{host, child, inner} {
		m.Add(n, &mutation.Node{Type: mutation.ElementNode, ID: i + 1})
	}

	m.RemoveNodeFromMap(host)

	for id := 1; id <= 3; id++ {
		if m.Has(id) {
			t.Errorf("Has(%d): still mapped", id)
		}
	}
	if got := m.GetID(inner); got != 3 {
		t.Errorf("GetID after removal: got %d, want 3", got)
	}
	if !m.HasNode(child) {
		t.Error("HasNode after removal: want metadata kept")
	}
}

func TestReplaceKeepsMeta(t *testing.T) {
	m := New()
	old, nw := el("div"), el("p")
	meta := &mutation.Node{Type: mutation.ElementNode, ID: 7, TagName: "div"}
	m.Add(old, meta)
	m.Replace(7, nw)
	if m.GetNode(7) != nw {
		t.Error("GetNode(7): want replacement")
	}
	if m.GetMeta(nw) != meta {
		t.Error("GetMeta(replacement): want old metadata")
	}
	if got := m.GenID(); got != 8 {
		t.Errorf("GenID after Add(7): got %d, want 8", got)
	}
}

func TestResetAndIDs(t *testing.T) {
	m := New()
	m.Add(el("a"), &mutation.Node{ID: 3})
	m.Add(el("b"), &mutation.Node{ID: 1})
	if got := m.IDs(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("IDs: got %v, want [1 3]", got)
	}
	m.Reset()
	if m.Len() != 0 {
		t.Errorf("Len after Reset: got %d, want 0", m.Len())
	}
	if got := m.GenID(); got != 1 {
		t.Errorf("GenID after Reset: got %d, want 1", got)
	}
}

func TestNodeMetaEqual(t *testing.T) {
	a := &mutation.Node{Type: mutation.ElementNode, TagName: "div", Attributes: mutation.Attributes{"class": "x"}}
	b := &mutation.Node{Type: mutation.ElementNode, TagName: "div", Attributes: mutation.Attributes{"class": "x"}, ID: 9}
	if !NodeMetaEqual(a, b) {
		t.Error("same element: want equal")
	}
	b.Attributes["class"] = "y"
	if NodeMetaEqual(a, b) {
		t.Error("different class: want unequal")
	}
	if NodeMetaEqual(a, nil) {
		t.Error("nil: want unequal")
	}
	t1 := &mutation.Node{Type: mutation.TextNode, TextContent: "hi"}
	t2 := &mutation.Node{Type: mutation.TextNode, TextContent: "hi"}
	if !NodeMetaEqual(t1, t2) {
		t.Error("same text: want equal")
	}
}

func TestStyleSheetMirror(t *testing.T) {
	m := NewStyleSheetMirror[*int]()
	a, b, c := new(int), new(int), new(int)
	if got := m.Add(a); got != 1 {
		t.Errorf("Add(a): got %d, want 1", got)
	}
	if got := m.Add(a); got != 1 {
		t.Errorf("Add(a) again: got %d, want 1", got)
	}
	if got := m.Add(b, 10); got != 10 {
		t.Errorf("Add(b, 10): got %d, want 10", got)
	}
	if got := m.Add(c); got != 2 {
		t.Errorf("Add(c): got %d, want 2", got)
	}
	if s, ok := m.GetStyle(10); !ok || s != b {
		t.Error("GetStyle(10): want b")
	}
	if m.GetID(new(int)) != -1 {
		t.Error("GetID(untracked): want -1")
	}
	m.Reset()
	if m.Has(a) {
		t.Error("Has after Reset: want false")
	}
	if got := m.GenerateID(); got != 1 {
		t.Errorf("GenerateID after Reset: got %d, want 1", got)
	}
}
