package replay

import (
	"sort"
	"strings"

	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/mutation"
)

// editStyle rewrites the inline style of el through fn. An empty result
// removes the attribute.
func editStyle(doc *dom.Document, el *html.Node, fn func([]*css.Declaration) []*css.Declaration) {
	decls, err := parser.ParseDeclarations(dom.GetAttr(el, "style"))
	if err != nil {
		decls = nil
	}
	decls = fn(decls)
	if len(decls) == 0 {
		doc.RemoveAttribute(el, "style")
		return
	}
	doc.SetAttribute(el, "style", formatDeclarations(decls))
}

func formatDeclarations(decls []*css.Declaration) string {
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		s := d.Property + ": " + d.Value
		if d.Important {
			s += " !important"
		}
		parts = append(parts, s+";")
	}
	return strings.Join(parts, " ")
}

func setDeclaration(decls []*css.Declaration, prop, value string, important bool) []*css.Declaration {
	for _, d := range decls {
		if d.Property == prop {
			d.Value, d.Important = value, important
			return decls
		}
	}
	return append(decls, &css.Declaration{Property: prop, Value: value, Important: important})
}

func dropDeclaration(decls []*css.Declaration, prop string) []*css.Declaration {
	out := decls[:0]
	for _, d := range decls {
		if d.Property != prop {
			out = append(out, d)
		}
	}
	return out
}

// setStyleProperty sets one inline style property.
func setStyleProperty(doc *dom.Document, el *html.Node, prop, value string) {
	editStyle(doc, el, func(decls []*css.Declaration) []*css.Declaration {
		return setDeclaration(decls, prop, value, false)
	})
}

// applyStyleDelta applies a compact style delta to the style attribute.
func applyStyleDelta(doc *dom.Document, el *html.Node, delta mutation.StyleValue) {
	props := make([]string, 0, len(delta))
	for p := range delta {
		props = append(props, p)
	}
	sort.Strings(props)
	editStyle(doc, el, func(decls []*css.Declaration) []*css.Declaration {
		for _, p := range props {
			v := delta[p]
			if v.Removed {
				decls = dropDeclaration(decls, p)
				continue
			}
			decls = setDeclaration(decls, p, v.Value, v.Priority == "important")
		}
		return decls
	})
}

// styleProperty returns the value of an inline style property.
func styleProperty(el *html.Node, prop string) string {
	decls, err := parser.ParseDeclarations(dom.GetAttr(el, "style"))
	if err != nil {
		return ""
	}
	for _, d := range decls {
		if d.Property == prop {
			return d.Value
		}
	}
	return ""
}
