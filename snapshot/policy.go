package snapshot

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Policy rewrites what leaves the page. Methods run on the serializer's
// goroutine; a panic is recovered and resolved toward more masking.
type Policy interface {
	// MaskText masks the text of a node already selected for masking.
	MaskText(text string, parent *html.Node) string
	// MaskInput transforms a masked form value before it is starred out.
	MaskInput(value string, el *html.Node) string
	// MaskAttribute runs after the structural rewrite of every attribute.
	MaskAttribute(name, value string, el *html.Node) string
	// KeepIframeSrc reports whether an iframe may keep loading src.
	KeepIframeSrc(src string) bool
}

// DefaultPolicy replaces every rune, whitespace included, with the mask
// character and drops every iframe src.
type DefaultPolicy struct{}

func (DefaultPolicy) MaskText(text string, _ *html.Node) string   { return maskFull(text) }
func (DefaultPolicy) MaskInput(value string, _ *html.Node) string { return value }
func (DefaultPolicy) MaskAttribute(_, value string, _ *html.Node) string {
	return value
}
func (DefaultPolicy) KeepIframeSrc(string) bool { return false }

func maskFull(s string) string {
	return strings.Repeat(maskChar, utf8.RuneCountInString(s))
}

// guarded wraps a Policy so that a panicking method never escapes.
type guarded struct {
	p Policy
}

func (g guarded) MaskText(text string, parent *html.Node) (out string) {
	defer func() {
		if recover() != nil {
			out = maskFull(text)
		}
	}()
	return g.p.MaskText(text, parent)
}

func (g guarded) MaskInput(value string, el *html.Node) (out string) {
	defer func() {
		if recover() != nil {
			out = maskFull(value)
		}
	}()
	return g.p.MaskInput(value, el)
}

func (g guarded) MaskAttribute(name, value string, el *html.Node) (out string) {
	defer func() {
		if recover() != nil {
			out = maskFull(value)
		}
	}()
	return g.p.MaskAttribute(name, value, el)
}

func (g guarded) KeepIframeSrc(src string) (keep bool) {
	defer func() {
		if recover() != nil {
			keep = false
		}
	}()
	return g.p.KeepIframeSrc(src)
}
