// Package export renders a replayed document for humans and tools: raw
// HTML, sanitized HTML, and Markdown.
package export

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/snapshot"
)

var (
	safePolicy = newSafePolicy()
	md         = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
)

func newSafePolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	p.AllowDataURIImages()
	return p
}

// HTML renders the whole document, shadow trees excluded.
func HTML(doc *dom.Document) (string, error) {
	var b strings.Builder
	if err := dom.Render(&b, doc.Root); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	return b.String(), nil
}

// SafeHTML renders the document through a user-generated-content policy:
// scripts, event handlers, styles and frames are stripped.
func SafeHTML(doc *dom.Document) (string, error) {
	raw, err := HTML(doc)
	if err != nil {
		return "", err
	}
	return safePolicy.Sanitize(withoutPlaceholders(raw)), nil
}

// Markdown converts the document body to Markdown. Relative links resolve
// against the document URL.
func Markdown(doc *dom.Document) (string, error) {
	raw, err := HTML(doc)
	if err != nil {
		return "", err
	}
	var out string
	if doc.URL != "" {
		out, err = md.ConvertString(raw, converter.WithDomain(doc.URL))
	} else {
		out, err = md.ConvertString(raw)
	}
	if err != nil {
		return "", fmt.Errorf("export: markdown: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Text returns the visible text of the body, one block per line.
func Text(doc *dom.Document) string {
	body := dom.MustParseSelector("body").QuerySelector(doc.Root)
	if body == nil {
		body = doc.Root
	}
	var lines []string
	var cur strings.Builder
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			lines = append(lines, s)
		}
		cur.Reset()
	}
	dom.Walk(body, func(n *html.Node) bool {
		switch {
		case dom.IsElement(n, "script", "style", "noscript", "template"):
			return false
		case n.Type == html.TextNode:
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		case dom.IsElement(n, "p", "div", "li", "tr", "br", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article"):
			flush()
		}
		return true
	})
	flush()
	return strings.Join(lines, "\n")
}

// withoutPlaceholders drops the text a recording puts in place of scripts.
func withoutPlaceholders(s string) string {
	return strings.ReplaceAll(s, snapshot.ScriptPlaceholder, "")
}
