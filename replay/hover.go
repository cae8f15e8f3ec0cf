package replay

import (
	"regexp"
	"strings"

	"github.com/gorilla/css/scanner"
	lru "github.com/hashicorp/golang-lru/v2"
)

var hoverRe = regexp.MustCompile(`([^\\]):hover`)

// DefaultHoverCacheSize bounds a HoverCache built by NewHoverCache.
const DefaultHoverCacheSize = 256

// HoverCache memoizes AddHoverClass results keyed by the input text, least
// recently used first out.
type HoverCache struct {
	lru *lru.Cache[string, string]
}

// NewHoverCache returns an empty cache of DefaultHoverCacheSize entries.
func NewHoverCache() *HoverCache {
	c, err := lru.New[string, string](DefaultHoverCacheSize)
	if err != nil {
		// only a non-positive size fails
		panic(err)
	}
	return &HoverCache{lru: c}
}

func (c *HoverCache) get(css string) (string, bool) {
	if c == nil {
		return "", false
	}
	return c.lru.Get(css)
}

func (c *HoverCache) put(css, out string) {
	if c == nil {
		return
	}
	c.lru.Add(css, out)
}

// Len returns the number of cached entries.
func (c *HoverCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// AddHoverClass gives every selector that uses :hover a sibling selector in
// which :hover is replaced by the .\:hover class, so a replayer can force
// the hover state by toggling a class. Declaration values are left alone.
// Text the tokenizer rejects comes back unchanged. cache may be nil.
func AddHoverClass(css string, cache *HoverCache) string {
	if !strings.Contains(css, ":hover") {
		return css
	}
	if out, ok := cache.get(css); ok {
		return out
	}
	out := rewriteHover(css)
	cache.put(css, out)
	return out
}

func rewriteHover(css string) string {
	var (
		out     strings.Builder
		prelude []*scanner.Token
	)
	s := scanner.New(css)
	for {
		tok := s.Next()
		switch tok.Type {
		case scanner.TokenEOF:
			for _, t := range prelude {
				out.WriteString(t.Value)
			}
			return out.String()
		case scanner.TokenError:
			return css
		}
		if tok.Type == scanner.TokenChar {
			switch tok.Value {
			case "{":
				out.WriteString(hoverPrelude(prelude))
				out.WriteString(tok.Value)
				prelude = prelude[:0]
				continue
			case "}", ";":
				for _, t := range prelude {
					out.WriteString(t.Value)
				}
				out.WriteString(tok.Value)
				prelude = prelude[:0]
				continue
			}
		}
		prelude = append(prelude, tok)
	}
}

// hoverPrelude rewrites a rule prelude. At-rule preludes pass through.
func hoverPrelude(toks []*scanner.Token) string {
	var raw strings.Builder
	for _, t := range toks {
		raw.WriteString(t.Value)
	}
	text := raw.String()
	if !strings.Contains(text, ":hover") || strings.HasPrefix(strings.TrimSpace(text), "@") {
		return text
	}

	var (
		parts []string
		cur   strings.Builder
		depth int
	)
	for _, t := range toks {
		switch {
		case t.Type == scanner.TokenFunction:
			depth++
		case t.Type == scanner.TokenChar && t.Value == "(":
			depth++
		case t.Type == scanner.TokenChar && t.Value == ")":
			if depth > 0 {
				depth--
			}
		case t.Type == scanner.TokenChar && t.Value == "," && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteString(t.Value)
	}
	parts = append(parts, cur.String())

	for i, p := range parts {
		sel := strings.TrimSpace(p)
		if !strings.Contains(sel, ":hover") {
			continue
		}
		start := strings.Index(p, sel)
		lead, trail := p[:start], p[start+len(sel):]
		parts[i] = lead + sel + ", " + hoverRe.ReplaceAllString(sel, `${1}.\:hover`) + trail
	}
	return strings.Join(parts, ",")
}
