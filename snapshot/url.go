package snapshot

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	urlInCSS      = regexp.MustCompile(`url\((?:(')([^']*)'|(")(.*?)"|([^)]*))\)`)
	urlProtocol   = regexp.MustCompile(`(?i)^(?:[a-z+]+:)?//`)
	urlWWW        = regexp.MustCompile(`(?i)^www\.`)
	urlData       = regexp.MustCompile(`(?i)^data:[^,]*,`)
	fileExtension = regexp.MustCompile(`(?i)\.([0-9a-z]+)$`)
)

// Absolutize resolves value against base. Blank values, blob: and data:
// URLs, and values that do not parse come back unchanged.
func Absolutize(base, value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	if strings.HasPrefix(value, "blob:") || strings.HasPrefix(value, "data:") {
		return value
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return value
	}
	u, err := b.Parse(strings.TrimSpace(value))
	if err != nil {
		return value
	}
	return u.String()
}

func extractOrigin(href string) string {
	var origin string
	if strings.Contains(href, "//") {
		parts := strings.Split(href, "/")
		if len(parts) > 3 {
			parts = parts[:3]
		}
		origin = strings.Join(parts, "/")
	} else {
		origin = strings.Split(href, "/")[0]
	}
	return strings.Split(origin, "?")[0]
}

// AbsoluteToStylesheet rewrites relative url() references in css against
// href, the URL of the sheet.
func AbsoluteToStylesheet(css, href string) string {
	matches := urlInCSS.FindAllStringSubmatchIndex(css, -1)
	if len(matches) == 0 {
		return css
	}
	var b strings.Builder
	last := 0
	group := func(m []int, i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return css[m[2*i]:m[2*i+1]]
	}
	for _, m := range matches {
		b.WriteString(css[last:m[0]])
		last = m[1]
		whole := css[m[0]:m[1]]
		path := group(m, 2)
		if path == "" {
			path = group(m, 4)
		}
		if path == "" {
			path = group(m, 5)
		}
		quote := group(m, 1)
		if quote == "" {
			quote = group(m, 3)
		}
		if path == "" {
			b.WriteString(whole)
			continue
		}
		b.WriteString("url(" + quote + resolveCSSPath(path, href) + quote + ")")
	}
	b.WriteString(css[last:])
	return b.String()
}

func resolveCSSPath(path, href string) string {
	if urlProtocol.MatchString(path) || urlWWW.MatchString(path) || urlData.MatchString(path) {
		return path
	}
	if path[0] == '/' {
		return extractOrigin(href) + path
	}
	stack := strings.Split(href, "/")
	stack = stack[:len(stack)-1]
	for _, part := range strings.Split(path, "/") {
		switch part {
		case ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	return strings.Join(stack, "/")
}

func isSrcsetSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// AbsoluteSrcset resolves every URL of a srcset attribute, keeping the
// descriptors as written. Candidates are joined with ", ".
func AbsoluteSrcset(base, value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	var out []string
	pos := 0
	for {
		for pos < len(value) && (value[pos] == ',' || isSrcsetSpace(value[pos])) {
			pos++
		}
		if pos >= len(value) {
			break
		}
		start := pos
		for pos < len(value) && !isSrcsetSpace(value[pos]) {
			pos++
		}
		u := value[start:pos]
		if strings.HasSuffix(u, ",") {
			out = append(out, Absolutize(base, u[:len(u)-1]))
			continue
		}
		u = Absolutize(base, u)
		var desc strings.Builder
		inParens := false
		for {
			if pos >= len(value) {
				out = append(out, strings.TrimSpace(u+desc.String()))
				break
			}
			c := value[pos]
			if !inParens {
				if c == ',' {
					pos++
					out = append(out, strings.TrimSpace(u+desc.String()))
					break
				}
				if c == '(' {
					inParens = true
				}
			} else if c == ')' {
				inParens = false
			}
			desc.WriteByte(c)
			pos++
		}
	}
	return strings.Join(out, ", ")
}

// fileExt returns the lowercase extension of the path of ref resolved
// against base, or "".
func fileExt(base, ref string) string {
	u, err := url.Parse(Absolutize(base, ref))
	if err != nil {
		return ""
	}
	m := fileExtension.FindStringSubmatch(u.Path)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
