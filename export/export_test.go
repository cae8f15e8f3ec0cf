package export

import (
	"strings"
	"testing"

	"github.com/hazyhaar/domreplay/dom"
)

func parse(t *testing.T, src string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(src, "https://example.com/docs/")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

const page = `<html><head><title>T</title></head><body>
<h1>Title</h1>
<p class="lead" onclick="steal()">Hello <a href="guide">guide</a></p>
<script>SCRIPT_PLACEHOLDER</script>
<table><tr><th>k</th></tr><tr><td>v</td></tr></table>
</body></html>`

func TestHTML(t *testing.T) {
	out, err := HTML(parse(t, page))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `onclick="steal()"`) || !strings.Contains(out, "<h1>Title</h1>") {
		t.Errorf("HTML: got %s", out)
	}
}

func TestSafeHTML(t *testing.T) {
	out, err := SafeHTML(parse(t, page))
	if err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"onclick", "<script", "SCRIPT_PLACEHOLDER"} {
		if strings.Contains(out, bad) {
			t.Errorf("SafeHTML kept %q: %s", bad, out)
		}
	}
	if !strings.Contains(out, `class="lead"`) || !strings.Contains(out, "<h1>Title</h1>") {
		t.Errorf("SafeHTML dropped content: %s", out)
	}
}

func TestMarkdown(t *testing.T) {
	out, err := Markdown(parse(t, page))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "# Title") {
		t.Errorf("Markdown heading missing: %s", out)
	}
	if !strings.Contains(out, "https://example.com/docs/guide") {
		t.Errorf("Markdown link not absolute: %s", out)
	}
	if !strings.Contains(out, "| k |") {
		t.Errorf("Markdown table missing: %s", out)
	}
}

func TestText(t *testing.T) {
	got := Text(parse(t, `<body><p>one <b>two</b></p><div>three</div><script>x()</script></body>`))
	if got != "one two\nthree" {
		t.Errorf("Text: got %q, want %q", got, "one two\nthree")
	}
}
