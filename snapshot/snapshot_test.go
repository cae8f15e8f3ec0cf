package snapshot

import (
	"image"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/mirror"
	"github.com/hazyhaar/domreplay/mutation"
)

func parse(t *testing.T, src string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(src, "https://example.com/x/page.html")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func query(t *testing.T, doc *dom.Document, sel string) *html.Node {
	t.Helper()
	n := dom.MustParseSelector(sel).QuerySelector(doc.Root)
	if n == nil {
		t.Fatalf("no element matches %q", sel)
	}
	return n
}

func newSerializer(t *testing.T, opts Options, p Policy) *Serializer {
	t.Helper()
	s, err := NewSerializer(opts, p, mirror.New())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func findTag(root *mutation.Node, tag string) *mutation.Node {
	var found *mutation.Node
	mutation.Visit(root, func(n *mutation.Node) {
		if found == nil && n.Type == mutation.ElementNode && n.TagName == tag {
			found = n
		}
	})
	return found
}

func TestSerializeElementAssignsIDsInOrder(t *testing.T) {
	doc := parse(t, `<div><p>Hello</p></div>`)
	s := newSerializer(t, DefaultOptions(), nil)

	got := s.Serialize(query(t, doc, "div"), SerializeParams{Doc: doc})
	if got == nil || got.TagName != "div" || got.ID != 1 {
		t.Fatalf("div: got %+v", got)
	}
	if len(got.ChildNodes) != 1 || got.ChildNodes[0].TagName != "p" || got.ChildNodes[0].ID != 2 {
		t.Fatalf("p: got %+v", got.ChildNodes)
	}
	text := got.ChildNodes[0].ChildNodes
	if len(text) != 1 || text[0].Type != mutation.TextNode || text[0].TextContent != "Hello" || text[0].ID != 3 {
		t.Fatalf("text: got %+v", text)
	}
}

func TestSnapshotDocumentIsOne(t *testing.T) {
	doc := parse(t, `<!DOCTYPE html><html><head></head><body><p>x</p></body></html>`)
	m := mirror.New()
	root, err := Snapshot(doc, DefaultOptions(), nil, m)
	if err != nil {
		t.Fatal(err)
	}
	if root.Type != mutation.DocumentNode || root.ID != 1 {
		t.Errorf("root: got type %v id %d, want document 1", root.Type, root.ID)
	}
	if root.ChildNodes[0].Type != mutation.DocumentTypeNode || root.ChildNodes[0].Name != "html" {
		t.Errorf("doctype: got %+v", root.ChildNodes[0])
	}
	if root.CompatMode != "" {
		t.Errorf("CompatMode: got %q, want empty", root.CompatMode)
	}
	if m.GetNode(1) != doc.Root {
		t.Error("mirror: id 1 is not the document")
	}
}

func TestErrorNodeNotSerialized(t *testing.T) {
	doc := parse(t, `<div><p>x</p></div>`)
	div := query(t, doc, "div")
	bad := &html.Node{Type: html.ErrorNode, Data: "bogus"}
	div.AppendChild(bad)
	m := mirror.New()
	s, err := NewSerializer(DefaultOptions(), nil, m)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Serialize(bad, SerializeParams{Doc: doc}); got != nil {
		t.Errorf("error node: got %+v, want nil", got)
	}
	got := s.Serialize(div, SerializeParams{Doc: doc})
	if len(got.ChildNodes) != 1 || got.ChildNodes[0].TagName != "p" {
		t.Errorf("children: got %+v", got.ChildNodes)
	}
	if m.HasNode(bad) {
		t.Error("error node registered in mirror")
	}
}

func TestSnapshotIDStability(t *testing.T) {
	doc := parse(t, `<html><head><title>t</title></head><body><!-- c --><div id="a"><span>x</span>y</div></body></html>`)
	m := mirror.New()
	s, err := NewSerializer(DefaultOptions(), nil, m)
	if err != nil {
		t.Fatal(err)
	}
	collect := func(n *mutation.Node) []int {
		var ids []int
		VisitSnapshot(n, func(c *mutation.Node) { ids = append(ids, c.ID) })
		return ids
	}
	first := collect(s.Snapshot(doc))
	second := collect(s.Snapshot(doc))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("ids: first %v, second %v", first, second)
	}
}

func TestMaskAllTextStarsEveryCharacter(t *testing.T) {
	doc := parse(t, `<p>Hello world</p><span>x  y</span>`)
	p := query(t, doc, "p")
	if err := doc.AppendChild(p, dom.NewText("")); err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions()
	opts.MaskAllText = true
	s := newSerializer(t, opts, nil)
	root := s.Snapshot(doc)

	VisitSnapshot(root, func(n *mutation.Node) {
		if n.Type != mutation.TextNode {
			return
		}
		for _, r := range n.TextContent {
			if r != '*' {
				t.Errorf("text %q: unmasked rune %q", n.TextContent, r)
			}
		}
	})
	body := findTag(root, "p")
	if got := body.ChildNodes[0].TextContent; got != "***********" {
		t.Errorf("p text: got %q, want %q", got, "***********")
	}
	if got := findTag(root, "span").ChildNodes[0].TextContent; got != "****" {
		t.Errorf("span text: got %q, want %q", got, "****")
	}
	if got := body.ChildNodes[1].TextContent; got != "" {
		t.Errorf("empty text: got %q, want empty", got)
	}
}

func TestUnmaskClassInsideMaskAll(t *testing.T) {
	doc := parse(t, `<div class="public"><p>Hi</p></div><p id="s">Secret</p>`)
	opts := DefaultOptions()
	opts.MaskAllText = true
	opts.UnmaskTextClass = "public"
	s := newSerializer(t, opts, nil)

	hi := s.Serialize(query(t, doc, "div"), SerializeParams{Doc: doc})
	if got := hi.ChildNodes[0].ChildNodes[0].TextContent; got != "Hi" {
		t.Errorf("unmasked: got %q, want %q", got, "Hi")
	}
	secret := s.Serialize(query(t, doc, "#s"), SerializeParams{Doc: doc})
	if got := secret.ChildNodes[0].TextContent; got != "******" {
		t.Errorf("masked: got %q, want %q", got, "******")
	}
}

func TestMaskTextClass(t *testing.T) {
	doc := parse(t, `<div class="rr-mask"><span>abc</span></div>`)
	s := newSerializer(t, DefaultOptions(), nil)
	got := s.Serialize(query(t, doc, "div"), SerializeParams{Doc: doc})
	if text := got.ChildNodes[0].ChildNodes[0].TextContent; text != "***" {
		t.Errorf("text: got %q, want %q", text, "***")
	}
}

func TestAlwaysMaskedAutocompleteAndPassword(t *testing.T) {
	doc := parse(t, `<input id="cc" autocomplete="cc-number" value="4111"><input id="pw" type="password" value="hunter2"><input id="plain" value="hello">`)
	s := newSerializer(t, DefaultOptions(), nil)
	for sel, want := range map[string]string{"#cc": "****", "#pw": "*******", "#plain": "hello"} {
		got := s.Serialize(query(t, doc, sel), SerializeParams{Doc: doc})
		if v, _ := got.Attributes.String("value"); v != want {
			t.Errorf("%s value: got %q, want %q", sel, v, want)
		}
	}
}

func TestFormState(t *testing.T) {
	doc := parse(t, `<input id="t" type="text" value="abc"><input id="c" type="checkbox" checked><select><option id="a" value="a">A</option><option id="b" value="b" selected>B</option></select>`)

	s := newSerializer(t, DefaultOptions(), nil)
	if got := s.Serialize(query(t, doc, "#c"), SerializeParams{Doc: doc}); got.Attributes["checked"] != true {
		t.Errorf("checked: got %v, want true", got.Attributes["checked"])
	}
	if got := s.Serialize(query(t, doc, "#b"), SerializeParams{Doc: doc}); got.Attributes["selected"] != true {
		t.Errorf("selected: got %v, want true", got.Attributes["selected"])
	}
	if got := s.Serialize(query(t, doc, "#a"), SerializeParams{Doc: doc}); got.Attributes["selected"] != nil {
		t.Errorf("unselected: got %v, want absent", got.Attributes["selected"])
	}

	opts := DefaultOptions()
	opts.MaskInputOptions = MaskAllInputs()
	masked := newSerializer(t, opts, nil)
	if got := masked.Serialize(query(t, doc, "#t"), SerializeParams{Doc: doc}); got.Attributes["value"] != "***" {
		t.Errorf("masked value: got %v, want ***", got.Attributes["value"])
	}
	if got := masked.Serialize(query(t, doc, "#b"), SerializeParams{Doc: doc}); got.Attributes["selected"] != nil {
		t.Errorf("masked select: got selected %v, want absent", got.Attributes["selected"])
	}
}

func TestShouldMaskInput(t *testing.T) {
	tests := []struct {
		opts MaskInputOptions
		tag  string
		typ  string
		want bool
	}{
		{MaskInputOptions{}, "input", "password", true},
		{MaskInputOptions{}, "input", "text", false},
		{MaskInputOptions{"text": true}, "input", "", true},
		{MaskInputOptions{"select": true}, "option", "", true},
		{MaskInputOptions{"email": true}, "input", "email", true},
		{MaskInputOptions{"email": true}, "input", "tel", false},
	}
	for _, tt := range tests {
		if got := ShouldMaskInput(tt.opts, tt.tag, tt.typ); got != tt.want {
			t.Errorf("ShouldMaskInput(%v, %q, %q): got %v, want %v", tt.opts, tt.tag, tt.typ, got, tt.want)
		}
	}
}

func TestInputTypePasswordMarker(t *testing.T) {
	el := dom.NewElement("input", html.Attribute{Key: "type", Val: "text"}, html.Attribute{Key: "data-rr-is-password", Val: "true"})
	if got := InputType(el); got != "password" {
		t.Errorf("InputType: got %q, want password", got)
	}
}

type panickyPolicy struct{ DefaultPolicy }

func (panickyPolicy) MaskText(string, *html.Node) string { panic("boom") }
func (panickyPolicy) KeepIframeSrc(string) bool          { panic("boom") }

func TestPolicyPanicFailsClosed(t *testing.T) {
	doc := parse(t, `<p>abc</p><iframe src="https://other.example/"></iframe>`)
	opts := DefaultOptions()
	opts.MaskAllText = true
	s := newSerializer(t, opts, panickyPolicy{})
	p := s.Serialize(query(t, doc, "p"), SerializeParams{Doc: doc})
	if got := p.ChildNodes[0].TextContent; got != "***" {
		t.Errorf("text: got %q, want ***", got)
	}
	f := s.Serialize(query(t, doc, "iframe"), SerializeParams{Doc: doc})
	if _, ok := f.Attributes["src"]; ok {
		t.Error("iframe src kept after policy panic")
	}
}

func TestScriptPlaceholderAndStyleURL(t *testing.T) {
	doc := parse(t, `<script>alert(1)</script><div style="background: url(a.png)"></div>`)
	s := newSerializer(t, DefaultOptions(), nil)
	script := s.Serialize(query(t, doc, "script"), SerializeParams{Doc: doc})
	if got := script.ChildNodes[0].TextContent; got != ScriptPlaceholder {
		t.Errorf("script: got %q, want %q", got, ScriptPlaceholder)
	}
	div := s.Serialize(query(t, doc, "div"), SerializeParams{Doc: doc})
	if got, _ := div.Attributes.String("style"); got != "background: url(https://example.com/x/a.png)" {
		t.Errorf("style: got %q", got)
	}
}

func TestTransformAttribute(t *testing.T) {
	s := newSerializer(t, DefaultOptions(), nil)
	base := "https://example.com/x/page.html"
	tests := []struct {
		tag, name, value, want string
	}{
		{"img", "src", "a.png", "https://example.com/x/a.png"},
		{"a", "href", "/b", "https://example.com/b"},
		{"use", "href", "#icon", "#icon"},
		{"use", "xlink:href", "#icon", "#icon"},
		{"td", "background", "bg.png", "https://example.com/x/bg.png"},
		{"div", "background", "bg.png", "bg.png"},
		{"object", "data", "movie.swf", "https://example.com/x/movie.swf"},
		{"img", "src", "data:image/png;base64,AA", "data:image/png;base64,AA"},
		{"img", "src", "blob:https://example.com/1", "blob:https://example.com/1"},
		{"div", "title", "hi", "hi"},
	}
	for _, tt := range tests {
		if got := s.TransformAttribute(base, tt.tag, tt.name, tt.value, nil); got != tt.want {
			t.Errorf("%s[%s=%q]: got %q, want %q", tt.tag, tt.name, tt.value, got, tt.want)
		}
	}
}

func TestAbsoluteSrcset(t *testing.T) {
	base := "https://a.com/x/"
	tests := []struct{ in, want string }{
		{"img.png 1x, /b.png 2x", "https://a.com/x/img.png 1x, https://a.com/b.png 2x"},
		{"a.png, b.png", "https://a.com/x/a.png, https://a.com/x/b.png"},
		{"c.png 100w", "https://a.com/x/c.png 100w"},
		{"  ", "  "},
	}
	for _, tt := range tests {
		if got := AbsoluteSrcset(base, tt.in); got != tt.want {
			t.Errorf("AbsoluteSrcset(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAbsoluteToStylesheet(t *testing.T) {
	href := "https://a.com/css/site.css"
	tests := []struct{ in, want string }{
		{"a{background:url(img.png)}", "a{background:url(https://a.com/css/img.png)}"},
		{"a{background:url('../img.png')}", "a{background:url('https://a.com/img.png')}"},
		{`a{background:url("/x.png")}`, `a{background:url("https://a.com/x.png")}`},
		{"a{background:url(data:image/png;base64,AAA)}", "a{background:url(data:image/png;base64,AAA)}"},
		{"a{background:url(//cdn.com/a.png)}", "a{background:url(//cdn.com/a.png)}"},
		{"a{background:url(www.foo.com/a.png)}", "a{background:url(www.foo.com/a.png)}"},
		{"a{color:red}", "a{color:red}"},
	}
	for _, tt := range tests {
		if got := AbsoluteToStylesheet(tt.in, href); got != tt.want {
			t.Errorf("AbsoluteToStylesheet(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidTagName(t *testing.T) {
	for tag, want := range map[string]string{"div": "div", "x-foo": "x-foo", "my$tag": "div", "FORM": "form"} {
		if got := ValidTagName(dom.NewElement(tag)); got != want {
			t.Errorf("ValidTagName(%q): got %q, want %q", tag, got, want)
		}
	}
}

func TestSlimDOM(t *testing.T) {
	src := `<html><head><meta name="keywords" content="a"><meta property="og:title" content="t"><script>var a</script><title>x</title></head><body></body></html>`
	tags := func(slim SlimDOMOptions) ([]string, *mirror.Mirror, *dom.Document) {
		doc := parse(t, src)
		opts := DefaultOptions()
		opts.SlimDOM = slim
		m := mirror.New()
		root, err := Snapshot(doc, opts, nil, m)
		if err != nil {
			t.Fatal(err)
		}
		var out []string
		for _, c := range findTag(root, "head").ChildNodes {
			out = append(out, c.TagName)
		}
		return out, m, doc
	}

	got, m, doc := tags(SlimSensible())
	if want := []string{"meta", "title"}; !reflect.DeepEqual(got, want) {
		t.Errorf("sensible: got %v, want %v", got, want)
	}
	if id := m.GetID(query(t, doc, "script")); id != mutation.IgnoredNode {
		t.Errorf("script id: got %d, want %d", id, mutation.IgnoredNode)
	}
	if got, _, _ := tags(SlimAll()); !reflect.DeepEqual(got, []string{"title"}) {
		t.Errorf("all: got %v, want [title]", got)
	}
	if got, _, _ := tags(SlimDOMOptions{}); len(got) != 4 {
		t.Errorf("none: got %v, want 4 children", got)
	}
}

func TestWhitespaceTextIgnored(t *testing.T) {
	doc := parse(t, `<div> <p>x</p> </div>`)
	opts := DefaultOptions()
	opts.PreserveWhiteSpace = false
	s := newSerializer(t, opts, nil)
	got := s.Serialize(query(t, doc, "div"), SerializeParams{Doc: doc})
	if len(got.ChildNodes) != 1 || got.ChildNodes[0].TagName != "p" {
		t.Errorf("children: got %+v", got.ChildNodes)
	}
}

func TestBlockedElement(t *testing.T) {
	doc := parse(t, `<div class="rr-block" id="b" title="t"><p>secret</p></div><div class="rr-block" id="keep"><p>ok</p></div>`)
	doc.SetRect(query(t, doc, "#b"), dom.Rect{Width: 100, Height: 50.5})
	opts := DefaultOptions()
	opts.UnblockSelector = "#keep"
	s := newSerializer(t, opts, nil)

	got := s.Serialize(query(t, doc, "#b"), SerializeParams{Doc: doc})
	want := mutation.Attributes{"class": "rr-block", "rr_width": "100px", "rr_height": "50.5px"}
	if !reflect.DeepEqual(got.Attributes, want) {
		t.Errorf("attributes: got %v, want %v", got.Attributes, want)
	}
	if len(got.ChildNodes) != 0 {
		t.Errorf("children: got %d, want 0", len(got.ChildNodes))
	}
	if got.NeedBlock {
		t.Error("NeedBlock leaked into output")
	}
	kept := s.Serialize(query(t, doc, "#keep"), SerializeParams{Doc: doc})
	if len(kept.ChildNodes) != 1 {
		t.Errorf("unblocked children: got %d, want 1", len(kept.ChildNodes))
	}
	if !s.IsBlockedFrom(query(t, doc, "#b p"), true) {
		t.Error("IsBlockedFrom(child of blocked): want true")
	}
}

type keepAll struct{ DefaultPolicy }

func (keepAll) KeepIframeSrc(string) bool { return true }

func TestIframeSrc(t *testing.T) {
	doc := parse(t, `<iframe src="https://other.example/x"></iframe>`)
	s := newSerializer(t, DefaultOptions(), nil)
	got := s.Serialize(query(t, doc, "iframe"), SerializeParams{Doc: doc})
	if _, ok := got.Attributes["src"]; ok {
		t.Error("src kept")
	}
	if v, _ := got.Attributes.String("rr_src"); v != "https://other.example/x" {
		t.Errorf("rr_src: got %q", v)
	}

	keep := newSerializer(t, DefaultOptions(), keepAll{})
	got = keep.Serialize(query(t, doc, "iframe"), SerializeParams{Doc: doc})
	if v, _ := got.Attributes.String("src"); v != "https://other.example/x" {
		t.Errorf("kept src: got %q", v)
	}
}

func TestIframeContentSerializedOnLoad(t *testing.T) {
	doc := parse(t, `<iframe src="inner.html"></iframe>`)
	iframe := query(t, doc, "iframe")
	inner := parse(t, `<p>inside</p>`)
	inner.ReadyState = dom.ReadyLoading
	doc.SetFrame(iframe, inner, true)

	var loaded *mutation.Node
	opts := DefaultOptions()
	opts.OnIframeLoad = func(_ *html.Node, n *mutation.Node) { loaded = n }
	var queued []func()
	opts.Enqueue = func(fn func()) { queued = append(queued, fn) }
	m := mirror.New()
	s, err := NewSerializer(opts, nil, m)
	if err != nil {
		t.Fatal(err)
	}
	s.Snapshot(doc)

	inner.ReadyState = dom.ReadyComplete
	doc.DispatchLoad(iframe)
	for _, fn := range queued {
		fn()
	}
	if loaded == nil || loaded.Type != mutation.DocumentNode {
		t.Fatalf("iframe document: got %+v", loaded)
	}
	if loaded.ID == 1 {
		t.Error("iframe document reused id 1")
	}
	p := findTag(loaded, "p")
	if p == nil || p.RootID != loaded.ID {
		t.Errorf("rootId: got %+v, want %d", p, loaded.ID)
	}
}

func TestStylesheetLoadReserializesLink(t *testing.T) {
	doc := parse(t, `<link rel="stylesheet" href="/a.css">`)
	link := query(t, doc, "link")
	var got *mutation.Node
	opts := DefaultOptions()
	opts.OnStylesheetLoad = func(_ *html.Node, n *mutation.Node) { got = n }
	s := newSerializer(t, opts, nil)
	first := s.Snapshot(doc)
	if findTag(first, "link").Attributes["_cssText"] != nil {
		t.Fatal("unloaded sheet inlined")
	}

	doc.SheetOf(link).Replace("body { color: red; }")
	doc.DispatchLoad(link)
	if got == nil {
		t.Fatal("OnStylesheetLoad not called")
	}
	css, _ := got.Attributes.String("_cssText")
	if !strings.Contains(css, "color") {
		t.Errorf("_cssText: got %q", css)
	}
	if got.Attributes["href"] != nil || got.Attributes["rel"] != nil {
		t.Errorf("href/rel not nulled: %v", got.Attributes)
	}
}

func TestShadowChildren(t *testing.T) {
	doc := parse(t, `<div id="host"></div>`)
	host := query(t, doc, "#host")
	root := doc.AttachShadow(host)
	if err := doc.AppendChild(root, dom.NewElement("span")); err != nil {
		t.Fatal(err)
	}
	s := newSerializer(t, DefaultOptions(), nil)
	got := s.Serialize(host, SerializeParams{Doc: doc})
	if !got.IsShadowHost {
		t.Error("IsShadowHost: want true")
	}
	if len(got.ChildNodes) != 1 || !got.ChildNodes[0].IsShadow {
		t.Errorf("shadow child: got %+v", got.ChildNodes)
	}
}

func TestCanvasBlankDetection(t *testing.T) {
	c := dom.NewCanvas(120, 120, "2d")
	if !Is2DCanvasBlank(c) {
		t.Error("zero canvas: want blank")
	}
	c.Set(110, 110, 0x000000ff)
	if Is2DCanvasBlank(c) {
		t.Error("pixel in last chunk: want not blank")
	}

	s := newSerializer(t, DefaultOptions(), nil)
	if got := s.canvasDataURL(dom.NewCanvas(10, 10, "")); got != "" {
		t.Errorf("blank unknown-context canvas: got %q, want empty", got)
	}
	drawn := dom.NewCanvas(10, 10, "")
	drawn.Set(1, 1, 0xff0000ff)
	if got := s.canvasDataURL(drawn); !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("drawn canvas: got %q", got)
	}
	if got := s.canvasDataURL(dom.NewCanvas(10, 10, "webgl")); got != "" {
		t.Errorf("webgl canvas: got %q, want empty", got)
	}
}

func TestCanvasRecorded(t *testing.T) {
	doc := parse(t, `<canvas></canvas>`)
	el := query(t, doc, "canvas")
	c := dom.NewCanvas(4, 4, "2d")
	c.Set(0, 0, 0xffffffff)
	doc.SetCanvas(el, c)
	opts := DefaultOptions()
	opts.RecordCanvas = true
	s := newSerializer(t, opts, nil)
	got := s.Serialize(el, SerializeParams{Doc: doc})
	if _, ok := got.Attributes.String("rr_dataURL"); !ok {
		t.Error("rr_dataURL missing")
	}
}

func TestInlineImageRetriesAnonymous(t *testing.T) {
	doc := parse(t, `<img src="x.png">`)
	img := query(t, doc, "img")
	doc.SetImage(img, &dom.Image{Complete: true, Img: image.NewRGBA(image.Rect(0, 0, 2, 2)), Tainted: true, CORSAllowed: true})
	opts := DefaultOptions()
	opts.InlineImages = true
	s := newSerializer(t, opts, nil)
	got := s.Serialize(img, SerializeParams{Doc: doc})
	if v, _ := got.Attributes.String("rr_dataURL"); !strings.HasPrefix(v, "data:image/png;base64,") {
		t.Errorf("rr_dataURL: got %q", v)
	}
	if dom.HasAttr(img, "crossorigin") {
		t.Error("crossorigin not restored")
	}
}

func TestInlineImageAfterLoad(t *testing.T) {
	doc := parse(t, `<img src="x.png">`)
	img := query(t, doc, "img")
	var loaded *mutation.Node
	opts := DefaultOptions()
	opts.InlineImages = true
	opts.OnImageLoad = func(_ *html.Node, n *mutation.Node) { loaded = n }
	s := newSerializer(t, opts, nil)
	s.Serialize(img, SerializeParams{Doc: doc})
	if loaded != nil {
		t.Fatal("OnImageLoad before load")
	}
	doc.SetImage(img, &dom.Image{Complete: true, Img: image.NewRGBA(image.Rect(0, 0, 1, 1))})
	doc.DispatchLoad(img)
	if loaded == nil {
		t.Fatal("OnImageLoad not called")
	}
	if _, ok := loaded.Attributes.String("rr_dataURL"); !ok {
		t.Error("rr_dataURL missing after load")
	}
}

func TestMediaAndScroll(t *testing.T) {
	doc := parse(t, `<video autoplay src="v.mp4"></video><div id="s"></div>`)
	video := query(t, doc, "video")
	doc.SetMedia(video, dom.Media{Paused: false, CurrentTime: 3.5})
	div := query(t, doc, "#s")
	doc.SetScroll(div, dom.Scroll{Top: 40})
	s := newSerializer(t, DefaultOptions(), nil)

	v := s.Serialize(video, SerializeParams{Doc: doc})
	if v.Attributes["rr_mediaState"] != "played" || v.Attributes["rr_mediaCurrentTime"] != 3.5 {
		t.Errorf("media: got %v", v.Attributes)
	}
	if _, ok := v.Attributes["autoplay"]; ok {
		t.Error("autoplay recorded")
	}
	d := s.Serialize(div, SerializeParams{Doc: doc})
	if d.Attributes["rr_scrollTop"] != 40.0 {
		t.Errorf("rr_scrollTop: got %v", d.Attributes["rr_scrollTop"])
	}
	if _, ok := d.Attributes["rr_scrollLeft"]; ok {
		t.Error("zero rr_scrollLeft recorded")
	}
	fresh := newSerializer(t, DefaultOptions(), nil)
	d = fresh.Serialize(div, SerializeParams{Doc: doc, NewlyAdded: true})
	if _, ok := d.Attributes["rr_scrollTop"]; ok {
		t.Error("scroll recorded on newly added element")
	}
}

func TestMaxDepthCutsSubtree(t *testing.T) {
	doc := parse(t, `<div id="r"><div><div><div><div></div></div></div></div></div>`)
	opts := DefaultOptions()
	opts.MaxDepth = 2
	s := newSerializer(t, opts, nil)
	got := s.Serialize(query(t, doc, "#r"), SerializeParams{Doc: doc})
	count := 0
	VisitSnapshot(got, func(*mutation.Node) { count++ })
	if count != 3 {
		t.Errorf("nodes: got %d, want 3", count)
	}
}

func TestInvalidSelectorRejected(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockSelector = "div >"
	if _, err := NewSerializer(opts, nil, nil); err == nil {
		t.Error("NewSerializer: want error for dangling combinator")
	}
}
