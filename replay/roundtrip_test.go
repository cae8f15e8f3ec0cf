package replay

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/internal/sink"
	"github.com/hazyhaar/domreplay/mutation"
	"github.com/hazyhaar/domreplay/recorder"
	"github.com/hazyhaar/domreplay/snapshot"
)

// recordTicks records src while running each step as its own tick, then
// replays the events through their JSON form.
func recordTicks(t *testing.T, src *dom.Document, steps ...func()) *Engine {
	t.Helper()
	var (
		mu     sync.Mutex
		events []mutation.Event
	)
	r, err := recorder.New(recorder.Config{
		Doc:     src,
		Options: snapshot.DefaultOptions(),
		Sink: sink.NewCallback(func(_ context.Context, env sink.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, env.Event)
			return nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	for _, step := range steps {
		if err := r.Do(context.Background(), step); err != nil {
			t.Fatal(err)
		}
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	e := NewEngine(Config{})
	for _, ev := range events {
		raw, err := mutation.MarshalEvent(&ev)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := mutation.UnmarshalEvent(raw)
		if err != nil {
			t.Fatal(err)
		}
		e.Apply(*decoded)
	}
	return e
}

func parseSource(t *testing.T, s string) *dom.Document {
	t.Helper()
	d, err := dom.ParseString(s, "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func sel(d *dom.Document, s string) *html.Node {
	return dom.MustParseSelector(s).QuerySelector(d.Root)
}

func sameBody(t *testing.T, src *dom.Document, e *Engine) {
	t.Helper()
	want := render(t, sel(src, "body"))
	got := render(t, sel(e.Document(), "body"))
	if got != want {
		t.Errorf("replayed body:\n got %s\nwant %s", got, want)
	}
}

func TestMoveAfterAttributeRemovalDropsIt(t *testing.T) {
	src := parseSource(t, `<div id="a"><p title="x">one</p></div><div id="b"></div>`)
	p, b := sel(src, "p"), sel(src, "#b")
	e := recordTicks(t, src, func() {
		src.RemoveAttribute(p, "title")
		src.AppendChild(b, p)
	})
	sameBody(t, src, e)
	if got := render(t, sel(e.Document(), "#b")); got != `<div id="b"><p>one</p></div>` {
		t.Errorf("#b: got %s", got)
	}
}

func TestRemovalUnderReparentedNode(t *testing.T) {
	src := parseSource(t, `<div id="b"><span>x</span></div>`)
	b, span, body := sel(src, "#b"), sel(src, "span"), sel(src, "body")
	e := recordTicks(t, src, func() {
		src.RemoveChild(b, span)
		section := dom.NewElement("section")
		src.AppendChild(body, section)
		src.AppendChild(section, b)
	})
	sameBody(t, src, e)
	if got := render(t, sel(e.Document(), "section")); got != `<section><div id="b"></div></section>` {
		t.Errorf("section: got %s", got)
	}
}

func TestMoveIntoNewNodeInsideMovedSubtree(t *testing.T) {
	src := parseSource(t, `<div id="a"><p>one</p></div><div id="b">x</div>`)
	a, b, p := sel(src, "#a"), sel(src, "#b"), sel(src, "p")
	e := recordTicks(t, src, func() {
		i := dom.NewElement("i")
		src.AppendChild(p, i)
		src.AppendChild(i, b.FirstChild)
		src.AppendChild(b, a)
	})
	sameBody(t, src, e)
	if got := render(t, sel(e.Document(), "p")); got != `<p>one<i>x</i></p>` {
		t.Errorf("p: got %s", got)
	}
}

func TestReloadedCheckedAttributeStaysBoolean(t *testing.T) {
	e := NewEngine(Config{})
	e.Rebuild(doc(el(4, "input", mutation.Attributes{"type": "checkbox"})))
	e.Apply(mutation.NewMutation(&mutation.MutationData{Attributes: []mutation.AttributeMutation{{
		ID:         4,
		Attributes: map[string]mutation.AttributeValue{"checked": mutation.ScalarValue(true)},
	}}}, 10))
	in := e.Mirror().GetNode(4)
	if v, ok := dom.Attr(in, "checked"); !ok || v == "true" {
		t.Errorf("checked: got %q present=%v, want boolean attribute", v, ok)
	}
}

// fuzzOp mutates one node of d chosen by rng. It reports what it did so a
// failing seed can be read back.
type fuzzOp func(rng *rand.Rand, d *dom.Document, pool *[]*html.Node) string

var (
	fuzzAttrs = []string{"title", "class", "data-k"}
	fuzzTags  = []string{"em", "section", "span"}
)

func fuzzNodes(d *dom.Document) (elems, all []*html.Node) {
	body := sel(d, "body")
	dom.Walk(body, func(n *html.Node) bool {
		if n == body {
			return true
		}
		all = append(all, n)
		if n.Type == html.ElementNode {
			elems = append(elems, n)
		}
		return true
	})
	return elems, all
}

func pick[T any](rng *rand.Rand, s []T) (T, bool) {
	var zero T
	if len(s) == 0 {
		return zero, false
	}
	return s[rng.IntN(len(s))], true
}

func fuzzParent(rng *rand.Rand, d *dom.Document) *html.Node {
	elems, _ := fuzzNodes(d)
	if rng.IntN(4) == 0 {
		return sel(d, "body")
	}
	if p, ok := pick(rng, elems); ok {
		return p
	}
	return sel(d, "body")
}

func fuzzRef(rng *rand.Rand, parent *html.Node) *html.Node {
	var kids []*html.Node
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		kids = append(kids, c)
	}
	kids = append(kids, nil)
	ref, _ := pick(rng, kids)
	return ref
}

var fuzzOps = []fuzzOp{
	func(rng *rand.Rand, d *dom.Document, _ *[]*html.Node) string {
		elems, _ := fuzzNodes(d)
		n, ok := pick(rng, elems)
		if !ok {
			return "noop"
		}
		name, _ := pick(rng, fuzzAttrs)
		v := fmt.Sprintf("v%d", rng.IntN(5))
		d.SetAttribute(n, name, v)
		return "set " + name + "=" + v
	},
	func(rng *rand.Rand, d *dom.Document, _ *[]*html.Node) string {
		elems, _ := fuzzNodes(d)
		n, ok := pick(rng, elems)
		if !ok {
			return "noop"
		}
		name, _ := pick(rng, fuzzAttrs)
		d.RemoveAttribute(n, name)
		return "unset " + name
	},
	func(rng *rand.Rand, d *dom.Document, _ *[]*html.Node) string {
		_, all := fuzzNodes(d)
		var texts []*html.Node
		for _, n := range all {
			if n.Type == html.TextNode {
				texts = append(texts, n)
			}
		}
		n, ok := pick(rng, texts)
		if !ok {
			return "noop"
		}
		s := fmt.Sprintf("t%d", rng.IntN(5))
		d.SetData(n, s)
		return "text " + s
	},
	func(rng *rand.Rand, d *dom.Document, _ *[]*html.Node) string {
		parent := fuzzParent(rng, d)
		tag, _ := pick(rng, fuzzTags)
		n := dom.NewElement(tag)
		if rng.IntN(2) == 0 {
			n.AppendChild(dom.NewText(fmt.Sprintf("n%d", rng.IntN(5))))
		}
		d.InsertBefore(parent, n, fuzzRef(rng, parent))
		return "new " + tag
	},
	func(rng *rand.Rand, d *dom.Document, pool *[]*html.Node) string {
		_, all := fuzzNodes(d)
		candidates := append(all, *pool...)
		n, ok := pick(rng, candidates)
		if !ok {
			return "noop"
		}
		parent := fuzzParent(rng, d)
		if err := d.InsertBefore(parent, n, fuzzRef(rng, parent)); err != nil {
			return "move refused"
		}
		return "move"
	},
	func(rng *rand.Rand, d *dom.Document, pool *[]*html.Node) string {
		_, all := fuzzNodes(d)
		n, ok := pick(rng, all)
		if !ok {
			return "noop"
		}
		d.Remove(n)
		*pool = append(*pool, n)
		return "remove"
	},
}

func TestRandomTicksReplayEqual(t *testing.T) {
	const source = `<div id="a"><p title="x">one</p><span>two</span></div><div id="b"><i>three</i></div>`
	for seed := uint64(1); seed <= 200; seed++ {
		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, 0))
			src := parseSource(t, source)
			var (
				pool  []*html.Node
				trace []string
				steps []func()
			)
			for range 3 + rng.IntN(4) {
				n := 1 + rng.IntN(4)
				steps = append(steps, func() {
					for range n {
						op, _ := pick(rng, fuzzOps)
						trace = append(trace, op(rng, src, &pool))
					}
					trace = append(trace, "|")
				})
			}
			e := recordTicks(t, src, steps...)
			want := render(t, sel(src, "body"))
			got := render(t, sel(e.Document(), "body"))
			if got != want {
				t.Errorf("ops %v\n got %s\nwant %s", trace, got, want)
			}
		})
	}
}

func TestErrorNodeIsNotSerialized(t *testing.T) {
	src := parseSource(t, `<div id="a"><p>one</p></div>`)
	a := sel(src, "#a")
	bad := &html.Node{Type: html.ErrorNode, Data: "bogus"}
	e := recordTicks(t, src, func() { src.AppendChild(a, bad) })
	if got := render(t, sel(e.Document(), "#a")); got != `<div id="a"><p>one</p></div>` {
		t.Errorf("#a: got %s", got)
	}
}
