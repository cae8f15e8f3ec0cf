// Package dom is the live tree model: golang.org/x/net/html nodes plus the
// host state a browser keeps beside the markup (shadow roots, frames, CSSOM,
// form values, canvas pixels, media and scroll state).
//
// A *html.Node is node identity. Document methods are not safe for
// concurrent use; the owner of a Document (usually a recorder loop)
// serializes every access.
package dom

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Ready states.
const (
	ReadyLoading  = "loading"
	ReadyComplete = "complete"
)

// ShadowRoot links a host element to its shadow tree.
type ShadowRoot struct {
	Root   *html.Node
	Host   *html.Node
	Native bool
}

// Frame is the content of an <iframe> element.
type Frame struct {
	Doc      *Document
	Readable bool
}

// FormState holds live form-control state that overrides markup defaults.
type FormState struct {
	Value    *string
	Checked  *bool
	Selected *bool
}

// Media is the playback state of an <audio> or <video> element.
type Media struct {
	Paused      bool
	CurrentTime float64
}

// Scroll is an element scroll offset.
type Scroll struct {
	Left, Top float64
}

// Rect is a measured layout box.
type Rect struct {
	Width, Height float64
}

type loadListener struct {
	id int
	fn func()
}

// Document is one live document and its host-side tables.
type Document struct {
	Root       *html.Node
	URL        string
	CompatMode string
	ReadyState string

	base *url.URL

	shadows  map[*html.Node]*ShadowRoot
	hosts    map[*html.Node]*html.Node
	frames   map[*html.Node]*Frame
	sheets   map[*html.Node]*StyleSheet
	adopted  map[*html.Node][]*StyleSheet
	forms    map[*html.Node]*FormState
	canvases map[*html.Node]*Canvas
	images   map[*html.Node]*Image
	media    map[*html.Node]*Media
	scroll   map[*html.Node]Scroll
	rects    map[*html.Node]Rect
	custom   map[string]bool

	mu        sync.Mutex
	listeners map[*html.Node][]loadListener
	lastID    int

	observers      []*observer
	sheetObservers []*sheetObserver
	pending        []Record
}

// New returns an empty document rooted at a DocumentNode.
func New(rawURL string) *Document {
	d := &Document{
		Root:       &html.Node{Type: html.DocumentNode},
		CompatMode: "CSS1Compat",
		ReadyState: ReadyComplete,
		shadows:    make(map[*html.Node]*ShadowRoot),
		hosts:      make(map[*html.Node]*html.Node),
		frames:     make(map[*html.Node]*Frame),
		sheets:     make(map[*html.Node]*StyleSheet),
		adopted:    make(map[*html.Node][]*StyleSheet),
		forms:      make(map[*html.Node]*FormState),
		canvases:   make(map[*html.Node]*Canvas),
		images:     make(map[*html.Node]*Image),
		media:      make(map[*html.Node]*Media),
		scroll:     make(map[*html.Node]Scroll),
		rects:      make(map[*html.Node]Rect),
		custom:     make(map[string]bool),
		listeners:  make(map[*html.Node][]loadListener),
	}
	d.SetURL(rawURL)
	return d
}

// Parse reads HTML into a new Document. Inline <style> elements get a CSSOM
// sheet; <link rel=stylesheet> elements get an unloaded sheet.
func Parse(r io.Reader, rawURL string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	d := New(rawURL)
	d.Root = root
	d.adopt(root)
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(s, rawURL string) (*Document, error) {
	return Parse(strings.NewReader(s), rawURL)
}

// adopt registers host state for a freshly attached subtree.
func (d *Document) adopt(n *html.Node) {
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.DoctypeNode && c == d.Root.FirstChild && !isStandardsDoctype(c) {
			d.CompatMode = "BackCompat"
		}
		if c.Type != html.ElementNode {
			return true
		}
		switch c.Data {
		case "base":
			if href, ok := Attr(c, "href"); ok && d.base != nil {
				if u, err := d.base.Parse(href); err == nil {
					d.base = u
				}
			}
		case "style":
			if _, ok := d.sheets[c]; !ok {
				d.sheets[c] = NewStyleSheet(TextContent(c), "", c)
			}
		case "link":
			if strings.EqualFold(GetAttr(c, "rel"), "stylesheet") {
				if _, ok := d.sheets[c]; !ok {
					s := &StyleSheet{Href: d.Resolve(GetAttr(c, "href")), Owner: c, Readable: true}
					d.sheets[c] = s
				}
			}
		}
		return true
	})
}

func isStandardsDoctype(n *html.Node) bool {
	return strings.EqualFold(n.Data, "html")
}

// SetURL sets the document location and base URL.
func (d *Document) SetURL(rawURL string) {
	d.URL = rawURL
	if u, err := url.Parse(rawURL); err == nil {
		d.base = u
	} else {
		d.base = nil
	}
}

// BaseURL returns the href used to absolutize relative references.
func (d *Document) BaseURL() string {
	if d.base == nil {
		return d.URL
	}
	return d.base.String()
}

// Resolve makes ref absolute against the document base. Unparseable
// references come back unchanged.
func (d *Document) Resolve(ref string) string {
	if d.base == nil {
		return ref
	}
	u, err := d.base.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return u.String()
}

// Walk visits n and its light-DOM descendants depth-first. Returning false
// from fn skips the node's children.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		Walk(c, fn)
	}
}

// Contains reports whether n is reachable from the document root, crossing
// shadow boundaries through their hosts.
func (d *Document) Contains(n *html.Node) bool {
	for p := n; p != nil; {
		if p == d.Root {
			return true
		}
		if p.Parent == nil {
			host, ok := d.hosts[p]
			if !ok {
				return false
			}
			p = host
			continue
		}
		p = p.Parent
	}
	return false
}

// AttachShadow creates (or returns) the shadow root of host.
func (d *Document) AttachShadow(host *html.Node) *html.Node {
	if sr, ok := d.shadows[host]; ok {
		return sr.Root
	}
	root := &html.Node{Type: html.DocumentNode}
	d.shadows[host] = &ShadowRoot{Root: root, Host: host, Native: true}
	d.hosts[root] = host
	return root
}

// SetShadowNative marks a shadow root as polyfilled (false) or native.
func (d *Document) SetShadowNative(host *html.Node, native bool) {
	if sr, ok := d.shadows[host]; ok {
		sr.Native = native
	}
}

// ShadowRoot returns the shadow tree of host, or nil.
func (d *Document) ShadowRoot(host *html.Node) *ShadowRoot {
	return d.shadows[host]
}

// DetachShadow drops the shadow root of host.
func (d *Document) DetachShadow(host *html.Node) {
	if sr, ok := d.shadows[host]; ok {
		delete(d.hosts, sr.Root)
		delete(d.shadows, host)
	}
}

// Host returns the host element when n is a shadow root, else nil.
func (d *Document) Host(n *html.Node) *html.Node {
	return d.hosts[n]
}

// IsShadowRoot reports whether n is the root of a shadow tree.
func (d *Document) IsShadowRoot(n *html.Node) bool {
	_, ok := d.hosts[n]
	return ok
}

// IsNativeShadowRoot reports whether n is a native shadow root.
func (d *Document) IsNativeShadowRoot(n *html.Node) bool {
	host, ok := d.hosts[n]
	if !ok {
		return false
	}
	return d.shadows[host].Native
}

// ShadowHostOf returns the host of the shadow tree containing n, or nil.
func (d *Document) ShadowHostOf(n *html.Node) *html.Node {
	p := n
	for p.Parent != nil {
		p = p.Parent
	}
	return d.hosts[p]
}

// SetFrame attaches a content document to an <iframe>.
func (d *Document) SetFrame(iframe *html.Node, content *Document, readable bool) {
	d.frames[iframe] = &Frame{Doc: content, Readable: readable}
}

// Frame returns the content of an <iframe>, or nil.
func (d *Document) Frame(iframe *html.Node) *Frame {
	return d.frames[iframe]
}

// ContentDocument returns the readable content document of an iframe.
func (d *Document) ContentDocument(iframe *html.Node) *Document {
	f := d.frames[iframe]
	if f == nil || !f.Readable {
		return nil
	}
	return f.Doc
}

// Frames lists the iframes that carry content.
func (d *Document) Frames() map[*html.Node]*Frame {
	return d.frames
}

// DefineCustomElement registers a custom element name.
func (d *Document) DefineCustomElement(name string) {
	d.custom[strings.ToLower(name)] = true
}

// IsCustomElement reports whether name is a registered custom element.
func (d *Document) IsCustomElement(name string) bool {
	return d.custom[name]
}

// Form returns the live form state of an element, creating it on demand.
func (d *Document) Form(n *html.Node) *FormState {
	fs, ok := d.forms[n]
	if !ok {
		fs = &FormState{}
		d.forms[n] = fs
	}
	return fs
}

// SetValue sets the live value of a form control.
func (d *Document) SetValue(n *html.Node, v string) { d.Form(n).Value = &v }

// SetChecked sets the live checked state of a checkbox or radio.
func (d *Document) SetChecked(n *html.Node, v bool) { d.Form(n).Checked = &v }

// SetSelected sets the live selected state of an <option>.
func (d *Document) SetSelected(n *html.Node, v bool) { d.Form(n).Selected = &v }

// InputType returns the lowercased type attribute of an input, "" if absent.
func InputType(n *html.Node) string {
	return strings.ToLower(GetAttr(n, "type"))
}

// InputValue returns the current value of a form control.
func (d *Document) InputValue(n *html.Node) string {
	if fs, ok := d.forms[n]; ok && fs.Value != nil {
		return *fs.Value
	}
	switch n.Data {
	case "textarea":
		return TextContent(n)
	case "select":
		var first *html.Node
		var found *html.Node
		Walk(n, func(c *html.Node) bool {
			if IsElement(c, "option") {
				if first == nil {
					first = c
				}
				if found == nil && d.Selected(c) {
					found = c
				}
			}
			return found == nil
		})
		if found == nil {
			found = first
		}
		if found == nil {
			return ""
		}
		return d.InputValue(found)
	case "option":
		if v, ok := Attr(n, "value"); ok {
			return v
		}
		return strings.Join(strings.Fields(TextContent(n)), " ")
	}
	return GetAttr(n, "value")
}

// Checked reports the live checked state.
func (d *Document) Checked(n *html.Node) bool {
	if fs, ok := d.forms[n]; ok && fs.Checked != nil {
		return *fs.Checked
	}
	return HasAttr(n, "checked")
}

// Selected reports the live selected state of an <option>.
func (d *Document) Selected(n *html.Node) bool {
	if fs, ok := d.forms[n]; ok && fs.Selected != nil {
		return *fs.Selected
	}
	return HasAttr(n, "selected")
}

// SetMedia records playback state for a media element.
func (d *Document) SetMedia(n *html.Node, m Media) { d.media[n] = &m }

// MediaState returns playback state, defaulting to paused at 0.
func (d *Document) MediaState(n *html.Node) Media {
	if m, ok := d.media[n]; ok {
		return *m
	}
	return Media{Paused: true}
}

// SetScroll records an element scroll offset.
func (d *Document) SetScroll(n *html.Node, s Scroll) { d.scroll[n] = s }

// ScrollOf returns the element scroll offset.
func (d *Document) ScrollOf(n *html.Node) Scroll { return d.scroll[n] }

// SetRect records the measured box of an element.
func (d *Document) SetRect(n *html.Node, r Rect) { d.rects[n] = r }

// RectOf returns the measured box of an element.
func (d *Document) RectOf(n *html.Node) Rect { return d.rects[n] }

// OnLoad registers fn for load events on n. The returned func removes it.
func (d *Document) OnLoad(n *html.Node, fn func()) (remove func()) {
	d.mu.Lock()
	d.lastID++
	id := d.lastID
	d.listeners[n] = append(d.listeners[n], loadListener{id: id, fn: fn})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		ls := d.listeners[n]
		for i, l := range ls {
			if l.id == id {
				d.listeners[n] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
		if len(d.listeners[n]) == 0 {
			delete(d.listeners, n)
		}
	}
}

// DispatchLoad fires the load listeners registered on n.
func (d *Document) DispatchLoad(n *html.Node) {
	d.mu.Lock()
	ls := append([]loadListener(nil), d.listeners[n]...)
	d.mu.Unlock()
	for _, l := range ls {
		l.fn()
	}
}

// Render writes n as HTML.
func Render(w io.Writer, n *html.Node) error {
	if err := html.Render(w, n); err != nil {
		return fmt.Errorf("dom: render: %w", err)
	}
	return nil
}
