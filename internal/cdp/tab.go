package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Recorder is the part of recorder.Recorder a Tab drives.
type Recorder interface {
	Do(ctx context.Context, fn func()) error
	Checkout(ctx context.Context) error
}

// Tab is an open page.
type Tab struct {
	Page *rod.Page
	URL  string
	opts Options
	log  *slog.Logger
}

// Document fetches the whole DOM, piercing shadow roots and iframes. It
// must run before Follow: Chrome only reports mutations on nodes it has
// sent.
func (t *Tab) Document(ctx context.Context) (*proto.DOMNode, error) {
	p := t.Page.Context(ctx)
	if err := (proto.DOMEnable{}).Call(p); err != nil {
		return nil, fmt.Errorf("cdp: enable dom: %w", err)
	}
	depth := -1
	res, err := proto.DOMGetDocument{Depth: &depth, Pierce: true}.Call(p)
	if err != nil {
		return nil, fmt.Errorf("cdp: get document: %w", err)
	}
	return res.Root, nil
}

// Tree returns a Tree of the current document.
func (t *Tab) Tree(ctx context.Context) (*Tree, error) {
	root, err := t.Document(ctx)
	if err != nil {
		return nil, err
	}
	tree := NewTree(root, t.log)
	t.log.Debug("cdp: document mirrored", "nodes", tree.Len())
	return tree, nil
}

// Viewport returns the inner size of the window.
func (t *Tab) Viewport(ctx context.Context) (width, height int, err error) {
	res, err := t.Page.Context(ctx).Eval(`() => ({w: window.innerWidth, h: window.innerHeight})`)
	if err != nil {
		return 0, 0, fmt.Errorf("cdp: viewport: %w", err)
	}
	return res.Value.Get("w").Int(), res.Value.Get("h").Int(), nil
}

// Follow applies DOM events to tree through rec until ctx is done. Events
// are buffered for the debounce window and applied as one recorder task.
// A document replacement reloads the tree and takes a checkout.
func (t *Tab) Follow(ctx context.Context, tree *Tree, rec Recorder) error {
	q := newQueue(t.opts.MaxBuffer)
	wait := t.Page.Context(ctx).EachEvent(
		func(e *proto.DOMChildNodeInserted) { q.push(e) },
		func(e *proto.DOMChildNodeRemoved) { q.push(e) },
		func(e *proto.DOMSetChildNodes) { q.push(e) },
		func(e *proto.DOMAttributeModified) { q.push(e) },
		func(e *proto.DOMAttributeRemoved) { q.push(e) },
		func(e *proto.DOMCharacterDataModified) { q.push(e) },
		func(e *proto.DOMShadowRootPushed) { q.push(e) },
		func(e *proto.DOMShadowRootPopped) { q.push(e) },
		func(*proto.DOMDocumentUpdated) { q.invalidate() },
	)
	go wait()

	ticker := time.NewTicker(t.opts.Debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-q.full:
		}
		if err := t.flush(ctx, q, tree, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (t *Tab) flush(ctx context.Context, q *queue, tree *Tree, rec Recorder) error {
	events, stale := q.take()
	if stale {
		root, err := t.Document(ctx)
		if err != nil {
			return err
		}
		if err := rec.Do(ctx, func() { tree.Reload(root) }); err != nil {
			return err
		}
		t.log.Info("cdp: document replaced", "nodes", tree.Len())
		return rec.Checkout(ctx)
	}
	if len(events) == 0 {
		return nil
	}
	return rec.Do(ctx, func() {
		for _, e := range events {
			tree.Apply(e)
		}
	})
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
