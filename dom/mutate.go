package dom

import (
	"fmt"

	"golang.org/x/net/html"
)

// RecordKind classifies a raw change notification.
type RecordKind string

const (
	ChildList     RecordKind = "childList"
	Attributes    RecordKind = "attributes"
	CharacterData RecordKind = "characterData"
)

// Record is one low-level change notification, shaped like a DOM
// MutationRecord.
type Record struct {
	Kind            RecordKind
	Target          *html.Node
	Added           []*html.Node
	Removed         []*html.Node
	PreviousSibling *html.Node
	NextSibling     *html.Node
	AttributeName   string
	OldValue        *string
}

// SheetRecordKind classifies a CSSOM change.
type SheetRecordKind string

const (
	SheetInsert SheetRecordKind = "insert"
	SheetDelete SheetRecordKind = "delete"
	SheetAdopt  SheetRecordKind = "adopt"
)

// SheetRecord is a CSSOM change notification. Sheet changes are delivered
// synchronously, they do not wait for Flush.
type SheetRecord struct {
	Kind   SheetRecordKind
	Sheet  *StyleSheet
	Rule   string
	Index  int
	Target *html.Node
	Sheets []*StyleSheet
}

type observer struct{ fn func([]Record) }

type sheetObserver struct{ fn func(SheetRecord) }

// Observe registers fn to receive each tick's records. The returned func
// unregisters it.
func (d *Document) Observe(fn func([]Record)) (stop func()) {
	o := &observer{fn: fn}
	d.observers = append(d.observers, o)
	return func() {
		for i, x := range d.observers {
			if x == o {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// ObserveSheets registers fn for CSSOM changes.
func (d *Document) ObserveSheets(fn func(SheetRecord)) (stop func()) {
	o := &sheetObserver{fn: fn}
	d.sheetObservers = append(d.sheetObservers, o)
	return func() {
		for i, x := range d.sheetObservers {
			if x == o {
				d.sheetObservers = append(d.sheetObservers[:i:i], d.sheetObservers[i+1:]...)
				return
			}
		}
	}
}

func (d *Document) notifySheet(r SheetRecord) {
	for _, o := range d.sheetObservers {
		o.fn(r)
	}
}

func (d *Document) queue(r Record) {
	if len(d.observers) == 0 {
		return
	}
	d.pending = append(d.pending, r)
}

// Pending reports how many records wait for the next Flush.
func (d *Document) Pending() int { return len(d.pending) }

// Flush ends the current tick and delivers its records to every observer.
func (d *Document) Flush() {
	if len(d.pending) == 0 {
		return
	}
	recs := d.pending
	d.pending = nil
	for _, o := range d.observers {
		o.fn(recs)
	}
}

// AppendChild moves child to the end of parent's child list.
func (d *Document) AppendChild(parent, child *html.Node) error {
	return d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts child before ref (nil appends). A child that already
// has a parent is removed first, producing its own record.
func (d *Document) InsertBefore(parent, child, ref *html.Node) error {
	if parent == nil || child == nil {
		return fmt.Errorf("dom: insert: nil node")
	}
	if ref != nil && ref.Parent != parent {
		return fmt.Errorf("dom: insert: reference node is not a child of parent")
	}
	for p := parent; p != nil; p = p.Parent {
		if p == child {
			return fmt.Errorf("dom: insert: cycle")
		}
	}
	if child == ref {
		return nil
	}
	if child.Parent != nil {
		if err := d.RemoveChild(child.Parent, child); err != nil {
			return err
		}
	}
	parent.InsertBefore(child, ref)
	d.adopt(child)
	d.syncStyle(parent)
	d.queue(Record{
		Kind:            ChildList,
		Target:          parent,
		Added:           []*html.Node{child},
		PreviousSibling: child.PrevSibling,
		NextSibling:     child.NextSibling,
	})
	return nil
}

// RemoveChild detaches child from parent.
func (d *Document) RemoveChild(parent, child *html.Node) error {
	if child == nil || child.Parent != parent {
		return fmt.Errorf("dom: remove: node is not a child of parent")
	}
	prev, next := child.PrevSibling, child.NextSibling
	parent.RemoveChild(child)
	d.syncStyle(parent)
	d.queue(Record{
		Kind:            ChildList,
		Target:          parent,
		Removed:         []*html.Node{child},
		PreviousSibling: prev,
		NextSibling:     next,
	})
	return nil
}

// Remove detaches n from wherever it is.
func (d *Document) Remove(n *html.Node) error {
	if n.Parent == nil {
		return nil
	}
	return d.RemoveChild(n.Parent, n)
}

// SetAttribute sets an attribute and records the previous value.
func (d *Document) SetAttribute(el *html.Node, name, value string) {
	old, had := Attr(el, name)
	setAttr(el, name, value)
	r := Record{Kind: Attributes, Target: el, AttributeName: name}
	if had {
		r.OldValue = &old
	}
	if name == "href" && el.Data == "base" {
		d.adopt(el)
	}
	d.queue(r)
}

// RemoveAttribute removes an attribute; absent attributes record nothing.
func (d *Document) RemoveAttribute(el *html.Node, name string) {
	old, had := Attr(el, name)
	if !had {
		return
	}
	removeAttr(el, name)
	d.queue(Record{Kind: Attributes, Target: el, AttributeName: name, OldValue: &old})
}

// SetData replaces the content of a text, comment or CDATA node.
func (d *Document) SetData(n *html.Node, data string) {
	old := n.Data
	n.Data = data
	d.syncStyle(n.Parent)
	d.queue(Record{Kind: CharacterData, Target: n, OldValue: &old})
}

// SetTextContent replaces the children of el with a single text node.
func (d *Document) SetTextContent(el *html.Node, s string) error {
	for c := el.FirstChild; c != nil; {
		next := c.NextSibling
		if err := d.RemoveChild(el, c); err != nil {
			return err
		}
		c = next
	}
	if s == "" {
		return nil
	}
	return d.AppendChild(el, NewText(s))
}

// syncStyle re-reads the CSSOM of a <style> whose text changed.
func (d *Document) syncStyle(el *html.Node) {
	if !IsElement(el, "style") {
		return
	}
	if s, ok := d.sheets[el]; ok {
		s.Replace(TextContent(el))
		return
	}
	d.sheets[el] = NewStyleSheet(TextContent(el), "", el)
}
