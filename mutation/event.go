package mutation

import "encoding/json"

// EventType tags a recording event.
type EventType int

const (
	DomContentLoaded EventType = iota
	Load
	FullSnapshot
	IncrementalSnapshot
	Meta
	Custom
	Plugin
)

// IncrementalSource tags the payload of an IncrementalSnapshot event.
type IncrementalSource int

const (
	SourceMutation IncrementalSource = iota
	SourceMouseMove
	SourceMouseInteraction
	SourceScroll
	SourceViewportResize
	SourceInput
	SourceTouchMove
	SourceMediaInteraction
	SourceStyleSheetRule
	SourceCanvasMutation
	SourceFont
	SourceLog
	SourceDrag
	SourceStyleDeclaration
	SourceSelection
	SourceAdoptedStyleSheet
)

// Event is one entry of a recording. Timestamp is epoch milliseconds. ID
// is set only when a sequential-id plugin stamps the stream.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp int64     `json:"timestamp"`
	ID        int64     `json:"id,omitempty"`
}

// Offset is the window scroll position at snapshot time.
type Offset struct {
	Top  float64 `json:"top"`
	Left float64 `json:"left"`
}

// FullSnapshotData carries a whole serialized document.
type FullSnapshotData struct {
	Node          *Node  `json:"node"`
	InitialOffset Offset `json:"initialOffset"`
}

// MetaData describes the recorded page.
type MetaData struct {
	Href   string `json:"href"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// CustomData is an application-defined event.
type CustomData struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// PluginData is emitted by recording plugins.
type PluginData struct {
	Plugin  string          `json:"plugin"`
	Payload json.RawMessage `json:"payload"`
}

// StyleSheetAddRule inserts Rule at Index.
type StyleSheetAddRule struct {
	Rule  string `json:"rule"`
	Index *int   `json:"index,omitempty"`
}

// StyleSheetDeleteRule removes the rule at Index.
type StyleSheetDeleteRule struct {
	Index int `json:"index"`
}

// StyleSheetRuleData edits the rules of a sheet, addressed either by the id
// of its owner node or by a stylesheet-mirror id.
type StyleSheetRuleData struct {
	Source  IncrementalSource      `json:"source"`
	ID      int                    `json:"id,omitempty"`
	StyleID int                    `json:"styleId,omitempty"`
	Adds    []StyleSheetAddRule    `json:"adds,omitempty"`
	Removes []StyleSheetDeleteRule `json:"removes,omitempty"`
}

// AdoptedStyle carries the rules of a sheet seen for the first time.
type AdoptedStyle struct {
	StyleID int                 `json:"styleId"`
	Rules   []StyleSheetAddRule `json:"rules"`
}

// AdoptedStyleSheetData sets the adopted sheets of a document or shadow host.
type AdoptedStyleSheetData struct {
	Source   IncrementalSource `json:"source"`
	ID       int               `json:"id"`
	StyleIDs []int             `json:"styleIds"`
	Styles   []AdoptedStyle    `json:"styles,omitempty"`
}

// CanvasMutationData is an opaque canvas command payload for one canvas.
type CanvasMutationData struct {
	Source   IncrementalSource `json:"source"`
	ID       int               `json:"id"`
	Commands json.RawMessage   `json:"commands"`
}

// NewFullSnapshot builds a FullSnapshot event.
func NewFullSnapshot(n *Node, off Offset, ts int64) Event {
	return Event{Type: FullSnapshot, Data: &FullSnapshotData{Node: n, InitialOffset: off}, Timestamp: ts}
}

// NewMutation builds an IncrementalSnapshot event carrying a mutation tick.
func NewMutation(d *MutationData, ts int64) Event {
	d.Source = SourceMutation
	return Event{Type: IncrementalSnapshot, Data: d, Timestamp: ts}
}

// NewIncremental wraps any incremental payload; the payload must already
// carry its source.
func NewIncremental(data any, ts int64) Event {
	return Event{Type: IncrementalSnapshot, Data: data, Timestamp: ts}
}
