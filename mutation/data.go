package mutation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// TextMutation sets the text of a node. A nil Value means the text was
// withheld by policy.
type TextMutation struct {
	ID    int     `json:"id"`
	Value *string `json:"value"`
}

// StyleProp is one entry of a style-object delta: a new value, a value with
// priority, or a removal.
type StyleProp struct {
	Value    string
	Priority string
	Removed  bool
}

func (p StyleProp) MarshalJSON() ([]byte, error) {
	switch {
	case p.Removed:
		return []byte("false"), nil
	case p.Priority != "":
		return json.Marshal([2]string{p.Value, p.Priority})
	}
	return json.Marshal(p.Value)
}

func (p *StyleProp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("false")):
		*p = StyleProp{Removed: true}
	case len(data) > 0 && data[0] == '[':
		var pair [2]string
		if err := json.Unmarshal(data, &pair); err != nil {
			return fmt.Errorf("mutation: style prop: %w", err)
		}
		*p = StyleProp{Value: pair[0], Priority: pair[1]}
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("mutation: style prop: %w", err)
		}
		*p = StyleProp{Value: s}
	}
	return nil
}

// StyleValue is a compact style declaration delta keyed by property name.
type StyleValue map[string]StyleProp

// AttributeValue is a new attribute value: a string, null (removed), a
// style-object delta for the style attribute, or a bool or number carried
// over from a serialized node.
type AttributeValue struct {
	Value  *string
	Style  StyleValue
	Scalar any
}

// StringValue builds a string AttributeValue.
func StringValue(s string) AttributeValue { return AttributeValue{Value: &s} }

// ScalarValue builds an AttributeValue from a serialized attribute: a
// string, bool, number or nil.
func ScalarValue(v any) AttributeValue {
	switch x := v.(type) {
	case nil:
		return AttributeValue{}
	case string:
		return StringValue(x)
	case int:
		return AttributeValue{Scalar: float64(x)}
	}
	return AttributeValue{Scalar: v}
}

// IsRemoval reports whether the value encodes attribute removal.
func (v AttributeValue) IsRemoval() bool { return v.Value == nil && v.Style == nil && v.Scalar == nil }

// Raw returns the value in the form serialized nodes hold attributes: a
// string, bool, float64, StyleValue or nil.
func (v AttributeValue) Raw() any {
	switch {
	case v.Value != nil:
		return *v.Value
	case v.Style != nil:
		return v.Style
	}
	return v.Scalar
}

func (v AttributeValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.Style != nil:
		return json.Marshal(v.Style)
	case v.Value != nil:
		return json.Marshal(*v.Value)
	case v.Scalar != nil:
		return json.Marshal(v.Scalar)
	}
	return []byte("null"), nil
}

func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = AttributeValue{}
	case len(data) > 0 && data[0] == '{':
		var sv StyleValue
		if err := json.Unmarshal(data, &sv); err != nil {
			return fmt.Errorf("mutation: attribute value: %w", err)
		}
		*v = AttributeValue{Style: sv}
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("mutation: attribute value: %w", err)
		}
		*v = AttributeValue{Value: &s}
	default:
		var x any
		if err := json.Unmarshal(data, &x); err != nil {
			return fmt.Errorf("mutation: attribute value: %w", err)
		}
		switch x.(type) {
		case bool, float64:
			*v = AttributeValue{Scalar: x}
		default:
			return fmt.Errorf("mutation: attribute value: unexpected %s", data)
		}
	}
	return nil
}

// AttributeMutation carries the final values of changed attributes.
type AttributeMutation struct {
	ID         int                       `json:"id"`
	Attributes map[string]AttributeValue `json:"attributes"`
}

// Names returns the attribute names in a stable order.
func (m AttributeMutation) Names() []string {
	out := make([]string, 0, len(m.Attributes))
	for k := range m.Attributes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RemovedNode records a detached node.
type RemovedNode struct {
	ParentID int  `json:"parentId"`
	ID       int  `json:"id"`
	IsShadow bool `json:"isShadow,omitempty"`
}

// AddedNode inserts Node under ParentID, immediately before NextID (nil
// appends).
type AddedNode struct {
	ParentID int   `json:"parentId"`
	NextID   *int  `json:"nextId"`
	Node     *Node `json:"node"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// MutationData is the incremental payload of one tick.
type MutationData struct {
	Source         IncrementalSource   `json:"source"`
	Texts          []TextMutation      `json:"texts"`
	Attributes     []AttributeMutation `json:"attributes"`
	Removes        []RemovedNode       `json:"removes"`
	Adds           []AddedNode         `json:"adds"`
	IsAttachIframe bool                `json:"isAttachIframe,omitempty"`
}

// MarshalJSON writes empty lists as [] so consumers can iterate them
// without a null check.
func (m MutationData) MarshalJSON() ([]byte, error) {
	type plain MutationData
	p := plain(m)
	if p.Texts == nil {
		p.Texts = []TextMutation{}
	}
	if p.Attributes == nil {
		p.Attributes = []AttributeMutation{}
	}
	if p.Removes == nil {
		p.Removes = []RemovedNode{}
	}
	if p.Adds == nil {
		p.Adds = []AddedNode{}
	}
	return json.Marshal(p)
}

// Empty reports whether the payload carries no change at all.
func (m *MutationData) Empty() bool {
	return len(m.Texts) == 0 && len(m.Attributes) == 0 && len(m.Removes) == 0 && len(m.Adds) == 0
}

// UniqueTexts keeps only the most recent text mutation per id, in
// chronological order of those survivors.
func UniqueTexts(texts []TextMutation) []TextMutation {
	seen := make(map[int]bool, len(texts))
	out := make([]TextMutation, 0, len(texts))
	for i := len(texts) - 1; i >= 0; i-- {
		if seen[texts[i].ID] {
			continue
		}
		seen[texts[i].ID] = true
		out = append(out, texts[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
