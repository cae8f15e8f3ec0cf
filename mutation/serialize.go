package mutation

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// MarshalEvent serialises an Event to JSON.
func MarshalEvent(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

type rawEvent struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	ID        int64           `json:"id"`
}

// UnmarshalEvent deserialises an Event, decoding Data into the typed payload
// for its type and source. Unknown payloads stay json.RawMessage.
func UnmarshalEvent(data []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("mutation: unmarshal event: %w", err)
	}
	e := &Event{Type: raw.Type, Timestamp: raw.Timestamp, ID: raw.ID}
	payload, err := decodePayload(raw.Type, raw.Data)
	if err != nil {
		return nil, err
	}
	e.Data = payload
	return e, nil
}

func decodePayload(t EventType, data json.RawMessage) (any, error) {
	var target any
	switch t {
	case FullSnapshot:
		target = &FullSnapshotData{}
	case Meta:
		target = &MetaData{}
	case Custom:
		target = &CustomData{}
	case Plugin:
		target = &PluginData{}
	case IncrementalSnapshot:
		var peek struct {
			Source IncrementalSource `json:"source"`
		}
		if err := json.Unmarshal(data, &peek); err != nil {
			return nil, fmt.Errorf("mutation: unmarshal source: %w", err)
		}
		switch peek.Source {
		case SourceMutation:
			target = &MutationData{}
		case SourceStyleSheetRule:
			target = &StyleSheetRuleData{}
		case SourceAdoptedStyleSheet:
			target = &AdoptedStyleSheetData{}
		case SourceCanvasMutation:
			target = &CanvasMutationData{}
		default:
			return data, nil
		}
	default:
		return data, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("mutation: unmarshal %T: %w", target, err)
	}
	return target, nil
}

// Source returns the incremental source of an event, or -1 when the event
// is not incremental.
func (e *Event) Source() IncrementalSource {
	if e.Type != IncrementalSnapshot {
		return -1
	}
	switch d := e.Data.(type) {
	case *MutationData:
		return d.Source
	case *StyleSheetRuleData:
		return d.Source
	case *AdoptedStyleSheetData:
		return d.Source
	case *CanvasMutationData:
		return d.Source
	case json.RawMessage:
		var peek struct {
			Source IncrementalSource `json:"source"`
		}
		if json.Unmarshal(d, &peek) == nil {
			return peek.Source
		}
	}
	return -1
}

// MarshalNode serialises a snapshot tree to JSON.
func MarshalNode(n *Node) ([]byte, error) {
	return json.Marshal(n)
}

// UnmarshalNode deserialises a snapshot tree.
func UnmarshalNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("mutation: unmarshal node: %w", err)
	}
	return &n, nil
}

// Hash returns the SHA-256 hex digest of an encoded payload.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}
