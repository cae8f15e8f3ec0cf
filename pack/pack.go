// Package pack compresses recorded events for storage and transport. A
// packed event is zlib-compressed JSON carrying a "v" version mark.
package pack

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zlib"

	"github.com/hazyhaar/domreplay/horosafe"
	"github.com/hazyhaar/domreplay/mutation"
)

// Mark is the version stamped into every packed event.
const Mark = "v1"

// ErrUnknownFormat is returned for data that is neither a packed event with
// a known mark nor a plain JSON event.
var ErrUnknownFormat = errors.New("pack: unknown format")

// MaxUnpacked bounds the inflated size of one event.
var MaxUnpacked = horosafe.MaxPayload

type packed struct {
	mutation.Event
	V string `json:"v"`
}

// Pack encodes e as zlib-compressed JSON with the version mark.
func Pack(e *mutation.Event) ([]byte, error) {
	raw, err := json.Marshal(packed{Event: *e, V: Mark})
	if err != nil {
		return nil, fmt.Errorf("pack: marshal: %w", err)
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("pack: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pack: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// IsPacked reports whether data starts with a zlib header.
func IsPacked(data []byte) bool {
	return len(data) >= 2 && data[0]&0x0f == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// Unpack decodes a packed event. Plain JSON events are accepted as they are.
func Unpack(data []byte) (*mutation.Event, error) {
	raw := bytes.TrimSpace(data)
	if len(raw) > 0 && raw[0] == '{' {
		return mutation.UnmarshalEvent(raw)
	}
	if !IsPacked(data) {
		return nil, ErrUnknownFormat
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	defer zr.Close()
	inflated, err := horosafe.LimitedReadAll(zr, MaxUnpacked)
	if err != nil {
		return nil, fmt.Errorf("pack: inflate: %w", err)
	}
	var peek struct {
		V string `json:"v"`
	}
	if err := json.Unmarshal(inflated, &peek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	if peek.V != Mark {
		return nil, fmt.Errorf("%w: mark %q", ErrUnknownFormat, peek.V)
	}
	return mutation.UnmarshalEvent(inflated)
}

// Encode packs e when compress is set and returns plain JSON otherwise.
func Encode(e *mutation.Event, compress bool) ([]byte, error) {
	if compress {
		return Pack(e)
	}
	return mutation.MarshalEvent(e)
}
