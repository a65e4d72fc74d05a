package automower

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type resource struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

type listResponse struct {
	Data []resource `json:"data"`
}

// decodeMowerList parses a `{data:[...]}` mower list into a fresh snapshot.
func decodeMowerList(body []byte) (Snapshot, error) {
	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode mower list: %w", err)
	}
	snapshot := make(Snapshot, len(resp.Data))
	for _, item := range resp.Data {
		if item.ID == "" {
			return nil, errors.New("decode mower list: resource without id")
		}
		var attrs MowerAttributes
		if len(item.Attributes) > 0 {
			if err := json.Unmarshal(item.Attributes, &attrs); err != nil {
				return nil, fmt.Errorf("decode mower %s: %w", item.ID, err)
			}
		}
		attrs.normalize()
		snapshot[item.ID] = attrs
	}
	return snapshot, nil
}

// Event is one push frame, parsed but not yet applied.
type Event struct {
	ID         string
	Type       string
	Attributes map[string]json.RawMessage
}

// parseEvent validates the frame envelope. Attribute values are decoded
// later by mergeEvent, which rejects the whole event on any bad field.
func parseEvent(frame []byte) (Event, error) {
	var raw struct {
		ID         string                     `json:"id"`
		Type       string                     `json:"type"`
		Attributes map[string]json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Event{}, fmt.Errorf("decode push frame: %w", err)
	}
	if raw.ID == "" {
		return Event{}, errors.New("push frame without id")
	}
	if raw.Attributes == nil {
		return Event{}, errors.New("push frame without attributes")
	}
	return Event{ID: raw.ID, Type: raw.Type, Attributes: raw.Attributes}, nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}
