package automower

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

type mergeResult int

const (
	mergeApplied mergeResult = iota
	mergeStale
)

// objectKeys are merged field-wise into the stored record.
var objectKeys = map[string]bool{
	"system":     true,
	"battery":    true,
	"mower":      true,
	"planner":    true,
	"metadata":   true,
	"calendar":   true,
	"statistics": true,
	"settings":   true,
}

// eventKeyOrder fixes the merge order within one frame: settings before the
// cuttingHeight and headlight shorthands, positions before position.
var eventKeyOrder = []string{
	"system", "battery", "mower", "planner", "metadata", "calendar", "statistics",
	"settings", "cuttingHeight", "headlight",
	"positions", "position",
}

// orderedKeys splits attrs into known keys in merge order and sorted
// unknown keys.
func orderedKeys(attrs map[string]json.RawMessage) (known, unknown []string) {
	for _, key := range eventKeyOrder {
		if _, ok := attrs[key]; ok {
			known = append(known, key)
		}
	}
	for key := range attrs {
		if !objectKeys[key] && !shorthandKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return known, unknown
}

var shorthandKeys = map[string]bool{
	"cuttingHeight": true,
	"headlight":     true,
	"positions":     true,
	"position":      true,
}

// mergeEvent applies ev to current and returns the new record. The input is
// never modified. Every attribute is decoded before anything is merged, so a
// malformed field rejects the whole event. Unknown keys are returned so the
// caller can log them.
func mergeEvent(current MowerAttributes, ev Event) (MowerAttributes, mergeResult, []string, error) {
	if raw, ok := ev.Attributes["metadata"]; ok {
		var meta struct {
			StatusTimestamp *int64 `json:"statusTimestamp"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return current, 0, nil, fmt.Errorf("metadata: %w", err)
		}
		stored := current.Metadata.StatusTimestamp
		if meta.StatusTimestamp != nil && stored > 0 && *meta.StatusTimestamp <= stored {
			return current, mergeStale, nil, nil
		}
	}

	patch := map[string]any{}
	var newPositions []Position
	known, unknown := orderedKeys(ev.Attributes)

	for _, key := range known {
		raw := ev.Attributes[key]
		switch {
		case objectKeys[key]:
			value, err := decodeValue(raw)
			if err != nil {
				return current, 0, nil, fmt.Errorf("%s: %w", key, err)
			}
			if _, isObject := value.(map[string]any); !isObject {
				return current, 0, nil, fmt.Errorf("%s: expected object", key)
			}
			patch[key] = mergeValue(patch[key], value)
		case key == "positions":
			var positions []Position
			if err := json.Unmarshal(raw, &positions); err != nil {
				return current, 0, nil, fmt.Errorf("positions: %w", err)
			}
			newPositions = append(newPositions, positions...)
		case key == "position":
			var position Position
			if err := json.Unmarshal(raw, &position); err != nil {
				return current, 0, nil, fmt.Errorf("position: %w", err)
			}
			newPositions = append([]Position{position}, newPositions...)
		case key == "cuttingHeight":
			height, err := decodeCuttingHeight(raw)
			if err != nil {
				return current, 0, nil, fmt.Errorf("cuttingHeight: %w", err)
			}
			patch["settings"] = mergeValue(patch["settings"], map[string]any{"cuttingHeight": json.Number(fmt.Sprint(height))})
		case key == "headlight":
			value, err := decodeValue(raw)
			if err != nil {
				return current, 0, nil, fmt.Errorf("headlight: %w", err)
			}
			patch["settings"] = mergeValue(patch["settings"], map[string]any{"headlight": value})
		}
	}

	next := current
	if len(patch) > 0 {
		base, err := toMap(current)
		if err != nil {
			return current, 0, nil, err
		}
		merged := mergeValue(base, patch)
		encoded, err := json.Marshal(merged)
		if err != nil {
			return current, 0, nil, fmt.Errorf("encode merged record: %w", err)
		}
		next = MowerAttributes{}
		if err := json.Unmarshal(encoded, &next); err != nil {
			return current, 0, nil, fmt.Errorf("decode merged record: %w", err)
		}
	}

	positions := make([]Position, 0, len(newPositions)+len(current.Positions))
	positions = append(positions, newPositions...)
	positions = append(positions, current.Positions...)
	next.Positions = positions
	next.normalize()
	return next, mergeApplied, unknown, nil
}

// decodeCuttingHeight accepts both a bare number and {"height": n}.
func decodeCuttingHeight(raw json.RawMessage) (int, error) {
	var height int
	if err := json.Unmarshal(raw, &height); err == nil {
		return height, nil
	}
	var wrapped struct {
		Height *int `json:"height"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return 0, err
	}
	if wrapped.Height == nil {
		return 0, errors.New("missing height")
	}
	return *wrapped.Height, nil
}

func toMap(attrs MowerAttributes) (map[string]any, error) {
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	value, err := decodeValue(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return value.(map[string]any), nil
}

// mergeValue overlays patch onto base. Objects merge recursively; any other
// value, arrays included, replaces the base value.
func mergeValue(base, patch any) any {
	patchMap, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	baseMap, ok := base.(map[string]any)
	if !ok {
		baseMap = map[string]any{}
	}
	out := make(map[string]any, len(baseMap)+len(patchMap))
	for k, v := range baseMap {
		out[k] = v
	}
	for k, v := range patchMap {
		out[k] = mergeValue(out[k], v)
	}
	return out
}
