// Package changes records board mutations as a compact patch log so that
// saves can send only what changed instead of the whole document.
package changes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/emirkrhan/fable/pkg/board"
)

// Kind is the effect a change has on an entity.
type Kind string

const (
	KindAdd    Kind = "add"
	KindRemove Kind = "remove"
	KindUpdate Kind = "update"
)

// Target is the kind of entity a change applies to.
type Target string

const (
	TargetNode Target = "node"
	TargetEdge Target = "edge"
)

// EventType is the type of a raw editor change event.
type EventType string

// Event types emitted by the editor. Only add, remove, position and
// dimensions are material; the rest are UI-only and ignored.
const (
	EventAdd        EventType = "add"
	EventRemove     EventType = "remove"
	EventPosition   EventType = "position"
	EventDimensions EventType = "dimensions"
	EventSelect     EventType = "select"
	EventReplace    EventType = "replace"
	EventReset      EventType = "reset"
)

// Dimensions is a measured card size.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Event is a raw change event from the editor.
type Event struct {
	Type       EventType       `json:"type"`
	ID         string          `json:"id,omitempty"`
	Item       any             `json:"item,omitempty"`
	Position   *board.Position `json:"position,omitempty"`
	Dimensions *Dimensions     `json:"dimensions,omitempty"`
	Selected   *bool           `json:"selected,omitempty"`
}

// Record is one material change in the log.
type Record struct {
	Kind      Kind
	Target    Target
	ID        string
	Payload   map[string]any
	Timestamp time.Time

	seq uint64
}

// Patch is a merged change ready to be sent to the remote store.
type Patch struct {
	Kind      Kind           `json:"kind"`
	Target    Target         `json:"target"`
	ID        string         `json:"id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Patch converts a single record into a patch.
func (r Record) Patch() Patch {
	return Patch{
		Kind:      r.Kind,
		Target:    r.Target,
		ID:        r.ID,
		Payload:   copyMap(r.Payload),
		Timestamp: r.Timestamp,
	}
}

// toMap converts an entity (node, edge or generic map) to a field map.
func toMap(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok {
		return copyMap(m), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode change payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode change payload: %w", err)
	}
	return m, nil
}

// fromMap decodes a field map into dst.
func fromMap(m map[string]any, dst any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// mergeFields returns dst updated with src. Nested objects are merged
// field by field; any other value in src replaces the one in dst.
func mergeFields(dst, src map[string]any) map[string]any {
	out := copyMap(dst)
	if out == nil {
		out = make(map[string]any, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			out[k] = mergeFields(dstMap, srcMap)
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}
