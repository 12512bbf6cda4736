// Package board defines the board document model persisted by fable.
//
// A board is a graph of cards (nodes) connected by labeled edges. The
// Snapshot type is the unit the auto-save engine fingerprints, backs up and
// sends to the remote store. Snapshots are plain values: the persistence
// layer reads and serializes them but never mutates them.
package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSnapshot is returned when a document has no usable nodes.
var ErrInvalidSnapshot = errors.New("invalid board snapshot")

// Position is a card's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a card on the board.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Width    *float64       `json:"width,omitempty"`
	Height   *float64       `json:"height,omitempty"`
	Data     map[string]any `json:"data"`
}

// Edge connects two cards.
type Edge struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Type         string         `json:"type,omitempty"`
	Label        string         `json:"label,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Animated     bool           `json:"animated,omitempty"`
	Style        map[string]any `json:"style,omitempty"`
}

// Snapshot is the persisted content of a board.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Board is a snapshot plus the metadata the remote store keeps for it.
type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot returns the board's content.
func (b *Board) Snapshot() Snapshot {
	return Snapshot{Nodes: b.Nodes, Edges: b.Edges}
}

// User is the public profile of a board owner.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Default card and edge types applied when a stored document omits them.
const (
	DefaultNodeType = "storyCard"
	DefaultEdgeType = "default"
)

// transientDataKeys are UI-only keys that editors attach to node data and
// that must never be persisted.
var transientDataKeys = []string{
	"onAddComment",
	"isReadOnly",
	"isBoardOwner",
	"onEditingChange",
	"onNodeDataChange",
	"onDeleteNode",
}

// Clean returns a copy of the snapshot with transient node data removed and
// empty types defaulted.
func (s Snapshot) Clean() Snapshot {
	out := Snapshot{
		Nodes: make([]Node, 0, len(s.Nodes)),
		Edges: make([]Edge, 0, len(s.Edges)),
	}
	for _, n := range s.Nodes {
		c := n
		if c.Type == "" {
			c.Type = DefaultNodeType
		}
		c.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
		for _, k := range transientDataKeys {
			delete(c.Data, k)
		}
		out.Nodes = append(out.Nodes, c)
	}
	for _, e := range s.Edges {
		c := e
		if c.Type == "" {
			c.Type = DefaultEdgeType
		}
		out.Edges = append(out.Edges, c)
	}
	return out
}

// Sanitize validates an imported workspace document. Nodes without id, type
// or data and edges without id, source or target are dropped. It fails when
// no valid node remains.
func (s Snapshot) Sanitize() (Snapshot, error) {
	out := Snapshot{Nodes: []Node{}, Edges: []Edge{}}
	for _, n := range s.Nodes {
		if n.ID == "" || n.Type == "" || n.Data == nil {
			continue
		}
		out.Nodes = append(out.Nodes, n)
	}
	for _, e := range s.Edges {
		if e.ID == "" || e.Source == "" || e.Target == "" {
			continue
		}
		out.Edges = append(out.Edges, e)
	}
	if len(out.Nodes) == 0 {
		return Snapshot{}, fmt.Errorf("%w: no valid nodes found", ErrInvalidSnapshot)
	}
	return out, nil
}

// NodeIndex returns the position of the node with the given id, or -1.
func (s Snapshot) NodeIndex(id string) int {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// EdgeIndex returns the position of the edge with the given id, or -1.
func (s Snapshot) EdgeIndex(id string) int {
	for i := range s.Edges {
		if s.Edges[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() (Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Snapshot{}, fmt.Errorf("clone snapshot: %w", err)
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return Snapshot{}, fmt.Errorf("clone snapshot: %w", err)
	}
	return out, nil
}

// Decode parses a workspace document. Both a bare snapshot and a full board
// (with metadata) are accepted.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if s.Nodes == nil {
		s.Nodes = []Node{}
	}
	if s.Edges == nil {
		s.Edges = []Edge{}
	}
	return s, nil
}
