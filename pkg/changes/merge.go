package changes

import (
	"errors"
	"fmt"

	"github.com/emirkrhan/fable/pkg/board"
)

// ErrUnknownEntity is returned by Apply when an update or removal targets
// an entity the document does not contain.
var ErrUnknownEntity = errors.New("patch targets unknown entity")

type mergeKey struct {
	kind   Kind
	target Target
	id     string
}

// Merge collapses records sharing (kind, target, id) into one patch whose
// payload is the field-level merge of all of them, later records winning,
// and whose timestamp is the latest one.
//
// An add or remove of an entity closes that entity's open segments of the
// other kinds, so "update, remove, add, update" yields four patches rather
// than folding the first update into the last. Applying the result in
// order is therefore equivalent to applying every record in order.
func Merge(records []Record) []Patch {
	out := make([]Patch, 0, len(records))
	open := make(map[mergeKey]int, len(records))

	for _, r := range records {
		for _, other := range []Kind{KindAdd, KindRemove, KindUpdate} {
			if other != r.Kind {
				delete(open, mergeKey{other, r.Target, r.ID})
			}
		}

		key := mergeKey{r.Kind, r.Target, r.ID}
		if idx, ok := open[key]; ok {
			p := &out[idx]
			if r.Payload != nil {
				p.Payload = mergeFields(p.Payload, r.Payload)
			}
			if r.Timestamp.After(p.Timestamp) {
				p.Timestamp = r.Timestamp
			}
			continue
		}

		open[key] = len(out)
		out = append(out, r.Patch())
	}
	return out
}

// Apply returns a copy of s with patches applied in order.
//
// Adds insert or replace the entity, removals delete it and updates merge
// their payload into the entity's fields.
func Apply(s board.Snapshot, patches []Patch) (board.Snapshot, error) {
	out, err := s.Clone()
	if err != nil {
		return board.Snapshot{}, err
	}
	for i, p := range patches {
		switch p.Target {
		case TargetNode:
			err = applyNode(&out, p)
		case TargetEdge:
			err = applyEdge(&out, p)
		default:
			err = fmt.Errorf("unknown target %q", p.Target)
		}
		if err != nil {
			return board.Snapshot{}, fmt.Errorf("apply patch %d (%s %s %s): %w", i, p.Kind, p.Target, p.ID, err)
		}
	}
	return out, nil
}

func applyNode(s *board.Snapshot, p Patch) error {
	idx := s.NodeIndex(p.ID)
	switch p.Kind {
	case KindAdd:
		var n board.Node
		if err := fromMap(p.Payload, &n); err != nil {
			return err
		}
		n.ID = p.ID
		if idx >= 0 {
			s.Nodes[idx] = n
		} else {
			s.Nodes = append(s.Nodes, n)
		}
	case KindRemove:
		if idx < 0 {
			return nil
		}
		s.Nodes = append(s.Nodes[:idx], s.Nodes[idx+1:]...)
	case KindUpdate:
		if idx < 0 {
			return ErrUnknownEntity
		}
		fields, err := toMap(s.Nodes[idx])
		if err != nil {
			return err
		}
		var n board.Node
		if err := fromMap(mergeFields(fields, p.Payload), &n); err != nil {
			return err
		}
		n.ID = p.ID
		s.Nodes[idx] = n
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}

func applyEdge(s *board.Snapshot, p Patch) error {
	idx := s.EdgeIndex(p.ID)
	switch p.Kind {
	case KindAdd:
		var e board.Edge
		if err := fromMap(p.Payload, &e); err != nil {
			return err
		}
		e.ID = p.ID
		if idx >= 0 {
			s.Edges[idx] = e
		} else {
			s.Edges = append(s.Edges, e)
		}
	case KindRemove:
		if idx < 0 {
			return nil
		}
		s.Edges = append(s.Edges[:idx], s.Edges[idx+1:]...)
	case KindUpdate:
		if idx < 0 {
			return ErrUnknownEntity
		}
		fields, err := toMap(s.Edges[idx])
		if err != nil {
			return err
		}
		var e board.Edge
		if err := fromMap(mergeFields(fields, p.Payload), &e); err != nil {
			return err
		}
		e.ID = p.ID
		s.Edges[idx] = e
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}
