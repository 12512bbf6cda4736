package fingerprint

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/emirkrhan/fable/pkg/board"
)

func TestOf_EqualContentEqualFingerprint(t *testing.T) {
	a := board.Snapshot{Nodes: []board.Node{{
		ID:   "A",
		Type: "storyCard",
		Data: map[string]any{"title": "t", "body": "b", "tags": []any{"x"}},
	}}}
	b := board.Snapshot{Nodes: []board.Node{{
		ID:   "A",
		Type: "storyCard",
		Data: map[string]any{"tags": []any{"x"}, "body": "b", "title": "t"},
	}}}

	assert.Equal(t, Of(a), Of(b))
	assert.False(t, Of(a).Unhashable())
}

func TestOf_RawMessageKeyOrder(t *testing.T) {
	a := json.RawMessage(`{"b":1,"a":2}`)
	b := json.RawMessage(`{"a":2,"b":1}`)
	assert.Equal(t, Of(a), Of(b))
}

func TestOf_DifferentContent(t *testing.T) {
	a := board.Snapshot{Nodes: []board.Node{{ID: "A"}}}
	b := board.Snapshot{Nodes: []board.Node{{ID: "A"}, {ID: "B"}}}
	moved := board.Snapshot{Nodes: []board.Node{{ID: "A", Position: board.Position{X: 1}}}}

	assert.NotEqual(t, Of(a), Of(b))
	assert.NotEqual(t, Of(a), Of(moved))
}

func TestOf_Nil(t *testing.T) {
	assert.Equal(t, Empty, Of(nil))
}

func TestOf_UnserializableIsAlwaysNew(t *testing.T) {
	bad := map[string]any{"v": math.Inf(1)}

	first := Of(bad)
	second := Of(bad)
	assert.True(t, first.Unhashable())
	assert.NotEqual(t, first, second)

	ch := map[string]any{"c": make(chan int)}
	assert.True(t, Of(ch).Unhashable())
}
