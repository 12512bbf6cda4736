// Package fingerprint computes comparable summaries of documents.
//
// A fingerprint is derived from a canonical JSON encoding: encoding/json
// emits struct fields in declaration order and map keys sorted, so two
// values with equal content encode to identical bytes regardless of how the
// maps were built. The bytes are hashed with xxhash and tagged with their
// length.
//
// Fingerprints are only comparable within one process lifetime.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Fingerprint is a comparable summary of a document.
type Fingerprint string

// Empty is the fingerprint of an absent document.
const Empty Fingerprint = ""

// unhashablePrefix marks fingerprints produced for values that could not be
// serialized. Each one is unique, so such a value always compares as changed.
const unhashablePrefix = "!unhashable-"

// Of returns the fingerprint of v. It never fails: when v cannot be
// serialized it returns a fresh fingerprint that differs from every previous
// one, which makes callers save conservatively instead of skipping.
func Of(v any) Fingerprint {
	if v == nil {
		return Empty
	}
	data, err := Canonical(v)
	if err != nil {
		return Fingerprint(unhashablePrefix + uuid.NewString())
	}
	return Fingerprint(fmt.Sprintf("%016x-%d", xxhash.Sum64(data), len(data)))
}

// Canonical returns the canonical JSON encoding of v.
//
// Values are round-tripped through a generic representation so that
// json.RawMessage payloads and custom marshalers are normalized the same
// way as native maps.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("fingerprint: normalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: marshal canonical: %w", err)
	}
	return out, nil
}

// Unhashable reports whether f was produced for a value that could not be
// serialized.
func (f Fingerprint) Unhashable() bool {
	return len(f) >= len(unhashablePrefix) && string(f[:len(unhashablePrefix)]) == unhashablePrefix
}
