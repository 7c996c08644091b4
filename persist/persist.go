// Package persist implements the optional persistence hook spec.md §6
// sketches: a serialize/deserialize pair an ingredient may advertise
// for its memo values, with the constraint spec.md states directly —
// "unserializable memos are flattened to their dependency summary"
// (dependencies preserved, value dropped, a subsequent read
// re-executes). This is explicitly out of the core's strict scope; the
// core engine never calls into this package itself.
//
// Values cross the compressed-storage boundary through
// klauspost/compress/s2, matching the teacher's "always compress data
// crossing a storage boundary" habit (compr.Compressor, ion/blockfmt).
package persist

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"

	"github.com/loomengine/loom/ident"
	"github.com/loomengine/loom/revision"
)

// Codec serializes and deserializes one ingredient's memoized value
// type. Implementations need not be symmetric with gob; Entry only
// ever round-trips through the same Codec it was captured with.
type Codec[V any] interface {
	Serialize(v V) ([]byte, error)
	Deserialize(data []byte) (V, error)
}

// GobCodec implements Codec by gob-encoding the value through an s2
// compressed stream. It works for any V gob can encode; a value gob
// cannot encode (a func or channel, or a struct with no exported
// fields) fails to Serialize, which
// Capture treats as "flatten to dependency summary," not an error the
// caller must handle specially.
type GobCodec[V any] struct{}

func (GobCodec[V]) Serialize(v V) ([]byte, error) {
	var buf bytes.Buffer
	w := s2.NewWriter(&buf)
	if err := gob.NewEncoder(w).Encode(v); err != nil {
		return nil, fmt.Errorf("persist: encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("persist: s2 flush: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec[V]) Deserialize(data []byte) (V, error) {
	var v V
	r := s2.NewReader(bytes.NewReader(data))
	if err := gob.NewDecoder(r).Decode(&v); err != nil && err != io.EOF {
		return v, fmt.Errorf("persist: decode: %w", err)
	}
	return v, nil
}

// Entry is the persisted form of one memoized value: enough to skip
// re-execution across a process restart when Value deserializes
// cleanly, and enough to safely re-execute when it doesn't (spec.md
// §6 "remove_stale_output"/"reset_for_new_revision" still apply once
// restored, since Entry carries no verified_at of its own — a restored
// Entry is always treated as needing a fresh deep verification against
// the current revision).
type Entry struct {
	Inputs     []ident.DatabaseKey
	Durability revision.Durability
	ChangedAt  revision.R
	Value      []byte // nil: flattened, value dropped, re-execute
}

// Capture builds an Entry for one memoized value. If codec.Serialize
// fails, Value is left nil: the dependency summary survives and a
// subsequent restore re-executes the function instead of losing the
// dependency edges too.
func Capture[V any](codec Codec[V], value V, inputs []ident.DatabaseKey, durability revision.Durability, changedAt revision.R) Entry {
	e := Entry{
		Inputs:     append([]ident.DatabaseKey(nil), inputs...),
		Durability: durability,
		ChangedAt:  changedAt,
	}
	data, err := codec.Serialize(value)
	if err != nil {
		return e
	}
	e.Value = data
	return e
}

// Restore decodes a previously captured Entry's value. ok is false
// when the entry was flattened (no Value) or fails to decode, in which
// case the caller must treat the memo as absent and re-execute rather
// than trust a zero value.
func Restore[V any](codec Codec[V], e Entry) (value V, ok bool) {
	if len(e.Value) == 0 {
		return value, false
	}
	v, err := codec.Deserialize(e.Value)
	if err != nil {
		return value, false
	}
	return v, true
}
