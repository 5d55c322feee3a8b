package model

import "encoding/json"

// Dict, Set, and Tuple are semantic containers that do not map directly to
// JSON and are encoded as tagged objects in a Value's data tree
// (spec.md §3): {type:"dict",items:[k,v,...]}, {type:"set",items:[...]},
// {type:"tuple",items:[...]}.
//
// These are plain data carriers produced and consumed by the serialiser's
// tree walker; application code constructs them directly when it needs
// map/set/tuple semantics that a bare JSON object, which only supports
// string keys and has no set or fixed-arity-tuple concept, cannot express.
type Dict struct {
	// Items alternates key, value, key, value, ... in insertion order —
	// insertion-order preservation is required for the determinism
	// guarantee in spec.md §4.2 ("two structurally equal values serialise
	// to byte-equal envelopes provided ... map iteration is in insertion
	// order").
	Items []any
}

// Set is an unordered collection; insertion order is preserved on the wire
// for determinism even though set semantics (dedup, no ordering) apply to
// reads.
type Set struct {
	Items []any
}

// Tuple is a fixed-arity, heterogeneous sequence — distinct from a JSON
// array (which decodes to a Go []any with no tuple/list distinction) so
// round-tripping can tell the two apart.
type Tuple struct {
	Items []any
}

// Ref is the tagged placeholder {type:"ref",index:i} left in the data tree
// by the walker in place of a resolved Reference; i indexes the owning
// Value's References slice.
type Ref struct {
	Index int
}

// MarshalJSON encodes r as its tagged placeholder {type:"ref",index:i}.
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"type": "ref", "index": r.Index})
}
