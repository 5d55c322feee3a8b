package serialiser

import "context"

// Codec is a pluggable value<->bytes serialiser offered a chance to accept
// any value the type-directed tree walker does not already know how to
// encode (scalars, lists, the tagged dict/set/tuple containers, and
// execution/asset handles). The first codec in registration order to
// accept a value wins — refusal is always by returning ok=false, never by
// panicking or returning an error, matching spec.md §4.2's determinism
// requirement ("refusal of a codec is by returning reject, never by
// throwing").
type Codec interface {
	// Tag is the name recorded in a fragment Reference (spec.md §3) and
	// used to route deserialisation back to the same codec.
	Tag() string

	// TrySerialise attempts to encode value. ok is false if this codec does
	// not handle values of this shape — the walker then offers the value to
	// the next codec in the chain.
	TrySerialise(ctx context.Context, value any) (data []byte, metadata map[string]any, ok bool, err error)

	// Deserialise decodes bytes previously produced by TrySerialise for
	// this codec, using the metadata recorded alongside the fragment.
	Deserialise(ctx context.Context, data []byte, metadata map[string]any) (any, error)
}
