package serialiser

import (
	"context"

	"github.com/fxamacker/cbor/v2"
)

// OpaqueCodec is the fallback codec: it accepts any Go value that CBOR can
// encode, the nearest idiomatic Go equivalent to the original client's
// pickle fallback (serialisation.py tries JSON first, then pickles what
// JSON rejects). It is registered last in the chain. Unlike pickle, CBOR
// only handles values it can represent: a value cbor.Marshal fails on (a
// channel, a function) is rejected with ok=false, and if no earlier codec
// took it, serialisation fails with agenterr.ErrCodecRejected.
type OpaqueCodec struct{}

// NewOpaqueCodec constructs an OpaqueCodec.
func NewOpaqueCodec() *OpaqueCodec {
	return &OpaqueCodec{}
}

func (c *OpaqueCodec) Tag() string { return "opaque" }

func (c *OpaqueCodec) TrySerialise(ctx context.Context, value any) ([]byte, map[string]any, bool, error) {
	data, err := cbor.Marshal(value)
	if err != nil {
		return nil, nil, false, nil
	}
	return data, nil, true, nil
}

func (c *OpaqueCodec) Deserialise(ctx context.Context, data []byte, metadata map[string]any) (any, error) {
	var value any
	if err := cbor.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}
