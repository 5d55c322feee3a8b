package serialiser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/agent/internal/model"
)

func personSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "integer"},
		},
	}
}

func TestValidatedCodec_AcceptsConformingValue(t *testing.T) {
	codec, err := NewValidatedCodec(map[string]any{"person": personSchema()})
	require.NoError(t, err)

	vm := model.ValidatedModel{Schema: "person", Data: map[string]any{"name": "ada", "age": 30}}
	data, metadata, ok, err := codec.TrySerialise(context.Background(), vm)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "person", metadata["schema"])

	decoded, err := codec.Deserialise(context.Background(), data, metadata)
	require.NoError(t, err)
	got, ok := decoded.(model.ValidatedModel)
	require.True(t, ok)
	assert.Equal(t, "person", got.Schema)
}

func TestValidatedCodec_RejectsNonConformingValueWithError(t *testing.T) {
	codec, err := NewValidatedCodec(map[string]any{"person": personSchema()})
	require.NoError(t, err)

	vm := model.ValidatedModel{Schema: "person", Data: map[string]any{"age": 30}} // missing required "name"
	_, _, ok, err := codec.TrySerialise(context.Background(), vm)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestValidatedCodec_RejectsUnknownSchemaWithoutError(t *testing.T) {
	codec, err := NewValidatedCodec(map[string]any{"person": personSchema()})
	require.NoError(t, err)

	vm := model.ValidatedModel{Schema: "nonexistent", Data: map[string]any{}}
	_, _, ok, err := codec.TrySerialise(context.Background(), vm)
	assert.False(t, ok)
	assert.NoError(t, err, "unregistered schema should fall through to the next codec, not fail serialisation")
}

func TestValidatedCodec_RejectsOtherTypesWithoutError(t *testing.T) {
	codec, err := NewValidatedCodec(map[string]any{"person": personSchema()})
	require.NoError(t, err)

	_, _, ok, err := codec.TrySerialise(context.Background(), "just a string")
	assert.False(t, ok)
	assert.NoError(t, err)
}
