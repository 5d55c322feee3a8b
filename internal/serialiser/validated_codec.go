package serialiser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/relayhq/agent/internal/model"
)

// ValidatedCodec accepts model.ValidatedModel values, checking them against
// a compiled JSON schema named by ValidatedModel.Schema before encoding —
// the Go analogue of a Python pydantic model, since Go has no runtime
// model-class introspection to validate against (SPEC_FULL.md §13).
// Rejects (ok=false, no error) any other value, or any ValidatedModel
// whose Schema name is not registered, so unvalidatable values fall
// through to OpaqueCodec rather than failing serialisation outright.
type ValidatedCodec struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidatedCodec compiles each entry of schemas (name -> JSON schema
// document, already unmarshalled into an any tree) via
// jsonschema.Compiler, the same compile-then-validate sequence used for
// tool input schemas in the registry package.
func NewValidatedCodec(schemas map[string]any) (*ValidatedCodec, error) {
	compiled := make(map[string]*jsonschema.Schema, len(schemas))
	for name, doc := range schemas {
		c := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("serialiser: add schema resource %s: %w", name, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("serialiser: compile schema %s: %w", name, err)
		}
		compiled[name] = schema
	}
	return &ValidatedCodec{schemas: compiled}, nil
}

func (c *ValidatedCodec) Tag() string { return "validated-model" }

func (c *ValidatedCodec) TrySerialise(ctx context.Context, value any) ([]byte, map[string]any, bool, error) {
	vm, ok := value.(model.ValidatedModel)
	if !ok {
		return nil, nil, false, nil
	}
	schema, ok := c.schemas[vm.Schema]
	if !ok {
		return nil, nil, false, nil
	}

	encoded, err := json.Marshal(vm.Data)
	if err != nil {
		return nil, nil, false, fmt.Errorf("serialiser: encode validated model %s: %w", vm.Schema, err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, nil, false, fmt.Errorf("serialiser: decode validated model %s for validation: %w", vm.Schema, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, nil, false, fmt.Errorf("serialiser: value does not conform to schema %s: %w", vm.Schema, err)
	}

	return encoded, map[string]any{"schema": vm.Schema}, true, nil
}

func (c *ValidatedCodec) Deserialise(ctx context.Context, data []byte, metadata map[string]any) (any, error) {
	schemaName, _ := metadata["schema"].(string)
	schema, ok := c.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("serialiser: unknown schema %q for validated model", schemaName)
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("serialiser: decode validated model payload: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("serialiser: stored value no longer conforms to schema %s: %w", schemaName, err)
	}

	return model.ValidatedModel{Schema: schemaName, Data: decoded}, nil
}
