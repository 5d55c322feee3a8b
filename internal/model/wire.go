package model

import (
	"encoding/json"
	"fmt"
)

// Value and Reference marshal to the tagged-tuple shapes the server
// speaks on the wire — ["raw", data, references] / ["blob", key, size,
// references] for values, and ["execution", id] / ["asset", id] /
// ["fragment", serialiser, key, size, metadata] for references — grounded
// on agent.py's _parse_value/_parse_reference. Using the same encoding for
// the worker's own child-parent IPC (internal/worker/protocol.go) keeps
// exactly one wire format for this type instead of two.

// MarshalJSON implements json.Marshaler for Reference.
func (r Reference) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RefExecution:
		return json.Marshal([]any{"execution", r.ExecutionID})
	case RefAsset:
		return json.Marshal([]any{"asset", r.AssetID})
	case RefFragment:
		return json.Marshal([]any{"fragment", r.Serialiser, r.BlobKey, r.Size, r.Metadata})
	default:
		return nil, fmt.Errorf("model: reference has no kind set")
	}
}

// UnmarshalJSON implements json.Unmarshaler for Reference.
func (r *Reference) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("model: reference: %w", err)
	}
	if len(tuple) == 0 {
		return fmt.Errorf("model: empty reference tuple")
	}
	var kind string
	if err := json.Unmarshal(tuple[0], &kind); err != nil {
		return fmt.Errorf("model: reference kind: %w", err)
	}

	switch ReferenceKind(kind) {
	case RefExecution:
		if len(tuple) != 2 {
			return fmt.Errorf("model: execution reference wants 2 elements, got %d", len(tuple))
		}
		var id int64
		if err := json.Unmarshal(tuple[1], &id); err != nil {
			return fmt.Errorf("model: execution reference id: %w", err)
		}
		*r = Reference{Kind: RefExecution, ExecutionID: id}
	case RefAsset:
		if len(tuple) != 2 {
			return fmt.Errorf("model: asset reference wants 2 elements, got %d", len(tuple))
		}
		var id int64
		if err := json.Unmarshal(tuple[1], &id); err != nil {
			return fmt.Errorf("model: asset reference id: %w", err)
		}
		*r = Reference{Kind: RefAsset, AssetID: id}
	case RefFragment:
		if len(tuple) != 5 {
			return fmt.Errorf("model: fragment reference wants 5 elements, got %d", len(tuple))
		}
		var serialiser, blobKey string
		var size int64
		var metadata map[string]any
		if err := json.Unmarshal(tuple[1], &serialiser); err != nil {
			return fmt.Errorf("model: fragment serialiser: %w", err)
		}
		if err := json.Unmarshal(tuple[2], &blobKey); err != nil {
			return fmt.Errorf("model: fragment key: %w", err)
		}
		if err := json.Unmarshal(tuple[3], &size); err != nil {
			return fmt.Errorf("model: fragment size: %w", err)
		}
		if err := json.Unmarshal(tuple[4], &metadata); err != nil {
			return fmt.Errorf("model: fragment metadata: %w", err)
		}
		*r = Reference{Kind: RefFragment, Serialiser: serialiser, BlobKey: blobKey, Size: size, Metadata: metadata}
	default:
		return fmt.Errorf("model: unrecognised reference kind %q", kind)
	}
	return nil
}

// MarshalJSON implements json.Marshaler for Value.
func (v Value) MarshalJSON() ([]byte, error) {
	refs := v.References
	if refs == nil {
		refs = []Reference{}
	}
	switch v.Form {
	case FormRaw:
		return json.Marshal([]any{"raw", v.Data, refs})
	case FormBlob:
		return json.Marshal([]any{"blob", v.BlobKey, v.Size, refs})
	default:
		return nil, fmt.Errorf("model: value has no form set")
	}
}

// UnmarshalJSON implements json.Unmarshaler for Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("model: value: %w", err)
	}
	if len(tuple) == 0 {
		return fmt.Errorf("model: empty value tuple")
	}
	var form string
	if err := json.Unmarshal(tuple[0], &form); err != nil {
		return fmt.Errorf("model: value form: %w", err)
	}

	switch ValueForm(form) {
	case FormRaw:
		if len(tuple) != 3 {
			return fmt.Errorf("model: raw value wants 3 elements, got %d", len(tuple))
		}
		var data any
		if err := json.Unmarshal(tuple[1], &data); err != nil {
			return fmt.Errorf("model: raw value data: %w", err)
		}
		refs, err := unmarshalRefs(tuple[2])
		if err != nil {
			return err
		}
		*v = Value{Form: FormRaw, Data: data, References: refs}
	case FormBlob:
		if len(tuple) != 4 {
			return fmt.Errorf("model: blob value wants 4 elements, got %d", len(tuple))
		}
		var key string
		var size int64
		if err := json.Unmarshal(tuple[1], &key); err != nil {
			return fmt.Errorf("model: blob value key: %w", err)
		}
		if err := json.Unmarshal(tuple[2], &size); err != nil {
			return fmt.Errorf("model: blob value size: %w", err)
		}
		refs, err := unmarshalRefs(tuple[3])
		if err != nil {
			return err
		}
		*v = Value{Form: FormBlob, BlobKey: key, Size: size, References: refs}
	default:
		return fmt.Errorf("model: unrecognised value form %q", form)
	}
	return nil
}

func unmarshalRefs(data json.RawMessage) ([]Reference, error) {
	var refs []Reference
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("model: value references: %w", err)
	}
	return refs, nil
}

// MarshalJSON implements json.Marshaler for Result, the five-tag envelope
// get_result replies with: ["value",<Value>], ["error",type,message,
// frames], ["abandoned"], ["cancelled"], ["suspended"].
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case ResultValue:
		return json.Marshal([]any{"value", r.Value})
	case ResultError:
		frames := r.Frames
		if frames == nil {
			frames = [][4]string{}
		}
		return json.Marshal([]any{"error", r.ErrorType, r.ErrorMessage, frames})
	case ResultAbandoned:
		return json.Marshal([]any{"abandoned"})
	case ResultCancelled:
		return json.Marshal([]any{"cancelled"})
	case ResultSuspended:
		return json.Marshal([]any{"suspended"})
	default:
		return nil, fmt.Errorf("model: result has no kind set")
	}
}

// UnmarshalJSON implements json.Unmarshaler for Result.
func (r *Result) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("model: result: %w", err)
	}
	if len(tuple) == 0 {
		return fmt.Errorf("model: empty result tuple")
	}
	var kind string
	if err := json.Unmarshal(tuple[0], &kind); err != nil {
		return fmt.Errorf("model: result kind: %w", err)
	}

	switch ResultKind(kind) {
	case ResultValue:
		if len(tuple) != 2 {
			return fmt.Errorf("model: value result wants 2 elements, got %d", len(tuple))
		}
		var value Value
		if err := json.Unmarshal(tuple[1], &value); err != nil {
			return fmt.Errorf("model: result value: %w", err)
		}
		*r = Result{Kind: ResultValue, Value: value}
	case ResultError:
		if len(tuple) != 4 {
			return fmt.Errorf("model: error result wants 4 elements, got %d", len(tuple))
		}
		var errType, errMessage string
		var frames [][4]string
		if err := json.Unmarshal(tuple[1], &errType); err != nil {
			return fmt.Errorf("model: result error type: %w", err)
		}
		if err := json.Unmarshal(tuple[2], &errMessage); err != nil {
			return fmt.Errorf("model: result error message: %w", err)
		}
		if err := json.Unmarshal(tuple[3], &frames); err != nil {
			return fmt.Errorf("model: result error frames: %w", err)
		}
		*r = Result{Kind: ResultError, ErrorType: errType, ErrorMessage: errMessage, Frames: frames}
	case ResultAbandoned:
		*r = Result{Kind: ResultAbandoned}
	case ResultCancelled:
		*r = Result{Kind: ResultCancelled}
	case ResultSuspended:
		*r = Result{Kind: ResultSuspended}
	default:
		return fmt.Errorf("model: unrecognised result kind %q", kind)
	}
	return nil
}
