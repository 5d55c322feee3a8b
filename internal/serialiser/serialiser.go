// Package serialiser implements C2 — the pluggable value<->bytes codec
// registry, the composite envelope that carries inline data alongside
// typed reference handles, and the inline/blob tiering decision
// (spec.md §4.2).
//
// The top-level Serialise walks the value tree: JSON-native leaves and
// lists pass through untouched, the three semantic containers
// (model.Dict/Set/Tuple) become tagged objects, known handle types
// (model.ExecutionHandle, model.AssetHandle) are appended to the
// reference list and replaced by a {type:ref,index:i} placeholder, and
// anything else is offered to the registered codec chain in order.
package serialiser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relayhq/agent/internal/agenterr"
	"github.com/relayhq/agent/internal/blobstore"
	"github.com/relayhq/agent/internal/model"
)

// Registry holds an ordered list of codecs and the blob store used for
// fragment and envelope tiering. Order is fixed by configuration — the
// first codec to accept a value wins, which is what makes serialisation
// deterministic (spec.md §4.2).
type Registry struct {
	codecs    []Codec
	blobs     *blobstore.Store
	threshold int
}

// New creates a Registry. threshold is the byte length above which a raw
// envelope is tiered into the blob store (spec.md's _BLOB_THRESHOLD).
func New(blobs *blobstore.Store, threshold int, codecs ...Codec) *Registry {
	return &Registry{codecs: codecs, blobs: blobs, threshold: threshold}
}

// Resolver supplies the lazy handles a deserialised {type:ref} placeholder
// is turned into. Implemented by the worker's Channel so execution refs
// become closures over the parent-child pipe rather than raw ids.
type Resolver interface {
	ResolveExecution(id int64) model.ExecutionHandle
	ResolveAsset(id int64) model.AssetHandle
}

// walkState accumulates references discovered while walking a tree so that
// repeated handles (same execution/asset id, or identical fragment bytes)
// deduplicate to a single references entry, per spec.md §3's invariant.
type walkState struct {
	ctx        context.Context
	refs       []model.Reference
	execIndex  map[int64]int
	assetIndex map[int64]int
	fragIndex  map[string]int
}

func newWalkState(ctx context.Context) *walkState {
	return &walkState{
		ctx:        ctx,
		execIndex:  make(map[int64]int),
		assetIndex: make(map[int64]int),
		fragIndex:  make(map[string]int),
	}
}

func (w *walkState) refExecution(id int64) model.Ref {
	if i, ok := w.execIndex[id]; ok {
		return model.Ref{Index: i}
	}
	i := len(w.refs)
	w.refs = append(w.refs, model.Reference{Kind: model.RefExecution, ExecutionID: id})
	w.execIndex[id] = i
	return model.Ref{Index: i}
}

func (w *walkState) refAsset(id int64) model.Ref {
	if i, ok := w.assetIndex[id]; ok {
		return model.Ref{Index: i}
	}
	i := len(w.refs)
	w.refs = append(w.refs, model.Reference{Kind: model.RefAsset, AssetID: id})
	w.assetIndex[id] = i
	return model.Ref{Index: i}
}

func (w *walkState) refFragment(serialiserTag, blobKey string, size int64, metadata map[string]any) model.Ref {
	fragKey := serialiserTag + "\x00" + blobKey
	if i, ok := w.fragIndex[fragKey]; ok {
		return model.Ref{Index: i}
	}
	i := len(w.refs)
	w.fragIndex[fragKey] = i
	w.refs = append(w.refs, model.Reference{
		Kind:       model.RefFragment,
		Serialiser: serialiserTag,
		BlobKey:    blobKey,
		Size:       size,
		Metadata:   metadata,
	})
	return model.Ref{Index: i}
}

// Serialise encodes value into a Value envelope, tiering into the blob
// store when the JSON encoding of the envelope exceeds the registry's
// threshold.
func (r *Registry) Serialise(ctx context.Context, value any) (model.Value, error) {
	state := newWalkState(ctx)
	tree, err := r.walk(state, value)
	if err != nil {
		return model.Value{}, err
	}

	encoded, err := json.Marshal(tree)
	if err != nil {
		return model.Value{}, fmt.Errorf("serialiser: encode envelope: %w", err)
	}

	if len(encoded) > r.threshold {
		key, err := r.blobs.Put(ctx, encoded)
		if err != nil {
			return model.Value{}, fmt.Errorf("serialiser: tier envelope to blob: %w", err)
		}
		return model.Value{Form: model.FormBlob, BlobKey: key, Size: int64(len(encoded)), References: state.refs}, nil
	}

	var data any
	if err := json.Unmarshal(encoded, &data); err != nil {
		return model.Value{}, fmt.Errorf("serialiser: decode envelope: %w", err)
	}
	return model.Value{Form: model.FormRaw, Data: data, References: state.refs}, nil
}

// walk is the type-directed tree walker described in spec.md §4.2.
func (r *Registry) walk(state *walkState, value any) (any, error) {
	switch v := value.(type) {
	case nil, bool, string, int, int64, float64:
		return v, nil
	case model.ExecutionHandle:
		return state.refExecution(v.ID), nil
	case model.AssetHandle:
		return state.refAsset(v.ID), nil
	case model.Asset:
		return state.refAsset(v.ID), nil
	case model.Dict:
		items := make([]any, len(v.Items))
		for i, item := range v.Items {
			encoded, err := r.walk(state, item)
			if err != nil {
				return nil, err
			}
			items[i] = encoded
		}
		return map[string]any{"type": "dict", "items": items}, nil
	case model.Set:
		items := make([]any, len(v.Items))
		for i, item := range v.Items {
			encoded, err := r.walk(state, item)
			if err != nil {
				return nil, err
			}
			items[i] = encoded
		}
		return map[string]any{"type": "set", "items": items}, nil
	case model.Tuple:
		items := make([]any, len(v.Items))
		for i, item := range v.Items {
			encoded, err := r.walk(state, item)
			if err != nil {
				return nil, err
			}
			items[i] = encoded
		}
		return map[string]any{"type": "tuple", "items": items}, nil
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			encoded, err := r.walk(state, item)
			if err != nil {
				return nil, err
			}
			items[i] = encoded
		}
		return items, nil
	default:
		return r.tryCodecs(state, value)
	}
}

// tryCodecs offers value to each registered codec in order, returning the
// first acceptance as a fragment reference placeholder.
func (r *Registry) tryCodecs(state *walkState, value any) (any, error) {
	for _, codec := range r.codecs {
		data, metadata, ok, err := codec.TrySerialise(state.ctx, value)
		if err != nil {
			return nil, fmt.Errorf("serialiser: codec %q: %w", codec.Tag(), err)
		}
		if !ok {
			continue
		}
		key, err := r.blobs.Put(state.ctx, data)
		if err != nil {
			return nil, fmt.Errorf("serialiser: upload fragment for codec %q: %w", codec.Tag(), err)
		}
		return state.refFragment(codec.Tag(), key, int64(len(data)), metadata), nil
	}
	return nil, fmt.Errorf("%w: %T", agenterr.ErrCodecRejected, value)
}

// Deserialise is the dual walk of Serialise. {type:ref} lookups consult
// references by index; execution refs become lazy handles via resolver,
// asset refs become restorable handles, fragment refs are fetched and
// decoded through their named codec.
func (r *Registry) Deserialise(ctx context.Context, value model.Value, resolver Resolver) (any, error) {
	tree := value.Data
	if value.Form == model.FormBlob {
		encoded, err := r.blobs.Get(ctx, value.BlobKey)
		if err != nil {
			return nil, fmt.Errorf("serialiser: fetch envelope blob %s: %w", value.BlobKey, err)
		}
		if err := json.Unmarshal(encoded, &tree); err != nil {
			return nil, fmt.Errorf("serialiser: decode envelope: %w", err)
		}
	}
	return r.unwalk(ctx, tree, value.References, resolver)
}

func (r *Registry) unwalk(ctx context.Context, tree any, refs []model.Reference, resolver Resolver) (any, error) {
	switch v := tree.(type) {
	case map[string]any:
		switch v["type"] {
		case "dict":
			items, err := r.unwalkItems(ctx, v["items"], refs, resolver)
			if err != nil {
				return nil, err
			}
			return model.Dict{Items: items}, nil
		case "set":
			items, err := r.unwalkItems(ctx, v["items"], refs, resolver)
			if err != nil {
				return nil, err
			}
			return model.Set{Items: items}, nil
		case "tuple":
			items, err := r.unwalkItems(ctx, v["items"], refs, resolver)
			if err != nil {
				return nil, err
			}
			return model.Tuple{Items: items}, nil
		case "ref":
			idx, err := indexOf(v["index"])
			if err != nil {
				return nil, err
			}
			if idx < 0 || idx >= len(refs) {
				return nil, fmt.Errorf("serialiser: reference index %d out of range", idx)
			}
			return r.resolveReference(ctx, refs[idx], resolver)
		default:
			return nil, fmt.Errorf("serialiser: unrecognised tagged object %v", v["type"])
		}
	case []any:
		items, err := r.unwalkItems(ctx, v, refs, resolver)
		if err != nil {
			return nil, err
		}
		return items, nil
	default:
		return v, nil
	}
}

func (r *Registry) unwalkItems(ctx context.Context, raw any, refs []model.Reference, resolver Resolver) ([]any, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("serialiser: expected items array, got %T", raw)
	}
	out := make([]any, len(list))
	for i, item := range list {
		decoded, err := r.unwalk(ctx, item, refs, resolver)
		if err != nil {
			return nil, err
		}
		out[i] = decoded
	}
	return out, nil
}

func (r *Registry) resolveReference(ctx context.Context, ref model.Reference, resolver Resolver) (any, error) {
	switch ref.Kind {
	case model.RefExecution:
		return resolver.ResolveExecution(ref.ExecutionID), nil
	case model.RefAsset:
		return resolver.ResolveAsset(ref.AssetID), nil
	case model.RefFragment:
		codec := r.codecByTag(ref.Serialiser)
		if codec == nil {
			return nil, fmt.Errorf("serialiser: no codec registered for fragment tag %q", ref.Serialiser)
		}
		data, err := r.blobs.Get(ctx, ref.BlobKey)
		if err != nil {
			return nil, fmt.Errorf("serialiser: fetch fragment blob %s: %w", ref.BlobKey, err)
		}
		return codec.Deserialise(ctx, data, ref.Metadata)
	default:
		return nil, fmt.Errorf("serialiser: unrecognised reference kind %q", ref.Kind)
	}
}

func (r *Registry) codecByTag(tag string) Codec {
	for _, c := range r.codecs {
		if c.Tag() == tag {
			return c
		}
	}
	return nil
}

func indexOf(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("serialiser: reference index has unexpected type %T", v)
	}
}
