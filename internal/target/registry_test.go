package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/agent/internal/model"
)

func noopFn(ctx Context, args []any) (any, error) { return nil, nil }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := New()
	reg.Register("system", Registration{Name: "ping", Type: model.TargetTask, Fn: noopFn})

	got, ok := reg.Lookup("system", "ping")
	require.True(t, ok)
	assert.Equal(t, model.TargetTask, got.Type)
}

func TestRegistry_LookupUnknownRepository(t *testing.T) {
	reg := New()
	_, ok := reg.Lookup("nope", "ping")
	assert.False(t, ok)
}

func TestRegistry_LookupUnknownTarget(t *testing.T) {
	reg := New()
	reg.Register("system", Registration{Name: "ping", Fn: noopFn})
	_, ok := reg.Lookup("system", "nonexistent")
	assert.False(t, ok)
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	reg := New()
	reg.Register("system", Registration{Name: "ping", Fn: noopFn})
	assert.Panics(t, func() {
		reg.Register("system", Registration{Name: "ping", Fn: noopFn})
	})
}

func TestRegistry_ManifestGroupsByRepository(t *testing.T) {
	reg := New()
	reg.Register("system", Registration{Name: "ping", Type: model.TargetTask, Fn: noopFn})
	reg.Register("system", Registration{Name: "sleep", Type: model.TargetTask, Fn: noopFn})
	reg.Register("billing", Registration{Name: "invoice", Type: model.TargetWorkflow, Fn: noopFn})

	manifest := reg.Manifest()
	require.Contains(t, manifest, "system")
	require.Contains(t, manifest, "billing")
	assert.Len(t, manifest["system"], 2)
	assert.Equal(t, model.TargetWorkflow, manifest["billing"]["invoice"].Type)
}
