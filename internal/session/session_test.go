package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayhq/agent/internal/connection"
	"github.com/relayhq/agent/internal/model"
	"github.com/relayhq/agent/internal/target"
)

func TestDeclarer_DeclaresManifestOnSessionEstablished(t *testing.T) {
	registry := target.New()
	registry.Register("system", target.Registration{
		Name: "ping",
		Type: model.TargetTask,
		Fn:   func(ctx target.Context, args []any) (any, error) { return nil, nil },
	})

	conn := connection.New(connection.Config{ServerHost: "unused:0"}, map[string]connection.CommandHandler{}, zap.NewNop())
	NewDeclarer(conn, registry, zap.NewNop())

	require.NotNil(t, conn.OnSessionEstablished, "Declarer must install the hook before Run is called")
	conn.OnSessionEstablished("sess-1")
}

func TestDeclarer_RedeclaresOnEverySessionEstablishment(t *testing.T) {
	registry := target.New()
	registry.Register("system", target.Registration{Name: "ping", Fn: func(ctx target.Context, args []any) (any, error) { return nil, nil }})

	conn := connection.New(connection.Config{ServerHost: "unused:0"}, map[string]connection.CommandHandler{}, zap.NewNop())
	NewDeclarer(conn, registry, zap.NewNop())

	// Declares both on a fresh session id and on a reconnect that resumes
	// the same one — redeclaration is idempotent server-side, so there is
	// no special-casing to verify beyond "it does not panic or block".
	conn.OnSessionEstablished("sess-1")
	conn.OnSessionEstablished("sess-1")
	conn.OnSessionEstablished("sess-2")
}

// manifestShape is a minimal decode target confirming the declared payload
// actually carries the registered target through Notify's JSON encoding.
type manifestShape map[string]map[string]struct {
	Type string `json:"Type"`
}

func TestRegistryManifest_EncodesThroughNotify(t *testing.T) {
	registry := target.New()
	registry.Register("system", target.Registration{Name: "ping", Type: model.TargetTask, Fn: func(ctx target.Context, args []any) (any, error) { return nil, nil }})

	manifest := registry.Manifest()
	data, err := json.Marshal(manifest)
	require.NoError(t, err)

	var decoded manifestShape
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "task", decoded["system"]["ping"].Type)
}
