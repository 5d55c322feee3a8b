// Package builtin registers a small "system" repository of diagnostic
// targets compiled into every relay-agent binary, the same way the
// teacher ships a "version" subcommand that needs no external
// configuration to exercise. They are useful for confirming a freshly
// deployed agent can actually run work end to end, the role the original
// project's examples/ repositories (fetch_photo, to_grayscale, ...) play
// in its own test deployments — kept intentionally trivial here since
// this binary has no equivalent of a user-supplied target module to load.
package builtin

import (
	"fmt"
	"time"

	"github.com/relayhq/agent/internal/model"
	"github.com/relayhq/agent/internal/target"
)

// Repository is the name every built-in target is registered under.
const Repository = "system"

// Register adds the built-in targets to reg. Called identically in both
// the parent process (for manifest declaration) and the re-exec'd worker
// process (for lookup at execution time) — the two must agree, since
// there is no wire-level manifest sync between them in this design; they
// are, after all, the same compiled binary.
func Register(reg *target.Registry) {
	reg.Register(Repository, target.Registration{
		Name: "ping",
		Type: model.TargetTask,
		Fn: func(ctx target.Context, args []any) (any, error) {
			return "pong", nil
		},
	})

	reg.Register(Repository, target.Registration{
		Name: "sleep",
		Type: model.TargetTask,
		Parameters: []model.Parameter{
			{Name: "milliseconds"},
		},
		Fn: func(ctx target.Context, args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("sleep: wants 1 argument, got %d", len(args))
			}
			ms, ok := toInt64(args[0])
			if !ok {
				return nil, fmt.Errorf("sleep: milliseconds must be a number")
			}
			ctx.LogInfo("sleeping", map[string]any{"milliseconds": ms})
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return "done", nil
		},
	})
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
