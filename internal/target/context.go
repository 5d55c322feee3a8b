package target

import (
	"time"

	"github.com/relayhq/agent/internal/model"
)

// Context is the user-facing API surface a target's Func runs with,
// grounded on context.py's module-level submit/suspense/suspend/
// persist_asset/checkpoint/log_* functions. It is implemented by
// internal/worker's Channel; defining it here (rather than importing
// worker) keeps target free of a dependency on the process-isolation
// machinery that implements it.
type Context interface {
	// Submit schedules a child execution of repository.target with args,
	// returning a lazy handle to its eventual result.
	Submit(repository, target string, args []any, opts SubmitOptions) (model.ExecutionHandle, error)

	// Suspense runs fn with a deadline; if fn has not returned when the
	// deadline elapses, the execution suspends instead of returning a
	// timeout error (spec.md's suspense semantics).
	Suspense(timeout time.Duration, fn func() error) error

	// Suspend reports a Suspended result at once, to be resumed as a
	// fresh execution later. The target function keeps running until it
	// returns; nothing it returns afterwards is reported.
	Suspend(delay time.Duration) error

	// PersistAsset registers path (file or directory) from the execution's
	// scratch directory with the server and returns a handle to it. Only
	// the path and metadata are sent; the file's bytes are not uploaded.
	PersistAsset(path string, metadata map[string]any) (model.AssetHandle, error)

	// Checkpoint records an intermediate, resumable progress marker.
	Checkpoint(value any) error

	LogDebug(msg string, fields map[string]any)
	LogInfo(msg string, fields map[string]any)
	LogWarning(msg string, fields map[string]any)
	LogError(msg string, fields map[string]any)
}

// SubmitOptions mirrors the keyword arguments context.py's submit accepts.
type SubmitOptions struct {
	// Type is the execution type being scheduled. Defaults to
	// model.TargetTask when left unset, matching submit's typical caller.
	Type     model.TargetType
	WaitFor  []int
	Cache    *model.Cache
	Defer    *model.Defer
	Retries  *model.Retries
	Delay    time.Duration
	Memo     []int
	MemoAll  bool
	Requires model.Requires
}
