// Package model defines the agent's wire-level data model: Execution,
// Value, Reference, Result, Asset, Session, and the target manifest types
// (spec.md §3). These are plain value types — ownership semantics (the
// Manager exclusively owning Execution records, lazy resolver closures for
// references) are layered on top by the worker and manager packages rather
// than baked into the types themselves, matching how the teacher keeps
// shared/types.go free of behaviour and lets connection/executor own it.
package model

import "time"

// TargetType identifies the kind of registered target.
type TargetType string

const (
	TargetWorkflow TargetType = "workflow"
	TargetTask     TargetType = "task"
	TargetSensor   TargetType = "sensor"
)

// ExecutionStatus is the lifecycle state of a running Execution, reported
// in heartbeats keyed by execution id (spec.md §4.5).
type ExecutionStatus int

const (
	StatusStarting ExecutionStatus = iota
	StatusExecuting
	StatusAborting
	StatusStopping
)

func (s ExecutionStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusExecuting:
		return "executing"
	case StatusAborting:
		return "aborting"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// LogLevel mirrors the original client's numeric levels. The gaps (1 and 3
// are unused) are preserved deliberately so level numbers stay stable
// across a protocol migration — see SPEC_FULL.md §13.
type LogLevel int

const (
	LogDebug   LogLevel = 0
	LogInfo    LogLevel = 2
	LogWarning LogLevel = 4
	LogError   LogLevel = 5
)

// ReferenceKind discriminates the three Reference shapes (spec.md §3).
type ReferenceKind string

const (
	RefExecution ReferenceKind = "execution"
	RefAsset     ReferenceKind = "asset"
	RefFragment  ReferenceKind = "fragment"
)

// Reference is a handle with no inline payload, carried flat and indexed in
// a Value's references list.
type Reference struct {
	Kind ReferenceKind

	// ExecutionID is set when Kind == RefExecution.
	ExecutionID int64

	// AssetID is set when Kind == RefAsset.
	AssetID int64

	// Fragment fields are set when Kind == RefFragment.
	Serialiser string
	BlobKey    string
	Size       int64
	Metadata   map[string]any
}

// ValueForm discriminates the two Value encodings (spec.md §3).
type ValueForm string

const (
	FormRaw  ValueForm = "raw"
	FormBlob ValueForm = "blob"
)

// Value is the polymorphic argument/result envelope. Exactly one of Data
// (raw form) or (BlobKey, Size) (blob form) is meaningful, selected by Form.
type Value struct {
	Form ValueForm

	// Data is the JSON-compatible scalar tree, present when Form == FormRaw.
	Data any

	// BlobKey and Size are present when Form == FormBlob: the serialised
	// envelope bytes live in the blob store under BlobKey.
	BlobKey string
	Size    int64

	References []Reference
}

// ResultKind discriminates the five terminal outcomes of an Execution.
type ResultKind string

const (
	ResultValue      ResultKind = "value"
	ResultError      ResultKind = "error"
	ResultAbandoned  ResultKind = "abandoned"
	ResultCancelled  ResultKind = "cancelled"
	ResultSuspended  ResultKind = "suspended"
)

// Result is the tagged sum reported for a finished Execution.
type Result struct {
	Kind ResultKind

	// Value is set when Kind == ResultValue.
	Value Value

	// Error fields are set when Kind == ResultError.
	ErrorType    string
	ErrorMessage string
	Frames       [][4]string // [file, line, func, src?]
}

// ExecutionRecord is the fundamental unit of work (spec.md §3), owned
// exclusively by the Manager (C5). The Worker (C4) only ever holds a
// read-only copy of the fields it needs to run.
type ExecutionRecord struct {
	ID         int64
	TargetType TargetType
	Repository string
	Target     string
	Arguments  []Value
	Status     ExecutionStatus
	LastTouch  time.Time
}

// ExecutionHandle is the lazy, cross-process-safe handle target code holds
// for a submitted child execution or a resolved execution Reference. It
// carries no inline payload — Resolve is a closure bound at
// deserialisation/submission time over the worker's channel, never a
// pointer shared across the process boundary (spec.md §9 design notes).
type ExecutionHandle struct {
	ID      int64
	Resolve func() (Result, error)
}

// Result blocks until the referenced execution terminates and returns its
// outcome, translating Abandoned/Cancelled into the corresponding
// agenterr sentinels at the worker layer (see internal/worker).
func (h ExecutionHandle) Result() (Result, error) {
	return h.Resolve()
}

// AssetHandle is the lazy handle for a persisted or referenced Asset.
type AssetHandle struct {
	ID      int64
	Restore func(to string) (string, error)
}

// Asset is a file or directory captured from a worker's scratch directory.
type Asset struct {
	ID       int64
	Path     string
	BlobKey  string
	Size     int64
	IsDir    bool
	Metadata map[string]any
}

// Cache normalises the interleaved cache-parameter shapes accepted by the
// original client into one struct, per SPEC_FULL.md §13.
type Cache struct {
	// Params lists the zero-based argument indices that participate in the
	// cache key, or nil to mean "all arguments".
	Params []int
	MaxAge *time.Duration
	// Namespace overrides the default "repository:target" salt.
	Namespace string
	// Version is folded into the hash input so bumping it invalidates
	// previously cached keys.
	Version string
}

// Defer mirrors the original's Defer(params) — the argument indices that
// must resolve before the execution is eligible to run.
type Defer struct {
	Params []int
	All    bool
}

// Retries normalises the count / (count,delay) / (count,min,max) shapes
// the original client accepted into one struct.
type Retries struct {
	Limit    int
	DelayMin int
	DelayMax int
}

// NewRetries mirrors execution.py's _parse_retries: a bare limit, or a
// limit plus one delay (applied as both min and max), or a limit plus an
// explicit (min, max) pair.
func NewRetries(limit int, delay ...int) Retries {
	switch len(delay) {
	case 0:
		return Retries{Limit: limit}
	case 1:
		return Retries{Limit: limit, DelayMin: delay[0], DelayMax: delay[0]}
	default:
		return Retries{Limit: limit, DelayMin: delay[0], DelayMax: delay[1]}
	}
}

// Parameter describes one positional-or-keyword parameter of a registered
// target, captured at registration time (Go has no runtime
// inspect.signature, so the caller supplies this explicitly — see
// SPEC_FULL.md §13).
type Parameter struct {
	Name       string
	Annotation string
	HasDefault bool
	Default    string // JSON-encoded default value, if any
}

// Requires maps a resource class to the list of values required (e.g.
// {"gpu": ["a100"]}).
type Requires map[string][]string

// Target describes one registered workflow, task, or sensor.
type Target struct {
	Type       TargetType
	Parameters []Parameter
	WaitFor    []int
	Cache      *Cache
	Defer      *Defer
	Delay      time.Duration
	Retries    *Retries
	Memo       []int
	MemoAll    bool
	Requires   Requires
	IsStub     bool
}
