// Package worker implements C4 — one OS subprocess per execution
// (re-exec of the agent binary itself, since targets are compiled into
// it rather than dynamically loaded), communicating with the parent over
// a pair of pipes using newline-delimited JSON messages. The protocol is
// grounded on execution.py's Channel, whose NamedTuple messages
// (ExecutingNotification, RecordResultRequest, RecordErrorRequest,
// ScheduleExecutionRequest, ResolveReferenceRequest, LogMessageRequest)
// are reproduced here as a single tagged message type, and on the
// teacher's restic.Wrapper.runWithProgress for the
// spawn-then-scan-stdout-lines mechanics.
package worker

import (
	"time"

	"github.com/relayhq/agent/internal/model"
)

// messageType tags every line on the wire in both directions.
type messageType string

const (
	// Child -> parent.
	msgExecuting  messageType = "executing"
	msgResult     messageType = "result"
	msgError      messageType = "error"
	msgSuspended  messageType = "suspended"
	msgCheckpoint messageType = "checkpoint"
	msgLog        messageType = "log"
	msgSubmit     messageType = "submit"
	msgResolveRef messageType = "resolve_reference"
	msgPersist    messageType = "persist_asset"
	msgResolveAsset messageType = "resolve_asset"

	// Parent -> child.
	msgSpec  messageType = "spec"
	msgReply messageType = "reply"
	msgAbort messageType = "abort"
)

// message is the single wire envelope. Only the fields relevant to Type
// are populated; the rest are left zero. id correlates a request
// (submit/resolve_reference/persist_asset/resolve_asset, or a parent
// reply) with its counterpart, the same way Connection.Request correlates
// client-originated requests with server replies.
type message struct {
	Type messageType `json:"type"`
	ID   int64       `json:"id,omitempty"`

	// spec: the work this child process has been handed.
	Spec *executionSpec `json:"spec,omitempty"`

	// result / error (terminal outcomes). Value and Checkpoint are
	// pointers, not plain model.Value, because model.Value.MarshalJSON
	// errors on an unset Form and encoding/json's "omitempty" never
	// suppresses that call for a struct-kind field — only a nil pointer
	// is skipped before MarshalJSON runs, so every message that doesn't
	// carry one of these must leave it nil rather than a zero struct.
	Value        *model.Value `json:"value,omitempty"`
	ErrorType    string       `json:"error_type,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Frames       [][4]string  `json:"frames,omitempty"`

	// suspended.
	DelayMS   int64   `json:"delay_ms,omitempty"`
	WaitingOn []int64 `json:"waiting_on,omitempty"`

	// checkpoint.
	Checkpoint *model.Value `json:"checkpoint,omitempty"`

	// log.
	Level   model.LogLevel `json:"level,omitempty"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`

	// submit.
	TargetType model.TargetType `json:"target_type,omitempty"`
	Repository string           `json:"repository,omitempty"`
	Target     string           `json:"target,omitempty"`
	Args       []model.Value    `json:"args,omitempty"`
	WaitFor    []int            `json:"wait_for,omitempty"`
	Cache      *model.Cache     `json:"cache,omitempty"`
	Defer      *model.Defer     `json:"defer,omitempty"`
	Retries    *model.Retries   `json:"retries,omitempty"`
	Memo       []int            `json:"memo,omitempty"`
	MemoAll    bool             `json:"memo_all,omitempty"`
	Requires   model.Requires   `json:"requires,omitempty"`

	// resolve_reference / resolve_asset.
	ExecutionID int64 `json:"execution_id,omitempty"`
	AssetID     int64 `json:"asset_id,omitempty"`

	// Result carries the reply to resolve_reference: the full five-tag
	// Result envelope (value/error/abandoned/cancelled/suspended), not a
	// bare Value, so the child can distinguish a successful result from
	// the other terminal outcomes of a referenced execution. A pointer
	// for the same reason Value and Checkpoint are.
	Result *model.Result `json:"result,omitempty"`

	// persist_asset (child -> parent) and the reply to resolve_asset
	// (parent -> child): the asset's content never travels on this pipe.
	// Path is the source file (persist_asset) or destination file
	// (resolve_asset reply) in the execution's scratch directory; the
	// Channel sends only Path and Metadata, and no code fills in BlobKey,
	// Size or IsDir.
	Path     string         `json:"path,omitempty"`
	BlobKey  string         `json:"blob_key,omitempty"`
	Size     int64          `json:"size,omitempty"`
	IsDir    bool           `json:"is_dir,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// reply (parent -> child, answering submit/resolve_reference/
	// persist_asset/resolve_asset by id). A successful reply carries its
	// answer in whichever of ExecutionID/Result/AssetID/Path fits the
	// request kind (reusing the same fields request-side messages use);
	// ReplyError/ReplyIsErr are the uniform failure path across all four.
	ReplyError string `json:"reply_error,omitempty"`
	ReplyIsErr bool   `json:"reply_is_error,omitempty"`
}

// executionSpec is the work handed to a freshly spawned child: enough to
// run the target and nothing it doesn't need, matching the read-only
// model.ExecutionRecord projection described in internal/model.
type executionSpec struct {
	ExecutionID int64         `json:"execution_id"`
	Repository  string        `json:"repository"`
	Target      string        `json:"target"`
	Arguments   []model.Value `json:"arguments"`
	// SuspendDeadline is carried in the spec but neither set by Spawn nor
	// read by the child; suspense deadlines come from Channel.Suspense's
	// timeout argument instead.
	SuspendDeadline time.Duration `json:"suspend_deadline_ns"`
}
