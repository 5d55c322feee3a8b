package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relayhq/agent/internal/model"
	"github.com/relayhq/agent/internal/worker"
)

// handleSubmit forwards a worker's submit request to the server as
// "submit", the port of Execution._handle_message(ScheduleExecutionRequest)
// widened to spec.md §6's full signature — submit(type, repo, target, args,
// parent_id, wait_for, cache, defer, memo, execute_after_ms?, retries,
// requires) — and answers the worker with the newly scheduled execution id.
func (m *Manager) handleSubmit(ctx context.Context, t *tracked, n worker.Notification) {
	serialisedArgs := make([]string, len(n.Args))
	for i, v := range n.Args {
		b, err := json.Marshal(v)
		if err != nil {
			_ = t.process.ReplyError(n.RequestID, fmt.Sprintf("failed to encode argument %d: %v", i, err))
			return
		}
		serialisedArgs[i] = string(b)
	}

	var cacheKey any
	if n.Cache != nil {
		cacheKey = model.BuildCacheKey(*n.Cache, serialisedArgs, n.Repository+":"+n.Target)
	}

	targetType := n.TargetType
	if targetType == "" {
		targetType = model.TargetTask
	}

	waitFor := n.WaitFor
	if waitFor == nil {
		waitFor = []int{}
	}

	// defer and memo both follow the original's params:list[int]|True
	// tri-state: an explicit index list, "all", or "none".
	var deferParam any = false
	if n.Defer != nil {
		if n.Defer.All {
			deferParam = true
		} else {
			deferParam = n.Defer.Params
		}
	}

	var memoParam any = false
	if n.MemoAll {
		memoParam = true
	} else if len(n.Memo) > 0 {
		memoParam = n.Memo
	}

	var retries any
	if n.Retries != nil {
		retries = []any{n.Retries.Limit, n.Retries.DelayMin, n.Retries.DelayMax}
	}

	var executeAfter any
	if n.Delay > 0 {
		executeAfter = time.Now().Add(n.Delay).UnixMilli()
	}

	requires := n.Requires
	if requires == nil {
		requires = model.Requires{}
	}

	raw, err := m.conn.Request(ctx, "submit", []any{
		targetType, n.Repository, n.Target, n.Args, t.record.ID,
		waitFor, cacheKey, deferParam, memoParam, executeAfter, retries, requires,
	})
	if err != nil {
		_ = t.process.ReplyError(n.RequestID, err.Error())
		return
	}

	var executionID int64
	if err := json.Unmarshal(raw, &executionID); err != nil {
		_ = t.process.ReplyError(n.RequestID, fmt.Sprintf("malformed submit response: %v", err))
		return
	}
	if err := t.process.ReplySubmit(n.RequestID, executionID); err != nil {
		m.log.Warn("failed to reply to submit", zap.Int64("execution_id", t.record.ID), zap.Error(err))
	}
}

// handleResolveReference forwards a resolve_reference request to the
// server as "get_result", the port of
// Execution._handle_message(ResolveReferenceRequest). The server's reply is
// a full Result envelope (value/error/abandoned/cancelled/suspended), not a
// bare Value, so the worker can distinguish a referenced execution's
// terminal outcome from its success value.
func (m *Manager) handleResolveReference(ctx context.Context, t *tracked, n worker.Notification) {
	raw, err := m.conn.Request(ctx, "get_result", []any{n.ExecutionID, t.record.ID})
	if err != nil {
		_ = t.process.ReplyError(n.RequestID, err.Error())
		return
	}

	var result model.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = t.process.ReplyError(n.RequestID, fmt.Sprintf("malformed get_result response: %v", err))
		return
	}
	if err := t.process.ReplyResolveReference(n.RequestID, result); err != nil {
		m.log.Warn("failed to reply to resolve_reference", zap.Int64("execution_id", t.record.ID), zap.Error(err))
	}
}

// handlePersistAsset forwards a persist_asset request to the server as
// [execution id, path, metadata] and relays the returned asset id to the
// child — an extension beyond what original_source's execution.py
// implements (it has no asset support at this layer). It does not read the
// file or upload its bytes to the blob store; only the path is sent.
func (m *Manager) handlePersistAsset(ctx context.Context, t *tracked, n worker.Notification) {
	raw, err := m.conn.Request(ctx, "persist_asset", []any{t.record.ID, n.Path, n.Metadata})
	if err != nil {
		_ = t.process.ReplyError(n.RequestID, err.Error())
		return
	}

	var assetID int64
	if err := json.Unmarshal(raw, &assetID); err != nil {
		_ = t.process.ReplyError(n.RequestID, fmt.Sprintf("malformed persist_asset response: %v", err))
		return
	}
	if err := t.process.ReplyPersistAsset(n.RequestID, assetID); err != nil {
		m.log.Warn("failed to reply to persist_asset", zap.Int64("execution_id", t.record.ID), zap.Error(err))
	}
}

// handleResolveAsset forwards a resolve_asset request to the server as
// [asset id, path] and relays the path the server returns to the child.
// It does not fetch the asset's content or write any file itself.
func (m *Manager) handleResolveAsset(ctx context.Context, t *tracked, n worker.Notification) {
	raw, err := m.conn.Request(ctx, "resolve_asset", []any{n.AssetID, n.Path})
	if err != nil {
		_ = t.process.ReplyError(n.RequestID, err.Error())
		return
	}

	var restoredPath string
	if err := json.Unmarshal(raw, &restoredPath); err != nil {
		_ = t.process.ReplyError(n.RequestID, fmt.Sprintf("malformed resolve_asset response: %v", err))
		return
	}
	if err := t.process.ReplyResolveAsset(n.RequestID, restoredPath); err != nil {
		m.log.Warn("failed to reply to resolve_asset", zap.Int64("execution_id", t.record.ID), zap.Error(err))
	}
}
