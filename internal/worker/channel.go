package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relayhq/agent/internal/agenterr"
	"github.com/relayhq/agent/internal/model"
	"github.com/relayhq/agent/internal/serialiser"
	"github.com/relayhq/agent/internal/target"
)

// Channel is the child-side end of the worker protocol. It implements
// target.Context — the API a running target sees — and is the direct
// counterpart of execution.py's Channel: a duplex connection to the
// parent with a pending-request map for schedule/resolve round-trips,
// the same shape as internal/connection.Connection.Request/pending.
type Channel struct {
	enc *json.Encoder
	reg *serialiser.Registry

	mu        sync.Mutex
	lastID    int64
	pending   map[int64]chan message
	suspended bool

	// pendingResolves tracks the execution ids this process is currently
	// blocked on resolving, so a Suspend triggered mid-resolve (via
	// Suspense's deadline) can report exactly which executions it was
	// waiting_on.
	pendingResolves map[int64]struct{}
}

// NewChannel constructs a Channel writing requests to enc (the dedicated
// child-to-parent protocol pipe, fd 3) and using reg to serialise
// arguments and deserialise replies. The child's real stdout/stderr are
// left untouched for ordinary program output, captured separately by the
// parent.
func NewChannel(enc *json.Encoder, reg *serialiser.Registry) *Channel {
	return &Channel{
		enc:             enc,
		reg:             reg,
		pending:         make(map[int64]chan message),
		pendingResolves: make(map[int64]struct{}),
	}
}

// Deliver feeds a parent-originated message (always a reply, in the
// child's case) to the Channel, waking whichever call is waiting on its
// id. Called from the child's command-pipe (fd 4) reading loop in serve.go.
func (c *Channel) Deliver(msg message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Channel) nextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID++
	return c.lastID
}

func (c *Channel) request(msg message) (message, error) {
	id := c.nextID()
	msg.ID = id
	reply := make(chan message, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.enc.Encode(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return message{}, fmt.Errorf("worker channel: send %s: %w", msg.Type, err)
	}

	resp := <-reply
	if resp.ReplyIsErr {
		return message{}, fmt.Errorf("worker channel: %s", resp.ReplyError)
	}
	return resp, nil
}

// notify sends a fire-and-forget message with no reply expected.
func (c *Channel) notify(msg message) error {
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("worker channel: notify %s: %w", msg.Type, err)
	}
	return nil
}

// NotifyExecuting announces that this execution has started doing work,
// the direct counterpart of Channel.notify_executing.
func (c *Channel) NotifyExecuting() error {
	return c.notify(message{Type: msgExecuting})
}

// RecordResult serialises value and sends it as the terminal success
// notification. It sets no state on the channel.
func (c *Channel) RecordResult(ctx context.Context, value any) error {
	encoded, err := c.reg.Serialise(ctx, value)
	if err != nil {
		return fmt.Errorf("worker channel: serialise result: %w", err)
	}
	return c.notify(message{Type: msgResult, Value: &encoded})
}

// RecordError sends the terminal failure, truncating the message to 200
// characters the way execution.py's record_error does (str(exception)[:200]).
func (c *Channel) RecordError(userErr *agenterr.UserError) error {
	msg := userErr.Message
	if len(msg) > 200 {
		msg = msg[:200]
	}
	frames := make([][4]string, len(userErr.Frames))
	for i, f := range userErr.Frames {
		frames[i] = [4]string{f.File, fmt.Sprintf("%d", f.Line), f.Func, f.Src}
	}
	return c.notify(message{Type: msgError, ErrorType: userErr.Type, ErrorMessage: msg, Frames: frames})
}

// Checkpoint sends an intermediate, resumable progress marker.
func (c *Channel) Checkpoint(value any) error {
	encoded, err := c.reg.Serialise(context.Background(), value)
	if err != nil {
		return fmt.Errorf("worker channel: serialise checkpoint: %w", err)
	}
	return c.notify(message{Type: msgCheckpoint, Checkpoint: &encoded})
}

// Suspend ends the execution with a Suspended outcome, to be resumed as a
// fresh execution after delay. A target that suspends simply returns
// afterwards (there is no Go equivalent of raising to unwind early); the
// caller in serve.go checks Suspended before reporting a result, so the
// already-sent Suspended notification is never followed by a spurious
// result or error. waiting_on is reported as whichever execution ids this
// channel is currently blocked on resolving (see pendingResolves) — for a
// plain Suspend call outside a reference resolution, that set is empty.
func (c *Channel) Suspend(delay time.Duration) error {
	c.mu.Lock()
	c.suspended = true
	waitingOn := make([]int64, 0, len(c.pendingResolves))
	for id := range c.pendingResolves {
		waitingOn = append(waitingOn, id)
	}
	c.mu.Unlock()
	sort.Slice(waitingOn, func(i, j int) bool { return waitingOn[i] < waitingOn[j] })
	return c.notify(message{Type: msgSuspended, DelayMS: delay.Milliseconds(), WaitingOn: waitingOn})
}

func (c *Channel) addPendingResolve(id int64) {
	c.mu.Lock()
	c.pendingResolves[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Channel) removePendingResolve(id int64) {
	c.mu.Lock()
	delete(c.pendingResolves, id)
	c.mu.Unlock()
}

// Suspended reports whether Suspend has already been called on this
// channel during the current execution.
func (c *Channel) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// Suspense runs fn in its own goroutine and waits up to timeout. If fn
// returns first, its error is returned as is. If the timeout elapses
// first, Suspense calls Suspend(0) — reporting whatever executions are
// being resolved at that moment as waiting_on — and returns Suspend's
// result; fn is not interrupted.
func (c *Channel) Suspense(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return c.Suspend(0)
	}
}

// Submit schedules a child execution, matching Channel.schedule_execution:
// arguments are serialised, the submit options (cache, defer, memo, ...)
// are passed to the parent as given — the parent computes the cache key —
// and the call blocks until the parent assigns an execution id.
func (c *Channel) Submit(repository, targetName string, args []any, opts target.SubmitOptions) (model.ExecutionHandle, error) {
	ctx := context.Background()
	encodedArgs := make([]model.Value, len(args))
	for i, a := range args {
		encoded, err := c.reg.Serialise(ctx, a)
		if err != nil {
			return model.ExecutionHandle{}, fmt.Errorf("worker channel: serialise argument %d: %w", i, err)
		}
		encodedArgs[i] = encoded
	}

	targetType := opts.Type
	if targetType == "" {
		targetType = model.TargetTask
	}

	resp, err := c.request(message{
		Type:       msgSubmit,
		TargetType: targetType,
		Repository: repository,
		Target:     targetName,
		Args:       encodedArgs,
		WaitFor:    opts.WaitFor,
		Cache:      opts.Cache,
		Defer:      opts.Defer,
		Retries:    opts.Retries,
		Memo:       opts.Memo,
		MemoAll:    opts.MemoAll,
		Requires:   opts.Requires,
		DelayMS:    opts.Delay.Milliseconds(),
	})
	if err != nil {
		return model.ExecutionHandle{}, err
	}

	return c.resolveExecution(resp.ExecutionID), nil
}

// resolveExecution builds the lazy handle returned for a submitted or
// referenced execution — its Resolve closure blocks on a
// resolve_reference round-trip each time it's called, then maps the
// returned Result envelope's tag onto the matching outcome or sentinel
// error, the propagation policy spec.md §7 calls "re-raising preserving
// the remote type tag." Abandoned and cancelled outcomes come back as
// errors matching both their own sentinel and agenterr.ErrUnavailable.
func (c *Channel) resolveExecution(id int64) model.ExecutionHandle {
	return model.ExecutionHandle{
		ID: id,
		Resolve: func() (model.Result, error) {
			c.addPendingResolve(id)
			defer c.removePendingResolve(id)

			resp, err := c.request(message{Type: msgResolveRef, ExecutionID: id})
			if err != nil {
				return model.Result{}, err
			}
			if resp.Result == nil {
				return model.Result{}, fmt.Errorf("worker channel: resolve_reference reply carried no result")
			}

			switch resp.Result.Kind {
			case model.ResultValue:
				value, err := c.reg.Deserialise(context.Background(), resp.Result.Value, c)
				if err != nil {
					return model.Result{}, err
				}
				return model.Result{Kind: model.ResultValue, Value: model.Value{Form: model.FormRaw, Data: value}}, nil
			case model.ResultError:
				return model.Result{}, &agenterr.UserError{
					Type:    resp.Result.ErrorType,
					Message: resp.Result.ErrorMessage,
					Frames:  framesFromWire(resp.Result.Frames),
				}
			case model.ResultAbandoned:
				return model.Result{}, fmt.Errorf("%w: %w", agenterr.ErrAbandoned, agenterr.ErrUnavailable)
			case model.ResultCancelled:
				return model.Result{}, fmt.Errorf("%w: %w", agenterr.ErrCancelled, agenterr.ErrUnavailable)
			case model.ResultSuspended:
				return model.Result{Kind: model.ResultSuspended}, nil
			default:
				return model.Result{}, fmt.Errorf("worker channel: unrecognised result kind %q", resp.Result.Kind)
			}
		},
	}
}

// framesFromWire converts the wire's flat [file,line,func,src] tuples back
// into agenterr.Frame, the reverse of RecordError's conversion.
func framesFromWire(frames [][4]string) []agenterr.Frame {
	if len(frames) == 0 {
		return nil
	}
	out := make([]agenterr.Frame, len(frames))
	for i, f := range frames {
		var line int
		fmt.Sscanf(f[1], "%d", &line)
		out[i] = agenterr.Frame{File: f[0], Line: line, Func: f[2], Src: f[3]}
	}
	return out
}

// ResolveExecution implements serialiser.Resolver for references embedded
// in deserialised values.
func (c *Channel) ResolveExecution(id int64) model.ExecutionHandle {
	return c.resolveExecution(id)
}

// ResolveAsset implements serialiser.Resolver.
func (c *Channel) ResolveAsset(id int64) model.AssetHandle {
	return model.AssetHandle{
		ID: id,
		Restore: func(to string) (string, error) {
			if _, err := ensureWithinWorkDir(to); err != nil {
				return "", err
			}
			resp, err := c.request(message{Type: msgResolveAsset, AssetID: id, Path: to})
			if err != nil {
				return "", err
			}
			return resp.Path, nil
		},
	}
}

// PersistAsset checks that path lies inside the execution's scratch
// directory and sends it, with metadata, to the parent in a persist_asset
// request. The file's bytes are not read, hashed or uploaded here; only
// the path travels.
func (c *Channel) PersistAsset(path string, metadata map[string]any) (model.AssetHandle, error) {
	if _, err := ensureWithinWorkDir(path); err != nil {
		return model.AssetHandle{}, err
	}
	resp, err := c.request(message{Type: msgPersist, Path: path, Metadata: metadata})
	if err != nil {
		return model.AssetHandle{}, err
	}
	return c.ResolveAsset(resp.AssetID), nil
}

// ensureWithinWorkDir resolves path against the process's working
// directory (the execution's scratch directory — worker.Spawn sets
// cmd.Dir to it) and rejects it if the result falls outside that
// directory, the persist/restore containment invariant.
func ensureWithinWorkDir(path string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("worker channel: determine working directory: %w", err)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(wd, abs)
	}
	abs = filepath.Clean(abs)
	wd = filepath.Clean(wd)
	if abs != wd && !strings.HasPrefix(abs, wd+string(filepath.Separator)) {
		return "", agenterr.ErrPathEscapesExecutionDir
	}
	return abs, nil
}

func (c *Channel) log(level model.LogLevel, msg string, fields map[string]any) {
	_ = c.notify(message{Type: msgLog, Level: level, Message: msg, Fields: fields})
}

func (c *Channel) LogDebug(msg string, fields map[string]any)   { c.log(model.LogDebug, msg, fields) }
func (c *Channel) LogInfo(msg string, fields map[string]any)    { c.log(model.LogInfo, msg, fields) }
func (c *Channel) LogWarning(msg string, fields map[string]any) { c.log(model.LogWarning, msg, fields) }
func (c *Channel) LogError(msg string, fields map[string]any)   { c.log(model.LogError, msg, fields) }
