package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/relayhq/agent/internal/agenterr"
	"github.com/relayhq/agent/internal/serialiser"
	"github.com/relayhq/agent/internal/target"
)

// msgPipeFD and cmdPipeFD are the well-known file descriptors Spawn wires
// up via cmd.ExtraFiles: fd 3 carries child-to-parent notifications, fd 4
// carries parent-to-child spec and replies. Descriptors 0-2 (stdin,
// stdout, stderr) are left untouched for ordinary program use and
// captured separately by the parent.
const (
	msgPipeFD = 3
	cmdPipeFD = 4
)

// Serve is the entrypoint run when the agent binary is re-exec'd with
// --worker-mode: it reads the execution spec off the command pipe, runs
// the named target, and reports the outcome back over the message pipe.
// It is the Go counterpart of execution.py's run_execution, adapted to a
// real OS process boundary rather than a Python multiprocessing.Process —
// there is no signal handler to install for abort: a SIGINT from the
// parent (Process.Abort) terminates this process by Go's default
// disposition, and the parent reports the silent exit as terminated.
func Serve(registry *target.Registry, reg *serialiser.Registry) int {
	msgPipe := os.NewFile(msgPipeFD, "msgpipe")
	cmdPipe := os.NewFile(cmdPipeFD, "cmdpipe")
	if msgPipe == nil || cmdPipe == nil {
		fmt.Fprintln(os.Stderr, "worker: missing protocol file descriptors")
		return 1
	}

	channel := NewChannel(json.NewEncoder(msgPipe), reg)

	cmdScanner := bufio.NewScanner(cmdPipe)
	cmdScanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if !cmdScanner.Scan() {
		fmt.Fprintln(os.Stderr, "worker: command pipe closed before spec arrived")
		return 1
	}
	var first message
	if err := json.Unmarshal(cmdScanner.Bytes(), &first); err != nil || first.Type != msgSpec || first.Spec == nil {
		fmt.Fprintln(os.Stderr, "worker: first message was not a spec")
		return 1
	}
	spec := first.Spec

	// Replies to submit/resolve_reference/persist_asset/resolve_asset
	// arrive asynchronously on the same pipe for as long as the process
	// lives; deliver each to the channel's pending map.
	go func() {
		for cmdScanner.Scan() {
			var msg message
			if err := json.Unmarshal(cmdScanner.Bytes(), &msg); err != nil {
				continue
			}
			if msg.Type == msgReply {
				channel.Deliver(msg)
			}
		}
	}()

	return runSpec(channel, reg, registry, spec)
}

func runSpec(channel *Channel, reg *serialiser.Registry, registry *target.Registry, spec *executionSpec) (exitCode int) {
	fn, ok := registry.Lookup(spec.Repository, spec.Target)
	if !ok {
		_ = channel.RecordError(&agenterr.UserError{
			Type:    "UnknownTarget",
			Message: fmt.Sprintf("%s.%s is not registered", spec.Repository, spec.Target),
		})
		return 1
	}

	if err := channel.NotifyExecuting(); err != nil {
		return 1
	}

	ctx := context.Background()
	args := make([]any, len(spec.Arguments))
	for i, v := range spec.Arguments {
		decoded, err := reg.Deserialise(ctx, v, channel)
		if err != nil {
			_ = channel.RecordError(&agenterr.UserError{
				Type:    "ArgumentError",
				Message: err.Error(),
			})
			return 1
		}
		args[i] = decoded
	}

	result, userErr := invoke(fn.Fn, channel, args)
	if channel.Suspended() {
		// Suspend was already reported by Channel.Suspend during the call;
		// whatever invoke returned on top of that is moot.
		return 0
	}
	if userErr != nil {
		_ = channel.RecordError(userErr)
		return 1
	}

	if err := channel.RecordResult(ctx, result); err != nil {
		return 1
	}
	return 0
}

// invoke runs fn with panic recovery, turning a panic into a UserError the
// same shape as an ordinary returned error (spec.md §7's "the target raised
// an exception" outcome applies uniformly whether Go calls it panic or
// error).
func invoke(fn target.Func, ctx target.Context, args []any) (result any, userErr *agenterr.UserError) {
	defer func() {
		if r := recover(); r != nil {
			userErr = &agenterr.UserError{
				Type:    panicType(r),
				Message: fmt.Sprint(r),
				Frames:  captureFrames(),
			}
		}
	}()

	value, err := fn(ctx, args)
	if err != nil {
		return nil, &agenterr.UserError{Type: errorType(err), Message: err.Error()}
	}
	return value, nil
}

func panicType(r any) string {
	if err, ok := r.(error); ok {
		return errorType(err)
	}
	return "PanicError"
}

func errorType(err error) string {
	t := fmt.Sprintf("%T", err)
	if idx := strings.LastIndexByte(t, '.'); idx >= 0 {
		return t[idx+1:]
	}
	return t
}

// captureFrames takes a best-effort snapshot of the current goroutine's
// stack at the point of a panic. Exact file/line/func parsing of
// runtime/debug.Stack output is deliberately loose — this is diagnostic
// context for the server's UI, not used for control flow.
func captureFrames() []agenterr.Frame {
	lines := strings.Split(string(debug.Stack()), "\n")
	var frames []agenterr.Frame
	for i := 0; i+1 < len(lines) && len(frames) < 32; i += 2 {
		fn := strings.TrimSpace(lines[i])
		if fn == "" || strings.HasPrefix(fn, "goroutine") {
			continue
		}
		src := strings.TrimSpace(lines[i+1])
		frames = append(frames, agenterr.Frame{Func: fn, Src: src})
	}
	return frames
}
