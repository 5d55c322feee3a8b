package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayhq/agent/internal/model"
)

// killGrace is how long a worker is given to exit after SIGINT before it
// is force-killed with SIGKILL, mirroring a graceful-then-forceful
// shutdown shape common across the pack's subprocess wrappers.
const killGrace = 5 * time.Second

// Notification is a child-originated event, decoded from the wire message
// envelope into whichever shape the manager's dispatch needs.
type Notification struct {
	Kind         string
	Value        model.Value
	ErrorType    string
	ErrorMessage string
	Frames       [][4]string
	Delay        time.Duration
	WaitingOn    []int64
	Checkpoint   model.Value
	Level        model.LogLevel
	Message      string
	Fields       map[string]any

	// Present on request-shaped notifications (submit, resolve_reference,
	// persist_asset, resolve_asset) that expect a Reply.
	RequestID   int64
	TargetType  model.TargetType
	Repository  string
	Target      string
	Args        []model.Value
	WaitFor     []int
	Cache       *model.Cache
	Defer       *model.Defer
	Retries     *model.Retries
	Memo        []int
	MemoAll     bool
	Requires    model.Requires
	ExecutionID int64
	AssetID     int64
	Path        string
	Metadata    map[string]any
}

// Process is the parent-side handle to one spawned execution. Structured
// protocol traffic rides on a dedicated pair of pipes passed via
// cmd.ExtraFiles (fd 3 child-to-parent, fd 4 parent-to-child) rather than
// stdin/stdout, so the child's real stdout/stderr stay free for the
// stdout/stderr capture-as-logs feature (grounded on execution.py's
// Capture class) without colliding with the protocol stream. Line
// scanning itself follows restic.Wrapper.runWithProgress.
type Process struct {
	cmd *exec.Cmd

	// AttemptID distinguishes this spawn from any other spawn of the same
	// execution id (a retried or resumed execution reuses the id but gets
	// a fresh attempt), so log lines from overlapping attempts don't
	// interleave under one indistinguishable key.
	AttemptID string

	protoOut *json.Encoder // parent -> child (fd 4 on the child side)
	protoIn  *bufio.Scanner // child -> parent (fd 3 on the child side)
	sendMu   sync.Mutex

	log *zap.Logger

	Notifications chan Notification
	CapturedLines chan CapturedLine

	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error
}

// CapturedLine is one line of the child's real stdout or stderr, to be
// forwarded to the server as a log message.
type CapturedLine struct {
	Stream string // "stdout" or "stderr"
	Text   string
}

// Spawn re-executes the current binary in worker mode and hands it spec
// over the protocol pipe. workDir is the execution's ephemeral scratch
// directory, set as the child's working directory so PersistAsset's
// path-must-be-inside-execution-dir invariant has a fixed root to check
// against.
func Spawn(ctx context.Context, workDir string, record model.ExecutionRecord, log *zap.Logger) (*Process, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("worker: resolve executable: %w", err)
	}

	// childMsgR/childMsgW: child writes protocol notifications, parent reads.
	childMsgR, childMsgW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker: open message pipe: %w", err)
	}
	// childCmdR/childCmdW: parent writes spec/replies, child reads.
	childCmdR, childCmdW, err := os.Pipe()
	if err != nil {
		childMsgR.Close()
		childMsgW.Close()
		return nil, fmt.Errorf("worker: open command pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, exePath, "--worker-mode")
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = []*os.File{childMsgW, childCmdR} // fd 3, fd 4

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start: %w", err)
	}
	// The parent no longer needs the child's ends of the protocol pipes.
	childMsgW.Close()
	childCmdR.Close()

	protoScanner := bufio.NewScanner(childMsgR)
	protoScanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	attemptID := uuid.NewString()
	p := &Process{
		cmd:           cmd,
		AttemptID:     attemptID,
		protoOut:      json.NewEncoder(childCmdW),
		protoIn:       protoScanner,
		log:           log.Named("worker").With(zap.Int64("execution_id", record.ID), zap.String("attempt_id", attemptID)),
		Notifications: make(chan Notification, 16),
		CapturedLines: make(chan CapturedLine, 64),
		waitDone:      make(chan struct{}),
	}

	args := make([]model.Value, len(record.Arguments))
	copy(args, record.Arguments)

	if err := p.send(message{Type: msgSpec, Spec: &executionSpec{
		ExecutionID: record.ID,
		Repository:  record.Repository,
		Target:      record.Target,
		Arguments:   args,
	}}); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("worker: send spec: %w", err)
	}

	go p.scanProtocol()
	go p.scanCapture("stdout", stdout)
	go p.scanCapture("stderr", stderr)
	go func() {
		err := cmd.Wait()
		p.waitOnce.Do(func() {
			p.waitErr = err
			close(p.waitDone)
		})
	}()

	return p, nil
}

func (p *Process) scanProtocol() {
	defer close(p.Notifications)
	for p.protoIn.Scan() {
		line := p.protoIn.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			p.log.Warn("malformed protocol line from child, skipping", zap.Error(err))
			continue
		}
		p.Notifications <- decodeNotification(msg)
	}
}

func (p *Process) scanCapture(stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case p.CapturedLines <- CapturedLine{Stream: stream, Text: line}:
		default:
			p.log.Warn("captured output buffer full, dropping line", zap.String("stream", stream))
		}
	}
}

func decodeNotification(msg message) Notification {
	var value model.Value
	if msg.Value != nil {
		value = *msg.Value
	}
	var checkpoint model.Value
	if msg.Checkpoint != nil {
		checkpoint = *msg.Checkpoint
	}
	return Notification{
		Kind:         string(msg.Type),
		Value:        value,
		ErrorType:    msg.ErrorType,
		ErrorMessage: msg.ErrorMessage,
		Frames:       msg.Frames,
		Delay:        time.Duration(msg.DelayMS) * time.Millisecond,
		WaitingOn:    msg.WaitingOn,
		Checkpoint:   checkpoint,
		Level:        msg.Level,
		Message:      msg.Message,
		Fields:       msg.Fields,
		RequestID:    msg.ID,
		TargetType:   msg.TargetType,
		Repository:   msg.Repository,
		Target:       msg.Target,
		Args:         msg.Args,
		WaitFor:      msg.WaitFor,
		Cache:        msg.Cache,
		Defer:        msg.Defer,
		Retries:      msg.Retries,
		Memo:         msg.Memo,
		MemoAll:      msg.MemoAll,
		Requires:     msg.Requires,
		ExecutionID:  msg.ExecutionID,
		AssetID:      msg.AssetID,
		Path:         msg.Path,
		Metadata:     msg.Metadata,
	}
}

// ReplyError answers any pending request with a failure, regardless of
// which kind of request it was — Channel.request treats ReplyIsErr the
// same way across submit/resolve_reference/persist_asset/resolve_asset.
func (p *Process) ReplyError(id int64, errMsg string) error {
	return p.send(message{Type: msgReply, ID: id, ReplyError: errMsg, ReplyIsErr: true})
}

// ReplySubmit answers a submit request with the newly scheduled execution
// id (Channel.Submit reads this off resp.ExecutionID).
func (p *Process) ReplySubmit(id int64, executionID int64) error {
	return p.send(message{Type: msgReply, ID: id, ExecutionID: executionID})
}

// ReplyResolveReference answers a resolve_reference request with the
// referenced execution's full Result envelope (Channel's resolveExecution
// reads this off resp.Result, mapping each outcome kind to the right
// return value or sentinel error).
func (p *Process) ReplyResolveReference(id int64, result model.Result) error {
	return p.send(message{Type: msgReply, ID: id, Result: &result})
}

// ReplyPersistAsset answers a persist_asset request with the new asset id
// (Channel.PersistAsset reads this off resp.AssetID).
func (p *Process) ReplyPersistAsset(id int64, assetID int64) error {
	return p.send(message{Type: msgReply, ID: id, AssetID: assetID})
}

// ReplyResolveAsset answers a resolve_asset request with the restored
// path (Channel.ResolveAsset's Restore closure reads this off resp.Path).
func (p *Process) ReplyResolveAsset(id int64, path string) error {
	return p.send(message{Type: msgReply, ID: id, Path: path})
}

// NewProcess wraps an existing protocol encoder as a Process, letting
// tests exercise the Reply* methods against an in-memory pipe without
// spawning a real subprocess.
func NewProcess(enc *json.Encoder) *Process {
	return &Process{protoOut: enc}
}

func (p *Process) send(msg message) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.protoOut.Encode(msg)
}

// Wait blocks until the child process exits, returning its exit error (nil
// on a clean exit).
func (p *Process) Wait() error {
	<-p.waitDone
	return p.waitErr
}

// Abort asks the child to stop: SIGINT first, then SIGKILL after
// killGrace if it has not exited.
func (p *Process) Abort() {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGINT)
	select {
	case <-p.waitDone:
	case <-time.After(killGrace):
		_ = p.cmd.Process.Kill()
	}
}
