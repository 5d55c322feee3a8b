// Package manager implements C5 — the parent-side supervisor that turns
// server-pushed "execute"/"abort" commands into spawned worker processes,
// routes each worker's notifications back to the server as the
// corresponding request, and runs the periodic heartbeat loop. It is
// grounded on execution.py's Execution/Manager classes (the request names
// below — put_cursor, put_result, put_error, submit, suspend, get_result,
// log_messages, notify_terminated, record_heartbeats — follow spec.md §6's
// wire protocol, widening execution.py's older, narrower
// schedule/put_suspended shapes) and on the
// teacher's executor.Executor for the single-queue-per-agent shape, job
// lifecycle reporting, and LogSink/StatusReporter-style decoupling from
// the transport.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/relayhq/agent/internal/connection"
	"github.com/relayhq/agent/internal/metrics"
	"github.com/relayhq/agent/internal/model"
	"github.com/relayhq/agent/internal/serialiser"
	"github.com/relayhq/agent/internal/target"
	"github.com/relayhq/agent/internal/worker"
)

const (
	// executionThreshold and agentThreshold reproduce execution.py's
	// _EXECUTION_THRESHOLD_S / _AGENT_THRESHOLD_S: an execution is only
	// included in a heartbeat once more than the former has passed since
	// it was last touched, and a batch is sent on any tick where at least
	// one execution is included, on the very first tick, or once more than
	// the latter has elapsed since the last send (even if the batch is
	// empty).
	executionThreshold = 1 * time.Second
	agentThreshold     = 5 * time.Second
	heartbeatTick      = 1 * time.Second
)

// Manager owns every execution currently running on this agent.
type Manager struct {
	conn     *connection.Connection
	registry *target.Registry
	reg      *serialiser.Registry
	workDir  string
	log      *zap.Logger

	// sem bounds how many executions can run at once, sized from the same
	// concurrency figure advertised to the server in Connection.Params —
	// nil when no limit was configured, so an unconfigured agent behaves
	// as it always did rather than picking an arbitrary default.
	sem *semaphore.Weighted

	// logLimiter caps how fast captured stdout/stderr lines turn into
	// log_messages notifications, so a target that logs in a tight loop
	// can't saturate the connection ahead of protocol traffic that
	// actually needs to get through (results, heartbeats).
	logLimiter *rate.Limiter

	mu         sync.Mutex
	executions map[int64]*tracked

	lastHeartbeatSent time.Time
	everSentHeartbeat bool
}

type tracked struct {
	record  model.ExecutionRecord
	process *worker.Process
	dir     string
}

// logBurstRate and logBurstSize bound captured-output forwarding; generous
// enough that ordinary logging never notices, tight enough that a runaway
// print loop can't drown out result/heartbeat traffic on the same socket.
const (
	logBurstRate = 200 // messages per second
	logBurstSize = 400
)

// New constructs a Manager. workDir is the base scratch directory; each
// execution gets its own subdirectory workDir/<execution_id>, matching
// worker.Spawn's expectation of a fixed root for PersistAsset's
// path-containment check. concurrency caps the number of executions this
// Manager will run at once; 0 means unbounded.
func New(conn *connection.Connection, registry *target.Registry, reg *serialiser.Registry, workDir string, concurrency int, log *zap.Logger) *Manager {
	var sem *semaphore.Weighted
	if concurrency > 0 {
		sem = semaphore.NewWeighted(int64(concurrency))
	}
	return &Manager{
		conn:       conn,
		registry:   registry,
		reg:        reg,
		workDir:    workDir,
		sem:        sem,
		logLimiter: rate.NewLimiter(rate.Limit(logBurstRate), logBurstSize),
		log:        log.Named("manager"),
		executions: make(map[int64]*tracked),
	}
}

// Handlers returns the command dispatch table to pass to
// connection.New — "execute" and "abort", matching Agent._handle_execute/
// _handle_abort.
func (m *Manager) Handlers() map[string]connection.CommandHandler {
	return map[string]connection.CommandHandler{
		"execute": m.handleExecute,
		"abort":   m.handleAbort,
	}
}

// HeartbeatLoop runs until ctx is cancelled, checking every heartbeatTick
// and reporting the status of every execution not touched for longer than
// executionThreshold; when none is due, an empty batch is still sent once
// agentThreshold has passed since the last send — the direct port of
// Manager._send_heartbeats/_should_send_heartbeat.
func (m *Manager) HeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.maybeSendHeartbeats()
		}
	}
}

func (m *Manager) maybeSendHeartbeats() {
	now := time.Now()

	m.mu.Lock()
	due := make(map[int64]model.ExecutionStatus)
	for id, t := range m.executions {
		if now.Sub(t.record.LastTouch) > executionThreshold {
			due[id] = t.record.Status
		}
	}
	shouldSend := len(due) > 0 || !m.everSentHeartbeat || now.Sub(m.lastHeartbeatSent) > agentThreshold
	if shouldSend {
		for id := range due {
			m.executions[id].record.LastTouch = now
		}
		m.lastHeartbeatSent = now
		m.everSentHeartbeat = true
	}
	m.mu.Unlock()

	if !shouldSend {
		return
	}

	heartbeats := make(map[string]string, len(due))
	for id, status := range due {
		heartbeats[fmt.Sprintf("%d", id)] = status.String()
	}
	if err := m.conn.Notify("record_heartbeats", []any{heartbeats}); err != nil {
		m.log.Warn("failed to send heartbeats", zap.Error(err))
	}
}

// AbortAll terminates every running execution, used on shutdown.
func (m *Manager) AbortAll() {
	m.mu.Lock()
	procs := make([]*worker.Process, 0, len(m.executions))
	for _, t := range m.executions {
		procs = append(procs, t.process)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range procs {
		p := p
		g.Go(func() error {
			p.Abort()
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) handleExecute(ctx context.Context, params []json.RawMessage) error {
	if len(params) != 4 {
		return fmt.Errorf("manager: execute wants 4 params, got %d", len(params))
	}
	var id int64
	var repository, targetName string
	var arguments []model.Value
	if err := json.Unmarshal(params[0], &id); err != nil {
		return fmt.Errorf("manager: execute execution_id: %w", err)
	}
	if err := json.Unmarshal(params[1], &repository); err != nil {
		return fmt.Errorf("manager: execute repository: %w", err)
	}
	if err := json.Unmarshal(params[2], &targetName); err != nil {
		return fmt.Errorf("manager: execute target: %w", err)
	}
	if err := json.Unmarshal(params[3], &arguments); err != nil {
		return fmt.Errorf("manager: execute arguments: %w", err)
	}

	m.mu.Lock()
	_, running := m.executions[id]
	m.mu.Unlock()
	if running {
		return fmt.Errorf("manager: execution %d already running", id)
	}

	record := model.ExecutionRecord{
		ID:         id,
		Repository: repository,
		Target:     targetName,
		Arguments:  arguments,
		Status:     model.StatusStarting,
		LastTouch:  time.Now(),
	}

	// Unknown target: put_error immediately without ever spawning a
	// worker, per the unknown-target edge case.
	if _, ok := m.registry.Lookup(repository, targetName); !ok {
		m.log.Warn("unknown target", zap.String("repository", repository), zap.String("target", targetName))
		return m.putError(id, fmt.Sprintf("%s.%s is not registered", repository, targetName))
	}

	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return m.putError(id, fmt.Sprintf("failed to acquire execution slot: %v", err))
		}
	}

	dir := filepath.Join(m.workDir, fmt.Sprintf("%d", id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.releaseSlot()
		return m.putError(id, fmt.Sprintf("failed to prepare execution directory: %v", err))
	}

	proc, err := worker.Spawn(ctx, dir, record, m.log)
	if err != nil {
		m.releaseSlot()
		os.RemoveAll(dir)
		return m.putError(id, fmt.Sprintf("failed to start execution: %v", err))
	}

	t := &tracked{record: record, process: proc, dir: dir}
	m.mu.Lock()
	m.executions[id] = t
	m.mu.Unlock()

	go m.run(ctx, t)
	return nil
}

func (m *Manager) releaseSlot() {
	if m.sem != nil {
		m.sem.Release(1)
	}
}

func (m *Manager) handleAbort(_ context.Context, params []json.RawMessage) error {
	if len(params) != 1 {
		return fmt.Errorf("manager: abort wants 1 param, got %d", len(params))
	}
	var id int64
	if err := json.Unmarshal(params[0], &id); err != nil {
		return fmt.Errorf("manager: abort execution_id: %w", err)
	}

	m.mu.Lock()
	t, ok := m.executions[id]
	if ok {
		t.record.Status = model.StatusAborting
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn("ignored abort for unrecognised execution", zap.Int64("execution_id", id))
		return nil
	}
	t.process.Abort()
	return nil
}

// run drains one execution's notifications until its process exits,
// unconditionally sending notify_terminated at the end — the direct port
// of Execution.run's "while process alive, handle messages; then always
// notify_terminated" shape.
func (m *Manager) run(ctx context.Context, t *tracked) {
	defer func() {
		m.mu.Lock()
		delete(m.executions, t.record.ID)
		m.mu.Unlock()
		_ = os.RemoveAll(t.dir)
		m.releaseSlot()
	}()

	go m.forwardCaptured(t)

	for n := range t.process.Notifications {
		m.dispatch(ctx, t, n)
	}

	_ = t.process.Wait()
	if err := m.conn.Notify("notify_terminated", []any{t.record.ID}); err != nil {
		m.log.Warn("failed to notify terminated", zap.Int64("execution_id", t.record.ID), zap.Error(err))
	}
}

func (m *Manager) forwardCaptured(t *tracked) {
	for line := range t.process.CapturedLines {
		if err := m.logLimiter.Wait(context.Background()); err != nil {
			continue
		}
		level := "info"
		if line.Stream == "stderr" {
			level = "error"
		}
		m.logMessage(t.record.ID, level, line.Text)
	}
}

func (m *Manager) dispatch(ctx context.Context, t *tracked, n worker.Notification) {
	switch n.Kind {
	case "executing":
		m.mu.Lock()
		t.record.Status = model.StatusExecuting
		t.record.LastTouch = time.Now()
		m.mu.Unlock()

	case "checkpoint":
		_ = m.conn.Notify("put_cursor", []any{t.record.ID, n.Checkpoint})

	case "result":
		m.mu.Lock()
		t.record.Status = model.StatusStopping
		m.mu.Unlock()
		_ = m.conn.Notify("put_result", []any{t.record.ID, n.Value})

	case "error":
		m.mu.Lock()
		t.record.Status = model.StatusStopping
		m.mu.Unlock()
		_ = m.putErrorDetailed(t.record.ID, n.ErrorType, n.ErrorMessage, n.Frames)

	case "suspended":
		var executeAfter any
		if n.Delay > 0 {
			executeAfter = time.Now().Add(n.Delay).UnixMilli()
		}
		waitingOn := n.WaitingOn
		if waitingOn == nil {
			waitingOn = []int64{}
		}
		_ = m.conn.Notify("suspend", []any{t.record.ID, executeAfter, waitingOn})

	case "log":
		m.logMessage(t.record.ID, levelName(n.Level), n.Message)

	case "submit":
		go m.handleSubmit(ctx, t, n)

	case "resolve_reference":
		go m.handleResolveReference(ctx, t, n)

	case "persist_asset":
		go m.handlePersistAsset(ctx, t, n)

	case "resolve_asset":
		go m.handleResolveAsset(ctx, t, n)

	default:
		m.log.Warn("unhandled worker notification", zap.String("kind", n.Kind))
	}
}

// putError reports a bare failure with no type/frame detail, for the
// agent's own errors (unknown target, failed to spawn) that have neither.
func (m *Manager) putError(id int64, message string) error {
	return m.putErrorDetailed(id, "", message, nil)
}

// putErrorDetailed is the direct port of
// Execution._handle_message(RecordErrorRequest): a 3-positional put_error
// request, its third slot a metadata dict this project widens to carry the
// error type and captured stack frames when the worker supplied them,
// rather than always sending {}.
func (m *Manager) putErrorDetailed(id int64, errorType, message string, frames [][4]string) error {
	metadata := map[string]any{}
	if errorType != "" {
		metadata["type"] = errorType
	}
	if len(frames) > 0 {
		metadata["frames"] = frames
	}
	return m.conn.Notify("put_error", []any{id, message, metadata})
}

func (m *Manager) logMessage(id int64, level, message string) {
	if err := m.conn.Notify("log_messages", []any{[]any{id, nowMillis(), level, message}}); err != nil {
		m.log.Warn("failed to forward log message", zap.Int64("execution_id", id), zap.Error(err))
	}
}

func levelName(l model.LogLevel) string {
	switch l {
	case model.LogDebug:
		return "debug"
	case model.LogInfo:
		return "info"
	case model.LogWarning:
		return "warning"
	case model.LogError:
		return "error"
	default:
		return "info"
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Provides builds the host-derived provides map advertised at session
// start, combining gopsutil-sampled headroom with whatever static tags
// the operator configured.
func Provides(ctx context.Context, static map[string][]string) map[string][]string {
	snap := metrics.Collect(ctx)
	provides := metrics.Provides(snap)
	for k, vs := range static {
		provides[k] = append(provides[k], vs...)
	}
	return provides
}
