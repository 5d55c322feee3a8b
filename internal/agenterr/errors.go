// Package agenterr defines the typed error taxonomy shared across the
// agent's components. Each error wraps a sentinel so callers can classify
// failures with errors.Is/errors.As without string matching, following the
// same scoped-sentinel pattern the teacher uses for
// docker.ErrDockerUnavailable and hooks.ErrHookFailed.
package agenterr

import "errors"

// Sentinels for the error taxonomy in spec.md §7.
var (
	// ErrUnavailable is joined with ErrAbandoned or ErrCancelled in the
	// error ExecutionHandle.Result returns for those outcomes, so a caller
	// that doesn't care about the distinction can check one sentinel. The
	// three sentinels are themselves distinct values.
	ErrUnavailable = errors.New("agent: result unavailable")

	// ErrAbandoned is returned by ExecutionHandle.Result when the
	// referenced execution was abandoned by the server.
	ErrAbandoned = errors.New("agent: execution abandoned")

	// ErrCancelled is returned by ExecutionHandle.Result when the
	// referenced execution was cancelled.
	ErrCancelled = errors.New("agent: execution cancelled")

	// ErrSuspendTimeout names a suspense deadline miss. No code path in
	// the agent returns it: Channel.Suspense handles a missed deadline by
	// sending the Suspend notification directly.
	ErrSuspendTimeout = errors.New("agent: suspense deadline exceeded")

	// ErrSessionInvalid indicates the server rejected the current session;
	// the connection must drop its queue and reconnect fresh.
	ErrSessionInvalid = errors.New("agent: session invalid")

	// ErrProjectNotFound and ErrEnvironmentNotFound are fatal configuration
	// errors: the agent should exit non-zero rather than retry.
	ErrProjectNotFound     = errors.New("agent: project not found")
	ErrEnvironmentNotFound = errors.New("agent: environment not found")

	// ErrTargetUnknown is returned when an execute command names a target
	// the agent did not register.
	ErrTargetUnknown = errors.New("agent: unknown target")

	// ErrAlreadyExecuting is returned when the server assigns an execution
	// id that is already running.
	ErrAlreadyExecuting = errors.New("agent: execution already running")

	// ErrCodecRejected indicates no registered serialiser codec accepted a
	// value during argument or result serialisation.
	ErrCodecRejected = errors.New("agent: no codec accepted value")

	// ErrPathEscapesExecutionDir is returned by asset persist/restore when
	// the resolved path is outside the execution's working directory.
	ErrPathEscapesExecutionDir = errors.New("agent: path escapes execution directory")

	// ErrBlobMiss indicates every configured blob store backend missed.
	ErrBlobMiss = errors.New("agent: blob not found in any backend")
)

// UserError wraps an error raised by target code, captured with its type
// name, message, and (when available) stack frames, for the put_error
// request in spec.md §4.5.
type UserError struct {
	Type    string
	Message string
	Frames  []Frame
}

// Frame is one entry of a captured stack trace: [file, line, func, source?].
type Frame struct {
	File string
	Line int
	Func string
	Src  string
}

func (e *UserError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// ArgumentError wraps a UserError raised while materialising an argument,
// before the target function is invoked (spec.md §7: "the target is not
// invoked").
type ArgumentError struct {
	*UserError
}

// TransportError wraps a failure in the duplex connection (socket closed,
// malformed frame). Pending requests are cancelled when this occurs.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError indicates the server sent a command the agent does not
// recognise. It is logged and dropped; the connection stays up.
type ProtocolError struct {
	Command string
}

func (e *ProtocolError) Error() string {
	return "protocol: unrecognised command " + e.Command
}
