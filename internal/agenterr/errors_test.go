package agenterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserError_ErrorIncludesTypeAndMessage(t *testing.T) {
	err := &UserError{Type: "ValueError", Message: "bad input"}
	assert.Equal(t, "ValueError: bad input", err.Error())
}

func TestUserError_ErrorOmitsTypeWhenEmpty(t *testing.T) {
	err := &UserError{Message: "bad input"}
	assert.Equal(t, "bad input", err.Error())
}

func TestArgumentError_WrapsUserError(t *testing.T) {
	inner := &UserError{Type: "TypeError", Message: "wrong shape"}
	err := &ArgumentError{UserError: inner}
	assert.Equal(t, "TypeError: wrong shape", err.Error())
	assert.Same(t, inner, err.UserError)
}

func TestTransportError_UnwrapsToCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := &TransportError{Op: "read", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "transport: read: socket closed", err.Error())
}

func TestProtocolError_ReportsUnrecognisedCommand(t *testing.T) {
	err := &ProtocolError{Command: "frobnicate"}
	assert.Equal(t, "protocol: unrecognised command frobnicate", err.Error())
}

func TestSentinels_WrappedErrorsMatchWithErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("execution 4: %w", ErrAbandoned)
	assert.ErrorIs(t, wrapped, ErrAbandoned)
	assert.NotErrorIs(t, wrapped, ErrCancelled)
}

func TestSentinels_AreDistinctValues(t *testing.T) {
	sentinels := []error{
		ErrUnavailable, ErrAbandoned, ErrCancelled, ErrSuspendTimeout,
		ErrSessionInvalid, ErrProjectNotFound, ErrEnvironmentNotFound,
		ErrTargetUnknown, ErrAlreadyExecuting, ErrCodecRejected,
		ErrPathEscapesExecutionDir, ErrBlobMiss,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.NotErrorIs(t, a, b)
		}
	}
}
