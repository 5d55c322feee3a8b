package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/agent/internal/agenterr"
	"github.com/relayhq/agent/internal/target"
)

type fakeContext struct{ target.Context }

func TestInvoke_ReturnsValueOnSuccess(t *testing.T) {
	fn := func(ctx target.Context, args []any) (any, error) { return "ok", nil }
	result, userErr := invoke(fn, fakeContext{}, nil)
	assert.Nil(t, userErr)
	assert.Equal(t, "ok", result)
}

type namedError struct{ msg string }

func (e *namedError) Error() string { return e.msg }

func TestInvoke_WrapsReturnedErrorAsUserError(t *testing.T) {
	fn := func(ctx target.Context, args []any) (any, error) { return nil, &namedError{msg: "boom"} }
	result, userErr := invoke(fn, fakeContext{}, nil)
	require.NotNil(t, userErr)
	assert.Nil(t, result)
	assert.Equal(t, "namedError", userErr.Type)
	assert.Equal(t, "boom", userErr.Message)
}

func TestInvoke_RecoversPanicAsUserError(t *testing.T) {
	fn := func(ctx target.Context, args []any) (any, error) { panic("everything is fine") }
	result, userErr := invoke(fn, fakeContext{}, nil)
	require.NotNil(t, userErr)
	assert.Nil(t, result)
	assert.Equal(t, "everything is fine", userErr.Message)
	assert.NotEmpty(t, userErr.Frames)
}

func TestInvoke_RecoversPanicWithErrorValue(t *testing.T) {
	fn := func(ctx target.Context, args []any) (any, error) { panic(&namedError{msg: "panicked"}) }
	_, userErr := invoke(fn, fakeContext{}, nil)
	require.NotNil(t, userErr)
	assert.Equal(t, "namedError", userErr.Type)
	assert.Equal(t, "panicked", userErr.Message)
}

func TestErrorType_StripsPackagePath(t *testing.T) {
	assert.Equal(t, "namedError", errorType(&namedError{msg: "x"}))
	assert.Contains(t, errorType(errors.New("x")), "errorString")
}

func TestCaptureFrames_ReturnsNonEmpty(t *testing.T) {
	var frames []agenterr.Frame
	func() { frames = captureFrames() }()
	assert.NotEmpty(t, frames)
}
