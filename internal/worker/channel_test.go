package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayhq/agent/internal/agenterr"
	"github.com/relayhq/agent/internal/blobstore"
	"github.com/relayhq/agent/internal/model"
	"github.com/relayhq/agent/internal/serialiser"
	"github.com/relayhq/agent/internal/target"
)

// pipedChannel wires a Channel to an in-memory pipe and hands back a
// scanner reading whatever the channel writes, so tests can inspect
// outbound messages without a real subprocess.
func pipedChannel(t *testing.T) (*Channel, *bufio.Scanner) {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() { w.Close(); r.Close() })

	reg := serialiser.New(blobstore.New(zap.NewNop()), 1<<20, serialiser.NewOpaqueCodec())
	ch := NewChannel(json.NewEncoder(w), reg)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return ch, scanner
}

func readMsg(t *testing.T, scanner *bufio.Scanner) message {
	t.Helper()
	require.True(t, scanner.Scan())
	var msg message
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
	return msg
}

func TestChannel_NotifyExecuting(t *testing.T) {
	ch, scanner := pipedChannel(t)
	done := make(chan message, 1)
	go func() { done <- readMsg(t, scanner) }()

	require.NoError(t, ch.NotifyExecuting())
	msg := <-done
	assert.Equal(t, msgExecuting, msg.Type)
}

func TestChannel_RecordResult(t *testing.T) {
	ch, scanner := pipedChannel(t)
	done := make(chan message, 1)
	go func() { done <- readMsg(t, scanner) }()

	require.NoError(t, ch.RecordResult(context.Background(), "hello"))
	msg := <-done
	assert.Equal(t, msgResult, msg.Type)
	assert.Equal(t, model.FormRaw, msg.Value.Form)
}

func TestChannel_RecordError_TruncatesLongMessageAndCarriesFrames(t *testing.T) {
	ch, scanner := pipedChannel(t)
	done := make(chan message, 1)
	go func() { done <- readMsg(t, scanner) }()

	longMsg := ""
	for i := 0; i < 300; i++ {
		longMsg += "x"
	}
	userErr := &agenterr.UserError{
		Type:    "ValueError",
		Message: longMsg,
		Frames:  []agenterr.Frame{{File: "f.go", Line: 10, Func: "doThing", Src: "x()"}},
	}
	require.NoError(t, ch.RecordError(userErr))
	msg := <-done
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "ValueError", msg.ErrorType)
	assert.Len(t, msg.ErrorMessage, 200)
	require.Len(t, msg.Frames, 1)
	assert.Equal(t, [4]string{"f.go", "10", "doThing", "x()"}, msg.Frames[0])
}

func TestChannel_Suspend_MarksSuspended(t *testing.T) {
	ch, scanner := pipedChannel(t)
	done := make(chan message, 1)
	go func() { done <- readMsg(t, scanner) }()

	assert.False(t, ch.Suspended())
	require.NoError(t, ch.Suspend(5*time.Second))
	assert.True(t, ch.Suspended())

	msg := <-done
	assert.Equal(t, msgSuspended, msg.Type)
	assert.Equal(t, int64(5000), msg.DelayMS)
}

func TestChannel_Checkpoint(t *testing.T) {
	ch, scanner := pipedChannel(t)
	done := make(chan message, 1)
	go func() { done <- readMsg(t, scanner) }()

	require.NoError(t, ch.Checkpoint(42))
	msg := <-done
	assert.Equal(t, msgCheckpoint, msg.Type)
}

func TestChannel_Submit_RoundTripsThroughReply(t *testing.T) {
	ch, scanner := pipedChannel(t)

	reqCh := make(chan message, 1)
	go func() { reqCh <- readMsg(t, scanner) }()

	resultCh := make(chan model.ExecutionHandle, 1)
	errCh := make(chan error, 1)
	go func() {
		handle, err := ch.Submit("system", "ping", nil, target.SubmitOptions{})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- handle
	}()

	req := <-reqCh
	assert.Equal(t, msgSubmit, req.Type)
	assert.Equal(t, "system", req.Repository)
	assert.Equal(t, "ping", req.Target)

	ch.Deliver(message{Type: msgReply, ID: req.ID, ExecutionID: 123})

	select {
	case handle := <-resultCh:
		assert.Equal(t, int64(123), handle.ID)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit never resolved")
	}
}

func TestChannel_ResolveAsset_RoundTrips(t *testing.T) {
	ch, scanner := pipedChannel(t)

	reqCh := make(chan message, 1)
	go func() { reqCh <- readMsg(t, scanner) }()

	handle := ch.ResolveAsset(7)

	resultCh := make(chan string, 1)
	go func() {
		path, err := handle.Restore("out")
		require.NoError(t, err)
		resultCh <- path
	}()

	req := <-reqCh
	assert.Equal(t, msgResolveAsset, req.Type)
	assert.Equal(t, int64(7), req.AssetID)

	ch.Deliver(message{Type: msgReply, ID: req.ID, Path: "restored"})
	assert.Equal(t, "restored", <-resultCh)
}

func TestChannel_ResolveAsset_RejectsPathEscapingWorkDir(t *testing.T) {
	ch, scanner := pipedChannel(t)
	go func() { readMsg(t, scanner) }()

	handle := ch.ResolveAsset(7)
	_, err := handle.Restore("../../etc/passwd")
	assert.ErrorIs(t, err, agenterr.ErrPathEscapesExecutionDir)
}

func TestChannel_PersistAsset_RejectsPathEscapingWorkDir(t *testing.T) {
	ch, _ := pipedChannel(t)

	_, err := ch.PersistAsset("../outside.txt", nil)
	assert.ErrorIs(t, err, agenterr.ErrPathEscapesExecutionDir)
}
