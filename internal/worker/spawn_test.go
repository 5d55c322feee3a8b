package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/agent/internal/model"
)

func testProcess(t *testing.T) (*Process, *bufio.Scanner) {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() { w.Close(); r.Close() })

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Process{protoOut: json.NewEncoder(w)}, scanner
}

func TestProcess_ReplyError(t *testing.T) {
	p, scanner := testProcess(t)
	done := make(chan message, 1)
	go func() {
		require.True(t, scanner.Scan())
		var msg message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		done <- msg
	}()

	require.NoError(t, p.ReplyError(3, "target unknown"))
	msg := <-done
	assert.Equal(t, msgReply, msg.Type)
	assert.Equal(t, int64(3), msg.ID)
	assert.True(t, msg.ReplyIsErr)
	assert.Equal(t, "target unknown", msg.ReplyError)
}

func TestProcess_ReplySubmit(t *testing.T) {
	p, scanner := testProcess(t)
	done := make(chan message, 1)
	go func() {
		require.True(t, scanner.Scan())
		var msg message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		done <- msg
	}()

	require.NoError(t, p.ReplySubmit(5, 99))
	msg := <-done
	assert.Equal(t, int64(99), msg.ExecutionID)
	assert.False(t, msg.ReplyIsErr)
}

func TestProcess_ReplyResolveReference(t *testing.T) {
	p, scanner := testProcess(t)
	done := make(chan message, 1)
	go func() {
		require.True(t, scanner.Scan())
		var msg message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		done <- msg
	}()

	result := model.Result{Kind: model.ResultValue, Value: model.Value{Form: model.FormRaw, Data: "resolved"}}
	require.NoError(t, p.ReplyResolveReference(6, result))
	msg := <-done
	assert.Equal(t, model.ResultValue, msg.Result.Kind)
	assert.Equal(t, "resolved", msg.Result.Value.Data)
}

func TestDecodeNotification_PreservesAllFields(t *testing.T) {
	msg := message{
		Type:         msgError,
		ErrorType:    "ValueError",
		ErrorMessage: "bad",
		Frames:       [][4]string{{"f.go", "1", "fn", "src"}},
		ID:           4,
	}
	n := decodeNotification(msg)
	assert.Equal(t, "error", n.Kind)
	assert.Equal(t, "ValueError", n.ErrorType)
	assert.Equal(t, int64(4), n.RequestID)
	require.Len(t, n.Frames, 1)
	assert.Equal(t, [4]string{"f.go", "1", "fn", "src"}, n.Frames[0])
}
