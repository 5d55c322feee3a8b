package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Session(t *testing.T) {
	frame, err := decodeFrame([]byte(`[0, "sess-123"]`))
	require.NoError(t, err)
	assert.Equal(t, sessionFrame{SessionID: "sess-123"}, frame)
}

func TestDecodeFrame_Command(t *testing.T) {
	frame, err := decodeFrame([]byte(`[1, {"command":"execute","params":[1,2]}]`))
	require.NoError(t, err)
	cmd, ok := frame.(commandFrame)
	require.True(t, ok)
	assert.Equal(t, "execute", cmd.Command)
	assert.Len(t, cmd.Params, 2)
}

func TestDecodeFrame_ReplyResult(t *testing.T) {
	frame, err := decodeFrame([]byte(`[2, {"id":7,"result":42}]`))
	require.NoError(t, err)
	reply, ok := frame.(replyFrame)
	require.True(t, ok)
	assert.Equal(t, int64(7), reply.ID)
	assert.False(t, reply.IsError)
	assert.Equal(t, "42", string(reply.Result))
}

func TestDecodeFrame_ReplyError(t *testing.T) {
	frame, err := decodeFrame([]byte(`[2, {"id":7,"error":"boom"}]`))
	require.NoError(t, err)
	reply, ok := frame.(replyFrame)
	require.True(t, ok)
	assert.True(t, reply.IsError)
}

func TestDecodeFrame_UnknownTag(t *testing.T) {
	_, err := decodeFrame([]byte(`[9, {}]`))
	assert.Error(t, err)
}

func TestDecodeFrame_Empty(t *testing.T) {
	_, err := decodeFrame([]byte(`[]`))
	assert.Error(t, err)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, err := decodeFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestNextBackoff_CapsAtMax(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, backoffMax, d)
}

func TestEncodeTags(t *testing.T) {
	tags := encodeTags(map[string][]string{"gpu": {"a100"}})
	assert.Equal(t, "gpu:a100", tags)
}
