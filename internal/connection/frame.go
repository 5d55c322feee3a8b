package connection

import (
	"encoding/json"
	"fmt"
)

// Frame tags identify the first element of every array frame on the wire
// (spec.md §6, grounded on the original client's Connection._receive):
// 0 announces the session id just after the handshake, 1 carries a
// server-pushed command, 2 carries the reply to a request this side sent
// earlier — result or error, discriminated by which key is present.
const (
	frameSession = 0
	frameCommand = 1
	frameReply   = 2
)

// sessionFrame is frame tag 0: [0, session_id].
type sessionFrame struct {
	SessionID string
}

// commandFrame is frame tag 1: [1, {command, params}].
type commandFrame struct {
	Command string
	Params  []json.RawMessage
}

// replyFrame is frame tag 2: [2, {id, result}] or [2, {id, error}].
type replyFrame struct {
	ID      int64
	Result  json.RawMessage
	Error   json.RawMessage
	IsError bool
}

// outboundMessage is the single shape this side ever sends, matching
// Connection._enqueue: {request, params?, id?}. id is present only for a
// correlated request; params is omitted when empty.
type outboundMessage struct {
	Request string          `json:"request"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

// decodeFrame inspects the leading tag of a raw array frame and decodes
// the rest into the matching typed frame.
func decodeFrame(raw []byte) (any, error) {
	var tagged []json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("connection: malformed frame: %w", err)
	}
	if len(tagged) == 0 {
		return nil, fmt.Errorf("connection: empty frame")
	}

	var tag int
	if err := json.Unmarshal(tagged[0], &tag); err != nil {
		return nil, fmt.Errorf("connection: frame tag: %w", err)
	}

	switch tag {
	case frameSession:
		if len(tagged) != 2 {
			return nil, fmt.Errorf("connection: session frame wants 2 elements, got %d", len(tagged))
		}
		var sessionID string
		if err := json.Unmarshal(tagged[1], &sessionID); err != nil {
			return nil, fmt.Errorf("connection: session frame: %w", err)
		}
		return sessionFrame{SessionID: sessionID}, nil

	case frameCommand:
		if len(tagged) != 2 {
			return nil, fmt.Errorf("connection: command frame wants 2 elements, got %d", len(tagged))
		}
		var cmd struct {
			Command string            `json:"command"`
			Params  []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(tagged[1], &cmd); err != nil {
			return nil, fmt.Errorf("connection: command frame: %w", err)
		}
		return commandFrame{Command: cmd.Command, Params: cmd.Params}, nil

	case frameReply:
		if len(tagged) != 2 {
			return nil, fmt.Errorf("connection: reply frame wants 2 elements, got %d", len(tagged))
		}
		var reply struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(tagged[1], &reply); err != nil {
			return nil, fmt.Errorf("connection: reply frame: %w", err)
		}
		return replyFrame{
			ID:      reply.ID,
			Result:  reply.Result,
			Error:   reply.Error,
			IsError: reply.Error != nil,
		}, nil

	default:
		return nil, fmt.Errorf("connection: unrecognised frame tag %d", tag)
	}
}
