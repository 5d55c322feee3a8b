package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeServer is a minimal stand-in for the real agent endpoint: it upgrades
// one connection, immediately announces a session, and lets the test drive
// further frames in either direction.
type fakeServer struct {
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
	srv      *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{connCh: make(chan *websocket.Conn, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/agent", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.connCh <- conn
	})
	fs.srv = httptest.NewServer(mux)
	return fs
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.connCh:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for agent to connect")
		return nil
	}
}

func (fs *fakeServer) wsHost() string {
	return strings.TrimPrefix(fs.srv.URL, "http://")
}

func (fs *fakeServer) close() { fs.srv.Close() }

func TestConnection_EstablishesSessionAndFiresHook(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	conn := New(Config{ServerHost: fs.wsHost(), Params: Params{Project: "proj", Environment: "env"}}, map[string]CommandHandler{}, zap.NewNop())

	established := make(chan string, 1)
	conn.OnSessionEstablished = func(sessionID string) { established <- sessionID }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	serverConn := fs.accept(t)
	require.NoError(t, serverConn.WriteJSON([]any{0, "sess-abc"}))

	select {
	case sid := <-established:
		assert.Equal(t, "sess-abc", sid)
	case <-time.After(3 * time.Second):
		t.Fatal("OnSessionEstablished never fired")
	}
	assert.Equal(t, "sess-abc", conn.SessionID())

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after ctx cancel")
	}
}

func TestConnection_DispatchesCommandToHandler(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	called := make(chan []json.RawMessage, 1)
	handlers := map[string]CommandHandler{
		"execute": func(ctx context.Context, params []json.RawMessage) error {
			called <- params
			return nil
		},
	}
	conn := New(Config{ServerHost: fs.wsHost(), Params: Params{Project: "p", Environment: "e"}}, handlers, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	serverConn := fs.accept(t)
	require.NoError(t, serverConn.WriteJSON([]any{0, "sess-1"}))
	require.NoError(t, serverConn.WriteJSON([]any{1, map[string]any{"command": "execute", "params": []any{1, "x"}}}))

	select {
	case params := <-called:
		require.Len(t, params, 2)
	case <-time.After(3 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestConnection_RequestCorrelatesWithReply(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	conn := New(Config{ServerHost: fs.wsHost(), Params: Params{Project: "p", Environment: "e"}}, map[string]CommandHandler{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	serverConn := fs.accept(t)
	require.NoError(t, serverConn.WriteJSON([]any{0, "sess-1"}))

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := conn.Request(ctx, "get_result", map[string]any{"id": 1})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	// read the outbound request frame and reply to it with a matching id
	_, raw, err := serverConn.ReadMessage()
	require.NoError(t, err)
	var outbound struct {
		Request string `json:"request"`
		ID      int64  `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &outbound))
	assert.Equal(t, "get_result", outbound.Request)

	require.NoError(t, serverConn.WriteJSON([]any{2, map[string]any{"id": outbound.ID, "result": "ok"}}))

	select {
	case result := <-resultCh:
		assert.Equal(t, `"ok"`, string(result))
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("Request never resolved")
	}
}

func TestConnection_TerminalCloseStopsRetrying(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	conn := New(Config{ServerHost: fs.wsHost(), Params: Params{Project: "p", Environment: "e"}}, map[string]CommandHandler{}, zap.NewNop())

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(context.Background()) }()

	serverConn := fs.accept(t)
	require.NoError(t, serverConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "project_not_found"), time.Now().Add(time.Second)))

	select {
	case err := <-runErr:
		require.Error(t, err)
		var terminal *TerminalCloseError
		require.ErrorAs(t, err, &terminal)
		assert.Equal(t, "project_not_found", terminal.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return a terminal error")
	}
}
