// Package connection implements C3 — the duplex WebSocket transport to the
// server: connecting with project/environment/session-or-launch query
// parameters, dispatching server-pushed commands to registered handlers,
// correlating requests this side sends with their replies, and
// reconnecting with jittered exponential backoff on any failure, grounded
// on the teacher's connection.Manager (gRPC dial/register/heartbeat/retry
// loop) and the original client's server.Connection (queue discipline,
// close-reason handling).
package connection

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to +/-20% random jitter to each backoff
	// interval to avoid a thundering herd when many agents reconnect at
	// once, mirroring the teacher's connection.Manager constants.
	jitterFraction = 0.2

	writeWait = 10 * time.Second
)

// CommandHandler processes one server-pushed command (spec.md's "execute"
// and "abort"). params holds the raw positional arguments in the order
// the server sent them.
type CommandHandler func(ctx context.Context, params []json.RawMessage) error

// Params configures the query string the agent presents on connect,
// mirroring Agent._params: session id takes priority for a reconnect,
// then launch id, then provides/concurrency for a fresh registration.
type Params struct {
	Project     string
	Environment string
	Provides    map[string][]string
	Concurrency int
	LaunchID    string
}

// Config holds everything needed to reach and authenticate to the server.
type Config struct {
	ServerHost string // host[:port], no scheme
	Params     Params
}

// pendingRequest is a correlated outbound request awaiting its reply.
type pendingRequest struct {
	result chan json.RawMessage
	err    chan string
}

// Connection maintains one logical session against the server across
// however many physical WebSocket connections that takes. Run blocks,
// reconnecting until ctx is cancelled or the server closes with a
// terminal reason (project_not_found, environment_not_found).
type Connection struct {
	cfg      Config
	handlers map[string]CommandHandler
	log      *zap.Logger

	mu        sync.Mutex
	sessionID string
	lastID    int64
	pending   map[int64]*pendingRequest

	queueMu sync.Mutex
	queue   *list.List
	queueCh chan struct{}

	// OnSessionEstablished, if set before Run is called, fires every time
	// the server hands back a session id — on first connect and on every
	// reconnect, whether or not the session id changed. Declaring the
	// manifest is idempotent server-side, so internal/session wires this
	// to redeclare rather than trying to distinguish a fresh registration
	// from a resumed one.
	OnSessionEstablished func(sessionID string)
}

// New constructs a Connection. handlers maps a command name ("execute",
// "abort") to the function that services it.
func New(cfg Config, handlers map[string]CommandHandler, log *zap.Logger) *Connection {
	return &Connection{
		cfg:      cfg,
		handlers: handlers,
		log:      log.Named("connection"),
		pending:  make(map[int64]*pendingRequest),
		queue:    list.New(),
		queueCh:  make(chan struct{}, 1),
	}
}

// SessionID returns the session id from the most recent handshake, or ""
// before the first successful connect or after Reset.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Reset clears session state after the server reports session_invalid, so
// the next Run iteration registers fresh rather than presenting a dead
// session id (mirrors Agent.run's session_invalid branch). Pending requests
// fail and queued outbound messages are dropped.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.lastID = 0
	for _, p := range c.pending {
		p.err <- "connection reset"
	}
	c.pending = make(map[int64]*pendingRequest)

	c.queueMu.Lock()
	c.queue.Init()
	c.queueMu.Unlock()
}

// TerminalCloseError is returned by Run when the server closes the socket
// with a reason that should not be retried.
type TerminalCloseError struct {
	Reason string
}

func (e *TerminalCloseError) Error() string {
	return fmt.Sprintf("connection: terminal close: %s", e.Reason)
}

// Run connects and services the session until ctx is cancelled, retrying
// on any non-terminal disconnect with jittered exponential backoff. It
// returns nil on clean shutdown (ctx cancelled) or a *TerminalCloseError
// if the server rejected the session outright.
func (c *Connection) Run(ctx context.Context) error {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runOnce(ctx)
		if err == nil {
			backoff = backoffInitial
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		var terminal *TerminalCloseError
		if asTerminal(err, &terminal) {
			if terminal.Reason == "session_invalid" {
				c.log.Info("session expired, resetting and reconnecting")
				c.Reset()
				backoff = backoffInitial
				continue
			}
			c.log.Error("session rejected by server", zap.String("reason", terminal.Reason))
			return terminal
		}

		c.log.Warn("disconnected, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

func asTerminal(err error, target **TerminalCloseError) bool {
	if t, ok := err.(*TerminalCloseError); ok {
		*target = t
		return true
	}
	return false
}

// runOnce opens a single WebSocket connection and services it until it
// closes, returning the reason. A *TerminalCloseError distinguishes a
// server-initiated rejection from a plain network failure.
func (c *Connection) runOnce(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return fmt.Errorf("connection: build url: %w", err)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connection: dial: %w", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	c.log.Info("connected", zap.String("server", c.cfg.ServerHost))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.receiveLoop(runCtx, conn) }()
	go func() { errCh <- c.sendLoop(runCtx, conn) }()

	err = <-errCh
	cancel()
	<-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Connection) dialURL() (string, error) {
	u := url.URL{Scheme: "ws", Host: c.cfg.ServerHost, Path: "/agent"}
	q := u.Query()
	q.Set("project", c.cfg.Params.Project)
	q.Set("environment", c.cfg.Params.Environment)

	if sid := c.SessionID(); sid != "" {
		q.Set("session", sid)
	} else if c.cfg.Params.LaunchID != "" {
		q.Set("launch", c.cfg.Params.LaunchID)
	} else {
		if len(c.cfg.Params.Provides) > 0 {
			q.Set("provides", encodeTags(c.cfg.Params.Provides))
		}
		if c.cfg.Params.Concurrency > 0 {
			q.Set("concurrency", fmt.Sprintf("%d", c.cfg.Params.Concurrency))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encodeTags(provides map[string][]string) string {
	out := ""
	for k, vs := range provides {
		for _, v := range vs {
			if out != "" {
				out += ";"
			}
			out += k + ":" + v
		}
	}
	return out
}

// receiveLoop reads frames until the connection closes, dispatching
// command frames to handlers and replies to their waiting caller.
func (c *Connection) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok && ce.Text != "" {
				return &TerminalCloseError{Reason: ce.Text}
			}
			return fmt.Errorf("connection: read: %w", err)
		}

		frame, err := decodeFrame(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch f := frame.(type) {
		case sessionFrame:
			c.mu.Lock()
			c.sessionID = f.SessionID
			c.mu.Unlock()
			c.log.Info("session established", zap.String("session_id", f.SessionID))
			if c.OnSessionEstablished != nil {
				c.OnSessionEstablished(f.SessionID)
			}

		case commandFrame:
			handler, ok := c.handlers[f.Command]
			if !ok {
				c.log.Warn("no handler for command", zap.String("command", f.Command))
				continue
			}
			go func() {
				if err := handler(ctx, f.Params); err != nil {
					c.log.Error("command handler failed", zap.String("command", f.Command), zap.Error(err))
				}
			}()

		case replyFrame:
			c.mu.Lock()
			p, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if !ok {
				continue
			}
			if f.IsError {
				var msg string
				_ = json.Unmarshal(f.Error, &msg)
				p.err <- msg
			} else {
				p.result <- f.Result
			}
		}
	}
}

// sendLoop drains the outbound queue onto the wire, putting the head item
// back on a write failure before returning — mirroring the original
// client's _send: "except Exception: self._queue.appendleft(data); raise"
// — so a reconnect resumes the queue from the same message rather than
// losing it.
func (c *Connection) sendLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.queueCh:
		}

		for {
			msg, ok := c.peekQueue()
			if !ok {
				break
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("connection: set write deadline: %w", err)
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("connection: write: %w", err)
			}
			c.popQueue()
		}
	}
}

func (c *Connection) peekQueue() ([]byte, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	front := c.queue.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.([]byte), true
}

func (c *Connection) popQueue() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if front := c.queue.Front(); front != nil {
		c.queue.Remove(front)
	}
}

func (c *Connection) enqueue(data []byte) {
	c.queueMu.Lock()
	c.queue.PushBack(data)
	c.queueMu.Unlock()
	select {
	case c.queueCh <- struct{}{}:
	default:
	}
}

func (c *Connection) nextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID++
	return c.lastID
}

// Notify sends a fire-and-forget message with no id, expecting no reply —
// used for log_message and similar notifications.
func (c *Connection) Notify(request string, params any) error {
	return c.send(request, params, nil)
}

// Request sends a correlated message and blocks until its reply arrives or
// ctx is cancelled, returning the raw JSON result or an error built from
// the server's error string.
func (c *Connection) Request(ctx context.Context, request string, params any) (json.RawMessage, error) {
	id := c.nextID()
	p := &pendingRequest{result: make(chan json.RawMessage, 1), err: make(chan string, 1)}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.send(request, params, &id); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case result := <-p.result:
		return result, nil
	case msg := <-p.err:
		return nil, fmt.Errorf("connection: server error for %s: %s", request, msg)
	}
}

func (c *Connection) send(request string, params any, id *int64) error {
	var encodedParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("connection: encode params for %s: %w", request, err)
		}
		encodedParams = data
	}
	msg := outboundMessage{Request: request, Params: encodedParams, ID: id}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("connection: encode message %s: %w", request, err)
	}
	c.enqueue(data)
	return nil
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random +/-jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
