// Package client is the consumer side of the hub: one outbound connection
// with handshake, reconnect with backoff, an outbound queue while the
// connection is not ready, correlated calls and typed subscriptions.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/amoylab/clinicpush/pkg/protocol"
)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger, zap.NewNop() by default
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger.Named("client") }
}

// WithDialer replaces websocket.DefaultDialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeader adds headers to the upgrade request
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// outbound is a message accepted by Call or Send. sent receives exactly one
// value: nil once written, or the reason it never will be.
type outbound struct {
	msgType     string
	data        json.RawMessage
	expectReply bool
	pending     *PendingCall
	sent        chan error
}

// Client owns one connection to the hub
type Client struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer
	header http.Header

	ctx    context.Context
	cancel context.CancelFunc

	connectGroup singleflight.Group
	correlator   *Correlator
	subs         *subscribers
	watchers     *watchers

	state atomic.Int32

	mu        sync.Mutex
	conn      *websocket.Conn
	queue     []*outbound
	backoff   *backoff.ExponentialBackOff
	failures  int
	reconnect *time.Timer
	failure   error
	closed    bool

	// writeMu serializes frames on conn; taken after mu when both are held
	writeMu sync.Mutex
}

// New creates an idle client. Nothing is dialed until Connect, Call or Send.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.BackoffMultiplier
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		logger:     zap.NewNop(),
		dialer:     websocket.DefaultDialer,
		ctx:        ctx,
		cancel:     cancel,
		correlator: NewCorrelator(cfg.CallTimeout),
		backoff:    b,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.subs = newSubscribers(c.logger)
	c.watchers = newWatchers()
	return c, nil
}

// State returns the current transport state
func (c *Client) State() State {
	return State(c.state.Load())
}

// WatchState calls fn on every state change until the returned function is called
func (c *Client) WatchState(fn func(State)) func() {
	return c.watchers.watchState(fn)
}

// OnFailure calls fn when the client gives up: a terminal close code, an
// exhausted retry budget or a failed explicit connect that will not be retried.
func (c *Client) OnFailure(fn func(error)) func() {
	return c.watchers.onFailure(fn)
}

// Subscribe calls fn for every notification of msgType until the returned
// function is called. Subscriptions survive reconnects.
func (c *Client) Subscribe(msgType string, fn Handler) func() {
	return c.subs.subscribe(msgType, fn)
}

// SubscribeJSON is Subscribe with the data decoded into T. Notifications that
// do not decode are logged and dropped.
func SubscribeJSON[T any](c *Client, msgType string, fn func(T)) func() {
	return c.Subscribe(msgType, func(data json.RawMessage) {
		var v T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				c.logger.Warn("failed to decode notification", zap.String("type", msgType), zap.Error(err))
				return
			}
		}
		fn(v)
	})
}

// Err returns the terminal failure that left the client idle, if any
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Connect brings the transport to ready. Concurrent callers share one
// attempt. A failed attempt schedules reconnection unless it was terminal.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == StateReady {
		return nil
	}
	ch := c.connectGroup.DoChan("connect", func() (any, error) {
		return nil, c.connect()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.State() == StateReady {
		c.mu.Unlock()
		return nil
	}
	if c.State() == StateIdle {
		// fresh start after a failure or before the first connect
		c.failure = nil
		c.failures = 0
		c.backoff.Reset()
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dial()
	if err != nil {
		return c.connectFailed(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.failures = 0
	c.backoff.Reset()
	c.setStateLocked(StateReady)
	queued := len(c.queue)
	c.drainLocked(conn)
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.cfg.URL), zap.Int("drained", queued))
	go c.readLoop(conn)
	return nil
}

// dial opens the transport and performs the handshake
func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.setState(StateHandshaking)

	deadline, _ := ctx.Deadline()
	auth, err := protocol.Encode(protocol.Envelope{Type: protocol.TypeAuth, Token: c.cfg.Token})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		if code, text, ok := closeCode(err); ok && code.Terminal() {
			return nil, &TerminalError{Code: code, Reason: text}
		}
		return nil, fmt.Errorf("await handshake reply: %w", err)
	}
	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypeAuthSuccess {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshake, string(data))
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	return conn, nil
}

func (c *Client) connectFailed(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	var te *TerminalError
	if errors.As(err, &te) {
		c.failLocked(te)
		return te
	}
	c.logger.Warn("connect attempt failed", zap.Int("failures", c.failures+1), zap.Error(err))
	c.setStateLocked(StateDegraded)
	c.scheduleReconnectLocked(err)
	return err
}

// scheduleReconnectLocked arms the reconnect timer, or gives up once the
// retry budget is spent.
func (c *Client) scheduleReconnectLocked(cause error) {
	c.failures++
	if c.failures > c.cfg.MaxReconnectAttempts {
		c.failLocked(fmt.Errorf("%w after %d attempts: %v", ErrRetryBudgetExhausted, c.cfg.MaxReconnectAttempts, cause))
		return
	}
	delay := c.backoff.NextBackOff()
	c.logger.Debug("reconnect scheduled", zap.Int("attempt", c.failures), zap.Duration("delay", delay))
	c.reconnect = time.AfterFunc(delay, func() {
		if err := c.Connect(c.ctx); err != nil {
			c.logger.Debug("reconnect attempt failed", zap.Error(err))
		}
	})
}

// failLocked leaves the client idle and rejects everything still queued
func (c *Client) failLocked(err error) {
	c.failure = err
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.rejectQueueLocked(err)
	c.setStateLocked(StateIdle)
	c.watchers.emit(event{failure: err})
	c.logger.Warn("connection lost", zap.Error(err))
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(conn, env)
	}
}

func (c *Client) dispatch(conn *websocket.Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		c.writeMu.Lock()
		err := c.writeEnvelope(conn, protocol.Envelope{ID: env.ID, Type: protocol.TypePong})
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("failed to answer liveness probe", zap.Error(err))
		}
		return
	case protocol.TypeAuthSuccess:
		return
	}

	if c.correlator.Resolve(env) {
		return
	}
	if n := c.subs.publish(env.Type, env.Data); n == 0 {
		c.logger.Debug("no subscriber for notification", zap.String("type", env.Type))
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	code, text, _ := closeCode(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}
	c.conn = nil
	_ = conn.Close()
	if n := c.correlator.RejectAll(fmt.Errorf("%w: %v", ErrDisconnected, err)); n > 0 {
		c.logger.Info("rejected pending calls", zap.Int("count", n))
	}
	if c.closed {
		return
	}

	switch {
	case code.Terminal():
		c.failLocked(&TerminalError{Code: code, Reason: text})
	case code == protocol.CloseNormal:
		c.logger.Info("hub closed the connection")
		c.rejectQueueLocked(ErrDisconnected)
		c.setStateLocked(StateIdle)
	default:
		c.logger.Warn("connection dropped, reconnecting", zap.Int("code", int(code)), zap.Error(err))
		c.setStateLocked(StateDegraded)
		c.scheduleReconnectLocked(err)
	}
}

// Call sends msgType and waits for the correlated reply. While the transport
// is not ready the call is queued and its timeout starts once it is sent.
func (c *Client) Call(ctx context.Context, msgType string, data any) (json.RawMessage, error) {
	e, err := c.submit(msgType, data, true)
	if err != nil {
		return nil, err
	}
	if err := c.awaitSent(ctx, e); err != nil {
		return nil, err
	}
	return e.pending.Wait(ctx)
}

// CallJSON is Call with the reply decoded into T
func CallJSON[T any](ctx context.Context, c *Client, msgType string, data any) (T, error) {
	var v T
	raw, err := c.Call(ctx, msgType, data)
	if err != nil {
		return v, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, fmt.Errorf("decode %s reply: %w", msgType, err)
		}
	}
	return v, nil
}

// Send writes a notification without waiting for a reply. It returns once
// the frame is written, queueing it while the transport is not ready.
func (c *Client) Send(ctx context.Context, msgType string, data any) error {
	e, err := c.submit(msgType, data, false)
	if err != nil {
		return err
	}
	return c.awaitSent(ctx, e)
}

func (c *Client) submit(msgType string, data any, expectReply bool) (*outbound, error) {
	raw, err := protocol.MarshalData(data)
	if err != nil {
		return nil, err
	}
	e := &outbound{
		msgType:     msgType,
		data:        raw,
		expectReply: expectReply,
		sent:        make(chan error, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.State() == StateReady && c.conn != nil {
		c.writeMu.Lock()
		c.sendLocked(c.conn, e)
		c.writeMu.Unlock()
		c.mu.Unlock()
		return e, nil
	}
	if c.State() == StateIdle && c.failure != nil {
		err := c.failure
		c.mu.Unlock()
		return nil, err
	}
	if len(c.queue) >= c.cfg.MaxQueue {
		c.mu.Unlock()
		return nil, ErrQueueFull
	}
	c.queue = append(c.queue, e)
	idle := c.State() == StateIdle
	c.mu.Unlock()

	if idle {
		go func() { _ = c.Connect(c.ctx) }()
	}
	return e, nil
}

func (c *Client) awaitSent(ctx context.Context, e *outbound) error {
	select {
	case err := <-e.sent:
		return err
	case <-ctx.Done():
		if c.dequeue(e) {
			return ctx.Err()
		}
		// already being written, settle whatever it became
		if err := <-e.sent; err == nil && e.pending != nil {
			c.correlator.Cancel(e.pending.ID, ctx.Err())
		}
		return ctx.Err()
	}
}

func (c *Client) dequeue(e *outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.queue {
		if q == e {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// drainLocked writes queued entries in submission order. Entries after a
// failed write stay queued for the next connection.
func (c *Client) drainLocked(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for len(c.queue) > 0 {
		e := c.queue[0]
		c.queue = c.queue[1:]
		if err := c.sendLocked(conn, e); err != nil {
			return
		}
	}
	c.queue = nil
}

// sendLocked writes e on conn. Callers hold writeMu.
func (c *Client) sendLocked(conn *websocket.Conn, e *outbound) error {
	env := protocol.Envelope{Type: e.msgType, Data: e.data}
	if e.expectReply {
		e.pending = c.correlator.Register()
		env.ID = e.pending.ID
	}
	if err := c.writeEnvelope(conn, env); err != nil {
		err = fmt.Errorf("%w: %v", ErrDisconnected, err)
		if e.pending != nil {
			c.correlator.Cancel(e.pending.ID, err)
		}
		e.sent <- err
		return err
	}
	e.sent <- nil
	return nil
}

func (c *Client) writeEnvelope(conn *websocket.Conn, env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) rejectQueueLocked(err error) {
	for _, e := range c.queue {
		e.sent <- err
	}
	c.queue = nil
}

// Close tears the transport down, stops reconnecting and rejects queued
// and pending messages with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.rejectQueueLocked(ErrClosed)
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.cancel()
	c.correlator.RejectAll(ErrClosed)
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, protocol.FormatClose(protocol.CloseNormal, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.watchers.stop()
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.setStateLocked(s)
	}
}

func (c *Client) setStateLocked(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug("state changed", zap.Stringer("state", s))
	c.watchers.emit(event{state: s})
}

// closeCode extracts the close status of a read error
func closeCode(err error) (protocol.CloseCode, string, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return protocol.CloseCode(ce.Code), ce.Text, true
	}
	return 0, "", false
}
