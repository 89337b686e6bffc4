package hub

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/pkg/protocol"
)

var (
	// ErrSessionClosed is returned when delivering to a session that is closing
	ErrSessionClosed = errors.New("session closed")
	// ErrSendBufferFull is returned when a session cannot keep up with deliveries
	ErrSendBufferFull = errors.New("session send buffer full")
)

// State is the lifecycle state of a session
type State int32

const (
	StateUnauthenticated State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is the socket side of a session. Only the session's write pump
// calls WriteMessage.
type Transport interface {
	WriteMessage(data []byte, deadline time.Time) error
	WriteClose(code protocol.CloseCode, reason string, deadline time.Time) error
	Close() error
}

// wsTransport adapts a gorilla websocket connection
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteMessage(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WriteClose(code protocol.CloseCode, reason string, deadline time.Time) error {
	return t.conn.WriteControl(websocket.CloseMessage, protocol.FormatClose(code, reason), deadline)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Session is one authenticated principal bound to exactly one transport
type Session struct {
	ID        string
	ConnID    string
	Roles     []string
	Origin    string
	CreatedAt time.Time

	logger       *zap.Logger
	transport    Transport
	writeTimeout time.Duration

	send   chan []byte
	done   chan struct{} // closed when closing starts
	closed chan struct{} // closed once the transport is torn down

	state   atomic.Int32
	lastAck atomic.Int64

	closeOnce   sync.Once
	closeCode   protocol.CloseCode
	closeReason string
}

type sessionOptions struct {
	ID           string
	ConnID       string
	Roles        []string
	Origin       string
	CreatedAt    time.Time
	SendBuffer   int
	WriteTimeout time.Duration
}

func newSession(logger *zap.Logger, t Transport, opts sessionOptions) *Session {
	s := &Session{
		ID:           opts.ID,
		ConnID:       opts.ConnID,
		Roles:        opts.Roles,
		Origin:       opts.Origin,
		CreatedAt:    opts.CreatedAt,
		transport:    t,
		writeTimeout: opts.WriteTimeout,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}
	s.logger = logger.With(zap.String("session", s.ID), zap.String("conn", s.ConnID))
	s.lastAck.Store(opts.CreatedAt.UnixNano())
	go s.writePump()
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// HasAnyRole reports whether the session holds at least one of roles
func (s *Session) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if slices.Contains(s.Roles, r) {
			return true
		}
	}
	return false
}

// LastAck returns the time of the last liveness acknowledgment
func (s *Session) LastAck() time.Time {
	return time.Unix(0, s.lastAck.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastAck.Store(now.UnixNano())
}

// activate moves an unauthenticated session to active. It is called by the
// registry while it holds its lock.
func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateActive))
}

// Deliver queues a frame for the write pump without blocking
func (s *Session) Deliver(frame []byte) error {
	if s.State() != StateActive {
		return ErrSessionClosed
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close starts teardown with the given close code. Only the first call has
// any effect; it reports whether this call initiated the close.
func (s *Session) Close(code protocol.CloseCode, reason string) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closeCode = code
		s.closeReason = reason
		s.state.Store(int32(StateClosing))
		close(s.done)
	})
	return first
}

// Done is closed once the transport has been torn down
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// CloseCode returns the code the session was closed with, zero while open
func (s *Session) CloseCode() protocol.CloseCode {
	select {
	case <-s.done:
		return s.closeCode
	default:
		return 0
	}
}

func (s *Session) writePump() {
	defer func() {
		_ = s.transport.Close()
		s.state.Store(int32(StateClosed))
		close(s.closed)
	}()

	for {
		select {
		case <-s.done:
			if err := s.transport.WriteClose(s.closeCode, s.closeReason, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Debug("failed to write close frame", zap.Error(err))
			}
			return
		case frame := <-s.send:
			if err := s.transport.WriteMessage(frame, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Warn("write failed, closing session", zap.Error(err))
				s.Close(protocol.CloseDeliveryFailed, "")
			}
		}
	}
}
