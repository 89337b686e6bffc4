package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/internal/admission"
	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/amoylab/clinicpush/pkg/metrics"
	"github.com/amoylab/clinicpush/pkg/protocol"
	"github.com/amoylab/clinicpush/pkg/trace"
	"github.com/amoylab/clinicpush/pkg/utils"
)

var tracer = trace.Tracer("github.com/amoylab/clinicpush/internal/hub")

// HandlerFunc answers a client call of one message type. The returned value
// becomes the data of the reply.
type HandlerFunc func(ctx context.Context, s *Session, data json.RawMessage) (any, error)

// Hub owns the connection registry and everything that mutates it
type Hub struct {
	*Router

	logger    *zap.Logger
	cfg       config.HubConfig
	registry  *Registry
	liveness  *LivenessMonitor
	admission admission.Controller
	verifier  Verifier
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

var _ http.Handler = (*Hub)(nil)

// New creates a hub. admissionCtl and m may be nil.
func New(logger *zap.Logger, cfg config.HubConfig, verifier Verifier, admissionCtl admission.Controller, m *metrics.Metrics) *Hub {
	cfg.SetDefaults()
	logger = logger.Named("hub")
	registry := NewRegistry()

	h := &Hub{
		Router:    NewRouter(logger, registry, m),
		logger:    logger,
		cfg:       cfg,
		registry:  registry,
		liveness:  NewLivenessMonitor(logger, registry, m, cfg.PingInterval, cfg.PongTimeout),
		admission: admissionCtl,
		verifier:  verifier,
		metrics:   m,
		now:       time.Now,
		handlers:  make(map[string]HandlerFunc),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// Handle registers the handler for client calls of msgType
func (h *Hub) Handle(msgType string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = fn
}

func (h *Hub) handler(msgType string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[msgType]
	return fn, ok
}

// Registry exposes the session registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Sessions returns the number of active sessions
func (h *Hub) Sessions() int {
	return h.registry.Len()
}

// Run drives the liveness monitor until ctx is cancelled, then closes every
// session as going away.
func (h *Hub) Run(ctx context.Context) {
	h.liveness.Run(ctx)
	h.closeAll(protocol.CloseGoingAway, "server shutting down")
}

// Shutdown closes every session and waits for their transports to be torn
// down or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	sessions := h.closeAll(protocol.CloseGoingAway, "server shutting down")
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Hub) closeAll(code protocol.CloseCode, reason string) []*Session {
	sessions := h.registry.Snapshot()
	for _, s := range sessions {
		s.Close(code, reason)
	}
	return sessions
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	// non-browser clients send no Origin header
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeHTTP applies admission control, upgrades the connection and serves it
// until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := utils.RemoteHost(r, h.cfg.TrustForwardedFor)

	if h.admission != nil {
		d, err := h.admission.Admit(r.Context(), origin)
		switch {
		case err != nil:
			// counters unavailable: admit rather than lock every desk out
			h.logger.Warn("admission check failed", zap.String("origin", origin), zap.Error(err))
		case !d.Allowed:
			h.metrics.ConnectionAttempt("admission_rejected")
			h.logger.Warn("connection attempt rejected by admission control",
				zap.String("origin", origin),
				zap.Int("count", d.Count))
			w.Header().Set("Retry-After", strconv.Itoa(int(d.ResetIn.Seconds())+1))
			_ = utils.WriteJSONResponse(w, http.StatusTooManyRequests, map[string]string{"error": admission.ErrRejected.Error()})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		h.logger.Debug("websocket upgrade failed", zap.String("origin", origin), zap.Error(err))
		return
	}
	h.serveConn(r.Context(), conn, origin)
}

func (h *Hub) serveConn(ctx context.Context, conn *websocket.Conn, origin string) {
	started := h.now()
	connID := uuid.NewString()
	logger := h.logger.With(zap.String("conn", connID), zap.String("origin", origin))

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	span := tracer.Start(ctx, "hub.handshake").WithAttrs(
		attribute.String("conn.id", connID),
		attribute.String("conn.origin", origin))
	ident, code, err := h.handshake(span.Ctx, conn)
	if err != nil {
		span.WithAttrs(attribute.Int("close.code", int(code))).Fail(err).End()
		h.metrics.ConnectionAttempt(closeLabel(code))
		logger.Info("handshake failed", zap.Error(err), zap.Int("code", int(code)))
		if code != 0 {
			_ = conn.WriteControl(websocket.CloseMessage, protocol.FormatClose(code, ""), time.Now().Add(h.cfg.WriteTimeout))
		}
		_ = conn.Close()
		return
	}

	s := newSession(h.logger, &wsTransport{conn: conn}, sessionOptions{
		ID:           ident.UserID,
		ConnID:       connID,
		Roles:        ident.Roles,
		Origin:       origin,
		CreatedAt:    h.now(),
		SendBuffer:   h.cfg.SendBuffer,
		WriteTimeout: h.cfg.WriteTimeout,
	})
	if old := h.registry.Register(s); old != nil {
		logger.Info("superseded previous connection",
			zap.String("session", s.ID),
			zap.String("previous_conn", old.ConnID))
	}
	span.WithAttrs(attribute.String("session.id", s.ID), attribute.StringSlice("session.roles", s.Roles)).End()
	h.metrics.ConnectionAttempt("accepted")
	h.metrics.SessionOpened(started)
	logger.Info("session active", zap.String("session", s.ID), zap.Strings("roles", s.Roles))

	ack, _ := protocol.Encode(protocol.Envelope{Type: protocol.TypeAuthSuccess, Message: "authenticated as " + s.ID})
	_ = s.Deliver(ack)

	h.readLoop(ctx, conn, s)

	s.Close(protocol.CloseNormal, "")
	h.registry.Remove(s)
	<-s.Done()
	h.metrics.SessionClosed(closeLabel(s.CloseCode()))
	logger.Info("session closed",
		zap.String("session", s.ID),
		zap.Int("code", int(s.CloseCode())),
		zap.Duration("lifetime", h.now().Sub(s.CreatedAt)))
}

// handshake waits for the auth envelope within the grace period. On failure
// it returns the close code to send; zero means the peer is already gone.
func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn) (Identity, protocol.CloseCode, error) {
	if err := conn.SetReadDeadline(h.now().Add(h.cfg.AuthTimeout)); err != nil {
		return Identity{}, 0, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Identity{}, protocol.CloseAuthTimeout, ErrAuthTimeout
		}
		return Identity{}, 0, err
	}

	env, err := protocol.Decode(data)
	if err != nil {
		return Identity{}, protocol.CloseMalformed, err
	}
	if env.Type != protocol.TypeAuth {
		return Identity{}, protocol.CloseUnauthorized, ErrUnauthorized
	}
	if env.Token == "" {
		return Identity{}, protocol.CloseInvalidCredential, ErrMissingCredential
	}

	ident, err := h.verifier.Verify(ctx, env.Token)
	if err != nil {
		return Identity{}, protocol.CloseInvalidCredential, err
	}
	if ident.UserID == "" {
		return Identity{}, protocol.CloseInvalidCredential, ErrMissingCredential
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return Identity{}, 0, err
	}
	return ident, 0, nil
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, s *Session) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.State() == StateActive {
				s.logger.Debug("connection lost", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("malformed message, closing session", zap.Error(err))
			s.Close(protocol.CloseMalformed, "")
			return
		}
		h.metrics.Inbound(h.inboundLabel(env.Type))
		h.dispatch(ctx, s, env)
	}
}

// dispatch handles one inbound envelope of an active session
func (h *Hub) dispatch(ctx context.Context, s *Session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePong:
		s.touch(h.now())
		return
	case protocol.TypePing:
		s.touch(h.now())
		h.reply(s, protocol.Envelope{ID: env.ID, Type: protocol.TypePong})
		return
	case protocol.TypeAuth:
		if env.ID != 0 {
			h.reply(s, protocol.Envelope{ID: env.ID, Type: protocol.TypeError, Error: "already authenticated"})
		}
		return
	}

	fn, ok := h.handler(env.Type)
	if !ok {
		if env.ID != 0 {
			h.reply(s, protocol.Envelope{ID: env.ID, Type: protocol.TypeError, Error: "unsupported message type: " + env.Type})
		}
		return
	}

	result, err := fn(ctx, s, env.Data)
	if env.ID == 0 {
		if err != nil {
			s.logger.Warn("notification handler failed", zap.String("type", env.Type), zap.Error(err))
		}
		return
	}
	if err != nil {
		h.reply(s, protocol.Envelope{ID: env.ID, Type: protocol.TypeError, Error: err.Error()})
		return
	}
	raw, err := protocol.MarshalData(result)
	if err != nil {
		h.reply(s, protocol.Envelope{ID: env.ID, Type: protocol.TypeError, Error: err.Error()})
		return
	}
	h.reply(s, protocol.Envelope{ID: env.ID, Type: env.Type, Data: raw})
}

// inboundLabel keeps client-chosen types out of metric labels
func (h *Hub) inboundLabel(msgType string) string {
	switch msgType {
	case protocol.TypePing, protocol.TypePong, protocol.TypeAuth:
		return msgType
	}
	if _, ok := h.handler(msgType); ok {
		return msgType
	}
	return "unsupported"
}

func (h *Hub) reply(s *Session, env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := s.Deliver(frame); err != nil {
		s.logger.Warn("failed to queue reply", zap.String("type", env.Type), zap.Error(err))
	}
}

// closeLabel names a close code for metrics
func closeLabel(code protocol.CloseCode) string {
	switch code {
	case 0:
		return "aborted"
	case protocol.CloseNormal:
		return "normal"
	case protocol.CloseGoingAway:
		return "going_away"
	case protocol.CloseMalformed:
		return "malformed"
	case protocol.CloseUnauthorized:
		return "unauthorized"
	case protocol.CloseAuthTimeout:
		return "auth_timeout"
	case protocol.CloseInvalidCredential:
		return "invalid_credential"
	case protocol.CloseSuperseded:
		return "superseded"
	case protocol.CloseHeartbeatTimeout:
		return "heartbeat_timeout"
	case protocol.CloseDeliveryFailed:
		return "delivery_failed"
	}
	return "other"
}
