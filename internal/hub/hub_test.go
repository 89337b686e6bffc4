package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/internal/admission"
	"github.com/amoylab/clinicpush/internal/auth/jwt"
	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/amoylab/clinicpush/pkg/protocol"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	hub    *Hub
	jwt    *jwt.Service
	server *httptest.Server
	wsURL  string
}

func newTestEnv(t *testing.T, cfg config.HubConfig, ctl admission.Controller) *testEnv {
	t.Helper()
	svc, err := jwt.NewService(jwt.Config{SecretKey: testSecret, Duration: time.Hour})
	require.NoError(t, err)

	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = time.Second
	}
	h := New(zap.NewNop(), cfg, NewJWTVerifier(svc), ctl, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testEnv{
		hub:    h,
		jwt:    svc,
		server: srv,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, err := e.jwt.GenerateToken(userID, userID, roles)
	require.NoError(t, err)
	return tok
}

// login dials and completes the handshake
func (e *testEnv) login(t *testing.T, userID string, roles ...string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t)
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.TypeAuth, Token: e.token(t, userID, roles...)}))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeAuthSuccess, env.Type)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func expectClose(t *testing.T, conn *websocket.Conn, want protocol.CloseCode) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		assert.Equal(t, int(want), ce.Code)
		return
	}
}

func TestHub_HandshakeAndNotify(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{}, nil)
	conn := env.login(t, "dr-lee", "doctor")

	require.Eventually(t, func() bool { return env.hub.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, env.hub.NotifyUser("dr-lee", "call_patient", map[string]string{"ticket": "A-12"}))
	got := readEnvelope(t, conn)
	assert.Equal(t, "call_patient", got.Type)
	assert.JSONEq(t, `{"ticket":"A-12"}`, string(got.Data))

	assert.Equal(t, 1, env.hub.NotifyRoles([]string{"doctor"}, "queue_update", nil))
	assert.Equal(t, "queue_update", readEnvelope(t, conn).Type)
	assert.Equal(t, 0, env.hub.NotifyRoles([]string{"nurse"}, "queue_update", nil))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return env.hub.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_HandshakeTimeout(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{AuthTimeout: 100 * time.Millisecond}, nil)
	conn := env.dial(t)
	expectClose(t, conn, protocol.CloseAuthTimeout)
	assert.Equal(t, 0, env.hub.Sessions())
}

func TestHub_TrafficBeforeHandshake(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{}, nil)
	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: "queue_update"}))
	expectClose(t, conn, protocol.CloseUnauthorized)
}

func TestHub_InvalidCredential(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{}, nil)

	for name, token := range map[string]string{
		"garbage": "not-a-jwt",
		"empty":   "",
	} {
		t.Run(name, func(t *testing.T) {
			conn := env.dial(t)
			require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.TypeAuth, Token: token}))
			expectClose(t, conn, protocol.CloseInvalidCredential)
		})
	}
}

func TestHub_MalformedHandshake(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{}, nil)
	conn := env.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	expectClose(t, conn, protocol.CloseMalformed)
}

func TestHub_MalformedAfterHandshake(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{}, nil)
	conn := env.login(t, "desk-1", "reception")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`)))
	expectClose(t, conn, protocol.CloseMalformed)
	require.Eventually(t, func() bool { return env.hub.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_Supersession(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{}, nil)
	first := env.login(t, "desk-1", "reception")
	second := env.login(t, "desk-1", "reception")

	expectClose(t, first, protocol.CloseSuperseded)

	assert.Equal(t, 1, env.hub.NotifyUser("desk-1", "call_patient", nil))
	assert.Equal(t, "call_patient", readEnvelope(t, second).Type)

	// the old connection's teardown must leave the new session registered
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.hub.Sessions())
}

func TestHub_PingPong(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{}, nil)
	conn := env.login(t, "u1")

	require.NoError(t, conn.WriteJSON(protocol.Envelope{ID: 9, Type: protocol.TypePing}))
	got := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypePong, got.Type)
	assert.Equal(t, uint64(9), got.ID)

	s, ok := env.hub.Registry().Get("u1")
	require.True(t, ok)
	before := s.LastAck()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.TypePong}))
	require.Eventually(t, func() bool { return s.LastAck().After(before) }, time.Second, 5*time.Millisecond)
}

func TestHub_HandlerReplies(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{}, nil)
	env.hub.Handle("queue_status", func(_ context.Context, s *Session, data json.RawMessage) (any, error) {
		var req struct {
			Clinic string `json:"clinic"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if req.Clinic == "closed" {
			return nil, errors.New("clinic is closed")
		}
		return map[string]any{"clinic": req.Clinic, "waiting": 4, "asked_by": s.ID}, nil
	})
	conn := env.login(t, "desk-1")

	require.NoError(t, conn.WriteJSON(protocol.Envelope{ID: 7, Type: "queue_status", Data: json.RawMessage(`{"clinic":"A"}`)}))
	got := readEnvelope(t, conn)
	assert.Equal(t, uint64(7), got.ID)
	assert.Equal(t, "queue_status", got.Type)
	assert.JSONEq(t, `{"clinic":"A","waiting":4,"asked_by":"desk-1"}`, string(got.Data))

	require.NoError(t, conn.WriteJSON(protocol.Envelope{ID: 8, Type: "queue_status", Data: json.RawMessage(`{"clinic":"closed"}`)}))
	got = readEnvelope(t, conn)
	assert.Equal(t, uint64(8), got.ID)
	assert.Equal(t, protocol.TypeError, got.Type)
	assert.Equal(t, "clinic is closed", got.Error)

	require.NoError(t, conn.WriteJSON(protocol.Envelope{ID: 10, Type: "teleport"}))
	got = readEnvelope(t, conn)
	assert.Equal(t, uint64(10), got.ID)
	assert.Equal(t, protocol.TypeError, got.Type)
	assert.Contains(t, got.Error, "unsupported message type")
}

func TestHub_AdmissionRejects(t *testing.T) {
	ctl := admission.NewMemoryController(zap.NewNop(), 2, time.Minute)
	t.Cleanup(func() { _ = ctl.Close() })
	env := newTestEnv(t, config.HubConfig{}, ctl)

	env.dial(t)
	env.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHub_OriginCheck(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{AllowedOrigins: []string{"https://clinic.example"}}, nil)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://clinic.example")
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHub_Shutdown(t *testing.T) {
	env := newTestEnv(t, config.HubConfig{}, nil)
	a := env.login(t, "a")
	b := env.login(t, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.hub.Shutdown(ctx))

	expectClose(t, a, protocol.CloseGoingAway)
	expectClose(t, b, protocol.CloseGoingAway)
}
