package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/internal/auth/jwt"
	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/amoylab/clinicpush/internal/hub"
	"github.com/amoylab/clinicpush/pkg/protocol"
)

func startHub(t *testing.T) (*hub.Hub, *jwt.Service, string) {
	t.Helper()
	svc, err := jwt.NewService(jwt.Config{SecretKey: "0123456789abcdef0123456789abcdef", Duration: time.Hour})
	require.NoError(t, err)

	h := hub.New(zap.NewNop(), config.HubConfig{}, hub.NewJWTVerifier(svc), nil, nil)
	h.Handle("queue_status", func(_ context.Context, s *hub.Session, data json.RawMessage) (any, error) {
		return map[string]any{"asked_by": s.ID, "echo": data}, nil
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, svc, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestClient_AgainstHub(t *testing.T) {
	h, svc, url := startHub(t)
	tok, err := svc.GenerateToken("dr-lee", "Dr. Lee", []string{"doctor"})
	require.NoError(t, err)

	c := newTestClient(t, url, func(cfg *Config) { cfg.Token = tok })
	updates := make(chan json.RawMessage, 1)
	c.Subscribe("queue_update", func(data json.RawMessage) { updates <- data })
	require.NoError(t, c.Connect(context.Background()))

	data, err := c.Call(context.Background(), "queue_status", map[string]string{"clinic": "A"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"asked_by":"dr-lee","echo":{"clinic":"A"}}`, string(data))

	assert.Equal(t, 1, h.NotifyRoles([]string{"doctor"}, "queue_update", map[string]int{"waiting": 5}))
	select {
	case got := <-updates:
		assert.JSONEq(t, `{"waiting":5}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}

	_, err = c.Call(context.Background(), "teleport", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unsupported")
}

func TestClient_SupersededIsTerminal(t *testing.T) {
	h, svc, url := startHub(t)
	tok, err := svc.GenerateToken("desk-1", "Front desk", []string{"reception"})
	require.NoError(t, err)

	first := newTestClient(t, url, func(cfg *Config) { cfg.Token = tok })
	failures := make(chan error, 1)
	first.OnFailure(func(err error) { failures <- err })
	require.NoError(t, first.Connect(context.Background()))

	second := newTestClient(t, url, func(cfg *Config) { cfg.Token = tok })
	require.NoError(t, second.Connect(context.Background()))

	select {
	case err := <-failures:
		var te *TerminalError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, protocol.CloseSuperseded, te.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded client did not fail")
	}
	assert.Equal(t, StateIdle, first.State())
	assert.Equal(t, StateReady, second.State())

	// the first client stays down, so the second keeps the session
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.Sessions())
	assert.Equal(t, StateReady, second.State())
}

func TestClient_InvalidTokenIsTerminal(t *testing.T) {
	_, _, url := startHub(t)
	c := newTestClient(t, url, func(cfg *Config) { cfg.Token = "forged" })

	err := c.Connect(context.Background())
	var te *TerminalError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.CloseInvalidCredential, te.Code)
}
