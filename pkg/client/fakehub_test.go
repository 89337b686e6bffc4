package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amoylab/clinicpush/pkg/protocol"
)

type fakeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *fakeConn) write(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

// fakeHub is a scriptable hub: it answers the handshake, records inbound
// envelopes and echoes calls back.
type fakeHub struct {
	upgrader websocket.Upgrader

	refuse     atomic.Bool  // answer upgrades with 503
	rejectWith atomic.Int32 // close code sent instead of auth_success
	silent     atomic.Bool  // never answer calls
	dials      atomic.Int32

	mu    sync.Mutex
	conns []*fakeConn

	received chan protocol.Envelope
	srv      *httptest.Server
	url      string
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	f := &fakeHub{received: make(chan protocol.Envelope, 256)}
	f.srv = httptest.NewServer(f)
	f.url = "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.dials.Add(1)
	if f.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{conn: conn}

	var auth protocol.Envelope
	if err := conn.ReadJSON(&auth); err != nil || auth.Type != protocol.TypeAuth {
		_ = conn.Close()
		return
	}
	if code := f.rejectWith.Load(); code != 0 {
		_ = conn.WriteControl(websocket.CloseMessage, protocol.FormatClose(protocol.CloseCode(code), ""), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	f.mu.Lock()
	f.conns = append(f.conns, fc)
	f.mu.Unlock()
	_ = fc.write(protocol.Envelope{Type: protocol.TypeAuthSuccess, Message: "authenticated"})

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		f.received <- env
		if env.ID == 0 || env.Type == protocol.TypePong || f.silent.Load() {
			continue
		}
		if env.Type == "fail" {
			_ = fc.write(protocol.Envelope{ID: env.ID, Type: protocol.TypeError, Error: "boom"})
			continue
		}
		_ = fc.write(protocol.Envelope{ID: env.ID, Type: env.Type, Data: env.Data})
	}
}

func (f *fakeHub) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// dropAll closes every connection without a close frame
func (f *fakeHub) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.conn.Close()
	}
	f.conns = nil
}

// next returns the next received envelope of msgType
func (f *fakeHub) next(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-f.received:
			if env.Type == msgType {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s envelope received", msgType)
		}
	}
}
