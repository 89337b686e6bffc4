package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/pkg/protocol"
)

// fakeTransport records what a session writes
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	closeCode protocol.CloseCode
	closed    bool
	writeErr  error
	block     chan struct{}
}

func (t *fakeTransport) WriteMessage(data []byte, _ time.Time) error {
	if t.block != nil {
		<-t.block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.frames = append(t.frames, data)
	return nil
}

func (t *fakeTransport) WriteClose(code protocol.CloseCode, _ string, _ time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCode = code
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.frames...)
}

func (t *fakeTransport) CloseCode() protocol.CloseCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

func newTestSession(id string, roles ...string) (*Session, *fakeTransport) {
	t := &fakeTransport{}
	s := newSession(zap.NewNop(), t, sessionOptions{
		ID:           id,
		ConnID:       id + "-conn",
		Roles:        roles,
		CreatedAt:    time.Now(),
		SendBuffer:   8,
		WriteTimeout: time.Second,
	})
	return s, t
}
