package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amoylab/clinicpush/pkg/protocol"
)

type reply struct {
	data json.RawMessage
	err  error
}

// PendingCall is an in-flight request awaiting its reply
type PendingCall struct {
	ID        uint64
	CreatedAt time.Time

	owner *Correlator
	timer *time.Timer
	done  chan reply
}

// Wait blocks until the call settles or ctx is done. A cancelled context
// settles the call so that a later reply is ignored.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-p.done:
		return r.data, r.err
	case <-ctx.Done():
		p.owner.Cancel(p.ID, ctx.Err())
		r := <-p.done
		return r.data, r.err
	}
}

// Correlator matches replies to outbound calls by correlation id. Each
// pending call settles exactly once: by its reply, its timeout, or a
// cancellation.
type Correlator struct {
	timeout time.Duration
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*PendingCall
}

// NewCorrelator creates a correlator whose calls time out after timeout
func NewCorrelator(timeout time.Duration) *Correlator {
	return &Correlator{
		timeout: timeout,
		pending: make(map[uint64]*PendingCall),
	}
}

// Register assigns the next correlation id and starts the call timer
func (c *Correlator) Register() *PendingCall {
	p := &PendingCall{
		ID:        c.nextID.Add(1),
		CreatedAt: time.Now(),
		owner:     c,
		done:      make(chan reply, 1),
	}

	c.mu.Lock()
	c.pending[p.ID] = p
	p.timer = time.AfterFunc(c.timeout, func() {
		c.settle(p.ID, reply{err: fmt.Errorf("%w: call %d after %s", ErrCallTimeout, p.ID, c.timeout)})
	})
	c.mu.Unlock()
	return p
}

// Resolve settles the pending call env answers. It reports false when no
// call is waiting for env.ID, including replies that arrive after a timeout.
func (c *Correlator) Resolve(env protocol.Envelope) bool {
	if env.ID == 0 {
		return false
	}
	r := reply{data: env.Data}
	if env.Type == protocol.TypeError || env.Error != "" {
		r = reply{err: &RemoteError{Type: env.Type, Message: env.Error}}
	}
	return c.settle(env.ID, r)
}

// Cancel rejects the call with err if it is still pending
func (c *Correlator) Cancel(id uint64, err error) bool {
	return c.settle(id, reply{err: err})
}

// RejectAll rejects every pending call with err and returns how many there were
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	calls := make([]*PendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
		calls = append(calls, p)
	}
	c.mu.Unlock()

	for _, p := range calls {
		p.done <- reply{err: err}
	}
	return len(calls)
}

// Len returns the number of pending calls
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) settle(id uint64, r reply) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		p.timer.Stop()
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- r
	return true
}
