package client

import "sync"

// State is the lifecycle state of the client transport
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

type event struct {
	state   State
	failure error
}

// watchers delivers state changes and terminal failures to observers in
// order, on a goroutine of its own so observers may call back into the client.
type watchers struct {
	mu       sync.Mutex
	next     uint64
	state    map[uint64]func(State)
	failure  map[uint64]func(error)
	queue    []event
	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newWatchers() *watchers {
	w := &watchers{
		state:   make(map[uint64]func(State)),
		failure: make(map[uint64]func(error)),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *watchers) watchState(fn func(State)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	id := w.next
	w.state[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.state, id)
	}
}

func (w *watchers) onFailure(fn func(error)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	id := w.next
	w.failure[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.failure, id)
	}
}

func (w *watchers) emit(e event) {
	w.mu.Lock()
	w.queue = append(w.queue, e)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watchers) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.done:
			w.flush()
			return
		}
	}
}

func (w *watchers) flush() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		e := w.queue[0]
		w.queue = w.queue[1:]
		var fns []func()
		if e.failure != nil {
			for _, fn := range w.failure {
				fns = append(fns, func() { fn(e.failure) })
			}
		} else {
			for _, fn := range w.state {
				fns = append(fns, func() { fn(e.state) })
			}
		}
		w.mu.Unlock()

		for _, fn := range fns {
			fn()
		}
	}
}

// stop flushes queued events and ends the dispatch goroutine. It does not
// wait, so it is safe to call from an observer.
func (w *watchers) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}
