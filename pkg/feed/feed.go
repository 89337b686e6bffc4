// Package feed keeps one piece of server state fresh on the client. While
// the push transport is ready, the feed refreshes only when the hub pushes
// a matching notification. Otherwise it polls at a fallback interval.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/pkg/client"
)

// Transport is the push side a feed observes. *client.Client implements it.
type Transport interface {
	State() client.State
	WatchState(fn func(client.State)) func()
	Subscribe(msgType string, fn client.Handler) func()
}

// FetchFunc loads the current value from the source of truth
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Mode names who owns refresh responsibility at a given instant
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Config tunes a feed
type Config struct {
	Type             string        `yaml:"type"`              // push notification type that invalidates the feed
	FallbackInterval time.Duration `yaml:"fallback_interval"` // poll period while the transport is not ready, default 30s
	FetchAttempts    uint          `yaml:"fetch_attempts"`    // default 3
	FetchBackoff     time.Duration `yaml:"fetch_backoff"`     // first retry delay, default 200ms
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = 30 * time.Second
	}
	if c.FetchAttempts == 0 {
		c.FetchAttempts = 3
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = 200 * time.Millisecond
	}
}

// Option configures a Feed
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger, zap.NewNop() by default
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Feed arbitrates between push-driven and poll-driven refresh of one value
type Feed[T any] struct {
	cfg       Config
	logger    *zap.Logger
	transport Transport
	fetch     FetchFunc[T]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()

	mu        sync.Mutex
	started   bool
	stopped   bool
	latest    T
	hasLatest bool
	updatedAt time.Time
	lastErr   error
	inFlight  bool
	rerun     bool
	poll      *time.Timer
	fetches   int
	nextLis   uint64
	listeners map[uint64]func(T)
}

// New creates a stopped feed
func New[T any](transport Transport, fetch FetchFunc[T], cfg Config, opts ...Option) *Feed[T] {
	cfg.SetDefaults()
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Feed[T]{
		cfg:       cfg,
		logger:    o.logger.Named("feed").With(zap.String("type", cfg.Type)),
		transport: transport,
		fetch:     fetch,
		listeners: make(map[uint64]func(T)),
	}
}

// Start performs the initial load and begins following the transport.
// Fetches run on ctx until it is done or Stop is called.
func (f *Feed[T]) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return errors.New("feed already started")
	}
	f.started = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	if f.cfg.Type != "" {
		f.unsubs = append(f.unsubs, f.transport.Subscribe(f.cfg.Type, func(json.RawMessage) { f.trigger("push") }))
	}
	f.unsubs = append(f.unsubs, f.transport.WatchState(f.onState))

	f.trigger("initial")
	return nil
}

// Stop cancels fetches and timers and waits for a running fetch to return
func (f *Feed[T]) Stop() {
	f.mu.Lock()
	if !f.started || f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	if f.poll != nil {
		f.poll.Stop()
		f.poll = nil
	}
	f.mu.Unlock()

	for _, unsub := range f.unsubs {
		unsub()
	}
	f.cancel()
	f.wg.Wait()
}

// Mode reports whether the push transport currently owns refresh
func (f *Feed[T]) Mode() Mode {
	if f.transport.State() == client.StateReady {
		return ModePush
	}
	return ModePoll
}

// Latest returns the most recent successful result and when it was fetched
func (f *Feed[T]) Latest() (T, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.updatedAt, f.hasLatest
}

// Err returns the error of the last fetch, nil if it succeeded
func (f *Feed[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Fetches returns how many fetch rounds have completed
func (f *Feed[T]) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// OnUpdate calls fn with every new result until the returned function is called
func (f *Feed[T]) OnUpdate(fn func(T)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLis++
	id := f.nextLis
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

// Refresh requests a fetch now. It is coalesced with one already running.
func (f *Feed[T]) Refresh() {
	f.trigger("manual")
}

func (f *Feed[T]) onState(s client.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}

	if s == client.StateReady {
		if f.poll != nil {
			f.poll.Stop()
			f.poll = nil
			f.logger.Debug("push transport ready, polling suspended")
			// pushes may have been missed while disconnected
			f.triggerLocked("resync")
		}
		return
	}
	if f.poll == nil && !f.inFlight {
		f.logger.Debug("push transport not ready, polling", zap.Stringer("state", s), zap.Duration("interval", f.cfg.FallbackInterval))
		f.armPollLocked()
	}
}

func (f *Feed[T]) onPoll() {
	if f.transport.State() == client.StateReady {
		return
	}
	f.trigger("poll")
}

// armPollLocked schedules the next poll unless the transport owns refresh
func (f *Feed[T]) armPollLocked() {
	if f.poll != nil {
		f.poll.Stop()
		f.poll = nil
	}
	if f.stopped || f.transport.State() == client.StateReady {
		return
	}
	f.poll = time.AfterFunc(f.cfg.FallbackInterval, f.onPoll)
}

func (f *Feed[T]) trigger(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggerLocked(reason)
}

func (f *Feed[T]) triggerLocked(reason string) {
	if f.stopped || !f.started {
		return
	}
	if f.inFlight {
		f.rerun = true
		return
	}
	f.inFlight = true
	if f.poll != nil {
		f.poll.Stop()
		f.poll = nil
	}
	f.wg.Add(1)
	go f.run(reason)
}

func (f *Feed[T]) run(reason string) {
	defer f.wg.Done()

	for {
		v, err := f.fetchWithRetry()

		f.mu.Lock()
		f.fetches++
		var listeners []func(T)
		if err == nil {
			f.latest, f.hasLatest, f.updatedAt, f.lastErr = v, true, time.Now(), nil
			for _, fn := range f.listeners {
				listeners = append(listeners, fn)
			}
		} else if f.ctx.Err() == nil {
			f.lastErr = err
			f.logger.Warn("fetch failed", zap.String("reason", reason), zap.Error(err))
		}
		again := f.rerun && !f.stopped
		f.rerun = false
		if !again {
			f.inFlight = false
			f.armPollLocked()
		}
		f.mu.Unlock()

		for _, fn := range listeners {
			fn(v)
		}
		if !again {
			return
		}
		reason = "coalesced"
	}
}

func (f *Feed[T]) fetchWithRetry() (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.FetchBackoff
	b.Reset()

	return backoff.Retry(f.ctx, func() (T, error) {
		return f.fetch(f.ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.cfg.FetchAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Debug("fetch attempt failed, retrying", zap.Duration("in", next), zap.Error(err))
		}),
	)
}
