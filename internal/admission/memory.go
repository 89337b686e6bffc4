package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// attemptRecord is the per-origin counter of the current window
type attemptRecord struct {
	count       int
	windowStart time.Time
}

// MemoryController keeps attempt records in process memory
type MemoryController struct {
	logger      *zap.Logger
	maxAttempts int
	window      time.Duration
	now         func() time.Time

	mu      sync.Mutex
	records map[string]*attemptRecord

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Controller = (*MemoryController)(nil)

// NewMemoryController creates an in-memory controller. Expired records are
// swept once per window so the table stays bounded by active origins.
func NewMemoryController(logger *zap.Logger, maxAttempts int, window time.Duration) *MemoryController {
	c := &MemoryController{
		logger:      logger.Named("admission.memory"),
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
		records:     make(map[string]*attemptRecord),
		stop:        make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Admit implements Controller.Admit
func (c *MemoryController) Admit(_ context.Context, origin string) (Decision, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[origin]
	if !ok || now.Sub(rec.windowStart) >= c.window {
		rec = &attemptRecord{count: 1, windowStart: now}
		c.records[origin] = rec
	} else {
		rec.count++
	}

	return Decision{
		Allowed: rec.count <= c.maxAttempts,
		Count:   rec.count,
		ResetIn: c.window - now.Sub(rec.windowStart),
	}, nil
}

// Len returns the number of tracked origins
func (c *MemoryController) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Close implements Controller.Close
func (c *MemoryController) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryController) sweepLoop() {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryController) sweep() {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for origin, rec := range c.records {
		if now.Sub(rec.windowStart) >= c.window {
			delete(c.records, origin)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.logger.Debug("swept expired admission records", zap.Int("removed", removed))
	}
}
