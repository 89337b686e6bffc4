package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/pkg/metrics"
	"github.com/amoylab/clinicpush/pkg/protocol"
)

// LivenessMonitor probes every active session on a fixed interval and
// evicts the ones whose last ack is older than the timeout.
type LivenessMonitor struct {
	logger   *zap.Logger
	registry *Registry
	metrics  *metrics.Metrics
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	probe    []byte
}

// NewLivenessMonitor creates a monitor over registry
func NewLivenessMonitor(logger *zap.Logger, registry *Registry, m *metrics.Metrics, interval, timeout time.Duration) *LivenessMonitor {
	probe, _ := protocol.Encode(protocol.Envelope{Type: protocol.TypePing})
	return &LivenessMonitor{
		logger:   logger.Named("liveness"),
		registry: registry,
		metrics:  m,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		probe:    probe,
	}
}

// Run blocks until ctx is cancelled
func (l *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probed, evicted := l.Check()
			if evicted > 0 {
				l.logger.Info("liveness cycle evicted sessions",
					zap.Int("probed", probed),
					zap.Int("evicted", evicted))
			}
		}
	}
}

// Check runs one probe cycle and returns how many sessions were probed and
// how many were evicted.
func (l *LivenessMonitor) Check() (probed, evicted int) {
	now := l.now()
	for _, s := range l.registry.Snapshot() {
		if s.State() != StateActive {
			continue
		}
		if silent := now.Sub(s.LastAck()); silent > l.timeout {
			if s.Close(protocol.CloseHeartbeatTimeout, "") {
				l.logger.Info("evicting unresponsive session",
					zap.String("session", s.ID),
					zap.Duration("silent", silent))
			}
			evicted++
			continue
		}
		if err := s.Deliver(l.probe); err != nil {
			s.Close(protocol.CloseDeliveryFailed, "")
			l.metrics.DeliveryFailed(ModeProbe)
			continue
		}
		probed++
	}
	l.metrics.Delivered(ModeProbe, probed)
	return probed, evicted
}
