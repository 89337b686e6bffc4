package hub

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/pkg/metrics"
	"github.com/amoylab/clinicpush/pkg/protocol"
)

// Notifier is the producer interface offered to domain code. Every method
// returns the number of sessions reached; absent targets are not an error.
type Notifier interface {
	NotifyUser(userID, msgType string, data any) int
	NotifyRoles(roles []string, msgType string, data any) int
	NotifyAll(msgType string, data any) int
}

// Delivery modes, also used as metric labels
const (
	ModeUser  = "user"
	ModeRoles = "roles"
	ModeAll   = "all"
	ModeProbe = "probe"
)

// Router delivers envelopes to the sessions of a registry snapshot
type Router struct {
	logger   *zap.Logger
	registry *Registry
	metrics  *metrics.Metrics
}

var _ Notifier = (*Router)(nil)

// NewRouter creates a router over registry
func NewRouter(logger *zap.Logger, registry *Registry, m *metrics.Metrics) *Router {
	return &Router{
		logger:   logger.Named("router"),
		registry: registry,
		metrics:  m,
	}
}

// NotifyUser delivers to the session of userID, if connected
func (r *Router) NotifyUser(userID, msgType string, data any) int {
	s, ok := r.registry.Get(userID)
	if !ok {
		return 0
	}
	return r.deliver(ModeUser, []*Session{s}, msgType, data)
}

// NotifyRoles delivers to every session holding at least one of roles. An
// empty role set reaches nobody.
func (r *Router) NotifyRoles(roles []string, msgType string, data any) int {
	if len(roles) == 0 {
		return 0
	}
	snapshot := r.registry.Snapshot()
	targets := snapshot[:0]
	for _, s := range snapshot {
		if s.HasAnyRole(roles) {
			targets = append(targets, s)
		}
	}
	return r.deliver(ModeRoles, targets, msgType, data)
}

// NotifyAll delivers to every registered session
func (r *Router) NotifyAll(msgType string, data any) int {
	return r.deliver(ModeAll, r.registry.Snapshot(), msgType, data)
}

// deliver encodes once and queues the frame to each target. A failing target
// is closed and skipped; the rest still receive the frame.
func (r *Router) deliver(mode string, targets []*Session, msgType string, data any) int {
	if len(targets) == 0 {
		return 0
	}
	env, err := protocol.NewEnvelope(msgType, data)
	if err != nil {
		r.logger.Error("failed to build notification", zap.String("type", msgType), zap.Error(err))
		return 0
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		r.logger.Error("failed to encode notification", zap.String("type", msgType), zap.Error(err))
		return 0
	}

	span := tracer.Start(context.Background(), "hub.notify").WithAttrs(
		attribute.String("notify.mode", mode),
		attribute.String("notify.type", msgType),
		attribute.Int("notify.targets", len(targets)))
	defer span.End()

	reached := 0
	for _, s := range targets {
		if s.State() != StateActive {
			continue
		}
		if err := s.Deliver(frame); err != nil {
			r.logger.Warn("delivery failed, closing session",
				zap.String("mode", mode),
				zap.String("session", s.ID),
				zap.Error(err))
			s.Close(protocol.CloseDeliveryFailed, "")
			r.metrics.DeliveryFailed(mode)
			continue
		}
		reached++
	}
	r.metrics.Delivered(mode, reached)
	span.WithAttrs(attribute.Int("notify.reached", reached))

	r.logger.Debug("delivered notification",
		zap.String("mode", mode),
		zap.String("type", msgType),
		zap.Int("targets", len(targets)),
		zap.Int("reached", reached))
	return reached
}
