package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	sessionsActive prometheus.Gauge
	connections    *prometheus.CounterVec
	handshakeDur   prometheus.Histogram
	disconnects    *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	deliveryFails  *prometheus.CounterVec
	inbound        *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_active", Help: "Authenticated sessions currently registered"})
	connections := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "connection_attempts_total", Help: "Connection attempts by outcome"}, []string{"result"})
	handshakeDur := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "handshake_duration_seconds", Buckets: buckets})
	disconnects := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sessions_closed_total", Help: "Closed sessions by close reason"}, []string{"reason"})
	r.MustRegister(sessionsActive, connections, handshakeDur, disconnects)

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "deliveries_total", Help: "Frames queued to sessions by delivery mode"}, []string{"mode"})
	deliveryFails := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "delivery_failures_total"}, []string{"mode"})
	inbound := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "inbound_messages_total"}, []string{"type"})
	r.MustRegister(deliveries, deliveryFails, inbound)

	return &Metrics{
		registry:       r,
		namespace:      ns,
		httpReqCnt:     httpReqCnt,
		httpDur:        httpDur,
		httpInfl:       httpInfl,
		sessionsActive: sessionsActive,
		connections:    connections,
		handshakeDur:   handshakeDur,
		disconnects:    disconnects,
		deliveries:     deliveries,
		deliveryFails:  deliveryFails,
		inbound:        inbound,
	}
}

func (m *Metrics) ConnectionAttempt(result string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionOpened(since time.Time) {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.handshakeDur.Observe(time.Since(since).Seconds())
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivered(mode string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) DeliveryFailed(mode string) {
	if m == nil {
		return
	}
	m.deliveryFails.WithLabelValues(mode).Inc()
}

func (m *Metrics) Inbound(msgType string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
