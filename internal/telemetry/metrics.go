// Package telemetry provides observability primitives for the Palantir
// backend.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eugener/palantir/internal/session"
)

// Metrics holds all Prometheus collectors for the backend.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	AgentRunDuration *prometheus.HistogramVec
	AgentRunErrors   *prometheus.CounterVec
	StreamChunks     prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		AgentRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "agent_run_duration_seconds",
			Help:                            "Remote agent run duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"agent"}),

		AgentRunErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "agent_run_errors_total",
			Help:      "Total remote agent run failures.",
		}, []string{"agent", "kind"}),

		StreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "stream_chunks_total",
			Help:      "Total streamed response chunks delivered to clients.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AgentRunDuration,
		m.AgentRunErrors,
		m.StreamChunks,
		m.RateLimitRejects,
	)

	return m
}

// ObserveRun records one completed remote agent run. Satisfies
// agent.RunObserver.
func (m *Metrics) ObserveRun(agent string, seconds float64) {
	m.AgentRunDuration.WithLabelValues(agent).Observe(seconds)
}

// ObserveRunError records one failed remote agent run.
func (m *Metrics) ObserveRunError(agent, kind string) {
	m.AgentRunErrors.WithLabelValues(agent, kind).Inc()
}

// RegisterEventQueue exposes the event recorder's live queue length.
func RegisterEventQueue(reg prometheus.Registerer, queueLen func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "palantir",
		Name:      "event_queue_length",
		Help:      "Current number of queued application events.",
	}, func() float64 { return float64(queueLen()) }))
}

// RegisterSessionCache exposes live session cache counters as gauges
// reading from the cache's own stats snapshot.
func RegisterSessionCache(reg prometheus.Registerer, c *session.Cache) {
	gauge := func(name, help string, read func(session.Stats) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "palantir",
			Subsystem: "session_cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(c.Stats()) })
	}

	reg.MustRegister(
		gauge("size", "Current number of cached sessions.",
			func(s session.Stats) float64 { return float64(s.Size) }),
		gauge("hits_total", "Total lookups that found a live session.",
			func(s session.Stats) float64 { return float64(s.Hits) }),
		gauge("misses_total", "Total lookups that found no live session.",
			func(s session.Stats) float64 { return float64(s.Misses) }),
		gauge("evictions_total", "Total sessions evicted by capacity or TTL.",
			func(s session.Stats) float64 { return float64(s.Evictions) }),
		gauge("cleanup_failures_total", "Total remote thread cleanups that failed.",
			func(s session.Stats) float64 { return float64(s.CleanupFailures) }),
	)
}
