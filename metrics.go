package reqflow

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exposes prometheus metrics for the request lifecycle and
// the resilience layers. It is safe for concurrent use and shared by every
// layer the client composes.
type MetricsCollector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	retriesTotal *prometheus.CounterVec

	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec

	asyncQueueDepth prometheus.Gauge
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer. Use a private registry in tests to avoid duplicate
// registration panics.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_requests_total",
				Help: "Total number of logical requests executed",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reqflow_request_duration_seconds",
				Help:    "Duration of logical requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method"},
		),
		breakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reqflow_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),
		breakerRejections: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_circuit_breaker_rejections_total",
				Help: "Requests rejected without reaching the delegate",
			},
			[]string{"breaker"},
		),
		asyncQueueDepth: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "reqflow_async_queue_depth",
				Help: "Async calls queued and not yet picked up by a worker",
			},
		),
	}
}

func (mc *MetricsCollector) observeRequest(method, endpoint string, status int, elapsed time.Duration) {
	labels := prometheus.Labels{
		"method":      method,
		"status_code": strconv.Itoa(status),
		"endpoint":    endpoint,
	}
	mc.requestsTotal.With(labels).Inc()
	mc.requestDuration.With(labels).Observe(elapsed.Seconds())
}

func (mc *MetricsCollector) incRetries(method string) {
	mc.retriesTotal.WithLabelValues(method).Inc()
}

func (mc *MetricsCollector) setBreakerState(name string, state BreakerState) {
	mc.breakerState.WithLabelValues(name).Set(float64(state))
}

func (mc *MetricsCollector) incBreakerRejection(name string) {
	mc.breakerRejections.WithLabelValues(name).Inc()
}

func (mc *MetricsCollector) incAsyncQueueDepth() { mc.asyncQueueDepth.Inc() }
func (mc *MetricsCollector) decAsyncQueueDepth() { mc.asyncQueueDepth.Dec() }
