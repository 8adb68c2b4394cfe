package utils

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tracks performance metrics across the system
type MetricsCollector struct {
	registry *prometheus.Registry

	requestCount prometheus.Counter
	errorCount   prometheus.Counter

	// Operation name -> latency histogram
	operationTimes *prometheus.HistogramVec

	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	activeBindings    prometheus.Gauge
	evictions         prometheus.Counter
	messagesRecorded  *prometheus.CounterVec

	systemStartTime time.Time
}

// NewMetricsCollector builds a collector backed by its own registry so that
// several collectors can coexist in one process (tests).
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &MetricsCollector{
		registry: reg,
		requestCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "gator_chat_http_requests_total",
			Help: "Total HTTP requests",
		}),
		errorCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "gator_chat_http_errors_total",
			Help: "Total HTTP requests answered with an error",
		}),
		operationTimes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gator_chat_operation_duration_seconds",
			Help:    "Latency of ledger and actor operations",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gator_chat_frames_received_total",
			Help: "Realtime frames accepted by the router",
		}, []string{"kind"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gator_chat_frames_dropped_total",
			Help: "Realtime frames dropped by the router",
		}, []string{"reason"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gator_chat_deliveries_total",
			Help: "Outbound frame deliveries by result",
		}, []string{"result"}),
		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gator_chat_broadcast_failures_total",
			Help: "Per-recipient failures during presence fan-out",
		}),
		activeBindings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gator_chat_active_bindings",
			Help: "Identities currently bound to a live connection",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "gator_chat_binding_evictions_total",
			Help: "Connections closed because a newer one bound the same identity",
		}),
		messagesRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gator_chat_messages_recorded_total",
			Help: "Durable messages written to the ledger",
		}, []string{"kind"}),
		systemStartTime: time.Now(),
	}
}

func (mc *MetricsCollector) IncrementRequests() {
	mc.requestCount.Inc()
}

func (mc *MetricsCollector) IncrementErrors() {
	mc.errorCount.Inc()
}

func (mc *MetricsCollector) AddOperationLatency(operationName string, duration time.Duration) {
	mc.operationTimes.WithLabelValues(operationName).Observe(duration.Seconds())
}

func (mc *MetricsCollector) FrameReceived(kind string) {
	mc.framesReceived.WithLabelValues(kind).Inc()
}

func (mc *MetricsCollector) FrameDropped(reason string) {
	mc.framesDropped.WithLabelValues(reason).Inc()
}

func (mc *MetricsCollector) Delivery(result string) {
	mc.deliveries.WithLabelValues(result).Inc()
}

func (mc *MetricsCollector) BroadcastFailure() {
	mc.broadcastFailures.Inc()
}

func (mc *MetricsCollector) SetActiveBindings(n int) {
	mc.activeBindings.Set(float64(n))
}

func (mc *MetricsCollector) Eviction() {
	mc.evictions.Inc()
}

func (mc *MetricsCollector) MessageRecorded(kind string) {
	mc.messagesRecorded.WithLabelValues(kind).Inc()
}

func (mc *MetricsCollector) Uptime() time.Duration {
	return time.Since(mc.systemStartTime)
}

// Registry exposes the underlying registry, mostly for tests.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler serves the collector in the Prometheus exposition format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}
