// Package metrics exposes kernel counters in the Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openplugin"

var (
	registry = prometheus.NewRegistry()

	apiCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Secured API calls made by plugins, by outcome.",
	}, []string{"plugin", "capability", "outcome"})

	limitViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "limit_exceeded_total",
		Help:      "Resource limit violations per plugin and metric.",
	}, []string{"plugin", "metric"})

	lifecycle = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifecycle_transitions_total",
		Help:      "Plugin lifecycle operations by result.",
	}, []string{"operation", "result"})

	activePlugins = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_plugins",
		Help:      "Plugins currently registered and active.",
	})

	queueDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_deliveries_total",
		Help:      "Message queue delivery attempts by result.",
	}, []string{"result"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served by the lifecycle API.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latency of lifecycle API requests.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"handler", "method"})
)

func init() {
	registry.MustRegister(
		apiCalls,
		limitViolations,
		lifecycle,
		activePlugins,
		queueDeliveries,
		httpRequests,
		httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the collector registry, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// Handler serves the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// ObserveAPICall counts one facade call. outcome is "allowed", "denied" or "throttled".
func ObserveAPICall(plugin, capability, outcome string) {
	apiCalls.WithLabelValues(plugin, capability, outcome).Inc()
}

// ObserveLimitExceeded counts a limit violation.
func ObserveLimitExceeded(plugin, metric string) {
	limitViolations.WithLabelValues(plugin, metric).Inc()
}

// ObserveLifecycle counts a register/unregister outcome.
func ObserveLifecycle(operation, result string) {
	lifecycle.WithLabelValues(operation, result).Inc()
}

// SetActivePlugins records the number of active plugins.
func SetActivePlugins(n int) {
	activePlugins.Set(float64(n))
}

// ObserveQueueDelivery counts a delivery outcome: delivered, retried or dropped.
func ObserveQueueDelivery(result string) {
	queueDeliveries.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}
