package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the broker's domain
// metrics, scraped externally alongside the JSON snapshot in metrics.go.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	deliveredTotal    prometheus.Counter
	ackedTotal        prometheus.Counter
	retriesTotal      prometheus.Counter
	deadLetteredTotal *prometheus.CounterVec
	errorsTotal       prometheus.Counter

	connectionsAcceptedTotal prometheus.Counter
	connectionsRejectedTotal prometheus.Counter

	deliveryLatency prometheus.Histogram

	uptime            prometheus.GaugeFunc
	activeConnections prometheus.Gauge
	queueCount        prometheus.Gauge
	inFlightMessages  prometheus.Gauge
	memoryUsageBytes  prometheus.Gauge

	queuePending    *prometheus.GaugeVec
	queueOverflow   *prometheus.CounterVec
	queueDroppedTTL *prometheus.CounterVec
}

var defaultDeliveryBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var promMetrics *PrometheusMetrics

// processStartTime feeds the Prometheus uptime gauge. The Prometheus
// registry is process-wide by convention (promhttp serves one /metrics per
// process), unlike Metrics in metrics.go which is owned per-Server.
var processStartTime = time.Now()

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultDeliveryBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivered_total",
			Help: "Total messages handed to a subscriber writer",
		}),
		ackedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "acknowledged_total",
			Help: "Total messages acknowledged by a subscriber",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Total delivery retries after an ack deadline expired",
		}),
		deadLetteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_lettered_total",
			Help: "Total messages routed to the dead-letter queue, by reason",
		}, []string{"reason"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Total SERVER_ERROR and protocol-fatal errors",
		}),
		connectionsAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total",
			Help: "Total connections that completed the handshake",
		}),
		connectionsRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Total connections rejected by the connection rate limiter or a failed handshake",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "delivery_latency_milliseconds",
			Help:    "Time from message selection for delivery to ack or terminal failure",
			Buckets: buckets,
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Currently authenticated connections",
		}),
		queueCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_count",
			Help: "Number of queues known to the broker",
		}),
		inFlightMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "in_flight_messages",
			Help: "Messages delivered but not yet acknowledged",
		}),
		memoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_usage_bytes",
			Help: "Go heap bytes allocated (runtime MemStats.Alloc), sampled each clock tick",
		}),
		queuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_pending",
			Help: "Pending message count by queue",
		}, []string{"queue"}),
		queueOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_overflow_total",
			Help: "Messages dropped or redirected by an overflow strategy, by queue",
		}, []string{"queue"}),
		queueDroppedTTL: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_dropped_ttl_total",
			Help: "Messages expired by TTL without a DLQ, by queue",
		}, []string{"queue"}),
	}

	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds",
		Help: "Time since the broker started",
	}, func() float64 {
		return time.Since(processStartTime).Seconds()
	})

	registry.MustRegister(
		pm.deliveredTotal,
		pm.ackedTotal,
		pm.retriesTotal,
		pm.deadLetteredTotal,
		pm.errorsTotal,
		pm.connectionsAcceptedTotal,
		pm.connectionsRejectedTotal,
		pm.deliveryLatency,
		pm.uptime,
		pm.activeConnections,
		pm.queueCount,
		pm.inFlightMessages,
		pm.memoryUsageBytes,
		pm.queuePending,
		pm.queueOverflow,
		pm.queueDroppedTTL,
	)

	promMetrics = pm
}

// RecordPrometheusDelivery observes a delivery's latency.
func RecordPrometheusDelivery(latencyMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.deliveredTotal.Inc()
	promMetrics.deliveryLatency.Observe(float64(latencyMs))
}

// RecordPrometheusAck records a successful acknowledgement.
func RecordPrometheusAck() {
	if promMetrics == nil {
		return
	}
	promMetrics.ackedTotal.Inc()
}

// RecordPrometheusRetry records a retried delivery.
func RecordPrometheusRetry() {
	if promMetrics == nil {
		return
	}
	promMetrics.retriesTotal.Inc()
}

// RecordPrometheusDeadLetter records a dead-lettered message by reason.
func RecordPrometheusDeadLetter(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.deadLetteredTotal.WithLabelValues(reason).Inc()
}

// RecordPrometheusError records a SERVER_ERROR or protocol-fatal error.
func RecordPrometheusError() {
	if promMetrics == nil {
		return
	}
	promMetrics.errorsTotal.Inc()
}

// RecordPrometheusConnectionAccepted records a completed handshake.
func RecordPrometheusConnectionAccepted() {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsAcceptedTotal.Inc()
	promMetrics.activeConnections.Inc()
}

// RecordPrometheusConnectionClosed records a connection leaving Authenticated.
func RecordPrometheusConnectionClosed() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeConnections.Dec()
}

// RecordPrometheusConnectionRejected records a connection rejected pre-handshake.
func RecordPrometheusConnectionRejected() {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsRejectedTotal.Inc()
}

// SetQueueCount sets the current number of known queues.
func SetQueueCount(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueCount.Set(float64(n))
}

// SetInFlightMessages sets the current ack-tracker in-flight set size.
func SetInFlightMessages(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.inFlightMessages.Set(float64(n))
}

// SetMemoryUsageBytes sets the sampled process memory usage.
func SetMemoryUsageBytes(n int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.memoryUsageBytes.Set(float64(n))
}

// SetQueuePending sets the pending message count for a single queue.
func SetQueuePending(queue string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queuePending.WithLabelValues(queue).Set(float64(n))
}

// RecordQueueOverflow records an overflow-strategy drop/redirect for a queue.
func RecordQueueOverflow(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueOverflow.WithLabelValues(queue).Inc()
}

// RecordQueueDroppedTTL records a TTL expiry with no DLQ for a queue.
func RecordQueueDroppedTTL(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDroppedTTL.WithLabelValues(queue).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
