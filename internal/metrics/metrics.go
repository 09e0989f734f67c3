// Package metrics collects and exposes the broker's runtime observability
// data.
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (atomic counters) for the lightweight
//     JSON health/metrics snapshot published on each clock tick (spec.md §6).
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// Record* methods are called from the connection read/write loops and the
// ack tracker on every message; they use only atomic increments so no lock
// is held on the hot path.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects the broker's lifetime and point-in-time counters.
type Metrics struct {
	ActiveConnections atomic.Int64
	QueueCount        atomic.Int64
	InFlightMessages  atomic.Int64
	MemoryUsageBytes  atomic.Int64
	MemoryLimitBytes  atomic.Int64

	TotalPublished           atomic.Int64
	TotalDelivered           atomic.Int64
	TotalAcknowledged        atomic.Int64
	TotalRetries             atomic.Int64
	TotalDeadLettered        atomic.Int64
	TotalErrors              atomic.Int64
	TotalConnectionsAccepted atomic.Int64
	TotalConnectionsRejected atomic.Int64
	TotalDroppedOverflow     atomic.Int64
	TotalDroppedTTL          atomic.Int64

	deliveryLatencySumMs atomic.Int64
	deliveryLatencyCount atomic.Int64

	startTime time.Time
}

// New creates a Metrics instance owned by one Server. The core never keeps
// a process-global metrics singleton (spec.md §9): each Server constructs
// and owns its own (server.go's NewServer).
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// StartTime returns when this instance was created.
func (m *Metrics) StartTime() time.Time { return m.startTime }

// RecordDelivery records one delivery attempt's latency (send to ack, or
// send to terminal failure), feeding average_delivery_latency_ms.
func (m *Metrics) RecordDelivery(latencyMs int64) {
	m.TotalDelivered.Add(1)
	m.deliveryLatencySumMs.Add(latencyMs)
	m.deliveryLatencyCount.Add(1)
	RecordPrometheusDelivery(latencyMs)
}

// RecordAck records a successful acknowledgement.
func (m *Metrics) RecordAck() {
	m.TotalAcknowledged.Add(1)
	RecordPrometheusAck()
}

// RecordRetry records a retried (re-enqueued) delivery.
func (m *Metrics) RecordRetry() {
	m.TotalRetries.Add(1)
	RecordPrometheusRetry()
}

// RecordDeadLetter records a message routed to the dead-letter queue.
func (m *Metrics) RecordDeadLetter(reason string) {
	m.TotalDeadLettered.Add(1)
	RecordPrometheusDeadLetter(reason)
}

// RecordConnectionAccepted records an accepted connection.
func (m *Metrics) RecordConnectionAccepted() {
	m.ActiveConnections.Add(1)
	m.TotalConnectionsAccepted.Add(1)
	RecordPrometheusConnectionAccepted()
}

// RecordConnectionClosed records a connection leaving the Authenticated/
// handshake states.
func (m *Metrics) RecordConnectionClosed() {
	m.ActiveConnections.Add(-1)
	RecordPrometheusConnectionClosed()
}

// RecordConnectionRejected records a connection closed before handshake
// (rate limit or failed handshake).
func (m *Metrics) RecordConnectionRejected() {
	m.TotalConnectionsRejected.Add(1)
	RecordPrometheusConnectionRejected()
}

// RecordError records a SERVER_ERROR or protocol-fatal error.
func (m *Metrics) RecordError() {
	m.TotalErrors.Add(1)
	RecordPrometheusError()
}

// Snapshot returns a point-in-time view matching spec.md §6's health/metrics
// field set.
func (m *Metrics) Snapshot() map[string]interface{} {
	avgLatency := float64(0)
	if count := m.deliveryLatencyCount.Load(); count > 0 {
		avgLatency = float64(m.deliveryLatencySumMs.Load()) / float64(count)
	}

	return map[string]interface{}{
		"uptime_seconds":              int64(time.Since(m.startTime).Seconds()),
		"active_connections":          m.ActiveConnections.Load(),
		"queue_count":                 m.QueueCount.Load(),
		"in_flight_messages":          m.InFlightMessages.Load(),
		"memory_usage_bytes":          m.MemoryUsageBytes.Load(),
		"total_published":             m.TotalPublished.Load(),
		"total_delivered":             m.TotalDelivered.Load(),
		"total_acknowledged":          m.TotalAcknowledged.Load(),
		"total_retries":               m.TotalRetries.Load(),
		"total_dead_lettered":         m.TotalDeadLettered.Load(),
		"total_errors":                m.TotalErrors.Load(),
		"total_connections_accepted":  m.TotalConnectionsAccepted.Load(),
		"total_connections_rejected":  m.TotalConnectionsRejected.Load(),
		"average_delivery_latency_ms": avgLatency,
		"healthy":                     m.Healthy(),
	}
}

// Healthy implements spec.md §6's health definition:
// memory_usage_bytes / memory_limit < 0.9.
func (m *Metrics) Healthy() bool {
	limit := m.MemoryLimitBytes.Load()
	if limit <= 0 {
		return true
	}
	return float64(m.MemoryUsageBytes.Load())/float64(limit) < 0.9
}

// JSONHandler returns an HTTP handler that exposes the snapshot as JSON,
// used by an external health/metrics collaborator (spec.md §6).
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
