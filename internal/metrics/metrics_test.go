package metrics

import "testing"

func TestSnapshotFieldsMatchExternalContract(t *testing.T) {
	m := &Metrics{}
	m.ActiveConnections.Store(3)
	m.QueueCount.Store(2)
	m.InFlightMessages.Store(5)
	m.MemoryUsageBytes.Store(1024)
	m.TotalPublished.Store(10)
	m.RecordDelivery(100)
	m.RecordDelivery(300)
	m.RecordAck()

	snap := m.Snapshot()
	want := []string{
		"active_connections", "queue_count", "in_flight_messages",
		"memory_usage_bytes", "total_published", "total_delivered",
		"total_acknowledged", "total_retries", "total_dead_lettered",
		"total_errors", "total_connections_accepted",
		"total_connections_rejected", "average_delivery_latency_ms",
	}
	for _, k := range want {
		if _, ok := snap[k]; !ok {
			t.Fatalf("snapshot missing field %q", k)
		}
	}
	if avg := snap["average_delivery_latency_ms"].(float64); avg != 200 {
		t.Fatalf("expected average latency 200, got %v", avg)
	}
}

func TestHealthyThreshold(t *testing.T) {
	m := &Metrics{}
	m.MemoryLimitBytes.Store(1000)

	m.MemoryUsageBytes.Store(899)
	if !m.Healthy() {
		t.Fatal("89.9%% usage should be healthy")
	}
	m.MemoryUsageBytes.Store(900)
	if m.Healthy() {
		t.Fatal("90%% usage should not be healthy")
	}
}

func TestHealthyWithNoLimitConfigured(t *testing.T) {
	m := &Metrics{}
	m.MemoryUsageBytes.Store(1 << 30)
	if !m.Healthy() {
		t.Fatal("a zero memory limit should be treated as unbounded/healthy")
	}
}
