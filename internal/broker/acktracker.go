package broker

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/novabroker/broker/internal/logging"
	"github.com/novabroker/broker/internal/metrics"
	"github.com/novabroker/broker/internal/observability"
	"github.com/novabroker/broker/internal/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// defaultInitialBackoff/defaultMaxBackoff are used when the configured
// timing values are zero.
const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff      = 5 * time.Minute
)

// calcBackoff returns the exponential retry delay for a given retry count,
// capped at maxBackoff: min(initial*2^(attempt-1), max).
func calcBackoff(retry int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}
	if max < initial {
		max = initial
	}
	if retry < 1 {
		retry = 1
	}
	d := float64(initial) * math.Pow(2, float64(retry-1))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}

type inFlightKey struct {
	msgID string
	subID uint64
}

type inFlightEntry struct {
	msg       *queue.Message
	queueName string
	subID     uint64
	retries   int // number of retries already taken for this message
	sendTime  time.Time
	deadline  time.Time
	span      trace.Span
}

// AckTracker maintains the in-flight set: messages handed to a writer that
// have not yet been acknowledged, released, or dead-lettered (spec.md §4.8).
// Entries are keyed by (messageId, subscriptionId) so at most one in-flight
// entry exists per pair (spec.md §8 property 3).
type AckTracker struct {
	mu      sync.Mutex
	entries map[inFlightKey]*inFlightEntry

	queueManager   *QueueManager
	dlq            *DLQ
	ackTimeout     time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	metrics        *metrics.Metrics
	deliveryLog    *logging.Logger
}

// NewAckTracker creates a tracker bound to qm (for requeueing retries) and
// dlq (for terminal failures), reporting into m and recording every
// deliver/ack/retry/dead-letter event to deliveryLog.
func NewAckTracker(qm *QueueManager, dlq *DLQ, ackTimeout, initialBackoff, maxBackoff time.Duration, m *metrics.Metrics, deliveryLog *logging.Logger) *AckTracker {
	return &AckTracker{
		entries:        make(map[inFlightKey]*inFlightEntry),
		queueManager:   qm,
		dlq:            dlq,
		ackTimeout:     ackTimeout,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		metrics:        m,
		deliveryLog:    deliveryLog,
	}
}

// track registers a delivery attempt. Called every time a subscriber.Deliver
// happens, whether it is the first send or a retried redelivery — both
// travel through the same queue → subscriber.Deliver path.
func (t *AckTracker) track(queueName string, subID uint64, msg *queue.Message) {
	msg.DeliveryAttempts++
	now := time.Now()
	deadline := now.Add(t.ackTimeout)
	if t.ackTimeout <= 0 {
		deadline = now.Add(30 * time.Second)
	}

	_, span := observability.Tracer().Start(context.Background(), "broker.deliver",
		trace.WithAttributes(
			attribute.String("queue", queueName),
			attribute.String("message_id", msg.ID),
			attribute.Int64("subscription_id", int64(subID)),
			attribute.Int("attempt", msg.DeliveryAttempts),
		))

	entry := &inFlightEntry{
		msg:       msg,
		queueName: queueName,
		subID:     subID,
		retries:   msg.DeliveryAttempts - 1,
		sendTime:  now,
		deadline:  deadline,
		span:      span,
	}

	t.mu.Lock()
	t.entries[inFlightKey{msgID: msg.ID, subID: subID}] = entry
	t.mu.Unlock()

	t.adjustInFlight(1)
	t.deliveryLog.Log(&logging.DeliveryLog{
		MessageID:      msg.ID,
		Queue:          queueName,
		SubscriptionID: subID,
		Attempt:        msg.DeliveryAttempts,
		Outcome:        "delivered",
	})
}

// adjustInFlight updates the in-flight gauge on both the JSON snapshot and
// the Prometheus registry.
func (t *AckTracker) adjustInFlight(delta int64) {
	n := t.metrics.InFlightMessages.Add(delta)
	metrics.SetInFlightMessages(int(n))
}

// ack removes the in-flight entry for (msgID, subID), if any, and records
// the delivery's latency.
func (t *AckTracker) ack(msgID string, subID uint64) bool {
	key := inFlightKey{msgID: msgID, subID: subID}

	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.adjustInFlight(-1)
	durationMs := time.Since(entry.sendTime).Milliseconds()
	t.metrics.RecordDelivery(durationMs)
	t.metrics.RecordAck()
	t.deliveryLog.Log(&logging.DeliveryLog{
		MessageID:      msgID,
		Queue:          entry.queueName,
		SubscriptionID: subID,
		Attempt:        entry.msg.DeliveryAttempts,
		DurationMs:     durationMs,
		Outcome:        "acked",
	})
	if entry.span != nil {
		entry.span.SetAttributes(attribute.String("outcome", "acked"))
		entry.span.SetStatus(codes.Ok, "acked")
		entry.span.End()
	}
	return true
}

// releaseSubscriber treats every in-flight entry owned by subID as an
// immediate deadline expiry — used when a connection closes or
// unsubscribes (spec.md §4.8 "Subscriber gone").
func (t *AckTracker) releaseSubscriber(subID uint64) {
	t.mu.Lock()
	var expired []*inFlightEntry
	for key, entry := range t.entries {
		if key.subID == subID {
			expired = append(expired, entry)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, entry := range expired {
		t.adjustInFlight(-1)
		t.handleExpired(entry)
	}
}

// tick scans for deadline-expired entries and processes each one. Called by
// the server's clock task.
func (t *AckTracker) tick(now time.Time) {
	t.mu.Lock()
	var expired []*inFlightEntry
	for key, entry := range t.entries {
		if !entry.deadline.After(now) {
			expired = append(expired, entry)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, entry := range expired {
		t.adjustInFlight(-1)
		t.handleExpired(entry)
	}
}

// handleExpired implements spec.md §4.8's deadline-expired policy: retry
// with backoff up to maxRetryAttempts, then dead-letter.
func (t *AckTracker) handleExpired(entry *inFlightEntry) {
	durationMs := time.Since(entry.sendTime).Milliseconds()
	t.metrics.RecordDelivery(durationMs)

	maxRetry := 3
	if q, ok := t.queueManager.Get(entry.queueName); ok {
		maxRetry = q.Options().MaxRetryAttempts
	}

	retry := entry.retries + 1
	if retry > maxRetry {
		t.dlq.Add(entry.queueName, entry.msg, "MaxRetriesExceeded")
		t.deliveryLog.Log(&logging.DeliveryLog{
			MessageID:      entry.msg.ID,
			Queue:          entry.queueName,
			SubscriptionID: entry.subID,
			Attempt:        entry.msg.DeliveryAttempts,
			DurationMs:     durationMs,
			Outcome:        "dead_lettered",
			Reason:         "MaxRetriesExceeded",
		})
		if entry.span != nil {
			entry.span.SetAttributes(attribute.String("outcome", "dead_lettered"))
			entry.span.SetStatus(codes.Error, "max retries exceeded")
			entry.span.End()
		}
		return
	}

	backoff := calcBackoff(retry, t.initialBackoff, t.maxBackoff)
	t.metrics.RecordRetry()
	logging.Op().Info("retrying delivery", "queue", entry.queueName, "message_id", entry.msg.ID, "retry", retry, "backoff", backoff)
	t.deliveryLog.Log(&logging.DeliveryLog{
		MessageID:      entry.msg.ID,
		Queue:          entry.queueName,
		SubscriptionID: entry.subID,
		Attempt:        entry.msg.DeliveryAttempts,
		DurationMs:     durationMs,
		Outcome:        "retried",
	})

	if entry.span != nil {
		entry.span.SetAttributes(attribute.String("outcome", "retrying"))
		entry.span.SetStatus(codes.Error, "ack deadline expired")
		entry.span.End()
	}

	msg := entry.msg
	q, ok := t.queueManager.Get(entry.queueName)
	if !ok {
		t.dlq.Add(entry.queueName, msg, "MaxRetriesExceeded")
		return
	}
	time.AfterFunc(backoff, func() {
		q.Requeue(msg)
	})
}
