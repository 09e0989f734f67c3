package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/novabroker/broker/internal/config"
	"github.com/novabroker/broker/internal/logging"
	"github.com/novabroker/broker/internal/metrics"
	"github.com/novabroker/broker/internal/queue"
)

// wakeKey is the single notification key used to wake the server's delivery
// pump; Pump() scans every queue on each wake, so per-queue notification
// keys buy nothing at this level (the queue package's QueueKey granularity
// exists for consumers that run one delivery goroutine per queue).
const wakeKey = queue.QueueKey("_wake")

// QueueManager is the process-wide directory mapping queue name → queue
// (spec.md §4.7). Cross-queue operations are independent; a single queue's
// mutations are serialized by the Queue itself.
type QueueManager struct {
	mu       sync.RWMutex
	queues   map[string]*queue.Queue
	defaults config.QueueDefaultsConfig
	dlq      *DLQ
	notifier queue.Notifier
	metrics  *metrics.Metrics
	subIDGen idGenerator
}

// NewQueueManager creates a manager applying defaults to auto-created
// queues, routing overflow/TTL drops to dlq, and waking delivery passes
// through notifier. m is owned by the Server constructing this manager,
// never a process-global instance (spec.md §9).
func NewQueueManager(defaults config.QueueDefaultsConfig, dlq *DLQ, notifier queue.Notifier, m *metrics.Metrics) *QueueManager {
	return &QueueManager{
		queues:   make(map[string]*queue.Queue),
		defaults: defaults,
		dlq:      dlq,
		notifier: notifier,
		metrics:  m,
	}
}

func parseDeliveryMode(s string) queue.DeliveryMode {
	switch strings.ToLower(s) {
	case "fan_out_ack", "fanoutack":
		return queue.FanOutAck
	case "fan_out_no_ack", "fanoutnoack":
		return queue.FanOutNoAck
	case "priority_based", "prioritybased", "priority":
		return queue.PriorityBased
	default:
		return queue.RoundRobin
	}
}

func parseOverflowStrategy(s string) queue.OverflowStrategy {
	switch strings.ToLower(s) {
	case "drop_newest", "dropnewest":
		return queue.DropNewest
	case "block_publisher", "blockpublisher":
		return queue.BlockPublisher
	case "redirect_to_dlq", "redirecttodlq":
		return queue.RedirectToDlq
	default:
		return queue.DropOldest
	}
}

// queueMetricsSink adapts a *metrics.Metrics instance to queue.MetricsSink so
// internal/queue can report overflow/TTL/pending events without importing
// internal/metrics itself (spec.md §9).
type queueMetricsSink struct{ m *metrics.Metrics }

func (s queueMetricsSink) RecordOverflow(queueName string) {
	s.m.TotalDroppedOverflow.Add(1)
	metrics.RecordQueueOverflow(queueName)
}

func (s queueMetricsSink) RecordDroppedTTL(queueName string) {
	s.m.TotalDroppedTTL.Add(1)
	metrics.RecordQueueDroppedTTL(queueName)
}

func (s queueMetricsSink) SetPending(queueName string, n int) {
	metrics.SetQueuePending(queueName, n)
}

// reportQueueCount updates the known-queue gauges; callers must hold m.mu.
func (m *QueueManager) reportQueueCount() {
	n := len(m.queues)
	m.metrics.QueueCount.Store(int64(n))
	metrics.SetQueueCount(n)
}

func (m *QueueManager) metricsSink() queue.MetricsSink {
	return queueMetricsSink{m.metrics}
}

func (m *QueueManager) defaultOptions() queue.Options {
	return queue.Options{
		Mode:             parseDeliveryMode(m.defaults.DeliveryMode),
		MaxSize:          m.defaults.MaxSize,
		Overflow:         parseOverflowStrategy(m.defaults.OverflowStrategy),
		MessageTTL:       m.defaults.MessageTTL,
		DLQEnabled:       m.defaults.DLQEnabled,
		MaxRetryAttempts: m.defaults.MaxRetryAttempts,
	}
}

// Get returns the named queue without creating it.
func (m *QueueManager) Get(name string) (*queue.Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Ensure returns the named queue, creating it with defaults if auto-create
// is enabled; otherwise fails with QUEUE_NOT_FOUND.
func (m *QueueManager) Ensure(name string) (*queue.Queue, error) {
	if q, ok := m.Get(name); ok {
		return q, nil
	}
	if !m.defaults.AutoCreate {
		return nil, NewError(ErrQueueNotFound, "queue %q does not exist", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q := queue.New(name, m.defaultOptions(), m.dlq, m.metricsSink())
	m.queues[name] = q
	m.reportQueueCount()
	logging.Op().Info("queue auto-created", "queue", name)
	return q, nil
}

// Create explicitly creates a queue with opts, failing with QUEUE_EXISTS on
// a duplicate name.
func (m *QueueManager) Create(name string, opts queue.Options) (*queue.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; ok {
		return nil, NewError(ErrQueueExists, "queue %q already exists", name)
	}
	q := queue.New(name, opts, m.dlq, m.metricsSink())
	m.queues[name] = q
	m.reportQueueCount()
	logging.Op().Info("queue created", "queue", name)
	return q, nil
}

// Delete removes the named queue, releasing every subscriber with an
// UnsubscribeAck(reason=QueueDeleted) and dropping remaining pending
// messages to the DLQ (spec.md §4.7).
func (m *QueueManager) Delete(name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return NewError(ErrQueueNotFound, "queue %q does not exist", name)
	}
	delete(m.queues, name)
	m.reportQueueCount()
	m.mu.Unlock()

	for _, id := range q.Subscribers() {
		sub := q.RemoveSubscriber(id)
		if handle, ok := sub.(*subscriptionHandle); ok {
			handle.conn.removeSubscription(name)
			handle.conn.sendUnsubscribeAck(name, "QueueDeleted")
		}
	}
	for _, msg := range q.Drain() {
		m.dlq.Add(name, msg, "QueueDeleted")
	}
	logging.Op().Info("queue deleted", "queue", name)
	return nil
}

// Publish locates or creates the destination queue, stamps createdAt and an
// id if absent, and delegates to the queue.
func (m *QueueManager) Publish(ctx context.Context, name string, msg *queue.Message) (queue.PublishResult, error) {
	q, err := m.Ensure(name)
	if err != nil {
		return queue.PublishResult{}, err
	}
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Queue = name

	result := q.Publish(ctx, msg)
	if result.Outcome == queue.Accepted {
		m.metrics.TotalPublished.Add(1)
		m.notifier.Notify(ctx, wakeKey)
	} else {
		switch result.Reason {
		case "QUEUE_FULL":
			metrics.RecordPrometheusError()
		}
	}
	return result, nil
}

// Subscribe binds conn to the named queue, returning the existing
// subscription id if conn is already subscribed (idempotent, spec.md §3).
func (m *QueueManager) Subscribe(ctx context.Context, conn *Connection, name string) (uint64, error) {
	if h := conn.subscriptionFor(name); h != nil {
		return h.ID(), nil
	}
	q, err := m.Ensure(name)
	if err != nil {
		return 0, err
	}
	h := newSubscriptionHandle(m.subIDGen.next_(), name, conn)
	q.AddSubscriber(h)
	conn.addSubscription(name, h)
	m.notifier.Notify(ctx, wakeKey)
	return h.ID(), nil
}

// Unsubscribe removes conn's subscription to name, if any. Idempotent.
func (m *QueueManager) Unsubscribe(conn *Connection, name string) {
	h := conn.subscriptionFor(name)
	if h == nil {
		return
	}
	if q, ok := m.Get(name); ok {
		q.RemoveSubscriber(h.ID())
	}
	conn.removeSubscription(name)
}

// Info returns a snapshot of the named queue.
func (m *QueueManager) Info(name string) (queue.Info, error) {
	q, ok := m.Get(name)
	if !ok {
		return queue.Info{}, NewError(ErrQueueNotFound, "queue %q does not exist", name)
	}
	return q.Info(), nil
}

// List returns a snapshot of every known queue.
func (m *QueueManager) List() []queue.Info {
	m.mu.RLock()
	qs := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.RUnlock()

	out := make([]queue.Info, len(qs))
	for i, q := range qs {
		out[i] = q.Info()
	}
	return out
}

// Pump runs one delivery pass over every queue, returning all resulting
// deliveries. Called by the server's clock task and whenever the notifier
// wakes a queue.
func (m *QueueManager) Pump() []queue.Delivery {
	m.mu.RLock()
	qs := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.RUnlock()

	var out []queue.Delivery
	for _, q := range qs {
		out = append(out, q.TryDeliver()...)
	}
	return out
}

// ExpireAll runs TTL expiry over every queue.
func (m *QueueManager) ExpireAll(now time.Time) {
	m.mu.RLock()
	qs := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.RUnlock()

	for _, q := range qs {
		q.ExpireTTL(now)
	}
}

// ReleaseConnection removes every subscription owned by conn, used on
// connection close (spec.md §4.4's invariant: every Subscribe is paired
// with an Unsubscribe effect on termination).
func (m *QueueManager) ReleaseConnection(conn *Connection) {
	for _, name := range conn.subscriptionNames() {
		if q, ok := m.Get(name); ok {
			if h := conn.subscriptionFor(name); h != nil {
				q.RemoveSubscriber(h.ID())
			}
		}
	}
	conn.clearSubscriptions()
}
