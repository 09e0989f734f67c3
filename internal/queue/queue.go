// Package queue implements a single named queue's buffering, delivery mode,
// and overflow policy (spec.md §4.6). A Queue never touches a socket or an
// ack deadline directly; it hands messages to a Subscriber interface and
// lets the broker package own ack tracking and wire I/O.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DeliveryMode selects how TryDeliver assigns pending messages to
// subscribers (spec.md §4.6).
type DeliveryMode int

const (
	RoundRobin DeliveryMode = iota
	FanOutAck
	FanOutNoAck
	PriorityBased
)

// OverflowStrategy selects what publish does when pending is already at
// maxSize (spec.md §4.6).
type OverflowStrategy int

const (
	DropOldest OverflowStrategy = iota
	DropNewest
	BlockPublisher
	RedirectToDlq
)

// PublishOutcome is the result category of a Publish call.
type PublishOutcome int

const (
	Accepted PublishOutcome = iota
	Rejected
)

// PublishResult is returned by Publish; Reason is populated only when
// Outcome is Rejected, using the broker's error-kind vocabulary (spec.md §7).
type PublishResult struct {
	Outcome PublishOutcome
	Reason  string
}

// Subscriber is the queue's view of a delivery target. It is implemented by
// the broker's per-connection subscription wrapper; Queue never references
// a connection directly (spec.md §9 "cyclic references... uni-directional").
type Subscriber interface {
	ID() uint64
	// Saturated reports whether this subscriber's outbound queue is past
	// its backpressure threshold; saturated subscribers are skipped for
	// one delivery round.
	Saturated() bool
	// Deliver hands msg to the subscriber's outbound path. Called only
	// after Saturated() has been checked.
	Deliver(msg *Message)
}

// Delivery pairs a chosen subscriber with the message assigned to it.
type Delivery struct {
	Subscriber Subscriber
	Message    *Message
}

// DLQSink receives messages the queue can no longer keep: overflow
// redirects and TTL expiry. Implemented by the broker's dead-letter queue.
type DLQSink interface {
	Add(originalQueue string, msg *Message, reason string)
}

// MetricsSink receives queue-level events for external metrics collection —
// overflow drops, TTL drops without a DLQ, and pending-depth changes. A nil
// sink is valid (no metrics recorded); mirrors DLQSink's decoupling so a
// Queue never imports the metrics package directly (spec.md §9).
type MetricsSink interface {
	RecordOverflow(queueName string)
	RecordDroppedTTL(queueName string)
	SetPending(queueName string, n int)
}

// Options configures a Queue at creation time (spec.md §4.6/§6).
type Options struct {
	Mode             DeliveryMode
	MaxSize          int
	Overflow         OverflowStrategy
	MessageTTL       time.Duration // default TTL applied when a message doesn't specify one
	DLQEnabled       bool
	MaxRetryAttempts int
}

// Counters accumulates per-queue lifetime statistics surfaced via Info.
type Counters struct {
	Published       uint64
	DroppedOverflow uint64
	DroppedTTL      uint64
}

// Info is a point-in-time snapshot returned by Queue.Info.
type Info struct {
	Name         string
	Mode         DeliveryMode
	MaxSize      int
	Overflow     OverflowStrategy
	PendingCount int
	Subscribers  int
	CreatedAt    time.Time
	Counters     Counters
}

// Queue holds one named queue's pending buffer, subscriber set, and policy.
// All mutation is serialized behind mu, matching spec.md §5's "each queue
// has a single logical owner".
type Queue struct {
	name      string
	opts      Options
	dlq       DLQSink
	metrics   MetricsSink
	createdAt time.Time

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []*Message
	subs        map[uint64]Subscriber
	order       []uint64 // subscription ids in round-robin order
	cursor      int
	counters    Counters
	closed      bool
}

// New creates a queue named name with the given options. metrics may be nil.
func New(name string, opts Options, dlq DLQSink, metrics MetricsSink) *Queue {
	q := &Queue{
		name:      name,
		opts:      opts,
		dlq:       dlq,
		metrics:   metrics,
		createdAt: time.Now(),
		subs:      make(map[uint64]Subscriber),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) recordOverflow() {
	if q.metrics != nil {
		q.metrics.RecordOverflow(q.name)
	}
}

func (q *Queue) recordDroppedTTL() {
	if q.metrics != nil {
		q.metrics.RecordDroppedTTL(q.name)
	}
}

func (q *Queue) recordPending() {
	if q.metrics != nil {
		q.metrics.SetPending(q.name, len(q.pending))
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Options returns the queue's configured options.
func (q *Queue) Options() Options {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts
}

// Publish enforces maxSize via the configured overflow strategy, then
// appends msg to pending (spec.md §4.6). ctx bounds how long a
// BlockPublisher call may wait for space.
func (q *Queue) Publish(ctx context.Context, msg *Message) PublishResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.TTL == 0 {
		msg.TTL = q.opts.MessageTTL
	}

	for len(q.pending) >= q.opts.MaxSize && q.opts.MaxSize > 0 {
		switch q.opts.Overflow {
		case DropOldest:
			dropped := q.pending[0]
			q.pending = q.pending[1:]
			q.counters.DroppedOverflow++
			q.recordOverflow()
			_ = dropped
		case DropNewest:
			q.recordOverflow()
			return PublishResult{Outcome: Rejected, Reason: "QUEUE_FULL"}
		case RedirectToDlq:
			if q.opts.DLQEnabled && q.dlq != nil {
				q.dlq.Add(q.name, msg, "QueueOverflow")
			} else {
				q.counters.DroppedOverflow++
			}
			q.recordOverflow()
			q.counters.Published++
			q.recordPending()
			return PublishResult{Outcome: Accepted}
		case BlockPublisher:
			waitDone := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					q.mu.Lock()
					q.cond.Broadcast()
					q.mu.Unlock()
				case <-waitDone:
				}
			}()
			q.cond.Wait()
			close(waitDone)
			if ctx.Err() != nil {
				return PublishResult{Outcome: Rejected, Reason: "TIMEOUT"}
			}
			// Loop re-checks the condition; fall through to re-evaluate.
			continue
		}
	}

	q.insertPending(msg)
	q.counters.Published++
	q.recordPending()
	return PublishResult{Outcome: Accepted}
}

func (q *Queue) insertPending(msg *Message) {
	if q.opts.Mode != PriorityBased {
		q.pending = append(q.pending, msg)
		return
	}
	// Priority descending, createdAt ascending; ties keep insertion order.
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < msg.Priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = msg
}

// Requeue re-inserts msg at the head of pending, preserving priority order
// for PriorityBased queues; used by the ack tracker's retry path (spec.md
// §4.8: "re-inserted at the head... retries preserve priority, not arrival
// order").
func (q *Queue) Requeue(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.opts.Mode == PriorityBased {
		q.insertPending(msg)
		return
	}
	q.pending = append([]*Message{msg}, q.pending...)
	q.cond.Broadcast()
}

// TryDeliver assigns as many pending messages to ready subscribers as
// possible in one serialized pass and returns the resulting deliveries.
// Messages assigned to a fan-out mode are removed from pending once handed
// to every ready subscriber; a RoundRobin/PriorityBased message is removed
// once assigned to a single subscriber.
func (q *Queue) TryDeliver() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Delivery
	for {
		if len(q.pending) == 0 || len(q.order) == 0 {
			if len(out) > 0 {
				q.recordPending()
			}
			return out
		}
		switch q.opts.Mode {
		case FanOutAck, FanOutNoAck:
			ready := q.readySubscribers()
			if len(ready) == 0 {
				if len(out) > 0 {
					q.recordPending()
				}
				return out
			}
			msg := q.pending[0]
			q.pending = q.pending[1:]
			for _, s := range ready {
				out = append(out, Delivery{Subscriber: s, Message: msg.Clone()})
			}
			q.cond.Broadcast()
		default: // RoundRobin, PriorityBased
			sub := q.nextReadySubscriber()
			if sub == nil {
				if len(out) > 0 {
					q.recordPending()
				}
				return out
			}
			msg := q.pending[0]
			q.pending = q.pending[1:]
			out = append(out, Delivery{Subscriber: sub, Message: msg})
			q.cond.Broadcast()
		}
	}
}

func (q *Queue) readySubscribers() []Subscriber {
	var ready []Subscriber
	for _, id := range q.order {
		s := q.subs[id]
		if s != nil && !s.Saturated() {
			ready = append(ready, s)
		}
	}
	return ready
}

// nextReadySubscriber advances the round-robin cursor to the next
// non-saturated subscriber, wrapping at most once around the full set.
func (q *Queue) nextReadySubscriber() Subscriber {
	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		s := q.subs[q.order[idx]]
		if s != nil && !s.Saturated() {
			q.cursor = (idx + 1) % n
			return s
		}
	}
	return nil
}

// ExpireTTL removes pending messages whose deadline has passed, routing
// each to the DLQ (if enabled) or a drop counter (spec.md §4.6, §9).
func (q *Queue) ExpireTTL(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	expiredAny := false
	for _, msg := range q.pending {
		if msg.Expired(now) {
			expiredAny = true
			if q.opts.DLQEnabled && q.dlq != nil {
				q.dlq.Add(q.name, msg, "TtlExpired")
			} else {
				q.counters.DroppedTTL++
				q.recordDroppedTTL()
			}
			continue
		}
		kept = append(kept, msg)
	}
	q.pending = kept
	if expiredAny {
		q.recordPending()
	}
	q.cond.Broadcast()
}

// AddSubscriber registers sub for delivery. Idempotent: re-adding a
// subscriber with the same ID replaces its entry without duplicating it in
// the round-robin order.
func (q *Queue) AddSubscriber(sub Subscriber) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.subs[sub.ID()]; !exists {
		q.order = append(q.order, sub.ID())
	}
	q.subs[sub.ID()] = sub
	q.cond.Broadcast()
}

// RemoveSubscriber unregisters the subscriber with the given id, returning
// it (or nil if unknown) so the caller can redistribute its in-flight work.
func (q *Queue) RemoveSubscriber(id uint64) Subscriber {
	q.mu.Lock()
	defer q.mu.Unlock()
	sub, ok := q.subs[id]
	if !ok {
		return nil
	}
	delete(q.subs, id)
	for i, sid := range q.order {
		if sid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	if q.cursor >= len(q.order) {
		q.cursor = 0
	}
	return sub
}

// Info returns a snapshot of the queue's state.
func (q *Queue) Info() Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Info{
		Name:         q.name,
		Mode:         q.opts.Mode,
		MaxSize:      q.opts.MaxSize,
		Overflow:     q.opts.Overflow,
		PendingCount: len(q.pending),
		Subscribers:  len(q.subs),
		CreatedAt:    q.createdAt,
		Counters:     q.counters,
	}
}

// Drain removes and returns every pending message, used by queue deletion
// to route remaining messages to a system DLQ or drop them (spec.md §4.7).
func (q *Queue) Drain() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.pending
	q.pending = nil
	q.closed = true
	q.cond.Broadcast()
	return drained
}

// Subscribers returns the ids of all currently registered subscribers, used
// by queue deletion to emit UnsubscribeAck(QueueDeleted) to each.
func (q *Queue) Subscribers() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]uint64, len(q.order))
	copy(out, q.order)
	return out
}
