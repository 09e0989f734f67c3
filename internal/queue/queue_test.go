package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSubscriber struct {
	id        uint64
	mu        sync.Mutex
	delivered []*Message
	saturated bool
}

func newFakeSubscriber(id uint64) *fakeSubscriber {
	return &fakeSubscriber{id: id}
}

func (f *fakeSubscriber) ID() uint64 { return f.id }

func (f *fakeSubscriber) Saturated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saturated
}

func (f *fakeSubscriber) Deliver(msg *Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, msg)
}

func (f *fakeSubscriber) payloadIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.delivered))
	for i, m := range f.delivered {
		ids[i] = m.ID
	}
	return ids
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []string
}

func (d *fakeDLQ) Add(originalQueue string, msg *Message, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, reason)
}

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func msg(id string) *Message {
	return &Message{ID: id, Queue: "q", CreatedAt: time.Now()}
}

func TestPublishRejectsDropNewestOnFull(t *testing.T) {
	q := New("q", Options{Mode: RoundRobin, MaxSize: 1, Overflow: DropNewest}, nil, nil)
	if r := q.Publish(context.Background(), msg("a")); r.Outcome != Accepted {
		t.Fatalf("expected first publish accepted, got %+v", r)
	}
	r := q.Publish(context.Background(), msg("b"))
	if r.Outcome != Rejected || r.Reason != "QUEUE_FULL" {
		t.Fatalf("expected Rejected(QUEUE_FULL), got %+v", r)
	}
	if q.Info().PendingCount != 1 {
		t.Fatalf("pending should remain at 1, got %d", q.Info().PendingCount)
	}
}

func TestPublishDropOldest(t *testing.T) {
	q := New("q4", Options{Mode: RoundRobin, MaxSize: 2, Overflow: DropOldest}, nil, nil)
	for _, id := range []string{"a", "b", "c"} {
		if r := q.Publish(context.Background(), msg(id)); r.Outcome != Accepted {
			t.Fatalf("publish %s: expected accepted, got %+v", id, r)
		}
	}
	info := q.Info()
	if info.PendingCount != 2 {
		t.Fatalf("expected 2 pending (S4), got %d", info.PendingCount)
	}
	if info.Counters.DroppedOverflow != 1 {
		t.Fatalf("expected 1 dropped-overflow, got %d", info.Counters.DroppedOverflow)
	}
}

func TestPublishRedirectToDlq(t *testing.T) {
	dlq := &fakeDLQ{}
	q := New("q", Options{Mode: RoundRobin, MaxSize: 1, Overflow: RedirectToDlq, DLQEnabled: true}, dlq, nil)
	q.Publish(context.Background(), msg("a"))
	r := q.Publish(context.Background(), msg("b"))
	if r.Outcome != Accepted {
		t.Fatalf("RedirectToDlq should report Accepted, got %+v", r)
	}
	if dlq.count() != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", dlq.count())
	}
	if q.Info().PendingCount != 1 {
		t.Fatalf("pending should still hold only the first message, got %d", q.Info().PendingCount)
	}
}

func TestPublishBlockPublisherUnblocksOnSpace(t *testing.T) {
	q := New("q", Options{Mode: RoundRobin, MaxSize: 1, Overflow: BlockPublisher}, nil, nil)
	q.Publish(context.Background(), msg("a"))

	done := make(chan PublishResult, 1)
	go func() {
		done <- q.Publish(context.Background(), msg("b"))
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second publish should still be blocked")
	default:
	}

	sub := newFakeSubscriber(1)
	q.AddSubscriber(sub)
	q.TryDeliver() // frees the slot held by "a"

	select {
	case r := <-done:
		if r.Outcome != Accepted {
			t.Fatalf("expected Accepted after space freed, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blocked publisher to unblock")
	}
}

func TestPublishBlockPublisherTimesOut(t *testing.T) {
	q := New("q", Options{Mode: RoundRobin, MaxSize: 1, Overflow: BlockPublisher}, nil, nil)
	q.Publish(context.Background(), msg("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := q.Publish(ctx, msg("b"))
	if r.Outcome != Rejected || r.Reason != "TIMEOUT" {
		t.Fatalf("expected Rejected(TIMEOUT), got %+v", r)
	}
}

func TestPendingNeverExceedsMaxSize(t *testing.T) {
	q := New("q", Options{Mode: RoundRobin, MaxSize: 3, Overflow: DropOldest}, nil, nil)
	for i := 0; i < 50; i++ {
		q.Publish(context.Background(), msg("m"))
		if n := q.Info().PendingCount; n > 3 {
			t.Fatalf("pending exceeded maxSize: %d", n)
		}
	}
}

func TestRoundRobinFairness(t *testing.T) {
	q := New("q2", Options{Mode: RoundRobin, MaxSize: 10}, nil, nil)
	s1, s2 := newFakeSubscriber(1), newFakeSubscriber(2)
	q.AddSubscriber(s1)
	q.AddSubscriber(s2)

	for _, id := range []string{"m1", "m2", "m3", "m4", "m5", "m6"} {
		q.Publish(context.Background(), msg(id))
	}
	for _, d := range q.TryDeliver() {
		d.Subscriber.Deliver(d.Message)
	}

	if len(s1.payloadIDs())+len(s2.payloadIDs()) != 6 {
		t.Fatalf("expected all 6 messages delivered, got %d + %d", len(s1.payloadIDs()), len(s2.payloadIDs()))
	}
	if len(s1.payloadIDs()) != 3 || len(s2.payloadIDs()) != 3 {
		t.Fatalf("expected a 3/3 split, got %d/%d", len(s1.payloadIDs()), len(s2.payloadIDs()))
	}
}

func TestRoundRobinSkipsSaturatedSubscriber(t *testing.T) {
	q := New("q", Options{Mode: RoundRobin, MaxSize: 10}, nil, nil)
	s1, s2 := newFakeSubscriber(1), newFakeSubscriber(2)
	s1.saturated = true
	q.AddSubscriber(s1)
	q.AddSubscriber(s2)

	q.Publish(context.Background(), msg("a"))
	q.Publish(context.Background(), msg("b"))
	for _, d := range q.TryDeliver() {
		d.Subscriber.Deliver(d.Message)
	}

	if len(s1.payloadIDs()) != 0 {
		t.Fatalf("saturated subscriber should receive nothing, got %d", len(s1.payloadIDs()))
	}
	if len(s2.payloadIDs()) != 2 {
		t.Fatalf("expected the non-saturated subscriber to receive both, got %d", len(s2.payloadIDs()))
	}
}

func TestFanOutAckDeliversToEverySubscriber(t *testing.T) {
	q := New("q", Options{Mode: FanOutAck, MaxSize: 10}, nil, nil)
	s1, s2 := newFakeSubscriber(1), newFakeSubscriber(2)
	q.AddSubscriber(s1)
	q.AddSubscriber(s2)

	q.Publish(context.Background(), msg("m1"))
	for _, d := range q.TryDeliver() {
		d.Subscriber.Deliver(d.Message)
	}

	if len(s1.payloadIDs()) != 1 || len(s2.payloadIDs()) != 1 {
		t.Fatalf("expected both subscribers to receive the message, got %d/%d", len(s1.payloadIDs()), len(s2.payloadIDs()))
	}
	if q.Info().PendingCount != 0 {
		t.Fatalf("message should leave pending once fanned out, got %d pending", q.Info().PendingCount)
	}
}

func TestFanOutNoAckBehavesLikeFanOutAckForDelivery(t *testing.T) {
	q := New("q", Options{Mode: FanOutNoAck, MaxSize: 10}, nil, nil)
	s1, s2, s3 := newFakeSubscriber(1), newFakeSubscriber(2), newFakeSubscriber(3)
	q.AddSubscriber(s1)
	q.AddSubscriber(s2)
	q.AddSubscriber(s3)

	q.Publish(context.Background(), msg("m1"))
	for _, d := range q.TryDeliver() {
		d.Subscriber.Deliver(d.Message)
	}

	for i, s := range []*fakeSubscriber{s1, s2, s3} {
		if len(s.payloadIDs()) != 1 {
			t.Fatalf("subscriber %d: expected 1 delivery, got %d", i, len(s.payloadIDs()))
		}
	}
}

func TestPriorityBasedOrdersByPriorityThenFifo(t *testing.T) {
	q := New("q", Options{Mode: PriorityBased, MaxSize: 10}, nil, nil)
	sub := newFakeSubscriber(1)
	q.AddSubscriber(sub)

	low := msg("low")
	low.Priority = PriorityLow
	normal1 := msg("normal1")
	normal1.Priority = PriorityNormal
	critical := msg("critical")
	critical.Priority = PriorityCritical
	normal2 := msg("normal2")
	normal2.Priority = PriorityNormal

	for _, m := range []*Message{low, normal1, critical, normal2} {
		q.Publish(context.Background(), m)
	}
	for _, d := range q.TryDeliver() {
		d.Subscriber.Deliver(d.Message)
	}

	got := sub.payloadIDs()
	want := []string{"critical", "normal1", "normal2", "low"}
	if len(got) != len(want) {
		t.Fatalf("expected %d deliveries, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order mismatch at %d: got %v want %v", i, got, want)
		}
	}
}

func TestExpireTTLRoutesToDlqWhenEnabled(t *testing.T) {
	dlq := &fakeDLQ{}
	q := New("q5", Options{Mode: RoundRobin, MaxSize: 10, DLQEnabled: true}, dlq, nil)
	m := msg("m")
	m.TTL = 10 * time.Millisecond
	q.Publish(context.Background(), m)

	q.ExpireTTL(time.Now())
	if q.Info().PendingCount != 1 {
		t.Fatal("message should not expire before its TTL elapses")
	}

	q.ExpireTTL(time.Now().Add(20 * time.Millisecond))
	if q.Info().PendingCount != 0 {
		t.Fatalf("expired message should leave pending, got %d", q.Info().PendingCount)
	}
	if dlq.count() != 1 {
		t.Fatalf("expected 1 DLQ entry for TtlExpired, got %d", dlq.count())
	}
}

func TestExpireTTLDropsWhenDlqDisabled(t *testing.T) {
	q := New("q", Options{Mode: RoundRobin, MaxSize: 10, DLQEnabled: false}, nil, nil)
	m := msg("m")
	m.TTL = time.Millisecond
	q.Publish(context.Background(), m)

	q.ExpireTTL(time.Now().Add(time.Second))
	info := q.Info()
	if info.PendingCount != 0 {
		t.Fatalf("expected message removed from pending, got %d", info.PendingCount)
	}
	if info.Counters.DroppedTTL != 1 {
		t.Fatalf("expected dropped_ttl counter incremented, got %d", info.Counters.DroppedTTL)
	}
}

func TestAddSubscriberIdempotent(t *testing.T) {
	q := New("q", Options{Mode: RoundRobin, MaxSize: 10}, nil, nil)
	sub := newFakeSubscriber(1)
	q.AddSubscriber(sub)
	q.AddSubscriber(sub)
	if len(q.Subscribers()) != 1 {
		t.Fatalf("expected exactly 1 subscriber after re-adding, got %d", len(q.Subscribers()))
	}
}

func TestRemoveSubscriber(t *testing.T) {
	q := New("q", Options{Mode: RoundRobin, MaxSize: 10}, nil, nil)
	sub := newFakeSubscriber(1)
	q.AddSubscriber(sub)
	if q.RemoveSubscriber(1) == nil {
		t.Fatal("expected RemoveSubscriber to return the removed subscriber")
	}
	if q.RemoveSubscriber(1) != nil {
		t.Fatal("expected nil when removing an already-removed subscriber")
	}
	if len(q.Subscribers()) != 0 {
		t.Fatalf("expected 0 subscribers, got %d", len(q.Subscribers()))
	}
}
