package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/novabroker/broker/internal/logging"
	"github.com/novabroker/broker/internal/metrics"
	"github.com/novabroker/broker/internal/queue"
)

// DefaultDLQCapacity is the default ring-buffer size (spec.md §4.9).
const DefaultDLQCapacity = 10000

// DLQRecord is a single dead-lettered message, keyed by {originalQueue,
// reason, message}.
type DLQRecord struct {
	ID              string
	OriginalQueue   string
	Reason          string
	Message         *queue.Message
	DeadLetteredAt  time.Time
}

// DLQ is a bounded ring buffer of dead-lettered messages, shared by every
// queue in the broker. Overflow drops the oldest record and bumps a
// counter (spec.md §4.9).
type DLQ struct {
	mu       sync.Mutex
	capacity int
	records  []*DLQRecord
	nextSeq  uint64
	dropped  atomic.Int64
	metrics  *metrics.Metrics
}

// NewDLQ creates a DLQ with the given capacity, reporting into m (owned by
// the Server constructing this DLQ, never a process-global instance). A
// non-positive capacity falls back to DefaultDLQCapacity.
func NewDLQ(capacity int, m *metrics.Metrics) *DLQ {
	if capacity <= 0 {
		capacity = DefaultDLQCapacity
	}
	return &DLQ{capacity: capacity, metrics: m}
}

// Add routes msg to the DLQ with reason. Implements queue.DLQSink so a
// Queue can hand off TTL-expired and overflow-redirected messages without
// importing the broker package.
func (d *DLQ) Add(originalQueue string, msg *queue.Message, reason string) {
	d.mu.Lock()
	d.nextSeq++
	rec := &DLQRecord{
		ID:             fmt.Sprintf("dlq-%d", d.nextSeq),
		OriginalQueue:  originalQueue,
		Reason:         reason,
		Message:        msg,
		DeadLetteredAt: time.Now(),
	}
	d.records = append(d.records, rec)
	var overflowed bool
	if len(d.records) > d.capacity {
		d.records = d.records[1:]
		overflowed = true
	}
	d.mu.Unlock()

	if overflowed {
		d.dropped.Add(1)
	}

	d.metrics.RecordDeadLetter(reason)
	logging.Op().Info("dead lettered", "id", rec.ID, "queue", originalQueue, "reason", reason, "message_id", msg.ID)
}

// List returns a snapshot of all current DLQ records, oldest first.
func (d *DLQ) List() []*DLQRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*DLQRecord, len(d.records))
	copy(out, d.records)
	return out
}

// ListFiltered returns records matching an optional queue name and/or
// reason, oldest first, capped at limit (0 means unlimited). Implements
// the ListDlq(queue, reason, limit) admin operation from SPEC_FULL.md §C.1.
func (d *DLQ) ListFiltered(queueName, reason string, limit int) []*DLQRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*DLQRecord
	for _, r := range d.records {
		if queueName != "" && r.OriginalQueue != queueName {
			continue
		}
		if reason != "" && r.Reason != reason {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Get returns the record with the given id, if still present.
func (d *DLQ) Get(id string) (*DLQRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.records {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Remove deletes the record with the given id, used after a successful
// replay so it is not replayed twice.
func (d *DLQ) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.records {
		if r.ID == id {
			d.records = append(d.records[:i], d.records[i+1:]...)
			return true
		}
	}
	return false
}

// DroppedOverflow returns the count of DLQ records evicted by ring-buffer
// overflow.
func (d *DLQ) DroppedOverflow() int64 {
	return d.dropped.Load()
}
