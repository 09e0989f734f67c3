package broker

import (
	"github.com/novabroker/broker/internal/queue"
)

// subscriptionHandle adapts a *Connection to queue.Subscriber without
// giving the queue package a direct reference to the connection type —
// ownership stays uni-directional: the queue owns subscribers by id, the
// connection owns its own subscription-id set, no back-pointers (spec.md
// §9, "cyclic references").
type subscriptionHandle struct {
	id      uint64
	queue   string
	conn    *Connection
}

func newSubscriptionHandle(id uint64, queueName string, conn *Connection) *subscriptionHandle {
	return &subscriptionHandle{id: id, queue: queueName, conn: conn}
}

func (h *subscriptionHandle) ID() uint64 { return h.id }

// Saturated reports whether the connection's outbound queue is backed up
// enough that the delivery pass should skip it for one round (spec.md
// §4.6).
func (h *subscriptionHandle) Saturated() bool {
	return h.conn.outboundSaturated()
}

// Deliver hands msg to the connection's writer as a Deliver frame and
// registers it with the ack tracker.
func (h *subscriptionHandle) Deliver(msg *queue.Message) {
	h.conn.deliver(h.id, h.queue, msg)
}
