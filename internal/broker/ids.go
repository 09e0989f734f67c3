package broker

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// idGenerator hands out monotonically increasing uint64 ids. Connection ids
// live on *Server and subscription ids live on *QueueManager — never as
// package-level state, so two Server instances in one process don't share a
// sequence (spec.md §9).
type idGenerator struct {
	next atomic.Uint64
}

func (g *idGenerator) next_() uint64 {
	return g.next.Add(1)
}

// newMessageID assigns an id to a message that arrived without one.
func newMessageID() string { return uuid.NewString() }
