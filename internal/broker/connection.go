package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/novabroker/broker/internal/logging"
	"github.com/novabroker/broker/internal/queue"
	"github.com/novabroker/broker/internal/wire"
)

// connState is the connection lifecycle state machine (spec.md §4.4):
//
//	Accepted → AwaitingConnect → Authenticated → Closing → Closed
type connState int32

const (
	stateAccepted connState = iota
	stateAwaitingConnect
	stateAuthenticated
	stateClosing
	stateClosed
)

// outboundSaturationThreshold is the queued-frame count past which a
// subscriber is considered saturated and skipped for one delivery round
// (spec.md §4.6).
const outboundSaturationThreshold = 1000

// Connection owns one accepted socket: the read loop, the batching write
// loop, keep-alive, and the set of subscriptions and in-flight deliveries
// it owns. A Connection never reaches back into Queue; it is only ever
// referenced by the queue package through the subscriptionHandle adapter
// (spec.md §9).
type Connection struct {
	id         uint64
	netConn    net.Conn
	remoteAddr string
	server     *Server
	writer     *wire.BatchingWriter

	state    atomic.Int32
	lastRecv atomic.Int64
	lastSent atomic.Int64

	mu   sync.Mutex
	subs map[string]*subscriptionHandle

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newConnection(netConn net.Conn, srv *Server) *Connection {
	c := &Connection{
		id:         srv.connIDGen.next_(),
		netConn:    netConn,
		remoteAddr: netConn.RemoteAddr().String(),
		server:     srv,
		subs:       make(map[string]*subscriptionHandle),
		closeCh:    make(chan struct{}),
	}
	c.writer = wire.NewBatchingWriter(netConn, 0)
	c.state.Store(int32(stateAccepted))
	return c
}

// ID returns the broker-assigned connection id.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddr returns the connection's remote address string.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// run drives the connection from handshake through the read loop until it
// closes. It never returns until the connection is fully torn down.
func (c *Connection) run(ctx context.Context) {
	defer c.teardown()

	c.state.Store(int32(stateAwaitingConnect))
	if err := c.handshake(); err != nil {
		logging.Op().Warn("handshake failed", "remote", c.remoteAddr, "err", err)
		c.server.metrics.RecordConnectionRejected()
		return
	}

	c.state.Store(int32(stateAuthenticated))
	now := time.Now().UnixNano()
	c.lastRecv.Store(now)
	c.lastSent.Store(now)
	c.server.metrics.RecordConnectionAccepted()
	logging.Op().Info("connection authenticated", "conn_id", c.id, "remote", c.remoteAddr)

	go c.writerErrorWatcher()
	go c.keepAliveLoop(ctx)
	c.readLoop(ctx)
}

func (c *Connection) handshake() error {
	_ = c.netConn.SetReadDeadline(time.Now().Add(c.server.opts.Timing.HandshakeTimeout))
	body, err := wire.ReadFrame(c.netConn, c.server.opts.Listener.MaxMessageSize)
	if err != nil {
		return NewError(ErrTimeout, "handshake: %v", err)
	}
	msg, err := wire.Decode(body)
	if err != nil {
		c.sendError(ErrInvalidMessage, err.Error())
		return NewError(ErrInvalidMessage, "handshake decode: %v", err)
	}
	if msg.Type != wire.CmdConnect {
		c.sendError(ErrInvalidMessage, "first frame must be Connect")
		return NewError(ErrInvalidMessage, "first frame was %s, not Connect", msg.Type)
	}
	if !c.server.auth.Verify(msg.Headers["token"]) {
		c.sendError(ErrAuthFailed, "invalid token")
		return NewError(ErrAuthFailed, "token rejected")
	}
	_ = c.netConn.SetReadDeadline(time.Time{})

	ack := &wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdConnectAck,
		ID:            strconv.FormatUint(c.id, 10),
	}
	return c.sendMessage(ack)
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		body, err := wire.ReadFrame(c.netConn, c.server.opts.Listener.MaxMessageSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logging.Op().Info("connection closed by peer", "conn_id", c.id)
			} else {
				logging.Op().Warn("read error", "conn_id", c.id, "err", err)
			}
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		msg, err := wire.Decode(body)
		if err != nil {
			c.sendError(ErrInvalidMessage, err.Error())
			return
		}
		c.server.dispatcher.dispatch(ctx, c, msg)
	}
}

func (c *Connection) keepAliveLoop(ctx context.Context) {
	interval := c.server.opts.Timing.KeepAliveInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			now := time.Now()
			if now.Sub(time.Unix(0, c.lastSent.Load())) >= interval {
				_ = c.sendMessage(&wire.Message{SchemaVersion: wire.CurrentSchemaVersion, Type: wire.CmdPing})
			}
			if now.Sub(time.Unix(0, c.lastRecv.Load())) >= 2*interval {
				c.closeWithReason(ErrKeepaliveTimeout, "no frame received for 2x keep-alive interval")
				return
			}
		}
	}
}

func (c *Connection) writerErrorWatcher() {
	select {
	case err, ok := <-c.writer.Err():
		if ok {
			logging.Op().Warn("write error", "conn_id", c.id, "err", err)
			c.closeWithReason(ErrServerError, err.Error())
		}
	case <-c.closeCh:
	}
}

func (c *Connection) sendMessage(msg *wire.Message) error {
	if connState(c.state.Load()) >= stateClosing {
		return io.ErrClosedPipe
	}
	c.lastSent.Store(time.Now().UnixNano())
	return c.writer.Enqueue(wire.Encode(msg))
}

func (c *Connection) sendError(kind ErrorKind, message string) {
	_ = c.sendMessage(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdError,
		ErrorCode:     string(kind),
		ErrorMessage:  message,
	})
}

// sendCommandError reports a failure that is a response to a specific
// inbound command, echoing its id/queue so a client can correlate the
// error with the pending call it made (spec.md §4.12's ack correlation).
func (c *Connection) sendCommandError(orig *wire.Message, kind ErrorKind, message string) {
	_ = c.sendMessage(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdError,
		ID:            orig.ID,
		Queue:         orig.Queue,
		ErrorCode:     string(kind),
		ErrorMessage:  message,
	})
}

func (c *Connection) sendUnsubscribeAck(queueName, reason string) {
	_ = c.sendMessage(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdUnsubscribeAck,
		Queue:         queueName,
		Headers:       map[string]string{"reason": reason},
	})
}

// outboundSaturated reports whether this connection's writer is backed up
// enough that a delivery pass should skip it for one round (spec.md §4.6).
func (c *Connection) outboundSaturated() bool {
	return c.writer.QueueLen() > outboundSaturationThreshold
}

// deliver registers msg with the ack tracker and hands it to the writer as
// a Deliver frame, surfacing the attempt count via a header (spec.md §4.8).
func (c *Connection) deliver(subID uint64, queueName string, msg *queue.Message) {
	c.server.ackTracker.track(queueName, subID, msg)

	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-delivery-attempts"] = strconv.Itoa(msg.DeliveryAttempts)
	headers["x-priority"] = msg.Priority.String()
	headers["x-subscription-id"] = strconv.FormatUint(subID, 10)

	_ = c.sendMessage(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdDeliver,
		ID:            msg.ID,
		Queue:         queueName,
		Payload:       msg.Payload,
		Headers:       headers,
	})
}

// closeWithReason transitions the connection to Closing with a protocol
// error reported to the peer before teardown.
func (c *Connection) closeWithReason(kind ErrorKind, message string) {
	if connState(c.state.Load()) >= stateClosing {
		return
	}
	c.sendError(kind, message)
	c.initiateClose()
}

func (c *Connection) initiateClose() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosing))
		close(c.closeCh)
		// Unblock the read loop so run() reaches teardown without waiting
		// for the peer.
		_ = c.netConn.SetReadDeadline(time.Now())
	})
}

// teardown runs once, on the way out of run(): it releases subscriptions
// and in-flight deliveries, flushes and closes the writer, and closes the
// socket (spec.md §4.4's Closing state).
func (c *Connection) teardown() {
	c.initiateClose()

	subIDs := c.subscriptionIDs()
	c.server.queueManager.ReleaseConnection(c)
	for _, id := range subIDs {
		c.server.ackTracker.releaseSubscriber(id)
	}
	if c.server.messageLimiter != nil {
		c.server.messageLimiter.Forget(c.id)
	}

	grace := c.server.opts.Timing.ShutdownGrace
	flushed := make(chan struct{})
	go func() {
		_ = c.writer.Close()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(grace):
	}

	_ = c.netConn.Close()
	c.state.Store(int32(stateClosed))
	c.server.metrics.RecordConnectionClosed()
	logging.Op().Info("connection closed", "conn_id", c.id)
}

func (c *Connection) addSubscription(name string, h *subscriptionHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[name] = h
}

func (c *Connection) removeSubscription(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, name)
}

func (c *Connection) subscriptionFor(name string) *subscriptionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[name]
}

func (c *Connection) subscriptionNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for name := range c.subs {
		out = append(out, name)
	}
	return out
}

func (c *Connection) subscriptionIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.subs))
	for _, h := range c.subs {
		out = append(out, h.id)
	}
	return out
}

func (c *Connection) clearSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = make(map[string]*subscriptionHandle)
}
