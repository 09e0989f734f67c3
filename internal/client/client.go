// Package client implements the broker's symmetric client core (spec.md
// §4.12): connect/handshake, publish with ack correlation, subscribe with a
// scoped resource, and a reconnect loop that resubscribes every live
// subscription and replays any Publish still awaiting an ack after an
// unexpected disconnect.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/novabroker/broker/internal/logging"
	"github.com/novabroker/broker/internal/wire"
)

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("client: closed")

// ErrCommandTimeout is returned when an ack is not observed within
// commandTimeout.
var ErrCommandTimeout = errors.New("client: command timed out waiting for an ack")

// ErrMaxReconnectAttempts describes the state reached once the reconnect loop
// exhausts Options.MaxAttempts. reconnectLoop does not return or deliver it:
// the loop logs the exhaustion and stops, and later commands on the Client
// fail with ErrCommandTimeout.
var ErrMaxReconnectAttempts = errors.New("client: exceeded max reconnect attempts")

// Options configures a Client.
type Options struct {
	Host string
	Port int
	TLS  *tls.Config

	Token string

	CommandTimeout time.Duration
	DialTimeout    time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int // 0 means unlimited
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = 5 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 5 * time.Second
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	return out
}

// Handler processes one delivered message. A nil return sends an Ack; any
// other return leaves the message unacknowledged so the broker retries it.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery is the payload handed to a subscription Handler.
type Delivery struct {
	ID              string
	Queue           string
	Payload         []byte
	Headers         map[string]string
	DeliveryAttempt int
}

type subscription struct {
	queue   string
	handler Handler
}

type pendingAck struct {
	replyType wire.CommandCode
	ch        chan *wire.Message
	msg       *wire.Message // original frame, retained so a dropped Publish can be replayed after reconnect
}

// Subscription is a scoped resource returned by Subscribe; releasing it
// unregisters the handler and unsubscribes from the broker.
type Subscription struct {
	client *Client
	queue  string
	id     uint64
}

// Close unsubscribes and removes the local handler (spec.md §4.12).
func (s *Subscription) Close(ctx context.Context) error {
	s.client.mu.Lock()
	delete(s.client.subscriptions, s.queue)
	s.client.mu.Unlock()

	return s.client.sendAndWait(ctx, &wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdUnsubscribe,
		Queue:         s.queue,
	}, wire.CmdUnsubscribeAck)
}

// Client is a broker connection with reconnect-on-failure and at-least-once
// subscription handling (spec.md §4.12).
type Client struct {
	opts Options

	mu            sync.Mutex
	conn          net.Conn
	writer        *wire.BatchingWriter
	subscriptions map[string]*subscription
	pending       map[string]*pendingAck
	closed        bool

	readDone chan struct{}
	closeCh  chan struct{}
}

// Dial connects to the broker, completes the handshake, and starts the
// background read loop and reconnect supervisor.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	o := opts.withDefaults()
	c := &Client{
		opts:          o,
		subscriptions: make(map[string]*subscription),
		pending:       make(map[string]*pendingAck),
		closeCh:       make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}

	var conn net.Conn
	var err error
	if c.opts.TLS != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, c.opts.TLS)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", addr, err)
	}

	if err := wire.EncodeStream(conn, &wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdConnect,
		Headers:       map[string]string{"token": c.opts.Token},
	}); err != nil {
		conn.Close()
		return fmt.Errorf("client: send connect: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.CommandTimeout))
	ack, err := wire.DecodeStream(conn, 0)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: read connect ack: %w", err)
	}
	if ack.Type == wire.CmdError {
		conn.Close()
		return fmt.Errorf("client: connect rejected: %s: %s", ack.ErrorCode, ack.ErrorMessage)
	}
	if ack.Type != wire.CmdConnectAck {
		conn.Close()
		return fmt.Errorf("client: unexpected first reply %v", ack.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.writer = wire.NewBatchingWriter(conn, 0)
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Publish encodes and sends payload to queue, waiting for a PublishAck
// (spec.md §4.12).
func (c *Client) Publish(ctx context.Context, queueName string, payload []byte, headers map[string]string) error {
	id := uuid.NewString()
	return c.sendAndWait(ctx, &wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdPublish,
		ID:            id,
		Queue:         queueName,
		Payload:       payload,
		Headers:       headers,
	}, wire.CmdPublishAck)
}

// Subscribe registers handler for queueName and returns a scoped resource
// that unsubscribes on Close (spec.md §4.12).
func (c *Client) Subscribe(ctx context.Context, queueName string, handler Handler) (*Subscription, error) {
	c.mu.Lock()
	c.subscriptions[queueName] = &subscription{queue: queueName, handler: handler}
	c.mu.Unlock()

	if err := c.sendAndWait(ctx, &wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdSubscribe,
		Queue:         queueName,
	}, wire.CmdSubscribeAck); err != nil {
		c.mu.Lock()
		delete(c.subscriptions, queueName)
		c.mu.Unlock()
		return nil, err
	}
	return &Subscription{client: c, queue: queueName}, nil
}

// Close disposes the client: it stops the reconnect loop and closes the
// socket without sending Disconnect's usual reconnect path.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	writer := c.writer
	c.mu.Unlock()

	close(c.closeCh)
	if writer != nil {
		_ = writer.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (c *Client) sendAndWait(ctx context.Context, msg *wire.Message, replyType wire.CommandCode) error {
	key := msg.ID
	if key == "" {
		key = msg.Queue
	}
	waitCh := make(chan *wire.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[key] = &pendingAck{replyType: replyType, ch: waitCh, msg: msg}
	writer := c.writer
	c.mu.Unlock()

	if err := writer.Enqueue(wire.Encode(msg)); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return err
	}

	timer := time.NewTimer(c.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case reply := <-waitCh:
		if reply.Type == wire.CmdError {
			return fmt.Errorf("client: %s: %s", reply.ErrorCode, reply.ErrorMessage)
		}
		return nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ErrCommandTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.closeCh:
		return ErrClosed
	}
}

func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	done := c.readDone
	c.mu.Unlock()

	defer close(done)

	for {
		body, err := wire.ReadFrame(conn, 0)
		if err != nil {
			if !c.isClosed() {
				logging.Op().Warn("client read error, reconnecting", "err", err)
				go c.reconnectLoop()
			}
			return
		}
		msg, err := wire.Decode(body)
		if err != nil {
			logging.Op().Warn("client decode error", "err", err)
			continue
		}
		c.handleInbound(msg)
	}
}

func (c *Client) handleInbound(msg *wire.Message) {
	switch msg.Type {
	case wire.CmdPing:
		_ = c.writer.Enqueue(wire.Encode(&wire.Message{SchemaVersion: wire.CurrentSchemaVersion, Type: wire.CmdPong}))
	case wire.CmdPublishAck, wire.CmdSubscribeAck, wire.CmdUnsubscribeAck, wire.CmdCreateQueue, wire.CmdDeleteQueue, wire.CmdQueueInfo, wire.CmdListQueues:
		c.resolvePending(msg, msg.Type)
	case wire.CmdError:
		c.resolvePending(msg, wire.CmdError)
	case wire.CmdDeliver:
		c.handleDeliver(msg)
	}
}

func (c *Client) resolvePending(msg *wire.Message, asType wire.CommandCode) {
	key := msg.ID
	if key == "" || asType == wire.CmdSubscribeAck {
		key = msg.Queue
	}
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		p.ch <- msg
	}
}

func (c *Client) handleDeliver(msg *wire.Message) {
	c.mu.Lock()
	sub, ok := c.subscriptions[msg.Queue]
	c.mu.Unlock()
	if !ok {
		return
	}

	attempts, _ := strconv.Atoi(msg.Headers["x-delivery-attempts"])
	delivery := &Delivery{
		ID:              msg.ID,
		Queue:           msg.Queue,
		Payload:         msg.Payload,
		Headers:         msg.Headers,
		DeliveryAttempt: attempts,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommandTimeout)
		defer cancel()
		if err := sub.handler(ctx, delivery); err != nil {
			logging.Op().Warn("subscription handler failed, leaving message unacked", "queue", msg.Queue, "id", msg.ID, "err", err)
			return
		}
		c.mu.Lock()
		writer := c.writer
		c.mu.Unlock()
		_ = writer.Enqueue(wire.Encode(&wire.Message{
			SchemaVersion: wire.CurrentSchemaVersion,
			Type:          wire.CmdAck,
			ID:            msg.ID,
			Headers:       map[string]string{"x-subscription-id": msg.Headers["x-subscription-id"]},
		}))
	}()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// reconnectLoop implements spec.md §4.12's backoff-and-resubscribe policy.
func (c *Client) reconnectLoop() {
	attempt := 0
	for {
		if c.isClosed() {
			return
		}
		attempt++
		if c.opts.MaxAttempts > 0 && attempt > c.opts.MaxAttempts {
			logging.Op().Error("client exhausted reconnect attempts", "attempts", attempt-1)
			return
		}

		backoff := calcClientBackoff(attempt, c.opts.InitialBackoff, c.opts.MaxBackoff)
		select {
		case <-time.After(backoff):
		case <-c.closeCh:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			logging.Op().Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		c.resubscribeAll()
		c.replayPendingPublishes()
		logging.Op().Info("client reconnected", "attempt", attempt)
		return
	}
}

func (c *Client) resubscribeAll() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommandTimeout)
		err := c.sendAndWait(ctx, &wire.Message{
			SchemaVersion: wire.CurrentSchemaVersion,
			Type:          wire.CmdSubscribe,
			Queue:         s.queue,
		}, wire.CmdSubscribeAck)
		cancel()
		if err != nil {
			logging.Op().Warn("resubscribe failed after reconnect", "queue", s.queue, "err", err)
		}
	}
}

// replayPendingPublishes re-sends every Publish call whose ack was still
// outstanding when the connection dropped. The original caller's sendAndWait
// is still blocked on that same pendingAck entry, keyed by the message's id,
// so the replay's eventual ack resolves it directly instead of leaving the
// payload silently dropped on reconnect (spec.md §4.12).
func (c *Client) replayPendingPublishes() {
	c.mu.Lock()
	var replays []*pendingAck
	for _, p := range c.pending {
		if p.msg != nil && p.msg.Type == wire.CmdPublish {
			replays = append(replays, p)
		}
	}
	writer := c.writer
	c.mu.Unlock()

	for _, p := range replays {
		if err := writer.Enqueue(wire.Encode(p.msg)); err != nil {
			logging.Op().Warn("replay pending publish failed to send", "id", p.msg.ID, "err", err)
		}
	}
}

func calcClientBackoff(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

var _ io.Closer = (*Client)(nil)
