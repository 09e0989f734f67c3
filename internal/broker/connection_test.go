package broker

import (
	"net"
	"testing"
	"time"

	"github.com/novabroker/broker/internal/auth"
	"github.com/novabroker/broker/internal/config"
	"github.com/novabroker/broker/internal/logging"
	"github.com/novabroker/broker/internal/metrics"
	"github.com/novabroker/broker/internal/queue"
	"github.com/novabroker/broker/internal/wire"
)

func newHandshakeServer(t *testing.T, enableAuth bool, token string) *Server {
	t.Helper()
	opts := config.DefaultOptions()
	opts.Timing.HandshakeTimeout = time.Second
	opts.Timing.KeepAliveInterval = 0
	opts.Timing.ShutdownGrace = 10 * time.Millisecond
	opts.Auth.Enabled = enableAuth
	opts.Auth.Token = token

	m := metrics.New()
	dlq := NewDLQ(10, m)
	qm := NewQueueManager(opts.QueueDefaults, dlq, queue.NewNoopNotifier(), m)
	ack := NewAckTracker(qm, dlq, opts.Timing.AckTimeout, opts.Timing.InitialBackoff, opts.Timing.MaxBackoff, m, logging.NewLogger())

	return &Server{
		opts:         opts,
		auth:         auth.New(enableAuth, token),
		queueManager: qm,
		ackTracker:   ack,
		dispatcher:   newDispatcher(qm, ack, nil, m),
		dlq:          dlq,
		metrics:      m,
		connections:  make(map[uint64]*Connection),
	}
}

func TestConnectionHandshakeAcceptsValidToken(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()
	defer serverSide.Close()

	srv := newHandshakeServer(t, true, "secret")
	c := newConnection(serverSide, srv)

	done := make(chan error, 1)
	go func() { done <- c.handshake() }()

	if err := wire.WriteFrame(client, wire.Encode(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdConnect,
		Headers:       map[string]string{"token": "secret"},
	})); err != nil {
		t.Fatal(err)
	}

	body, err := wire.ReadFrame(client, 0)
	if err != nil {
		t.Fatal(err)
	}
	ack, err := wire.Decode(body)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Type != wire.CmdConnectAck {
		t.Fatalf("expected ConnectAck, got %v", ack.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("handshake() returned error: %v", err)
	}
}

func TestConnectionHandshakeRejectsInvalidToken(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()
	defer serverSide.Close()

	srv := newHandshakeServer(t, true, "secret")
	c := newConnection(serverSide, srv)

	done := make(chan error, 1)
	go func() { done <- c.handshake() }()

	if err := wire.WriteFrame(client, wire.Encode(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdConnect,
		Headers:       map[string]string{"token": "wrong"},
	})); err != nil {
		t.Fatal(err)
	}

	body, err := wire.ReadFrame(client, 0)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := wire.Decode(body)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != wire.CmdError || msg.ErrorCode != string(ErrAuthFailed) {
		t.Fatalf("expected AUTH_FAILED error, got %v %q", msg.Type, msg.ErrorCode)
	}
	if err := <-done; err == nil {
		t.Fatal("expected handshake() to return an error on bad token")
	}
}

func TestConnectionDeliverTracksAckAndSendsFrame(t *testing.T) {
	h := newTestHarness(t)
	defer h.conn.writer.Close()

	if _, err := h.server.queueManager.Ensure("deliver-test"); err != nil {
		t.Fatal(err)
	}

	h.conn.deliver(42, "deliver-test", &queue.Message{ID: "m-deliver", Payload: []byte("hi")})

	msg := readMessage(t, h.peer)
	if msg.Type != wire.CmdDeliver {
		t.Fatalf("expected Deliver, got %v", msg.Type)
	}
	if msg.Headers["x-subscription-id"] != "42" {
		t.Errorf("x-subscription-id header = %q, want 42", msg.Headers["x-subscription-id"])
	}
	if !h.server.ackTracker.ack(msg.ID, 42) {
		t.Fatal("expected the delivered message to be tracked as in-flight")
	}
}

func TestConnectionOutboundSaturatedReflectsQueueDepth(t *testing.T) {
	h := newTestHarness(t)
	defer h.conn.writer.Close()

	if h.conn.outboundSaturated() {
		t.Fatal("freshly created connection should not be saturated")
	}
}

func TestConnectionCloseWithReasonSendsErrorOnce(t *testing.T) {
	h := newTestHarness(t)
	errs := make(chan *wire.Message, 4)
	go func() {
		for {
			body, err := wire.ReadFrame(h.peer, 0)
			if err != nil {
				return
			}
			if m, err := wire.Decode(body); err == nil && m.Type == wire.CmdError {
				errs <- m
			}
		}
	}()

	h.conn.closeWithReason(ErrServerError, "boom")
	h.conn.closeWithReason(ErrServerError, "boom again")

	select {
	case <-h.conn.closeCh:
	case <-time.After(time.Second):
		t.Fatal("expected closeCh to be closed after closeWithReason")
	}
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("expected an Error frame after closeWithReason")
	}
	select {
	case m := <-errs:
		t.Fatalf("expected exactly one Error frame, got a second one with code %q", m.ErrorCode)
	case <-time.After(50 * time.Millisecond):
	}
}
