package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/novabroker/broker/internal/logging"
	"github.com/novabroker/broker/internal/metrics"
	"github.com/novabroker/broker/internal/observability"
	"github.com/novabroker/broker/internal/queue"
	"github.com/novabroker/broker/internal/ratelimit"
	"github.com/novabroker/broker/internal/wire"
)

// dispatcher maps inbound command codes to handlers and enforces the
// connection state / validation / rate-limit preconditions common to all
// of them (spec.md §4.10).
type dispatcher struct {
	queueManager   *QueueManager
	ackTracker     *AckTracker
	messageLimiter *ratelimit.MessageLimiter
	metrics        *metrics.Metrics
}

func newDispatcher(qm *QueueManager, ack *AckTracker, msgLimiter *ratelimit.MessageLimiter, m *metrics.Metrics) *dispatcher {
	return &dispatcher{queueManager: qm, ackTracker: ack, messageLimiter: msgLimiter, metrics: m}
}

// dispatch handles one decoded inbound message. Internal faults are caught
// here and reported as SERVER_ERROR without propagating, per spec.md §7.
func (d *dispatcher) dispatch(ctx context.Context, conn *Connection, msg *wire.Message) {
	ctx, span := observability.Tracer().Start(ctx, "broker.dispatch "+msg.Type.String())
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			span.RecordError(fmt.Errorf("panic: %v", r))
			logging.Op().Error("panic in dispatcher", "conn_id", conn.id, "command_id", msg.ID, "recover", r)
			d.metrics.RecordError()
			conn.closeWithReason(ErrServerError, "internal error")
		}
	}()

	switch msg.Type {
	case wire.CmdConnect:
		conn.sendCommandError(msg, ErrInvalidMessage, "already connected")
	case wire.CmdPublish:
		d.handlePublish(ctx, conn, msg)
	case wire.CmdSubscribe:
		d.handleSubscribe(ctx, conn, msg)
	case wire.CmdUnsubscribe:
		d.handleUnsubscribe(conn, msg)
	case wire.CmdAck:
		d.handleAck(conn, msg)
	case wire.CmdPing:
		_ = conn.sendMessage(&wire.Message{SchemaVersion: wire.CurrentSchemaVersion, Type: wire.CmdPong})
	case wire.CmdPong:
		// liveness only; lastRecv was already updated by the read loop.
	case wire.CmdCreateQueue:
		d.handleCreateQueue(conn, msg)
	case wire.CmdDeleteQueue:
		d.handleDeleteQueue(conn, msg)
	case wire.CmdQueueInfo:
		d.handleQueueInfo(conn, msg)
	case wire.CmdListQueues:
		d.handleListQueues(conn)
	case wire.CmdDisconnect:
		conn.initiateClose()
	default:
		conn.sendCommandError(msg, ErrInvalidMessage, "unknown command")
	}
}

func (d *dispatcher) handlePublish(ctx context.Context, conn *Connection, msg *wire.Message) {
	if msg.Queue == "" {
		conn.sendCommandError(msg, ErrInvalidMessage, "publish requires a queue name")
		return
	}
	if d.messageLimiter != nil && !d.messageLimiter.Allow(conn.id) {
		conn.sendCommandError(msg, ErrRateLimited, "message rate limit exceeded")
		return
	}

	qmsg := &queue.Message{
		ID:      msg.ID,
		Payload: msg.Payload,
		Headers: msg.Headers,
	}
	if p, ok := msg.Headers["priority"]; ok {
		qmsg.Priority = parsePriority(p)
	}
	if ttl, ok := msg.Headers["ttl_ms"]; ok {
		if n, err := strconv.Atoi(ttl); err == nil {
			qmsg.TTL = time.Duration(n) * time.Millisecond
		}
	}

	result, err := d.queueManager.Publish(ctx, msg.Queue, qmsg)
	if err != nil {
		be := AsError(err)
		conn.sendCommandError(msg, be.Kind, be.Message)
		return
	}
	if result.Outcome == queue.Rejected {
		conn.sendCommandError(msg, ErrorKind(result.Reason), "publish rejected")
		return
	}
	_ = conn.sendMessage(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdPublishAck,
		ID:            qmsg.ID,
		Queue:         msg.Queue,
	})
}

func (d *dispatcher) handleSubscribe(ctx context.Context, conn *Connection, msg *wire.Message) {
	if msg.Queue == "" {
		conn.sendCommandError(msg, ErrInvalidMessage, "subscribe requires a queue name")
		return
	}
	subID, err := d.queueManager.Subscribe(ctx, conn, msg.Queue)
	if err != nil {
		be := AsError(err)
		conn.sendCommandError(msg, be.Kind, be.Message)
		return
	}
	_ = conn.sendMessage(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdSubscribeAck,
		ID:            strconv.FormatUint(subID, 10),
		Queue:         msg.Queue,
	})
}

func (d *dispatcher) handleUnsubscribe(conn *Connection, msg *wire.Message) {
	if msg.Queue == "" {
		conn.sendCommandError(msg, ErrInvalidMessage, "unsubscribe requires a queue name")
		return
	}
	d.queueManager.Unsubscribe(conn, msg.Queue)
	conn.sendUnsubscribeAck(msg.Queue, "Requested")
}

func (d *dispatcher) handleAck(conn *Connection, msg *wire.Message) {
	if msg.ID == "" {
		conn.sendCommandError(msg, ErrInvalidMessage, "ack requires a message id")
		return
	}
	subID, err := strconv.ParseUint(msg.Headers["x-subscription-id"], 10, 64)
	if err != nil {
		conn.sendCommandError(msg, ErrInvalidMessage, "ack requires x-subscription-id header")
		return
	}
	d.ackTracker.ack(msg.ID, subID)
}

func (d *dispatcher) handleCreateQueue(conn *Connection, msg *wire.Message) {
	if msg.Queue == "" {
		conn.sendCommandError(msg, ErrInvalidMessage, "create queue requires a queue name")
		return
	}
	opts := queue.Options{
		Mode:             parseDeliveryMode(msg.Headers["delivery_mode"]),
		MaxSize:          atoiDefault(msg.Headers["max_size"], d.queueManager.defaults.MaxSize),
		Overflow:         parseOverflowStrategy(msg.Headers["overflow_strategy"]),
		DLQEnabled:       msg.Headers["dlq_enabled"] != "false",
		MaxRetryAttempts: atoiDefault(msg.Headers["max_retry_attempts"], d.queueManager.defaults.MaxRetryAttempts),
	}
	if ttl, ok := msg.Headers["message_ttl_ms"]; ok {
		if n, err := strconv.Atoi(ttl); err == nil {
			opts.MessageTTL = time.Duration(n) * time.Millisecond
		}
	}
	if _, err := d.queueManager.Create(msg.Queue, opts); err != nil {
		be := AsError(err)
		conn.sendCommandError(msg, be.Kind, be.Message)
		return
	}
	_ = conn.sendMessage(&wire.Message{SchemaVersion: wire.CurrentSchemaVersion, Type: wire.CmdCreateQueue, Queue: msg.Queue})
}

func (d *dispatcher) handleDeleteQueue(conn *Connection, msg *wire.Message) {
	if msg.Queue == "" {
		conn.sendCommandError(msg, ErrInvalidMessage, "delete queue requires a queue name")
		return
	}
	if err := d.queueManager.Delete(msg.Queue); err != nil {
		be := AsError(err)
		conn.sendCommandError(msg, be.Kind, be.Message)
		return
	}
	_ = conn.sendMessage(&wire.Message{SchemaVersion: wire.CurrentSchemaVersion, Type: wire.CmdDeleteQueue, Queue: msg.Queue})
}

// queueInfoView is the JSON shape of a QueueInfo response payload.
type queueInfoView struct {
	Name         string `json:"name"`
	Mode         string `json:"mode"`
	MaxSize      int    `json:"max_size"`
	PendingCount int    `json:"pending_count"`
	Subscribers  int    `json:"subscribers"`
	CreatedAt    int64  `json:"created_at_unix"`
	Published    uint64 `json:"published"`
	DroppedOverflow uint64 `json:"dropped_overflow"`
	DroppedTTL   uint64 `json:"dropped_ttl"`
}

func toQueueInfoView(info queue.Info) queueInfoView {
	return queueInfoView{
		Name:            info.Name,
		Mode:            deliveryModeName(info.Mode),
		MaxSize:         info.MaxSize,
		PendingCount:    info.PendingCount,
		Subscribers:     info.Subscribers,
		CreatedAt:       info.CreatedAt.Unix(),
		Published:       info.Counters.Published,
		DroppedOverflow: info.Counters.DroppedOverflow,
		DroppedTTL:      info.Counters.DroppedTTL,
	}
}

func (d *dispatcher) handleQueueInfo(conn *Connection, msg *wire.Message) {
	if msg.Queue == "" {
		conn.sendCommandError(msg, ErrInvalidMessage, "queue info requires a queue name")
		return
	}
	info, err := d.queueManager.Info(msg.Queue)
	if err != nil {
		be := AsError(err)
		conn.sendCommandError(msg, be.Kind, be.Message)
		return
	}
	payload, _ := json.Marshal(toQueueInfoView(info))
	_ = conn.sendMessage(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdQueueInfo,
		Queue:         msg.Queue,
		Payload:       payload,
	})
}

func (d *dispatcher) handleListQueues(conn *Connection) {
	infos := d.queueManager.List()
	views := make([]queueInfoView, len(infos))
	for i, info := range infos {
		views[i] = toQueueInfoView(info)
	}
	payload, _ := json.Marshal(views)
	_ = conn.sendMessage(&wire.Message{
		SchemaVersion: wire.CurrentSchemaVersion,
		Type:          wire.CmdListQueues,
		Payload:       payload,
	})
}

func parsePriority(s string) queue.Priority {
	switch s {
	case "low":
		return queue.PriorityLow
	case "high":
		return queue.PriorityHigh
	case "critical":
		return queue.PriorityCritical
	default:
		return queue.PriorityNormal
	}
}

func deliveryModeName(m queue.DeliveryMode) string {
	switch m {
	case queue.FanOutAck:
		return "fan_out_ack"
	case queue.FanOutNoAck:
		return "fan_out_no_ack"
	case queue.PriorityBased:
		return "priority_based"
	default:
		return "round_robin"
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
