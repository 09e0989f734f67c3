package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/novabroker/broker/internal/auth"
	"github.com/novabroker/broker/internal/config"
	"github.com/novabroker/broker/internal/logging"
	"github.com/novabroker/broker/internal/metrics"
	"github.com/novabroker/broker/internal/queue"
	"github.com/novabroker/broker/internal/ratelimit"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// clockInterval is the background clock task's tick period, feeding TTL
// expiry and ack-deadline checks (spec.md §5). Rate-limit windows are not
// driven by the clock; they reset lazily inside the limiters' Allow.
const clockInterval = 100 * time.Millisecond

// Server owns the listener, the accept loop, and the background clock that
// drives every timeout-based subsystem (spec.md §4.11). It is the broker
// instance spec.md §9 describes: queue manager, ack tracker, connection
// registry, and clock, all owned here and torn down when Run's context is
// cancelled.
type Server struct {
	opts *config.Options

	auth           *auth.Authenticator
	connLimiter    *ratelimit.ConnectionLimiter
	messageLimiter *ratelimit.MessageLimiter

	dlq          *DLQ
	queueManager *QueueManager
	ackTracker   *AckTracker
	dispatcher   *dispatcher
	notifier     *queue.ChannelNotifier
	metrics      *metrics.Metrics
	deliveryLog  *logging.Logger
	connIDGen    idGenerator

	listener net.Listener

	mu          sync.Mutex
	connections map[uint64]*Connection
	shutdown    bool
}

// NewServer constructs a Server from opts without binding a listener. Every
// Server owns its own *metrics.Metrics; the core keeps no process-global
// metrics singleton (spec.md §9), so two Servers in one process report
// independent counters.
func NewServer(opts *config.Options) *Server {
	m := metrics.New()
	deliveryLog := logging.NewLogger()
	dlq := NewDLQ(opts.DLQ.Capacity, m)
	notifier := queue.NewChannelNotifier()
	qm := NewQueueManager(opts.QueueDefaults, dlq, notifier, m)
	ackTracker := NewAckTracker(qm, dlq, opts.Timing.AckTimeout, opts.Timing.InitialBackoff, opts.Timing.MaxBackoff, m, deliveryLog)

	var msgLimiter *ratelimit.MessageLimiter
	var connLimiter *ratelimit.ConnectionLimiter
	if opts.RateLimit.Enabled {
		msgLimiter = ratelimit.NewMessageLimiter(opts.RateLimit.MaxMessagesPerClientPerSecond)
		connLimiter = ratelimit.NewConnectionLimiter(
			opts.RateLimit.MaxConnectionsPerIPPerWindow,
			time.Duration(opts.RateLimit.ConnectionWindowSeconds)*time.Second,
		)
	}

	return &Server{
		opts:           opts,
		auth:           auth.New(opts.Auth.Enabled, opts.Auth.Token),
		connLimiter:    connLimiter,
		messageLimiter: msgLimiter,
		dlq:            dlq,
		queueManager:   qm,
		ackTracker:     ackTracker,
		dispatcher:     newDispatcher(qm, ackTracker, msgLimiter, m),
		notifier:       notifier,
		metrics:        m,
		deliveryLog:    deliveryLog,
		connections:    make(map[uint64]*Connection),
	}
}

// QueueManager exposes the queue directory for admin/inspection use.
func (s *Server) QueueManager() *QueueManager { return s.queueManager }

// DLQ exposes the dead-letter queue for ListDlq/ReplayDlq admin operations.
func (s *Server) DLQ() *DLQ { return s.dlq }

// Metrics exposes this Server's metrics instance for the admin HTTP
// endpoint's /status and /healthz handlers.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// DeliveryLog exposes this Server's delivery-event recorder for audit
// inspection and tests.
func (s *Server) DeliveryLog() *logging.Logger { return s.deliveryLog }

// ReplayDlq re-publishes a dead-lettered message to its original queue with
// a fresh delivery-attempt count and removes it from the DLQ, per
// SPEC_FULL.md §C.1. The original queue must still exist (or be
// auto-creatable) or the publish underneath fails and the DLQ record is
// left in place.
func (s *Server) ReplayDlq(ctx context.Context, id string) error {
	rec, ok := s.dlq.Get(id)
	if !ok {
		return fmt.Errorf("dlq record %q not found", id)
	}

	replay := &queue.Message{
		ID:      rec.Message.ID,
		Payload: rec.Message.Payload,
		Headers: rec.Message.Headers,
		Priority: rec.Message.Priority,
	}

	result, err := s.queueManager.Publish(ctx, rec.OriginalQueue, replay)
	if err != nil {
		return fmt.Errorf("replay publish: %w", err)
	}
	if result.Outcome == queue.Rejected {
		return fmt.Errorf("replay rejected: %s", result.Reason)
	}

	s.dlq.Remove(id)
	logging.Op().Info("replayed dead letter", "id", id, "queue", rec.OriginalQueue, "message_id", replay.ID)
	return nil
}

// Run binds the listener per opts.Listener and blocks, serving connections
// and running the background clock until ctx is cancelled, at which point
// it performs a graceful shutdown and returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Listener.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.opts.Listener.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.opts.Listener.TLS.CertPath, s.opts.Listener.TLS.CertPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load tls cert: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return s.RunOnListener(ctx, ln)
}

// RunOnListener serves connections accepted from ln, wrapping it with a
// connection-count limit first. Exposed separately from Run so callers
// (and tests) can supply an already-bound listener, e.g. one bound to an
// ephemeral port.
func (s *Server) RunOnListener(ctx context.Context, ln net.Listener) error {
	if s.opts.Listener.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.Listener.MaxConnections)
	}
	s.listener = ln

	logging.Op().Info("broker listening", "addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.acceptLoop(ctx); return nil })
	g.Go(func() error { s.clockLoop(ctx); return nil })

	<-ctx.Done()
	s.shutdownConnections()
	_ = ln.Close()
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logging.Op().Warn("accept error", "err", err)
				return
			}
		}

		if s.connLimiter != nil && !s.connLimiter.Allow(remoteIP(conn)) {
			s.metrics.RecordConnectionRejected()
			_ = conn.Close()
			continue
		}

		c := newConnection(conn, s)
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.connections[c.id] = c
		s.mu.Unlock()

		go func() {
			c.run(ctx)
			s.mu.Lock()
			delete(s.connections, c.id)
			s.mu.Unlock()
		}()
	}
}

// clockLoop is the single background clock feeding the ack tracker's
// deadline checks, queue TTL expiry, and the delivery pump (spec.md §2,
// §5). It also republishes the metrics memory-usage sample.
func (s *Server) clockLoop(ctx context.Context) {
	ticker := time.NewTicker(clockInterval)
	defer ticker.Stop()

	wake := s.notifier.Subscribe(ctx, wakeKey)

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			s.pump()
		case <-ticker.C:
			now := time.Now()
			s.ackTracker.tick(now)
			s.queueManager.ExpireAll(now)
			s.pump()
			s.sampleMemory()
		}
	}
}

func (s *Server) pump() {
	for _, d := range s.queueManager.Pump() {
		d.Subscriber.Deliver(d.Message)
	}
}

func (s *Server) sampleMemory() {
	var mstats runtime.MemStats
	runtime.ReadMemStats(&mstats)
	s.metrics.MemoryUsageBytes.Store(int64(mstats.Alloc))
	metrics.SetMemoryUsageBytes(int64(mstats.Alloc))
}

// shutdownConnections sends every connection an Error frame with code
// SHUTTING_DOWN and closes it; no Disconnect frame is sent. It then waits up
// to shutdownGrace for the connections to deregister; Run then closes
// the listener and lets in-flight connection goroutines finish teardown on
// their own (spec.md §4.11).
func (s *Server) shutdownConnections() {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWithReason(ErrShuttingDown, "server shutting down")
	}

	deadline := time.Now().Add(s.opts.Timing.ShutdownGrace)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		remaining := len(s.connections)
		s.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	logging.Op().Warn("shutdown grace period elapsed with connections still open")
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
