// Package upstream owns the single TCP session to the TWS/Gateway API.
//
// The session dials, handshakes, and then moves every decoded inbound
// message onto one ordered events channel. It knows nothing about
// subscriptions or orders; the event router downstream gives frames
// meaning. On connection loss it reconnects forever with exponential
// backoff, emitting ConnectionLost and a fresh ConnectionReady around
// each session so the managers can rebuild upstream state.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"marketbridge/internal/config"
	"marketbridge/internal/ibwire"
	"marketbridge/internal/metrics"
	"marketbridge/pkg/types"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	writeTimeout     = 10 * time.Second
	eventBuffer      = 10000 // inbound frames in flight before the reader blocks
)

// ErrNotConnected is returned by Send while the session is not ready.
// Callers surface it to clients as a not_connected error; nothing is queued.
var ErrNotConnected = errors.New("upstream not connected")

// ErrUnsupportedServer means the gateway negotiated a protocol version
// below the codec's floor. Retrying cannot help; the process exits.
var ErrUnsupportedServer = errors.New("unsupported server version")

// ConnectionReady is emitted on the events channel after each completed
// handshake, carrying the server's order id floor.
type ConnectionReady struct {
	NextOrderID   int64
	ServerVersion int
}

// ConnectionLost is emitted exactly once per established session's death.
type ConnectionLost struct {
	Err error
}

// Session maintains the upstream connection and its lifecycle.
type Session struct {
	cfg     config.UpstreamConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn    net.Conn
	connMu  sync.Mutex // serializes writes and conn swaps
	limiter *rate.Limiter

	stateMu sync.RWMutex
	state   types.SessionState

	serverVersion atomic.Int64
	lastInbound   atomic.Int64 // UnixNano of the last received frame
	lastProbe     atomic.Int64

	events chan any
}

func New(cfg config.UpstreamConfig, m *metrics.Metrics, logger *slog.Logger) *Session {
	return &Session{
		cfg:     cfg,
		logger:  logger.With("component", "upstream"),
		metrics: m,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		state:   types.SessionDisconnected,
		events:  make(chan any, eventBuffer),
	}
}

// Events returns the ordered stream of decoded inbound messages plus
// ConnectionReady/ConnectionLost markers. Single consumer.
func (s *Session) Events() <-chan any { return s.events }

// State returns the current connection state.
func (s *Session) State() types.SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Ready reports whether business traffic can be sent right now.
func (s *Session) Ready() bool { return s.State() == types.SessionReady }

// ServerVersion returns the negotiated protocol version, 0 before the
// first handshake.
func (s *Session) ServerVersion() int { return int(s.serverVersion.Load()) }

func (s *Session) setState(st types.SessionState) {
	s.stateMu.Lock()
	prev := s.state
	s.state = st
	s.stateMu.Unlock()
	if prev != st {
		s.logger.Info("session state", "from", prev, "to", st)
	}
	if st == types.SessionReady {
		s.metrics.UpstreamUp.Set(1)
	} else {
		s.metrics.UpstreamUp.Set(0)
	}
}

// Run connects and maintains the session with auto-reconnect. Blocks
// until ctx is cancelled or a fatal protocol error occurs.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.cfg.ReconnectBase

	for {
		established, err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			s.setState(types.SessionClosed)
			return ctx.Err()
		}
		if errors.Is(err, ErrUnsupportedServer) {
			s.setState(types.SessionClosed)
			return err
		}

		s.setState(types.SessionReconnecting)
		s.metrics.Reconnects.Inc()
		if established {
			backoff = s.cfg.ReconnectBase
			s.emit(ctx, ConnectionLost{Err: err})
		}

		wait := withJitter(backoff)
		s.logger.Warn("upstream disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)
		select {
		case <-ctx.Done():
			s.setState(types.SessionClosed)
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = nextBackoff(backoff, s.cfg.ReconnectCap)
	}
}

// connectAndRead runs one connection attempt to completion. established
// reports whether the handshake finished, which gates ConnectionLost and
// the backoff reset.
func (s *Session) connectAndRead(ctx context.Context) (established bool, err error) {
	s.setState(types.SessionConnecting)

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.cfg.Addr(), err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	// net reads do not observe ctx; force them out on cancellation.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	s.setState(types.SessionHandshaking)
	hello, err := s.handshake(conn)
	if err != nil {
		return false, err
	}
	s.serverVersion.Store(int64(hello.Version))
	s.logger.Info("handshake complete",
		"server_version", hello.Version,
		"conn_time", hello.ConnTime,
	)

	nextOrderID, err := s.startAPI(conn)
	if err != nil {
		return false, fmt.Errorf("start api: %w", err)
	}

	s.lastInbound.Store(time.Now().UnixNano())
	s.lastProbe.Store(0)
	s.setState(types.SessionReady)
	s.emit(ctx, ConnectionReady{NextOrderID: nextOrderID, ServerVersion: hello.Version})

	go s.heartbeatLoop(connCtx, conn)

	// Read loop. The deadline bounds total silence; the heartbeat loop
	// sends a probe partway through the window so a healthy but quiet
	// server refreshes it.
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatIdle + s.cfg.HeartbeatGrace))
		frame, err := ibwire.ReadFrame(conn)
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		s.lastInbound.Store(time.Now().UnixNano())

		ev, err := ibwire.Parse(ibwire.SplitFields(frame), int(s.serverVersion.Load()))
		if err != nil {
			// A malformed frame means the field stream is desynced;
			// nothing after it can be trusted.
			return true, fmt.Errorf("decode: %w", err)
		}
		s.emit(ctx, ev)
	}
}

// handshake exchanges the version preamble and validates the server.
func (s *Session) handshake(conn net.Conn) (ibwire.ServerHello, error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ibwire.Handshake(conn); err != nil {
		return ibwire.ServerHello{}, fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	frame, err := ibwire.ReadFrame(conn)
	if err != nil {
		return ibwire.ServerHello{}, fmt.Errorf("read handshake: %w", err)
	}
	hello, err := ibwire.ParseServerHello(ibwire.SplitFields(frame))
	if err != nil {
		return ibwire.ServerHello{}, err
	}
	if hello.Version < ibwire.MinServerVersion {
		return ibwire.ServerHello{}, fmt.Errorf("server version %d below minimum %d: %w",
			hello.Version, ibwire.MinServerVersion, ErrUnsupportedServer)
	}
	return hello, nil
}

// startAPI announces the client id and waits for the order id floor.
// Notices arriving before NextValidId are forwarded as normal events.
func (s *Session) startAPI(conn net.Conn) (int64, error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ibwire.StartAPI(s.cfg.ClientID).WriteTo(conn); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(handshakeTimeout)
	for {
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("no NextValidId within %s", handshakeTimeout)
		}
		conn.SetReadDeadline(deadline)
		frame, err := ibwire.ReadFrame(conn)
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
		ev, err := ibwire.Parse(ibwire.SplitFields(frame), int(s.serverVersion.Load()))
		if err != nil {
			return 0, fmt.Errorf("decode: %w", err)
		}
		if nv, ok := ev.(ibwire.NextValidID); ok {
			return nv.OrderID, nil
		}
		// Pre-ready chatter (farm status notices and the like).
		select {
		case s.events <- ev:
		default:
			s.logger.Warn("event buffer full during handshake, dropping", "event", fmt.Sprintf("%T", ev))
		}
	}
}

// heartbeatLoop probes a quiet connection with a current-time request.
// Death detection itself is the read deadline in the read loop.
func (s *Session) heartbeatLoop(ctx context.Context, conn net.Conn) {
	tick := s.cfg.HeartbeatGrace / 2
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			silent := now.Sub(time.Unix(0, s.lastInbound.Load()))
			if silent < s.cfg.HeartbeatIdle {
				continue
			}
			sinceProbe := now.Sub(time.Unix(0, s.lastProbe.Load()))
			if sinceProbe < s.cfg.HeartbeatGrace {
				continue
			}
			s.lastProbe.Store(now.UnixNano())
			s.logger.Debug("sending liveness probe", "silent", silent)
			if err := s.writeFrame(ctx, ibwire.ReqCurrentTime()); err != nil {
				s.logger.Warn("liveness probe failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// Send encodes and writes one business message. Fails fast while the
// session is not ready; the bridge never queues upstream traffic.
func (s *Session) Send(ctx context.Context, b *ibwire.Builder) error {
	if !s.Ready() {
		return ErrNotConnected
	}
	return s.writeFrame(ctx, b)
}

func (s *Session) writeFrame(ctx context.Context, b *ibwire.Builder) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := b.WriteTo(s.conn); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// emit blocks until the router takes the event or the session stops.
// Backpressure here throttles the socket read loop rather than dropping.
func (s *Session) emit(ctx context.Context, ev any) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// nextBackoff doubles the wait up to the cap.
func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}

// withJitter spreads reconnect attempts by ±10%.
func withJitter(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}
