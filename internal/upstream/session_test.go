package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"marketbridge/internal/config"
	"marketbridge/internal/ibwire"
	"marketbridge/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testUpstreamConfig(addr string) config.UpstreamConfig {
	host, port, _ := net.SplitHostPort(addr)
	p, _ := strconv.Atoi(port)
	return config.UpstreamConfig{
		Host:           host,
		Port:           p,
		ClientID:       7,
		HeartbeatIdle:  2 * time.Second,
		HeartbeatGrace: 2 * time.Second,
		ReconnectBase:  50 * time.Millisecond,
		ReconnectCap:   200 * time.Millisecond,
		RateLimit:      100,
	}
}

// writeFields frames a NUL-separated field list onto the connection.
func writeFields(t *testing.T, conn net.Conn, fields ...string) {
	t.Helper()
	payload := strings.Join(fields, "\x00") + "\x00"
	if err := ibwire.WriteFrame(conn, []byte(payload)); err != nil {
		t.Errorf("gateway write: %v", err)
	}
}

// fakeGateway accepts connections and runs one script per connection.
// Each script receives a connection that has already completed the
// handshake and StartAPI exchange.
func fakeGateway(t *testing.T, nextOrderID int64, scripts ...func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for _, script := range scripts {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// API preamble + framed version range.
			buf := make([]byte, 4)
			if _, err := conn.Read(buf); err != nil {
				return
			}
			if _, err := ibwire.ReadFrame(conn); err != nil {
				return
			}
			writeFields(t, conn, "176", "20250825 10:00:00 EST")
			// StartAPI.
			if _, err := ibwire.ReadFrame(conn); err != nil {
				return
			}
			writeFields(t, conn, "9", "1", strconv.FormatInt(nextOrderID, 10))
			script(conn)
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

// nextEvent pulls one event off the session with a timeout.
func nextEvent(t *testing.T, s *Session, timeout time.Duration) any {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for session event")
		return nil
	}
}

func TestSessionHandshakeAndEvents(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	addr := fakeGateway(t, 1001, func(conn net.Conn) {
		writeFields(t, conn, "1", "6", "1", "1", "5021.25", "12", "0")
		<-done
	})

	s := New(testUpstreamConfig(addr), metrics.New(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(done)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	ready, ok := nextEvent(t, s, 2*time.Second).(ConnectionReady)
	if !ok {
		t.Fatal("first event is not ConnectionReady")
	}
	if ready.NextOrderID != 1001 {
		t.Errorf("NextOrderID = %d, want 1001", ready.NextOrderID)
	}
	if ready.ServerVersion != 176 {
		t.Errorf("ServerVersion = %d, want 176", ready.ServerVersion)
	}
	if !s.Ready() {
		t.Error("session not Ready after ConnectionReady")
	}

	tick, ok := nextEvent(t, s, 2*time.Second).(ibwire.TickPrice)
	if !ok {
		t.Fatal("second event is not TickPrice")
	}
	if tick.ReqID != 1 || tick.Price.String() != "5021.25" {
		t.Errorf("tick = %+v", tick)
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestSessionReconnects(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	addr := fakeGateway(t, 1001,
		func(conn net.Conn) {
			// Die immediately after becoming ready.
		},
		func(conn net.Conn) {
			<-done
		},
	)

	s := New(testUpstreamConfig(addr), metrics.New(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(done)

	go s.Run(ctx)

	if _, ok := nextEvent(t, s, 2*time.Second).(ConnectionReady); !ok {
		t.Fatal("expected first ConnectionReady")
	}
	if _, ok := nextEvent(t, s, 2*time.Second).(ConnectionLost); !ok {
		t.Fatal("expected ConnectionLost after gateway dropped")
	}
	second, ok := nextEvent(t, s, 3*time.Second).(ConnectionReady)
	if !ok {
		t.Fatal("expected second ConnectionReady after reconnect")
	}
	if second.NextOrderID != 1001 {
		t.Errorf("NextOrderID = %d, want 1001", second.NextOrderID)
	}
}

func TestSessionRejectsOldServer(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4)
		conn.Read(buf)
		ibwire.ReadFrame(conn)
		writeFields(t, conn, "120", "20250825 10:00:00 EST")
		// Keep the conn open; the session should bail on its own.
		time.Sleep(time.Second)
		conn.Close()
	}()

	s := New(testUpstreamConfig(ln.Addr().String()), metrics.New(), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = s.Run(ctx)
	if !errors.Is(err, ErrUnsupportedServer) {
		t.Errorf("Run = %v, want ErrUnsupportedServer", err)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	t.Parallel()

	cfg := testUpstreamConfig("127.0.0.1:1")
	s := New(cfg, metrics.New(), testLogger())

	err := s.Send(context.Background(), ibwire.ReqCurrentTime())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	limit := 30 * time.Second
	got := []time.Duration{time.Second}
	for i := 0; i < 6; i++ {
		got = append(got, nextBackoff(got[len(got)-1], limit))
	}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestWithJitterBounds(t *testing.T) {
	t.Parallel()

	d := 10 * time.Second
	for i := 0; i < 100; i++ {
		j := withJitter(d)
		if j < 9*time.Second || j > 11*time.Second {
			t.Fatalf("withJitter(%v) = %v, outside ±10%%", d, j)
		}
	}
}
