package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marketbridge/internal/config"
	"marketbridge/internal/engine"
	"marketbridge/internal/metrics"
	"marketbridge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubProvider serves a fixed snapshot and a live metrics registry.
type stubProvider struct {
	snap engine.Snapshot
	m    *metrics.Metrics
}

func (p *stubProvider) Snapshot() engine.Snapshot { return p.snap }
func (p *stubProvider) Metrics() *metrics.Metrics { return p.m }

func newTestServer(t *testing.T, cfg config.APIConfig, provider *stubProvider) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := NewServer(cfg, provider, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.APIConfig{}, &stubProvider{m: metrics.New()})

	code, body := get(t, "http://"+s.Addr()+"/healthz")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "ok" {
		t.Errorf("body = %s", body)
	}
	if _, ok := got["uptime"]; !ok {
		t.Errorf("body = %s, want an uptime field", body)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{
		snap: engine.Snapshot{
			UpstreamState: types.SessionReady,
			ServerVersion: 176,
			NextOrderID:   1001,
			Clients:       3,
			Subscriptions: 7,
			WorkingOrders: 2,
			TrackedOrders: 5,
			EventsRouted:  120,
			EventsDropped: 4,
			UptimeSeconds: 61,
		},
		m: metrics.New(),
	}
	s := newTestServer(t, config.APIConfig{}, provider)

	code, body := get(t, "http://"+s.Addr()+"/api/status")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}

	var got engine.Snapshot
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != provider.snap {
		t.Errorf("snapshot = %+v, want %+v", got, provider.snap)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{m: metrics.New()}
	provider.m.OrdersPlaced.Inc()
	s := newTestServer(t, config.APIConfig{}, provider)

	code, body := get(t, "http://"+s.Addr()+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !strings.Contains(string(body), "bridge_orders_placed_total 1") {
		t.Errorf("metrics exposition missing counter:\n%s", body)
	}
}

func TestStaticDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	page := []byte("<html><body>bridge dashboard</body></html>")
	if err := os.WriteFile(filepath.Join(dir, "index.html"), page, 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestServer(t, config.APIConfig{StaticDir: dir}, &stubProvider{m: metrics.New()})

	code, body := get(t, "http://"+s.Addr()+"/")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if string(body) != string(page) {
		t.Errorf("body = %s", body)
	}
}

func TestNoStaticDirIs404(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.APIConfig{}, &stubProvider{m: metrics.New()})

	code, _ := get(t, "http://"+s.Addr()+"/")
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a static dir", code)
	}
}
