// MarketBridge — a WebSocket gateway in front of the TWS/IB Gateway
// socket API, multiplexing one upstream session across many JSON
// clients.
//
// Architecture:
//
//	main.go              — entry point: flags, config, logger, signal handling
//	engine/engine.go     — orchestrator: wires session → router → hub, serializes commands
//	engine/subs.go       — subscription lifecycle, front-month resolution, cancel draining
//	engine/orders.go     — order validation, placement, status folding, terminal GC
//	engine/router.go     — single consumer of upstream events, req/order id routing
//	upstream/session.go  — TCP session: handshake, heartbeats, reconnect with backoff
//	ibwire/              — the gateway's NUL-delimited framed codec
//	hub/                 — WebSocket listener, per-client queues, slow consumer policy
//	api/                 — /healthz, /api/status, /metrics
//
// One process owns exactly one upstream session. Clients subscribe to
// market data and place orders over WebSocket JSON; the bridge fans
// upstream data out to subscribers and routes order reports back to the
// placing client only.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"marketbridge/internal/api"
	"marketbridge/internal/config"
	"marketbridge/internal/engine"
	"marketbridge/internal/upstream"
)

func main() {
	fs := pflag.NewFlagSet("bridge", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", "", "path to YAML config file (default $BRIDGE_CONFIG)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(64)
	}
	if *cfgPath == "" {
		*cfgPath = os.Getenv("BRIDGE_CONFIG")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng := engine.New(*cfg, logger)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, logger)
		if err := apiServer.Start(); err != nil {
			logger.Error("status server failed to start", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A second signal skips the graceful drain.
	go func() {
		<-ctx.Done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("second signal, exiting immediately")
		os.Exit(130)
	}()

	logger.Info("bridge starting",
		"upstream", cfg.Upstream.Addr(),
		"ws_addr", cfg.WS.Addr,
		"client_id", cfg.Upstream.ClientID,
	)

	err = eng.Run(ctx)

	if apiServer != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := apiServer.Stop(stopCtx); serr != nil {
			logger.Error("failed to stop status server", "error", serr)
		}
		cancel()
	}

	switch {
	case err == nil || errors.Is(err, context.Canceled):
	case errors.Is(err, upstream.ErrUnsupportedServer):
		logger.Error("upstream server version unsupported", "error", err)
		os.Exit(2)
	default:
		logger.Error("bridge failed", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
