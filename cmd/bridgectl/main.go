// Command bridgectl inspects and exercises a running bridge from the
// shell: "status" prints the engine snapshot from the HTTP API, "watch"
// subscribes to a symbol over WebSocket and streams every message to
// stdout as JSON lines.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"marketbridge/pkg/types"
)

func main() {
	fs := pflag.NewFlagSet("bridgectl", pflag.ContinueOnError)
	apiBase := fs.String("api", "http://127.0.0.1:8080", "status API base URL")
	wsURL := fs.String("ws", "ws://127.0.0.1:8765", "bridge WebSocket URL")
	month := fs.String("month", "", "contract month YYYYMM for futures (default: front month)")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(64)
	}

	args := fs.Args()
	if len(args) == 0 {
		usage(fs)
		os.Exit(64)
	}
	switch args[0] {
	case "status":
		os.Exit(runStatus(*apiBase))
	case "watch":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "watch needs a symbol")
			os.Exit(64)
		}
		os.Exit(runWatch(*wsURL, args[1], *month))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		usage(fs)
		os.Exit(64)
	}
}

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `bridgectl inspects a running bridge.

Usage:
  bridgectl [flags] status
  bridgectl [flags] watch SYMBOL

Flags:
%s`, fs.FlagUsages())
}

func runStatus(base string) int {
	client := resty.New().SetTimeout(5 * time.Second)
	resp, err := client.R().Get(base + "/api/status")
	if err != nil {
		fmt.Fprintln(os.Stderr, "status request failed:", err)
		return 1
	}
	if resp.StatusCode() != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status request failed: HTTP %d\n", resp.StatusCode())
		return 1
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Body(), "", "  "); err != nil {
		os.Stdout.Write(resp.Body())
		fmt.Println()
		return 0
	}
	fmt.Println(buf.String())
	return 0
}

func runWatch(wsURL, symbol, month string) int {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial failed:", err)
		return 1
	}
	defer conn.Close()

	sub := map[string]string{
		"command": types.CmdSubscribeMarketData,
		"symbol":  symbol,
	}
	if month != "" {
		sub["contract_month"] = month
	}
	if err := conn.WriteJSON(sub); err != nil {
		fmt.Fprintln(os.Stderr, "subscribe failed:", err)
		return 1
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					fmt.Fprintln(os.Stderr, "read:", err)
				}
				return
			}
			fmt.Printf("%s\n", msg)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
		// The bridge went away on its own.
		return 1
	case <-interrupt:
	}

	// Clean close: tell the bridge, then give the read loop a moment to
	// see the close reply.
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return 0
}
