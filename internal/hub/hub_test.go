package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketbridge/internal/config"
	"marketbridge/internal/metrics"
	"marketbridge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubStatus struct {
	status      types.ConnStatus
	nextOrderID int64
}

func (s stubStatus) ConnectionStatus() types.ConnectionStatusMsg {
	return types.ConnectionStatusMsg{
		Type:        types.MsgTypeConnectionStatus,
		Status:      s.status,
		NextOrderID: s.nextOrderID,
		Timestamp:   types.UnixNow(),
	}
}

func testWSConfig(queueSize int) config.WSConfig {
	return config.WSConfig{
		Addr:           "127.0.0.1:0",
		QueueSize:      queueSize,
		PingInterval:   time.Second,
		MaxMissedPongs: 3,
		MaxMessageSize: 256 * 1024,
	}
}

func newTestHub(t *testing.T, cfg config.WSConfig) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(cfg, stubStatus{status: types.ConnConnected, nextOrderID: 1001}, metrics.New(), testLogger())
	ts := httptest.NewServer(http.HandlerFunc(h.handleWS))
	t.Cleanup(ts.Close)
	return h, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestQueueDropsOldestDroppable(t *testing.T) {
	t.Parallel()

	q := newOutQueue(3)
	for i, s := range []string{"a", "b", "c"} {
		if res := q.push([]byte(s), false); res != pushOK {
			t.Fatalf("push %d = %v, want pushOK", i, res)
		}
	}
	if res := q.push([]byte("d"), false); res != pushedDroppingOldest {
		t.Fatalf("overflow push = %v, want pushedDroppingOldest", res)
	}

	var got []string
	for {
		data, ok := q.tryPop()
		if !ok {
			break
		}
		got = append(got, string(data))
	}
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("queue contents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queue[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueueKeepsCriticalUnderOverflow(t *testing.T) {
	t.Parallel()

	q := newOutQueue(2)
	q.push([]byte("crit1"), true)
	q.push([]byte("tick"), false)
	if res := q.push([]byte("crit2"), true); res != pushedDroppingOldest {
		t.Fatalf("push crit2 = %v, want pushedDroppingOldest", res)
	}

	first, _ := q.tryPop()
	second, _ := q.tryPop()
	if string(first) != "crit1" || string(second) != "crit2" {
		t.Errorf("retained = %q, %q, want crit1, crit2", first, second)
	}
}

func TestQueueFullOfCritical(t *testing.T) {
	t.Parallel()

	q := newOutQueue(2)
	q.push([]byte("crit1"), true)
	q.push([]byte("crit2"), true)

	if res := q.push([]byte("tick"), false); res != droppedSelf {
		t.Errorf("droppable push = %v, want droppedSelf", res)
	}
	if res := q.push([]byte("crit3"), true); res != queueStuck {
		t.Errorf("critical push = %v, want queueStuck", res)
	}
	if n := q.len(); n != 2 {
		t.Errorf("queue len = %d, want 2", n)
	}
}

func TestConnectReceivesSnapshot(t *testing.T) {
	t.Parallel()

	_, ts := newTestHub(t, testWSConfig(64))
	conn := dial(t, ts)

	msg := readJSON(t, conn)
	if msg["type"] != "connection_status" {
		t.Fatalf("first message type = %v, want connection_status", msg["type"])
	}
	if msg["status"] != "connected" {
		t.Errorf("status = %v, want connected", msg["status"])
	}
	if msg["next_order_id"] != float64(1001) {
		t.Errorf("next_order_id = %v, want 1001", msg["next_order_id"])
	}
	if ts, ok := msg["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("timestamp = %v, want positive number", msg["timestamp"])
	}
}

func TestCommandsReachInbox(t *testing.T) {
	t.Parallel()

	h, ts := newTestHub(t, testWSConfig(64))
	conn := dial(t, ts)
	readJSON(t, conn) // snapshot

	req := `{"command":"subscribe_market_data","symbol":"ES"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cmd := <-h.Commands():
		if cmd.Cmd.Command != types.CmdSubscribeMarketData {
			t.Errorf("command = %q, want %q", cmd.Cmd.Command, types.CmdSubscribeMarketData)
		}
		if cmd.Cmd.Symbol != "ES" {
			t.Errorf("symbol = %q, want ES", cmd.Cmd.Symbol)
		}
		if cmd.ClientID == "" {
			t.Error("command has empty client id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached inbox")
	}
}

func TestMalformedCommandKeepsConnection(t *testing.T) {
	t.Parallel()

	h, ts := newTestHub(t, testWSConfig(64))
	conn := dial(t, ts)
	readJSON(t, conn) // snapshot

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	msg := readJSON(t, conn)
	if msg["type"] != "error" || msg["error_code"] != "bad_request" {
		t.Fatalf("got %v, want bad_request error", msg)
	}
	if msg["severity"] != "ERROR" {
		t.Errorf("severity = %v, want ERROR", msg["severity"])
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"ES"}`))
	msg = readJSON(t, conn)
	if msg["error_code"] != "bad_request" {
		t.Fatalf("missing command: got %v, want bad_request error", msg)
	}

	// Connection survived both rejects.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"list_orders"}`))
	select {
	case cmd := <-h.Commands():
		if cmd.Cmd.Command != types.CmdListOrders {
			t.Errorf("command = %q, want %q", cmd.Cmd.Command, types.CmdListOrders)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive malformed input")
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	t.Parallel()

	h, ts := newTestHub(t, testWSConfig(64))
	conn1 := dial(t, ts)
	conn2 := dial(t, ts)
	readJSON(t, conn1)
	readJSON(t, conn2)

	waitForClients(t, h, 2)
	h.Broadcast(types.ConnectionStatusMsg{
		Type:      types.MsgTypeConnectionStatus,
		Status:    types.ConnDisconnected,
		Timestamp: types.UnixNow(),
	})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readJSON(t, conn)
		if msg["status"] != "disconnected" {
			t.Errorf("status = %v, want disconnected", msg["status"])
		}
	}
}

func TestSendTargetsOneClient(t *testing.T) {
	t.Parallel()

	h, ts := newTestHub(t, testWSConfig(64))
	conn1 := dial(t, ts)
	readJSON(t, conn1)

	conn1.WriteMessage(websocket.TextMessage, []byte(`{"command":"list_orders"}`))
	var clientID string
	select {
	case cmd := <-h.Commands():
		clientID = cmd.ClientID
	case <-time.After(2 * time.Second):
		t.Fatal("no command")
	}

	conn2 := dial(t, ts)
	readJSON(t, conn2)

	h.Send(clientID, types.OrderStatusMsg{
		Type:      types.MsgTypeOrderStatus,
		OrderID:   1001,
		Status:    types.OrderSubmitted,
		Remaining: 2,
		Timestamp: types.UnixNow(),
	})
	msg := readJSON(t, conn1)
	if msg["order_id"] != float64(1001) || msg["status"] != "Submitted" {
		t.Errorf("got %v, want order_status for 1001", msg)
	}

	conn2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Error("second client received a targeted message")
	}
}

func TestSlowConsumerClosed(t *testing.T) {
	t.Parallel()

	h := New(testWSConfig(2), stubStatus{status: types.ConnConnected}, metrics.New(), testLogger())

	// Hold the server side of the socket without running the write
	// pump, so the queue genuinely fills instead of draining into
	// the TCP buffer.
	serverConns := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- sc
	}))
	t.Cleanup(ts.Close)

	conn := dial(t, ts)
	sc := <-serverConns
	c := &Client{id: "stalled", hub: h, conn: sc, queue: newOutQueue(2), done: make(chan struct{})}
	h.clients[c.id] = c

	data, _ := json.Marshal(types.NewError(types.SeverityError, types.ErrNotConnected, "upstream gateway unavailable"))
	h.push(c, data, true)
	h.push(c, data, true)
	h.push(c, data, true) // no droppable room left

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not closed")
	}

	// The peer sees close code 1011 with reason slow_consumer.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("read error = %v, want CloseError", err)
		}
		if closeErr.Code != websocket.CloseInternalServerErr || closeErr.Text != "slow_consumer" {
			t.Errorf("close = %d %q, want 1011 slow_consumer", closeErr.Code, closeErr.Text)
		}
		break
	}
}

func TestOversizedFrameCloses(t *testing.T) {
	t.Parallel()

	cfg := testWSConfig(64)
	cfg.MaxMessageSize = 512
	_, ts := newTestHub(t, cfg)

	conn := dial(t, ts)
	readJSON(t, conn)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}
	conn.WriteMessage(websocket.TextMessage, big)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("read error = %v, want CloseError", err)
		}
		if closeErr.Code != websocket.CloseMessageTooBig {
			t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseMessageTooBig)
		}
		return
	}
}

func TestDisconnectCascade(t *testing.T) {
	t.Parallel()

	h, ts := newTestHub(t, testWSConfig(64))
	conn := dial(t, ts)
	readJSON(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"list_orders"}`))
	var clientID string
	select {
	case cmd := <-h.Commands():
		clientID = cmd.ClientID
	case <-time.After(2 * time.Second):
		t.Fatal("no command")
	}

	conn.Close()

	select {
	case id := <-h.Disconnects():
		if id != clientID {
			t.Errorf("disconnect id = %q, want %q", id, clientID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never reported")
	}
}

func TestUnansweredPingsClose(t *testing.T) {
	t.Parallel()

	cfg := testWSConfig(64)
	cfg.PingInterval = 50 * time.Millisecond
	cfg.MaxMissedPongs = 2
	_, ts := newTestHub(t, cfg)

	conn := dial(t, ts)
	// Swallow pings so the server never sees a pong.
	conn.SetPingHandler(func(string) error { return nil })
	readJSON(t, conn)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("read error = %v, want CloseError", err)
		}
		if closeErr.Code != websocket.CloseGoingAway {
			t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseGoingAway)
		}
		return
	}
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", h.ClientCount(), n)
}
