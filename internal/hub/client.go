package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// pushResult reports what enqueue had to do to make room.
type pushResult int

const (
	pushOK pushResult = iota
	pushedDroppingOldest // an older droppable message was discarded
	droppedSelf          // the new message was droppable and nothing else was
	queueStuck           // critical message with a queue full of criticals
)

type queued struct {
	data     []byte
	critical bool
}

// outQueue is the per-client outbound buffer. Overflow policy: discard
// the oldest droppable message first; critical messages (order status,
// connection status, errors) are never discarded, and a critical message
// that finds no room marks the client as a slow consumer.
type outQueue struct {
	mu     sync.Mutex
	buf    []queued
	limit  int
	wake   chan struct{}
	closed bool
}

func newOutQueue(limit int) *outQueue {
	return &outQueue{
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
}

func (q *outQueue) push(data []byte, critical bool) pushResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pushOK
	}

	res := pushOK
	if len(q.buf) >= q.limit {
		dropped := false
		for i, m := range q.buf {
			if !m.critical {
				q.buf = append(q.buf[:i], q.buf[i+1:]...)
				dropped = true
				res = pushedDroppingOldest
				break
			}
		}
		if !dropped {
			if !critical {
				return droppedSelf
			}
			return queueStuck
		}
	}

	q.buf = append(q.buf, queued{data: data, critical: critical})
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return res
}

// tryPop returns the next message without blocking.
func (q *outQueue) tryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil, false
	}
	m := q.buf[0]
	q.buf = q.buf[1:]
	return m.data, true
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.buf = nil
	q.mu.Unlock()
}

// Client is one connected WebSocket consumer.
type Client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	queue *outQueue

	missedPongs atomic.Int32
	done        chan struct{}
	closeOnce   sync.Once
}

// close tears the connection down with the given close code. Safe to
// call from any goroutine, exactly one close frame goes out.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.conn.Close()
		c.queue.close()
		close(c.done)
	})
}

// readPump decodes client commands and feeds them to the hub inbox.
// It owns deregistration: when it returns the client is gone and its
// subscriptions cascade.
func (c *Client) readPump() {
	defer c.hub.dropClient(c)

	readWait := c.hub.cfg.PingInterval*time.Duration(c.hub.cfg.MaxMissedPongs+1) + writeWait
	c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		c.missedPongs.Store(0)
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("client read failed", "client_id", c.id, "error", err)
			}
			return
		}
		c.hub.dispatchCommand(c, data)
	}
}

// writePump drains the queue onto the socket and keeps the liveness
// pings flowing. Exits when the client is closed or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return

		case <-c.queue.wake:
			for {
				data, ok := c.queue.tryPop()
				if !ok {
					break
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}

		case <-ticker.C:
			if int(c.missedPongs.Load()) >= c.hub.cfg.MaxMissedPongs {
				c.hub.logger.Info("client missed pings, closing",
					"client_id", c.id,
					"missed", c.missedPongs.Load(),
				)
				c.close(websocket.CloseGoingAway, "ping timeout")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.missedPongs.Add(1)
		}
	}
}
