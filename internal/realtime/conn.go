package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Pings are sent with this period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the peer.
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per connection before it counts as a slow consumer.
	sendBuffer = 256
)

// Conn is one authenticated websocket connection.
type Conn struct {
	UserID int64

	ws  *websocket.Conn
	log *zap.Logger

	send chan []byte

	mu     sync.Mutex
	closed bool

	// guarded by the owning Hub's mutex
	rooms map[int64]struct{}
}

func newConn(ws *websocket.Conn, userID int64, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		UserID: userID,
		ws:     ws,
		log:    log,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[int64]struct{}),
	}
}

// enqueue hands frame to the write pump without blocking.
// It reports false when the queue is full or already closed.
func (c *Conn) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// reply queues an ack frame. A connection that cannot take its own ack is dropped.
func (c *Conn) reply(hub *Hub, ack string, data AckData) {
	if ack == "" {
		return
	}
	frame, err := encodeFrame(EventAck, ack, data)
	if err != nil {
		c.log.Error("encode ack", zap.Error(err))
		return
	}
	if !c.enqueue(frame) {
		hub.Remove(c)
	}
}

// readPump decodes frames and passes them to handle until the peer goes away.
// On return the connection has left every room.
func (c *Conn) readPump(ctx context.Context, hub *Hub, handle func(context.Context, *Conn, Frame)) {
	defer func() {
		hub.Remove(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info("websocket read", zap.Int64("user_id", c.UserID), zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Debug("malformed frame", zap.Int64("user_id", c.UserID), zap.Error(err))
			continue
		}
		handle(ctx, c, f)
	}
}

// writePump is the only writer of c.ws.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON document per websocket frame
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.ws.WriteMessage(websocket.TextMessage, next); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
