package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/realtime"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("chat connection closed")

// AckError is a refused realtime request.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string { return e.Event + ": " + e.Message }

// Temporary reports whether the server failed rather than refused.
func (e *AckError) Temporary() bool { return e.Message == "internal error" }

// Conn is a realtime connection with acknowledged requests.
// Events must be drained; acks are delivered by the same reader.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan realtime.AckData

	events    chan model.MessageEvent
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the websocket endpoint at wsURL, authenticating with token.
func Dial(ctx context.Context, wsURL, token string) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	c := &Conn{
		ws:      ws,
		pending: make(map[string]chan realtime.AckData),
		events:  make(chan model.MessageEvent, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers message:new pushes. It is closed when the connection ends.
func (c *Conn) Events() <-chan model.MessageEvent { return c.events }

// Err returns the reason the connection ended, if it has.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Join subscribes to a chat's broadcasts.
func (c *Conn) Join(ctx context.Context, chatID int64) error {
	_, err := c.call(ctx, realtime.EventJoin, realtime.JoinData{ChatID: chatID})
	return err
}

// Leave unsubscribes from a chat.
func (c *Conn) Leave(ctx context.Context, chatID int64) error {
	_, err := c.call(ctx, realtime.EventLeave, realtime.JoinData{ChatID: chatID})
	return err
}

// GetOrCreate opens the chat with peer over the realtime channel.
func (c *Conn) GetOrCreate(ctx context.Context, peer int64) (int64, error) {
	ack, err := c.call(ctx, realtime.EventGetOrCreate, realtime.GetOrCreateData{To: peer})
	if err != nil {
		return 0, err
	}
	return ack.ChatID, nil
}

// Close ends the connection. Undrained events are discarded.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Conn) call(ctx context.Context, event string, data any) (realtime.AckData, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return realtime.AckData{}, err
	}
	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan realtime.AckData, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.ws.WriteJSON(realtime.Frame{Event: event, Ack: id, Data: raw})
	c.writeMu.Unlock()
	if err != nil {
		return realtime.AckData{}, fmt.Errorf("write %s: %w", event, err)
	}

	select {
	case ack := <-ch:
		if !ack.OK {
			return ack, &AckError{Event: event, Message: ack.Error}
		}
		return ack, nil
	case <-c.done:
		return realtime.AckData{}, ErrClosed
	case <-ctx.Done():
		return realtime.AckData{}, ctx.Err()
	}
}

func (c *Conn) readLoop() {
	defer close(c.events)
	defer close(c.done)
	for {
		var f realtime.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.err = err
			return
		}
		switch f.Event {
		case realtime.EventAck:
			var ack realtime.AckData
			if json.Unmarshal(f.Data, &ack) != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[f.Ack]
			c.mu.Unlock()
			if ch != nil {
				ch <- ack
			}
		case realtime.EventMessageNew:
			var evt model.MessageEvent
			if json.Unmarshal(f.Data, &evt) != nil {
				continue
			}
			select {
			case c.events <- evt:
			case <-c.closing:
				c.err = ErrClosed
				return
			}
		}
	}
}
