package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// Hub tracks which connections are subscribed to which chat rooms.
// Membership is checked by the caller before Join; the hub itself never re-validates.
type Hub struct {
	log *zap.Logger

	mu    sync.RWMutex
	rooms map[int64]map[*Conn]struct{}
}

// NewHub constructs an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, rooms: make(map[int64]map[*Conn]struct{})}
}

// Join adds c to the room of chatID. A connection may be in many rooms.
func (h *Hub) Join(c *Conn, chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[chatID]
	if room == nil {
		room = make(map[*Conn]struct{})
		h.rooms[chatID] = room
	}
	room[c] = struct{}{}
	c.rooms[chatID] = struct{}{}
	h.log.Debug("room join",
		zap.String("room", RoomKey(chatID)),
		zap.Int64("user_id", c.UserID),
		zap.Int("size", len(room)),
	)
}

// Leave removes c from a single room.
func (h *Hub) Leave(c *Conn, chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, chatID)
}

func (h *Hub) leaveLocked(c *Conn, chatID int64) {
	delete(c.rooms, chatID)
	room, ok := h.rooms[chatID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, chatID)
	}
}

// Remove drops c from every room and closes its outbound queue. Safe to call repeatedly.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	for chatID := range c.rooms {
		h.leaveLocked(c, chatID)
	}
	h.mu.Unlock()
	c.closeSend()
}

// Broadcast queues frame on every connection in the room and returns how many accepted it.
// Delivery works on a snapshot of the room; connections whose queue is full are removed.
func (h *Hub) Broadcast(chatID int64, frame []byte) int {
	h.mu.RLock()
	room := h.rooms[chatID]
	targets := make([]*Conn, 0, len(room))
	for c := range room {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			sent++
			continue
		}
		h.log.Warn("dropping slow consumer",
			zap.String("room", RoomKey(chatID)),
			zap.Int64("user_id", c.UserID),
		)
		h.Remove(c)
	}
	return sent
}

// Publish sends a message:new frame to the chat's room. It satisfies service.Publisher.
func (h *Hub) Publish(_ context.Context, chatID int64, evt model.MessageEvent) error {
	frame, err := encodeFrame(EventMessageNew, "", evt)
	if err != nil {
		return err
	}
	n := h.Broadcast(chatID, frame)
	h.log.Debug("broadcast",
		zap.String("room", RoomKey(chatID)),
		zap.Int64("message_id", evt.ID),
		zap.Int("delivered", n),
	)
	return nil
}

// RoomSize returns the number of connections subscribed to chatID.
func (h *Hub) RoomSize(chatID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}
