// Package realtime is the websocket broker: per-chat rooms, connection pumps and the event endpoint.
package realtime

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
)

// Event names carried in Frame.Event.
const (
	EventJoin        = "chat:join"
	EventLeave       = "chat:leave"
	EventGetOrCreate = "chat:get_or_create"
	EventMessageNew  = "message:new"
	EventAck         = "ack"
)

// Frame is one JSON text frame in either direction.
// Ack is an opaque correlation id chosen by the client and echoed in the reply.
type Frame struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckData is the payload of an "ack" frame.
type AckData struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	ChatID int64  `json:"chatId,omitempty"`
}

// JoinData is the payload of chat:join and chat:leave.
type JoinData struct {
	ChatID int64 `json:"chatId"`
}

// GetOrCreateData is the payload of chat:get_or_create.
type GetOrCreateData struct {
	To int64 `json:"to"`
}

// RoomKey names the room of a chat.
func RoomKey(chatID int64) string { return "chat:" + strconv.FormatInt(chatID, 10) }

func encodeFrame(event, ack string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Ack: ack, Data: raw})
}

// ackError renders err for a client. Infrastructure details stay in the server log.
func ackError(err error) string {
	switch {
	case errors.Is(err, errs.ErrInvalid), errors.Is(err, errs.ErrForbidden),
		errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrUnauthorized):
		return err.Error()
	default:
		return "internal error"
	}
}
