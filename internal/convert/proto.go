// Package convert maps domain values to and from the google.protobuf.Struct payloads of the RPC surface.
//
// Field names match the REST bodies. Integers travel as JSON numbers, so ids are
// accepted only when they are integral and within the float64 exact range.
package convert

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// maxExactInt is the largest integer a float64 represents exactly.
const maxExactInt = 1 << 53

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Int64 reads an optional integer field. A missing or null field yields 0.
func Int64(in *structpb.Struct, key string) (int64, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > maxExactInt {
			return 0, fmt.Errorf("%w: %s must be an integer", errs.ErrInvalid, key)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", errs.ErrInvalid, key)
	}
}

// String reads an optional string field. A missing or null field yields "".
func String(in *structpb.Struct, key string) (string, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return "", nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "", nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	default:
		return "", fmt.Errorf("%w: %s must be a string", errs.ErrInvalid, key)
	}
}

// --- messages (server -> client) ---

func messageMap(m model.Message) map[string]any {
	return map[string]any{
		"id":     m.ID,
		"chatId": m.ChatID,
		"from":   m.SenderID,
		"to":     m.RecipientID,
		"body":   m.Body,
		"sentAt": ts(m.SentAt),
	}
}

// ToStructMessage renders a sent message, echoing the client request id and the dedup flag.
func ToStructMessage(m model.Message, clientID string, dedup bool) (*structpb.Struct, error) {
	out := messageMap(m)
	if clientID != "" {
		out["client_id"] = clientID
	}
	if dedup {
		out["dedup"] = true
	}
	return structpb.NewStruct(out)
}

// ToStructMessagePage renders a history page.
func ToStructMessagePage(msgs []model.Message, limit, offset int) (*structpb.Struct, error) {
	items := make([]any, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageMap(m))
	}
	return structpb.NewStruct(map[string]any{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

// ToStructChatList renders chat summaries as {items: [{chatId, peerId, name, lastMessage, fecha}]}.
func ToStructChatList(sums []model.ChatSummary) (*structpb.Struct, error) {
	items := make([]any, 0, len(sums))
	for _, c := range sums {
		var last any
		if c.LastMessageBody != "" {
			last = c.LastMessageBody
		}
		items = append(items, map[string]any{
			"chatId":      c.ChatID,
			"peerId":      c.PeerID,
			"name":        c.PeerDisplayName,
			"lastMessage": last,
			"fecha":       ts(c.LastActivityAt),
		})
	}
	return structpb.NewStruct(map[string]any{"items": items})
}

// ToStructChatID renders {chatId, created}.
func ToStructChatID(chatID int64, created bool) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"chatId": chatID, "created": created})
}

// --- requests (client -> server) ---

// SendRequest is the decoded body of SendMessage.
type SendRequest struct {
	ChatID   int64
	From     int64
	To       int64
	Body     string
	ClientID string
}

// FromStructSend decodes {chatId, from?, to?, body, client_id?}.
func FromStructSend(in *structpb.Struct) (SendRequest, error) {
	var (
		out SendRequest
		err error
	)
	if out.ChatID, err = Int64(in, "chatId"); err != nil {
		return SendRequest{}, err
	}
	if out.From, err = Int64(in, "from"); err != nil {
		return SendRequest{}, err
	}
	if out.To, err = Int64(in, "to"); err != nil {
		return SendRequest{}, err
	}
	if out.Body, err = String(in, "body"); err != nil {
		return SendRequest{}, err
	}
	if out.ClientID, err = String(in, "client_id"); err != nil {
		return SendRequest{}, err
	}
	return out, nil
}
