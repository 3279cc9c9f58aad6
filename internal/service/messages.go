package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/idempotency"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/repository"
)

// History paging bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 100
	// MaxBodyLen is the longest accepted message body, in characters.
	MaxBodyLen = 4000
)

// Publisher fans a freshly persisted message out to the chat's room.
type Publisher interface {
	Publish(ctx context.Context, chatID int64, evt model.MessageEvent) error
}

// Deduper runs produce at most once per (chat, client request id) within its window.
type Deduper interface {
	SendWithDedup(ctx context.Context, chatID int64, clientID string, produce idempotency.ProduceFunc) (model.Message, bool, error)
}

// SendRequest is one append attempt.
type SendRequest struct {
	ChatID   int64
	From     int64
	To       int64 // 0 means "the other participant"
	Body     string
	ClientID string // optional idempotency key
}

// SendResult carries the persisted message and whether it came from an earlier attempt.
type SendResult struct {
	Message model.Message
	Dedup   bool
}

// MessageService defines the send and history paths.
type MessageService interface {
	// Send validates, authorizes, deduplicates, persists and broadcasts a message.
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	// History returns a page of messages for a member, echoing the clamped limit/offset.
	History(ctx context.Context, chatID, userID int64, limit, offset int) (msgs []model.Message, usedLimit, usedOffset int, err error)
}

type MessageServiceImpl struct {
	chats    repository.ChatRepository
	guard    ChatService
	messages repository.MessageRepository
	dedup    Deduper
	pub      Publisher
	log      *zap.Logger
}

// NewMessageService constructs MessageService. guard must be the same ChatService the realtime join path uses.
func NewMessageService(
	chats repository.ChatRepository,
	guard ChatService,
	messages repository.MessageRepository,
	dedup Deduper,
	pub Publisher,
	log *zap.Logger,
) *MessageServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageServiceImpl{chats: chats, guard: guard, messages: messages, dedup: dedup, pub: pub, log: log}
}

// ClampRange applies the paging bounds: limit in [1, MaxLimit], offset >= 0.
func ClampRange(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Send runs the append path. Validation and authorization happen before any side effect;
// only the call that actually produced the message publishes it.
func (s *MessageServiceImpl) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	body := strings.TrimSpace(req.Body)
	switch {
	case req.ChatID <= 0:
		return SendResult{}, fmt.Errorf("%w: chatId required", errs.ErrInvalid)
	case req.From <= 0:
		return SendResult{}, fmt.Errorf("%w: from required", errs.ErrInvalid)
	case req.To < 0:
		return SendResult{}, fmt.Errorf("%w: negative to", errs.ErrInvalid)
	case body == "":
		return SendResult{}, fmt.Errorf("%w: empty body", errs.ErrInvalid)
	case utf8.RuneCountInString(body) > MaxBodyLen:
		return SendResult{}, fmt.Errorf("%w: body longer than %d characters", errs.ErrInvalid, MaxBodyLen)
	}

	if err := s.guard.Authorize(ctx, req.ChatID, req.From); err != nil {
		return SendResult{}, err
	}
	chat, err := s.chats.Get(ctx, req.ChatID)
	if err != nil {
		return SendResult{}, err
	}
	to := chat.Peer(req.From)
	if req.To != 0 && req.To != to {
		return SendResult{}, fmt.Errorf("%w: to must be the other participant", errs.ErrInvalid)
	}

	msg, dedup, err := s.dedup.SendWithDedup(ctx, req.ChatID, req.ClientID, func(ctx context.Context) (model.Message, error) {
		return s.messages.Append(ctx, model.NewMessage{
			ChatID:      req.ChatID,
			SenderID:    req.From,
			RecipientID: to,
			Body:        body,
		})
	})
	if err != nil {
		return SendResult{}, err
	}

	if !dedup {
		evt := model.MessageEvent{Message: msg, ClientID: req.ClientID}
		// the message is durable at this point; a failed fan-out must not fail the send
		if err := s.pub.Publish(ctx, req.ChatID, evt); err != nil {
			s.log.Warn("publish message:new failed",
				zap.Int64("chat_id", req.ChatID),
				zap.Int64("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return SendResult{Message: msg, Dedup: dedup}, nil
}

// History checks membership with the shared guard, then reads a clamped page.
func (s *MessageServiceImpl) History(ctx context.Context, chatID, userID int64, limit, offset int) ([]model.Message, int, int, error) {
	if chatID <= 0 {
		return nil, 0, 0, fmt.Errorf("%w: chat id must be positive", errs.ErrInvalid)
	}
	limit, offset = ClampRange(limit, offset)
	if err := s.guard.Authorize(ctx, chatID, userID); err != nil {
		return nil, 0, 0, err
	}
	msgs, err := s.messages.ListRange(ctx, chatID, limit, offset)
	if err != nil {
		return nil, 0, 0, err
	}
	return msgs, limit, offset, nil
}
