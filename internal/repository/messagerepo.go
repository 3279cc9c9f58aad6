package repository

import (
	"context"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// MessageRepository is the append-only message log.
type MessageRepository interface {
	// Append persists a message and returns it with assigned id and sentAt.
	Append(ctx context.Context, m model.NewMessage) (model.Message, error)

	// ListRange returns messages of a chat ordered by (sentAt, id) ascending.
	ListRange(ctx context.Context, chatID int64, limit, offset int) ([]model.Message, error)
}
