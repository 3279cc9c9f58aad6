// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// ChatRepository provides access to canonical two-party chats.
type ChatRepository interface {
	// GetOrCreate returns the chat for the canonical pair, creating it if absent.
	// created is false when the row already existed or a concurrent insert won.
	GetOrCreate(ctx context.Context, low, high int64) (chat model.Chat, created bool, err error)
	// Get loads a chat by id.
	Get(ctx context.Context, chatID int64) (*model.Chat, error)
	// IsMember reports whether userID participates in chatID.
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
	// ListForUser returns the user's chats ordered by last activity, most recent first.
	ListForUser(ctx context.Context, userID int64) ([]model.ChatSummary, error)
}

// BlockRepository answers the block predicate.
type BlockRepository interface {
	// IsBlocked reports whether either user has blocked the other.
	IsBlocked(ctx context.Context, a, b int64) (bool, error)
}
