// Package service contains the chat directory, membership guard and message pipeline.
package service

import (
	"context"
	"fmt"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/repository"
)

// ChatService is the chat directory plus the membership guard.
type ChatService interface {
	// GetOrCreate returns the canonical chat for the unordered pair, creating it on first use.
	// created is informational only.
	GetOrCreate(ctx context.Context, userA, userB int64) (chat model.Chat, created bool, err error)
	// ListForUser returns the user's chats, most recently active first.
	ListForUser(ctx context.Context, userID int64) ([]model.ChatSummary, error)
	// IsMember reports whether userID participates in chatID.
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
	// Authorize fails with errs.ErrForbidden unless userID participates in chatID.
	Authorize(ctx context.Context, chatID, userID int64) error
}

type ChatServiceImpl struct {
	chats  repository.ChatRepository
	blocks repository.BlockRepository
}

// NewChatService constructs ChatService.
func NewChatService(chats repository.ChatRepository, blocks repository.BlockRepository) *ChatServiceImpl {
	return &ChatServiceImpl{chats: chats, blocks: blocks}
}

// ValidatePair rejects non-positive ids and self-chats.
func ValidatePair(userA, userB int64) error {
	if userA <= 0 || userB <= 0 {
		return fmt.Errorf("%w: user ids must be positive", errs.ErrInvalid)
	}
	if userA == userB {
		return fmt.Errorf("%w: cannot open a chat with yourself", errs.ErrInvalid)
	}
	return nil
}

// GetOrCreate validates the pair, applies the block predicate and delegates to the repository,
// which resolves concurrent creation of the same pair to a single row.
func (s *ChatServiceImpl) GetOrCreate(ctx context.Context, userA, userB int64) (model.Chat, bool, error) {
	if err := ValidatePair(userA, userB); err != nil {
		return model.Chat{}, false, err
	}
	blocked, err := s.blocks.IsBlocked(ctx, userA, userB)
	if err != nil {
		return model.Chat{}, false, err
	}
	if blocked {
		return model.Chat{}, false, fmt.Errorf("%w: users blocked", errs.ErrForbidden)
	}
	low, high := model.CanonicalPair(userA, userB)
	return s.chats.GetOrCreate(ctx, low, high)
}

// ListForUser returns chat summaries relative to userID.
func (s *ChatServiceImpl) ListForUser(ctx context.Context, userID int64) ([]model.ChatSummary, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", errs.ErrInvalid)
	}
	return s.chats.ListForUser(ctx, userID)
}

// IsMember is the membership guard. Non-positive ids are never members.
func (s *ChatServiceImpl) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	if chatID <= 0 || userID <= 0 {
		return false, nil
	}
	return s.chats.IsMember(ctx, chatID, userID)
}

// Authorize turns a failed membership check into errs.ErrForbidden.
func (s *ChatServiceImpl) Authorize(ctx context.Context, chatID, userID int64) error {
	ok, err := s.IsMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a member of chat %d", errs.ErrForbidden, chatID)
	}
	return nil
}

// SameUser fails with errs.ErrForbidden when a caller-supplied user id differs from the authenticated one.
func SameUser(authenticated, claimed int64) error {
	if claimed != authenticated {
		return fmt.Errorf("%w: user %d cannot act as %d", errs.ErrForbidden, authenticated, claimed)
	}
	return nil
}
