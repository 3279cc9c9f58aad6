// Package memory implements the repository interfaces in process memory.
// It backs the server when no database is configured and end-to-end tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

type pair struct{ low, high int64 }

type blockKey struct{ blocker, blocked int64 }

// Store holds chats, messages, blocks and display names.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	chatSeq  int64
	msgSeq   int64
	chats    map[int64]model.Chat
	byPair   map[pair]int64
	messages map[int64][]model.Message
	blocks   map[blockKey]struct{}
	names    map[int64]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		chats:    make(map[int64]model.Chat),
		byPair:   make(map[pair]int64),
		messages: make(map[int64][]model.Message),
		blocks:   make(map[blockKey]struct{}),
		names:    make(map[int64]string),
	}
}

// Block records that blocker has blocked blocked.
func (s *Store) Block(blocker, blocked int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[blockKey{blocker, blocked}] = struct{}{}
}

// SetDisplayName sets the name shown to a user's chat peers.
func (s *Store) SetDisplayName(userID int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
}

// GetOrCreate returns the chat for the pair, inserting it under the write lock when absent.
func (s *Store) GetOrCreate(_ context.Context, low, high int64) (model.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[pair{low, high}]; ok {
		return s.chats[id], false, nil
	}
	s.chatSeq++
	c := model.Chat{ID: s.chatSeq, UserLow: low, UserHigh: high, CreatedAt: s.now()}
	s.chats[c.ID] = c
	s.byPair[pair{low, high}] = c.ID
	return c, true, nil
}

// Get returns a chat by id.
func (s *Store) Get(_ context.Context, chatID int64) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

// IsMember reports whether userID participates in chatID.
func (s *Store) IsMember(_ context.Context, chatID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	return ok && c.HasMember(userID), nil
}

// ListForUser returns summaries ordered by last activity desc, then chat id desc.
func (s *Store) ListForUser(_ context.Context, userID int64) ([]model.ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.ChatSummary{}
	for _, c := range s.chats {
		if !c.HasMember(userID) {
			continue
		}
		peer := c.Peer(userID)
		sum := model.ChatSummary{
			ChatID:          c.ID,
			PeerID:          peer,
			PeerDisplayName: s.names[peer],
			LastActivityAt:  c.CreatedAt,
		}
		if msgs := s.messages[c.ID]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			sum.LastMessageBody = last.Body
			sum.LastActivityAt = last.SentAt
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ChatID > out[j].ChatID
	})
	return out, nil
}

// IsBlocked checks both directions.
func (s *Store) IsBlocked(_ context.Context, a, b int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ab := s.blocks[blockKey{a, b}]
	_, ba := s.blocks[blockKey{b, a}]
	return ab || ba, nil
}

// Append stores a message. Timestamps never go backwards within a chat.
func (s *Store) Append(_ context.Context, m model.NewMessage) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[m.ChatID]; !ok {
		return model.Message{}, errs.ErrNotFound
	}
	at := s.now()
	if msgs := s.messages[m.ChatID]; len(msgs) > 0 {
		if last := msgs[len(msgs)-1].SentAt; at.Before(last) {
			at = last
		}
	}
	s.msgSeq++
	out := model.Message{
		ID:          s.msgSeq,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Body:        m.Body,
		SentAt:      at,
	}
	s.messages[m.ChatID] = append(s.messages[m.ChatID], out)
	return out, nil
}

// ListRange returns a copy of the requested page.
func (s *Store) ListRange(_ context.Context, chatID int64, limit, offset int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[chatID]
	if offset >= len(msgs) {
		return []model.Message{}, nil
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	out := make([]model.Message, end-offset)
	copy(out, msgs[offset:end])
	return out, nil
}
