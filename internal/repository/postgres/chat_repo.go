package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// ChatRepo implements ChatRepository using PostgreSQL.
type ChatRepo struct{ db *DB }

// NewChatRepo constructs a chat repository.
func NewChatRepo(db *DB) *ChatRepo { return &ChatRepo{db: db} }

// GetOrCreate looks the canonical pair up and inserts it when missing.
// A unique violation means a concurrent request created the row first; the winner is re-read.
func (r *ChatRepo) GetOrCreate(ctx context.Context, low, high int64) (model.Chat, bool, error) {
	c, err := r.findByPair(ctx, low, high)
	if err == nil {
		return *c, false, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return model.Chat{}, false, err
	}

	const ins = `
INSERT INTO chats (user_low, user_high)
VALUES ($1, $2)
RETURNING id, created_at`
	created := model.Chat{UserLow: low, UserHigh: high}
	err = r.db.Pool.QueryRow(ctx, ins, low, high).Scan(&created.ID, &created.CreatedAt)
	switch {
	case err == nil:
		return created, true, nil
	case isUniqueViolation(err):
		c, err = r.findByPair(ctx, low, high)
		if err != nil {
			return model.Chat{}, false, err
		}
		return *c, false, nil
	default:
		return model.Chat{}, false, err
	}
}

func (r *ChatRepo) findByPair(ctx context.Context, low, high int64) (*model.Chat, error) {
	const q = `
SELECT id, user_low, user_high, created_at
FROM chats WHERE user_low=$1 AND user_high=$2`
	var c model.Chat
	if err := r.db.Pool.QueryRow(ctx, q, low, high).Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Get selects a chat by id.
func (r *ChatRepo) Get(ctx context.Context, chatID int64) (*model.Chat, error) {
	const q = `
SELECT id, user_low, user_high, created_at
FROM chats WHERE id=$1`
	var c model.Chat
	if err := r.db.Pool.QueryRow(ctx, q, chatID).Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// IsMember is the single membership check shared by history reads, sends and room joins.
func (r *ChatRepo) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM chats WHERE id=$1 AND (user_low=$2 OR user_high=$2))`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, chatID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// ListForUser returns chat summaries ordered by last activity desc, then chat id desc.
func (r *ChatRepo) ListForUser(ctx context.Context, userID int64) ([]model.ChatSummary, error) {
	const q = `
SELECT c.id,
       p.peer_id,
       COALESCE(u.display_name, ''),
       COALESCE(lm.body, ''),
       COALESCE(lm.sent_at, c.created_at) AS last_activity
FROM chats c
CROSS JOIN LATERAL (SELECT CASE WHEN c.user_low=$1 THEN c.user_high ELSE c.user_low END AS peer_id) p
LEFT JOIN users u ON u.id = p.peer_id
LEFT JOIN LATERAL (
    SELECT m.body, m.sent_at FROM messages m
    WHERE m.chat_id = c.id
    ORDER BY m.sent_at DESC, m.id DESC
    LIMIT 1
) lm ON true
WHERE c.user_low=$1 OR c.user_high=$1
ORDER BY last_activity DESC, c.id DESC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ChatSummary{}
	for rows.Next() {
		var (
			s  model.ChatSummary
			ts time.Time
		)
		if err = rows.Scan(&s.ChatID, &s.PeerID, &s.PeerDisplayName, &s.LastMessageBody, &ts); err != nil {
			return nil, err
		}
		s.LastActivityAt = ts
		out = append(out, s)
	}
	return out, rows.Err()
}

// BlockRepo implements BlockRepository using PostgreSQL.
type BlockRepo struct{ db *DB }

// NewBlockRepo constructs a block repository.
func NewBlockRepo(db *DB) *BlockRepo { return &BlockRepo{db: db} }

// IsBlocked checks the blocks table in both directions.
func (r *BlockRepo) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM blocks
    WHERE (blocker_id=$1 AND blocked_id=$2) OR (blocker_id=$2 AND blocked_id=$1)
)`
	var blocked bool
	if err := r.db.Pool.QueryRow(ctx, q, a, b).Scan(&blocked); err != nil {
		return false, err
	}
	return blocked, nil
}
