package postgres

import (
	"context"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Append inserts a message; id and sent_at come from the database.
func (r *MessageRepo) Append(ctx context.Context, m model.NewMessage) (model.Message, error) {
	const q = `
INSERT INTO messages (chat_id, sender_id, recipient_id, body)
VALUES ($1, $2, $3, $4)
RETURNING id, sent_at`
	out := model.Message{
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Body:        m.Body,
	}
	if err := r.db.Pool.QueryRow(ctx, q, m.ChatID, m.SenderID, m.RecipientID, m.Body).Scan(&out.ID, &out.SentAt); err != nil {
		return model.Message{}, err
	}
	return out, nil
}

// ListRange returns a page of messages in durable order.
func (r *MessageRepo) ListRange(ctx context.Context, chatID int64, limit, offset int) ([]model.Message, error) {
	const q = `
SELECT id, chat_id, sender_id, recipient_id, body, sent_at
FROM messages
WHERE chat_id=$1
ORDER BY sent_at ASC, id ASC
LIMIT $2 OFFSET $3`
	rows, err := r.db.Pool.Query(ctx, q, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		var m model.Message
		if err = rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.RecipientID, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
