package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// Defaults for the shared store.
const (
	// DefaultClaimTTL bounds how long a crashed sender can hold a key before others may claim it.
	DefaultClaimTTL = 30 * time.Second
	// DefaultPollInterval is how often a waiter re-reads a key claimed by another sender.
	DefaultPollInterval = 50 * time.Millisecond
)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG is a dedup store shared by every server process through the message_requests table.
//
// A sender first claims the key with a short lease, runs produce, then records the message id
// and extends the row to the full TTL. Senders that find a live claim wait for it to resolve.
// A failed produce releases the claim so a retry may run.
type PG struct {
	db       pgxQuerier
	ttl      time.Duration
	claimTTL time.Duration
	poll     time.Duration
	log      *zap.Logger
}

// NewPG constructs a shared store; ttl <= 0 selects DefaultTTL.
func NewPG(db pgxQuerier, ttl time.Duration, log *zap.Logger) *PG {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PG{db: db, ttl: ttl, claimTTL: DefaultClaimTTL, poll: DefaultPollInterval, log: log}
}

type claimState int

const (
	stateAbsent claimState = iota
	statePending
	stateDone
)

// SendWithDedup has the same contract as Cache.SendWithDedup across processes.
func (p *PG) SendWithDedup(ctx context.Context, chatID int64, clientID string, produce ProduceFunc) (model.Message, bool, error) {
	if clientID == "" {
		msg, err := produce(ctx)
		return msg, false, err
	}
	for {
		msg, state, err := p.lookup(ctx, chatID, clientID)
		if err != nil {
			return model.Message{}, false, err
		}
		switch state {
		case stateDone:
			return msg, true, nil
		case stateAbsent:
			claimed, err := p.claim(ctx, chatID, clientID)
			if err != nil {
				return model.Message{}, false, err
			}
			if claimed {
				return p.run(ctx, chatID, clientID, produce)
			}
		}
		select {
		case <-ctx.Done():
			return model.Message{}, false, ctx.Err()
		case <-time.After(p.poll):
		}
	}
}

func (p *PG) run(ctx context.Context, chatID int64, clientID string, produce ProduceFunc) (model.Message, bool, error) {
	msg, err := produce(ctx)
	if err != nil {
		if rerr := p.release(context.WithoutCancel(ctx), chatID, clientID); rerr != nil {
			p.log.Warn("release dedup claim", zap.Int64("chat_id", chatID), zap.Error(rerr))
		}
		return model.Message{}, false, err
	}
	// the message is committed; record it even if the caller has gone away
	if err := p.complete(context.WithoutCancel(ctx), chatID, clientID, msg.ID); err != nil {
		// the message exists; a retry after the claim lease may duplicate it
		p.log.Error("record dedup result", zap.Int64("chat_id", chatID), zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	return msg, false, nil
}

func (p *PG) lookup(ctx context.Context, chatID int64, clientID string) (model.Message, claimState, error) {
	const q = `
SELECT r.message_id, m.chat_id, m.sender_id, m.recipient_id, m.body, m.sent_at
FROM message_requests r
LEFT JOIN messages m ON m.id = r.message_id
WHERE r.chat_id=$1 AND r.client_id=$2 AND r.expires_at > now()`
	var (
		id                      *int64
		chat, sender, recipient *int64
		body                    *string
		sentAt                  *time.Time
	)
	err := p.db.QueryRow(ctx, q, chatID, clientID).Scan(&id, &chat, &sender, &recipient, &body, &sentAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.Message{}, stateAbsent, nil
	case err != nil:
		return model.Message{}, stateAbsent, fmt.Errorf("dedup lookup: %w", err)
	case id == nil || chat == nil:
		return model.Message{}, statePending, nil
	}
	return model.Message{
		ID:          *id,
		ChatID:      *chat,
		SenderID:    *sender,
		RecipientID: *recipient,
		Body:        *body,
		SentAt:      *sentAt,
	}, stateDone, nil
}

// claim takes the key when no live row exists. An expired row is taken over.
func (p *PG) claim(ctx context.Context, chatID int64, clientID string) (bool, error) {
	const q = `
INSERT INTO message_requests (chat_id, client_id, message_id, expires_at)
VALUES ($1, $2, NULL, now() + $3::bigint * interval '1 millisecond')
ON CONFLICT (chat_id, client_id) DO UPDATE
SET message_id = NULL, expires_at = EXCLUDED.expires_at
WHERE message_requests.expires_at <= now()`
	tag, err := p.db.Exec(ctx, q, chatID, clientID, p.claimTTL.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PG) complete(ctx context.Context, chatID int64, clientID string, messageID int64) error {
	const q = `
UPDATE message_requests
SET message_id=$3, expires_at = now() + $4::bigint * interval '1 millisecond'
WHERE chat_id=$1 AND client_id=$2`
	_, err := p.db.Exec(ctx, q, chatID, clientID, messageID, p.ttl.Milliseconds())
	return err
}

func (p *PG) release(ctx context.Context, chatID int64, clientID string) error {
	const q = `DELETE FROM message_requests WHERE chat_id=$1 AND client_id=$2 AND message_id IS NULL`
	_, err := p.db.Exec(ctx, q, chatID, clientID)
	return err
}

// Purge deletes expired rows and returns how many were removed.
func (p *PG) Purge(ctx context.Context) (int64, error) {
	const q = `DELETE FROM message_requests WHERE expires_at <= now()`
	tag, err := p.db.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RunJanitor purges expired rows every interval until ctx is done.
func (p *PG) RunJanitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.Purge(ctx)
			if err != nil && ctx.Err() == nil {
				p.log.Warn("purge dedup records", zap.Error(err))
				continue
			}
			if n > 0 {
				p.log.Debug("purged dedup records", zap.Int64("rows", n))
			}
		}
	}
}
