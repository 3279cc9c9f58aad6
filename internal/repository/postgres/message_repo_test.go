package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

const (
	insMessageSQL  = `INSERT INTO messages \(chat_id, sender_id, recipient_id, body\) VALUES \(\$1, \$2, \$3, \$4\) RETURNING id, sent_at`
	listMessageSQL = `SELECT id, chat_id, sender_id, recipient_id, body, sent_at FROM messages WHERE chat_id=\$1 ORDER BY sent_at ASC, id ASC LIMIT \$2 OFFSET \$3`
)

func TestMessageRepo_Append(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	at := time.Now().UTC()

	mock.ExpectQuery(insMessageSQL).
		WithArgs(int64(1), int64(5), int64(9), "hola").
		WillReturnRows(pgxmock.NewRows([]string{"id", "sent_at"}).AddRow(int64(42), at))

	m, err := r.Append(context.Background(), model.NewMessage{ChatID: 1, SenderID: 5, RecipientID: 9, Body: "hola"})
	require.NoError(t, err)
	require.Equal(t, model.Message{ID: 42, ChatID: 1, SenderID: 5, RecipientID: 9, Body: "hola", SentAt: at}, m)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_Append_Error(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(insMessageSQL).
		WithArgs(int64(1), int64(5), int64(9), "hola").
		WillReturnError(errors.New("db down"))

	_, err := r.Append(context.Background(), model.NewMessage{ChatID: 1, SenderID: 5, RecipientID: 9, Body: "hola"})
	require.Error(t, err)
}

func TestMessageRepo_ListRange(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(listMessageSQL).
		WithArgs(int64(1), 50, 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "chat_id", "sender_id", "recipient_id", "body", "sent_at"}).
			AddRow(int64(11), int64(1), int64(5), int64(9), "a", t0).
			AddRow(int64(12), int64(1), int64(9), int64(5), "b", t0))

	out, err := r.ListRange(context.Background(), 1, 50, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(11), out[0].ID)
	require.Equal(t, int64(9), out[1].SenderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_ListRange_QueryError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(listMessageSQL).
		WithArgs(int64(1), 50, 0).
		WillReturnError(errors.New("timeout"))

	_, err := r.ListRange(context.Background(), 1, 50, 0)
	require.Error(t, err)
}
