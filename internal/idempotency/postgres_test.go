package idempotency

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

/************ fake message_requests table ************/

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type reqRow struct {
	messageID *int64
	expires   time.Time
}

type reqKey struct {
	chatID   int64
	clientID string
}

type fakeTable struct {
	mu       sync.Mutex
	rows     map[reqKey]*reqRow
	messages map[int64]model.Message
	queryErr error
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[reqKey]*reqRow{}, messages: map[int64]model.Message{}}
}

func (f *fakeTable) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if !strings.Contains(sql, "FROM message_requests r") {
		return fakeRow{scan: func(...any) error { return errors.New("unexpected query") }}
	}
	k := reqKey{args[0].(int64), args[1].(string)}
	return fakeRow{scan: func(dest ...any) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.queryErr != nil {
			return f.queryErr
		}
		r, ok := f.rows[k]
		if !ok || !r.expires.After(time.Now()) {
			return pgx.ErrNoRows
		}
		*(dest[0].(**int64)) = r.messageID
		if r.messageID == nil {
			return nil
		}
		m := f.messages[*r.messageID]
		*(dest[1].(**int64)) = &m.ChatID
		*(dest[2].(**int64)) = &m.SenderID
		*(dest[3].(**int64)) = &m.RecipientID
		*(dest[4].(**string)) = &m.Body
		*(dest[5].(**time.Time)) = &m.SentAt
		return nil
	}}
}

func (f *fakeTable) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	switch {
	case strings.Contains(sql, "INSERT INTO message_requests"):
		k := reqKey{args[0].(int64), args[1].(string)}
		if r, ok := f.rows[k]; ok && r.expires.After(now) {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.rows[k] = &reqRow{expires: now.Add(time.Duration(args[2].(int64)) * time.Millisecond)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE message_requests"):
		k := reqKey{args[0].(int64), args[1].(string)}
		id := args[2].(int64)
		f.rows[k].messageID = &id
		f.rows[k].expires = now.Add(time.Duration(args[3].(int64)) * time.Millisecond)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "message_id IS NULL"):
		k := reqKey{args[0].(int64), args[1].(string)}
		if r, ok := f.rows[k]; ok && r.messageID == nil {
			delete(f.rows, k)
			return pgconn.NewCommandTag("DELETE 1"), nil
		}
		return pgconn.NewCommandTag("DELETE 0"), nil
	case strings.Contains(sql, "WHERE expires_at <= now()"):
		n := 0
		for k, r := range f.rows {
			if !r.expires.After(now) {
				delete(f.rows, k)
				n++
			}
		}
		return pgconn.NewCommandTag("DELETE " + strconv.Itoa(n)), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected exec")
}

// producer appends to the fake messages table, as the message repository would.
func (f *fakeTable) producer(calls *atomic.Int32, body string) ProduceFunc {
	return func(context.Context) (model.Message, error) {
		n := calls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		m := model.Message{ID: int64(100 + n), ChatID: 1, SenderID: 5, RecipientID: 9, Body: body, SentAt: time.Now()}
		f.messages[m.ID] = m
		return m, nil
	}
}

// ctxTable fails statements on a finished context, as pgx does.
type ctxTable struct{ *fakeTable }

func (c ctxTable) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := ctx.Err(); err != nil {
		return fakeRow{scan: func(...any) error { return err }}
	}
	return c.fakeTable.QueryRow(ctx, sql, args...)
}

func (c ctxTable) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	return c.fakeTable.Exec(ctx, sql, args...)
}

func newTestPG(t *testing.T, db pgxQuerier) *PG {
	p := NewPG(db, time.Minute, zaptest.NewLogger(t))
	p.poll = time.Millisecond
	return p
}

func TestPG_RetryReturnsOriginal(t *testing.T) {
	t.Parallel()
	tbl := newFakeTable()
	p := newTestPG(t, tbl)
	var calls atomic.Int32

	first, dedup, err := p.SendWithDedup(context.Background(), 1, "c1", tbl.producer(&calls, "hola"))
	require.NoError(t, err)
	require.False(t, dedup)

	again, dedup, err := p.SendWithDedup(context.Background(), 1, "c1", tbl.producer(&calls, "hola"))
	require.NoError(t, err)
	require.True(t, dedup)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, "hola", again.Body)
	require.Equal(t, int32(1), calls.Load())
}

func TestPG_ConcurrentSendersProduceOnce(t *testing.T) {
	t.Parallel()
	tbl := newFakeTable()
	p := newTestPG(t, tbl)
	var calls atomic.Int32

	const n = 10
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, _, err := p.SendWithDedup(context.Background(), 1, "same", tbl.producer(&calls, "x"))
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = m.ID
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestPG_FailedProduceReleasesClaim(t *testing.T) {
	t.Parallel()
	tbl := newFakeTable()
	p := newTestPG(t, tbl)
	var calls atomic.Int32

	boom := errors.New("insert failed")
	_, _, err := p.SendWithDedup(context.Background(), 1, "c1", func(context.Context) (model.Message, error) {
		return model.Message{}, boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, tbl.rows)

	_, dedup, err := p.SendWithDedup(context.Background(), 1, "c1", tbl.producer(&calls, "retry"))
	require.NoError(t, err)
	require.False(t, dedup)
	require.Equal(t, int32(1), calls.Load())
}

func TestPG_CallerGoneAfterProduceStillRecords(t *testing.T) {
	t.Parallel()
	tbl := newFakeTable()
	p := newTestPG(t, ctxTable{tbl})
	var calls atomic.Int32
	produce := tbl.producer(&calls, "hola")

	ctx, cancel := context.WithCancel(context.Background())
	first, _, err := p.SendWithDedup(ctx, 1, "c1", func(ctx context.Context) (model.Message, error) {
		m, err := produce(ctx)
		cancel()
		return m, err
	})
	require.NoError(t, err)
	require.NotNil(t, tbl.rows[reqKey{1, "c1"}].messageID)

	again, dedup, err := p.SendWithDedup(context.Background(), 1, "c1", produce)
	require.NoError(t, err)
	require.True(t, dedup)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, int32(1), calls.Load())
}

func TestPG_ExpiredRecordIsReclaimed(t *testing.T) {
	t.Parallel()
	tbl := newFakeTable()
	p := newTestPG(t, tbl)
	var calls atomic.Int32

	first, _, err := p.SendWithDedup(context.Background(), 1, "c1", tbl.producer(&calls, "a"))
	require.NoError(t, err)
	tbl.rows[reqKey{1, "c1"}].expires = time.Now().Add(-time.Second)

	second, dedup, err := p.SendWithDedup(context.Background(), 1, "c1", tbl.producer(&calls, "a"))
	require.NoError(t, err)
	require.False(t, dedup)
	require.NotEqual(t, first.ID, second.ID)

	n, err := p.Purge(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPG_WaiterHonoursContext(t *testing.T) {
	t.Parallel()
	tbl := newFakeTable()
	p := newTestPG(t, tbl)
	tbl.rows[reqKey{1, "held"}] = &reqRow{expires: time.Now().Add(time.Minute)}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := p.SendWithDedup(ctx, 1, "held", func(context.Context) (model.Message, error) {
		t.Fatal("produce must not run while another sender holds the claim")
		return model.Message{}, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPG_NoClientIDBypasses(t *testing.T) {
	t.Parallel()
	tbl := newFakeTable()
	p := newTestPG(t, tbl)
	var calls atomic.Int32

	for i := 0; i < 2; i++ {
		_, dedup, err := p.SendWithDedup(context.Background(), 1, "", tbl.producer(&calls, "x"))
		require.NoError(t, err)
		require.False(t, dedup)
	}
	require.Equal(t, int32(2), calls.Load())
	require.Empty(t, tbl.rows)
}

func TestPG_LookupErrorPropagates(t *testing.T) {
	t.Parallel()
	tbl := newFakeTable()
	tbl.queryErr = errors.New("db down")
	p := newTestPG(t, tbl)

	_, _, err := p.SendWithDedup(context.Background(), 1, "c1", func(context.Context) (model.Message, error) {
		t.Fatal("produce must not run")
		return model.Message{}, nil
	})
	require.ErrorContains(t, err, "db down")
}

func TestPG_PurgeRemovesExpired(t *testing.T) {
	t.Parallel()
	tbl := newFakeTable()
	p := newTestPG(t, tbl)
	tbl.rows[reqKey{1, "old"}] = &reqRow{expires: time.Now().Add(-time.Minute)}
	tbl.rows[reqKey{1, "live"}] = &reqRow{expires: time.Now().Add(time.Minute)}

	n, err := p.Purge(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Len(t, tbl.rows, 1)
}

const (
	lookupSQL   = `SELECT r.message_id, m.chat_id, m.sender_id, m.recipient_id, m.body, m.sent_at FROM message_requests r`
	claimSQL    = `INSERT INTO message_requests \(chat_id, client_id, message_id, expires_at\)`
	completeSQL = `UPDATE message_requests SET message_id=\$3`
)

func TestPG_SQLRoundTrip(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	p := newTestPG(t, mock)

	mock.ExpectQuery(lookupSQL).
		WithArgs(int64(1), "c1").
		WillReturnRows(pgxmock.NewRows([]string{"message_id", "chat_id", "sender_id", "recipient_id", "body", "sent_at"}))
	mock.ExpectExec(claimSQL).
		WithArgs(int64(1), "c1", DefaultClaimTTL.Milliseconds()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(completeSQL).
		WithArgs(int64(1), "c1", int64(42), time.Minute.Milliseconds()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	m, dedup, err := p.SendWithDedup(context.Background(), 1, "c1", func(context.Context) (model.Message, error) {
		return model.Message{ID: 42, ChatID: 1, Body: "hola"}, nil
	})
	require.NoError(t, err)
	require.False(t, dedup)
	require.Equal(t, int64(42), m.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
