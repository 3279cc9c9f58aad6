package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

func testConn(userID int64) *Conn { return newConn(nil, userID, nil) }

func drain(c *Conn) [][]byte {
	var out [][]byte
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestHub_JoinLeaveRemove(t *testing.T) {
	t.Parallel()
	h := NewHub(zaptest.NewLogger(t))
	a, b := testConn(5), testConn(9)

	h.Join(a, 1)
	h.Join(a, 2)
	h.Join(b, 1)
	h.Join(b, 1)
	require.Equal(t, 2, h.RoomSize(1))
	require.Equal(t, 1, h.RoomSize(2))

	h.Leave(a, 1)
	require.Equal(t, 1, h.RoomSize(1))
	require.Equal(t, 1, h.RoomSize(2))

	h.Remove(a)
	h.Remove(a)
	require.Equal(t, 0, h.RoomSize(2))
	require.False(t, a.enqueue([]byte("x")), "removed connection must not accept frames")
}

func TestHub_BroadcastIsRoomScoped(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	a, b, outsider := testConn(5), testConn(9), testConn(7)
	h.Join(a, 1)
	h.Join(b, 1)
	h.Join(outsider, 2)

	require.Equal(t, 2, h.Broadcast(1, []byte("hi")))
	require.Len(t, drain(a), 1)
	require.Len(t, drain(b), 1)
	require.Empty(t, drain(outsider))
	require.Equal(t, 0, h.Broadcast(42, []byte("nobody")))
}

func TestHub_SlowConsumerDropped(t *testing.T) {
	t.Parallel()
	h := NewHub(zaptest.NewLogger(t))
	slow, fast := testConn(5), testConn(9)
	h.Join(slow, 1)
	h.Join(slow, 2)
	h.Join(fast, 1)

	for i := 0; i < sendBuffer; i++ {
		require.True(t, slow.enqueue([]byte("backlog")))
	}
	require.Equal(t, 1, h.Broadcast(1, []byte("x")))
	require.Equal(t, 1, h.RoomSize(1))
	require.Equal(t, 0, h.RoomSize(2), "a dropped connection leaves every room")
	require.Len(t, drain(fast), 1)
}

func TestHub_PublishFrame(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	c := testConn(9)
	h.Join(c, 3)

	msg := model.Message{ID: 11, ChatID: 3, SenderID: 5, RecipientID: 9, Body: "hola"}
	require.NoError(t, h.Publish(context.Background(), 3, model.MessageEvent{Message: msg, ClientID: "r1"}))

	frames := drain(c)
	require.Len(t, frames, 1)
	var f Frame
	require.NoError(t, json.Unmarshal(frames[0], &f))
	require.Equal(t, EventMessageNew, f.Event)

	var data map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &data))
	require.EqualValues(t, 11, data["id"])
	require.EqualValues(t, 3, data["chatId"])
	require.Equal(t, "hola", data["body"])
	require.Equal(t, "r1", data["client_id"])
}

func TestHub_ConcurrentJoinBroadcastRemove(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			c := testConn(uid)
			h.Join(c, 1)
			h.Broadcast(1, []byte("x"))
			h.Remove(c)
		}(int64(i + 1))
	}
	wg.Wait()
	require.Equal(t, 0, h.RoomSize(1))
}

func TestRoomKey(t *testing.T) {
	t.Parallel()
	require.Equal(t, "chat:42", RoomKey(42))
}
