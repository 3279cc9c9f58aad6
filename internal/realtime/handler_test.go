package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/auth"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/repository/memory"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/service"
)

type wsEnv struct {
	srv    *httptest.Server
	hub    *Hub
	store  *memory.Store
	chats  *service.ChatServiceImpl
	tokens *auth.Tokens
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.New()
	env := &wsEnv{
		hub:    NewHub(log),
		store:  store,
		chats:  service.NewChatService(store, store),
		tokens: auth.NewTokens([]byte("test-key"), time.Hour),
	}
	env.srv = httptest.NewServer(NewHandler(env.hub, env.chats, env.tokens, log, nil))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *wsEnv) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	tok, _, err := e.tokens.Issue(userID)
	require.NoError(t, err)
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/?token=" + tok
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func call(t *testing.T, ws *websocket.Conn, event, ack string, data any) AckData {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Frame{Event: event, Ack: ack, Data: raw}))

	f := readFrame(t, ws)
	require.Equal(t, EventAck, f.Event)
	require.Equal(t, ack, f.Ack)
	var out AckData
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestHandler_RejectsMissingOrBadToken(t *testing.T) {
	t.Parallel()
	env := newWSEnv(t)
	u := "ws" + strings.TrimPrefix(env.srv.URL, "http")

	for _, q := range []string{"/", "/?token=garbage"} {
		_, resp, err := websocket.DefaultDialer.Dial(u+q, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestHandler_BearerHeaderAccepted(t *testing.T) {
	t.Parallel()
	env := newWSEnv(t)
	tok, _, err := env.tokens.Issue(5)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.srv.URL, "http"), h)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestHandler_GetOrCreateJoinAndReceive(t *testing.T) {
	t.Parallel()
	env := newWSEnv(t)
	alice := env.dial(t, 5)
	bob := env.dial(t, 9)

	created := call(t, alice, EventGetOrCreate, "1", GetOrCreateData{To: 9})
	require.True(t, created.OK, created.Error)
	require.NotZero(t, created.ChatID)

	again := call(t, bob, EventGetOrCreate, "1", GetOrCreateData{To: 5})
	require.True(t, again.OK)
	require.Equal(t, created.ChatID, again.ChatID)

	require.True(t, call(t, alice, EventJoin, "2", JoinData{ChatID: created.ChatID}).OK)
	require.True(t, call(t, bob, EventJoin, "2", JoinData{ChatID: created.ChatID}).OK)
	require.Equal(t, 2, env.hub.RoomSize(created.ChatID))

	msg := model.Message{ID: 1, ChatID: created.ChatID, SenderID: 5, RecipientID: 9, Body: "hola"}
	require.NoError(t, env.hub.Publish(context.Background(), created.ChatID, model.MessageEvent{Message: msg, ClientID: "r1"}))

	for _, ws := range []*websocket.Conn{alice, bob} {
		f := readFrame(t, ws)
		require.Equal(t, EventMessageNew, f.Event)
		var evt model.MessageEvent
		require.NoError(t, json.Unmarshal(f.Data, &evt))
		require.Equal(t, int64(1), evt.ID)
		require.Equal(t, "r1", evt.ClientID)
	}
}

func TestHandler_JoinRefusedForNonMember(t *testing.T) {
	t.Parallel()
	env := newWSEnv(t)
	chat, _, err := env.chats.GetOrCreate(context.Background(), 5, 9)
	require.NoError(t, err)

	intruder := env.dial(t, 7)
	ack := call(t, intruder, EventJoin, "j", JoinData{ChatID: chat.ID})
	require.False(t, ack.OK)
	require.Contains(t, ack.Error, "forbidden")
	require.Equal(t, 0, env.hub.RoomSize(chat.ID))

	ack = call(t, intruder, EventJoin, "j2", JoinData{ChatID: 999})
	require.False(t, ack.OK)
}

func TestHandler_GetOrCreateBlockedAndSelf(t *testing.T) {
	t.Parallel()
	env := newWSEnv(t)
	env.store.Block(9, 5)
	ws := env.dial(t, 5)

	blocked := call(t, ws, EventGetOrCreate, "a", GetOrCreateData{To: 9})
	require.False(t, blocked.OK)
	require.Contains(t, blocked.Error, "forbidden")

	self := call(t, ws, EventGetOrCreate, "b", GetOrCreateData{To: 5})
	require.False(t, self.OK)
	require.Contains(t, self.Error, "validation")
}

func TestHandler_LeaveAndUnknownEvent(t *testing.T) {
	t.Parallel()
	env := newWSEnv(t)
	chat, _, err := env.chats.GetOrCreate(context.Background(), 5, 9)
	require.NoError(t, err)
	ws := env.dial(t, 5)

	require.True(t, call(t, ws, EventJoin, "1", JoinData{ChatID: chat.ID}).OK)
	require.True(t, call(t, ws, EventLeave, "2", JoinData{ChatID: chat.ID}).OK)
	require.Equal(t, 0, env.hub.RoomSize(chat.ID))

	unknown := call(t, ws, "chat:dance", "3", JoinData{})
	require.False(t, unknown.OK)
	require.Contains(t, unknown.Error, "unknown event")

	missing := call(t, ws, EventJoin, "4", nil)
	require.False(t, missing.OK)
}

func TestHandler_DisconnectLeavesRooms(t *testing.T) {
	t.Parallel()
	env := newWSEnv(t)
	chat, _, err := env.chats.GetOrCreate(context.Background(), 5, 9)
	require.NoError(t, err)
	ws := env.dial(t, 5)
	require.True(t, call(t, ws, EventJoin, "1", JoinData{ChatID: chat.ID}).OK)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return env.hub.RoomSize(chat.ID) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	open := originChecker(nil)
	require.True(t, open(req("https://evil.example")))

	star := originChecker([]string{"*"})
	require.True(t, star(req("https://evil.example")))

	strict := originChecker([]string{"https://app.example/"})
	require.True(t, strict(req("https://app.example")))
	require.True(t, strict(req("")))
	require.False(t, strict(req("https://evil.example")))
}
