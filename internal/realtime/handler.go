package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/auth"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/service"
)

// TokenVerifier resolves an access token to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Handler upgrades authenticated requests and serves the chat event protocol.
type Handler struct {
	hub      *Hub
	chats    service.ChatService
	tokens   TokenVerifier
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler constructs the websocket endpoint. allowedOrigins empty or containing "*" accepts any origin.
func NewHandler(hub *Hub, chats service.ChatService, tokens TokenVerifier, log *zap.Logger, allowedOrigins []string) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{hub: hub, chats: chats, tokens: tokens, log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP authenticates with ?token= or an Authorization bearer header, then runs the
// connection until the peer disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	userID, err := h.tokens.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newConn(ws, userID, h.log)
	h.log.Info("websocket connected", zap.Int64("user_id", userID), zap.String("remote", r.RemoteAddr))

	go c.writePump()
	c.readPump(r.Context(), h.hub, h.handle)
	h.log.Info("websocket disconnected", zap.Int64("user_id", userID))
}

func (h *Handler) handle(ctx context.Context, c *Conn, f Frame) {
	switch f.Event {
	case EventJoin:
		var d JoinData
		if err := decodeData(f.Data, &d); err != nil {
			c.reply(h.hub, f.Ack, AckData{Error: ackError(err)})
			return
		}
		if err := h.chats.Authorize(ctx, d.ChatID, c.UserID); err != nil {
			h.log.Info("join refused", zap.Int64("user_id", c.UserID), zap.Int64("chat_id", d.ChatID), zap.Error(err))
			c.reply(h.hub, f.Ack, AckData{Error: ackError(err)})
			return
		}
		h.hub.Join(c, d.ChatID)
		c.reply(h.hub, f.Ack, AckData{OK: true, ChatID: d.ChatID})

	case EventLeave:
		var d JoinData
		if err := decodeData(f.Data, &d); err != nil {
			c.reply(h.hub, f.Ack, AckData{Error: ackError(err)})
			return
		}
		h.hub.Leave(c, d.ChatID)
		c.reply(h.hub, f.Ack, AckData{OK: true, ChatID: d.ChatID})

	case EventGetOrCreate:
		var d GetOrCreateData
		if err := decodeData(f.Data, &d); err != nil {
			c.reply(h.hub, f.Ack, AckData{Error: ackError(err)})
			return
		}
		chat, _, err := h.chats.GetOrCreate(ctx, c.UserID, d.To)
		if err != nil {
			if !isClientError(err) {
				h.log.Error("get_or_create", zap.Int64("user_id", c.UserID), zap.Error(err))
			}
			c.reply(h.hub, f.Ack, AckData{Error: ackError(err)})
			return
		}
		c.reply(h.hub, f.Ack, AckData{OK: true, ChatID: chat.ID})

	default:
		c.reply(h.hub, f.Ack, AckData{Error: fmt.Sprintf("unknown event %q", f.Event)})
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data required", errs.ErrInvalid)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	return nil
}

func isClientError(err error) bool {
	return ackError(err) != "internal error"
}
