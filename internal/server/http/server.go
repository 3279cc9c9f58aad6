// Package httpserver exposes the chat REST surface and mounts the websocket endpoint.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/auth"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/service"
)

// TokenVerifier resolves an access token to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Server wires services into HTTP handlers.
type Server struct {
	chats  service.ChatService
	msgs   service.MessageService
	tokens TokenVerifier
	ws     http.Handler
	log    *zap.Logger
}

// New constructs the REST server. ws may be nil to disable the /ws endpoint.
func New(chats service.ChatService, msgs service.MessageService, tokens TokenVerifier, ws http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{chats: chats, msgs: msgs, tokens: tokens, ws: ws, log: log}
}

// Routes builds the router. corsOrigins empty allows any origin without credentials.
func (s *Server) Routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Logging(s.log))
	r.Use(Recover(s.log))

	origins := corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: len(corsOrigins) > 0,
		MaxAge:           300,
	}))

	r.Get("/health", s.health)
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.tokens))
		r.Post("/chats", s.createChat)
		r.Get("/chats", s.listChats)
		r.Get("/chats/{id}/mensajes", s.listMessages)
		r.Post("/mensajes", s.sendMessage)
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

type createChatRequest struct {
	UserA int64 `json:"userA"`
	UserB int64 `json:"userB"`
}

type chatIDResponse struct {
	ChatID int64 `json:"chatId"`
}

type chatItem struct {
	ChatID      int64     `json:"chatId"`
	PeerID      int64     `json:"peerId"`
	Name        string    `json:"name"`
	LastMessage *string   `json:"lastMessage"`
	Fecha       time.Time `json:"fecha"`
}

type chatListResponse struct {
	Items []chatItem `json:"items"`
}

type messagePage struct {
	Items  []model.Message `json:"items"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

type sendMessageRequest struct {
	ChatID   int64  `json:"chatId"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Body     string `json:"body"`
	ClientID string `json:"client_id"`
}

type sendMessageResponse struct {
	model.Message
	ClientID string `json:"client_id,omitempty"`
	Dedup    bool   `json:"dedup,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createChat handles POST /chats.
func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromCtx(r.Context())
	var req createChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := service.ValidatePair(req.UserA, req.UserB); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserA != uid && req.UserB != uid {
		s.writeError(w, r, fmt.Errorf("%w: caller must be one of the participants", errs.ErrForbidden))
		return
	}
	chat, created, err := s.chats.GetOrCreate(r.Context(), req.UserA, req.UserB)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, chatIDResponse{ChatID: chat.ID})
}

// listChats handles GET /chats?userId=.
func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromCtx(r.Context())
	if err := s.checkUserParam(r, uid); err != nil {
		s.writeError(w, r, err)
		return
	}
	sums, err := s.chats.ListForUser(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := chatListResponse{Items: make([]chatItem, 0, len(sums))}
	for _, c := range sums {
		it := chatItem{ChatID: c.ChatID, PeerID: c.PeerID, Name: c.PeerDisplayName, Fecha: c.LastActivityAt}
		if c.LastMessageBody != "" {
			body := c.LastMessageBody
			it.LastMessage = &body
		}
		out.Items = append(out.Items, it)
	}
	writeJSON(w, http.StatusOK, out)
}

// listMessages handles GET /chats/{id}/mensajes?limit=&offset=&userId=.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromCtx(r.Context())
	chatID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || chatID <= 0 {
		s.writeError(w, r, fmt.Errorf("%w: bad chat id", errs.ErrInvalid))
		return
	}
	if err := s.checkUserParam(r, uid); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", service.DefaultLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msgs, limit, offset, err := s.msgs.History(r.Context(), chatID, uid, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, messagePage{Items: msgs, Limit: limit, Offset: offset})
}

// sendMessage handles POST /mensajes.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromCtx(r.Context())
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.From == 0 {
		req.From = uid
	}
	if err := service.SameUser(uid, req.From); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.msgs.Send(r.Context(), service.SendRequest{
		ChatID:   req.ChatID,
		From:     req.From,
		To:       req.To,
		Body:     req.Body,
		ClientID: req.ClientID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Dedup {
		code = http.StatusOK
	}
	writeJSON(w, code, sendMessageResponse{Message: res.Message, ClientID: req.ClientID, Dedup: res.Dedup})
}

// checkUserParam enforces that an explicit userId query parameter names the caller.
func (s *Server) checkUserParam(r *http.Request, uid int64) error {
	raw := r.URL.Query().Get("userId")
	if raw == "" {
		return nil
	}
	claimed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad userId", errs.ErrInvalid)
	}
	return service.SameUser(uid, claimed)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s", errs.ErrInvalid, key)
	}
	return v, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", errs.ErrInvalid)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Infrastructure errors are logged, not echoed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, errs.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
	case errors.Is(err, errs.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}
