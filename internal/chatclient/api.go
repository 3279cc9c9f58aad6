package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: status %d: %s", e.Status, e.Message)
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// ChatItem is one entry of GET /chats.
type ChatItem struct {
	ChatID      int64     `json:"chatId"`
	PeerID      int64     `json:"peerId"`
	Name        string    `json:"name"`
	LastMessage *string   `json:"lastMessage"`
	Fecha       time.Time `json:"fecha"`
}

// Page is a history page.
type Page struct {
	Items  []model.Message `json:"items"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// Sent is the response of POST /mensajes.
type Sent struct {
	model.Message
	ClientID string `json:"client_id,omitempty"`
	Dedup    bool   `json:"dedup,omitempty"`
}

// API is a REST client authenticated with a bearer token.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPI constructs a client. hc nil selects a client with a 10s timeout.
func NewAPI(baseURL, token string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{baseURL: strings.TrimSuffix(baseURL, "/"), token: token, httpClient: hc}
}

func (a *API) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// GetOrCreateChat opens the chat between the caller and peer.
func (a *API) GetOrCreateChat(ctx context.Context, me, peer int64) (chatID int64, created bool, err error) {
	var out struct {
		ChatID int64 `json:"chatId"`
	}
	code, err := a.do(ctx, http.MethodPost, "/chats", map[string]int64{"userA": me, "userB": peer}, &out)
	if err != nil {
		return 0, false, err
	}
	return out.ChatID, code == http.StatusCreated, nil
}

// ListChats returns the caller's chats, most recent first.
func (a *API) ListChats(ctx context.Context) ([]ChatItem, error) {
	var out struct {
		Items []ChatItem `json:"items"`
	}
	if _, err := a.do(ctx, http.MethodGet, "/chats", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// History fetches one page of a chat. limit <= 0 uses the server default.
func (a *API) History(ctx context.Context, chatID int64, limit, offset int) (Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/chats/" + strconv.FormatInt(chatID, 10) + "/mensajes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out Page
	_, err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Send delivers o. Retrying with the same Outbox returns the original message.
func (a *API) Send(ctx context.Context, o Outbox) (Sent, error) {
	body := map[string]any{
		"chatId":    o.ChatID,
		"body":      o.Body,
		"client_id": o.ClientID,
	}
	if o.To != 0 {
		body["to"] = o.To
	}
	var out Sent
	_, err := a.do(ctx, http.MethodPost, "/mensajes", body, &out)
	return out, err
}
