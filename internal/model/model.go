// Package model defines domain entities used by services and repositories.
package model

import "time"

// Chat is a two-party conversation stored in canonical form (UserLow < UserHigh).
type Chat struct {
	ID        int64
	UserLow   int64
	UserHigh  int64
	CreatedAt time.Time
}

// HasMember reports whether userID is one of the two participants.
func (c Chat) HasMember(userID int64) bool {
	return userID == c.UserLow || userID == c.UserHigh
}

// Peer returns the participant that is not userID. The result is undefined if userID is not a member.
func (c Chat) Peer(userID int64) int64 {
	if userID == c.UserLow {
		return c.UserHigh
	}
	return c.UserLow
}

// CanonicalPair orders two user ids as (low, high).
func CanonicalPair(a, b int64) (low, high int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// Message is one immutable chat line.
type Message struct {
	ID          int64     `json:"id"`
	ChatID      int64     `json:"chatId"`
	SenderID    int64     `json:"from"`
	RecipientID int64     `json:"to"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sentAt"`
}

// NewMessage is an append intent; id and timestamp are assigned by the store.
type NewMessage struct {
	ChatID      int64
	SenderID    int64
	RecipientID int64
	Body        string
}

// ChatSummary is a chat as seen by one of its participants.
type ChatSummary struct {
	ChatID          int64
	PeerID          int64
	PeerDisplayName string
	LastMessageBody string    // empty when the chat has no messages
	LastActivityAt  time.Time // last message time, or chat creation time
}

// MessageEvent is the payload of a message:new broadcast.
type MessageEvent struct {
	Message
	ClientID string `json:"client_id,omitempty"`
}
