// Package chatclient is the client side of the chat pipeline: an optimistic timeline
// reconciler plus REST and websocket clients for the server.
package chatclient

import (
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// TempPrefix marks the id of an optimistic entry.
const TempPrefix = "tmp:"

// Entry is one visible line of a chat.
type Entry struct {
	// TempID is "tmp:<client id>" while the entry is unconfirmed, empty afterwards.
	TempID   string
	ClientID string
	Message  model.Message
	FromMe   bool
}

// Pending reports whether the entry is still awaiting confirmation.
func (e Entry) Pending() bool { return e.TempID != "" }

// Outbox is an in-flight send. Retrying must reuse it so the server can deduplicate.
type Outbox struct {
	ClientID string
	ChatID   int64
	To       int64
	Body     string
}

// TempID is the id of the optimistic entry for o.
func (o Outbox) TempID() string { return TempPrefix + o.ClientID }

// Outcome describes what a confirmed message did to the timeline.
type Outcome int

const (
	// Ignored: the message belongs to another chat.
	Ignored Outcome = iota
	// Merged: an optimistic entry was replaced in place.
	Merged
	// Duplicate: the message id was already present.
	Duplicate
	// Appended: the message was new to this timeline.
	Appended
)

// FailureKind classifies a failed send.
type FailureKind int

const (
	// Retryable failures (network, 5xx) may be retried with the same Outbox.
	Retryable FailureKind = iota
	// Terminal failures (validation, forbidden) must not be retried.
	Terminal
)

// Timeline holds the visible messages of one chat for one user.
type Timeline struct {
	me     int64
	chatID int64
	newID  func() string
	now    func() time.Time

	mu      sync.Mutex
	entries []Entry
}

// NewTimeline constructs an empty timeline for chatID as seen by me.
func NewTimeline(me, chatID int64) *Timeline {
	return &Timeline{
		me:     me,
		chatID: chatID,
		newID:  func() string { return uuid.Must(uuid.NewV4()).String() },
		now:    time.Now,
	}
}

// ChatID returns the chat this timeline shows.
func (t *Timeline) ChatID() int64 { return t.chatID }

// Send appends an optimistic entry and returns the request to deliver.
func (t *Timeline) Send(to int64, body string) Outbox {
	o := Outbox{ClientID: t.newID(), ChatID: t.chatID, To: to, Body: body}
	t.Retry(o)
	return o
}

// Retry re-displays the optimistic entry of o after a rollback. It is a no-op if the
// entry is still visible or already confirmed.
func (t *Timeline) Retry(o Outbox) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.ClientID == o.ClientID {
			return
		}
	}
	t.entries = append(t.entries, Entry{
		TempID:   o.TempID(),
		ClientID: o.ClientID,
		FromMe:   true,
		Message: model.Message{
			ChatID:      t.chatID,
			SenderID:    t.me,
			RecipientID: o.To,
			Body:        o.Body,
			SentAt:      t.now(),
		},
	})
}

// Confirm applies the server's response to a send. The broadcast for the same
// message may arrive before or after; whichever comes first reconciles.
func (t *Timeline) Confirm(clientID string, msg model.Message) Outcome {
	return t.OnBroadcast(model.MessageEvent{Message: msg, ClientID: clientID})
}

// Fail rolls back the optimistic entry of clientID and classifies err.
func (t *Timeline) Fail(clientID string, err error) FailureKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	temp := TempPrefix + clientID
	for i, e := range t.entries {
		if e.TempID == temp {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	return Classify(err)
}

// OnBroadcast reconciles a message:new event.
func (t *Timeline) OnBroadcast(evt model.MessageEvent) Outcome {
	if evt.ChatID != t.chatID {
		return Ignored
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if evt.ClientID != "" {
		temp := TempPrefix + evt.ClientID
		for i, e := range t.entries {
			if e.TempID == temp {
				t.entries[i] = Entry{ClientID: evt.ClientID, Message: evt.Message, FromMe: evt.SenderID == t.me}
				return Merged
			}
		}
	}
	for _, e := range t.entries {
		if !e.Pending() && e.Message.ID == evt.ID {
			return Duplicate
		}
	}
	t.entries = append(t.entries, Entry{ClientID: evt.ClientID, Message: evt.Message, FromMe: evt.SenderID == t.me})
	return Appended
}

// LoadHistory replaces the timeline with a page of persisted messages.
// Optimistic entries from before the load are dropped.
func (t *Timeline) LoadHistory(msgs []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		t.entries = append(t.entries, Entry{Message: m, FromMe: m.SenderID == t.me})
	}
}

// Entries returns a copy of the visible list in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Classify reports whether a send error may be retried. Only server answers
// can be terminal; transport failures such as a refused dial are retryable.
func Classify(err error) FailureKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return Terminal
	}
	var ackErr *AckError
	if errors.As(err, &ackErr) && !ackErr.Temporary() {
		return Terminal
	}
	return Retryable
}
