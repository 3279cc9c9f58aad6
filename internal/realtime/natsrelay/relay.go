// Package natsrelay carries message:new events between server processes over NATS.
//
// Publish sends an event to subject chat.<chatId>; every process subscribes to chat.*
// and hands what it receives to its local hub, so a broadcast reaches connections
// attached to any process.
package natsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

const subjectPrefix = "chat."

// Local delivers an event to the connections of this process.
type Local interface {
	Publish(ctx context.Context, chatID int64, evt model.MessageEvent) error
}

// Relay publishes to NATS and forwards received events to the local hub.
type Relay struct {
	nc    *nats.Conn
	local Local
	log   *zap.Logger
	sub   *nats.Subscription
}

// Subject returns the subject for a chat.
func Subject(chatID int64) string { return subjectPrefix + strconv.FormatInt(chatID, 10) }

// ParseSubject extracts the chat id from a chat.<id> subject.
func ParseSubject(subject string) (int64, bool) {
	rest, ok := strings.CutPrefix(subject, subjectPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Connect dials url with reconnects enabled and starts forwarding into local.
func Connect(url string, local Local, log *zap.Logger) (*Relay, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("chat-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	r, err := New(nc, local, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	log.Info("nats relay connected", zap.String("url", nc.ConnectedUrl()))
	return r, nil
}

// New subscribes on an existing connection.
func New(nc *nats.Conn, local Local, log *zap.Logger) (*Relay, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{nc: nc, local: local, log: log}
	sub, err := nc.Subscribe(subjectPrefix+"*", r.onMsg)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	r.sub = sub
	return r, nil
}

// Publish satisfies service.Publisher.
func (r *Relay) Publish(_ context.Context, chatID int64, evt model.MessageEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return r.nc.Publish(Subject(chatID), data)
}

func (r *Relay) onMsg(m *nats.Msg) {
	chatID, ok := ParseSubject(m.Subject)
	if !ok {
		r.log.Debug("ignoring subject", zap.String("subject", m.Subject))
		return
	}
	evt, err := decodeEvent(m.Data)
	if err != nil {
		r.log.Warn("bad relay payload", zap.String("subject", m.Subject), zap.Error(err))
		return
	}
	if err := r.local.Publish(context.Background(), chatID, evt); err != nil {
		r.log.Warn("local publish", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func decodeEvent(data []byte) (model.MessageEvent, error) {
	var evt model.MessageEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return model.MessageEvent{}, err
	}
	if evt.ID <= 0 {
		return model.MessageEvent{}, errors.New("missing message id")
	}
	return evt, nil
}

// Close drains the subscription and the connection.
func (r *Relay) Close() error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	return r.nc.Drain()
}
