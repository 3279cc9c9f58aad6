// Package idempotency deduplicates retried message sends by client request id.
//
// Cache keeps records in process memory; PG shares them between processes
// through Postgres. Either way a record expires a fixed TTL after creation and
// hits never extend its lifetime.
package idempotency

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
)

// DefaultTTL is the lifetime of a dedup record.
const DefaultTTL = 5 * time.Minute

// ProduceFunc performs the side effect being deduplicated.
type ProduceFunc func(ctx context.Context) (model.Message, error)

// Key identifies one logical send attempt.
type Key struct {
	ChatID   int64
	ClientID string
}

func (k Key) String() string { return strconv.FormatInt(k.ChatID, 10) + "\x00" + k.ClientID }

type stopper interface{ Stop() bool }

type entry struct {
	msg   model.Message
	timer stopper
}

// Cache maps (chat id, client request id) to the message the first successful send produced.
type Cache struct {
	ttl       time.Duration
	afterFunc func(time.Duration, func()) stopper

	mu      sync.Mutex
	entries map[Key]*entry

	// in-flight produce calls per key; concurrent callers share one result
	group singleflight.Group
}

type result struct {
	msg    model.Message
	cached bool
}

// New constructs a cache; ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:       ttl,
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		entries:   make(map[Key]*entry),
	}
}

// SendWithDedup returns the message previously produced for (chatID, clientID) when a live
// record exists, otherwise runs produce once and records its result.
// dedup reports whether the caller received a message produced by another call.
// An empty clientID disables dedup and always calls produce.
func (c *Cache) SendWithDedup(ctx context.Context, chatID int64, clientID string, produce ProduceFunc) (msg model.Message, dedup bool, err error) {
	if clientID == "" {
		msg, err = produce(ctx)
		return msg, false, err
	}
	k := Key{ChatID: chatID, ClientID: clientID}
	if m, ok := c.lookup(k); ok {
		return m, true, nil
	}

	ran := false
	v, err, _ := c.group.Do(k.String(), func() (any, error) {
		ran = true
		// a call for the same key may have completed between lookup and Do
		if m, ok := c.lookup(k); ok {
			return result{msg: m, cached: true}, nil
		}
		m, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		c.store(k, m)
		return result{msg: m}, nil
	})
	if err != nil {
		return model.Message{}, false, err
	}
	res := v.(result)
	return res.msg, !ran || res.cached, nil
}

func (c *Cache) lookup(k Key) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return model.Message{}, false
	}
	return e.msg, true
}

func (c *Cache) store(k Key, m model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{msg: m}
	e.timer = c.afterFunc(c.ttl, func() { c.expire(k, e) })
	c.entries[k] = e
}

func (c *Cache) expire(k Key, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[k] == e {
		delete(c.entries, k)
	}
}

// Len returns the number of live records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops all expiry timers and drops every record.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, k)
	}
}
