package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/chatclient"
)

// ------- rendering -------

func formatChat(it chatclient.ChatItem) string {
	name := it.Name
	if name == "" {
		name = fmt.Sprintf("user %d", it.PeerID)
	}
	last := "(no messages)"
	if it.LastMessage != nil {
		last = *it.LastMessage
	}
	return fmt.Sprintf("#%d  %-20s  %s  %s", it.ChatID, name, it.Fecha.Local().Format("2006-01-02 15:04"), last)
}

func formatEntry(e chatclient.Entry) string {
	who := fmt.Sprintf("%d", e.Message.SenderID)
	if e.FromMe {
		who = "me"
	}
	mark := ""
	if e.Pending() {
		mark = " …"
	}
	return fmt.Sprintf("[%s] %s: %s%s", e.Message.SentAt.Local().Format("15:04:05"), who, e.Message.Body, mark)
}

// printer serialises output from the input loop and the event reader.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

// ------- delivery -------

type sender interface {
	Send(ctx context.Context, o chatclient.Outbox) (chatclient.Sent, error)
}

// deliver sends o, retrying retryable failures with the same client id so the
// server returns the original message instead of storing a duplicate.
func deliver(ctx context.Context, s sender, tl *chatclient.Timeline, o chatclient.Outbox, attempts int, backoff time.Duration) (chatclient.Sent, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; ; i++ {
		sent, err := s.Send(ctx, o)
		if err == nil {
			tl.Confirm(sent.ClientID, sent.Message)
			return sent, nil
		}
		if tl.Fail(o.ClientID, err) == chatclient.Terminal || i >= attempts {
			return chatclient.Sent{}, err
		}
		select {
		case <-ctx.Done():
			return chatclient.Sent{}, ctx.Err()
		case <-time.After(backoff * time.Duration(i)):
		}
		tl.Retry(o)
	}
}

// ------- realtime commands -------

func watch(url string, tf tokenFile, chatID int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := chatclient.Dial(ctx, url, tf.AccessToken)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Join(ctx, chatID); err != nil {
		return err
	}

	tl := chatclient.NewTimeline(tf.UserID, chatID)
	out := &printer{w: os.Stdout}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-conn.Events():
			if !ok {
				return conn.Err()
			}
			if tl.OnBroadcast(evt) == chatclient.Appended {
				entries := tl.Entries()
				out.line("%s", formatEntry(entries[len(entries)-1]))
			}
		}
	}
}

func talk(api *chatclient.API, url string, tf tokenFile, peer int64, in io.Reader, w io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := chatclient.Dial(ctx, url, tf.AccessToken)
	if err != nil {
		return err
	}
	defer conn.Close()

	chatID, err := conn.GetOrCreate(ctx, peer)
	if err != nil {
		return err
	}
	if err := conn.Join(ctx, chatID); err != nil {
		return err
	}

	out := &printer{w: w}
	tl := chatclient.NewTimeline(tf.UserID, chatID)
	page, err := api.History(ctx, chatID, 0, 0)
	if err != nil {
		return err
	}
	tl.LoadHistory(page.Items)
	out.line("-- chat #%d with %d, /quit to leave --", chatID, peer)
	for _, e := range tl.Entries() {
		out.line("%s", formatEntry(e))
	}

	go func() {
		for evt := range conn.Events() {
			if tl.OnBroadcast(evt) == chatclient.Appended {
				entries := tl.Entries()
				out.line("%s", formatEntry(entries[len(entries)-1]))
			}
		}
		stop()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return conn.Err()
		case text, ok := <-lines:
			if !ok || strings.TrimSpace(text) == "/quit" {
				return nil
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			o := tl.Send(peer, text)
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_, err := deliver(sendCtx, api, tl, o, 3, time.Second)
			cancel()
			if err != nil {
				out.line("!! not sent (%v): %s", err, text)
			}
		}
	}
}
