// Command chat-token issues an access token for a user id. Identity is owned by an
// external service in production; this is for local development and tests.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/auth"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/config"
)

func main() {
	user := flag.Int64("user", 0, "user id (required)")
	ttl := flag.Duration("ttl", 0, "token TTL (defaults to CHAT_ACCESS_TTL)")
	flag.Parse()

	// Reads CHAT_JWT_KEY and CHAT_ACCESS_TTL the same way the server does.
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *ttl > 0 {
		cfg.AccessTTL = *ttl
	}

	tok, exp, err := auth.NewTokens([]byte(cfg.JWTKey), cfg.AccessTTL).Issue(*user)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.UTC().Format(time.RFC3339))
}
