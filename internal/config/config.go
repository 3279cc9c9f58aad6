// Package config resolves server settings from flags, the environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server settings.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string // empty disables the RPC listener
	DSN         string // empty selects the in-memory store
	JWTKey      string
	AccessTTL   time.Duration
	DedupTTL    time.Duration
	DedupShared bool // keep dedup records in Postgres so every instance sees them
	CORSOrigins []string
	NATSURL     string // empty disables the cross-instance relay
	TLSCert     string
	TLSKey      string
	Dev         bool
}

// TLS reports whether the RPC listener should serve TLS.
func (c Config) TLS() bool { return c.TLSCert != "" }

// Load reads a .env file from the working directory when present, then parses args.
// Environment variables provide the defaults; flags override them.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse(args, os.Getenv)
}

// Parse builds a Config from args with defaults taken from getenv.
func Parse(args []string, getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	accessTTL, err := envDuration(getenv, "CHAT_ACCESS_TTL", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	dedupTTL, err := envDuration(getenv, "CHAT_DEDUP_TTL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	dev, err := envBool(getenv, "CHAT_DEV")
	if err != nil {
		return Config{}, err
	}
	shared, err := envBool(getenv, "CHAT_DEDUP_SHARED")
	if err != nil {
		return Config{}, err
	}

	var (
		c    Config
		cors string
	)
	fs := flag.NewFlagSet("chat-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&c.HTTPAddr, "http-addr", env("CHAT_HTTP_ADDR", ":8080"), "HTTP and websocket listen address")
	fs.StringVar(&c.GRPCAddr, "grpc-addr", env("CHAT_GRPC_ADDR", ":9090"), "gRPC listen address (empty disables)")
	fs.StringVar(&c.DSN, "dsn", env("CHAT_DSN", ""), "PostgreSQL DSN (empty uses the in-memory store)")
	fs.StringVar(&c.JWTKey, "jwt-key", env("CHAT_JWT_KEY", ""), "HS256 signing key (required)")
	fs.DurationVar(&c.AccessTTL, "access-ttl", accessTTL, "access token TTL")
	fs.DurationVar(&c.DedupTTL, "dedup-ttl", dedupTTL, "idempotency window for client_id retries")
	fs.BoolVar(&c.DedupShared, "dedup-shared", shared, "store dedup records in Postgres (requires dsn)")
	fs.StringVar(&cors, "cors-origins", env("CHAT_CORS_ORIGINS", ""), "comma separated allowed origins (empty allows any)")
	fs.StringVar(&c.NATSURL, "nats-url", env("CHAT_NATS_URL", ""), "NATS URL for cross-instance broadcast (empty disables)")
	fs.StringVar(&c.TLSCert, "tls-cert", env("CHAT_TLS_CERT", ""), "gRPC TLS certificate (PEM)")
	fs.StringVar(&c.TLSKey, "tls-key", env("CHAT_TLS_KEY", ""), "gRPC TLS private key (PEM)")
	fs.BoolVar(&c.Dev, "dev", dev, "development logging and gRPC reflection")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	c.CORSOrigins = splitList(cors)

	if c.JWTKey == "" {
		return Config{}, errors.New("missing jwt signing key (--jwt-key or CHAT_JWT_KEY)")
	}
	if c.HTTPAddr == "" {
		return Config{}, errors.New("http address must not be empty")
	}
	if c.AccessTTL <= 0 || c.DedupTTL <= 0 {
		return Config{}, errors.New("ttl values must be positive")
	}
	if c.DedupShared && c.DSN == "" {
		return Config{}, errors.New("dedup-shared requires a dsn")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}
	return c, nil
}

func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envBool(getenv func(string) string, key string) (bool, error) {
	v := getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
