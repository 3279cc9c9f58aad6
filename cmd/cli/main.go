// Command chatcli is a terminal client for the chat server.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/chatclient"
	grpcserver "github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/server/grpc"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	UserID      int64     `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "chatcli")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "chatcli")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || tf.UserID <= 0 || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (login required)")
	}
	return tf, nil
}

// inspectToken reads the subject and expiry without verifying the signature;
// the server is the one that checks it.
func inspectToken(tok string) (tokenFile, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return tokenFile{}, fmt.Errorf("parse token: %w", err)
	}
	uid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || uid <= 0 {
		return tokenFile{}, errors.New("token subject is not a user id")
	}
	exp := time.Now().Add(24 * time.Hour)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return tokenFile{AccessToken: tok, UserID: uid, ExpiresAt: exp}, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type grpcOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
}

func dialGRPC(o grpcOpts, bearer string) (*grpc.ClientConn, *grpcserver.Client, error) {
	creds := insecure.NewCredentials()
	if !o.plaintext {
		var err error
		if creds, err = loadTLS(o.caPath, o.skipVerify); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	cc, err := grpc.NewClient(o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewClient(cc), nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// wsURL maps the REST base URL to the websocket endpoint.
func wsURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

func usage() {
	fmt.Fprintf(os.Stderr, `chatcli
Usage:
  chatcli [-server URL] [-grpc HOST:PORT [-cacert file | -insecure | -plaintext]] <cmd> [args]

Commands:
  version
  login      -token <jwt>                          (saves token)
  whoami
  chats                                            (list chats, most recent first)
  open       -to <userId>                          (get or create the chat, prints chatId)
  history    -chat <id> [-limit n] [-offset n]
  send       -chat <id> -m <text> [-to <userId>] [-retries n]
  watch      -chat <id>                            (print new messages)
  talk       -to <userId>                          (interactive chat)
  rpc        <Method> [json]                       (call chat.v1.Chat over gRPC)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	// global flags
	server := flag.String("server", "http://localhost:8080", "REST/websocket base URL")
	var g grpcOpts
	flag.StringVar(&g.addr, "grpc", "localhost:9090", "gRPC server addr")
	flag.StringVar(&g.caPath, "cacert", "", "CA cert (PEM) for gRPC")
	flag.BoolVar(&g.skipVerify, "insecure", false, "skip gRPC cert verify (dev)")
	flag.BoolVar(&g.plaintext, "plaintext", false, "gRPC without TLS (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "version":
		fmt.Printf("chatcli %s (%s)\n", version, buildDate)
		return
	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		tok := fs.String("token", "", "access token")
		_ = fs.Parse(args)
		if *tok == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}
		tf, err := inspectToken(*tok)
		if err != nil {
			fail(err)
		}
		if err := saveToken(tf); err != nil {
			fail(err)
		}
		fmt.Println("ok")
		return
	}

	tf, err := loadToken()
	if err != nil {
		fail(err)
	}
	api := chatclient.NewAPI(*server, tf.AccessToken, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "whoami":
		fmt.Println(tf.UserID)

	case "chats":
		items, err := api.ListChats(ctx)
		if err != nil {
			fail(err)
		}
		for _, it := range items {
			fmt.Println(formatChat(it))
		}

	case "open":
		fs := flag.NewFlagSet("open", flag.ExitOnError)
		to := fs.Int64("to", 0, "peer user id")
		_ = fs.Parse(args)
		id, created, err := api.GetOrCreateChat(ctx, tf.UserID, *to)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{"chatId": id, "created": created})

	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		chat := fs.Int64("chat", 0, "chat id")
		limit := fs.Int("limit", 0, "page size (server default when 0)")
		offset := fs.Int("offset", 0, "messages to skip")
		_ = fs.Parse(args)
		page, err := api.History(ctx, *chat, *limit, *offset)
		if err != nil {
			fail(err)
		}
		tl := chatclient.NewTimeline(tf.UserID, *chat)
		tl.LoadHistory(page.Items)
		for _, e := range tl.Entries() {
			fmt.Println(formatEntry(e))
		}

	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		chat := fs.Int64("chat", 0, "chat id")
		to := fs.Int64("to", 0, "recipient (derived when 0)")
		body := fs.String("m", "", "message text")
		retries := fs.Int("retries", 3, "attempts for retryable failures")
		_ = fs.Parse(args)
		tl := chatclient.NewTimeline(tf.UserID, *chat)
		sent, err := deliver(ctx, api, tl, tl.Send(*to, *body), *retries, time.Second)
		if err != nil {
			fail(err)
		}
		printJSON(sent)

	case "watch":
		fs := flag.NewFlagSet("watch", flag.ExitOnError)
		chat := fs.Int64("chat", 0, "chat id")
		_ = fs.Parse(args)
		cancel()
		if err := watch(wsURL(*server), tf, *chat); err != nil {
			fail(err)
		}

	case "talk":
		fs := flag.NewFlagSet("talk", flag.ExitOnError)
		to := fs.Int64("to", 0, "peer user id")
		_ = fs.Parse(args)
		cancel()
		if err := talk(api, wsURL(*server), tf, *to, os.Stdin, os.Stdout); err != nil {
			fail(err)
		}

	case "rpc":
		if len(args) < 1 {
			usage()
		}
		if err := rpc(ctx, g, tf.AccessToken, args[0], strings.Join(args[1:], " ")); err != nil {
			fail(err)
		}

	default:
		usage()
	}
}

func rpc(ctx context.Context, g grpcOpts, token, method, rawJSON string) error {
	var in *structpb.Struct
	if rawJSON != "" {
		in = &structpb.Struct{}
		if err := protojson.Unmarshal([]byte(rawJSON), in); err != nil {
			return fmt.Errorf("request json: %w", err)
		}
	}
	cc, cli, err := dialGRPC(g, token)
	if err != nil {
		return err
	}
	defer cc.Close()
	out, err := cli.Call(ctx, method, in)
	if err != nil {
		return err
	}
	b, err := protojson.MarshalOptions{Multiline: true}.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
