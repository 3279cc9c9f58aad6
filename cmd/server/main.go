// Command chat-server serves the chat REST API, the realtime websocket and the gRPC surface.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/auth"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/config"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/idempotency"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/migrate"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/realtime"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/realtime/natsrelay"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/repository"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/repository/memory"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/repository/postgres"
	grpcserver "github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/server/grpc"
	httpserver "github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/server/http"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

type stores struct {
	chats    repository.ChatRepository
	blocks   repository.BlockRepository
	messages repository.MessageRepository
	db       *postgres.DB // nil for the in-memory store
	close    func()
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewExample()
	}
	return l
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	if cfg.DSN == "" {
		logger.Warn("no DSN configured, using in-memory store")
		m := memory.New()
		return stores{chats: m, blocks: m, messages: m, close: func() {}}, nil
	}
	if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
		return stores{}, err
	}
	db, err := postgres.New(ctx, cfg.DSN, logger)
	if err != nil {
		return stores{}, err
	}
	return stores{
		chats:    postgres.NewChatRepo(db),
		blocks:   postgres.NewBlockRepo(db),
		messages: postgres.NewMessageRepo(db),
		db:       db,
		close:    db.Close,
	}, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	// Repositories
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// Realtime fan-out; with NATS every instance relays into its own hub.
	hub := realtime.NewHub(logger)
	var pub service.Publisher = hub
	if cfg.NATSURL != "" {
		relay, err := natsrelay.Connect(cfg.NATSURL, hub, logger)
		if err != nil {
			return err
		}
		defer func() { _ = relay.Close() }()
		pub = relay
	}

	var dedup service.Deduper
	if cfg.DedupShared && st.db != nil {
		shared := idempotency.NewPG(st.db.Pool, cfg.DedupTTL, logger)
		go shared.RunJanitor(ctx, time.Minute)
		dedup = shared
	} else {
		cache := idempotency.New(cfg.DedupTTL)
		defer cache.Close()
		dedup = cache
	}

	// Services
	tokens := auth.NewTokens([]byte(cfg.JWTKey), cfg.AccessTTL)
	chats := service.NewChatService(st.chats, st.blocks)
	msgs := service.NewMessageService(st.chats, chats, st.messages, dedup, pub, logger)

	ws := realtime.NewHandler(hub, chats, tokens, logger, cfg.CORSOrigins)
	hs := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpserver.New(chats, msgs, tokens, ws, logger).Routes(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gs, err := newGRPCServer(cfg, logger, tokens, chats, msgs)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening (http)", zap.String("addr", cfg.HTTPAddr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if gs != nil {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			_ = hs.Close()
			return err
		}
		g.Go(func() error {
			logger.Info("listening (grpc)", zap.String("addr", cfg.GRPCAddr), zap.Bool("tls", cfg.TLS()))
			return gs.Serve(lis)
		})
	}

	// Wait for stop
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			_ = hs.Close()
		}
		if gs != nil {
			stopGRPC(gs)
		}
		return nil
	})
	return g.Wait()
}

func newGRPCServer(
	cfg config.Config,
	logger *zap.Logger,
	tokens *auth.Tokens,
	chats service.ChatService,
	msgs service.MessageService,
) (*grpc.Server, error) {
	if cfg.GRPCAddr == "" {
		return nil, nil
	}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.AuthUnary(tokens),
			grpcserver.LoggingUnary(logger),
		),
	}
	if cfg.TLS() {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	grpcserver.Register(s, grpcserver.New(chats, msgs))

	// Health & reflection (dev)
	healthpb.RegisterHealthServer(s, health.NewServer())
	if cfg.Dev {
		reflection.Register(s)
	}
	return s, nil
}

func stopGRPC(s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.Stop()
	}
}
