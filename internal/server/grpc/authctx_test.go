package grpcserver

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/auth"
)

func ctxWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}

	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()

	tokens := auth.NewTokens([]byte("secret"), time.Hour)
	ic := AuthUnary(tokens)
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodListChats)}

	var seen int64
	h := func(ctx context.Context, req any) (any, error) {
		seen, _ = auth.UserIDFromCtx(ctx)
		return "ok", nil
	}

	tok, _, err := tokens.Issue(5)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := ic(ctxWithAuth(tok), nil, info, h); err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if seen != 5 {
		t.Fatalf("user id not propagated: %d", seen)
	}

	for name, ctx := range map[string]context.Context{
		"no metadata": context.Background(),
		"bad token":   ctxWithAuth("garbage"),
		"other key":   ctxWithAuth("x." + tok),
	} {
		_, err := ic(ctx, nil, info, h)
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("%s: want Unauthenticated, got %v", name, err)
		}
	}

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if resp, err := ic(context.Background(), nil, health, h); err != nil || resp != "ok" {
		t.Fatalf("health must bypass auth: %v %v", resp, err)
	}
}
