package grpcserver

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/auth"
)

// TokenVerifier resolves an access token to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// bearerTokenFromMD extracts "authorization: Bearer <token>" from incoming metadata.
func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		if tok, ok := auth.BearerToken(v); ok {
			return tok, nil
		}
	}
	return "", errors.New("no bearer token")
}

// AuthUnary authenticates calls to chat.v1.Chat and stores the user id in the context.
// Other services (health, reflection) pass through untouched.
func AuthUnary(tokens TokenVerifier) grpc.UnaryServerInterceptor {
	prefix := "/" + ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return next(ctx, req)
		}
		tok, err := bearerTokenFromMD(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		uid, err := tokens.Verify(tok)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return next(auth.WithUserID(ctx, uid), req)
	}
}
