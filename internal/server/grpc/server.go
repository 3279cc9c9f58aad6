// Package grpcserver exposes the chat operations over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/auth"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/convert"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/service"
)

// Server wires services into gRPC handlers.
type Server struct {
	chats service.ChatService
	msgs  service.MessageService
}

var _ ChatServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(chats service.ChatService, msgs service.MessageService) *Server {
	return &Server{chats: chats, msgs: msgs}
}

// toStatus maps the error taxonomy onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, errs.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, "internal")
	}
}

func callerID(ctx context.Context) (int64, error) {
	id, ok := auth.UserIDFromCtx(ctx)
	if !ok {
		return 0, status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

// GetOrCreateChat takes {userA, userB}; the caller must be one of them.
func (s *Server) GetOrCreateChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	a, err := convert.Int64(in, "userA")
	if err != nil {
		return nil, toStatus(err)
	}
	b, err := convert.Int64(in, "userB")
	if err != nil {
		return nil, toStatus(err)
	}
	if err := service.ValidatePair(a, b); err != nil {
		return nil, toStatus(err)
	}
	if a != uid && b != uid {
		return nil, status.Error(codes.PermissionDenied, "caller must be one of the participants")
	}
	chat, created, err := s.chats.GetOrCreate(ctx, a, b)
	if err != nil {
		return nil, toStatus(err)
	}
	return convert.ToStructChatID(chat.ID, created)
}

// ListChats takes {userId?} and lists the caller's chats.
func (s *Server) ListChats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkUserField(in, uid); err != nil {
		return nil, err
	}
	sums, err := s.chats.ListForUser(ctx, uid)
	if err != nil {
		return nil, toStatus(err)
	}
	return convert.ToStructChatList(sums)
}

// ListMessages takes {chatId, limit?, offset?, userId?}.
func (s *Server) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkUserField(in, uid); err != nil {
		return nil, err
	}
	chatID, err := convert.Int64(in, "chatId")
	if err != nil {
		return nil, toStatus(err)
	}
	limit := int64(service.DefaultLimit)
	if _, ok := in.GetFields()["limit"]; ok {
		if limit, err = convert.Int64(in, "limit"); err != nil {
			return nil, toStatus(err)
		}
	}
	offset, err := convert.Int64(in, "offset")
	if err != nil {
		return nil, toStatus(err)
	}
	msgs, l, o, err := s.msgs.History(ctx, chatID, uid, int(limit), int(offset))
	if err != nil {
		return nil, toStatus(err)
	}
	return convert.ToStructMessagePage(msgs, l, o)
}

// SendMessage takes {chatId, from?, to?, body, client_id?}.
func (s *Server) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	req, err := convert.FromStructSend(in)
	if err != nil {
		return nil, toStatus(err)
	}
	if req.From == 0 {
		req.From = uid
	}
	if err := service.SameUser(uid, req.From); err != nil {
		return nil, toStatus(err)
	}
	res, err := s.msgs.Send(ctx, service.SendRequest{
		ChatID:   req.ChatID,
		From:     req.From,
		To:       req.To,
		Body:     req.Body,
		ClientID: req.ClientID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return convert.ToStructMessage(res.Message, req.ClientID, res.Dedup)
}

func checkUserField(in *structpb.Struct, uid int64) error {
	claimed, err := convert.Int64(in, "userId")
	if err != nil {
		return toStatus(err)
	}
	if claimed == 0 {
		return nil
	}
	if err := service.SameUser(uid, claimed); err != nil {
		return toStatus(err)
	}
	return nil
}
