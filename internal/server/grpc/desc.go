package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified RPC service name.
const ServiceName = "chat.v1.Chat"

// Method names of chat.v1.Chat.
const (
	MethodGetOrCreateChat = "GetOrCreateChat"
	MethodListChats       = "ListChats"
	MethodListMessages    = "ListMessages"
	MethodSendMessage     = "SendMessage"
)

// FullMethod returns "/chat.v1.Chat/<method>".
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// ChatServer is the server API of chat.v1.Chat. Every method takes and returns a
// google.protobuf.Struct with the same field names as the REST bodies.
type ChatServer interface {
	GetOrCreateChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ChatServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes chat.v1.Chat for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetOrCreateChat, ChatServer.GetOrCreateChat),
		unary(MethodListChats, ChatServer.ListChats),
		unary(MethodListMessages, ChatServer.ListMessages),
		unary(MethodSendMessage, ChatServer.SendMessage),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chat/v1/chat.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls chat.v1.Chat over a client connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Call invokes method with in and returns the response struct.
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
