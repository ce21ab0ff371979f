package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "portalsync.v1.PortalSync"

// Method names.
const (
	MethodGetStatus          = "GetStatus"
	MethodListConversations  = "ListConversations"
	MethodGetMessages        = "GetMessages"
	MethodSelectConversation = "SelectConversation"
	MethodSendMessage        = "SendMessage"
	MethodRetryMessage       = "RetryMessage"
	MethodDiscardMessage     = "DiscardMessage"
	MethodKeystroke          = "Keystroke"
	MethodTogglePin          = "TogglePin"
	MethodArchive            = "Archive"
	MethodDeleteMessage      = "DeleteMessage"
	MethodSearch             = "Search"
	MethodGetUnread          = "GetUnread"
	MethodGetStats           = "GetStats"
	MethodGetPresence        = "GetPresence"
	MethodRefresh            = "Refresh"
	MethodWatchEvents        = "WatchEvents"
)

// PortalSyncServer is the server API of the control service.
type PortalSyncServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DiscardMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Keystroke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TogglePin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Archive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUnread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPresence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type unaryFunc func(PortalSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(PortalSyncServer)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

type watchEventsServer struct {
	grpc.ServerStream
}

func (x *watchEventsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PortalSyncServer).WatchEvents(in, &watchEventsServer{stream})
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PortalSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, PortalSyncServer.GetStatus),
		unary(MethodListConversations, PortalSyncServer.ListConversations),
		unary(MethodGetMessages, PortalSyncServer.GetMessages),
		unary(MethodSelectConversation, PortalSyncServer.SelectConversation),
		unary(MethodSendMessage, PortalSyncServer.SendMessage),
		unary(MethodRetryMessage, PortalSyncServer.RetryMessage),
		unary(MethodDiscardMessage, PortalSyncServer.DiscardMessage),
		unary(MethodKeystroke, PortalSyncServer.Keystroke),
		unary(MethodTogglePin, PortalSyncServer.TogglePin),
		unary(MethodArchive, PortalSyncServer.Archive),
		unary(MethodDeleteMessage, PortalSyncServer.DeleteMessage),
		unary(MethodSearch, PortalSyncServer.Search),
		unary(MethodGetUnread, PortalSyncServer.GetUnread),
		unary(MethodGetStats, PortalSyncServer.GetStats),
		unary(MethodGetPresence, PortalSyncServer.GetPresence),
		unary(MethodRefresh, PortalSyncServer.Refresh),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "portalsync/v1/portalsync.proto",
}

// RegisterPortalSyncServer registers srv on s.
func RegisterPortalSyncServer(s grpc.ServiceRegistrar, srv PortalSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// toStruct converts a JSON-shaped value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%T is not an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
