package api

import (
	"context"
	"fmt"

	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a running daemon over its control socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method, encoding req and decoding the reply into
// reply. Either may be nil.
func (c *Client) Call(ctx context.Context, method string, req, reply any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return fromStruct(out, reply)
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var r StatusReply
	err := c.Call(ctx, MethodGetStatus, nil, &r)
	return r, err
}

func (c *Client) Conversations(ctx context.Context, req ListConversationsRequest) ([]store.Conversation, error) {
	var r ListConversationsReply
	err := c.Call(ctx, MethodListConversations, req, &r)
	return r.Conversations, err
}

func (c *Client) Messages(ctx context.Context, conversationID string) (MessagesReply, error) {
	var r MessagesReply
	err := c.Call(ctx, MethodGetMessages, ConversationRequest{ConversationID: conversationID}, &r)
	return r, err
}

func (c *Client) Select(ctx context.Context, conversationID string) error {
	return c.Call(ctx, MethodSelectConversation, ConversationRequest{ConversationID: conversationID}, nil)
}

func (c *Client) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	var r MessageReply
	err := c.Call(ctx, MethodSendMessage, req, &r)
	return r.Message, err
}

func (c *Client) Retry(ctx context.Context, conversationID, messageID string) (*store.Message, error) {
	var r MessageReply
	err := c.Call(ctx, MethodRetryMessage, MessageRequest{ConversationID: conversationID, MessageID: messageID}, &r)
	return r.Message, err
}

func (c *Client) Discard(ctx context.Context, conversationID, messageID string) error {
	return c.Call(ctx, MethodDiscardMessage, MessageRequest{ConversationID: conversationID, MessageID: messageID}, nil)
}

func (c *Client) Keystroke(ctx context.Context) error {
	return c.Call(ctx, MethodKeystroke, nil, nil)
}

func (c *Client) TogglePin(ctx context.Context, conversationID string) (bool, error) {
	var r PinReply
	err := c.Call(ctx, MethodTogglePin, ConversationRequest{ConversationID: conversationID}, &r)
	return r.Pinned, err
}

func (c *Client) Archive(ctx context.Context, conversationID string) error {
	return c.Call(ctx, MethodArchive, ConversationRequest{ConversationID: conversationID}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return c.Call(ctx, MethodDeleteMessage, MessageRequest{ConversationID: conversationID, MessageID: messageID}, nil)
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchReply, error) {
	var r SearchReply
	err := c.Call(ctx, MethodSearch, req, &r)
	return r, err
}

func (c *Client) Unread(ctx context.Context) (UnreadReply, error) {
	var r UnreadReply
	err := c.Call(ctx, MethodGetUnread, nil, &r)
	return r, err
}

func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var r map[string]any
	err := c.Call(ctx, MethodGetStats, nil, &r)
	return r, err
}

func (c *Client) Presence(ctx context.Context, userID string) ([]string, error) {
	var r PresenceReply
	err := c.Call(ctx, MethodGetPresence, PresenceRequest{UserID: userID}, &r)
	return r.Online, err
}

func (c *Client) Refresh(ctx context.Context) error {
	return c.Call(ctx, MethodRefresh, nil, nil)
}

// Health queries the standard health service for the control service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// EventWatcher receives events from WatchEvents.
type EventWatcher struct {
	stream grpc.ClientStream
}

// Watch opens an event stream filtered by kind prefix.
func (c *Client) Watch(ctx context.Context, prefix string) (*EventWatcher, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatchEvents))
	if err != nil {
		return nil, err
	}
	in, err := toStruct(WatchRequest{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventWatcher{stream: stream}, nil
}

// Recv blocks for the next event. The payload is left in its generic JSON
// form.
func (w *EventWatcher) Recv() (Event, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return Event{}, err
	}
	var evt Event
	if err := fromStruct(out, &evt); err != nil {
		return Event{}, err
	}
	return evt, nil
}
