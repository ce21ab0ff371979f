// Package api exposes the sync controller over a local gRPC socket.
package api

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"github.com/mariankugiel/patient-web-app-sub002/internal/outbox"
	"github.com/mariankugiel/patient-web-app-sub002/internal/portal"
	"github.com/mariankugiel/patient-web-app-sub002/internal/status"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"github.com/mariankugiel/patient-web-app-sub002/internal/typing"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const watchBuffer = 256

// Backend is the controller surface the service drives.
type Backend interface {
	Status() status.State
	UserID() string
	Selected(ctx context.Context) (string, error)
	Conversations(ctx context.Context, f store.Filter) ([]store.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]store.Message, error)
	Typing(ctx context.Context, conversationID string) ([]typing.Entry, error)
	Select(ctx context.Context, id string) error
	Send(ctx context.Context, conversationID, content string, attachments []store.Attachment, opts outbox.Options) (*store.Message, error)
	Retry(ctx context.Context, conversationID, tempID string) (*store.Message, error)
	Discard(ctx context.Context, conversationID, tempID string) error
	Keystroke(ctx context.Context) error
	TogglePin(ctx context.Context, id string) (bool, error)
	Archive(ctx context.Context, id string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	Search(ctx context.Context, p store.SearchParams) ([]store.SearchResult, bool, error)
	Unread(ctx context.Context) (portal.UnreadCount, error)
	Stats(ctx context.Context) (portal.Stats, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	Online(ctx context.Context) ([]string, error)
	Refresh(ctx context.Context) error
}

// Service implements PortalSyncServer on top of a Backend.
type Service struct {
	backend Backend
	bus     *bus.Bus
	logger  *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewService creates the control service.
func NewService(backend Backend, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{backend: backend, bus: b, logger: logger, closed: make(chan struct{})}
}

// Close ends every open WatchEvents stream so the server can stop gracefully.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Service) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	selected, err := s.backend.Selected(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	convs, err := s.backend.Conversations(ctx, store.Filter{})
	if err != nil {
		return nil, toStatus(err)
	}
	reply := StatusReply{
		State:    string(s.backend.Status()),
		UserID:   s.backend.UserID(),
		Selected: selected,
		Total:    len(convs),
	}
	for _, c := range convs {
		reply.Unread += c.UnreadCount
	}
	return toStruct(reply)
}

func (s *Service) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListConversationsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err.Error())
	}
	convs, err := s.backend.Conversations(ctx, store.Filter{
		Archived: req.Archived,
		Pinned:   req.Pinned,
		Tag:      req.Tag,
		Type:     req.Type,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(ListConversationsReply{Conversations: convs})
}

func (s *Service) GetMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := conversationRequest(in)
	if err != nil {
		return nil, err
	}
	msgs, err := s.backend.Messages(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	entries, err := s.backend.Typing(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(MessagesReply{Messages: msgs, Typing: entries})
}

func (s *Service) SelectConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err.Error())
	}
	if err := s.backend.Select(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(req)
}

func (s *Service) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err.Error())
	}
	if req.ConversationID == "" {
		return nil, invalid("conversationId is required")
	}
	if req.Type != "" && !req.Type.Valid() {
		return nil, invalid("unknown message type " + string(req.Type))
	}
	msg, err := s.backend.Send(ctx, req.ConversationID, req.Content, req.Attachments, outbox.Options{
		Type:     req.Type,
		Priority: req.Priority,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(MessageReply{Message: msg})
}

func (s *Service) RetryMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := messageRequest(in, true)
	if err != nil {
		return nil, err
	}
	msg, err := s.backend.Retry(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(MessageReply{Message: msg})
}

func (s *Service) DiscardMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := messageRequest(in, true)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Discard(ctx, req.ConversationID, req.MessageID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) Keystroke(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.backend.Keystroke(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) TogglePin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := conversationRequest(in)
	if err != nil {
		return nil, err
	}
	pinned, err := s.backend.TogglePin(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(PinReply{Pinned: pinned})
}

func (s *Service) Archive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := conversationRequest(in)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Archive(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) DeleteMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := messageRequest(in, false)
	if err != nil {
		return nil, err
	}
	if err := s.backend.DeleteMessage(ctx, req.ConversationID, req.MessageID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SearchRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, invalid("query is required")
	}
	results, local, err := s.backend.Search(ctx, store.SearchParams{
		Query:          req.Query,
		ConversationID: req.ConversationID,
		Type:           req.Type,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	return toStruct(SearchReply{Results: results, Local: local})
}

func (s *Service) GetUnread(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	uc, err := s.backend.Unread(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(UnreadReply{Count: uc.Count, ByType: uc.ByType})
}

func (s *Service) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any(stats))
}

func (s *Service) GetPresence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PresenceRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err.Error())
	}
	if req.UserID != "" {
		online, err := s.backend.IsOnline(ctx, req.UserID)
		if err != nil {
			return nil, toStatus(err)
		}
		reply := PresenceReply{Online: []string{}}
		if online {
			reply.Online = append(reply.Online, req.UserID)
		}
		return toStruct(reply)
	}
	online, err := s.backend.Online(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if online == nil {
		online = []string{}
	}
	return toStruct(PresenceReply{Online: online})
}

func (s *Service) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.backend.Refresh(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// WatchEvents streams bus events until the client goes away or the service
// is closed.
func (s *Service) WatchEvents(in *structpb.Struct, stream EventStream) error {
	var req WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return invalid(err.Error())
	}
	sub := s.bus.Subscribe(req.Prefix, watchBuffer)
	defer sub.Unsubscribe()

	for {
		select {
		case evt := <-sub.C:
			if evt.Kind == bus.KindEnvelope {
				continue
			}
			out, err := toStruct(Event{
				ID:        uuid.New().String(),
				Kind:      evt.Kind,
				Timestamp: evt.Timestamp,
				Payload:   evt.Payload,
			})
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.closed:
			return grpcstatus.Error(codes.Unavailable, "daemon shutting down")
		}
	}
}

func conversationRequest(in *structpb.Struct) (ConversationRequest, error) {
	var req ConversationRequest
	if err := fromStruct(in, &req); err != nil {
		return req, invalid(err.Error())
	}
	if req.ConversationID == "" {
		return req, invalid("conversationId is required")
	}
	return req, nil
}

func messageRequest(in *structpb.Struct, needConversation bool) (MessageRequest, error) {
	var req MessageRequest
	if err := fromStruct(in, &req); err != nil {
		return req, invalid(err.Error())
	}
	if req.MessageID == "" {
		return req, invalid("messageId is required")
	}
	if needConversation && req.ConversationID == "" {
		return req, invalid("conversationId is required")
	}
	return req, nil
}
