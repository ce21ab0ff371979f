package api

import (
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"github.com/mariankugiel/patient-web-app-sub002/internal/typing"
)

// Requests and replies travel as google.protobuf.Struct; these are their
// JSON shapes.

type StatusReply struct {
	State    string `json:"state"`
	UserID   string `json:"userId"`
	Selected string `json:"selected,omitempty"`
	Unread   int    `json:"unread"`
	Total    int    `json:"conversations"`
}

type ListConversationsRequest struct {
	Archived *bool             `json:"archived,omitempty"`
	Pinned   *bool             `json:"pinned,omitempty"`
	Tag      string            `json:"tag,omitempty"`
	Type     store.MessageType `json:"type,omitempty"`
}

type ListConversationsReply struct {
	Conversations []store.Conversation `json:"conversations"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type MessagesReply struct {
	Messages []store.Message `json:"messages"`
	Typing   []typing.Entry  `json:"typing,omitempty"`
}

type SendRequest struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
	Type           store.MessageType  `json:"type,omitempty"`
	Priority       store.Priority     `json:"priority,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
}

type MessageRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId"`
}

type MessageReply struct {
	Message *store.Message `json:"message,omitempty"`
}

type PinReply struct {
	Pinned bool `json:"pinned"`
}

type SearchRequest struct {
	Query          string            `json:"query"`
	ConversationID string            `json:"conversationId,omitempty"`
	Type           store.MessageType `json:"type,omitempty"`
	Limit          int               `json:"limit,omitempty"`
}

type SearchReply struct {
	Results []store.SearchResult `json:"results"`
	Local   bool                 `json:"local"`
}

type UnreadReply struct {
	Count  int            `json:"count"`
	ByType map[string]int `json:"byType,omitempty"`
}

type PresenceRequest struct {
	UserID string `json:"userId,omitempty"`
}

type PresenceReply struct {
	Online []string `json:"online"`
}

type WatchRequest struct {
	// Prefix filters event kinds, e.g. "conversation.". Empty means all.
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event as streamed by WatchEvents.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}
