package portal

import "github.com/mariankugiel/patient-web-app-sub002/internal/store"

// ConversationsResponse is the body of GET /conversations.
type ConversationsResponse struct {
	Conversations []store.Conversation `json:"conversations"`
	UnreadCount   int                  `json:"unreadCount"`
}

type messagesResponse struct {
	Messages []store.Message `json:"messages"`
}

type messageResponse struct {
	Message store.Message `json:"message"`
}

// SendRequest is the body of POST /messages. ClientMessageID is echoed back
// in the confirmed message.
type SendRequest struct {
	ConversationID  string             `json:"conversationId"`
	RecipientID     string             `json:"recipientId,omitempty"`
	Content         string             `json:"content"`
	Type            store.MessageType  `json:"type,omitempty"`
	Priority        store.Priority     `json:"priority,omitempty"`
	Attachments     []store.Attachment `json:"attachments,omitempty"`
	ClientMessageID string             `json:"clientMessageId,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// UnreadCount is the body of GET /unread-count.
type UnreadCount struct {
	Count  int            `json:"count"`
	ByType map[string]int `json:"byType,omitempty"`
}

// Stats is the opaque body of GET /stats.
type Stats map[string]any
