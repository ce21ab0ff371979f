package store

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	// ErrConversationNotFound is returned when a conversation id is not tracked.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound is returned when a message id is not in its conversation.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidTransition is returned when a status change would move a
	// message backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TempIDPrefix marks message ids generated locally before server confirmation.
const TempIDPrefix = "tmp-"

// MessageType categorizes a message.
type MessageType string

const (
	TypeGeneral             MessageType = "general"
	TypeMedicationReminder  MessageType = "medication_reminder"
	TypeAppointmentReminder MessageType = "appointment_reminder"
	TypeLabResults          MessageType = "lab_results"
	TypeHealthPlanSupport   MessageType = "health_plan_support"
	TypeDoctorMessage       MessageType = "doctor_message"
	TypeSystemAnnouncement  MessageType = "system_announcement"
	TypePrescriptionUpdate  MessageType = "prescription_update"
	TypeInsuranceUpdate     MessageType = "insurance_update"
)

var messageTypes = []MessageType{
	TypeGeneral, TypeMedicationReminder, TypeAppointmentReminder, TypeLabResults,
	TypeHealthPlanSupport, TypeDoctorMessage, TypeSystemAnnouncement,
	TypePrescriptionUpdate, TypeInsuranceUpdate,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return slices.Contains(messageTypes, t)
}

// Priority is the urgency of a message.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() > 0 || s == StatusFailed
}

// Unread reports whether a message in this status still counts as unread.
func (s Status) Unread() bool {
	return s == StatusSent || s == StatusDelivered
}

// CanTransition reports whether a message may move from one status to
// another. Statuses only move forward; failed is reachable from sent alone
// and is terminal. Staying in place is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusFailed || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return from == StatusSent
	}
	return to.rank() > from.rank()
}

// Attachment is a reference to an uploaded file.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is a single message in a conversation.
type Message struct {
	ID              string         `json:"id"`
	ClientMessageID string         `json:"clientMessageId,omitempty"`
	ConversationID  string         `json:"conversationId"`
	SenderID        string         `json:"senderId"`
	RecipientID     string         `json:"recipientId,omitempty"`
	Content         string         `json:"content"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	Type            MessageType    `json:"type,omitempty"`
	Priority        Priority       `json:"priority,omitempty"`
	Status          Status         `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// IsTemporary reports whether the message carries a locally generated id.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Conversation is a thread between the current user and one contact.
type Conversation struct {
	ID              string    `json:"id"`
	ContactID       string    `json:"contactId"`
	ContactName     string    `json:"contactName"`
	ContactRole     string    `json:"contactRole,omitempty"`
	LastMessage     *Message  `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
	IsPinned        bool      `json:"isPinned"`
	IsArchived      bool      `json:"isArchived"`
	Tags            []string  `json:"tags,omitempty"`
}

func (c Conversation) clone() Conversation {
	if c.LastMessage != nil {
		m := *c.LastMessage
		c.LastMessage = &m
	}
	c.Tags = slices.Clone(c.Tags)
	return c
}

// Filter selects a subset of conversations. The zero value is the default
// view: every conversation that is not archived.
type Filter struct {
	Archived *bool
	Pinned   *bool
	Tag      string
	Type     MessageType
}

// Match reports whether c belongs in the filtered view.
func (f Filter) Match(c Conversation) bool {
	archived := false
	if f.Archived != nil {
		archived = *f.Archived
	}
	if c.IsArchived != archived {
		return false
	}
	if f.Pinned != nil && c.IsPinned != *f.Pinned {
		return false
	}
	if f.Tag != "" && !slices.Contains(c.Tags, f.Tag) {
		return false
	}
	if f.Type != "" && (c.LastMessage == nil || c.LastMessage.Type != f.Type) {
		return false
	}
	return true
}

// SearchParams narrows a message search.
type SearchParams struct {
	Query          string
	ConversationID string
	Type           MessageType
	Limit          int
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet,omitempty"`
}
