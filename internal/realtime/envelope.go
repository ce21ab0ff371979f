// Package realtime is the push channel between the portal backend and the
// sync daemon. It moves JSON envelopes and holds no business logic.
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
)

// EventType is the "type" field of an envelope.
type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventMessageUpdated EventType = "message_updated"
	EventMessageDeleted EventType = "message_deleted"
	EventTypingStart    EventType = "typing_start"
	EventTypingStop     EventType = "typing_stop"
	EventUserOnline     EventType = "user_online"
	EventUserOffline    EventType = "user_offline"
)

// Valid reports whether t is one of the known envelope types.
func (t EventType) Valid() bool {
	switch t {
	case EventNewMessage, EventMessageUpdated, EventMessageDeleted,
		EventTypingStart, EventTypingStop, EventUserOnline, EventUserOffline:
		return true
	}
	return false
}

var (
	// ErrMalformed is returned for payloads that are not an envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType is returned for envelopes with an unrecognized type.
	ErrUnknownType = errors.New("unknown envelope type")
)

// Envelope is the wire format of every push event, inbound and outbound.
type Envelope struct {
	Type           EventType       `json:"type"`
	Data           json.RawMessage `json:"data"`
	ConversationID string          `json:"conversationId"`
	Timestamp      time.Time       `json:"timestamp"`
}

type wireEnvelope struct {
	Type           EventType       `json:"type"`
	Data           json.RawMessage `json:"data"`
	ConversationID string          `json:"conversationId"`
	Timestamp      string          `json:"timestamp"`
}

// MessageDeleted is the data of a message_deleted envelope.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

// Typing is the data of typing_start and typing_stop envelopes.
type Typing struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// Presence is the data of user_online and user_offline envelopes.
type Presence struct {
	UserID string `json:"userId"`
}

// Decode parses a raw push payload. A missing timestamp decodes as the zero
// time; one that is present must be ISO-8601.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !w.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	env := Envelope{Type: w.Type, Data: w.Data, ConversationID: w.ConversationID}
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
		}
		env.Timestamp = ts
	}
	return env, nil
}

// Encode renders env in the wire format with a millisecond UTC timestamp.
func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	w := wireEnvelope{
		Type:           env.Type,
		Data:           env.Data,
		ConversationID: env.ConversationID,
		Timestamp:      env.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if len(w.Data) == 0 {
		w.Data = json.RawMessage("null")
	}
	return json.Marshal(w)
}

// NewEnvelope builds an outbound envelope carrying payload as data.
func NewEnvelope(typ EventType, conversationID string, payload any, ts time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Data: data, ConversationID: conversationID, Timestamp: ts}, nil
}

// Message decodes the data of a new_message or message_updated envelope.
// The envelope's conversation id fills a missing one in the message.
func (e Envelope) Message() (store.Message, error) {
	var m store.Message
	if err := e.decodeData(&m); err != nil {
		return store.Message{}, err
	}
	if m.ID == "" {
		return store.Message{}, fmt.Errorf("%w: %s without message id", ErrMalformed, e.Type)
	}
	if m.ConversationID == "" {
		m.ConversationID = e.ConversationID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.Timestamp
	}
	return m, nil
}

// Deleted decodes the data of a message_deleted envelope.
func (e Envelope) Deleted() (MessageDeleted, error) {
	var d MessageDeleted
	if err := e.decodeData(&d); err != nil {
		return d, err
	}
	if d.MessageID == "" {
		return d, fmt.Errorf("%w: message_deleted without messageId", ErrMalformed)
	}
	return d, nil
}

// Typing decodes the data of a typing_start or typing_stop envelope.
func (e Envelope) Typing() (Typing, error) {
	var t Typing
	if err := e.decodeData(&t); err != nil {
		return t, err
	}
	if t.UserID == "" {
		return t, fmt.Errorf("%w: %s without userId", ErrMalformed, e.Type)
	}
	return t, nil
}

// Presence decodes the data of a user_online or user_offline envelope.
func (e Envelope) Presence() (Presence, error) {
	var p Presence
	if err := e.decodeData(&p); err != nil {
		return p, err
	}
	if p.UserID == "" {
		return p, fmt.Errorf("%w: %s without userId", ErrMalformed, e.Type)
	}
	return p, nil
}

func (e Envelope) decodeData(v any) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return fmt.Errorf("%w: %s without data", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.Type, err)
	}
	return nil
}
