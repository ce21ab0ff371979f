package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"new message", `{"type":"new_message","data":{"id":"m1"},"conversationId":"c1","timestamp":"2025-03-01T09:00:00.000Z"}`, nil},
		{"offset timestamp", `{"type":"user_online","data":{"userId":"u"},"conversationId":"","timestamp":"2025-03-01T10:00:00+01:00"}`, nil},
		{"missing timestamp", `{"type":"typing_stop","data":{"userId":"u"},"conversationId":"c1"}`, nil},
		{"not json", `{"type":`, ErrMalformed},
		{"array", `[1,2,3]`, ErrMalformed},
		{"unknown type", `{"type":"message_exploded","data":{},"conversationId":"c1","timestamp":"2025-03-01T09:00:00Z"}`, ErrUnknownType},
		{"empty type", `{"data":{}}`, ErrUnknownType},
		{"bad timestamp", `{"type":"new_message","data":{},"conversationId":"c1","timestamp":"yesterday"}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeTimestamp(t *testing.T) {
	env, err := Decode([]byte(`{"type":"user_offline","data":{"userId":"u"},"conversationId":"","timestamp":"2025-03-01T10:00:00+01:00"}`))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if !env.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", env.Timestamp, want)
	}
}

func TestEncodeWireShape(t *testing.T) {
	env, err := NewEnvelope(EventTypingStart, "c1", Typing{UserID: "u1", UserName: "Ana"}, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}

	want := `{"type":"typing_start","data":{"userId":"u1","userName":"Ana"},"conversationId":"c1","timestamp":"2025-03-01T09:00:00.000Z"}`
	if string(data) != want {
		t.Errorf("Encode() =\n%s\nwant\n%s", data, want)
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	if _, err := Encode(Envelope{Type: "bogus"}); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Encode() error = %v, want ErrUnknownType", err)
	}
}

func TestEncodeNilData(t *testing.T) {
	data, err := Encode(Envelope{Type: EventUserOnline})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"data":null`) {
		t.Errorf("Encode() = %s, want null data", data)
	}
}

func TestEnvelopeMessage(t *testing.T) {
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	raw, _ := json.Marshal(store.Message{ID: "m1", SenderID: "doc", Content: "Lab results ready", Type: store.TypeLabResults, Status: store.StatusSent})
	env := Envelope{Type: EventNewMessage, Data: raw, ConversationID: "c1", Timestamp: ts}

	m, err := env.Message()
	if err != nil {
		t.Fatal(err)
	}
	if m.ConversationID != "c1" {
		t.Errorf("ConversationID = %q, want c1 from envelope", m.ConversationID)
	}
	if !m.CreatedAt.Equal(ts) {
		t.Errorf("CreatedAt = %v, want envelope timestamp", m.CreatedAt)
	}
	if m.Type != store.TypeLabResults {
		t.Errorf("Type = %q", m.Type)
	}
}

func TestEnvelopePayloadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		call func(Envelope) error
	}{
		{"message without id", Envelope{Type: EventNewMessage, Data: json.RawMessage(`{"content":"x"}`)}, func(e Envelope) error { _, err := e.Message(); return err }},
		{"message null data", Envelope{Type: EventNewMessage, Data: json.RawMessage(`null`)}, func(e Envelope) error { _, err := e.Message(); return err }},
		{"deleted without id", Envelope{Type: EventMessageDeleted, Data: json.RawMessage(`{}`)}, func(e Envelope) error { _, err := e.Deleted(); return err }},
		{"typing bad json", Envelope{Type: EventTypingStart, Data: json.RawMessage(`"u1"`)}, func(e Envelope) error { _, err := e.Typing(); return err }},
		{"presence without user", Envelope{Type: EventUserOnline}, func(e Envelope) error { _, err := e.Presence(); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(tt.env); !errors.Is(err, ErrMalformed) {
				t.Errorf("error = %v, want ErrMalformed", err)
			}
		})
	}
}
