package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/api"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"github.com/mariankugiel/patient-web-app-sub002/internal/typing"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPrintConversations(t *testing.T) {
	var buf bytes.Buffer
	printConversations(&buf, []store.Conversation{{
		ID:              "c1",
		ContactName:     "Dr. Silva",
		UnreadCount:     3,
		IsPinned:        true,
		LastMessageTime: now.Add(-2 * time.Hour),
		LastMessage:     &store.Message{Content: "Your results\nare ready"},
	}}, now)

	out := buf.String()
	for _, want := range []string{"P ", "c1", "Dr. Silva", "(3)", "2 hours ago", "Your results are ready"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestPrintConversationsEmpty(t *testing.T) {
	var buf bytes.Buffer
	printConversations(&buf, nil, now)
	if buf.String() != "No conversations.\n" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestPrintMessages(t *testing.T) {
	var buf bytes.Buffer
	msgs := []store.Message{
		{ID: "m1", SenderID: "doctor-1", Content: "Hello", CreatedAt: now.Add(-time.Minute), Priority: store.PriorityUrgent},
		{ID: "tmp-1", SenderID: "patient-1", Status: store.StatusSent, CreatedAt: now,
			Attachments: []store.Attachment{{Name: "scan.pdf", Size: 2048}}},
	}
	typers := []typing.Entry{{UserID: "doctor-1", UserName: "Dr. Silva"}}
	printMessages(&buf, msgs, typers, "patient-1", now)

	out := buf.String()
	for _, want := range []string{"doctor-1", "Hello", "!urgent", "me", "[1 attachment(s)]", "(sent)", "scan.pdf 2.0 kB", "Dr. Silva typing..."} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestPrintSearchLocal(t *testing.T) {
	var buf bytes.Buffer
	printSearch(&buf, api.SearchReply{Local: true, Results: []store.SearchResult{
		{Message: store.Message{ConversationID: "c1", Content: "lab results", CreatedAt: now}, Snippet: "[lab] results"},
	}}, now)

	out := buf.String()
	if !strings.Contains(out, "local results") || !strings.Contains(out, "[lab] results") {
		t.Errorf("output = %q", out)
	}
}

func TestPrintUnreadSorted(t *testing.T) {
	var buf bytes.Buffer
	printUnread(&buf, api.UnreadReply{Count: 1200, ByType: map[string]int{"lab_results": 2, "general": 1198}})

	out := buf.String()
	if !strings.HasPrefix(out, "Unread: 1,200\n") {
		t.Errorf("output = %q", out)
	}
	if strings.Index(out, "general") > strings.Index(out, "lab_results") {
		t.Errorf("types not sorted: %q", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q, want abcd…", got)
	}
}
