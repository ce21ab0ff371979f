package sync

import (
	"context"
	"errors"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"github.com/mariankugiel/patient-web-app-sub002/internal/metrics"
	"github.com/mariankugiel/patient-web-app-sub002/internal/outbox"
	"github.com/mariankugiel/patient-web-app-sub002/internal/portal"
	"github.com/mariankugiel/patient-web-app-sub002/internal/realtime"
	"github.com/mariankugiel/patient-web-app-sub002/internal/status"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

const (
	me     = "patient-1"
	doctor = "doctor-1"
)

// mockAPI serves canned data and records calls.
type mockAPI struct {
	mu            stdsync.Mutex
	conversations []store.Conversation
	history       map[string][]store.Message
	unread        int
	searchErr     error
	pinErr        error
	archiveErr    error
	deleteErr     error
	gate          map[string]chan struct{} // blocks history fetches per conversation
	listGate      chan struct{}            // blocks conversation list fetches

	calls      map[string]int
	readConvs  []string
	readMsgs   []string
	pinned     []bool
	sent       []portal.SendRequest
	deletedIDs []string
}

func newMockAPI(convs ...store.Conversation) *mockAPI {
	return &mockAPI{
		conversations: convs,
		history:       make(map[string][]store.Message),
		gate:          make(map[string]chan struct{}),
		calls:         make(map[string]int),
	}
}

func (m *mockAPI) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockAPI) record(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

func (m *mockAPI) GetConversations(_ context.Context, _ store.Filter) (*portal.ConversationsResponse, error) {
	m.record("GetConversations")
	m.mu.Lock()
	convs := append([]store.Conversation(nil), m.conversations...)
	gate := m.listGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return &portal.ConversationsResponse{Conversations: convs}, nil
}

func (m *mockAPI) GetConversationMessages(ctx context.Context, id string) ([]store.Message, error) {
	m.record("GetConversationMessages")
	m.mu.Lock()
	gate := m.gate[id]
	msgs := append([]store.Message(nil), m.history[id]...)
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return msgs, nil
}

func (m *mockAPI) SendMessage(_ context.Context, req portal.SendRequest) (store.Message, error) {
	m.record("SendMessage")
	m.mu.Lock()
	m.sent = append(m.sent, req)
	m.mu.Unlock()
	return store.Message{
		ID:              "srv-sent",
		ClientMessageID: req.ClientMessageID,
		ConversationID:  req.ConversationID,
		SenderID:        me,
		Content:         req.Content,
		Status:          store.StatusSent,
		CreatedAt:       time.Now(),
	}, nil
}

func (m *mockAPI) MarkMessagesAsRead(_ context.Context, id string) error {
	m.record("MarkMessagesAsRead")
	m.mu.Lock()
	m.readConvs = append(m.readConvs, id)
	m.mu.Unlock()
	return nil
}

func (m *mockAPI) MarkMessageAsRead(_ context.Context, id string) error {
	m.record("MarkMessageAsRead")
	m.mu.Lock()
	m.readMsgs = append(m.readMsgs, id)
	m.mu.Unlock()
	return nil
}

func (m *mockAPI) ArchiveConversation(_ context.Context, _ string) error {
	m.record("ArchiveConversation")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archiveErr
}

func (m *mockAPI) ToggleConversationPin(_ context.Context, id string, pinned bool) error {
	m.record("ToggleConversationPin")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = append(m.pinned, pinned)
	if m.pinErr != nil {
		return m.pinErr
	}
	for i := range m.conversations {
		if m.conversations[i].ID == id {
			m.conversations[i].IsPinned = pinned
		}
	}
	return nil
}

func (m *mockAPI) DeleteMessage(_ context.Context, id string) error {
	m.record("DeleteMessage")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedIDs = append(m.deletedIDs, id)
	return m.deleteErr
}

func (m *mockAPI) SearchMessages(_ context.Context, p store.SearchParams) ([]store.Message, error) {
	m.record("SearchMessages")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return []store.Message{{ID: "remote-hit", Content: p.Query}}, nil
}

func (m *mockAPI) GetUnreadCount(_ context.Context) (portal.UnreadCount, error) {
	m.record("GetUnreadCount")
	m.mu.Lock()
	defer m.mu.Unlock()
	return portal.UnreadCount{Count: m.unread}, nil
}

func (m *mockAPI) GetMessageStats(_ context.Context) (portal.Stats, error) {
	m.record("GetMessageStats")
	return portal.Stats{"total": 3.0}, nil
}

type harness struct {
	c       *Controller
	api     *mockAPI
	channel *realtime.Memory
	bus     *bus.Bus
}

func newHarness(t *testing.T, api *mockAPI, tweak func(*Config, *Deps)) *harness {
	t.Helper()
	b := bus.New()
	ch := realtime.NewMemory(b)
	cfg := Config{
		UserID:          me,
		UserName:        "Ana",
		PollInterval:    time.Hour,
		TypingStopDelay: time.Hour,
	}
	deps := Deps{API: api, Channel: ch, Bus: b, Logger: zap.NewNop()}
	if tweak != nil {
		tweak(&cfg, &deps)
	}
	c := New(cfg, deps)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return &harness{c: c, api: api, channel: ch, bus: b}
}

func conv(id string, unread int) store.Conversation {
	return store.Conversation{ID: id, ContactID: doctor, ContactName: "Dr. Silva", UnreadCount: unread}
}

func inbound(t *testing.T, convID, id, from string, at time.Time) realtime.Envelope {
	t.Helper()
	env, err := realtime.NewEnvelope(realtime.EventNewMessage, convID, store.Message{
		ID:        id,
		SenderID:  from,
		Content:   "msg " + id,
		Status:    store.StatusSent,
		CreatedAt: at,
	}, at)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func envelope(t *testing.T, typ realtime.EventType, convID string, payload any) realtime.Envelope {
	t.Helper()
	env, err := realtime.NewEnvelope(typ, convID, payload, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) unread(t *testing.T, id string) int {
	t.Helper()
	c, err := h.c.Conversation(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c.UnreadCount
}

func (h *harness) messages(t *testing.T, id string) []store.Message {
	t.Helper()
	msgs, err := h.c.Messages(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestStartLoadsConversations(t *testing.T) {
	h := newHarness(t, newMockAPI(conv("a", 1), conv("b", 0)), nil)

	convs, err := h.c.Conversations(context.Background(), store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != "a" {
		t.Fatalf("conversations = %+v", convs)
	}
	if h.c.Status() != status.Connected {
		t.Fatalf("status = %s, want connected", h.c.Status())
	}
}

func TestSelectMarksReadAndSuppressesUnread(t *testing.T) {
	api := newMockAPI(conv("a", 2))
	base := time.Now()
	api.history["a"] = []store.Message{
		{ID: "m1", SenderID: doctor, Content: "one", Status: store.StatusSent, CreatedAt: base.Add(-2 * time.Minute)},
		{ID: "m2", SenderID: doctor, Content: "two", Status: store.StatusSent, CreatedAt: base.Add(-time.Minute)},
	}
	h := newHarness(t, api, nil)

	if got := h.unread(t, "a"); got != 2 {
		t.Fatalf("unread before select = %d, want 2", got)
	}
	if err := h.c.Select(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if got := h.unread(t, "a"); got != 0 {
		t.Fatalf("unread after select = %d, want 0", got)
	}
	history := h.messages(t, "a")
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	for _, m := range history {
		if m.Status != store.StatusRead {
			t.Fatalf("%s status = %s after select, want read", m.ID, m.Status)
		}
	}
	eventually(t, "MarkMessagesAsRead", func() bool { return api.count("MarkMessagesAsRead") == 1 })

	// A new message while the conversation is on screen stays read.
	h.channel.Inject(inbound(t, "a", "m3", doctor, base))
	eventually(t, "m3 merged", func() bool { return len(h.messages(t, "a")) == 3 })
	if got := h.unread(t, "a"); got != 0 {
		t.Fatalf("unread after new message while selected = %d, want 0", got)
	}
	eventually(t, "read ack", func() bool { return api.count("MarkMessageAsRead") == 1 })
	api.mu.Lock()
	acked := api.readMsgs[0]
	api.mu.Unlock()
	if acked != "m3" {
		t.Fatalf("acked %q, want m3", acked)
	}
	msgs := h.messages(t, "a")
	if msgs[2].Status != store.StatusRead {
		t.Fatalf("m3 status = %s, want read", msgs[2].Status)
	}
}

func TestUnreadCountsAfterMarkReadBoundary(t *testing.T) {
	api := newMockAPI(conv("a", 0), conv("b", 0))
	h := newHarness(t, api, nil)
	if err := h.c.Select(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	for i, id := range []string{"n1", "n2", "n3"} {
		h.channel.Inject(inbound(t, "b", id, doctor, base.Add(time.Duration(i)*time.Second)))
	}
	// Redelivery of an already counted message.
	h.channel.Inject(inbound(t, "b", "n2", doctor, base.Add(time.Second)))

	eventually(t, "three unread", func() bool { return h.unread(t, "b") == 3 })
	if n := len(h.messages(t, "b")); n != 3 {
		t.Fatalf("got %d messages, want 3", n)
	}
	if api.count("MarkMessageAsRead") != 0 {
		t.Fatal("acked a message in an unselected conversation")
	}
}

func TestOwnMessagesNeverUnread(t *testing.T) {
	h := newHarness(t, newMockAPI(conv("a", 0)), nil)
	h.channel.Inject(inbound(t, "a", "mine", me, time.Now()))
	eventually(t, "merge", func() bool { return len(h.messages(t, "a")) == 1 })
	if got := h.unread(t, "a"); got != 0 {
		t.Fatalf("unread = %d, want 0", got)
	}
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	api := newMockAPI(conv("a", 0), conv("b", 0))
	api.history["a"] = []store.Message{{ID: "a1", SenderID: doctor, Content: "old", CreatedAt: time.Now()}}
	api.history["b"] = []store.Message{{ID: "b1", SenderID: doctor, Content: "new", CreatedAt: time.Now()}}
	gate := make(chan struct{})
	api.gate["a"] = gate
	h := newHarness(t, api, nil)

	done := make(chan error, 1)
	go func() { done <- h.c.Select(context.Background(), "a") }()
	eventually(t, "fetch of a", func() bool { return api.count("GetConversationMessages") == 1 })

	if err := h.c.Select(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("superseded select returned %v", err)
	}

	if n := len(h.messages(t, "a")); n != 0 {
		t.Fatalf("stale history of a was loaded: %d messages", n)
	}
	if n := len(h.messages(t, "b")); n != 1 {
		t.Fatalf("history of b = %d messages, want 1", n)
	}
	if sel, _ := h.c.Selected(context.Background()); sel != "b" {
		t.Fatalf("selected = %q, want b", sel)
	}
}

func TestPushDuringHistoryFetchSurvives(t *testing.T) {
	api := newMockAPI(conv("a", 0))
	base := time.Now()
	api.history["a"] = []store.Message{
		{ID: "h1", SenderID: doctor, Content: "one", Status: store.StatusRead, CreatedAt: base.Add(-2 * time.Minute)},
		{ID: "h2", SenderID: me, Content: "two", Status: store.StatusSent, CreatedAt: base.Add(-time.Minute)},
	}
	gate := make(chan struct{})
	api.gate["a"] = gate
	h := newHarness(t, api, nil)

	done := make(chan error, 1)
	go func() { done <- h.c.Select(context.Background(), "a") }()
	eventually(t, "fetch of a", func() bool { return api.count("GetConversationMessages") == 1 })

	h.channel.Inject(inbound(t, "a", "m3", doctor, base))
	eventually(t, "m3 merged", func() bool { return len(h.messages(t, "a")) == 1 })

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	msgs := h.messages(t, "a")
	if len(msgs) != 3 || msgs[0].ID != "h1" || msgs[1].ID != "h2" || msgs[2].ID != "m3" {
		t.Fatalf("messages = %+v, want h1 h2 m3", msgs)
	}
	c, _ := h.c.Conversation(context.Background(), "a")
	if c.LastMessage == nil || c.LastMessage.ID != "m3" {
		t.Fatalf("last message = %+v, want m3", c.LastMessage)
	}
}

func TestSelectUnknownConversation(t *testing.T) {
	h := newHarness(t, newMockAPI(conv("a", 0)), nil)
	if err := h.c.Select(context.Background(), "zzz"); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestDeletedEnvelope(t *testing.T) {
	h := newHarness(t, newMockAPI(conv("a", 0)), nil)
	now := time.Now()
	h.channel.Inject(inbound(t, "a", "m1", doctor, now.Add(-time.Second)))
	h.channel.Inject(inbound(t, "a", "m2", doctor, now))
	eventually(t, "two unread", func() bool { return h.unread(t, "a") == 2 })

	// Unknown id: no-op.
	h.channel.Inject(envelope(t, realtime.EventMessageDeleted, "a", realtime.MessageDeleted{MessageID: "ghost"}))
	h.channel.Inject(envelope(t, realtime.EventMessageDeleted, "a", realtime.MessageDeleted{MessageID: "m2"}))
	h.channel.Inject(envelope(t, realtime.EventMessageDeleted, "a", realtime.MessageDeleted{MessageID: "m2"}))

	eventually(t, "m2 removed", func() bool { return len(h.messages(t, "a")) == 1 })
	if got := h.unread(t, "a"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
	c, _ := h.c.Conversation(context.Background(), "a")
	if c.LastMessage == nil || c.LastMessage.ID != "m1" {
		t.Fatalf("last message = %+v, want m1", c.LastMessage)
	}
}

func TestUntrackedConversationTriggersRefresh(t *testing.T) {
	api := newMockAPI(conv("a", 0))
	h := newHarness(t, api, nil)
	if n := api.count("GetConversations"); n != 1 {
		t.Fatalf("GetConversations calls = %d, want 1", n)
	}

	api.mu.Lock()
	api.conversations = append(api.conversations, conv("new", 0))
	api.mu.Unlock()

	h.channel.Inject(inbound(t, "new", "x1", doctor, time.Now()))
	eventually(t, "refresh", func() bool { return api.count("GetConversations") >= 2 })
	eventually(t, "new conversation", func() bool {
		_, err := h.c.Conversation(context.Background(), "new")
		return err == nil
	})
	if n := len(h.messages(t, "new")); n != 0 {
		t.Fatalf("message for untracked conversation was stored")
	}
}

func TestTypingAndPresenceDispatch(t *testing.T) {
	h := newHarness(t, newMockAPI(conv("a", 0)), nil)
	ctx := context.Background()

	h.channel.Inject(envelope(t, realtime.EventTypingStart, "a", realtime.Typing{UserID: doctor, UserName: "Dr. Silva"}))
	h.channel.Inject(envelope(t, realtime.EventTypingStart, "a", realtime.Typing{UserID: me, UserName: "Ana"}))
	h.channel.Inject(envelope(t, realtime.EventUserOnline, "", realtime.Presence{UserID: doctor}))

	eventually(t, "typing", func() bool {
		entries, _ := h.c.Typing(ctx, "a")
		return len(entries) == 1 && entries[0].UserID == doctor
	})
	eventually(t, "online", func() bool {
		ok, _ := h.c.IsOnline(ctx, doctor)
		return ok
	})

	h.channel.Inject(envelope(t, realtime.EventTypingStop, "a", realtime.Typing{UserID: doctor}))
	h.channel.Inject(envelope(t, realtime.EventUserOffline, "", realtime.Presence{UserID: doctor}))
	eventually(t, "typing stop", func() bool {
		entries, _ := h.c.Typing(ctx, "a")
		return len(entries) == 0
	})
	eventually(t, "offline", func() bool {
		online, _ := h.c.Online(ctx)
		return len(online) == 0
	})
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	h := newHarness(t, newMockAPI(conv("a", 0)), func(cfg *Config, _ *Deps) {
		cfg.TypingTTL = 50 * time.Millisecond
		cfg.SweepInterval = 10 * time.Millisecond
	})
	h.channel.Inject(envelope(t, realtime.EventTypingStart, "a", realtime.Typing{UserID: doctor}))
	eventually(t, "typing", func() bool {
		entries, _ := h.c.Typing(context.Background(), "a")
		return len(entries) == 1
	})
	eventually(t, "expiry", func() bool {
		entries, _ := h.c.Typing(context.Background(), "a")
		return len(entries) == 0
	})
}

func TestMalformedEnvelopeIgnored(t *testing.T) {
	h := newHarness(t, newMockAPI(conv("a", 0)), nil)
	h.channel.Inject(realtime.Envelope{Type: realtime.EventNewMessage, ConversationID: "a", Data: []byte(`{"content":"no id"}`)})
	h.channel.Inject(realtime.Envelope{Type: "bogus", ConversationID: "a"})
	h.channel.Inject(inbound(t, "a", "ok", doctor, time.Now()))

	eventually(t, "valid message", func() bool { return len(h.messages(t, "a")) == 1 })
}

func TestEnvelopeMetricsCountedOnce(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, newMockAPI(conv("a", 0)), func(_ *Config, d *Deps) { d.Metrics = m })

	h.channel.Inject(realtime.Envelope{Type: realtime.EventNewMessage, ConversationID: "a", Data: []byte(`{"content":"no id"}`)})
	h.channel.Inject(inbound(t, "a", "m1", doctor, time.Now()))
	h.channel.Inject(inbound(t, "a", "m2", doctor, time.Now()))
	eventually(t, "two messages", func() bool { return len(h.messages(t, "a")) == 2 })

	want := `
# HELP portalsync_envelopes_received_total Push envelopes accepted, by type.
# TYPE portalsync_envelopes_received_total counter
portalsync_envelopes_received_total{type="new_message"} 2
`
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(want), "portalsync_envelopes_received_total"); err != nil {
		t.Fatal(err)
	}
}

func TestTogglePinRevertsOnError(t *testing.T) {
	api := newMockAPI(conv("a", 0))
	h := newHarness(t, api, nil)
	ctx := context.Background()

	pinned, err := h.c.TogglePin(ctx, "a")
	if err != nil || !pinned {
		t.Fatalf("TogglePin = %v, %v; want true, nil", pinned, err)
	}

	api.mu.Lock()
	api.pinErr = &portal.Error{Kind: portal.KindApplication, Code: portal.CodePermissionDenied, Status: 403}
	api.mu.Unlock()

	if _, err := h.c.TogglePin(ctx, "a"); err == nil {
		t.Fatal("expected error")
	}
	c, _ := h.c.Conversation(ctx, "a")
	if !c.IsPinned {
		t.Fatal("failed unpin was not reverted")
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.pinned) != 2 || !api.pinned[0] || api.pinned[1] {
		t.Fatalf("pin requests = %v, want [true false]", api.pinned)
	}
}

func TestRefreshDoesNotUndoPin(t *testing.T) {
	api := newMockAPI(conv("a", 0), conv("b", 0))
	h := newHarness(t, api, nil)
	ctx := context.Background()

	gate := make(chan struct{})
	api.mu.Lock()
	api.listGate = gate
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.c.Refresh(ctx) }()
	eventually(t, "list fetch", func() bool { return api.count("GetConversations") == 2 })

	// The fetch above captured the list before the pin reached the server.
	if pinned, err := h.c.TogglePin(ctx, "b"); err != nil || !pinned {
		t.Fatalf("TogglePin = %v, %v; want true, nil", pinned, err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	c, _ := h.c.Conversation(ctx, "b")
	if !c.IsPinned {
		t.Fatal("refresh fetched before the pin undid it")
	}
	if n := api.count("GetConversations"); n != 3 {
		t.Fatalf("GetConversations calls = %d, want 3", n)
	}
}

func TestRefreshKeepsPinAwaitingServer(t *testing.T) {
	api := newMockAPI(conv("a", 0))
	h := newHarness(t, api, nil)
	ctx := context.Background()

	h.c.loop.Post(func() {
		_, _ = h.c.convs.TogglePin("a")
		h.c.pendingPin["a"] = true
	})
	if err := h.c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	c, _ := h.c.Conversation(ctx, "a")
	if !c.IsPinned {
		t.Fatal("refresh dropped a pin the server has not confirmed")
	}
}

func TestArchive(t *testing.T) {
	api := newMockAPI(conv("a", 0), conv("b", 0))
	h := newHarness(t, api, nil)
	ctx := context.Background()

	if err := h.c.Archive(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	active, _ := h.c.Conversations(ctx, store.Filter{})
	if len(active) != 1 || active[0].ID != "b" {
		t.Fatalf("default view = %+v, want only b", active)
	}
	archived := true
	if got, _ := h.c.Conversations(ctx, store.Filter{Archived: &archived}); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("archived view = %+v, want only a", got)
	}

	api.mu.Lock()
	api.archiveErr = &portal.Error{Kind: portal.KindTransport}
	api.mu.Unlock()
	if err := h.c.Archive(ctx, "b"); !portal.IsTransport(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if c, _ := h.c.Conversation(ctx, "b"); c.IsArchived {
		t.Fatal("failed archive was not reverted")
	}
}

func TestDeleteMessage(t *testing.T) {
	api := newMockAPI(conv("a", 0))
	h := newHarness(t, api, nil)
	ctx := context.Background()
	h.channel.Inject(inbound(t, "a", "m1", doctor, time.Now()))
	eventually(t, "m1", func() bool { return len(h.messages(t, "a")) == 1 })

	if err := h.c.DeleteMessage(ctx, "", "m1"); err != nil {
		t.Fatal(err)
	}
	if n := len(h.messages(t, "a")); n != 0 {
		t.Fatalf("got %d messages, want 0", n)
	}

	// Already gone on the server.
	api.mu.Lock()
	api.deleteErr = &portal.Error{Kind: portal.KindApplication, Code: portal.CodeNotFound, Status: 404}
	api.mu.Unlock()
	if err := h.c.DeleteMessage(ctx, "a", "m1"); err != nil {
		t.Fatalf("delete of a missing message = %v, want nil", err)
	}
}

func TestSearchFallsBackToLocalIndex(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	api := newMockAPI(conv("a", 0))
	h := newHarness(t, api, func(_ *Config, d *Deps) { d.Index = store.NewIndex(db) })
	ctx := context.Background()

	results, local, err := h.c.Search(ctx, store.SearchParams{Query: "insulin"})
	if err != nil || local || len(results) != 1 || results[0].Message.ID != "remote-hit" {
		t.Fatalf("remote search = %+v, %v, %v", results, local, err)
	}

	env, _ := realtime.NewEnvelope(realtime.EventNewMessage, "a", store.Message{
		ID: "m1", SenderID: doctor, Content: "take your insulin before lunch", CreatedAt: time.Now(),
	}, time.Now())
	h.channel.Inject(env)
	eventually(t, "m1", func() bool { return len(h.messages(t, "a")) == 1 })

	api.mu.Lock()
	api.searchErr = &portal.Error{Kind: portal.KindTransport, Op: "search"}
	api.mu.Unlock()

	results, local, err = h.c.Search(ctx, store.SearchParams{Query: "insulin"})
	if err != nil {
		t.Fatal(err)
	}
	if !local || len(results) != 1 || results[0].Message.ID != "m1" {
		t.Fatalf("local search = %+v, local=%v", results, local)
	}

	api.mu.Lock()
	api.searchErr = &portal.Error{Kind: portal.KindApplication, Code: portal.CodeValidation, Status: 400}
	api.mu.Unlock()
	if _, _, err := h.c.Search(ctx, store.SearchParams{Query: "insulin"}); err == nil {
		t.Fatal("application error fell back to the local index")
	}
}

func TestPollReloadsOnDrift(t *testing.T) {
	api := newMockAPI(conv("a", 0))
	api.unread = 4
	h := newHarness(t, api, func(cfg *Config, _ *Deps) { cfg.PollInterval = 20 * time.Millisecond })

	api.mu.Lock()
	api.conversations = []store.Conversation{conv("a", 4)}
	api.mu.Unlock()

	eventually(t, "reload", func() bool { return api.count("GetConversations") >= 2 })
	eventually(t, "converged unread", func() bool { return h.unread(t, "a") == 4 })
}

func TestKeystrokeEmitsTyping(t *testing.T) {
	h := newHarness(t, newMockAPI(conv("a", 0)), nil)
	ctx := context.Background()

	if err := h.c.Keystroke(ctx); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("err = %v, want ErrNoSelection", err)
	}
	if err := h.c.Select(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := h.c.Keystroke(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.c.Keystroke(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "typing_start", func() bool { return len(h.channel.Sent()) == 1 })

	// Teardown sends the final stop.
	h.c.Stop()
	sent := h.channel.Sent()
	if len(sent) != 2 || sent[0].Type != realtime.EventTypingStart || sent[1].Type != realtime.EventTypingStop {
		t.Fatalf("sent = %+v, want start then stop", sent)
	}
}

func TestSendThroughController(t *testing.T) {
	api := newMockAPI(conv("a", 0))
	h := newHarness(t, api, nil)
	ctx := context.Background()

	if m, err := h.c.Send(ctx, "a", "", nil, outbox.Options{}); m != nil || err != nil {
		t.Fatalf("empty send = %v, %v", m, err)
	}
	if api.count("SendMessage") != 0 {
		t.Fatal("empty send reached the server")
	}

	m, err := h.c.Send(ctx, "a", "Hello", nil, outbox.Options{})
	if err != nil {
		t.Fatal(err)
	}
	// The server echo of our own message does not duplicate it.
	h.channel.Inject(envelope(t, realtime.EventNewMessage, "a", *m))
	h.channel.Inject(inbound(t, "a", "after", doctor, time.Now().Add(time.Second)))
	eventually(t, "doctor reply", func() bool { return len(h.messages(t, "a")) == 2 })

	msgs := h.messages(t, "a")
	if msgs[0].ID != "srv-sent" || msgs[0].Content != "Hello" {
		t.Fatalf("messages = %+v", msgs)
	}
}
