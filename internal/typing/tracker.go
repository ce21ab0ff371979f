// Package typing tracks who is typing in each conversation and debounces the
// local user's own typing signals.
package typing

import (
	"slices"
	"strings"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
)

// DefaultTTL is how long an entry lives without a refresh.
const DefaultTTL = 5 * time.Second

// Entry is one user typing in one conversation.
type Entry struct {
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName,omitempty"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

type key struct {
	conversationID string
	userID         string
}

// Tracker holds inbound typing indicators keyed by conversation and user.
// Not safe for concurrent use.
type Tracker struct {
	bus     *bus.Bus
	ttl     time.Duration
	now     func() time.Time
	entries map[key]Entry
}

// NewTracker creates a tracker whose entries expire after ttl.
func NewTracker(b *bus.Bus, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		bus:     b,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[key]Entry),
	}
}

// Start records or refreshes a typing user.
func (t *Tracker) Start(conversationID, userID, userName string) {
	k := key{conversationID, userID}
	_, existed := t.entries[k]
	t.entries[k] = Entry{
		UserID:         userID,
		UserName:       userName,
		ConversationID: conversationID,
		Timestamp:      t.now(),
	}
	if !existed {
		t.publish(conversationID)
	}
}

// Stop removes a typing user. It reports whether an entry was removed.
func (t *Tracker) Stop(conversationID, userID string) bool {
	k := key{conversationID, userID}
	if _, ok := t.entries[k]; !ok {
		return false
	}
	delete(t.entries, k)
	t.publish(conversationID)
	return true
}

// Sweep removes every entry older than the TTL and returns how many went.
func (t *Tracker) Sweep() int {
	cutoff := t.now().Add(-t.ttl)
	changed := make(map[string]struct{})
	removed := 0
	for k, e := range t.entries {
		if e.Timestamp.Before(cutoff) {
			delete(t.entries, k)
			changed[k.conversationID] = struct{}{}
			removed++
		}
	}
	for id := range changed {
		t.publish(id)
	}
	return removed
}

// Active returns the users typing in conversationID, by user id. Entries past
// the TTL are hidden even before the next sweep.
func (t *Tracker) Active(conversationID string) []Entry {
	cutoff := t.now().Add(-t.ttl)
	var out []Entry
	for k, e := range t.entries {
		if k.conversationID == conversationID && !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Len returns the number of entries, stale ones included.
func (t *Tracker) Len() int {
	return len(t.entries)
}

func (t *Tracker) publish(conversationID string) {
	t.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: bus.ConversationRef{ConversationID: conversationID}})
}
