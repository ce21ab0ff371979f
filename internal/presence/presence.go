// Package presence tracks which users are online, driven by push events only.
package presence

import (
	"slices"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
)

// Change is the payload of presence.changed events.
type Change struct {
	UserID string
	Online bool
}

// Tracker holds the set of online users. Entries never expire; a missed
// user_offline leaves the user online until the next event about them.
// Not safe for concurrent use.
type Tracker struct {
	bus    *bus.Bus
	online map[string]time.Time
}

func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{bus: b, online: make(map[string]time.Time)}
}

// SetOnline marks userID online. Repeated calls publish nothing.
func (t *Tracker) SetOnline(userID string) {
	if _, ok := t.online[userID]; ok {
		return
	}
	t.online[userID] = time.Now()
	t.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged, Payload: Change{UserID: userID, Online: true}})
}

// SetOffline marks userID offline. Repeated calls publish nothing.
func (t *Tracker) SetOffline(userID string) {
	if _, ok := t.online[userID]; !ok {
		return
	}
	delete(t.online, userID)
	t.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged, Payload: Change{UserID: userID, Online: false}})
}

func (t *Tracker) IsOnline(userID string) bool {
	_, ok := t.online[userID]
	return ok
}

// Since returns when userID came online.
func (t *Tracker) Since(userID string) (time.Time, bool) {
	at, ok := t.online[userID]
	return at, ok
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *Tracker) Len() int {
	return len(t.online)
}
