package typing

import (
	"testing"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
)

// fakeClock is a settable time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(b *bus.Bus) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	tr := NewTracker(b, DefaultTTL)
	tr.now = clock.now
	return tr, clock
}

func TestStartStop(t *testing.T) {
	tr, _ := newTestTracker(nil)
	tr.Start("c1", "doc", "Dr Who")
	tr.Start("c2", "doc", "Dr Who")

	if got := tr.Active("c1"); len(got) != 1 || got[0].UserName != "Dr Who" {
		t.Fatalf("Active(c1) = %+v", got)
	}
	if !tr.Stop("c1", "doc") {
		t.Error("Stop() = false for typing user")
	}
	if tr.Stop("c1", "doc") {
		t.Error("second Stop() = true")
	}
	if len(tr.Active("c1")) != 0 {
		t.Error("entry still active after Stop")
	}
	if len(tr.Active("c2")) != 1 {
		t.Error("Stop in c1 removed entry in c2")
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	tr, clock := newTestTracker(nil)
	tr.Start("c1", "doc", "")

	clock.advance(4 * time.Second)
	if n := tr.Sweep(); n != 0 {
		t.Errorf("Sweep() at 4s removed %d", n)
	}
	if len(tr.Active("c1")) != 1 {
		t.Fatal("entry gone before TTL")
	}

	clock.advance(1100 * time.Millisecond)
	if len(tr.Active("c1")) != 0 {
		t.Error("stale entry still reported active")
	}
	if n := tr.Sweep(); n != 1 {
		t.Errorf("Sweep() at 5.1s removed %d, want 1", n)
	}
	if tr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tr.Len())
	}
}

func TestRefreshExtendsEntry(t *testing.T) {
	tr, clock := newTestTracker(nil)
	tr.Start("c1", "doc", "")
	clock.advance(4 * time.Second)
	tr.Start("c1", "doc", "")
	clock.advance(4 * time.Second)

	tr.Sweep()
	if len(tr.Active("c1")) != 1 {
		t.Error("refreshed entry expired")
	}
}

func TestActiveSortedByUser(t *testing.T) {
	tr, _ := newTestTracker(nil)
	tr.Start("c1", "zed", "")
	tr.Start("c1", "amy", "")

	got := tr.Active("c1")
	if len(got) != 2 || got[0].UserID != "amy" || got[1].UserID != "zed" {
		t.Errorf("Active() = %+v", got)
	}
}

func TestPublishesOnMembershipChange(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("typing.", 10)
	defer sub.Unsubscribe()

	tr, clock := newTestTracker(b)
	tr.Start("c1", "doc", "")
	tr.Start("c1", "doc", "") // refresh only
	clock.advance(6 * time.Second)
	tr.Sweep()

	if len(sub.C) != 2 {
		t.Errorf("events = %d, want 2 (start and expiry)", len(sub.C))
	}
}
