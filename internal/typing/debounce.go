package typing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMinInterval = time.Second
	DefaultStopDelay   = 2 * time.Second
)

// Debouncer turns local keystrokes into typing_start/typing_stop signals.
// A start goes out only when the user was idle and at least minInterval has
// passed since the previous signal. A stop follows stopDelay after the last
// keystroke. Safe for concurrent use.
type Debouncer struct {
	send      func(typing bool)
	stopDelay time.Duration

	mu      sync.Mutex
	limiter *rate.Limiter
	typing  bool
	timer   *time.Timer
	gen     uint64
	closed  bool
}

// NewDebouncer creates a debouncer that reports signals through send. send
// is called outside the debouncer's lock and must not block for long.
func NewDebouncer(minInterval, stopDelay time.Duration, send func(typing bool)) *Debouncer {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if stopDelay <= 0 {
		stopDelay = DefaultStopDelay
	}
	return &Debouncer{
		send:      send,
		stopDelay: stopDelay,
		limiter:   rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Keystroke registers local input.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	start := false
	if !d.typing && d.limiter.Allow() {
		d.typing = true
		start = true
	}
	if d.typing {
		d.schedule()
	}
	d.mu.Unlock()

	if start {
		d.send(true)
	}
}

// Typing reports whether a start was sent without a matching stop.
func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

// Close cancels the pending stop and, if the user was mid-typing, sends the
// stop immediately. Later keystrokes are ignored.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	stop := d.typing
	d.typing = false
	d.mu.Unlock()

	if stop {
		d.send(false)
	}
}

// schedule (re)arms the stop timer. Callers hold d.mu.
func (d *Debouncer) schedule() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.stopDelay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.gen || !d.typing {
		d.mu.Unlock()
		return
	}
	d.typing = false
	// The start interval counts from the stop as well.
	d.limiter = rate.NewLimiter(d.limiter.Limit(), 1)
	d.limiter.Allow()
	d.mu.Unlock()

	d.send(false)
}
