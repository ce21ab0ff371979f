// Package loop runs every state mutation of the sync daemon on a single
// goroutine. Tasks run to completion in submission order, so the stores they
// touch need no locking.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when a task is submitted to a loop that has stopped.
var ErrStopped = errors.New("loop stopped")

// Loop is a single-goroutine task executor.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	started bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a loop. Call Start to begin executing tasks.
func New(logger *zap.Logger) *Loop {
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the loop in a new goroutine until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop terminates the loop and waits for the running task to finish.
// Queued tasks that have not started are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })

	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		<-l.done
	}
}

// Post queues fn for execution and returns immediately. It reports false if
// the loop has stopped. Post never blocks, so tasks may post follow-up tasks.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for its result. It must not be called from
// a loop task.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The task may have completed just before the loop exited.
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Every posts fn to the loop on each tick of interval until ctx is cancelled
// or the loop stops. A tick is skipped if the previous one is still queued.
func (l *Loop) Every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var mu sync.Mutex
		pending := false
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				if pending {
					mu.Unlock()
					continue
				}
				pending = true
				mu.Unlock()
				l.Post(func() {
					mu.Lock()
					pending = false
					mu.Unlock()
					fn()
				})
			case <-ctx.Done():
				return
			case <-l.quit:
				return
			}
		}
	}()
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-l.wake:
			l.drain()
		case <-ctx.Done():
			l.stopOnce.Do(func() { close(l.quit) })
			return
		case <-l.quit:
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			select {
			case <-l.quit:
				return
			default:
			}
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
		}
	}()
	fn()
}
