/*
Package dispatch provides the per-worker event loop that streams are
pinned to. All filter callbacks, continuations and timer fires for a
stream run on its loop, one at a time, so stream state needs no locks.
*/
package dispatch

import (
	"sync"
	"time"
)

// Dispatcher runs posted callbacks serially and schedules timers that
// fire on the same serial context.
type Dispatcher interface {

	// Post enqueues f to run after all previously posted callbacks.
	Post(f func())

	// CreateTimer returns a disabled timer that runs cb on the
	// dispatcher when it fires.
	CreateTimer(cb func()) Timer

	// Stop shuts the dispatcher down. Pending callbacks are dropped.
	Stop()
}

// Timer is a rearmable one-shot timer.
type Timer interface {

	// Enable arms the timer with d, rearming when already armed.
	Enable(d time.Duration)

	// Disable cancels the timer if armed.
	Disable()
}

// Loop is a Dispatcher backed by a single goroutine draining a FIFO
// work queue.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// NewLoop starts a new event loop.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}

			f := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			f()
		}
	}
}

func (l *Loop) Post(f func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}

	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) CreateTimer(cb func()) Timer {
	return &loopTimer{loop: l, cb: cb}
}

func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}

	l.stopped = true
	close(l.done)
}

type loopTimer struct {
	loop *Loop
	cb   func()
	mu   sync.Mutex
	t    *time.Timer
}

func (t *loopTimer) Enable(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}

	t.t = time.AfterFunc(d, func() {
		t.loop.Post(t.cb)
	})
}

func (t *loopTimer) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
