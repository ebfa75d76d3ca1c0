/*
Package dispatchtest provides a dispatcher for tests that executes
posted callbacks and timer fires under explicit test control.
*/
package dispatchtest

import (
	"time"

	"github.com/weirproxy/weir/dispatch"
)

// Manual is a dispatch.Dispatcher whose queue is drained only when
// the test calls RunPending, and whose timers fire only when the test
// calls Fire.
type Manual struct {
	queue  []func()
	Timers []*ManualTimer
}

// New returns an empty manual dispatcher.
func New() *Manual {
	return &Manual{}
}

func (m *Manual) Post(f func()) {
	m.queue = append(m.queue, f)
}

func (m *Manual) CreateTimer(cb func()) dispatch.Timer {
	t := &ManualTimer{dispatcher: m, cb: cb}
	m.Timers = append(m.Timers, t)
	return t
}

func (m *Manual) Stop() {}

// Pending returns the number of queued callbacks.
func (m *Manual) Pending() int {
	return len(m.queue)
}

// RunPending executes queued callbacks in FIFO order until the queue
// is empty, including callbacks posted while draining.
func (m *Manual) RunPending() {
	for len(m.queue) > 0 {
		f := m.queue[0]
		m.queue = m.queue[1:]
		f()
	}
}

// ManualTimer records its armed state and fires only on request.
type ManualTimer struct {
	dispatcher *Manual
	cb         func()
	Armed      bool
	Duration   time.Duration
}

func (t *ManualTimer) Enable(d time.Duration) {
	t.Armed = true
	t.Duration = d
}

func (t *ManualTimer) Disable() {
	t.Armed = false
}

// Fire disarms the timer and runs its callback, followed by anything
// the callback posted.
func (t *ManualTimer) Fire() {
	if !t.Armed {
		return
	}

	t.Armed = false
	t.cb()
	t.dispatcher.RunPending()
}
