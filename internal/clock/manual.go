package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Timers fire
// only when Advance moves the clock past their deadline; AfterFunc callbacks
// run synchronously on the goroutine calling Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	m   *Manual
	id  uint64
	at  time.Time
	ch  chan time.Time
	fn  func()
	arm bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	return m.NewTimer(d).C()
}

// NewTimer schedules a channel timer.
func (m *Manual) NewTimer(d time.Duration) Timer {
	t := &manualTimer{m: m, ch: make(chan time.Time, 1)}
	m.schedule(t, d)
	return t
}

// AfterFunc schedules f to run when the clock advances by d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	t := &manualTimer{m: m, fn: f}
	m.schedule(t, d)
	return t
}

func (m *Manual) schedule(t *manualTimer, d time.Duration) {
	m.mu.Lock()
	if d <= 0 && t.fn == nil {
		now := m.now
		m.mu.Unlock()
		t.ch <- now
		return
	}
	if d < 0 {
		d = 0
	}
	m.seq++
	t.id = m.seq
	t.at = m.now.Add(d)
	t.arm = true
	m.timers = append(m.timers, t)
	m.mu.Unlock()
}

func (m *Manual) removeLocked(t *manualTimer) bool {
	if !t.arm {
		return false
	}
	t.arm = false
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	return true
}

// Advance moves time forward by d and fires every timer that falls due, in
// deadline order. Timers scheduled by callbacks during the advance fire too
// when their deadline is within the window.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		due := m.nextDueLocked(target)
		if due == nil {
			break
		}
		m.removeLocked(due)
		if due.at.After(m.now) {
			m.now = due.at
		}
		now := m.now
		m.mu.Unlock()
		if due.fn != nil {
			due.fn()
		} else {
			select {
			case due.ch <- now:
			default:
			}
		}
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
	return target
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].id < m.timers[j].id
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	if m.timers[0].at.After(target) {
		return nil
	}
	return m.timers[0]
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (t *manualTimer) C() <-chan time.Time {
	return t.ch
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.drain()
	return t.m.removeLocked(t)
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.m.mu.Lock()
	t.drain()
	wasArmed := t.m.removeLocked(t)
	t.m.mu.Unlock()
	t.m.schedule(t, d)
	return wasArmed
}

func (t *manualTimer) drain() {
	if t.ch == nil {
		return
	}
	select {
	case <-t.ch:
	default:
	}
}
