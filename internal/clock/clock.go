package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from firing. It reports whether the call was
	// still pending.
	Stop() bool
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Mock is a Clock that only moves when told to. Timers fire synchronously
// from Advance and Set, in deadline order.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

// NewMock returns a Mock pinned at t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

// Now returns the mock time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers f to run once the mock time reaches now+d.
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{mock: m, at: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the mock time forward by d, firing due timers.
func (m *Mock) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the mock time to t, firing due timers. Timers created by fired
// callbacks also fire if they fall due before t.
func (m *Mock) Set(t time.Time) {
	for {
		m.mu.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool { return m.timers[i].at.Before(m.timers[j].at) })
		if len(m.timers) == 0 || m.timers[0].at.After(t) {
			if t.After(m.now) {
				m.now = t
			}
			m.mu.Unlock()
			return
		}
		next := m.timers[0]
		m.timers = m.timers[1:]
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()

		next.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type mockTimer struct {
	mock *Mock
	at   time.Time
	f    func()
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	for i, other := range t.mock.timers {
		if other == t {
			t.mock.timers = append(t.mock.timers[:i], t.mock.timers[i+1:]...)
			return true
		}
	}
	return false
}
