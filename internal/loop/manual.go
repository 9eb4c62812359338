package loop

import (
	"sort"
	"sync"
	"time"

	"github.com/user/chatrecipe/internal/types"
)

// Manual is a deterministic Scheduler driven by the caller. Nothing runs
// until Drain or Advance is called, which makes timer races reproducible in
// tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	queue   []func()
	timers  []*manualTimer
	counter int
}

// NewManual creates a Manual scheduler at virtual time zero.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, fn)
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) types.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	t := &manualTimer{at: m.now + d, seq: m.counter, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Drain runs posted callbacks until none remain.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves virtual time forward by d, firing due timers in deadline
// order and draining posted callbacks between them.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.Slice(m.timers, func(i, j int) bool {
			if m.timers[i].at == m.timers[j].at {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].at < m.timers[j].at
		})
		var next *manualTimer
		for len(m.timers) > 0 {
			t := m.timers[0]
			if t.stopped {
				m.timers = m.timers[1:]
				continue
			}
			if t.at <= target {
				next = t
				m.timers = m.timers[1:]
			}
			break
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			m.Drain()
			return
		}
		m.now = next.at
		next.fired = true
		m.mu.Unlock()

		next.fn()
		m.Drain()
	}
}

// Pending reports the number of timers that have neither fired nor been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type manualTimer struct {
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
