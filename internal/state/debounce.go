package state

import (
	"time"

	"github.com/user/chatrecipe/internal/types"
)

// DefaultDebounce is the window within which saves for one key collapse.
const DefaultDebounce = 500 * time.Millisecond

type pendingSave struct {
	msgs  []types.Message
	timer types.Timer
}

// Debouncer collapses repeated saves of a key into one write of the latest
// messages. It must only be used from the scheduler's goroutine.
type Debouncer struct {
	sched   types.Scheduler
	window  time.Duration
	write   func(types.StorageKey, []types.Message)
	pending map[types.StorageKey]*pendingSave
}

// NewDebouncer returns a Debouncer that calls write once a key has been
// quiet for window.
func NewDebouncer(sched types.Scheduler, window time.Duration, write func(types.StorageKey, []types.Message)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{
		sched:   sched,
		window:  window,
		write:   write,
		pending: make(map[types.StorageKey]*pendingSave),
	}
}

// Schedule records msgs as the latest state of key and restarts its timer.
func (d *Debouncer) Schedule(key types.StorageKey, msgs []types.Message) {
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
	} else {
		p = &pendingSave{}
		d.pending[key] = p
	}
	p.msgs = msgs
	p.timer = d.sched.AfterFunc(d.window, func() { d.fire(key, p) })
}

// Flush writes key's pending messages now. It reports whether anything was
// pending.
func (d *Debouncer) Flush(key types.StorageKey) bool {
	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	d.write(key, p.msgs)
	return true
}

// FlushAll writes every pending key.
func (d *Debouncer) FlushAll() {
	for key := range d.pending {
		d.Flush(key)
	}
}

// Cancel drops key's pending write.
func (d *Debouncer) Cancel(key types.StorageKey) {
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending reports whether key has a write waiting.
func (d *Debouncer) Pending(key types.StorageKey) bool {
	_, ok := d.pending[key]
	return ok
}

func (d *Debouncer) fire(key types.StorageKey, p *pendingSave) {
	// A Flush or Cancel may have replaced the entry since this timer was set.
	if d.pending[key] != p {
		return
	}
	delete(d.pending, key)
	d.write(key, p.msgs)
}
