// Package messagelog holds the ordered, deduplicated message list of one
// conversation. Every mutation produces a fresh snapshot that subscribers
// observe in mutation order.
//
// A Log is not safe for concurrent use; it is owned by the event loop.
package messagelog

import (
	"slices"

	"github.com/user/chatrecipe/internal/types"
)

// Snapshot is a point-in-time copy of the log.
type Snapshot struct {
	// Seq increases by one on every mutation.
	Seq      uint64
	Messages []types.Message
}

// Log is an ordered message collection.
type Log struct {
	msgs   []types.Message
	seq    uint64
	subs   map[int]func(Snapshot)
	nextID int
}

// New returns a log holding seed.
func New(seed ...types.Message) *Log {
	return &Log{
		msgs: slices.Clone(seed),
		subs: make(map[int]func(Snapshot)),
	}
}

// Append adds msg at the end unless a message with the same text and sender
// is already present. It reports whether the log changed.
func (l *Log) Append(msg types.Message) bool {
	for _, m := range l.msgs {
		if m.Text == msg.Text && m.Sender == msg.Sender {
			return false
		}
	}
	next := make([]types.Message, len(l.msgs), len(l.msgs)+1)
	copy(next, l.msgs)
	l.commit(append(next, msg))
	return true
}

// Update replaces the contents with fn applied to a copy of the current
// messages. fn must not retain its argument.
func (l *Log) Update(fn func([]types.Message) []types.Message) {
	l.commit(slices.Clone(fn(slices.Clone(l.msgs))))
}

// Clear resets the log to seed, typically empty or the welcome message.
func (l *Log) Clear(seed ...types.Message) {
	l.commit(slices.Clone(seed))
}

// Reset replaces the contents with msgs, as after a load.
func (l *Log) Reset(msgs []types.Message) {
	l.commit(slices.Clone(msgs))
}

// Snapshot returns a copy of the current contents.
func (l *Log) Snapshot() Snapshot {
	return Snapshot{Seq: l.seq, Messages: slices.Clone(l.msgs)}
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.msgs)
}

// Find returns the message with id.
func (l *Log) Find(id types.MessageID) (types.Message, bool) {
	for _, m := range l.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return types.Message{}, false
}

// Subscribe registers fn to receive every subsequent snapshot. The returned
// func removes the subscription and is safe to call more than once.
func (l *Log) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	return func() { delete(l.subs, id) }
}

func (l *Log) commit(next []types.Message) {
	l.msgs = next
	l.seq++
	if len(l.subs) == 0 {
		return
	}
	ids := make([]int, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fn, ok := l.subs[id]
		if !ok {
			continue
		}
		fn(Snapshot{Seq: l.seq, Messages: slices.Clone(next)})
	}
}

// Edit returns a copy of msgs with fn applied to the message with id. It
// reports false when id is absent.
func Edit(msgs []types.Message, id types.MessageID, fn func(*types.Message)) ([]types.Message, bool) {
	for i := range msgs {
		if msgs[i].ID == id {
			out := slices.Clone(msgs)
			fn(&out[i])
			return out, true
		}
	}
	return msgs, false
}

// Without returns msgs minus every message for which drop reports true.
func Without(msgs []types.Message, drop func(types.Message) bool) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if !drop(m) {
			out = append(out, m)
		}
	}
	return out
}

// IsPlaceholder reports whether m is a loading placeholder.
func IsPlaceholder(m types.Message) bool {
	return m.IsLoadingPlaceholder
}
