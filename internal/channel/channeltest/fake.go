// Package channeltest provides an in-memory channel.Adapter for tests.
package channeltest

import (
	"context"
	"sync"

	"github.com/user/chatrecipe/internal/channel"
	"github.com/user/chatrecipe/internal/types"
)

// Fake records emitted requests and lets tests deliver events. Deliveries
// run handlers synchronously on the caller's goroutine.
type Fake struct {
	ClientID types.ClientID

	mu        sync.Mutex
	emitted   []channel.Request
	emitErr   error
	connected bool
	closed    bool
	subs      channel.Subscribers
}

// New returns a connected Fake.
func New() *Fake {
	return &Fake{ClientID: "test-client", connected: true}
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return channel.ErrClosed
	}
	f.connected = true
	f.mu.Unlock()
	f.subs.Dispatch(channel.Event{Name: channel.EventConnect})
	return nil
}

func (f *Fake) Emit(_ context.Context, req channel.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.closed:
		return channel.ErrClosed
	case f.emitErr != nil:
		return f.emitErr
	case !f.connected:
		return channel.ErrNotConnected
	}
	if req.ClientID == "" {
		req.ClientID = f.ClientID
	}
	f.emitted = append(f.emitted, req)
	return nil
}

func (f *Fake) Subscribe(h channel.Handler) (channel.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, channel.ErrClosed
	}
	return f.subs.Add(h), nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.mu.Unlock()
	f.subs.Clear()
	return nil
}

// FailEmits makes every following Emit return err. Pass nil to restore.
func (f *Fake) FailEmits(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitErr = err
}

// Disconnect simulates a transport drop.
func (f *Fake) Disconnect(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.subs.Dispatch(channel.Event{Name: channel.EventDisconnect, Reason: reason})
}

// Emitted returns a copy of every request emitted so far.
func (f *Fake) Emitted() []channel.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Request(nil), f.emitted...)
}

// Last returns the most recent request, or false if none was emitted.
func (f *Fake) Last() (channel.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.emitted) == 0 {
		return channel.Request{}, false
	}
	return f.emitted[len(f.emitted)-1], true
}

// Subscribers returns the number of live subscriptions.
func (f *Fake) Subscribers() int {
	return f.subs.Len()
}

// Deliver sends a content event to every subscriber.
func (f *Fake) Deliver(name string, p channel.Payload) {
	f.subs.Dispatch(channel.Event{Name: name, Payload: p})
}

// Chunk delivers a streaming chunk on the named stream.
func (f *Fake) Chunk(name, data, messageID string) {
	f.Deliver(name, channel.Payload{Streaming: true, Data: data, MessageID: messageID})
}

// Complete delivers a completion on the named stream.
func (f *Fake) Complete(name string) {
	f.Deliver(name, channel.Payload{Complete: true})
}

// Fail delivers an error on the named stream.
func (f *Fake) Fail(name, msg string, kind channel.ErrorKind) {
	f.Deliver(name, channel.Payload{Error: msg, Kind: kind})
}

// AckStop delivers a stop acknowledgement.
func (f *Fake) AckStop() {
	f.Deliver(channel.EventStopAcknowledged, channel.Payload{StopAcknowledged: true})
}

var _ channel.Adapter = (*Fake)(nil)
