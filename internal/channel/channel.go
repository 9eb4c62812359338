// Package channel defines the duplex event channel between the conversation
// engine and the remote assistant.
package channel

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("channel closed")
	// ErrNotConnected is returned by Emit while the transport is down.
	ErrNotConnected = errors.New("channel not connected")
)

// Inbound event names.
const (
	EventConnect          = "connect"
	EventConnectError     = "connect_error"
	EventDisconnect       = "disconnect"
	EventResponse         = "response"
	EventContentStream    = "content_stream"
	EventStopAcknowledged = "stop_acknowledged"
)

// Event is one inbound delivery. Lifecycle events carry only Reason.
type Event struct {
	Name    string
	Payload Payload
	Reason  string
}

// Lifecycle reports whether e describes the connection rather than content.
func (e Event) Lifecycle() bool {
	switch e.Name {
	case EventConnect, EventConnectError, EventDisconnect:
		return true
	}
	return false
}

// Handler receives inbound events. It is called from the transport's
// goroutine and must not block.
type Handler func(Event)

// Subscription is a registered Handler.
type Subscription interface {
	// Unsubscribe stops delivery. Calling it more than once is harmless.
	Unsubscribe()
}

// Adapter is a connected duplex channel.
type Adapter interface {
	Connect(ctx context.Context) error
	Emit(ctx context.Context, req Request) error
	Subscribe(h Handler) (Subscription, error)
	Close() error
}

// Subscribers is a concurrency-safe handler registry shared by adapters.
type Subscribers struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
}

// Add registers h.
func (s *Subscribers) Add(h Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.handlers[id] = h
	return &subscription{subs: s, id: id}
}

// Dispatch delivers ev to every registered handler.
func (s *Subscribers) Dispatch(ev Event) {
	s.mu.RLock()
	hs := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// Len returns the number of registered handlers.
func (s *Subscribers) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Clear removes every handler.
func (s *Subscribers) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
}

type subscription struct {
	subs *Subscribers
	id   int
}

func (s *subscription) Unsubscribe() {
	s.subs.mu.Lock()
	defer s.subs.mu.Unlock()
	delete(s.subs.handlers, s.id)
}
