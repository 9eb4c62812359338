// internal/types/interfaces.go
package types

import "time"

// Timer is a pending callback that can be cancelled before it fires.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already ran
	// or was already stopped.
	Stop() bool
}

// Scheduler runs callbacks on the conversation's logical thread.
type Scheduler interface {
	// Post queues fn to run after every callback already queued.
	Post(fn func())
	// AfterFunc queues fn to run once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}
