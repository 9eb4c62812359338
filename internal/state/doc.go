// Package state persists conversations. A Store encodes message lists into
// size-bounded records on a Backend; a Writer runs store operations on
// ordered per-key lanes; a Debouncer collapses bursts of saves.
package state

// Compile-time interface compliance checks.
var (
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*BoltBackend)(nil)
	_ Backend = (*MemBackend)(nil)
)
