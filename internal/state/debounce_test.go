package state

import (
	"testing"
	"time"

	"github.com/user/chatrecipe/internal/loop"
	"github.com/user/chatrecipe/internal/types"
)

type recordedWrite struct {
	key types.StorageKey
	n   int
}

func newTestDebouncer() (*loop.Manual, *Debouncer, *[]recordedWrite) {
	sched := loop.NewManual()
	var writes []recordedWrite
	d := NewDebouncer(sched, 500*time.Millisecond, func(key types.StorageKey, msgs []types.Message) {
		writes = append(writes, recordedWrite{key, len(msgs)})
	})
	return sched, d, &writes
}

func TestDebouncerCollapsesBursts(t *testing.T) {
	sched, d, writes := newTestDebouncer()

	for i := 1; i <= 5; i++ {
		d.Schedule("home", conversation(i, 0))
		sched.Advance(100 * time.Millisecond)
	}
	if len(*writes) != 0 {
		t.Fatalf("expected no writes inside the window, got %v", *writes)
	}

	sched.Advance(500 * time.Millisecond)
	if len(*writes) != 1 || (*writes)[0].n != 5 {
		t.Fatalf("expected one write of the latest snapshot, got %v", *writes)
	}
}

func TestDebouncerFlush(t *testing.T) {
	sched, d, writes := newTestDebouncer()

	d.Schedule("video:a", conversation(2, 0))
	if !d.Flush("video:a") {
		t.Fatal("expected a pending write to flush")
	}
	if d.Flush("video:a") {
		t.Error("second flush should find nothing")
	}

	sched.Advance(time.Second)
	if len(*writes) != 1 {
		t.Errorf("flushed write must not fire again, got %v", *writes)
	}
}

func TestDebouncerCancelAndKeys(t *testing.T) {
	sched, d, writes := newTestDebouncer()

	d.Schedule("video:a", conversation(1, 0))
	d.Schedule("video:b", conversation(2, 0))
	d.Cancel("video:a")
	if d.Pending("video:a") || !d.Pending("video:b") {
		t.Fatal("unexpected pending state")
	}

	sched.Advance(time.Second)
	if len(*writes) != 1 || (*writes)[0].key != "video:b" {
		t.Errorf("expected only video:b written, got %v", *writes)
	}
}
