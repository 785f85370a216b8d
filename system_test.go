package fineline

import (
	"testing"
	"time"
)

func newTestSystem(t *testing.T) *System {
	t.Helper()
	cfg := Config{LogPath: t.TempDir(), PageSize: 4096, WatchdogTimeout: 5 * time.Millisecond}
	sys, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	return sys
}

func TestOpenCloseRoundTrip(t *testing.T) {
	sys := newTestSystem(t)
	if sys == nil {
		t.Fatalf("Open returned nil system")
	}
}

func TestBeginRejectsDoubleActiveContext(t *testing.T) {
	sys := newTestSystem(t)
	if _, err := sys.Begin(1); err != nil {
		t.Fatalf("first Begin failed: %v", err)
	}
	if _, err := sys.Begin(1); err != ErrAlreadyInitialized {
		t.Fatalf("second Begin for the same workerID = %v, want ErrAlreadyInitialized", err)
	}
}

func TestBeginAllowsReuseAfterCommit(t *testing.T) {
	sys := newTestSystem(t)
	txn, err := sys.Begin(1)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := sys.Begin(1); err != nil {
		t.Fatalf("Begin after Commit should succeed, got %v", err)
	}
}

func TestFormatRemovesPriorContents(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{LogPath: dir, PageSize: 4096}
	sys, err := Open(cfg)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	txn, _ := sys.Begin(1)
	var ol ObjectLogger
	ol.Initialize(txn, sys.NextObjectID(), true)
	txn.Commit()
	sys.Close()

	cfg2 := Config{LogPath: dir, PageSize: 4096, Format: true}
	sys2, err := Open(cfg2)
	if err != nil {
		t.Fatalf("second Open with Format failed: %v", err)
	}
	defer sys2.Close()

	it := sys2.Scan(true, func(RecordHeader) bool { return true })
	if _, _, ok := it.Next(); ok {
		t.Fatalf("Format should have discarded prior records")
	}
}

func TestAdvanceRetentionWatermarkForwardsToIndex(t *testing.T) {
	sys := newTestSystem(t)
	if got := sys.index.OldestNeededEpoch(); got != InitialEpoch {
		t.Fatalf("fresh system's watermark = %d, want %d", got, InitialEpoch)
	}
	sys.AdvanceRetentionWatermark(50)
	if got := sys.index.OldestNeededEpoch(); got != 50 {
		t.Fatalf("watermark after AdvanceRetentionWatermark(50) = %d, want 50", got)
	}
	sys.AdvanceRetentionWatermark(10) // must never regress
	if got := sys.index.OldestNeededEpoch(); got != 50 {
		t.Fatalf("watermark regressed to %d after a lower AdvanceRetentionWatermark call", got)
	}
}
