package fineline

import (
	"sync"
	"testing"
)

func TestCommitBufferSingleGroup(t *testing.T) {
	ring := NewEpochRing(4, 4096)
	ca := NewConsolidationArray(3, 4096)
	cb := NewCommitBuffer(ring, ca)

	plog := NewLogPage(1024)
	plog.TryInsert(RecordHeader{ObjectID: 1, SeqNum: 1, Type: RecInsert}, uint64(100))
	plog.TryInsert(RecordHeader{ObjectID: 1, SeqNum: 2, Type: RecInsert}, uint64(200))

	epoch, err := cb.Insert(plog)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if epoch != InitialEpoch {
		t.Fatalf("epoch = %d, want %d", epoch, InitialEpoch)
	}

	if !cb.CloseIdleCurrent() {
		t.Fatalf("CloseIdleCurrent should close the non-empty current page")
	}
	handle, ok := ring.Consume()
	if !ok {
		t.Fatalf("Consume() failed after closing current page")
	}
	defer handle.Release()

	if handle.Page.SlotCount() != 2 {
		t.Fatalf("shared page has %d slots, want 2", handle.Page.SlotCount())
	}
}

func TestCommitBufferConcurrentGroups(t *testing.T) {
	ring := NewEpochRing(8, 1<<16)
	ca := NewConsolidationArray(3, 1<<16)
	cb := NewCommitBuffer(ring, ca)

	const writers = 8
	const recordsPer = 20

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			plog := NewLogPage(4096)
			for i := 0; i < recordsPer; i++ {
				plog.TryInsert(RecordHeader{ObjectID: uint64(w), SeqNum: uint64(i + 1), Type: RecInsert}, uint64(w*1000+i))
			}
			if _, err := cb.Insert(plog); err != nil {
				t.Errorf("writer %d: Insert failed: %v", w, err)
			}
		}(w)
	}
	wg.Wait()

	cb.CloseIdleCurrent()
	handle, ok := ring.Consume()
	if !ok {
		t.Fatalf("Consume() failed")
	}
	defer handle.Release()

	if got := handle.Page.SlotCount(); got != writers*recordsPer {
		t.Fatalf("shared page has %d slots, want %d (no records lost or duplicated)", got, writers*recordsPer)
	}

	seen := make(map[uint64]bool)
	it := handle.Page.Iterate(true)
	for {
		hdr, payload, ok := it.Next()
		if !ok {
			break
		}
		d := NewArgDecoder(payload)
		v, err := d.Uint64()
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		want := hdr.ObjectID*1000 + (hdr.SeqNum - 1)
		if v != want {
			t.Fatalf("payload %d does not match expected %d for object %d seq %d", v, want, hdr.ObjectID, hdr.SeqNum)
		}
		key := hdr.ObjectID*1000000 + hdr.SeqNum
		if seen[key] {
			t.Fatalf("duplicate record for object %d seq %d", hdr.ObjectID, hdr.SeqNum)
		}
		seen[key] = true
	}
}
