package fineline

import "testing"

func TestLogPageTryInsertAndIterate(t *testing.T) {
	p := NewLogPage(4096)

	for i := uint64(0); i < 5; i++ {
		hdr := RecordHeader{ObjectID: i, SeqNum: 1, Type: RecInsert}
		if !p.TryInsert(hdr, i) {
			t.Fatalf("TryInsert(%d) failed unexpectedly", i)
		}
	}
	if p.SlotCount() != 5 {
		t.Fatalf("SlotCount() = %d, want 5", p.SlotCount())
	}

	it := p.Iterate(true)
	var seen []uint64
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
		if v != hdr.ObjectID {
			t.Fatalf("payload %d does not match header object id %d", v, hdr.ObjectID)
		}
		seen = append(seen, hdr.ObjectID)
	}
	if len(seen) != 5 {
		t.Fatalf("iterated %d records, want 5", len(seen))
	}
}

func TestLogPageCapacityExceeded(t *testing.T) {
	p := NewLogPage(slotEntrySize + 4) // room for exactly one near-empty slot
	hdr := RecordHeader{ObjectID: 1, SeqNum: 1, Type: RecInsert}
	if !p.TryInsert(hdr) {
		t.Fatalf("first TryInsert should fit in a freshly allocated page")
	}
	if p.TryInsert(hdr, uint64(0)) {
		t.Fatalf("second TryInsert should fail: page has no room left")
	}
}

func TestLogPageTryInsertRawRejectsOversizedPayload(t *testing.T) {
	p := NewLogPage(1 << 20) // byte capacity well above uint16 max; only the payload length field limits this
	hdr := RecordHeader{ObjectID: 1, SeqNum: 1, Type: RecInsert}
	oversized := make([]byte, 1<<16) // one past math.MaxUint16
	if p.TryInsertRaw(hdr, oversized) {
		t.Fatalf("TryInsertRaw should reject a payload RecordHeader.Length cannot represent")
	}
	if p.SlotCount() != 0 {
		t.Fatalf("rejected TryInsertRaw must not mutate the page, got SlotCount()=%d", p.SlotCount())
	}

	fits := make([]byte, 1<<16-1) // exactly math.MaxUint16
	if !p.TryInsertRaw(hdr, fits) {
		t.Fatalf("TryInsertRaw should accept a payload at exactly the uint16 length limit")
	}
}

func TestLogPageReserveWriteAtDisjointRanges(t *testing.T) {
	p := NewLogPage(4096)

	s1, o1, ok := p.Reserve(2, 16)
	if !ok {
		t.Fatalf("first Reserve failed")
	}
	s2, o2, ok := p.Reserve(1, 8)
	if !ok {
		t.Fatalf("second Reserve failed")
	}
	if s2 != s1+2 || o2 != o1+16 {
		t.Fatalf("second reservation overlaps first: s1=%d o1=%d s2=%d o2=%d", s1, o1, s2, o2)
	}

	p.WriteAt(s2, o2, RecordHeader{ObjectID: 7, SeqNum: 1, Type: RecInsert}, []byte{0xAA})
	if got := p.Payload(s2); len(got) != 1 || got[0] != 0xAA {
		t.Fatalf("WriteAt did not land at the reserved offset: got %v", got)
	}
}

func TestLogPageSortSlots(t *testing.T) {
	p := NewLogPage(4096)
	ids := []uint64{5, 1, 3, 2, 4}
	for _, id := range ids {
		p.TryInsert(RecordHeader{ObjectID: id, SeqNum: 1, Type: RecInsert})
	}
	p.SortSlots()

	prev := uint64(0)
	for i := 0; i < p.SlotCount(); i++ {
		id := p.Header(i).ObjectID
		if id < prev {
			t.Fatalf("slots not sorted: slot %d has object id %d after %d", i, id, prev)
		}
		prev = id
	}
}

func TestLogPageGhostMarking(t *testing.T) {
	p := NewLogPage(4096)
	p.TryInsert(RecordHeader{ObjectID: 1, SeqNum: 1, Type: RecRemove})
	if p.IsGhost(0) {
		t.Fatalf("freshly inserted slot should not be a ghost")
	}
	p.MarkGhost(0)
	if !p.IsGhost(0) {
		t.Fatalf("MarkGhost did not tombstone the slot")
	}
}

func TestLogPageClearAndEmpty(t *testing.T) {
	p := NewLogPage(4096)
	if !p.Empty() {
		t.Fatalf("new page should be empty")
	}
	p.TryInsert(RecordHeader{ObjectID: 1, SeqNum: 1, Type: RecInsert})
	if p.Empty() {
		t.Fatalf("page with one record should not be empty")
	}
	p.Clear()
	if !p.Empty() {
		t.Fatalf("Clear should reset the page to empty")
	}
}
