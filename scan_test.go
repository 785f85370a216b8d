package fineline

import "testing"

func newScanTestLog(t *testing.T) (*FileLog, *BlockIndex) {
	t.Helper()
	cfg := testConfig(t)
	index, err := NewBlockIndex(cfg.indexFilePath())
	if err != nil {
		t.Fatalf("NewBlockIndex failed: %v", err)
	}
	fl, err := OpenFileLog(cfg, index)
	if err != nil {
		t.Fatalf("OpenFileLog failed: %v", err)
	}
	t.Cleanup(func() { fl.Close() })
	return fl, index
}

func TestScanFetchByKey(t *testing.T) {
	fl, index := newScanTestLog(t)

	p1 := NewLogPage(1024)
	p1.TryInsert(RecordHeader{ObjectID: 1, SeqNum: 1, Type: RecConstruct})
	p1.TryInsert(RecordHeader{ObjectID: 1, SeqNum: 2, Type: RecInsert}, uint64(10))
	p1.TryInsert(RecordHeader{ObjectID: 2, SeqNum: 1, Type: RecConstruct})
	p1.SortSlots()
	if err := fl.AppendPage(p1, InitialEpoch); err != nil {
		t.Fatalf("AppendPage failed: %v", err)
	}

	s := fetch(fl, index, 1)
	var count int
	for {
		hdr, _, ok := s.Next()
		if !ok {
			break
		}
		if hdr.ObjectID != 1 {
			t.Fatalf("fetch(1) yielded record for object %d", hdr.ObjectID)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("fetch(1) yielded %d records, want 2", count)
	}
}

func TestScanAllWithPredicate(t *testing.T) {
	fl, index := newScanTestLog(t)

	p := NewLogPage(1024)
	for i := uint64(1); i <= 5; i++ {
		p.TryInsert(RecordHeader{ObjectID: i, SeqNum: 1, Type: RecInsert})
	}
	p.SortSlots()
	if err := fl.AppendPage(p, InitialEpoch); err != nil {
		t.Fatalf("AppendPage failed: %v", err)
	}

	s := newScan(fl, index, true, func(hdr RecordHeader) bool { return hdr.ObjectID%2 == 0 })
	var ids []uint64
	for {
		hdr, _, ok := s.Next()
		if !ok {
			break
		}
		ids = append(ids, hdr.ObjectID)
	}
	if len(ids) != 2 {
		t.Fatalf("predicate scan yielded %d records, want 2 (even ids)", len(ids))
	}
}
