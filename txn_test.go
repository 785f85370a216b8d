package fineline

import "testing"

func TestTxnCommitMakesRecordsFetchable(t *testing.T) {
	sys := newTestSystem(t)
	txn, err := sys.Begin(1)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	id := sys.NextObjectID()
	var ol ObjectLogger
	ol.Initialize(txn, id, true)
	ol.Log(txn, RecInsert, uint64(42))

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	s := sys.Fetch(id)
	var count int
	for {
		if _, _, ok := s.Next(); !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("fetched %d records after commit, want 2", count)
	}
}

func TestTxnAbortDiscardsRecords(t *testing.T) {
	sys := newTestSystem(t)
	txn, err := sys.Begin(1)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	id := sys.NextObjectID()
	var ol ObjectLogger
	ol.Initialize(txn, id, true)

	if err := txn.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	s := sys.Fetch(id)
	if _, _, ok := s.Next(); ok {
		t.Fatalf("aborted transaction's records should never become durable")
	}
}

func TestTxnOperationsAfterCommitFail(t *testing.T) {
	sys := newTestSystem(t)
	txn, _ := sys.Begin(1)
	txn.Commit()

	if err := txn.log(RecordHeader{ObjectID: 1, SeqNum: 1, Type: RecInsert}); err != ErrInactiveContext {
		t.Fatalf("log after Commit = %v, want ErrInactiveContext", err)
	}
	if err := txn.Commit(); err != ErrInactiveContext {
		t.Fatalf("second Commit = %v, want ErrInactiveContext", err)
	}
	if err := txn.Abort(); err != ErrInactiveContext {
		t.Fatalf("Abort after Commit = %v, want ErrInactiveContext", err)
	}
}
