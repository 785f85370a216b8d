package fineline

import "testing"

func TestObjectLoggerConstructAndLog(t *testing.T) {
	sys := newTestSystem(t)
	txn, err := sys.Begin(1)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	id := sys.NextObjectID()
	var ol ObjectLogger
	if err := ol.Initialize(txn, id, true); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := ol.Log(txn, RecInsert, uint64(7)); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	var types []RecordType
	err = Recover(sys.fileLog, sys.index, id, func(recType RecordType, payload []byte) error {
		types = append(types, recType)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(types) != 2 || types[0] != RecConstruct || types[1] != RecInsert {
		t.Fatalf("recovered record types = %v, want [Construct, Insert]", types)
	}
}

func TestObjectLoggerRejectsReservedType(t *testing.T) {
	sys := newTestSystem(t)
	txn, err := sys.Begin(1)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	var ol ObjectLogger
	ol.Initialize(txn, 1, false)
	if err := ol.Log(txn, recReservedCompensation); err != ErrReservedRecordType {
		t.Fatalf("Log with reserved type = %v, want ErrReservedRecordType", err)
	}
}

func TestObjectLoggerIDsAreSequentialFromOne(t *testing.T) {
	sys := newTestSystem(t)
	a := sys.NextObjectID()
	b := sys.NextObjectID()
	if b != a+1 {
		t.Fatalf("NextObjectID sequence = %d, %d, want consecutive", a, b)
	}
	if a < 1 {
		t.Fatalf("NextObjectID should start at 1, got %d", a)
	}
}
