// objectlogger.go: per-object redo logging and recovery (component C12)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// Recovery replays one object's records in sequence order through a
// caller-supplied dispatch function, rather than a virtual method table.
package fineline

// ObjectLogger tracks one object's identity and log sequence number. Every
// record it emits carries (ObjectID, ++seq), giving recovery a strictly
// increasing per-object order to replay.
type ObjectLogger struct {
	id  uint64
	seq uint64
}

// Initialize sets the logger's object id. When logIt is true, a Construct
// record is emitted to txn's plog -- the durable marker that this object
// instance came into existence.
func (o *ObjectLogger) Initialize(txn *Txn, id uint64, logIt bool) error {
	o.id = id
	o.seq = 0
	if !logIt {
		return nil
	}
	return o.Log(txn, RecConstruct)
}

// ObjectID returns the id this logger was initialized with.
func (o *ObjectLogger) ObjectID() uint64 { return o.id }

// Log constructs a header {id, ++seq, type} and forwards it, with args
// encoded as the payload, to txn's private log.
func (o *ObjectLogger) Log(txn *Txn, recType RecordType, args ...any) error {
	if recType == recReservedCompensation {
		return ErrReservedRecordType
	}
	o.seq++
	hdr := RecordHeader{ObjectID: o.id, SeqNum: o.seq, Type: recType}
	return txn.log(hdr, args...)
}

// RedoFunc applies one recovered record to the object being replayed. The
// object's implementer supplies this dispatch, keyed by record type.
type RedoFunc func(recType RecordType, payload []byte) error

// Recover replays every record logged for objectID, in seq order, applying
// redo to each. Intended to be called against an otherwise-empty instance
// right after construction. Checkpoint markers carry no payload and are
// skipped rather than passed to redo.
func Recover(log *FileLog, index *BlockIndex, objectID uint64, redo RedoFunc) error {
	s := fetch(log, index, objectID)
	for {
		hdr, payload, ok := s.Next()
		if !ok {
			return nil
		}
		if hdr.Type == RecCheckpoint {
			continue
		}
		if err := redo(hdr.Type, payload); err != nil {
			return err
		}
	}
}
