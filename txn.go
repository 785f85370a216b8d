// txn.go: transaction context (component C3)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// Go has no portable thread-local storage, so a transaction context is an
// explicit scoped handle returned by System.Begin, with the System
// tracking at most one active handle per caller-supplied workerID.
package fineline

import "sync/atomic"

type txnState int32

const (
	txnActive txnState = iota
	txnCommitting
	txnDurable
	txnAborted
)

// Txn is a transaction-scoped handle over a private log. Exactly one Txn
// may be active for a given workerID at a time (enforced by System.Begin).
type Txn struct {
	workerID int64
	sys      *System
	plog     *PrivateLog
	state    atomic.Int32
}

func newTxn(sys *System, workerID int64) *Txn {
	t := &Txn{
		workerID: workerID,
		sys:      sys,
		plog:     NewPrivateLog(sys.cfg.PageSize),
	}
	t.state.Store(int32(txnActive))
	return t
}

// GetPlog returns the transaction's private log, for callers that want to
// inspect or iterate it directly (recovery tooling, tests).
func (t *Txn) GetPlog() *PrivateLog { return t.plog }

// log appends a record to the transaction's private log. Unexported: callers
// log through ObjectLogger.Log, which supplies the object/seq header.
func (t *Txn) log(hdr RecordHeader, args ...any) error {
	if txnState(t.state.Load()) != txnActive {
		return ErrInactiveContext
	}
	return t.plog.Log(hdr, args...)
}

// Commit hands every page in the private log to the commit buffer and
// blocks until the last one is durably hardened. On success the context
// transitions to Durable and is released for reuse by the same workerID.
func (t *Txn) Commit() error {
	if !t.state.CompareAndSwap(int32(txnActive), int32(txnCommitting)) {
		return ErrInactiveContext
	}
	defer t.sys.release(t.workerID)

	epoch, err := t.plog.InsertIntoBuffer(t.sys.commitBuffer)
	if err != nil {
		t.state.Store(int32(txnAborted))
		return err
	}
	if epoch == 0 {
		// Nothing was logged; trivially durable.
		t.state.Store(int32(txnDurable))
		return nil
	}
	if !t.sys.flusher.WaitUntilHardened(epoch) {
		return ErrShutdown
	}
	t.state.Store(int32(txnDurable))
	return nil
}

// Abort discards the private log without committing any of it. The context
// transitions to Aborted and is released for reuse by the same workerID.
func (t *Txn) Abort() error {
	if !t.state.CompareAndSwap(int32(txnActive), int32(txnAborted)) {
		return ErrInactiveContext
	}
	t.sys.release(t.workerID)
	return nil
}
