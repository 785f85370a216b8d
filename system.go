// system.go: top-level wiring for the write/commit/persist pipeline
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// System is the single struct owning configuration, the background
// workers, and the public surface callers use, with Open/Close as the
// lifecycle entry points.
package fineline

import (
	"os"
	"sync"
	"sync/atomic"
)

// System is the engine: it owns the whole write/commit/persist pipeline
// (private logs feed the commit buffer, which feeds the ring, which feeds
// the flusher, which feeds the file log and block index) plus the
// background watchdog that keeps low-traffic commits moving.
type System struct {
	cfg Config

	ca           *ConsolidationArray
	ring         *EpochRing
	commitBuffer *CommitBuffer
	fileLog      *FileLog
	index        *BlockIndex
	flusher      *Flusher
	watchdog     *Watchdog

	activeMu     sync.Mutex
	active       map[int64]*Txn
	nextObjectID atomic.Uint64
}

// Open validates cfg, prepares the log directory (optionally formatting
// it), and starts the flusher and watchdog goroutines.
func Open(cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Format {
		if err := formatLogDir(&cfg); err != nil {
			return nil, err
		}
	}

	index, err := NewBlockIndex(cfg.indexFilePath())
	if err != nil {
		return nil, err
	}

	fileLog, err := OpenFileLog(&cfg, index)
	if err != nil {
		return nil, err
	}

	ring := NewEpochRing(cfg.RingDepth, cfg.PageSize)
	ca := NewConsolidationArray(cfg.ActiveSlots, cfg.PageSize)
	commitBuffer := NewCommitBuffer(ring, ca)
	flusher := NewFlusher(ring, fileLog)
	flusher.Start()
	watchdog := NewWatchdog(commitBuffer, cfg.WatchdogTimeout)
	watchdog.Start()

	return &System{
		cfg:          cfg,
		ca:           ca,
		ring:         ring,
		commitBuffer: commitBuffer,
		fileLog:      fileLog,
		index:        index,
		flusher:      flusher,
		watchdog:     watchdog,
		active:       make(map[int64]*Txn),
	}, nil
}

func formatLogDir(cfg *Config) error {
	if err := os.RemoveAll(cfg.LogPath); err != nil {
		return ioError("format: remove log dir", err)
	}
	if err := os.MkdirAll(cfg.LogPath, 0755); err != nil {
		return ioError("format: recreate log dir", err)
	}
	return nil
}

// Close stops the watchdog and flusher, waits for outstanding pages to
// drain, snapshots the block index, and closes the file log.
func (s *System) Close() error {
	s.watchdog.Stop()
	s.flusher.Shutdown()
	if err := s.index.Snapshot(); err != nil {
		return err
	}
	return s.fileLog.Close()
}

// Begin opens a new transaction context for workerID. Only one context may
// be active for a given workerID at a time; a second Begin before the first
// commits or aborts returns ErrAlreadyInitialized.
func (s *System) Begin(workerID int64) (*Txn, error) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if _, exists := s.active[workerID]; exists {
		return nil, ErrAlreadyInitialized
	}
	t := newTxn(s, workerID)
	s.active[workerID] = t
	return t, nil
}

func (s *System) release(workerID int64) {
	s.activeMu.Lock()
	delete(s.active, workerID)
	s.activeMu.Unlock()
}

// NextObjectID returns the next value from this System's object id
// counter, starting at 1. Each System has its own counter.
func (s *System) NextObjectID() uint64 {
	return s.nextObjectID.Add(1)
}

// Fetch returns a scan over every durable record for the given object id.
func (s *System) Fetch(objectID uint64) *Scan {
	return fetch(s.fileLog, s.index, objectID)
}

// Scan returns a scan over every durable record passing filter, in forward
// or reverse block order.
func (s *System) Scan(forward bool, filter RecordFilter) *Scan {
	return newScan(s.fileLog, s.index, forward, filter)
}

// HardenedEpoch returns the most recently durably-flushed epoch.
func (s *System) HardenedEpoch() Epoch {
	return s.flusher.HardenedEpoch()
}

// AdvanceRetentionWatermark raises the oldest epoch the file recycler still
// treats as needed; level-0 files entirely older than it become eligible
// for deletion once LogRecycle is enabled. The watermark never regresses.
// Retention policy is caller-driven by design: only the caller knows when
// an object's state has been durably captured elsewhere and its earlier
// epochs are safe to reclaim, so this is never advanced automatically.
func (s *System) AdvanceRetentionWatermark(e Epoch) {
	s.index.SetOldestNeededEpoch(e)
}
