// flusher.go: single-consumer log flusher (component C8)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// A single background goroutine drains the epoch ring in order, sorting
// each page's slots, appending it to the file log, and advancing the
// hardened epoch watermark strictly by one per page.
package fineline

import (
	"sync"
)

// Flusher drains shared pages from an EpochRing, in epoch order, appending
// each to the file-based log and advancing the durably-hardened watermark.
// Exactly one goroutine runs the loop; wait_until_hardened callers block on
// a condition variable signaled after every advance.
type Flusher struct {
	ring *EpochRing
	log  *FileLog

	mu            sync.Mutex
	cond          *sync.Cond
	hardenedEpoch Epoch
	shutdown      bool
	runDone       chan struct{}
}

// NewFlusher builds a flusher over ring, appending hardened pages to log.
// hardenedEpoch should start at InitialEpoch-1 (no epoch yet hardened).
func NewFlusher(ring *EpochRing, log *FileLog) *Flusher {
	f := &Flusher{
		ring:          ring,
		log:           log,
		hardenedEpoch: InitialEpoch - 1,
		runDone:       make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Start launches the flush loop in its own goroutine.
func (f *Flusher) Start() {
	go f.run()
}

func (f *Flusher) run() {
	defer close(f.runDone)
	for {
		handle, ok := f.ring.Consume()
		if !ok {
			return
		}
		f.drain(handle)
	}
}

func (f *Flusher) drain(handle *PageHandle) {
	defer handle.Release()

	if handle.Page.Empty() {
		f.advance(handle.Epoch)
		return
	}

	handle.Page.SortSlots()
	if err := f.log.AppendPage(handle.Page, handle.Epoch); err != nil {
		// A file I/O failure here is unrecoverable for this page: there is
		// no durable destination for records already admitted past commit.
		// Panic surfaces it immediately instead of quietly advancing
		// hardenedEpoch over lost records.
		panic(&AssertionError{Msg: "flusher: append_page failed: " + err.Error()})
	}
	f.advance(handle.Epoch)
}

func (f *Flusher) advance(epoch Epoch) {
	f.mu.Lock()
	assertf(0, f.hardenedEpoch+1 == epoch, "flusher: epoch gap, hardened=%d next=%d", f.hardenedEpoch, epoch)
	f.hardenedEpoch = epoch
	f.mu.Unlock()
	f.cond.Broadcast()
}

// WaitUntilHardened blocks until epoch e has been durably flushed, or the
// ring has shut down. Returns false only in the shutdown case.
func (f *Flusher) WaitUntilHardened(e Epoch) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for e > f.hardenedEpoch {
		if f.shutdown {
			return false
		}
		f.cond.Wait()
	}
	return true
}

// HardenedEpoch returns the most recently hardened epoch.
func (f *Flusher) HardenedEpoch() Epoch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hardenedEpoch
}

// Shutdown stops the ring, wakes every WaitUntilHardened waiter, and blocks
// until the flush loop has drained and exited.
func (f *Flusher) Shutdown() {
	f.ring.Shutdown()
	<-f.runDone
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
	f.cond.Broadcast()
}
