// watchdog.go: idle-page timeout watchdog (component C7)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// A background goroutine periodically samples the commit buffer's current
// shared page so a low-traffic workload still gets its records durable
// within bounded time, without waiting for the page to fill.
package fineline

import (
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// Watchdog periodically samples the commit buffer's current page and closes
// it if it has seen no growth since the previous sample, so a page that
// never fills under light load is still handed to the flusher promptly.
type Watchdog struct {
	cb       *CommitBuffer
	interval time.Duration
	clock    *timecache.TimeCache

	stop    chan struct{}
	done    chan struct{}
	startMu sync.Mutex
	started bool
	stopped bool

	lastCloseMu sync.RWMutex
	lastClose   time.Time
}

// NewWatchdog builds a watchdog over cb, sampling every interval. It keeps
// its own cached clock (refreshed at the same granularity it samples at)
// rather than calling time.Now() on every tick.
func NewWatchdog(cb *CommitBuffer, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = defaultWatchdog
	}
	return &Watchdog{
		cb:       cb,
		interval: interval,
		clock:    timecache.NewWithResolution(interval),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling goroutine. Idempotent: a second call is a
// no-op.
func (w *Watchdog) Start() {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

// Stop halts the sampling goroutine and waits for it to exit. Safe to call
// even if Start was never called, and safe to call more than once.
func (w *Watchdog) Stop() {
	w.startMu.Lock()
	if !w.started || w.stopped {
		w.startMu.Unlock()
		return
	}
	w.stopped = true
	w.startMu.Unlock()

	close(w.stop)
	<-w.done
	w.clock.Stop()
}

// LastClose returns the time of the watchdog's most recent idle-page
// close, or the zero time if it has never closed one.
func (w *Watchdog) LastClose() time.Time {
	w.lastCloseMu.RLock()
	defer w.lastCloseMu.RUnlock()
	return w.lastClose
}

func (w *Watchdog) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		haveLast  bool
		lastEpoch Epoch
		lastSlots int
	)

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			epoch, slots, ok := w.cb.Sample()
			if !ok {
				haveLast = false
				continue
			}
			if haveLast && epoch == lastEpoch && slots == lastSlots {
				if w.cb.CloseIdleCurrent() {
					w.lastCloseMu.Lock()
					w.lastClose = w.clock.CachedTime()
					w.lastCloseMu.Unlock()
				}
				haveLast = false
				continue
			}
			haveLast = true
			lastEpoch = epoch
			lastSlots = slots
		}
	}
}
