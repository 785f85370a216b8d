// commitbuffer.go: group-commit staging into shared epoch pages (component C5)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// One arriving plog page joins a consolidation-array slot; the group's
// elected leader reserves one contiguous (slots, payload) region in the
// current shared page on everyone's behalf, and each participant then
// writes its own records into its own sub-range without further
// coordination.
package fineline

import (
	"sync"
	"unsafe"
)

// CommitBuffer is the admission point between private transaction logs and
// the shared, epoch-labeled pages the flusher drains. It owns the "current
// page" pointer: the shared page new groups reserve space in, until it
// fills or the watchdog closes it for being idle.
type CommitBuffer struct {
	ring *EpochRing
	ca   *ConsolidationArray

	latch   sync.Mutex // serializes leader reservation against page rollover
	current *PageHandle
}

// NewCommitBuffer wires a commit buffer over an already-constructed ring and
// consolidation array.
func NewCommitBuffer(ring *EpochRing, ca *ConsolidationArray) *CommitBuffer {
	return &CommitBuffer{ring: ring, ca: ca}
}

// Insert hands plogPage's committed records to the group-commit protocol and
// returns the epoch of the shared page they landed in. Safe for concurrent
// use by many callers at once; callers never need to coordinate with each
// other beyond calling Insert.
func (cb *CommitBuffer) Insert(plogPage *LogPage) (Epoch, error) {
	if plogPage.Empty() {
		return 0, nil
	}

	ownSlots := plogPage.SlotCount()
	ownPayload := int(plogPage.PayloadUsed())
	toReserve := packReservation(ownSlots, ownPayload)

	// A caller-stable seed for the consolidation array's probe hash. The
	// original used a thread-local pointer for this; lacking real TLS, the
	// plog page's own address serves the same purpose -- it is unique per
	// caller for the duration of this call and costs nothing to derive.
	seed := int64(uintptr(unsafe.Pointer(plogPage)))

	slot, prior, leader := cb.ca.JoinSlot(seed, toReserve)

	var groupErr error
	if leader {
		groupErr = cb.leadGroup(slot, toReserve)
	} else {
		cb.ca.WaitForLeader(slot)
		groupErr = slot.groupErr
	}

	// A group too large for even a freshly produced page leaves every
	// member's slot.page nil; skip the write rather than dereference it,
	// but every member -- leader included -- still leaves the slot so the
	// last one frees it back to the pool and nobody is left parked forever.
	var epoch Epoch
	if groupErr == nil {
		priorSlots, priorPayload := unpackReservation(prior)
		baseSlot := slot.firstSlot + priorSlots
		basePayload := slot.firstPay + int32(priorPayload)
		writeGroupMember(slot.page.Page, plogPage, baseSlot, basePayload)
		epoch = slot.epoch
	}

	if last := cb.ca.LeaveSlot(slot, toReserve); last {
		if groupErr == nil {
			slot.page.Release()
		}
		cb.ca.FreeSlot(slot)
	}
	return epoch, groupErr
}

// writeGroupMember copies every record from src into dst starting at the
// slot/payload offsets this participant was assigned within the group's
// reserved region.
func writeGroupMember(dst *LogPage, src *LogPage, slotBase int, payloadBase int32) {
	it := src.Iterate(true)
	slotIdx := slotBase
	payOff := payloadBase
	for {
		hdr, payload, ok := it.Next()
		if !ok {
			return
		}
		dst.WriteAt(slotIdx, payOff, hdr, payload)
		slotIdx++
		payOff += int32(len(payload))
	}
}

// leadGroup runs the leader-only half of group commit: close out the slot to
// new joiners, reserve the group's total footprint in the current shared
// page (rolling over to a fresh page if needed), and publish the layout so
// waiting followers can proceed.
func (cb *CommitBuffer) leadGroup(slot *caSlot, ownReservation int64) error {
	cb.latch.Lock()
	defer cb.latch.Unlock()

	cb.ca.ReplaceActiveSlot(slot)
	total := cb.ca.FetchSlotStatus(slot)
	// FetchSlotStatus may observe a value lower than ownReservation's floor
	// only if called before the leader's own join was accounted for, which
	// cannot happen: JoinSlot's CAS already added it. total is therefore
	// always >= ownReservation.
	totalSlots, totalPayload := unpackReservation(total)

	handle, firstSlot, firstPayload, err := cb.reserveInCurrent(totalSlots, totalPayload)
	if err != nil {
		// The group doesn't fit in any page. Still publish (with groupErr
		// set instead of a layout) so every parked follower's WaitForLeader
		// returns instead of spinning forever.
		slot.groupErr = err
		cb.ca.FinishSlotReservation(slot, total)
		return err
	}

	// The group's own reference is independent of the commit buffer's
	// standing reference on its current page: the page may still be
	// "current" and accepting further groups long after this group's last
	// leaver has released its copy.
	slot.page = handle.AddRef()
	slot.firstSlot = firstSlot
	slot.firstPay = firstPayload
	slot.epoch = handle.Epoch
	cb.ca.FinishSlotReservation(slot, total)
	return nil
}

// reserveInCurrent reserves (slots, payloadBytes) in the current shared
// page, rolling over to a freshly produced page if the current one lacks
// room or does not exist yet. Must be called with latch held.
func (cb *CommitBuffer) reserveInCurrent(slots int, payloadBytes int) (handle *PageHandle, firstSlot int, firstPayload int32, err error) {
	for {
		if cb.current == nil {
			cb.current = cb.ring.Produce()
		}
		fs, fp, ok := cb.current.Page.Reserve(slots, payloadBytes)
		if ok {
			return cb.current, fs, fp, nil
		}
		if cb.current.Page.Empty() {
			// A brand new, empty page still can't fit this group: the
			// group is larger than a page can ever hold.
			return nil, 0, 0, ErrCapacityExceeded
		}
		cb.closeCurrentLocked()
	}
}

// closeCurrentLocked releases the commit buffer's own reference on the
// current page and clears the pointer, making the page eligible for the
// flusher to consume once any group still writing into it has left. Called
// with latch held, either because the page filled or because the watchdog
// decided it has been idle too long.
func (cb *CommitBuffer) closeCurrentLocked() {
	if cb.current == nil {
		return
	}
	cb.current.Release()
	cb.current = nil
}

// Sample reports the current shared page's epoch and slot count, for the
// watchdog to compare against its previous reading. ok is false if there is
// no current page at all.
func (cb *CommitBuffer) Sample() (epoch Epoch, slots int, ok bool) {
	cb.latch.Lock()
	defer cb.latch.Unlock()
	if cb.current == nil {
		return 0, 0, false
	}
	return cb.current.Epoch, cb.current.Page.SlotCount(), true
}

// CloseIdleCurrent is the watchdog's entry point: it closes the current
// shared page if one exists and is non-empty, handing it to the flusher
// instead of waiting for it to fill. The watchdog is responsible for only
// calling this once it has observed no growth since its last sample.
// Returns true if a page was closed.
func (cb *CommitBuffer) CloseIdleCurrent() bool {
	cb.latch.Lock()
	defer cb.latch.Unlock()
	if cb.current == nil || cb.current.Page.Empty() {
		return false
	}
	cb.closeCurrentLocked()
	return true
}
