// carray.go: lock-free consolidation array for group commit (component C4)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// A fixed pool of slots implements group-commit admission: concurrent
// writers join the currently active slot, one of them is elected leader via
// a CAS on the slot's status word, and the leader reserves space for the
// whole group in one shot before followers fill in their own share. Each
// slot tracks how much space the group has reserved so far and how many
// members have finished writing with two plain atomic counters, rather
// than packing both into a single signed word -- there is no space
// pressure on slot size here that would make the packing worthwhile.

package fineline

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/zeebo/xxh3"
)

const (
	allSlotCount     = allSlotPoolCapacity
	payloadBits      = 32
	maxSlotCountBits = 31
)

// packReservation encodes (slotCount, payloadBytes) into the single int64
// accumulator used by join/leave so that summing several participants'
// reservations sums both components independently, with no separate adds.
func packReservation(slots int, payloadBytes int) int64 {
	assertf(0, slots > 0, "consolidation array: slot count must be positive")
	assertf(0, slots < 1<<maxSlotCountBits, "consolidation array: slot count overflow")
	assertf(0, payloadBytes >= 0 && payloadBytes < 1<<payloadBits, "consolidation array: payload size overflow")
	return int64(slots)<<payloadBits | int64(uint32(payloadBytes))
}

func unpackReservation(v int64) (slots int, payloadBytes int) {
	return int(v >> payloadBits), int(uint32(v))
}

// Slot lifecycle status values. Status >= 0 means the slot is active and
// selectable (0 = AVAILABLE, >0 = a leader has claimed it and the value is
// the packed sum of everyone who has joined so far).
const (
	slotUnused  int64 = -2 // pooled, not part of the active rotation
	slotPending int64 = -1 // leader has claimed it; rejects new joiners
)

// caSlot is one consolidation-array slot. Cache-line sized in spirit
// (status is the only field read by the hot join/leave path); Go does not
// expose manual cache-line placement, so the separation is structural
// rather than byte-offset exact.
type caSlot struct {
	status atomic.Int64

	// Set by the leader between fetchSlotStatus and finishSlotReservation;
	// read by followers only after finished is observed true, which
	// publishes them via the happens-before edge on that atomic.
	reservedTotal int64
	finished      atomic.Bool
	leaveSum      atomic.Int64

	// Leader-owned page layout, valid once finished is true. groupErr is
	// set instead of page/firstSlot/firstPay/epoch when the leader could
	// not reserve room for the group at all (a group larger than a single
	// empty page); followers must check it before touching page.
	page       *PageHandle
	firstSlot  int
	firstPay   int32
	epoch      Epoch
	groupErr   error
}

// reset clears a freed slot's layout fields before publishing it back to
// the pool by storing status last: a slot only becomes eligible for
// promotion (ReplaceActiveSlot's UNUSED scan) once status observably reads
// slotUnused, so every other field must already be cleared by then -
// otherwise a newly promoted leader's FinishSlotReservation could race
// this function's own writes to the same fields.
func (s *caSlot) reset() {
	s.reservedTotal = 0
	s.finished.Store(false)
	s.leaveSum.Store(0)
	s.page = nil
	s.firstSlot = 0
	s.firstPay = 0
	s.epoch = 0
	s.groupErr = nil
	s.status.Store(slotUnused)
}

// ConsolidationArray implements group-commit admission control: a fixed
// pool of allSlotCount slots, a smaller active subset rotated by a clock
// hand, exactly one elected leader per group, and last-leaver detection so
// resources are released exactly once.
type ConsolidationArray struct {
	pool         [allSlotCount]caSlot
	active       []int32 // indices into pool, length == activeCount
	clockHand    atomic.Uint64
	mu           sync.Mutex // serializes replaceActiveSlot against join probes' active-array reads
	pageCapacity int        // bytes a single shared page can ever hold; bounds how large one slot's group may grow
}

// NewConsolidationArray builds the array with activeCount initially active
// slots drawn from the pool; the remainder stay UNUSED. pageCapacity is the
// byte capacity of the shared pages groups reserve space in (the commit
// buffer's ring pages), used to stop a slot from admitting more joiners
// than a single page could ever hold.
func NewConsolidationArray(activeCount int, pageCapacity int) *ConsolidationArray {
	if activeCount <= 0 || activeCount > allSlotCount {
		activeCount = defaultActiveSlots
	}
	ca := &ConsolidationArray{active: make([]int32, activeCount), pageCapacity: pageCapacity}
	for i := range ca.pool {
		ca.pool[i].status.Store(slotUnused)
	}
	for i := 0; i < activeCount; i++ {
		ca.pool[i].status.Store(0)
		ca.active[i] = int32(i)
	}
	return ca
}

// threadHash derives a probe seed from a caller-supplied id (a goroutine-
// stable worker id), spreading joins across the active slots.
func threadHash(workerID int64) uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(workerID >> (8 * i))
	}
	return xxh3.Hash(buf[:])
}

// fits reports whether a slot already holding `current` reserved units can
// still admit `size` more without the group's combined footprint exceeding
// a single shared page's capacity.
func (ca *ConsolidationArray) fits(current, size int64) bool {
	slots, payload := unpackReservation(current + size)
	return slots*slotEntrySize+payload <= ca.pageCapacity
}

// JoinSlot atomically reserves `size` units (packed via packReservation) in
// some active slot. Returns the joined slot, the prior accumulated status
// observed at join time, and whether the caller is the group leader (true
// exactly when that prior status was 0).
func (ca *ConsolidationArray) JoinSlot(workerID int64, size int64) (slot *caSlot, prior int64, leader bool) {
	hand := ca.clockHand.Load()
	h := threadHash(workerID)
	n := uint64(len(ca.active))

	for attempt := uint64(0); ; attempt++ {
		ca.mu.Lock()
		idx := ca.active[(hand+h+attempt)%n]
		ca.mu.Unlock()
		s := &ca.pool[idx]

		for {
			old := s.status.Load()
			if old < 0 {
				break // not joinable (PENDING or UNUSED); restart probe
			}
			if !ca.fits(old, size) {
				// Joining would grow the group past what a single shared
				// page can ever hold; leave this slot to the participants
				// already in it and probe for a fresher one instead.
				break
			}
			if s.status.CompareAndSwap(old, old+size) {
				return s, old, old == 0
			}
			// CAS failed: another joiner raced us. Re-read and retry on
			// the same slot unless it has since closed.
		}
	}
}

// ReplaceActiveSlot swaps slot out of the active rotation, promoting a
// pooled (UNUSED) slot to AVAILABLE in its place. Must be called by the
// slot's leader only, after joining.
func (ca *ConsolidationArray) ReplaceActiveSlot(slot *caSlot) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	leaderIdx := ca.poolIndex(slot)
	var promoted int32 = -1
	for i := range ca.pool {
		if ca.pool[i].status.Load() == slotUnused {
			promoted = int32(i)
			break
		}
	}
	assertf(0, promoted >= 0, "consolidation array: no UNUSED slot available to promote")
	ca.pool[promoted].status.Store(0)

	for i, idx := range ca.active {
		if idx == leaderIdx {
			ca.active[i] = promoted
			break
		}
	}
	ca.clockHand.Add(1)
}

// poolIndex recovers a slot's index in the pool array from its pointer.
// Go has no pointer-subtraction operator for typed pointers, so the offset
// is computed via unsafe.Pointer/uintptr instead.
func (ca *ConsolidationArray) poolIndex(slot *caSlot) int32 {
	base := uintptr(unsafe.Pointer(&ca.pool[0]))
	off := uintptr(unsafe.Pointer(slot)) - base
	return int32(off / unsafe.Sizeof(ca.pool[0]))
}

// FetchSlotStatus rejects late joiners by swapping status to PENDING,
// returning the accumulated total reserved by everyone who joined.
func (ca *ConsolidationArray) FetchSlotStatus(slot *caSlot) int64 {
	return slot.status.Swap(slotPending)
}

// FinishSlotReservation publishes the leader's computed layout and the
// group's total reserved size, unblocking followers parked in
// WaitForLeader.
func (ca *ConsolidationArray) FinishSlotReservation(slot *caSlot, reservedTotal int64) {
	slot.reservedTotal = reservedTotal
	slot.finished.Store(true)
}

// WaitForLeader busy-waits, with a short bounded spin before yielding,
// until the leader has published the group's layout.
func (ca *ConsolidationArray) WaitForLeader(slot *caSlot) {
	spinWaitUntil(func() bool { return slot.finished.Load() })
}

// LeaveSlot atomically adds the caller's own reservation size to the
// group's leave counter. Returns true if the caller is the last leaver.
func (ca *ConsolidationArray) LeaveSlot(slot *caSlot, size int64) (last bool) {
	sum := slot.leaveSum.Add(size)
	return sum == slot.reservedTotal
}

// FreeSlot returns the slot to the pool. Only the last leaver may call
// this.
func (ca *ConsolidationArray) FreeSlot(slot *caSlot) {
	slot.reset()
}

// spinWaitUntil busy-waits for cond for a bounded number of iterations,
// then falls back to runtime.Gosched to avoid starving other goroutines --
// per design notes, "short bounded spin then fallback to a parking
// primitive; keep correctness even if the spin is a plain loop."
func spinWaitUntil(cond func() bool) {
	const spinLimit = 1000
	for i := 0; i < spinLimit; i++ {
		if cond() {
			return
		}
	}
	for !cond() {
		runtime.Gosched()
	}
}
