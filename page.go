// page.go: fixed-size slotted log page (component C1)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fineline

import (
	"math"
	"sort"
	"sync/atomic"
)

// slotEntrySize is the per-slot directory overhead: a 32-byte RecordHeader,
// a 4-byte payload offset, and a 4-byte flags word (ghost bit + padding).
const slotEntrySize = HeaderSize + 8

type slotEntry struct {
	hdr        RecordHeader
	payloadOff int32
	ghost      uint32
}

// LogPage is a fixed-capacity slotted container for records: a slot
// directory at the low end, payload bytes in a separate arena sized to the
// same capacity. Reserve/WriteAt split concurrent group-commit writers from
// the offset bookkeeping: Reserve extends the committed slot/payload
// counters (called once per group, by the leader, under the commit
// buffer's latch) and WriteAt fills a previously reserved, disjoint
// slot/offset pair without any lock -- safe because distinct writers never
// touch the same slot index or payload range.
//
// The slot directory is preallocated to its worst-case length (every slot
// holding a zero-byte payload) so Reserve never reallocates the backing
// array out from under a concurrent WriteAt.
type LogPage struct {
	cap         int
	maxSlots    int
	dir         []slotEntry
	payload     []byte
	slotCount   atomic.Int32
	payloadUsed atomic.Int32
}

// NewLogPage allocates a page with the given capacity P.
func NewLogPage(capacity int) *LogPage {
	maxSlots := capacity / slotEntrySize
	return &LogPage{
		cap:      capacity,
		maxSlots: maxSlots,
		dir:      make([]slotEntry, maxSlots),
		payload:  make([]byte, capacity),
	}
}

// Capacity returns P.
func (p *LogPage) Capacity() int { return p.cap }

// SlotCount returns the number of committed slots.
func (p *LogPage) SlotCount() int { return int(p.slotCount.Load()) }

// PayloadUsed returns the number of payload bytes committed so far.
func (p *LogPage) PayloadUsed() int32 { return p.payloadUsed.Load() }

// FreeSpace returns the bytes still available for slot directory entries
// plus payload, given current commitments.
func (p *LogPage) FreeSpace() int {
	slots := int(p.slotCount.Load())
	used := int(p.payloadUsed.Load())
	free := p.cap - slots*slotEntrySize - used
	if free < 0 {
		return 0
	}
	return free
}

// Reserve atomically (from the caller's perspective -- the caller must hold
// whatever lock serializes Reserve calls on this page, per the commit
// buffer's latch discipline) extends the page by `slots` directory entries
// and `payloadBytes` of payload, returning the first slot index and first
// payload offset of the reserved region. Returns ok=false, making no
// mutation, if the page cannot accommodate the request.
func (p *LogPage) Reserve(slots int, payloadBytes int) (firstSlot int, firstPayload int32, ok bool) {
	curSlots := int(p.slotCount.Load())
	curPayload := p.payloadUsed.Load()

	if curSlots+slots > p.maxSlots {
		return 0, 0, false
	}
	need := (curSlots+slots)*slotEntrySize + int(curPayload) + payloadBytes
	if need > p.cap {
		return 0, 0, false
	}

	p.slotCount.Store(int32(curSlots + slots))
	p.payloadUsed.Store(curPayload + int32(payloadBytes))
	return curSlots, curPayload, true
}

// WriteAt fills a slot previously returned by Reserve. hdr.Length is set
// from len(payload). Safe to call concurrently for disjoint slotIdx values.
func (p *LogPage) WriteAt(slotIdx int, payloadOff int32, hdr RecordHeader, payload []byte) {
	hdr.Length = uint16(len(payload))
	copy(p.payload[payloadOff:int(payloadOff)+len(payload)], payload)
	p.dir[slotIdx] = slotEntry{hdr: hdr, payloadOff: payloadOff}
}

// TryInsert encodes args and inserts them as a single record. Returns false
// (with no mutation) if the page cannot accommodate the record.
func (p *LogPage) TryInsert(hdr RecordHeader, args ...any) bool {
	payload, err := EncodeArgs(args...)
	if err != nil {
		return false
	}
	return p.TryInsertRaw(hdr, payload)
}

// TryInsertRaw inserts a pre-encoded payload, reserving and writing in one
// step. Intended for single-writer contexts (a private log page); for
// group-commit writers use Reserve+WriteAt directly. Rejects (with no
// mutation) a payload too long for RecordHeader.Length's uint16 to
// represent -- a page's byte capacity can exceed 65535 even though the
// on-disk length field cannot, so this can't be folded into Reserve's
// capacity check.
func (p *LogPage) TryInsertRaw(hdr RecordHeader, payload []byte) bool {
	if len(payload) > math.MaxUint16 {
		return false
	}
	slot, off, ok := p.Reserve(1, len(payload))
	if !ok {
		return false
	}
	p.WriteAt(slot, off, hdr, payload)
	return true
}

// SortSlots stable-sorts the committed slot directory by the byte-normalized
// (object_id, seq_num) comparator. Payload bytes are untouched.
func (p *LogPage) SortSlots() {
	n := p.SlotCount()
	view := p.dir[:n]
	sort.SliceStable(view, func(i, j int) bool {
		return compareNormalizedKeys(view[i].hdr.normalizedKey(), view[j].hdr.normalizedKey()) < 0
	})
}

// Header returns the header at slot i.
func (p *LogPage) Header(i int) RecordHeader { return p.dir[i].hdr }

// Payload returns the payload bytes at slot i. The returned slice aliases
// the page's payload arena and must not be retained past the page's
// lifetime.
func (p *LogPage) Payload(i int) []byte {
	e := p.dir[i]
	return p.payload[e.payloadOff : int(e.payloadOff)+int(e.hdr.Length)]
}

// MarkGhost tombstones slot i without compacting the page.
func (p *LogPage) MarkGhost(i int) { p.dir[i].ghost = 1 }

// IsGhost reports whether slot i is tombstoned.
func (p *LogPage) IsGhost(i int) bool { return p.dir[i].ghost != 0 }

// Clear resets the page to empty, ready for reuse. Must not be called while
// any reader or writer holds a reference to prior contents.
func (p *LogPage) Clear() {
	p.slotCount.Store(0)
	p.payloadUsed.Store(0)
}

// Empty reports whether the page holds no records; the flusher skips
// empty pages.
func (p *LogPage) Empty() bool { return p.SlotCount() == 0 }

// PageIterator walks a page's committed slots in forward or reverse order.
// It holds only indices; the page must outlive it.
type PageIterator struct {
	page    *LogPage
	idx     int
	forward bool
	n       int
}

// Iterate returns an iterator over the page's committed slots.
func (p *LogPage) Iterate(forward bool) *PageIterator {
	n := p.SlotCount()
	it := &PageIterator{page: p, forward: forward, n: n}
	if forward {
		it.idx = 0
	} else {
		it.idx = n - 1
	}
	return it
}

// Next advances the iterator, returning the header and payload of the next
// slot, or ok=false when exhausted.
func (it *PageIterator) Next() (hdr RecordHeader, payload []byte, ok bool) {
	if it.forward {
		if it.idx >= it.n {
			return RecordHeader{}, nil, false
		}
		hdr = it.page.Header(it.idx)
		payload = it.page.Payload(it.idx)
		it.idx++
		return hdr, payload, true
	}
	if it.idx < 0 {
		return RecordHeader{}, nil, false
	}
	hdr = it.page.Header(it.idx)
	payload = it.page.Payload(it.idx)
	it.idx--
	return hdr, payload, true
}
