// plog.go: private per-transaction log staging area (component C2)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fineline

// PrivateLog is a transaction-local append-only staging area before commit.
// It is a tagged variant -- primary page, or primary plus an overflow
// chain -- created lazily on first spill and never transitioning back, per
// the design notes' "union of primary + overflow" pattern.
type PrivateLog struct {
	pageSize int
	primary  *LogPage
	overflow []*LogPage // appended lazily; nil until the first spill
}

// NewPrivateLog allocates a plog with a single primary page.
func NewPrivateLog(pageSize int) *PrivateLog {
	return &PrivateLog{
		pageSize: pageSize,
		primary:  NewLogPage(pageSize),
	}
}

// currentPage returns the page new inserts should target: the last
// overflow page if any exist, else the primary.
func (l *PrivateLog) currentPage() *LogPage {
	if n := len(l.overflow); n > 0 {
		return l.overflow[n-1]
	}
	return l.primary
}

// Log inserts hdr/args into the current page; on failure, appends a new
// empty overflow page and retries. A second failure on a fresh page is
// fatal -- the record does not fit in an empty page of this size.
func (l *PrivateLog) Log(hdr RecordHeader, args ...any) error {
	if l.currentPage().TryInsert(hdr, args...) {
		return nil
	}
	fresh := NewLogPage(l.pageSize)
	l.overflow = append(l.overflow, fresh)
	if !fresh.TryInsert(hdr, args...) {
		return ErrCapacityExceeded
	}
	return nil
}

// Pages returns the primary page followed by overflow pages, in the order
// records were inserted.
func (l *PrivateLog) Pages() []*LogPage {
	pages := make([]*LogPage, 0, 1+len(l.overflow))
	pages = append(pages, l.primary)
	pages = append(pages, l.overflow...)
	return pages
}

// plogRecord pairs a header with its payload for plog iteration.
type plogRecord struct {
	Header  RecordHeader
	Payload []byte
}

// Iterate yields every record across the primary then overflow pages, in
// insertion order.
func (l *PrivateLog) Iterate() []plogRecord {
	var out []plogRecord
	for _, pg := range l.Pages() {
		it := pg.Iterate(true)
		for {
			hdr, payload, ok := it.Next()
			if !ok {
				break
			}
			out = append(out, plogRecord{Header: hdr, Payload: payload})
		}
	}
	return out
}

// InsertIntoBuffer hands each page (primary, then overflow) to the commit
// buffer in order, returning the epoch of the last page's commit. A
// multi-page transaction may straddle multiple epochs; waiting on the last
// one covers all prior ones since epochs are flushed strictly in order.
func (l *PrivateLog) InsertIntoBuffer(cb *CommitBuffer) (Epoch, error) {
	var last Epoch
	for _, pg := range l.Pages() {
		if pg.Empty() {
			continue
		}
		epoch, err := cb.Insert(pg)
		if err != nil {
			return 0, err
		}
		last = epoch
	}
	return last, nil
}
