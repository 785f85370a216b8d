// scan.go: block-index-driven scan iterator (component C11)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// A scan chains block-index lookup to per-page iteration: advance through
// matching block entries, and within each block walk its page's slots.
package fineline

// RecordFilter decides whether a record passes a Scan's predicate.
type RecordFilter func(hdr RecordHeader) bool

// Scan is a bidirectional stream of records drawn from the blocks a
// BlockIndex query selects, filtered by a predicate. It loads at most one
// page at a time.
type Scan struct {
	log     *FileLog
	blocks  *BlockEntryIterator
	filter  RecordFilter
	forward bool

	// exactKey/hasExactKey let fetch() skip decoding a candidate block
	// whose bloom filter proves key was never written into it; newScan's
	// arbitrary-predicate scans leave hasExactKey false since there is no
	// single id to check a bloom filter against.
	exactKey    uint64
	hasExactKey bool

	page   *LogPage
	pageIt *PageIterator
}

// fetch builds a scan over every block whose [min_key, max_key] range
// contains key, with a filter that accepts only records whose object id
// equals key.
func fetch(log *FileLog, index *BlockIndex, key uint64) *Scan {
	return &Scan{
		log:         log,
		blocks:      index.FetchBlocksForKey(key, true),
		filter:      func(hdr RecordHeader) bool { return hdr.ObjectID == key },
		forward:     true,
		exactKey:    key,
		hasExactKey: true,
	}
}

// newScan builds a scan over every block, forward or reverse, filtered by a
// caller-supplied predicate.
func newScan(log *FileLog, index *BlockIndex, forward bool, filter RecordFilter) *Scan {
	return &Scan{
		log:     log,
		blocks:  index.FetchBlocks(forward),
		filter:  filter,
		forward: forward,
	}
}

// Next advances the scan, returning the next record passing the filter. ok
// is false once every selected block has been exhausted.
func (s *Scan) Next() (hdr RecordHeader, payload []byte, ok bool) {
	for {
		if s.pageIt != nil {
			if hdr, payload, ok = s.pageIt.Next(); ok {
				if s.filter == nil || s.filter(hdr) {
					return hdr, payload, true
				}
				continue
			}
			s.pageIt = nil
			s.page = nil
		}

		entry, more := s.blocks.Next()
		if !more {
			return RecordHeader{}, nil, false
		}
		if s.hasExactKey && !entry.MayContainKey(s.exactKey) {
			continue
		}
		page, err := s.log.ReadBlock(entry.File, entry.Block)
		if err != nil {
			// A block the index believes exists but cannot be read is a
			// corrupted or truncated segment; skip it rather than fail the
			// whole scan.
			continue
		}
		s.page = page
		s.pageIt = page.Iterate(s.forward)
	}
}
