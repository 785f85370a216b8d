// blockindex.go: persistent block index (component C10)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// The index is an ordered tree of block entries, keyed by (level, first
// epoch), backed by github.com/google/btree's generic BTreeG rather than a
// hand-rolled tree. Each entry carries an optional per-block bloom filter
// (FNV double-hashing) over the object ids actually present in its page;
// callers doing an exact-id lookup use it to skip decoding a block's page
// once range selection has already picked it as a candidate, never as a
// replacement for the range check itself. Snapshot writes the index to
// disk (System.Close calls it) using a magic+version+
// fixed-row binary layout, written crash-safely via
// github.com/natefinch/atomic: the snapshot is written to a temp file and
// renamed into place, never torn.
package fineline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"sync"

	natomic "github.com/natefinch/atomic"

	"github.com/google/btree"
)

// BlockEntry is one row of the block index: the span of object ids a
// flushed page covers, and where to find it on disk.
type BlockEntry struct {
	Level      int
	FirstEpoch Epoch
	LastEpoch  Epoch
	File       int
	Block      int
	MinKey     uint64
	MaxKey     uint64
	bloom      *blockBloom
}

// blockIndexLess orders entries primarily by level descending, then by
// first_epoch ascending, so within a level older blocks come before newer
// ones and higher levels (once a merge produces them) are probed first.
func blockIndexLess(a, b BlockEntry) bool {
	if a.Level != b.Level {
		return a.Level > b.Level
	}
	if a.FirstEpoch != b.FirstEpoch {
		return a.FirstEpoch < b.FirstEpoch
	}
	if a.File != b.File {
		return a.File < b.File
	}
	return a.Block < b.Block
}

// BlockIndex is the persistent map from (level, min_key, max_key, epoch) to
// (file, block). It is an in-memory ordered tree, snapshotted to disk on
// demand; on Open, a prior snapshot is loaded back in.
type BlockIndex struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[BlockEntry]

	newestEpochPerFile map[int]Epoch
	oldestNeeded       Epoch

	snapshotPath string
}

const blockIndexTreeDegree = 32

// NewBlockIndex builds an index backed by path, loading an existing
// snapshot if one is present.
func NewBlockIndex(path string) (*BlockIndex, error) {
	bi := &BlockIndex{
		tree:               btree.NewG(blockIndexTreeDegree, blockIndexLess),
		newestEpochPerFile: make(map[int]Epoch),
		oldestNeeded:       InitialEpoch,
		snapshotPath:       path,
	}
	if err := bi.load(); err != nil {
		return nil, err
	}
	return bi, nil
}

// InsertBlock registers a newly flushed page's location. page supplies the
// keys used to build the block's bloom filter.
func (bi *BlockIndex) InsertBlock(entry BlockEntry, page *LogPage) {
	entry.bloom = newBlockBloom(page.SlotCount())
	for i := 0; i < page.SlotCount(); i++ {
		entry.bloom.add(page.Header(i).ObjectID)
	}

	bi.mu.Lock()
	defer bi.mu.Unlock()
	bi.tree.ReplaceOrInsert(entry)
	if entry.LastEpoch > bi.newestEpochPerFile[entry.File] {
		bi.newestEpochPerFile[entry.File] = entry.LastEpoch
	}
}

// NewestEpochForFile returns the newest epoch recorded for file, or 0 if
// the file holds no indexed blocks.
func (bi *BlockIndex) NewestEpochForFile(file int) Epoch {
	bi.mu.RLock()
	defer bi.mu.RUnlock()
	return bi.newestEpochPerFile[file]
}

// SetOldestNeededEpoch advances the watermark the recycler compares file
// ages against. Callers (recovery, a retention policy) raise this as older
// epochs stop being needed; it never regresses.
func (bi *BlockIndex) SetOldestNeededEpoch(e Epoch) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	if e > bi.oldestNeeded {
		bi.oldestNeeded = e
	}
}

// OldestNeededEpoch reports the current watermark.
func (bi *BlockIndex) OldestNeededEpoch() Epoch {
	bi.mu.RLock()
	defer bi.mu.RUnlock()
	return bi.oldestNeeded
}

// CountBlocksForFile returns how many level-0 blocks are already indexed
// for file. Recovery compares this against a tail scan's frame count to
// find pages that were durably appended but never registered.
func (bi *BlockIndex) CountBlocksForFile(file int) int {
	bi.mu.RLock()
	defer bi.mu.RUnlock()
	count := 0
	bi.tree.Ascend(func(e BlockEntry) bool {
		if e.File == file {
			count++
		}
		return true
	})
	return count
}

// BlockEntryIterator yields block entries in the index's ordering.
type BlockEntryIterator struct {
	entries []BlockEntry
	pos     int
}

// Next returns the next entry, or ok=false when exhausted.
func (it *BlockEntryIterator) Next() (BlockEntry, bool) {
	if it.pos >= len(it.entries) {
		return BlockEntry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

// FetchBlocks returns every level-0 block, ordered by first_epoch ascending
// (forward) or last_epoch descending (reverse).
func (bi *BlockIndex) FetchBlocks(forward bool) *BlockEntryIterator {
	return bi.fetch(forward, nil)
}

// FetchBlocksForKey returns level-0 blocks whose [min_key, max_key] span
// contains key, in the same ordering as FetchBlocks. The range check alone
// decides membership: a block's bloom filter only ever records the object
// ids actually present in it, which can be a sparse subset of its
// [min_key, max_key] span, so a bloom miss on key does not imply the range
// check should be skipped too.
func (bi *BlockIndex) FetchBlocksForKey(key uint64, forward bool) *BlockEntryIterator {
	return bi.fetch(forward, func(e BlockEntry) bool {
		return e.MinKey <= key && key <= e.MaxKey
	})
}

// MayContainKey reports whether key could be one of the object ids actually
// written into this block's page. It only ever returns false for ids truly
// absent from the page, so a caller that has already selected this block by
// range can use a false result to skip decoding it -- but a true result is
// not proof of presence, and this must never substitute for the range check
// that selects candidate blocks in the first place.
func (e BlockEntry) MayContainKey(key uint64) bool {
	return e.bloom == nil || e.bloom.mayContain(key)
}

// fetch always walks the whole tree and sorts the result, even for a
// single-key lookup: the tree orders entries by (level, first epoch) for
// FetchBlocks' sake, which is a different dimension than a block's
// [min_key, max_key] span, so there is no tree ordering FetchBlocksForKey
// could walk a sub-range of instead.
func (bi *BlockIndex) fetch(forward bool, pred func(BlockEntry) bool) *BlockEntryIterator {
	bi.mu.RLock()
	defer bi.mu.RUnlock()

	var all []BlockEntry
	bi.tree.Ascend(func(e BlockEntry) bool {
		if pred == nil || pred(e) {
			all = append(all, e)
		}
		return true
	})

	if forward {
		sort.SliceStable(all, func(i, j int) bool { return all[i].FirstEpoch < all[j].FirstEpoch })
	} else {
		sort.SliceStable(all, func(i, j int) bool { return all[i].LastEpoch > all[j].LastEpoch })
	}
	return &BlockEntryIterator{entries: all}
}

// --- snapshot persistence -------------------------------------------------

const (
	snapshotMagic      = "FLIX"
	snapshotVersion    = uint16(2)
	snapshotHeaderSize = 4 + 2 + 4 // magic + version + row count
	snapshotRowSize    = 8 /*FirstEpoch*/ + 8 /*LastEpoch*/ + 8 /*File+Block packed*/ + 8 /*MinKey*/ + 8 /*MaxKey*/ + 4 /*Level*/
)

// Snapshot persists the index's current contents to snapshotPath,
// crash-safely: the write lands in a temp file renamed into place by
// natefinch/atomic, so a reader never observes a half-written snapshot.
// Each row's bloom filter bits are appended after its fixed fields so a
// reload doesn't silently lose the per-block bloom pre-filter.
func (bi *BlockIndex) Snapshot() error {
	bi.mu.RLock()
	rows := make([]BlockEntry, 0, bi.tree.Len())
	bi.tree.Ascend(func(e BlockEntry) bool {
		rows = append(rows, e)
		return true
	})
	bi.mu.RUnlock()

	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	var verBuf [2]byte
	binary.LittleEndian.PutUint16(verBuf[:], snapshotVersion)
	buf.Write(verBuf[:])
	var cntBuf [4]byte
	binary.LittleEndian.PutUint32(cntBuf[:], uint32(len(rows)))
	buf.Write(cntBuf[:])

	for _, e := range rows {
		writeUint64(&buf, uint64(e.FirstEpoch))
		writeUint64(&buf, uint64(e.LastEpoch))
		writeUint64(&buf, packFileBlock(e.File, e.Block))
		writeUint64(&buf, e.MinKey)
		writeUint64(&buf, e.MaxKey)
		var lvlBuf [4]byte
		binary.LittleEndian.PutUint32(lvlBuf[:], uint32(e.Level))
		buf.Write(lvlBuf[:])

		var bits []byte
		if e.bloom != nil {
			bits = e.bloom.bits
		}
		var blenBuf [4]byte
		binary.LittleEndian.PutUint32(blenBuf[:], uint32(len(bits)))
		buf.Write(blenBuf[:])
		buf.Write(bits)
	}

	return natomic.WriteFile(bi.snapshotPath, bytes.NewReader(buf.Bytes()))
}

func (bi *BlockIndex) load() error {
	f, err := os.Open(bi.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ioError("block_index: open snapshot", err)
	}
	defer f.Close()

	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return ioError("block_index: read snapshot header", err)
	}
	if string(header[0:4]) != snapshotMagic {
		return fmt.Errorf("fineline: block_index: bad snapshot magic")
	}
	if binary.LittleEndian.Uint16(header[4:6]) != snapshotVersion {
		return fmt.Errorf("fineline: block_index: unsupported snapshot version")
	}
	count := int(binary.LittleEndian.Uint32(header[6:10]))

	row := make([]byte, snapshotRowSize)
	var blenBuf [4]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(f, row); err != nil {
			return ioError("block_index: read snapshot row", err)
		}
		firstEpoch := Epoch(binary.LittleEndian.Uint64(row[0:8]))
		lastEpoch := Epoch(binary.LittleEndian.Uint64(row[8:16]))
		file, block := unpackFileBlock(binary.LittleEndian.Uint64(row[16:24]))
		minKey := binary.LittleEndian.Uint64(row[24:32])
		maxKey := binary.LittleEndian.Uint64(row[32:40])
		level := int(binary.LittleEndian.Uint32(row[40:44]))

		if _, err := io.ReadFull(f, blenBuf[:]); err != nil {
			return ioError("block_index: read snapshot bloom length", err)
		}
		var bloom *blockBloom
		if blen := binary.LittleEndian.Uint32(blenBuf[:]); blen > 0 {
			bits := make([]byte, blen)
			if _, err := io.ReadFull(f, bits); err != nil {
				return ioError("block_index: read snapshot bloom bits", err)
			}
			bloom = &blockBloom{bits: bits, k: blockBloomHashCount}
		}

		bi.tree.ReplaceOrInsert(BlockEntry{
			Level:      level,
			FirstEpoch: firstEpoch,
			LastEpoch:  lastEpoch,
			File:       file,
			Block:      block,
			MinKey:     minKey,
			MaxKey:     maxKey,
			bloom:      bloom,
		})
		if lastEpoch > bi.newestEpochPerFile[file] {
			bi.newestEpochPerFile[file] = lastEpoch
		}
	}
	return nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func packFileBlock(file, block int) uint64 {
	return uint64(uint32(file))<<32 | uint64(uint32(block))
}

func unpackFileBlock(v uint64) (file, block int) {
	return int(int32(v >> 32)), int(int32(v))
}

// --- per-block bloom filter ------------------------------------------------

// blockBloom is a small bloom filter over a single flushed page's object
// ids, sized proportionally to the page's slot count.
type blockBloom struct {
	bits []byte
	k    int
}

const (
	bloomBitsPerEntry   = 10
	blockBloomHashCount = 4
)

func newBlockBloom(expectedEntries int) *blockBloom {
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	nbits := expectedEntries * bloomBitsPerEntry
	return &blockBloom{bits: make([]byte, (nbits+7)/8), k: blockBloomHashCount}
}

func (b *blockBloom) add(id uint64) {
	for _, pos := range b.positions(id) {
		b.bits[pos/8] |= 1 << (pos % 8)
	}
}

func (b *blockBloom) mayContain(id uint64) bool {
	for _, pos := range b.positions(id) {
		if b.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

func (b *blockBloom) positions(id uint64) []uint {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)

	h64 := fnv.New64a()
	h64.Write(idBuf[:])
	a := h64.Sum64()

	h32 := fnv.New32a()
	h32.Write(idBuf[:])
	bb := uint(h32.Sum32())

	nbits := uint(len(b.bits) * 8)
	pos := make([]uint, b.k)
	for i := 0; i < b.k; i++ {
		pos[i] = (uint(a) + uint(i)*bb) % nbits
	}
	return pos
}
