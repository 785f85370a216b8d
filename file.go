// file.go: append-only segmented file log (component C9)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// Each file is a sequence of fixed-size page slots so a file's length is
// always a multiple of the slot size, which is the page size plus the fixed
// frame overhead, not a multiple of the page size itself; rotation and
// recovery both work in
// page-slot units rather than counting raw bytes. A slot's unused tail past
// its encoded frame is never physically written -- AppendPage reserves it
// with Truncate, which extends the file as a sparse hole on filesystems that
// support one -- so a mostly-empty page still only costs the disk I/O its
// actual content needs. The directory takes a
// single-writer advisory lock (lock.go/lock_unix.go/lock_windows.go).
package fineline

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

const (
	frameMagic      = "FLPG"
	frameMagicLen   = 4
	frameHeaderSize = frameMagicLen + 8 /*epoch*/ + 4 /*slotCount*/
	frameTrailerSize = 4 /*crc32*/
	frameLenPrefixSize = 4
	// frameOverhead is the fixed bookkeeping cost encodeFrame adds on top of
	// a page's own committed (header+payload) bytes: length prefix, frame
	// header, and checksum trailer. A page that just fits within its logical
	// capacity can still produce a frame up to this many bytes larger, so
	// the on-disk slot must be sized at pageSize+frameOverhead, not pageSize.
	frameOverhead = frameLenPrefixSize + frameHeaderSize + frameTrailerSize
)

// segmentFile is one level-0 log file: `log.0.<seq>`. writeOffset tracks the
// next append position; blockOffsets maps a block number (the file's
// sequential frame index) to that frame's byte offset, so a later read can
// seek directly instead of re-scanning.
type segmentFile struct {
	seq          int
	f            *os.File
	writeOffset  int64
	blockOffsets []int64
}

func (s *segmentFile) path(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("log.0.%d", s.seq))
}

// FileLog is the append-only, size-bounded, recyclable segmented log.
// File open/close are lazy: segments are opened on first append or read and
// kept open until Close.
type FileLog struct {
	dir        string
	fileCap    int64
	pageSize   int
	slotSize   int
	syncWrites bool
	recycle    bool
	maxFiles   int
	index      *BlockIndex

	mu       sync.Mutex
	segments map[int]*segmentFile
	curSeq   int

	dirLock     *fileLock
	dirLockFile *os.File
}

// OpenFileLog opens (creating if necessary) the segmented log rooted at
// cfg.LogPath, taking the directory's single-writer advisory lock.
func OpenFileLog(cfg *Config, index *BlockIndex) (*FileLog, error) {
	if err := os.MkdirAll(cfg.LogPath, 0755); err != nil {
		return nil, ioError("file_log: mkdir", err)
	}
	lock, lockFile, err := acquireDirLock(filepath.Join(cfg.LogPath, ".fineline.lock"), cfg.FileMode)
	if err != nil {
		return nil, err
	}

	fl := &FileLog{
		dir:         cfg.LogPath,
		fileCap:     cfg.LogFileSize,
		pageSize:    cfg.PageSize,
		slotSize:    cfg.PageSize + frameOverhead,
		syncWrites:  cfg.SyncWrites,
		recycle:     cfg.LogRecycle,
		maxFiles:    cfg.LogMaxFiles,
		index:       index,
		segments:    make(map[int]*segmentFile),
		dirLock:     lock,
		dirLockFile: lockFile,
	}

	newest, err := fl.newestExistingSeq()
	if err != nil {
		fl.Close()
		return nil, err
	}
	fl.curSeq = newest

	fl.mu.Lock()
	err = fl.recoverTail()
	fl.mu.Unlock()
	if err != nil {
		fl.Close()
		return nil, err
	}
	return fl, nil
}

// recoverTail scans every on-disk segment from its first byte, validating
// each frame's checksum, to rebuild blockOffsets and hand any page that was
// durably appended but never registered back to the block index -- the
// crash window between AppendPage's write and its InsertBlock call. A
// checksum or magic mismatch marks a torn write from a partial append; the
// file is truncated at that offset and scanning for that segment stops.
// Must be called with mu held.
func (fl *FileLog) recoverTail() error {
	for seq := range fl.listSegmentFilesLocked() {
		seg, err := fl.openSegment(seq)
		if err != nil {
			return err
		}
		fileSize := seg.writeOffset
		already := fl.index.CountBlocksForFile(seq)

		var offset int64
		var block int
		for offset < fileSize {
			page, epoch, frameLen, ferr := readFrameHeaderAt(seg.f, offset, fl.pageSize, fl.slotSize)
			if ferr != nil {
				if terr := seg.f.Truncate(offset); terr != nil {
					return ioError("file_log: truncate torn tail", terr)
				}
				break
			}
			seg.blockOffsets = append(seg.blockOffsets, offset)
			if block >= already {
				n := page.SlotCount()
				fl.index.InsertBlock(BlockEntry{
					Level:      0,
					FirstEpoch: epoch,
					LastEpoch:  epoch,
					File:       seg.seq,
					Block:      block,
					MinKey:     page.Header(0).ObjectID,
					MaxKey:     page.Header(n - 1).ObjectID,
				}, page)
			}
			offset += frameLen
			block++
		}
		seg.writeOffset = offset
	}
	return nil
}

func (fl *FileLog) newestExistingSeq() (int, error) {
	entries, err := os.ReadDir(fl.dir)
	if err != nil {
		return 0, ioError("file_log: readdir", err)
	}
	max := 0
	for _, e := range entries {
		var seq int
		if _, err := fmt.Sscanf(e.Name(), "log.0.%d", &seq); err == nil && seq > max {
			max = seq
		}
	}
	return max, nil
}

// Close releases the directory lock and every open segment handle.
func (fl *FileLog) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, s := range fl.segments {
		s.f.Close()
	}
	if fl.dirLock != nil {
		fl.dirLock.release()
		fl.dirLock.setFile(nil)
	}
	if fl.dirLockFile != nil {
		fl.dirLockFile.Close()
	}
	return nil
}

// openSegment lazily opens (or creates) segment seq for append+read.
func (fl *FileLog) openSegment(seq int) (*segmentFile, error) {
	if s, ok := fl.segments[seq]; ok {
		return s, nil
	}
	s := &segmentFile{seq: seq}
	path := s.path(fl.dir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, ioError("file_log: open segment", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError("file_log: stat segment", err)
	}
	s.f = f
	s.writeOffset = info.Size()
	fl.segments[seq] = s
	return s, nil
}

// AppendPage encodes page as one frame and appends it to the current
// level-0 file at the start of the next fixed-size slot, creating or
// rotating to a new segment when the append would exceed the configured
// file size cap. Every slot reserves fl.slotSize bytes of file length (a
// page's logical capacity plus encodeFrame's fixed bookkeeping overhead),
// so a segment's length is always a multiple of the slot size and rotation
// can be decided by counting slots rather than measuring variable frame
// sizes -- but only the frame's own bytes are physically written; the
// slot's unused tail is reserved with Truncate instead of a zero-filled
// WriteAt, so a page far below its logical capacity doesn't pay to write
// bytes nobody will ever read back.
func (fl *FileLog) AppendPage(page *LogPage, epoch Epoch) error {
	n := page.SlotCount()
	assertf(0, n > 0, "file_log: append_page called with an empty page")

	frame := encodeFrame(page, epoch)
	if len(frame) > fl.slotSize {
		return fmt.Errorf("fineline: file_log: encoded frame (%d bytes) exceeds slot size %d", len(frame), fl.slotSize)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	seg, err := fl.openSegment(fl.curSeq)
	if err != nil {
		return err
	}
	if seg.writeOffset > 0 && seg.writeOffset+int64(fl.slotSize) > fl.fileCap {
		fl.curSeq++
		seg, err = fl.openSegment(fl.curSeq)
		if err != nil {
			return err
		}
		fl.triggerRecycle()
	}

	block := len(seg.blockOffsets)
	offset := seg.writeOffset
	if _, err := seg.f.WriteAt(frame, offset); err != nil {
		return ioError("file_log: append", err)
	}
	if err := seg.f.Truncate(offset + int64(fl.slotSize)); err != nil {
		return ioError("file_log: reserve slot", err)
	}
	if fl.syncWrites {
		if err := seg.f.Sync(); err != nil {
			return ioError("file_log: fsync", err)
		}
	}
	seg.writeOffset += int64(fl.slotSize)
	seg.blockOffsets = append(seg.blockOffsets, offset)

	minKey := page.Header(0).ObjectID
	maxKey := page.Header(n - 1).ObjectID
	fl.index.InsertBlock(BlockEntry{
		Level:      0,
		FirstEpoch: epoch,
		LastEpoch:  epoch,
		File:       seg.seq,
		Block:      block,
		MinKey:     minKey,
		MaxKey:     maxKey,
	}, page)
	return nil
}

// ReadBlock loads and decodes the page frame at (file, block).
func (fl *FileLog) ReadBlock(file int, block int) (*LogPage, error) {
	fl.mu.Lock()
	seg, err := fl.openSegment(file)
	if err != nil {
		fl.mu.Unlock()
		return nil, err
	}
	if block < 0 || block >= len(seg.blockOffsets) {
		fl.mu.Unlock()
		return nil, fmt.Errorf("fineline: file_log: block %d out of range for file %d", block, file)
	}
	offset := seg.blockOffsets[block]
	f := seg.f
	fl.mu.Unlock()

	return readFrameAt(f, offset, fl.pageSize, fl.slotSize)
}

// triggerRecycle runs the recycler inline on segment rotation: with
// recycling enabled, delete level-0 files whose last indexed epoch is older
// than maxFiles files behind the newest. Must be called with mu held.
func (fl *FileLog) triggerRecycle() {
	if !fl.recycle || fl.maxFiles <= 0 {
		return
	}
	horizon := fl.curSeq - fl.maxFiles
	if horizon <= 0 {
		return
	}
	for seq := range fl.listSegmentFilesLocked() {
		if seq >= horizon {
			continue
		}
		if fl.index.NewestEpochForFile(seq) >= fl.index.OldestNeededEpoch() {
			continue // still holds epochs at or above the retention watermark
		}
		if s, open := fl.segments[seq]; open {
			s.f.Close()
			delete(fl.segments, seq)
		}
		os.Remove(filepath.Join(fl.dir, fmt.Sprintf("log.0.%d", seq)))
	}
}

func (fl *FileLog) listSegmentFilesLocked() map[int]struct{} {
	out := make(map[int]struct{})
	entries, err := os.ReadDir(fl.dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		var seq int
		if _, err := fmt.Sscanf(e.Name(), "log.0.%d", &seq); err == nil {
			out[seq] = struct{}{}
		}
	}
	return out
}

// encodeFrame serializes page's committed slots into the on-disk frame
// format: a length-prefixed, checksummed record of (epoch, slotCount,
// header+payload pairs).
func encodeFrame(page *LogPage, epoch Epoch) []byte {
	n := page.SlotCount()
	body := make([]byte, 0, frameHeaderSize+n*(HeaderSize+16))
	body = append(body, []byte(frameMagic)...)
	var epochBuf [8]byte
	binary.LittleEndian.PutUint64(epochBuf[:], uint64(epoch))
	body = append(body, epochBuf[:]...)
	var cntBuf [4]byte
	binary.LittleEndian.PutUint32(cntBuf[:], uint32(n))
	body = append(body, cntBuf[:]...)

	for i := 0; i < n; i++ {
		hdr := page.Header(i)
		var hdrBuf [HeaderSize]byte
		hdr.encode(hdrBuf[:])
		body = append(body, hdrBuf[:]...)
		body = append(body, page.Payload(i)...)
	}

	checksum := crc32.ChecksumIEEE(body)
	var lenBuf [frameLenPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)+frameTrailerSize))

	out := make([]byte, 0, frameLenPrefixSize+len(body)+frameTrailerSize)
	out = append(out, lenBuf[:]...)
	out = append(out, body...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], checksum)
	out = append(out, crcBuf[:]...)
	return out
}

// readFrameAt reads and validates the frame at offset, returning a LogPage
// populated with its records. A checksum mismatch -- a torn write from a
// crash mid-append -- is reported as an error so the caller (recovery) can
// truncate instead of trusting corrupt data.
func readFrameAt(f *os.File, offset int64, pageSize, slotSize int) (*LogPage, error) {
	page, _, _, err := readFrameHeaderAt(f, offset, pageSize, slotSize)
	return page, err
}

// readFrameHeaderAt is readFrameAt plus the frame's epoch and the slot
// stride to advance by, used by the tail scanner to rebuild blockOffsets.
// Every slot reserves exactly slotSize bytes of file length regardless of
// the frame's encoded length (see AppendPage's Truncate-reserved tail), so
// the cursor always advances by slotSize, not by the bytes actually read or
// written. pageSize is the logical capacity the recovered LogPage is
// reconstructed with, which is smaller than slotSize by the frame's fixed
// encoding overhead.
func readFrameHeaderAt(f *os.File, offset int64, pageSize, slotSize int) (page *LogPage, epoch Epoch, frameLen int64, err error) {
	var lenBuf [frameLenPrefixSize]byte
	if _, err = f.ReadAt(lenBuf[:], offset); err != nil {
		return nil, 0, 0, ioError("file_log: read frame length", err)
	}
	bodyLen := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if bodyLen < frameHeaderSize+frameTrailerSize {
		return nil, 0, 0, fmt.Errorf("fineline: file_log: implausible frame length at offset %d", offset)
	}

	buf := make([]byte, bodyLen)
	if _, err = f.ReadAt(buf, offset+frameLenPrefixSize); err != nil {
		return nil, 0, 0, ioError("file_log: read frame body", err)
	}

	body := buf[:bodyLen-frameTrailerSize]
	wantCRC := binary.LittleEndian.Uint32(buf[bodyLen-frameTrailerSize:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, 0, 0, fmt.Errorf("fineline: file_log: checksum mismatch at offset %d: %w", offset, ErrIoFailure)
	}
	if string(body[:frameMagicLen]) != frameMagic {
		return nil, 0, 0, fmt.Errorf("fineline: file_log: bad frame magic at offset %d", offset)
	}

	epoch = Epoch(binary.LittleEndian.Uint64(body[frameMagicLen : frameMagicLen+8]))
	slotCount := int(binary.LittleEndian.Uint32(body[12:16]))
	page = NewLogPage(pageSize)
	pos := frameHeaderSize
	for i := 0; i < slotCount; i++ {
		hdr := decodeHeader(body[pos : pos+HeaderSize])
		pos += HeaderSize
		payload := body[pos : pos+int(hdr.Length)]
		pos += int(hdr.Length)
		if !page.TryInsertRaw(hdr, payload) {
			return nil, 0, 0, ErrCapacityExceeded
		}
	}
	return page, epoch, int64(slotSize), nil
}
