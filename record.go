// record.go: log record header, normalized keys, and argument encoding
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fineline

import (
	"encoding/binary"
	"fmt"
)

// RecordType enumerates the kinds of redo records. The set is extensible:
// callers may define additional values from recordTypeUserBase upward.
type RecordType uint8

const (
	// RecConstruct marks the creation of an object instance.
	RecConstruct RecordType = iota + 1
	// RecInsert records a key/value insertion.
	RecInsert
	// RecRemove records a key removal.
	RecRemove
	// RecUpdate records an in-place value change.
	RecUpdate
	// RecCheckpoint is a payload-less marker recovery skips over rather
	// than dispatching to redo.
	RecCheckpoint

	// recReservedCompensation is reserved for a future undo/CLR record
	// family (Non-goal: undo is not implemented). ObjectLogger.Log rejects
	// this value so a future undo implementation can claim it without
	// colliding with any value a caller picked before undo existed.
	recReservedCompensation

	// recordTypeUserBase is the first value available to callers defining
	// their own record kinds.
	recordTypeUserBase RecordType = 128
)

// HeaderSize is the on-disk/in-page size of a RecordHeader: 32 bytes,
// half a cache line, aligned to 32 bytes.
const HeaderSize = 32

// RecordHeader is the fixed-size header prefixed to every record's payload.
// ObjectID and SeqNum are stored big-endian so a byte-wise memcmp over the
// first 16 bytes gives the lexicographic order (object_id, seq_num) --
// the "normalized key".
type RecordHeader struct {
	ObjectID uint64
	SeqNum   uint64
	Length   uint16
	Type     RecordType
	_        [13]byte // pad to HeaderSize; keeps 32-byte alignment
}

// encode writes the header in its wire layout: big-endian ObjectID,
// big-endian SeqNum, little-endian Length, then Type, then padding.
func (h *RecordHeader) encode(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint64(dst[0:8], h.ObjectID)
	binary.BigEndian.PutUint64(dst[8:16], h.SeqNum)
	binary.LittleEndian.PutUint16(dst[16:18], h.Length)
	dst[18] = byte(h.Type)
	for i := 19; i < HeaderSize; i++ {
		dst[i] = 0
	}
}

func decodeHeader(src []byte) RecordHeader {
	_ = src[HeaderSize-1]
	return RecordHeader{
		ObjectID: binary.BigEndian.Uint64(src[0:8]),
		SeqNum:   binary.BigEndian.Uint64(src[8:16]),
		Length:   binary.LittleEndian.Uint16(src[16:18]),
		Type:     RecordType(src[18]),
	}
}

// normalizedKey returns the 16-byte big-endian (object_id, seq_num) prefix
// used for byte-wise comparison.
func (h *RecordHeader) normalizedKey() [16]byte {
	var k [16]byte
	binary.BigEndian.PutUint64(k[0:8], h.ObjectID)
	binary.BigEndian.PutUint64(k[8:16], h.SeqNum)
	return k
}

// compareNormalizedKeys implements the memcmp ordering over (object_id,
// seq_num) that sort_slots relies on.
func compareNormalizedKeys(a, b [16]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// EncodeArgs concatenates a variadic argument list into a single payload.
// Integers are written little-endian at their fixed sizeof width with no
// prefix (int is widened to 8 bytes); strings and byte slices are prefixed
// by a 4-byte little-endian byte count. Decoding mirrors encoding in
// argument order via ArgDecoder.
func EncodeArgs(args ...any) ([]byte, error) {
	buf := make([]byte, 0, 64)
	for _, a := range args {
		switch v := a.(type) {
		case uint8:
			buf = append(buf, v)
		case uint16:
			var tmp [2]byte
			binary.LittleEndian.PutUint16(tmp[:], v)
			buf = append(buf, tmp[:]...)
		case uint32:
			var tmp [4]byte
			binary.LittleEndian.PutUint32(tmp[:], v)
			buf = append(buf, tmp[:]...)
		case uint64:
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], v)
			buf = append(buf, tmp[:]...)
		case int64:
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], uint64(v))
			buf = append(buf, tmp[:]...)
		case int:
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], uint64(int64(v)))
			buf = append(buf, tmp[:]...)
		case string:
			buf = appendLengthPrefixed(buf, []byte(v))
		case []byte:
			buf = appendLengthPrefixed(buf, v)
		default:
			return nil, fmt.Errorf("fineline: EncodeArgs: unsupported argument type %T", a)
		}
	}
	return buf, nil
}

func appendLengthPrefixed(buf []byte, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

// ArgDecoder reads values out of a payload in the order they were encoded.
type ArgDecoder struct {
	buf []byte
	pos int
}

// NewArgDecoder wraps payload for sequential decoding.
func NewArgDecoder(payload []byte) *ArgDecoder {
	return &ArgDecoder{buf: payload}
}

func (d *ArgDecoder) need(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("fineline: ArgDecoder: payload truncated")
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Uint64 decodes the next 8 bytes as a little-endian uint64.
func (d *ArgDecoder) Uint64() (uint64, error) {
	b, err := d.need(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Int64 decodes the next 8 bytes as a little-endian int64.
func (d *ArgDecoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

// Bytes decodes a length-prefixed byte slice. The returned slice aliases
// the decoder's backing array.
func (d *ArgDecoder) Bytes() ([]byte, error) {
	lenBuf, err := d.need(4)
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	return d.need(int(n))
}

// String decodes a length-prefixed string.
func (d *ArgDecoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Done reports whether all bytes have been consumed.
func (d *ArgDecoder) Done() bool { return d.pos >= len(d.buf) }
