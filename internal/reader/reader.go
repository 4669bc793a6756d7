// This file is part of backtrace.
//
// backtrace is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// backtrace is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with backtrace.  If not, see <https://www.gnu.org/licenses/>.

// Package reader implements the bounded binary-stream cursor shared by every
// container and DWARF parser in the decoder: little/big-endian fixed-width
// reads, LEB128, and the DWARF initial-length 32/64-bit detection.
package reader

import (
	"encoding/binary"
	"fmt"

	"github.com/jetsetilly/backtrace/logger"
)

// OnError is called at most once per Reader, for its first underflow (see
// underflowReported), with a message naming the stream and the cursor
// offset at the point of failure.
type OnError func(err error)

// Reader is a bounds-checked cursor over a byte slice. It never panics on a
// short read; every primitive reports through onError and returns the zero
// value instead.
type Reader struct {
	Name      string
	data      []byte
	cursor    int
	bigEndian bool
	onError   OnError

	underflowReported bool
}

// New wraps data in a Reader named name, reading in the given byte order.
func New(name string, data []byte, bigEndian bool, onError OnError) *Reader {
	if onError == nil {
		onError = func(error) {}
	}
	return &Reader{Name: name, data: data, bigEndian: bigEndian, onError: onError}
}

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int {
	return len(r.data) - r.cursor
}

// Offset returns the current cursor position from the start of the stream.
func (r *Reader) Offset() int {
	return r.cursor
}

// Bytes returns the whole underlying slice, irrespective of cursor position.
func (r *Reader) Bytes() []byte {
	return r.data
}

// SeekTo repositions the cursor to an absolute offset. Out-of-range offsets
// are clamped and reported, matching the "reported, not panicked" rule for
// crossing a unit boundary (spec §3 invariants).
func (r *Reader) SeekTo(offset int) {
	if offset < 0 || offset > len(r.data) {
		r.reportUnderflow(fmt.Errorf("%s: seek to %d out of bounds (len %d)", r.Name, offset, len(r.data)))
		if offset < 0 {
			offset = 0
		} else {
			offset = len(r.data)
		}
	}
	r.cursor = offset
}

func (r *Reader) reportUnderflow(err error) {
	logger.Logf(logger.Allow, "reader", "%v", err)
	if r.underflowReported {
		return
	}
	r.underflowReported = true
	r.onError(err)
}

func (r *Reader) require(n int) bool {
	if n < 0 || n > r.Len() {
		r.reportUnderflow(fmt.Errorf("%s: underflow at offset %d wanting %d bytes, %d remain", r.Name, r.cursor, n, r.Len()))
		return false
	}
	return true
}

// Advance moves the cursor forward n bytes, reporting and clamping to the
// end of the stream if n overruns what remains.
func (r *Reader) Advance(n int) {
	if !r.require(n) {
		r.cursor = len(r.data)
		return
	}
	r.cursor += n
}

// ReadU8 reads one unsigned byte.
func (r *Reader) ReadU8() uint8 {
	if !r.require(1) {
		return 0
	}
	v := r.data[r.cursor]
	r.cursor++
	return v
}

// ReadI8 reads one signed byte.
func (r *Reader) ReadI8() int8 {
	return int8(r.ReadU8())
}

func (r *Reader) order() binary.ByteOrder {
	if r.bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ReadU16 reads a 2-byte unsigned integer in the reader's byte order.
func (r *Reader) ReadU16() uint16 {
	if !r.require(2) {
		return 0
	}
	v := r.order().Uint16(r.data[r.cursor:])
	r.cursor += 2
	return v
}

// ReadU24 reads a 3-byte unsigned integer, as used by the DW_FORM_strx3 and
// DW_FORM_addrx3 attribute forms.
func (r *Reader) ReadU24() uint32 {
	if !r.require(3) {
		return 0
	}
	b := r.data[r.cursor : r.cursor+3]
	r.cursor += 3
	if r.bigEndian {
		return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// ReadU32 reads a 4-byte unsigned integer in the reader's byte order.
func (r *Reader) ReadU32() uint32 {
	if !r.require(4) {
		return 0
	}
	v := r.order().Uint32(r.data[r.cursor:])
	r.cursor += 4
	return v
}

// ReadU64 reads an 8-byte unsigned integer in the reader's byte order.
func (r *Reader) ReadU64() uint64 {
	if !r.require(8) {
		return 0
	}
	v := r.order().Uint64(r.data[r.cursor:])
	r.cursor += 8
	return v
}

// ReadAddress reads an n-byte address (n must be 1, 2, 4 or 8) and returns
// it zero-extended to 64 bits.
func (r *Reader) ReadAddress(n int) uint64 {
	switch n {
	case 1:
		return uint64(r.ReadU8())
	case 2:
		return uint64(r.ReadU16())
	case 4:
		return uint64(r.ReadU32())
	case 8:
		return r.ReadU64()
	default:
		r.reportUnderflow(fmt.Errorf("%s: unsupported address size %d", r.Name, n))
		return 0
	}
}

// ReadBytes returns the next n bytes without copying, advancing the cursor.
func (r *Reader) ReadBytes(n int) []byte {
	if !r.require(n) {
		return nil
	}
	b := r.data[r.cursor : r.cursor+n]
	r.cursor += n
	return b
}

// ReadString scans for a NUL terminator and advances the cursor past it.
// The returned string does not include the terminator.
func (r *Reader) ReadString() string {
	start := r.cursor
	for r.cursor < len(r.data) && r.data[r.cursor] != 0 {
		r.cursor++
	}
	if r.cursor >= len(r.data) {
		r.reportUnderflow(fmt.Errorf("%s: unterminated string starting at offset %d", r.Name, start))
		return string(r.data[start:r.cursor])
	}
	s := string(r.data[start:r.cursor])
	r.cursor++ // consume the NUL
	return s
}

// ReadOffset reads a 4-byte offset, or an 8-byte offset when isDwarf64 is
// set, per the DWARF32/DWARF64 distinction (spec §4.1).
func (r *Reader) ReadOffset(isDwarf64 bool) uint64 {
	if isDwarf64 {
		return r.ReadU64()
	}
	return uint64(r.ReadU32())
}

// ReadInitialLength reads a DWARF initial-length field: a 4-byte value,
// unless it equals the 0xFFFFFFFF escape, in which case an 8-byte true
// length follows and the unit is flagged DWARF64.
func (r *Reader) ReadInitialLength() (length uint64, isDwarf64 bool) {
	v := r.ReadU32()
	if v == 0xFFFFFFFF {
		return r.ReadU64(), true
	}
	if v >= 0xFFFFFFF0 {
		r.reportUnderflow(fmt.Errorf("%s: reserved initial-length value 0x%x at offset %d", r.Name, v, r.cursor-4))
	}
	return uint64(v), false
}

// ReadULEB128 decodes an unsigned LEB128 value (DWARF4 §7.6, figure 46),
// saturating and reporting once if the encoding exceeds 64 bits.
func (r *Reader) ReadULEB128() uint64 {
	var result uint64
	var shift uint
	for {
		if r.Len() == 0 {
			r.reportUnderflow(fmt.Errorf("%s: truncated uleb128 at offset %d", r.Name, r.cursor))
			return result
		}
		b := r.ReadU8()
		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		} else if b&0x7f != 0 {
			r.reportUnderflow(fmt.Errorf("%s: uleb128 overflow at offset %d", r.Name, r.cursor))
		}
		if b&0x80 == 0 {
			return result
		}
		shift += 7
	}
}

// ReadSLEB128 decodes a signed LEB128 value (DWARF4 §7.6, figure 47), sign
// extending from the final byte's sign bit (0x40).
func (r *Reader) ReadSLEB128() int64 {
	var result int64
	var shift uint
	var b uint8
	for {
		if r.Len() == 0 {
			r.reportUnderflow(fmt.Errorf("%s: truncated sleb128 at offset %d", r.Name, r.cursor))
			return result
		}
		b = r.ReadU8()
		if shift < 64 {
			result |= int64(b&0x7f) << shift
		} else if b&0x7f != 0 {
			r.reportUnderflow(fmt.Errorf("%s: sleb128 overflow at offset %d", r.Name, r.cursor))
		}
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -(int64(1) << shift)
	}
	return result
}
