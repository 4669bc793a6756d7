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

package dwarf

import (
	"fmt"

	"github.com/jetsetilly/backtrace/internal/reader"
)

// PcRange accumulates the low_pc/high_pc/ranges attributes of one DIE as
// they're encountered during a single pass over its attribute list (spec
// §4.8). Attribute order within a DIE is not guaranteed, so nothing is
// resolved until AddRanges is called once the DIE has been fully read.
type PcRange struct {
	haveLowpc  bool
	lowpc      uint64
	lowpcIsIdx bool

	haveHighpc   bool
	highpc       uint64
	highpcRel    bool
	highpcIsIdx  bool

	haveRanges bool
	ranges     uint64
	rangesIdx  bool
}

// Update folds one attribute into the accumulator. Only low_pc, high_pc
// and ranges are relevant; all other attributes are ignored.
func (p *PcRange) Update(attr Attribute, val AttrValue) {
	switch attr {
	case AttrLowpc:
		p.haveLowpc = true
		p.lowpc = val.Uint
		p.lowpcIsIdx = val.Class == ClassAddressIndex
	case AttrHighpc:
		p.haveHighpc = true
		p.highpc = val.Uint
		// high_pc is relative to low_pc when its form class is a plain
		// constant (DWARF4+); it is absolute when the form is an address.
		p.highpcRel = val.Class == ClassUint || val.Class == ClassSint
		p.highpcIsIdx = val.Class == ClassAddressIndex
	case AttrRanges:
		p.haveRanges = true
		p.ranges = val.Uint
		p.rangesIdx = val.Class == ClassRnglistsIndex
	}
}

// EmitRange is called once per resolved [low, high) interval, already
// biased by the object's load base address.
type EmitRange func(low, high uint64)

// AddRanges resolves the accumulated attributes into explicit [low, high)
// intervals and invokes emit for each. baseAddress is the range list's
// initial base address - normally the enclosing compilation unit's low_pc.
func (p *PcRange) AddRanges(u *Unit, sec *Sections, uctx *UnitContext, baseAddress uint64, objBase uint64, emit EmitRange) error {
	if p.haveLowpc && p.haveHighpc {
		low := p.lowpc
		if p.lowpcIsIdx {
			v, ok := ResolveAddrx(low, uctx, sec)
			if !ok {
				return fmt.Errorf("dwarf: unresolved addrx low_pc index %d", low)
			}
			low = v
		}

		high := p.highpc
		if p.highpcIsIdx {
			v, ok := ResolveAddrx(high, uctx, sec)
			if !ok {
				return fmt.Errorf("dwarf: unresolved addrx high_pc index %d", high)
			}
			high = v
		} else if p.highpcRel {
			high = low + high
		}

		if high > low {
			emit(low+objBase, high+objBase)
		}
		return nil
	}

	if !p.haveRanges {
		return nil
	}

	if uctx.Version >= 5 {
		return p.addRangesV5(sec, uctx, baseAddress, objBase, emit)
	}
	return p.addRangesLegacy(sec, uctx, baseAddress, objBase, emit)
}

// addRangesLegacy walks the DWARF2-4 .debug_ranges format: pairs of
// addrsize values terminated by (0,0), with (maxaddr,addr) acting as a
// base-address selector.
func (p *PcRange) addRangesLegacy(sec *Sections, uctx *UnitContext, baseAddress, objBase uint64, emit EmitRange) error {
	data := sec.Get(SectionRanges)
	if data == nil || p.ranges >= uint64(len(data)) {
		return fmt.Errorf("dwarf: .debug_ranges offset %d out of bounds", p.ranges)
	}

	maxAddr := uint64(0xffffffff)
	if uctx.AddrSize == 8 {
		maxAddr = ^uint64(0)
	}

	r := reader.New("debug_ranges", data[p.ranges:], uctx.BigEndian, nil)
	base := baseAddress
	for {
		low := r.ReadAddress(uctx.AddrSize)
		high := r.ReadAddress(uctx.AddrSize)
		if low == 0 && high == 0 {
			return nil
		}
		if low == maxAddr {
			base = high
			continue
		}
		if high > low {
			emit(base+low+objBase, base+high+objBase)
		}
	}
}

// DW_RLE_* opcodes for .debug_rnglists (DWARF5 §7.25).
const (
	rleEndOfList     = 0x00
	rleBaseAddressx  = 0x01
	rleStartxEndx    = 0x02
	rleStartxLength  = 0x03
	rleOffsetPair    = 0x04
	rleBaseAddress   = 0x05
	rleStartEnd      = 0x06
	rleStartLength   = 0x07
)

// addRangesV5 evaluates the DWARF5 .debug_rnglists opcodes (spec §4.8).
func (p *PcRange) addRangesV5(sec *Sections, uctx *UnitContext, baseAddress, objBase uint64, emit EmitRange) error {
	data := sec.Get(SectionRnglists)
	if data == nil {
		return fmt.Errorf("dwarf: no .debug_rnglists section")
	}

	offset := p.ranges
	if p.rangesIdx {
		off, ok := rnglistsOffsetFromIndex(data, uctx, p.ranges)
		if !ok {
			return fmt.Errorf("dwarf: unresolved rnglistx index %d", p.ranges)
		}
		offset = off
	}
	if offset >= uint64(len(data)) {
		return fmt.Errorf("dwarf: .debug_rnglists offset %d out of bounds", offset)
	}

	r := reader.New("debug_rnglists", data[offset:], uctx.BigEndian, nil)
	base := baseAddress

	for {
		opcode := r.ReadU8()
		switch opcode {
		case rleEndOfList:
			return nil

		case rleBaseAddressx:
			idx := r.ReadULEB128()
			v, ok := ResolveAddrx(idx, uctx, sec)
			if !ok {
				return fmt.Errorf("dwarf: unresolved DW_RLE_base_addressx index %d", idx)
			}
			base = v

		case rleStartxEndx:
			sIdx := r.ReadULEB128()
			eIdx := r.ReadULEB128()
			low, ok1 := ResolveAddrx(sIdx, uctx, sec)
			high, ok2 := ResolveAddrx(eIdx, uctx, sec)
			if ok1 && ok2 && high > low {
				emit(low+objBase, high+objBase)
			}

		case rleStartxLength:
			sIdx := r.ReadULEB128()
			length := r.ReadULEB128()
			low, ok := ResolveAddrx(sIdx, uctx, sec)
			if ok && length > 0 {
				emit(low+objBase, low+length+objBase)
			}

		case rleOffsetPair:
			low := r.ReadULEB128()
			high := r.ReadULEB128()
			if high > low {
				emit(base+low+objBase, base+high+objBase)
			}

		case rleBaseAddress:
			base = r.ReadAddress(uctx.AddrSize)

		case rleStartEnd:
			low := r.ReadAddress(uctx.AddrSize)
			high := r.ReadAddress(uctx.AddrSize)
			if high > low {
				emit(low+objBase, high+objBase)
			}

		case rleStartLength:
			low := r.ReadAddress(uctx.AddrSize)
			length := r.ReadULEB128()
			if length > 0 {
				emit(low+objBase, low+length+objBase)
			}

		default:
			return fmt.Errorf("dwarf: unknown DW_RLE opcode 0x%x", opcode)
		}
	}
}

// rnglistsOffsetFromIndex resolves a DW_FORM_rnglistx index through the
// unit's rnglists_base, which points at an array of offset_size-sized
// offsets into .debug_rnglists (DWARF5 §7.28).
func rnglistsOffsetFromIndex(data []byte, uctx *UnitContext, idx uint64) (uint64, bool) {
	pos := uctx.RnglistsBase + idx*uint64(uctx.offsetSize())
	if pos+uint64(uctx.offsetSize()) > uint64(len(data)) {
		return 0, false
	}
	r := reader.New("debug_rnglists", data[pos:], uctx.BigEndian, nil)
	return uctx.RnglistsBase + r.ReadOffset(uctx.IsDwarf64), true
}
