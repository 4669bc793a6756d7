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

// AttrClass identifies the shape of a decoded attribute value (spec §3,
// "AttrValue").
type AttrClass int

// List of valid AttrClass values. Block and Expr carry no payload: their
// raw bytes are skipped, matching spec §3's "the last two carry no
// payload".
const (
	ClassNone AttrClass = iota
	ClassAddress
	ClassAddressIndex
	ClassUint
	ClassSint
	ClassString
	ClassStringIndex
	ClassRefUnit
	ClassRefInfo
	ClassRefAltInfo
	ClassRefSection
	ClassRefType
	ClassRnglistsIndex
	ClassBlock
	ClassExpr
)

// AttrValue is the decoded value of one DIE attribute.
type AttrValue struct {
	Class AttrClass
	Uint  uint64
	Sint  int64
	Str   string
	Block []byte
}

// UnitContext carries the per-unit state the attribute reader needs to
// resolve DWARF5's indirection forms (strx/addrx/rnglistx) and to size
// reference forms (spec §4.7).
type UnitContext struct {
	Version        int
	IsDwarf64      bool
	BigEndian      bool
	AddrSize       int
	InfoOffset     uint64 // offset of this unit's header within .debug_info
	StrOffsetsBase uint64
	AddrBase       uint64
	RnglistsBase   uint64
}

func (u *UnitContext) offsetSize() int {
	if u.IsDwarf64 {
		return 8
	}
	return 4
}

// readAttribute decodes one attribute value per form, following spec §4.7.
// sec is this unit's own Sections; alt is the .gnu_debugaltlink target's
// Sections, or nil if none is loaded.
func readAttribute(r *reader.Reader, form Form, implicitConst int64, uctx *UnitContext, sec *Sections, alt *Sections) (AttrValue, error) {
	switch form {
	case FormAddr:
		return AttrValue{Class: ClassAddress, Uint: r.ReadAddress(uctx.AddrSize)}, nil

	case FormBlock1:
		n := int(r.ReadU8())
		return AttrValue{Class: ClassBlock, Block: r.ReadBytes(n)}, nil
	case FormBlock2:
		n := int(r.ReadU16())
		return AttrValue{Class: ClassBlock, Block: r.ReadBytes(n)}, nil
	case FormBlock4:
		n := int(r.ReadU32())
		return AttrValue{Class: ClassBlock, Block: r.ReadBytes(n)}, nil
	case FormBlock:
		n := int(r.ReadULEB128())
		return AttrValue{Class: ClassBlock, Block: r.ReadBytes(n)}, nil
	case FormExprloc:
		n := int(r.ReadULEB128())
		return AttrValue{Class: ClassExpr, Block: r.ReadBytes(n)}, nil

	case FormData1:
		return AttrValue{Class: ClassUint, Uint: uint64(r.ReadU8())}, nil
	case FormData2:
		return AttrValue{Class: ClassUint, Uint: uint64(r.ReadU16())}, nil
	case FormData4:
		return AttrValue{Class: ClassUint, Uint: uint64(r.ReadU32())}, nil
	case FormData8:
		return AttrValue{Class: ClassUint, Uint: r.ReadU64()}, nil
	case FormData16:
		return AttrValue{Class: ClassBlock, Block: r.ReadBytes(16)}, nil
	case FormSdata:
		return AttrValue{Class: ClassSint, Sint: r.ReadSLEB128()}, nil
	case FormUdata:
		return AttrValue{Class: ClassUint, Uint: r.ReadULEB128()}, nil

	case FormString:
		return AttrValue{Class: ClassString, Str: r.ReadString()}, nil
	case FormStrp:
		off := r.ReadOffset(uctx.IsDwarf64)
		return AttrValue{Class: ClassString, Str: readStrAt(sec.Get(SectionStr), off)}, nil
	case FormLineStrp:
		off := r.ReadOffset(uctx.IsDwarf64)
		return AttrValue{Class: ClassString, Str: readStrAt(sec.Get(SectionLineStr), off)}, nil

	case FormStrx:
		return AttrValue{Class: ClassStringIndex, Uint: r.ReadULEB128()}, nil
	case FormStrx1:
		return AttrValue{Class: ClassStringIndex, Uint: uint64(r.ReadU8())}, nil
	case FormStrx2:
		return AttrValue{Class: ClassStringIndex, Uint: uint64(r.ReadU16())}, nil
	case FormStrx3:
		return AttrValue{Class: ClassStringIndex, Uint: uint64(r.ReadU24())}, nil
	case FormStrx4:
		return AttrValue{Class: ClassStringIndex, Uint: uint64(r.ReadU32())}, nil

	case FormAddrx:
		return AttrValue{Class: ClassAddressIndex, Uint: r.ReadULEB128()}, nil
	case FormAddrx1:
		return AttrValue{Class: ClassAddressIndex, Uint: uint64(r.ReadU8())}, nil
	case FormAddrx2:
		return AttrValue{Class: ClassAddressIndex, Uint: uint64(r.ReadU16())}, nil
	case FormAddrx3:
		return AttrValue{Class: ClassAddressIndex, Uint: uint64(r.ReadU24())}, nil
	case FormAddrx4:
		return AttrValue{Class: ClassAddressIndex, Uint: uint64(r.ReadU32())}, nil

	case FormRef1:
		return AttrValue{Class: ClassRefUnit, Uint: uint64(r.ReadU8())}, nil
	case FormRef2:
		return AttrValue{Class: ClassRefUnit, Uint: uint64(r.ReadU16())}, nil
	case FormRef4:
		return AttrValue{Class: ClassRefUnit, Uint: uint64(r.ReadU32())}, nil
	case FormRef8:
		return AttrValue{Class: ClassRefUnit, Uint: r.ReadU64()}, nil
	case FormRefUdata:
		return AttrValue{Class: ClassRefUnit, Uint: r.ReadULEB128()}, nil
	case FormRefAddr:
		return AttrValue{Class: ClassRefInfo, Uint: r.ReadOffset(uctx.IsDwarf64)}, nil
	case FormRefSig8:
		// type-unit signatures are out of scope (spec §4.10); the 8 bytes
		// still have to be consumed to keep the cursor in sync.
		r.ReadU64()
		return AttrValue{Class: ClassNone}, nil
	case FormRefSup4:
		return AttrValue{Class: ClassRefAltInfo, Uint: uint64(r.ReadU32())}, nil
	case FormRefSup8:
		return AttrValue{Class: ClassRefAltInfo, Uint: r.ReadU64()}, nil

	case FormSecOffset:
		return AttrValue{Class: ClassRefSection, Uint: r.ReadOffset(uctx.IsDwarf64)}, nil
	case FormLoclistx:
		return AttrValue{Class: ClassUint, Uint: r.ReadULEB128()}, nil
	case FormRnglistx:
		return AttrValue{Class: ClassRnglistsIndex, Uint: r.ReadULEB128()}, nil

	case FormFlag:
		return AttrValue{Class: ClassUint, Uint: uint64(r.ReadU8())}, nil
	case FormFlagPresent:
		return AttrValue{Class: ClassUint, Uint: 1}, nil
	case FormImplicitConst:
		return AttrValue{Class: ClassSint, Sint: implicitConst}, nil

	case FormIndirect:
		next := Form(r.ReadULEB128())
		if next == FormImplicitConst {
			return AttrValue{}, fmt.Errorf("dwarf: DW_FORM_indirect may not specify DW_FORM_implicit_const")
		}
		return readAttribute(r, next, 0, uctx, sec, alt)

	case FormStrpSup:
		off := r.ReadOffset(uctx.IsDwarf64)
		if alt == nil {
			return AttrValue{Class: ClassNone}, nil
		}
		return AttrValue{Class: ClassString, Str: readStrAt(alt.Get(SectionStr), off)}, nil

	case FormGNUStrpAlt:
		off := r.ReadOffset(uctx.IsDwarf64)
		if alt == nil {
			return AttrValue{Class: ClassNone}, nil
		}
		return AttrValue{Class: ClassString, Str: readStrAt(alt.Get(SectionStr), off)}, nil

	case FormGNURefAlt:
		off := r.ReadOffset(uctx.IsDwarf64)
		if alt == nil {
			return AttrValue{Class: ClassNone}, nil
		}
		return AttrValue{Class: ClassRefAltInfo, Uint: off}, nil

	default:
		return AttrValue{}, fmt.Errorf("dwarf: unhandled form 0x%x", form)
	}
}

func readStrAt(section []byte, offset uint64) string {
	if section == nil || offset >= uint64(len(section)) {
		return ""
	}
	r := reader.New("debug_str", section[offset:], false, nil)
	return r.ReadString()
}

// ResolveStrx resolves a DW_FORM_strx* index through .debug_str_offsets
// (relative to uctx.StrOffsetsBase) into the referenced .debug_str string.
func ResolveStrx(idx uint64, uctx *UnitContext, sec *Sections) string {
	offs := sec.Get(SectionStrOffsets)
	pos := uctx.StrOffsetsBase + idx*uint64(uctx.offsetSize())
	if offs == nil || pos+uint64(uctx.offsetSize()) > uint64(len(offs)) {
		return ""
	}
	r := reader.New("debug_str_offsets", offs[pos:], uctx.BigEndian, nil)
	off := r.ReadOffset(uctx.IsDwarf64)
	return readStrAt(sec.Get(SectionStr), off)
}

// ResolveAddrx resolves a DW_FORM_addrx* index through .debug_addr
// (relative to uctx.AddrBase) into the address value it names.
func ResolveAddrx(idx uint64, uctx *UnitContext, sec *Sections) (uint64, bool) {
	addrs := sec.Get(SectionAddr)
	pos := uctx.AddrBase + idx*uint64(uctx.AddrSize)
	if addrs == nil || pos+uint64(uctx.AddrSize) > uint64(len(addrs)) {
		return 0, false
	}
	r := reader.New("debug_addr", addrs[pos:], uctx.BigEndian, nil)
	return r.ReadAddress(uctx.AddrSize), true
}
