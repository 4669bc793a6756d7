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
	"sort"
	"sync/atomic"

	"github.com/jetsetilly/backtrace/internal/reader"
)

// DW_UT_* unit_type values (DWARF5 §7.5.1.1), used only to skip type
// units: they carry no executable code and never appear in a backtrace.
const (
	dwUtCompile    = 0x01
	dwUtType       = 0x02
	dwUtPartial    = 0x03
	dwUtSkeleton   = 0x04
	dwUtSplitType  = 0x06
)

// UnitAddrs is one compilation unit's PC extent within the owning object,
// biased by its load base address (spec §3, "UnitAddrs").
type UnitAddrs struct {
	Low, High uint64
	Unit      *Unit
}

// DwarfData holds everything decoded from one loaded object's debug
// information (spec §3, "DwarfData"). It is built once, at object-load
// time, and is immutable after BuildAddressMap returns except for each
// Unit's own lazily-published line/function tables and the next pointer
// chaining it to the next loaded object.
type DwarfData struct {
	BaseAddress uint64
	Addrs       []UnitAddrs
	Units       []*Unit
	Sections    Sections
	IsBigEndian bool

	// Altlink is the resolved .gnu_debugaltlink target, or nil. The
	// reference is one-way: Altlink never points back.
	Altlink *DwarfData

	next atomic.Pointer[DwarfData]
}

// Next returns the next object in the lock-free load chain, or nil if
// this is currently the tail.
func (d *DwarfData) Next() *DwarfData {
	return d.next.Load()
}

// appendNext links o as this object's successor via CAS. It fails
// (returns false) if another goroutine has already linked a successor;
// the caller is expected to retry against that successor.
func (d *DwarfData) appendNext(o *DwarfData) bool {
	return d.next.CompareAndSwap(nil, o)
}

// unitContaining returns the unit whose [LowOffset, HighOffset) span
// contains the given absolute .debug_info offset, or nil. Units is kept
// sorted by ascending LowOffset because BuildAddressMap appends them in
// .debug_info encounter order, which is monotonic.
func (d *DwarfData) unitContaining(offset uint64) *Unit {
	i := sort.Search(len(d.Units), func(i int) bool { return d.Units[i].HighOffset > offset })
	if i < len(d.Units) && offset >= d.Units[i].LowOffset {
		return d.Units[i]
	}
	return nil
}

// BuildAddressMap iterates .debug_info compilation-unit by compilation
// unit, skipping DW_UT_type and DW_UT_split_type units (spec §4.11). For
// every remaining unit it builds a Unit, reads the unit's root DIE, gathers
// that DIE's PC ranges via the PC-range collector, and appends the
// resulting extents to data.Addrs. Only the root DIE's ranges are added;
// subprogram DIEs inside the unit contribute nothing to data.Addrs.
// The final vector is sorted by (low asc, high desc) and sentinel
// terminated.
func BuildAddressMap(data *DwarfData, baseAddress uint64) error {
	data.BaseAddress = baseAddress

	info := data.Sections.Get(SectionInfo)
	if info == nil {
		data.Addrs = append(data.Addrs, UnitAddrs{Low: ^uint64(0), High: ^uint64(0)})
		return nil
	}
	abbrevSec := data.Sections.Get(SectionAbbrev)

	r := reader.New("debug_info", info, data.IsBigEndian, nil)
	for r.Len() > 0 {
		cuStart := uint64(r.Offset())
		unitLength, isDwarf64 := r.ReadInitialLength()
		cuEnd := uint64(r.Offset()) + unitLength
		if cuEnd > uint64(len(info)) || unitLength == 0 {
			break
		}

		version := int(r.ReadU16())

		var unitType, addrSize int
		var abbrevOffset uint64
		if version >= 5 {
			unitType = int(r.ReadU8())
			addrSize = int(r.ReadU8())
			abbrevOffset = r.ReadOffset(isDwarf64)
		} else {
			unitType = dwUtCompile
			abbrevOffset = r.ReadOffset(isDwarf64)
			addrSize = int(r.ReadU8())
		}

		dataOffset := uint64(r.Offset())

		if unitType == dwUtType || unitType == dwUtSplitType {
			r.SeekTo(int(cuEnd))
			continue
		}

		abbrevs, err := ReadAbbrevs(abbrevSec, abbrevOffset)
		if err != nil {
			return err
		}

		u := &Unit{
			Data:       info[dataOffset:cuEnd],
			DataOffset: dataOffset,
			LowOffset:  cuStart,
			HighOffset: cuEnd,
			Version:    version,
			IsDwarf64:  isDwarf64,
			AddrSize:   addrSize,
			LineOffset: NoLineOffset,
			Abbrevs:    abbrevs,
			ObjBase:    baseAddress,
			Owner:      data,
		}

		pr, err := readUnitRoot(u)
		if err != nil {
			return err
		}

		data.Units = append(data.Units, u)

		err = pr.AddRanges(u, &data.Sections, u.context(), 0, baseAddress, func(low, high uint64) {
			data.Addrs = append(data.Addrs, UnitAddrs{Low: low, High: high, Unit: u})
		})
		if err != nil {
			return err
		}

		r.SeekTo(int(cuEnd))
	}

	sort.SliceStable(data.Addrs, func(i, j int) bool {
		if data.Addrs[i].Low != data.Addrs[j].Low {
			return data.Addrs[i].Low < data.Addrs[j].Low
		}
		return data.Addrs[i].High > data.Addrs[j].High
	})
	data.Addrs = append(data.Addrs, UnitAddrs{Low: ^uint64(0), High: ^uint64(0)})

	return nil
}

// readUnitRoot decodes a unit's single root DIE (compile_unit,
// skeleton_unit or partial_unit), populating the unit's name, comp_dir,
// stmt_list offset and DWARF5 indirection bases, and returns the PC-range
// accumulator built from its attributes.
func readUnitRoot(u *Unit) (PcRange, error) {
	data := u.Owner
	var alt *Sections
	if data.Altlink != nil {
		alt = &data.Altlink.Sections
	}

	// a provisional context suffices to decode the root DIE's raw attribute
	// values; DWARF5 bases are filled in below before any string/address
	// index on this same DIE is actually resolved.
	uctx := u.context()

	w := newDieWalker(u.Data, u.DataOffset, &u.Abbrevs, data.IsBigEndian)
	d, ok, err := w.Next(uctx, &data.Sections, alt)
	if err != nil {
		return PcRange{}, err
	}
	if !ok || d.Abbrev == nil {
		return PcRange{}, nil
	}

	var pr PcRange
	for i, spec := range d.Abbrev.Attrs {
		v := d.Values[i]
		pr.Update(spec.Name, v)
		switch spec.Name {
		case AttrStrOffsetBase:
			u.StrOffsetsBase = v.Uint
		case AttrAddrBase:
			u.AddrBase = v.Uint
		case AttrRnglistsBase:
			u.RnglistsBase = v.Uint
		case AttrStmtList:
			u.LineOffset = v.Uint
		}
	}

	uctx = u.context()
	if name, ok := d.str(AttrName, uctx, &data.Sections); ok {
		u.Filename = name
	}
	if cd, ok := d.str(AttrCompDir, uctx, &data.Sections); ok {
		u.CompDir = cd
	}

	return pr, nil
}
