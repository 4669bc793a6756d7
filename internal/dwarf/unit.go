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

import "sync/atomic"

// Unit is one compilation unit's state. The fields above the dashed line
// in the type are immutable once Unit is built by BuildAddressMap; the
// ones below are populated at most once, lazily, on first lookup (spec
// §3, "Unit").
type Unit struct {
	// --- immutable after init ---

	Data       []byte // raw DIE bytes, from the first DIE after the unit header to the unit's end
	DataOffset uint64 // absolute .debug_info offset of Data[0]
	LowOffset  uint64 // absolute .debug_info offset of this unit's header
	HighOffset uint64 // absolute .debug_info offset one past this unit's last byte

	Version   int
	IsDwarf64 bool
	AddrSize  int

	LineOffset     uint64 // offset into .debug_line, or ^uint64(0) if the unit has no stmt_list
	StrOffsetsBase uint64
	AddrBase       uint64
	RnglistsBase   uint64

	Filename string
	CompDir  string

	Abbrevs Abbrevs

	// ObjBase is the owning object's load base address; it is added to
	// every address this unit resolves, matching the other units of the
	// same DwarfData.
	ObjBase uint64

	// Owner back-references the DwarfData this unit belongs to, giving
	// ensureTables access to the section table, the sibling units (for
	// cross-unit DW_AT_specification/abstract_origin references) and the
	// .gnu_debugaltlink target (for cross-file references). Set once by
	// BuildAddressMap before the Unit is published into DwarfData.Units.
	Owner *DwarfData

	// --- lazily populated, concurrency-controlled ---

	tables atomic.Pointer[unitTables]
}

// context rebuilds the UnitContext the attribute reader needs from this
// unit's immutable fields.
func (u *Unit) context() *UnitContext {
	return &UnitContext{
		Version:        u.Version,
		IsDwarf64:      u.IsDwarf64,
		BigEndian:      u.Owner.IsBigEndian,
		AddrSize:       u.AddrSize,
		InfoOffset:     u.LowOffset,
		StrOffsetsBase: u.StrOffsetsBase,
		AddrBase:       u.AddrBase,
		RnglistsBase:   u.RnglistsBase,
	}
}

// unitTables is the lazily-published pair described by spec §3: once
// `lines` is observed non-nil, function_addrs is guaranteed fully
// populated too. A unit whose parse failed publishes an empty-but-non-nil
// pair so failure is distinguishable from "not yet attempted" without a
// separate sentinel value.
type unitTables struct {
	lines         []LineEntry
	functionAddrs []FunctionAddr
	failed        bool
}

// NoLineOffset marks a unit that carries no DW_AT_stmt_list.
const NoLineOffset = ^uint64(0)

// tablesOrNil returns the unit's published tables, or nil if nothing has
// been published yet. Safe for concurrent use.
func (u *Unit) tablesOrNil() *unitTables {
	return u.tables.Load()
}

// ensureTables lazily parses the unit's line and function tables on first
// use. Multiple goroutines may race into this function concurrently: per
// spec §5.1, both are allowed to do the parse work, and only the winner's
// result is published via CAS. The loser's allocations are simply
// discarded and reclaimed by the garbage collector - Go's equivalent of
// the original's "accepted leak" for this race, without the reader-side
// cost of a per-unit lock.
func (u *Unit) ensureTables(onError func(error)) *unitTables {
	if t := u.tables.Load(); t != nil {
		return t
	}

	uctx := u.context()
	sec := &u.Owner.Sections

	lines, err := ReadLineInfo(u, sec, uctx)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		failed := &unitTables{failed: true}
		if u.tables.CompareAndSwap(nil, failed) {
			return failed
		}
		return u.tables.Load()
	}

	funcs, err := ReadFunctionInfo(u, sec, uctx, u.Owner)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		failed := &unitTables{failed: true}
		if u.tables.CompareAndSwap(nil, failed) {
			return failed
		}
		return u.tables.Load()
	}

	published := &unitTables{lines: lines, functionAddrs: funcs}
	if u.tables.CompareAndSwap(nil, published) {
		return published
	}
	// another goroutine won the race; its result is equally valid
	return u.tables.Load()
}
