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

package backtrace

import (
	"fmt"
	"sort"

	"github.com/jetsetilly/backtrace/internal/dwarf"
)

// GetFileLine resolves pc against every loaded object's DWARF
// information (spec §4.12 / §6 "get_file_line"). onDumpFileLine may be
// called more than once, deepest inlined frame first; it is not called
// at all if pc resolves to nothing in any loaded object (the caller is
// then expected to fall back to GetSyminfo).
func (r *Resolver) GetFileLine(pc uint64, onDumpFileLine FileLineFunc, onError ErrorFunc) {
	if onDumpFileLine == nil {
		return
	}
	if onError == nil {
		onError = noopError
	}

	dwarf.Lookup(r.chain.Head(), pc, dwarf.FrameCallback(onDumpFileLine), func(err error) {
		onError(fmt.Sprintf("backtrace: get_file_line: %v", err), -1)
	})
}

// GetSyminfo is the name-only fallback (spec §6 "get_syminfo" / §4
// "Symbol-table reader"): a single binary search over every loaded
// object's merged, address-sorted symbol table. onDumpSyminfo is called
// exactly once, with an empty name if pc covers no known symbol.
func (r *Resolver) GetSyminfo(pc uint64, onDumpSyminfo SymInfoFunc, onError ErrorFunc) {
	if onDumpSyminfo == nil {
		return
	}
	if onError == nil {
		onError = noopError
	}

	sym := findSymbol(r.symbols, pc)
	if sym == nil {
		onDumpSyminfo(pc, "", 0, 0)
		return
	}
	onDumpSyminfo(pc, sym.Name, sym.Address, sym.Size)
}

// findSymbol returns the symbol with the greatest address not exceeding
// pc, mirroring the ElfSymbol/MachoSymbol lookup the spec describes: the
// last entry whose address is <= pc is assumed to cover it (size is
// informational only - many stripped symbol tables carry size 0).
func findSymbol(syms []Symbol, pc uint64) *Symbol {
	i := sort.Search(len(syms), func(i int) bool { return syms[i].Address > pc })
	if i == 0 {
		return nil
	}
	return &syms[i-1]
}
