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
)

// Chain is the process-wide, append-only list of loaded objects' parsed
// debug data (spec §3 "DwarfData.next", §5 "Global object chain"). New
// objects are linked in with a CAS on the tail; the list is never
// reordered or shrunk, so a reader can walk it with plain loads while a
// writer is extending it.
type Chain struct {
	head atomic.Pointer[DwarfData]
}

// Append links d onto the chain, racing other appenders if necessary.
func (c *Chain) Append(d *DwarfData) {
	for {
		head := c.head.Load()
		if head == nil {
			if c.head.CompareAndSwap(nil, d) {
				return
			}
			continue
		}
		tail := head
		for {
			next := tail.Next()
			if next == nil {
				break
			}
			tail = next
		}
		if tail.appendNext(d) {
			return
		}
	}
}

// Head returns the first object loaded, or nil if none has been appended
// yet.
func (c *Chain) Head() *DwarfData {
	return c.head.Load()
}

// FrameCallback receives one reported frame. It is called once for the
// real (non-inlined) frame and once more, deepest-first, for every
// enclosing level of inlining a PC resolves through (spec §4.12). Either
// of filename/function may be empty when the information could not be
// recovered.
type FrameCallback func(pc uint64, filename string, line int, function string)

// Lookup resolves pc against the object chain starting at head, calling
// cb for each frame it can report and returning true once it does.
// Failures (and the degraded symbol-table-only case where no DWARF match
// exists at all) return false so the caller can fall back to a symbol
// table lookup. onError, if non-nil, is called with any parse error
// encountered along the way; a parse error does not stop the walk - the
// next object in the chain is tried next (spec §4.12 step 3).
func Lookup(head *DwarfData, pc uint64, cb FrameCallback, onError func(error)) bool {
	for d := head; d != nil; d = d.Next() {
		if lookupInObject(d, pc, cb, onError) {
			return true
		}
	}
	return false
}

func lookupInObject(d *DwarfData, pc uint64, cb FrameCallback, onError func(error)) bool {
	u := findUnit(d.Addrs, pc)
	if u == nil {
		return false
	}

	t := u.ensureTables(onError)
	if t.failed {
		return false
	}

	line, filename := findLine(t.lines, pc, u.Filename)

	fa := findFunctionAddr(t.functionAddrs, pc)
	if fa == nil {
		cb(pc, filename, line, "")
		return true
	}

	reportInlinedFunctions(fa.Fn, pc, filename, line, cb)
	return true
}

// findUnit implements spec §4.12 step 1: binary-search for the range
// containing pc, and when several entries share the same Low (nested
// units), walk the run from its narrowest (smallest High) entry outward
// until one actually covers pc - returning the most specific match.
func findUnit(addrs []UnitAddrs, pc uint64) *Unit {
	j := sort.Search(len(addrs), func(i int) bool { return addrs[i].Low > pc })
	if j == 0 {
		return nil
	}
	idx := j - 1
	low0 := addrs[idx].Low
	start := idx
	for start > 0 && addrs[start-1].Low == low0 {
		start--
	}
	for i := idx; i >= start; i-- {
		if pc < addrs[i].High {
			return addrs[i].Unit
		}
	}
	return nil
}

// findLine returns the line and filename of the line-table row with the
// greatest PC not exceeding pc. When no row matches, the unit header
// still names the compilation's own source file (spec §4.12 step 4: "the
// unit header still gives us a file"), so unitFilename is returned with
// line 0 rather than an empty filename.
func findLine(lines []LineEntry, pc uint64, unitFilename string) (int, string) {
	i := sort.Search(len(lines), func(i int) bool { return lines[i].PC > pc })
	if i == 0 {
		return 0, unitFilename
	}
	e := lines[i-1]
	return e.Line, e.Filename
}

// findFunctionAddr mirrors findUnit's same-Low run handling for a
// function_addrs vector: nested inline ranges commonly share a Low with
// their enclosing range, and the narrowest covering entry is preferred.
func findFunctionAddr(fas []FunctionAddr, pc uint64) *FunctionAddr {
	j := sort.Search(len(fas), func(i int) bool { return fas[i].Low > pc })
	if j == 0 {
		return nil
	}
	idx := j - 1
	low0 := fas[idx].Low
	start := idx
	for start > 0 && fas[start-1].Low == low0 {
		start--
	}
	for i := idx; i >= start; i-- {
		if pc < fas[i].High {
			return &fas[i]
		}
	}
	return nil
}

// reportInlinedFunctions walks fn's nested inline tree deepest-first. The
// innermost match reports the real PC's own (filename, line) under its
// own name; each enclosing level then reports using the call site
// recorded by the inline it just left, under its own (enclosing) name.
func reportInlinedFunctions(fn *Function, pc uint64, filename string, line int, cb FrameCallback) {
	inline := findFunctionAddr(fn.FunctionAddrs, pc)
	if inline == nil {
		cb(pc, filename, line, fn.Name)
		return
	}
	reportInlinedFunctions(inline.Fn, pc, filename, line, cb)
	cb(pc, inline.Fn.CallFile, inline.Fn.CallLine, fn.Name)
}
