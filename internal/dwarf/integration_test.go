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
	"bytes"
	"encoding/binary"
	"testing"
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func u8(v byte) []byte   { return []byte{v} }
func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}
func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
func cstr(s string) []byte { return append([]byte(s), 0) }

// buildAbbrev builds a minimal .debug_abbrev table with two entries: a
// compile_unit with low_pc/high_pc/name/comp_dir/stmt_list, and a
// childless subprogram with low_pc/high_pc/name.
func buildAbbrev() []byte {
	var b bytes.Buffer
	// abbrev 1: compile_unit, has children
	b.Write(uleb(1))
	b.Write(uleb(uint64(TagCompileUnit)))
	b.WriteByte(1)
	writeAttr := func(name Attribute, form Form) {
		b.Write(uleb(uint64(name)))
		b.Write(uleb(uint64(form)))
	}
	writeAttr(AttrLowpc, FormAddr)
	writeAttr(AttrHighpc, FormData8)
	writeAttr(AttrName, FormString)
	writeAttr(AttrCompDir, FormString)
	writeAttr(AttrStmtList, FormSecOffset)
	b.Write(uleb(0))
	b.Write(uleb(0))

	// abbrev 2: subprogram, no children
	b.Write(uleb(2))
	b.Write(uleb(uint64(TagSubprogram)))
	b.WriteByte(0)
	writeAttr(AttrLowpc, FormAddr)
	writeAttr(AttrHighpc, FormData8)
	writeAttr(AttrName, FormString)
	b.Write(uleb(0))
	b.Write(uleb(0))

	b.Write(uleb(0)) // table terminator
	return b.Bytes()
}

// buildInfo builds a single DWARF4 compilation unit: a compile_unit
// [0x1000, 0x1100) named main.c in /src with stmt_list at offset 0,
// containing one subprogram "main" spanning [0x1000, 0x1100).
func buildInfo() []byte {
	var body bytes.Buffer
	body.Write(u16(4)) // version
	body.Write(u32(0)) // abbrev_offset
	body.WriteByte(8)  // addr_size

	body.Write(uleb(1)) // compile_unit
	body.Write(u64(0x1000))
	body.Write(u64(0x100))
	body.Write(cstr("main.c"))
	body.Write(cstr("/src"))
	body.Write(u32(0)) // stmt_list

	body.Write(uleb(2)) // subprogram
	body.Write(u64(0x1000))
	body.Write(u64(0x100))
	body.Write(cstr("main"))

	body.Write(uleb(0)) // end compile_unit children

	var out bytes.Buffer
	out.Write(u32(uint32(body.Len())))
	out.Write(body.Bytes())
	return out.Bytes()
}

// buildLine builds a minimal DWARF4 .debug_line program with one file
// ("main.c", joined against comp_dir) and a single row at 0x1000, line 2.
func buildLine() []byte {
	var hdr bytes.Buffer
	hdr.WriteByte(1)                             // minimum_instruction_length
	hdr.WriteByte(1)                             // maximum_operations_per_instruction
	hdr.WriteByte(1)                             // default_is_stmt
	hdr.WriteByte(0xfb)                          // line_base (-5)
	hdr.WriteByte(14)                            // line_range
	hdr.WriteByte(13)                            // opcode_base
	hdr.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1})
	hdr.WriteByte(0) // include_directories terminator
	hdr.Write(cstr("main.c"))
	hdr.Write(uleb(0)) // dir index
	hdr.Write(uleb(0)) // mtime
	hdr.Write(uleb(0)) // size
	hdr.WriteByte(0)   // file_names terminator

	var program bytes.Buffer
	program.WriteByte(0)
	program.Write(uleb(9))
	program.WriteByte(2) // DW_LNE_set_address
	program.Write(u64(0x1000))
	program.WriteByte(19) // special opcode: advance 0, line +1 -> line 2
	program.WriteByte(0)
	program.Write(uleb(1))
	program.WriteByte(1) // DW_LNE_end_sequence

	var body bytes.Buffer
	body.Write(u16(4)) // version
	body.Write(u32(uint32(hdr.Len())))
	body.Write(hdr.Bytes())
	body.Write(program.Bytes())

	var out bytes.Buffer
	out.Write(u32(uint32(body.Len())))
	out.Write(body.Bytes())
	return out.Bytes()
}

func buildTestObject(t *testing.T, objBase uint64) *DwarfData {
	t.Helper()

	data := &DwarfData{}
	data.Sections.Set(SectionInfo, buildInfo())
	data.Sections.Set(SectionAbbrev, buildAbbrev())
	data.Sections.Set(SectionLine, buildLine())

	if err := BuildAddressMap(data, objBase); err != nil {
		t.Fatalf("BuildAddressMap: %v", err)
	}
	return data
}

func TestBuildAddressMapAndLookup(t *testing.T) {
	data := buildTestObject(t, 0)

	if len(data.Units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(data.Units))
	}
	u := data.Units[0]
	if u.Filename != "main.c" || u.CompDir != "/src" {
		t.Fatalf("unexpected unit identity: %+v", u)
	}

	// one real entry from the compile_unit's own range plus the sentinel;
	// subprogram DIEs do not contribute to unit_addrs
	if len(data.Addrs) < 2 {
		t.Fatalf("expected at least one real unit_addrs entry plus sentinel, got %d", len(data.Addrs))
	}
	last := data.Addrs[len(data.Addrs)-1]
	if last.Low != ^uint64(0) || last.High != ^uint64(0) {
		t.Fatalf("missing unit_addrs sentinel: %+v", last)
	}

	var got struct {
		pc       uint64
		filename string
		line     int
		function string
		calls    int
	}
	ok := Lookup(data, 0x1050, func(pc uint64, filename string, line int, function string) {
		got.pc, got.filename, got.line, got.function = pc, filename, line, function
		got.calls++
	}, func(err error) { t.Fatalf("unexpected parse error: %v", err) })

	if !ok {
		t.Fatalf("Lookup reported no match for pc in range")
	}
	if got.calls != 1 {
		t.Fatalf("expected exactly one frame callback for a non-inlined frame, got %d", got.calls)
	}
	if got.function != "main" {
		t.Fatalf("expected function %q, got %q", "main", got.function)
	}
	if got.line != 2 {
		t.Fatalf("expected line 2, got %d", got.line)
	}
	if got.filename != "/src/main.c" {
		t.Fatalf("expected filename /src/main.c, got %q", got.filename)
	}
}

func TestLookupOutOfRangeFails(t *testing.T) {
	data := buildTestObject(t, 0)

	ok := Lookup(data, 0xdead, func(uint64, string, int, string) {
		t.Fatalf("callback should not fire for an out-of-range pc")
	}, nil)
	if ok {
		t.Fatalf("expected Lookup to fail for an address outside every unit")
	}
}

func TestLookupAppliesObjectBaseAddress(t *testing.T) {
	const base = 0x500000
	data := buildTestObject(t, base)

	var gotFunction string
	ok := Lookup(data, base+0x1050, func(pc uint64, filename string, line int, function string) {
		gotFunction = function
	}, nil)
	if !ok || gotFunction != "main" {
		t.Fatalf("expected lookup biased by base address to succeed, got ok=%v function=%q", ok, gotFunction)
	}

	ok = Lookup(data, 0x1050, func(uint64, string, int, string) {
		t.Fatalf("pc without the base-address bias must not resolve")
	}, nil)
	if ok {
		t.Fatalf("lookup at the unbiased address unexpectedly succeeded")
	}
}

func TestChainFallsBackToNextObject(t *testing.T) {
	first := buildTestObject(t, 0)
	second := buildTestObject(t, 0x10000)

	var chain Chain
	chain.Append(first)
	chain.Append(second)

	var gotFunction string
	ok := Lookup(chain.Head(), 0x10000+0x1050, func(pc uint64, filename string, line int, function string) {
		gotFunction = function
	}, nil)
	if !ok || gotFunction != "main" {
		t.Fatalf("expected chain fallback to resolve in the second object, got ok=%v function=%q", ok, gotFunction)
	}
}

func TestEnsureTablesIsIdempotent(t *testing.T) {
	data := buildTestObject(t, 0)
	u := data.Units[0]

	t1 := u.ensureTables(nil)
	t2 := u.ensureTables(nil)
	if t1 != t2 {
		t.Fatalf("ensureTables must return the same published snapshot on repeated calls")
	}
}
