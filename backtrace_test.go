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

package backtrace_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/jetsetilly/backtrace"
)

func cstr(s string) []byte { return append([]byte(s), 0) }
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

// buildAbbrev returns a .debug_abbrev table with one compile_unit entry
// (low_pc/high_pc/name/comp_dir/stmt_list) and one childless subprogram
// entry (low_pc/high_pc/name), DWARF tag/attribute/form numbers taken
// directly from the DWARF specification.
func buildAbbrev() []byte {
	const (
		tagCompileUnit = 0x11
		tagSubprogram  = 0x2e
		attrLowpc      = 0x11
		attrHighpc     = 0x12
		attrName       = 0x03
		attrCompDir    = 0x1b
		attrStmtList   = 0x10
		formAddr       = 0x01
		formData8      = 0x07
		formString     = 0x08
		formSecOffset  = 0x17
	)
	var b bytes.Buffer
	attr := func(name, form int) {
		b.Write(uleb(uint64(name)))
		b.Write(uleb(uint64(form)))
	}

	b.Write(uleb(1))
	b.Write(uleb(tagCompileUnit))
	b.WriteByte(1)
	attr(attrLowpc, formAddr)
	attr(attrHighpc, formData8)
	attr(attrName, formString)
	attr(attrCompDir, formString)
	attr(attrStmtList, formSecOffset)
	b.Write(uleb(0))
	b.Write(uleb(0))

	b.Write(uleb(2))
	b.Write(uleb(tagSubprogram))
	b.WriteByte(0)
	attr(attrLowpc, formAddr)
	attr(attrHighpc, formData8)
	attr(attrName, formString)
	b.Write(uleb(0))
	b.Write(uleb(0))

	b.Write(uleb(0))
	return b.Bytes()
}

// buildInfo returns a single DWARF4 .debug_info unit: compile_unit
// "prog.c" in "/src" spanning [0x401000, 0x401100), containing one
// subprogram "main" over the same range.
func buildInfo() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint16(4)) // version
	binary.Write(&body, binary.LittleEndian, uint32(0)) // abbrev_offset
	body.WriteByte(8)                                   // addr_size

	body.Write(uleb(1))
	binary.Write(&body, binary.LittleEndian, uint64(0x401000))
	binary.Write(&body, binary.LittleEndian, uint64(0x100))
	body.Write(cstr("prog.c"))
	body.Write(cstr("/src"))
	binary.Write(&body, binary.LittleEndian, uint32(0)) // stmt_list

	body.Write(uleb(2))
	binary.Write(&body, binary.LittleEndian, uint64(0x401000))
	binary.Write(&body, binary.LittleEndian, uint64(0x100))
	body.Write(cstr("main"))

	body.Write(uleb(0))

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

// buildLine returns a DWARF4 .debug_line program with a single row:
// pc 0x401000, line 7, file "prog.c".
func buildLine() []byte {
	var hdr bytes.Buffer
	hdr.WriteByte(1)               // minimum_instruction_length
	hdr.WriteByte(1)               // maximum_operations_per_instruction
	hdr.WriteByte(1)               // default_is_stmt
	hdr.WriteByte(0xfb)            // line_base (-5)
	hdr.WriteByte(14)              // line_range
	hdr.WriteByte(13)              // opcode_base
	hdr.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1})
	hdr.WriteByte(0) // include_directories terminator
	hdr.Write(cstr("prog.c"))
	hdr.Write(uleb(0))
	hdr.Write(uleb(0))
	hdr.Write(uleb(0))
	hdr.WriteByte(0) // file_names terminator

	var program bytes.Buffer
	program.WriteByte(0)
	program.Write(uleb(9))
	program.WriteByte(2) // DW_LNE_set_address
	binary.Write(&program, binary.LittleEndian, uint64(0x401000))
	program.WriteByte(24) // special opcode: opcode_base(13) + (line+6 - line_base(-5)) -> line 7
	program.WriteByte(0)
	program.Write(uleb(1))
	program.WriteByte(1) // DW_LNE_end_sequence

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint16(4))
	binary.Write(&body, binary.LittleEndian, uint32(hdr.Len()))
	body.Write(hdr.Bytes())
	body.Write(program.Bytes())

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

type elfSection struct {
	name    string
	typ     uint32
	link    uint32
	payload []byte
}

// buildELF assembles a minimal little-endian ELF64 executable containing
// the given extra sections plus a .symtab/.strtab with one symbol.
func buildELF(extra []elfSection) []byte {
	strtab := append([]byte{0}, cstr("main")...)
	var symtab bytes.Buffer
	symtab.Write(make([]byte, 24)) // null symbol
	binary.Write(&symtab, binary.LittleEndian, uint32(1))
	symtab.WriteByte(0x12)
	symtab.WriteByte(0)
	binary.Write(&symtab, binary.LittleEndian, uint16(1))
	binary.Write(&symtab, binary.LittleEndian, uint64(0x401000))
	binary.Write(&symtab, binary.LittleEndian, uint64(0x100))

	sections := []elfSection{{name: ""}}
	sections = append(sections, extra...)
	strtabIdx := uint32(len(sections) + 1)
	sections = append(sections,
		elfSection{name: ".symtab", typ: 2, link: strtabIdx, payload: symtab.Bytes()},
		elfSection{name: ".strtab", typ: 3, payload: strtab},
	)

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOffsets := make([]uint32, len(sections))
	for i, s := range sections {
		nameOffsets[i] = uint32(shstrtab.Len())
		shstrtab.Write(cstr(s.name))
	}
	sections = append(sections, elfSection{name: ".shstrtab", typ: 3, payload: shstrtab.Bytes()})
	shstrtabIdx := len(sections) - 1
	nameOffsets = append(nameOffsets, 0)

	const ehsize = 64
	const shentsize = 64

	cursor := uint64(ehsize)
	payloadOffsets := make([]uint64, len(sections))
	var payloads bytes.Buffer
	for i, s := range sections {
		payloadOffsets[i] = cursor
		payloads.Write(s.payload)
		cursor += uint64(len(s.payload))
	}
	shoff := cursor

	var out bytes.Buffer
	out.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	out.Write(make([]byte, 8))
	binary.Write(&out, binary.LittleEndian, uint16(2))
	binary.Write(&out, binary.LittleEndian, uint16(62))
	binary.Write(&out, binary.LittleEndian, uint32(1))
	binary.Write(&out, binary.LittleEndian, uint64(0))
	binary.Write(&out, binary.LittleEndian, uint64(0))
	binary.Write(&out, binary.LittleEndian, shoff)
	binary.Write(&out, binary.LittleEndian, uint32(0))
	binary.Write(&out, binary.LittleEndian, uint16(ehsize))
	binary.Write(&out, binary.LittleEndian, uint16(0))
	binary.Write(&out, binary.LittleEndian, uint16(0))
	binary.Write(&out, binary.LittleEndian, uint16(shentsize))
	binary.Write(&out, binary.LittleEndian, uint16(len(sections)))
	binary.Write(&out, binary.LittleEndian, uint16(shstrtabIdx))

	out.Write(payloads.Bytes())

	for i, s := range sections {
		binary.Write(&out, binary.LittleEndian, nameOffsets[i])
		binary.Write(&out, binary.LittleEndian, s.typ)
		binary.Write(&out, binary.LittleEndian, uint64(0)) // flags
		binary.Write(&out, binary.LittleEndian, uint64(0)) // addr
		binary.Write(&out, binary.LittleEndian, payloadOffsets[i])
		binary.Write(&out, binary.LittleEndian, uint64(len(s.payload)))
		binary.Write(&out, binary.LittleEndian, s.link)
		binary.Write(&out, binary.LittleEndian, uint32(0))
		binary.Write(&out, binary.LittleEndian, uint64(1))
		binary.Write(&out, binary.LittleEndian, uint64(0))
	}

	return out.Bytes()
}

func writeTempELF(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog")
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInitAndGetFileLineResolvesFrame(t *testing.T) {
	data := buildELF([]elfSection{
		{name: ".debug_info", payload: buildInfo()},
		{name: ".debug_abbrev", payload: buildAbbrev()},
		{name: ".debug_line", payload: buildLine()},
	})
	path := writeTempELF(t, data)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var errs []string
	r, err := backtrace.Init(path, f, func(msg string, _ int) { errs = append(errs, msg) })
	if err != nil {
		t.Fatalf("Init: %v (diagnostics: %v)", err, errs)
	}

	var gotFile string
	var gotLine int
	var gotFunction string
	var calls int
	r.GetFileLine(0x401000, func(pc uint64, filename string, line int, function string) {
		gotFile, gotLine, gotFunction = filename, line, function
		calls++
	}, func(msg string, _ int) { t.Fatalf("unexpected error: %s", msg) })

	if calls != 1 {
		t.Fatalf("expected exactly one frame callback, got %d", calls)
	}
	if gotFunction != "main" {
		t.Fatalf("expected function %q, got %q", "main", gotFunction)
	}
	if gotLine != 7 {
		t.Fatalf("expected line 7, got %d", gotLine)
	}
	if gotFile != "/src/prog.c" {
		t.Fatalf("expected file /src/prog.c, got %q", gotFile)
	}
}

func TestGetFileLineOutOfRangeDoesNotFire(t *testing.T) {
	data := buildELF([]elfSection{
		{name: ".debug_info", payload: buildInfo()},
		{name: ".debug_abbrev", payload: buildAbbrev()},
		{name: ".debug_line", payload: buildLine()},
	})
	path := writeTempELF(t, data)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r, err := backtrace.Init(path, f, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	r.GetFileLine(0xdeadbeef, func(uint64, string, int, string) {
		t.Fatalf("callback should not fire for a pc outside every loaded unit")
	}, nil)
}

func TestGetSyminfoFallsBackToSymbolTable(t *testing.T) {
	data := buildELF(nil) // no DWARF sections at all: a stripped binary
	path := writeTempELF(t, data)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r, err := backtrace.Init(path, f, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	var gotName string
	var gotAddr uint64
	r.GetSyminfo(0x401050, func(pc uint64, name string, address, size uint64) {
		gotName, gotAddr = name, address
	}, nil)

	if gotName != "main" || gotAddr != 0x401000 {
		t.Fatalf("expected symbol main@0x401000, got %q@%#x", gotName, gotAddr)
	}
}

func TestGetSyminfoEmptyWhenNoSymbolCovers(t *testing.T) {
	data := buildELF(nil)
	path := writeTempELF(t, data)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r, err := backtrace.Init(path, f, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	var called bool
	var gotName string
	r.GetSyminfo(0x1, func(pc uint64, name string, address, size uint64) {
		called = true
		gotName = name
	}, nil)

	if !called {
		t.Fatalf("expected GetSyminfo to call back exactly once even without a match")
	}
	if gotName != "" {
		t.Fatalf("expected empty name for unmatched pc, got %q", gotName)
	}
}
