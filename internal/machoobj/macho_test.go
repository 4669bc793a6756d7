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

package machoobj

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/jetsetilly/backtrace/internal/dwarf"
)

func cstr(s string) []byte { return append([]byte(s), 0) }

// machoBuilder assembles a minimal, little-endian, 64-bit thin Mach-O
// image: a mach_header_64, a fixed set of load commands, and their
// payloads, mirroring elfobj's elfBuilder approach.
type machoBuilder struct {
	cpuType uint32
	uuid    []byte

	segSectName string
	segPayload  []byte

	symbols []machoSym
	strtab  []byte
}

type machoSym struct {
	name  string
	typ   byte
	value uint64
}

func (b *machoBuilder) build() []byte {
	const headerSize = 32

	var symtab bytes.Buffer
	strtab := append([]byte{0}, b.strtab...)
	for _, s := range b.symbols {
		nameOff := uint32(0)
		if s.name != "" {
			nameOff = uint32(len(strtab))
			strtab = append(strtab, cstr(s.name)...)
		}
		binary.Write(&symtab, binary.LittleEndian, nameOff)
		symtab.WriteByte(s.typ)
		symtab.WriteByte(0)                                   // n_sect
		binary.Write(&symtab, binary.LittleEndian, uint16(0)) // n_desc
		binary.Write(&symtab, binary.LittleEndian, s.value)
	}

	var cmds bytes.Buffer
	ncmds := 0

	if len(b.uuid) == 16 {
		binary.Write(&cmds, binary.LittleEndian, uint32(lcUUID))
		binary.Write(&cmds, binary.LittleEndian, uint32(24))
		cmds.Write(b.uuid)
		ncmds++
	}

	var segSection bytes.Buffer
	hasSeg := b.segSectName != ""
	if hasSeg {
		segSection.Write(nameBytes16(b.segSectName))
		segSection.Write(nameBytes16("__DWARF"))
		binary.Write(&segSection, binary.LittleEndian, uint64(0))                 // addr
		binary.Write(&segSection, binary.LittleEndian, uint64(len(b.segPayload))) // size
		// offset is filled in below, once the absolute file layout is known.
		binary.Write(&segSection, binary.LittleEndian, uint32(0)) // offset placeholder
		binary.Write(&segSection, binary.LittleEndian, uint32(0)) // align
		binary.Write(&segSection, binary.LittleEndian, uint32(0)) // reloff
		binary.Write(&segSection, binary.LittleEndian, uint32(0)) // nreloc
		binary.Write(&segSection, binary.LittleEndian, uint32(0)) // flags
		binary.Write(&segSection, binary.LittleEndian, uint32(0)) // reserved1
		binary.Write(&segSection, binary.LittleEndian, uint32(0)) // reserved2
		binary.Write(&segSection, binary.LittleEndian, uint32(0)) // reserved3
	}

	var segCmd bytes.Buffer
	segCmdSize := 0
	if hasSeg {
		segCmdSize = 8 + 64 + segSection.Len()
		binary.Write(&segCmd, binary.LittleEndian, uint32(lcSegment64))
		binary.Write(&segCmd, binary.LittleEndian, uint32(segCmdSize))
		segCmd.Write(nameBytes16("__DWARF"))
		binary.Write(&segCmd, binary.LittleEndian, uint64(0)) // vmaddr
		binary.Write(&segCmd, binary.LittleEndian, uint64(0)) // vmsize
		binary.Write(&segCmd, binary.LittleEndian, uint64(0)) // fileoff
		binary.Write(&segCmd, binary.LittleEndian, uint64(0)) // filesize
		binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // maxprot
		binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // initprot
		binary.Write(&segCmd, binary.LittleEndian, uint32(1)) // nsects
		binary.Write(&segCmd, binary.LittleEndian, uint32(0)) // flags
		segCmd.Write(segSection.Bytes())
		ncmds++
	}

	haveSymtab := len(b.symbols) > 0
	var symtabCmd bytes.Buffer
	if haveSymtab {
		binary.Write(&symtabCmd, binary.LittleEndian, uint32(lcSymtab))
		binary.Write(&symtabCmd, binary.LittleEndian, uint32(24))
		binary.Write(&symtabCmd, binary.LittleEndian, uint32(0)) // symoff placeholder
		binary.Write(&symtabCmd, binary.LittleEndian, uint32(len(b.symbols)))
		binary.Write(&symtabCmd, binary.LittleEndian, uint32(0)) // stroff placeholder
		binary.Write(&symtabCmd, binary.LittleEndian, uint32(len(strtab)))
		ncmds++
	}

	cmds.Write(segCmd.Bytes())
	symtabCmdBytes := symtabCmd.Bytes()
	cmds.Write(symtabCmdBytes)

	sizeofcmds := cmds.Len()
	payloadStart := headerSize + sizeofcmds

	segPayloadOffset := payloadStart
	symoff := payloadStart + len(b.segPayload)
	stroff := symoff + len(symtab.Bytes())

	raw := cmds.Bytes()
	if hasSeg {
		// patch the section's file offset field, 16(sectname)+16(segname)+
		// 8(addr)+8(size) = 48 bytes into the section_64 struct, which
		// itself starts segCmdSize-80 bytes into the LC_SEGMENT_64 command.
		lcStart := 0
		if len(b.uuid) == 16 {
			lcStart = 24
		}
		off := lcStart + 8 + 64 + 48
		binary.LittleEndian.PutUint32(raw[off:off+4], uint32(segPayloadOffset))
	}
	if haveSymtab {
		symtabCmdStart := len(raw) - len(symtabCmdBytes)
		binary.LittleEndian.PutUint32(raw[symtabCmdStart+8:symtabCmdStart+12], uint32(symoff))
		binary.LittleEndian.PutUint32(raw[symtabCmdStart+16:symtabCmdStart+20], uint32(stroff))
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(magic64))
	binary.Write(&out, binary.LittleEndian, b.cpuType)
	binary.Write(&out, binary.LittleEndian, uint32(0)) // cpusubtype
	binary.Write(&out, binary.LittleEndian, uint32(2)) // filetype MH_EXECUTE
	binary.Write(&out, binary.LittleEndian, uint32(ncmds))
	binary.Write(&out, binary.LittleEndian, uint32(sizeofcmds))
	binary.Write(&out, binary.LittleEndian, uint32(0)) // flags
	binary.Write(&out, binary.LittleEndian, uint32(0)) // reserved
	out.Write(raw)
	out.Write(b.segPayload)
	out.Write(symtab.Bytes())
	out.Write(strtab)

	return out.Bytes()
}

func nameBytes16(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	return b
}

func TestParseRejectsNonMachO(t *testing.T) {
	_, err := Parse("bogus", []byte("not a mach-o file at all"), nil)
	if err == nil {
		t.Fatalf("expected an error for non-Mach-O data")
	}
}

func TestParseReadsDwarfSectionAndUUID(t *testing.T) {
	b := machoBuilder{
		cpuType:     cpuTypeX86_64,
		uuid:        bytes.Repeat([]byte{0xab}, 16),
		segSectName: "__debug_info",
		segPayload:  []byte("fake-dwarf-info"),
	}
	data := b.build()

	obj, err := Parse("test.dylib", data, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(obj.UUID, bytes.Repeat([]byte{0xab}, 16)) {
		t.Fatalf("UUID: got %x", obj.UUID)
	}
	if got := obj.Sections.Get(dwarf.SectionInfo); string(got) != "fake-dwarf-info" {
		t.Fatalf("__debug_info: got %q", got)
	}
}

// TestReadSymtabFiltersNonDefinedSymbols exercises the same
// stab/external/type filtering as the ELF symbol reader: only symbols
// that are not stabs, not external (N_EXT), and either absolute or
// section-defined (N_ABS/N_SECT) should survive into the merged table.
func TestReadSymtabFiltersNonDefinedSymbols(t *testing.T) {
	b := machoBuilder{
		cpuType: cpuTypeX86_64,
		symbols: []machoSym{
			{name: "stab", typ: 0x20, value: 0x2000},            // N_STAB bit set
			{name: "_extern", typ: nExt | nSect, value: 0x3000}, // external, excluded
			{name: "_main", typ: nSect, value: 0x1000},          // local, section-defined: kept
		},
	}
	data := b.build()

	obj, err := Parse("test.dylib", data, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var names []string
	for _, s := range obj.Symbols {
		if s.Address != ^uint64(0) {
			names = append(names, s.Name)
		}
	}
	if len(names) != 1 || names[0] != "main" {
		t.Fatalf("expected only the leading-underscore-trimmed 'main' symbol to survive filtering, got %v", names)
	}

	last := obj.Symbols[len(obj.Symbols)-1]
	if last.Address != ^uint64(0) {
		t.Fatalf("missing symbol sentinel: %+v", last)
	}
}

// buildFatWrapper wraps thin Mach-O slices in a 32-bit fat_arch header
// (always big-endian on the wire, regardless of the slices' own byte
// order), one arch entry per slice in the given cpuType order.
func buildFatWrapper(slices [][]byte, cpuTypes []uint32) []byte {
	const fatHeaderSize = 8
	archTableSize := len(slices) * 20
	dataStart := fatHeaderSize + archTableSize

	offsets := make([]int, len(slices))
	cursor := dataStart
	for i, s := range slices {
		offsets[i] = cursor
		cursor += len(s)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(fatMagic))
	binary.Write(&out, binary.BigEndian, uint32(len(slices)))
	for i := range slices {
		binary.Write(&out, binary.BigEndian, cpuTypes[i])
		binary.Write(&out, binary.BigEndian, uint32(0)) // cpusubtype
		binary.Write(&out, binary.BigEndian, uint32(offsets[i]))
		binary.Write(&out, binary.BigEndian, uint32(len(slices[i])))
		binary.Write(&out, binary.BigEndian, uint32(0)) // align
	}
	for _, s := range slices {
		out.Write(s)
	}
	return out.Bytes()
}

// TestParseSelectsFatSlice confirms the fat-archive loader picks the
// slice whose cputype matches the running architecture (spec §8,
// end-to-end scenario 6), regardless of its position in the arch table.
func TestParseSelectsFatSlice(t *testing.T) {
	want, ok := currentCPUType()
	if !ok {
		t.Skipf("no architecture selector for GOARCH")
	}

	other := want + 1
	wrongUUID := bytes.Repeat([]byte{0xcc}, 16)
	rightUUID := bytes.Repeat([]byte{0xee}, 16)

	wrongSlice := (&machoBuilder{cpuType: other, uuid: wrongUUID}).build()
	rightSlice := (&machoBuilder{cpuType: want, uuid: rightUUID}).build()

	fat := buildFatWrapper([][]byte{wrongSlice, rightSlice}, []uint32{other, want})

	obj, err := Parse("fat.dylib", fat, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(obj.UUID, rightUUID) {
		t.Fatalf("fat slice selection: got UUID %x, want %x (the slice matching GOARCH)", obj.UUID, rightUUID)
	}
}

func TestDSYMPathFormat(t *testing.T) {
	got := DSYMPath("/usr/bin/app")
	want := "/usr/bin/app.dSYM/Contents/Resources/DWARF/app"
	if got != want {
		t.Fatalf("DSYMPath: got %q want %q", got, want)
	}
}
