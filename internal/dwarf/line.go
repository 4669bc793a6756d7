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
	"path/filepath"
	"sort"

	"github.com/jetsetilly/backtrace/internal/reader"
)

// LineEntry is one row of a compilation unit's resolved line table (spec
// §3, "Unit.lines").
type LineEntry struct {
	PC       uint64
	Filename string
	Line     int
	Idx      int // insertion order, used as a stable tiebreaker
}

// content type codes for DWARF5 directory/file entry formats (DWARF5 §6.2.4.1).
const (
	lnctPath          = 0x1
	lnctDirectoryIdx  = 0x2
	lnctTimestamp     = 0x3
	lnctSize          = 0x4
	lnctMD5           = 0x5
)

// standard line-number opcodes (DWARF2-5 §6.2.5.2).
const (
	lnsCopy             = 1
	lnsAdvancePC        = 2
	lnsAdvanceLine      = 3
	lnsSetFile          = 4
	lnsSetColumn        = 5
	lnsNegateStmt       = 6
	lnsSetBasicBlock    = 7
	lnsConstAddPC       = 8
	lnsFixedAdvancePC   = 9
	lnsSetPrologueEnd   = 10
	lnsSetEpilogueBegin = 11
	lnsSetISA           = 12
)

// extended line-number opcodes (DWARF2-5 §6.2.5.3).
const (
	lneEndSequence     = 1
	lneSetAddress      = 2
	lneDefineFile      = 3
	lneSetDiscriminator = 4
)

type lineHeader struct {
	version            int
	addrSize           int
	minInsnLen         int
	maxOpsPerInsn      int
	defaultIsStmt      bool
	lineBase           int8
	lineRange          uint8
	opcodeBase         uint8
	stdOpcodeLengths   []uint8
	files              []string // index by DWARF file number
	programStart       int      // offset of the line-number program within the unit's line-section slice
}

// ReadLineInfo parses the line-number program for a unit's .debug_line
// offset, running the DWARF2-5 state machine (spec §4.9) to produce a
// sorted, deduplicated, sentinel-terminated row vector.
func ReadLineInfo(u *Unit, sec *Sections, uctx *UnitContext) ([]LineEntry, error) {
	data := sec.Get(SectionLine)
	if data == nil || u.LineOffset >= uint64(len(data)) {
		return nil, fmt.Errorf("dwarf: .debug_line offset %d out of bounds", u.LineOffset)
	}

	section := data[u.LineOffset:]
	r := reader.New("debug_line", section, uctx.BigEndian, nil)

	unitLength, isDwarf64 := r.ReadInitialLength()
	programEnd := r.Offset() + int(unitLength)
	if programEnd > len(section) {
		programEnd = len(section)
	}

	hdr, err := readLineHeader(r, isDwarf64, u, sec, uctx)
	if err != nil {
		return nil, err
	}

	return runLineProgram(r, section[:programEnd], hdr, u, uctx.BigEndian)
}

func readLineHeader(r *reader.Reader, isDwarf64 bool, u *Unit, sec *Sections, uctx *UnitContext) (*lineHeader, error) {
	hdr := &lineHeader{version: int(r.ReadU16()), addrSize: uctx.AddrSize}

	if hdr.version >= 5 {
		hdr.addrSize = int(r.ReadU8())
		r.ReadU8() // segment_selector_size, unused
	}

	headerLength := r.ReadOffset(isDwarf64)
	programStart := r.Offset() + int(headerLength)

	hdr.minInsnLen = int(r.ReadU8())
	if hdr.version >= 4 {
		hdr.maxOpsPerInsn = int(r.ReadU8())
	} else {
		hdr.maxOpsPerInsn = 1
	}
	if hdr.maxOpsPerInsn == 0 {
		hdr.maxOpsPerInsn = 1
	}
	hdr.defaultIsStmt = r.ReadU8() != 0
	hdr.lineBase = int8(r.ReadU8())
	hdr.lineRange = r.ReadU8()
	hdr.opcodeBase = r.ReadU8()

	hdr.stdOpcodeLengths = make([]uint8, hdr.opcodeBase)
	for i := 1; i < int(hdr.opcodeBase); i++ {
		hdr.stdOpcodeLengths[i] = r.ReadU8()
	}

	if hdr.version >= 5 {
		readLineTablesV5(r, hdr, u, isDwarf64, sec, uctx)
	} else {
		readLineTablesLegacy(r, hdr, u)
	}

	hdr.programStart = programStart
	return hdr, nil
}

// readLineTablesLegacy parses the DWARF2-4 directory and file-name tables:
// NUL-terminated lists, each terminated by an empty entry.
func readLineTablesLegacy(r *reader.Reader, hdr *lineHeader, u *Unit) {
	var dirs []string
	dirs = append(dirs, u.CompDir) // index 0 is implicit: the unit's own comp_dir
	for {
		d := r.ReadString()
		if d == "" {
			break
		}
		dirs = append(dirs, d)
	}

	hdr.files = append(hdr.files, u.Filename) // index 0 is implicit: the unit's own filename
	for {
		name := r.ReadString()
		if name == "" {
			break
		}
		dirIdx := r.ReadULEB128()
		r.ReadULEB128() // mtime, unused
		r.ReadULEB128() // size, unused

		hdr.files = append(hdr.files, joinDirFile(dirs, int(dirIdx), name))
	}
}

// readLineTablesV5 parses the DWARF5 directory and file-name tables, whose
// row shape is declared by a format-entry descriptor rather than fixed
// (DWARF5 §6.2.4.1).
func readLineTablesV5(r *reader.Reader, hdr *lineHeader, u *Unit, isDwarf64 bool, sec *Sections, uctx *UnitContext) {
	dirs := readV5EntryTable(r, isDwarf64, sec, uctx, nil)

	fileEntries := readV5EntryTable(r, isDwarf64, sec, uctx, dirs)
	hdr.files = fileEntries
}

// readV5EntryTable reads one DWARF5 directory_entry_format-shaped table
// (used for both the directories and file_names tables) and returns the
// resolved path of each entry. When dirs is non-nil, entries are file
// names and are joined against dirs by their directory_index field; when
// dirs is nil, entries are directory names and are returned as-is.
func readV5EntryTable(r *reader.Reader, isDwarf64 bool, sec *Sections, uctx *UnitContext, dirs []string) []string {
	formatCount := int(r.ReadU8())
	type fmtEntry struct {
		content int
		form    Form
	}
	formats := make([]fmtEntry, formatCount)
	for i := range formats {
		formats[i] = fmtEntry{content: int(r.ReadULEB128()), form: Form(r.ReadULEB128())}
	}

	count := r.ReadULEB128()
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		var name string
		var dirIdx int
		for _, f := range formats {
			val, err := readAttribute(r, f.form, 0, uctx, sec, nil)
			if err != nil {
				continue
			}
			switch f.content {
			case lnctPath:
				switch val.Class {
				case ClassString:
					name = val.Str
				case ClassStringIndex:
					name = ResolveStrx(val.Uint, uctx, sec)
				}
			case lnctDirectoryIdx:
				dirIdx = int(val.Uint)
			}
		}
		if dirs != nil {
			out = append(out, joinDirFile(dirs, dirIdx, name))
		} else {
			out = append(out, name)
		}
	}
	return out
}

func joinDirFile(dirs []string, dirIdx int, name string) string {
	if filepath.IsAbs(name) || dirIdx < 0 || dirIdx >= len(dirs) || dirs[dirIdx] == "" {
		return name
	}
	return filepath.Join(dirs[dirIdx], name)
}

func (h *lineHeader) fileName(idx int) string {
	if idx < 0 || idx >= len(h.files) {
		return ""
	}
	return h.files[idx]
}

// runLineProgram executes the line-number state machine (DWARF5 §6.2.5.1)
// starting at hdr.programStart, within the bounds of programData (the
// unit-length-bounded slice of .debug_line starting at this program).
func runLineProgram(r *reader.Reader, programData []byte, hdr *lineHeader, u *Unit, bigEndian bool) ([]LineEntry, error) {
	pr := reader.New("debug_line/program", programData[hdr.programStart:], bigEndian, nil)

	var rows []LineEntry
	idx := 0

	address := uint64(0)
	opIndex := 0
	file := 1
	line := 1

	appendRow := func() {
		rows = append(rows, LineEntry{PC: address + u.ObjBase, Filename: hdr.fileName(file), Line: line, Idx: idx})
		idx++
	}

	resetRegisters := func() {
		address = 0
		opIndex = 0
		file = 1
		line = 1
	}

	for pr.Len() > 0 {
		opcode := pr.ReadU8()

		switch {
		case opcode == 0:
			// extended opcode
			length := int(pr.ReadULEB128())
			if length == 0 {
				continue
			}
			sub := pr.ReadU8()
			consumedStart := pr.Offset()
			switch sub {
			case lneEndSequence:
				appendRow()
				resetRegisters()
			case lneSetAddress:
				address = pr.ReadAddress(hdr.addrSize)
				opIndex = 0
			case lneDefineFile:
				pr.ReadString()
				pr.ReadULEB128()
				pr.ReadULEB128()
				pr.ReadULEB128()
			case lneSetDiscriminator:
				pr.ReadULEB128()
			default:
				// unknown extended opcode: skip its remaining bytes
			}
			// remaining is whatever bytes of the instruction the switch above
			// did not itself consume, so unknown and partially-decoded
			// extended opcodes never leave the cursor short or over-advanced.
			remaining := (length - 1) - (pr.Offset() - consumedStart)
			if remaining > 0 {
				pr.Advance(remaining)
			}

		case int(opcode) < int(hdr.opcodeBase):
			switch opcode {
			case lnsCopy:
				appendRow()
			case lnsAdvancePC:
				adv := pr.ReadULEB128()
				address, opIndex = advancePC(address, opIndex, adv, hdr)
			case lnsAdvanceLine:
				line += int(pr.ReadSLEB128())
			case lnsSetFile:
				file = int(pr.ReadULEB128())
			case lnsSetColumn:
				pr.ReadULEB128()
			case lnsNegateStmt:
			case lnsSetBasicBlock:
			case lnsConstAddPC:
				adjusted := int(255 - hdr.opcodeBase)
				opAdvance := adjusted / int(hdr.lineRange)
				address, opIndex = advancePC(address, opIndex, uint64(opAdvance), hdr)
			case lnsFixedAdvancePC:
				address += uint64(pr.ReadU16())
				opIndex = 0
			case lnsSetPrologueEnd:
			case lnsSetEpilogueBegin:
			case lnsSetISA:
				pr.ReadULEB128()
			default:
				// vendor-defined standard opcode: skip its declared operands
				n := 0
				if int(opcode) < len(hdr.stdOpcodeLengths) {
					n = int(hdr.stdOpcodeLengths[opcode])
				}
				for i := 0; i < n; i++ {
					pr.ReadULEB128()
				}
			}

		default:
			// special opcode
			adjusted := int(opcode) - int(hdr.opcodeBase)
			opAdvance := adjusted / int(hdr.lineRange)
			lineAdvance := int(hdr.lineBase) + adjusted%int(hdr.lineRange)
			address, opIndex = advancePC(address, opIndex, uint64(opAdvance), hdr)
			line += lineAdvance
			appendRow()
		}
	}

	return finalizeLines(rows), nil
}

func advancePC(address uint64, opIndex int, opAdvance uint64, hdr *lineHeader) (uint64, int) {
	if hdr.maxOpsPerInsn <= 1 {
		return address + opAdvance*uint64(hdr.minInsnLen), 0
	}
	total := opIndex + int(opAdvance)
	address += uint64(hdr.minInsnLen) * uint64(total/hdr.maxOpsPerInsn)
	opIndex = total % hdr.maxOpsPerInsn
	return address, opIndex
}

// finalizeLines dedups adjacent (pc, filename, line) rows, appends the
// UINTPTR_MAX sentinel, and sorts stably by (pc, idx) per spec §4.9/§3.
func finalizeLines(rows []LineEntry) []LineEntry {
	deduped := rows[:0]
	for i, r := range rows {
		if i > 0 {
			p := deduped[len(deduped)-1]
			if p.PC == r.PC && p.Filename == r.Filename && p.Line == r.Line {
				continue
			}
		}
		deduped = append(deduped, r)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].PC != deduped[j].PC {
			return deduped[i].PC < deduped[j].PC
		}
		return deduped[i].Idx < deduped[j].Idx
	})

	deduped = append(deduped, LineEntry{PC: ^uint64(0), Idx: len(deduped)})
	return deduped
}
