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

// Package machoobj loads a Mach-O object's __DWARF segment and symbol
// table, including fat-binary architecture selection and dSYM bundle
// resolution (spec §6, "Mach-O"). It mirrors internal/elfobj's approach -
// a shared bounds-checked cursor reader rather than stdlib debug/macho -
// since this decoder needs the raw section bytes before any DWARF
// decompression and a UUID it can check against a sibling dSYM bundle,
// neither of which debug/macho exposes directly.
package machoobj

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/jetsetilly/backtrace/internal/dwarf"
	"github.com/jetsetilly/backtrace/internal/reader"
	"github.com/jetsetilly/backtrace/internal/view"
	"github.com/jetsetilly/backtrace/logger"
)

const (
	magic32   = 0xfeedface
	cigam32   = 0xcefaedfe
	magic64   = 0xfeedfacf
	cigam64   = 0xcffaedfe
	fatMagic  = 0xcafebabe
	fatCigam  = 0xbebafeca
	fatMagic64 = 0xcafebabf
	fatCigam64 = 0xbfbafeca

	lcSegment   = 0x1
	lcSymtab    = 0x2
	lcSegment64 = 0x19
	lcUUID      = 0x1b

	nStab = 0xe0
	nExt  = 0x01
	nType = 0x0e
	nAbs  = 0x02
	nSect = 0x0e

	cpuTypeX86    = 7
	cpuTypeX86_64 = 0x01000007
	cpuTypeArm    = 12
	cpuTypeArm64  = 0x0100000c
)

// Symbol is one entry of a sorted, sentinel-terminated symbol vector, the
// same shape elfobj produces.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
}

// Object is a parsed Mach-O slice: its __DWARF segment's sections and its
// symbol table.
type Object struct {
	Path      string
	Is64      bool
	BigEndian bool
	CPUType   uint32
	UUID      []byte

	Sections dwarf.Sections
	Symbols  []Symbol

	view *view.View
}

// Close releases the object's mapped file view, if any.
func (o *Object) Close() error {
	if o.view != nil {
		return o.view.Close()
	}
	return nil
}

// Load opens path, selects the slice matching the running architecture out
// of a fat binary (or the lone slice of a thin one), and parses it.
func Load(path string, onError func(error)) (*Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseFile(path, f, onError)
}

// ParseFile maps and parses the Mach-O image backing an already-open file
// descriptor, without taking ownership of it (mirrors elfobj.ParseFile;
// see its doc comment for why the root package needs this distinction).
func ParseFile(path string, f *os.File, onError func(error)) (*Object, error) {
	if onError == nil {
		onError = func(error) {}
	}

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	v, err := view.Open(f, 0, int(st.Size()))
	if err != nil {
		return nil, err
	}

	obj, err := Parse(path, v.Data, onError)
	if err != nil {
		v.Close()
		return nil, err
	}
	obj.view = v
	return obj, nil
}

// Parse decodes a mapped or in-memory Mach-O image, transparently
// unwrapping a fat-binary wrapper to reach the slice matching the running
// architecture (spec §8, end-to-end scenario 6, "current architecture
// selector").
func Parse(path string, data []byte, onError func(error)) (*Object, error) {
	if onError == nil {
		onError = func(error) {}
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("machoobj: %s: file too small", path)
	}

	magic := beUint32(data)
	if magic == fatMagic || magic == fatMagic64 {
		slice, err := selectFatSlice(path, data, magic == fatMagic64)
		if err != nil {
			return nil, err
		}
		return Parse(path, slice, onError)
	}

	return parseThin(path, data, onError)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// selectFatSlice picks the (offset, size) of the fat-archive member whose
// cputype matches the running architecture, and returns its bytes.
func selectFatSlice(path string, data []byte, is64 bool) ([]byte, error) {
	// the fat header and its arch entries are always big-endian, regardless
	// of host byte order or the bitness of the member slices themselves.
	r := reader.New(path, data, true, nil)
	r.Advance(4) // magic
	nfatArch := r.ReadU32()

	want, ok := currentCPUType()
	if !ok {
		return nil, fmt.Errorf("machoobj: %s: no architecture selector for GOARCH=%s", path, runtime.GOARCH)
	}

	for i := uint32(0); i < nfatArch; i++ {
		cpuType := r.ReadU32()
		r.ReadU32() // cpusubtype
		var offset, size uint64
		if is64 {
			offset = r.ReadU64()
			size = r.ReadU64()
			r.ReadU32() // align
			r.ReadU32() // reserved
		} else {
			offset = uint64(r.ReadU32())
			size = uint64(r.ReadU32())
			r.ReadU32() // align
		}
		if cpuType == want && offset+size <= uint64(len(data)) {
			return data[offset : offset+size], nil
		}
	}
	return nil, fmt.Errorf("machoobj: %s: no fat-archive slice for GOARCH=%s", path, runtime.GOARCH)
}

func currentCPUType() (uint32, bool) {
	switch runtime.GOARCH {
	case "amd64":
		return cpuTypeX86_64, true
	case "386":
		return cpuTypeX86, true
	case "arm64":
		return cpuTypeArm64, true
	case "arm":
		return cpuTypeArm, true
	default:
		return 0, false
	}
}

func parseThin(path string, data []byte, onError func(error)) (*Object, error) {
	magic := beUint32(data)

	var is64, bigEndian bool
	switch magic {
	case magic32:
		is64, bigEndian = false, true
	case cigam32:
		is64, bigEndian = false, false
	case magic64:
		is64, bigEndian = true, true
	case cigam64:
		is64, bigEndian = true, false
	default:
		return nil, fmt.Errorf("machoobj: %s: unrecognised Mach-O magic %#x", path, magic)
	}

	obj := &Object{Path: path, Is64: is64, BigEndian: bigEndian}

	r := reader.New(path, data, bigEndian, func(err error) { onError(err) })
	r.Advance(4) // magic
	obj.CPUType = r.ReadU32()
	r.ReadU32() // cpusubtype
	r.ReadU32() // filetype
	ncmds := r.ReadU32()
	r.ReadU32() // sizeofcmds
	r.ReadU32() // flags
	if is64 {
		r.ReadU32() // reserved
	}

	var symoff, nsyms, stroff uint32
	haveSymtab := false

	for i := uint32(0); i < ncmds && r.Len() > 0; i++ {
		cmdStart := r.Offset()
		cmd := r.ReadU32()
		cmdsize := r.ReadU32()
		if cmdsize < 8 {
			onError(fmt.Errorf("machoobj: %s: malformed load command size %d", path, cmdsize))
			break
		}

		switch cmd {
		case lcUUID:
			obj.UUID = r.ReadBytes(16)
		case lcSegment:
			readSegment32(r, &obj.Sections, data)
		case lcSegment64:
			readSegment64(r, &obj.Sections, data)
		case lcSymtab:
			symoff = r.ReadU32()
			nsyms = r.ReadU32()
			stroff = r.ReadU32()
			r.ReadU32() // strsize
			haveSymtab = true
		}

		r.SeekTo(cmdStart + int(cmdsize))
	}

	if haveSymtab {
		obj.Symbols = readSymtab(data, int(symoff), int(nsyms), int(stroff), is64, bigEndian)
	}
	obj.Symbols = finalizeSymbols(obj.Symbols)

	return obj, nil
}

// readSegment32 walks an LC_SEGMENT's sections, installing any recognised
// __DWARF member into sections.
func readSegment32(r *reader.Reader, sections *dwarf.Sections, data []byte) {
	segname := string(trimNul(r.ReadBytes(16)))
	r.ReadU32() // vmaddr
	r.ReadU32() // vmsize
	r.ReadU32() // fileoff
	r.ReadU32() // filesize
	r.ReadU32() // maxprot
	r.ReadU32() // initprot
	nsects := r.ReadU32()
	r.ReadU32() // flags

	for i := uint32(0); i < nsects; i++ {
		sectname := string(trimNul(r.ReadBytes(16)))
		r.ReadBytes(16) // segname (repeated per-section)
		r.ReadU32()     // addr
		size := r.ReadU32()
		offset := r.ReadU32()
		r.ReadU32() // align
		r.ReadU32() // reloff
		r.ReadU32() // nreloc
		r.ReadU32() // flags
		r.ReadU32() // reserved1
		r.ReadU32() // reserved2

		installDwarfSection(sections, segname, sectname, data, uint64(offset), uint64(size))
	}
}

// readSegment64 is readSegment32's 64-bit counterpart (section_64 entries
// use 64-bit addr/size but still a 32-bit file offset).
func readSegment64(r *reader.Reader, sections *dwarf.Sections, data []byte) {
	segname := string(trimNul(r.ReadBytes(16)))
	r.ReadU64() // vmaddr
	r.ReadU64() // vmsize
	r.ReadU64() // fileoff
	r.ReadU64() // filesize
	r.ReadU32() // maxprot
	r.ReadU32() // initprot
	nsects := r.ReadU32()
	r.ReadU32() // flags

	for i := uint32(0); i < nsects; i++ {
		sectname := string(trimNul(r.ReadBytes(16)))
		r.ReadBytes(16) // segname
		r.ReadU64()     // addr
		size := r.ReadU64()
		offset := r.ReadU32()
		r.ReadU32() // align
		r.ReadU32() // reloff
		r.ReadU32() // nreloc
		r.ReadU32() // flags
		r.ReadU32() // reserved1
		r.ReadU32() // reserved2
		r.ReadU32() // reserved3

		installDwarfSection(sections, segname, sectname, data, uint64(offset), size)
	}
}

// machoSectionNames maps a __DWARF segment section name to its
// dwarf.SectionKind. __debug_str_offs (not __debug_str_offsets) is the
// name Apple's toolchain actually emits (spec §6, "Mach-O").
var machoSectionNames = map[string]dwarf.SectionKind{
	"__debug_info":      dwarf.SectionInfo,
	"__debug_line":      dwarf.SectionLine,
	"__debug_abbrev":    dwarf.SectionAbbrev,
	"__debug_ranges":    dwarf.SectionRanges,
	"__debug_str":       dwarf.SectionStr,
	"__debug_str_offs":  dwarf.SectionStrOffsets,
	"__debug_rnglists":  dwarf.SectionRnglists,
}

func installDwarfSection(sections *dwarf.Sections, segname, sectname string, data []byte, offset, size uint64) {
	if segname != "__DWARF" {
		return
	}
	kind, ok := machoSectionNames[sectname]
	if !ok {
		return
	}
	if offset+size > uint64(len(data)) {
		return
	}
	sections.Set(kind, data[offset:offset+size])
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// machoDefinedSymbol reports whether an nlist n_type byte names a symbol
// table entry the symbol-table reader cares about: not a stabs debugging
// entry, not external (N_EXT), and either absolute or defined in a real
// section - excluding indirect (N_INDR) and prebound-undefined (N_PBUD)
// entries, which name no address of their own (ground-truth
// macho_defined_symbol()).
func machoDefinedSymbol(typ byte) bool {
	if typ&nStab != 0 {
		return false
	}
	if typ&nExt != 0 {
		return false
	}
	switch typ & nType {
	case nAbs, nSect:
		return true
	default:
		return false
	}
}

func readSymtab(data []byte, symoff, nsyms, stroff int, is64, bigEndian bool) []Symbol {
	entsize := 12
	if is64 {
		entsize = 16
	}
	if symoff < 0 || symoff+nsyms*entsize > len(data) || stroff < 0 || stroff > len(data) {
		return nil
	}
	strtab := data[stroff:]

	r := reader.New("macho-symtab", data[symoff:symoff+nsyms*entsize], bigEndian, nil)
	var out []Symbol
	for i := 0; i < nsyms; i++ {
		strx := r.ReadU32()
		typ := r.ReadU8()
		r.ReadU8()  // n_sect
		r.ReadU16() // n_desc
		var value uint64
		if is64 {
			value = r.ReadU64()
		} else {
			value = uint64(r.ReadU32())
		}

		if !machoDefinedSymbol(typ) || value == 0 {
			continue
		}
		name := cstrAt(strtab, int(strx))
		if name == "" {
			continue
		}
		out = append(out, Symbol{Name: strings.TrimPrefix(name, "_"), Address: value})
	}
	return out
}

func cstrAt(b []byte, off int) string {
	if off < 0 || off >= len(b) {
		return ""
	}
	end := off
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

func finalizeSymbols(syms []Symbol) []Symbol {
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Address < syms[j].Address })
	return append(syms, Symbol{Name: "", Address: ^uint64(0), Size: 0})
}

// DSYMPath returns the expected dSYM bundle path for exePath (spec §6,
// "dSYM resolution").
func DSYMPath(exePath string) string {
	return filepath.Join(exePath+".dSYM", "Contents", "Resources", "DWARF", filepath.Base(exePath))
}

// LoadDSYM loads the dSYM bundle sibling to exePath and verifies its UUID
// matches mainUUID, the LC_UUID read from the main binary. A mismatch is
// reported-and-skipped (spec §7): the caller falls back to the main
// object's own symbol table rather than trusting a stale dSYM.
func LoadDSYM(exePath string, mainUUID []byte, onError func(error)) (*Object, error) {
	dsymPath := DSYMPath(exePath)
	dsym, err := Load(dsymPath, onError)
	if err != nil {
		return nil, err
	}
	if len(mainUUID) > 0 && len(dsym.UUID) > 0 && !uuidsEqual(mainUUID, dsym.UUID) {
		dsym.Close()
		logger.Logf(logger.Allow, "machoobj", "%s: dSYM UUID mismatch, ignoring", dsymPath)
		return nil, fmt.Errorf("machoobj: %s: dSYM UUID does not match %s", dsymPath, exePath)
	}
	return dsym, nil
}

func uuidsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
