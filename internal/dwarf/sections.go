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

// SectionKind enumerates the debug sections the decoder understands (spec
// §3, "DwarfSections").
type SectionKind int

// List of valid SectionKind values.
const (
	SectionInfo SectionKind = iota
	SectionLine
	SectionAbbrev
	SectionRanges
	SectionStr
	SectionAddr
	SectionStrOffsets
	SectionLineStr
	SectionRnglists
	sectionCount
)

// sectionNames maps a SectionKind to the ELF/Mach-O-agnostic debug section
// name a container loader should look for (without the leading "." or
// "__debug_" / "__" prefix the container format uses).
var sectionNames = [sectionCount]string{
	SectionInfo:       "debug_info",
	SectionLine:       "debug_line",
	SectionAbbrev:     "debug_abbrev",
	SectionRanges:     "debug_ranges",
	SectionStr:        "debug_str",
	SectionAddr:       "debug_addr",
	SectionStrOffsets: "debug_str_offsets",
	SectionLineStr:    "debug_line_str",
	SectionRnglists:   "debug_rnglists",
}

// Name returns the canonical section name for kind.
func (k SectionKind) Name() string {
	if k < 0 || k >= sectionCount {
		return ""
	}
	return sectionNames[k]
}

// Sections is the fixed-length table of immutable byte slices a container
// loader hands to the DWARF reader.
type Sections struct {
	data [sectionCount][]byte
}

// Set installs data for kind, replacing whatever was there before. Callers
// own the backing array (it may be a zero-copy slice into a mapped view or
// an owned buffer returned by a decompressor).
func (s *Sections) Set(kind SectionKind, data []byte) {
	if kind < 0 || kind >= sectionCount {
		return
	}
	s.data[kind] = data
}

// Get returns the bytes for kind, or nil if the section was never present.
func (s *Sections) Get(kind SectionKind) []byte {
	if kind < 0 || kind >= sectionCount {
		return nil
	}
	return s.data[kind]
}

// Has reports whether kind has non-empty data.
func (s *Sections) Has(kind SectionKind) bool {
	return len(s.Get(kind)) > 0
}
