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
	"sort"

	"github.com/jetsetilly/backtrace/internal/reader"
)

// AttrSpec is one (name, form) pair declared by an abbreviation, with the
// signed LEB128 DW_FORM_implicit_const value carried alongside when
// applicable (spec §4.6).
type AttrSpec struct {
	Name          Attribute
	Form          Form
	ImplicitConst int64
}

// Abbreviation is one entry of a compilation unit's .debug_abbrev table
// (spec §3).
type Abbreviation struct {
	Code        uint64
	Tag         Tag
	HasChildren bool
	Attrs       []AttrSpec
}

// Abbrevs is a compilation unit's abbreviation table, sorted by Code. When
// codes are densely packed 1..N (the common case for GCC output) lookups
// are O(1) direct indexing; otherwise they fall back to binary search
// (spec §4.6).
type Abbrevs struct {
	entries []Abbreviation
	dense   bool
}

// ByCode returns the abbreviation for code, or false if none is declared.
func (a *Abbrevs) ByCode(code uint64) (Abbreviation, bool) {
	if a.dense {
		idx := code - 1
		if idx < uint64(len(a.entries)) && a.entries[idx].Code == code {
			return a.entries[idx], true
		}
		return Abbreviation{}, false
	}
	i := sort.Search(len(a.entries), func(i int) bool { return a.entries[i].Code >= code })
	if i < len(a.entries) && a.entries[i].Code == code {
		return a.entries[i], true
	}
	return Abbreviation{}, false
}

// ReadAbbrevs parses the abbreviation table starting at offset within the
// .debug_abbrev section, stopping at the table's terminating zero code.
func ReadAbbrevs(section []byte, offset uint64) (Abbrevs, error) {
	if offset > uint64(len(section)) {
		return Abbrevs{}, fmt.Errorf("dwarf: abbrev offset %d beyond section of length %d", offset, len(section))
	}

	r := reader.New("debug_abbrev", section[offset:], false, nil)

	var entries []Abbreviation
	dense := true
	next := uint64(1)

	for {
		code := r.ReadULEB128()
		if code == 0 {
			break // table terminator
		}
		if code != next {
			dense = false
		}
		next++

		tag := Tag(r.ReadULEB128())
		hasChildren := r.ReadU8() != 0

		var attrs []AttrSpec
		for {
			name := Attribute(r.ReadULEB128())
			form := Form(r.ReadULEB128())
			if name == 0 && form == 0 {
				break
			}

			var implicit int64
			if form == FormImplicitConst {
				implicit = r.ReadSLEB128()
			}
			attrs = append(attrs, AttrSpec{Name: name, Form: form, ImplicitConst: implicit})
		}

		entries = append(entries, Abbreviation{
			Code:        code,
			Tag:         tag,
			HasChildren: hasChildren,
			Attrs:       attrs,
		})

		if r.Len() == 0 {
			break
		}
	}

	if !dense {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
	}

	return Abbrevs{entries: entries, dense: dense}, nil
}
