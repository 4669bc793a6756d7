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

	"github.com/jetsetilly/backtrace/internal/reader"
)

// die is one decoded Debugging Information Entry: its absolute
// .debug_info offset, its abbreviation (nil for a null/end-of-children
// marker), and its attribute values in declaration order.
type die struct {
	Offset uint64
	Abbrev *Abbreviation
	Values []AttrValue
}

// dieWalker is a depth-tracking cursor over one compilation unit's raw DIE
// bytes. Depth increases by one every time a DIE with children is
// returned and decreases by one for every null entry, so callers can tell
// a closing brace from a sibling without maintaining their own stack.
type dieWalker struct {
	r       *reader.Reader
	abbrevs *Abbrevs
	base    uint64 // absolute .debug_info offset of r's first byte
	depth   int
}

func newDieWalker(data []byte, base uint64, abbrevs *Abbrevs, bigEndian bool) *dieWalker {
	return &dieWalker{
		r:       reader.New("debug_info", data, bigEndian, nil),
		abbrevs: abbrevs,
		base:    base,
	}
}

// Next returns the next DIE, or a null entry (Abbrev == nil) when closing a
// level of children. It returns false once the unit's DIE bytes are
// exhausted.
func (w *dieWalker) Next(uctx *UnitContext, sec *Sections, alt *Sections) (die, bool, error) {
	if w.r.Len() == 0 {
		return die{}, false, nil
	}

	offset := w.base + uint64(w.r.Offset())
	code := w.r.ReadULEB128()
	if code == 0 {
		w.depth--
		return die{Offset: offset}, true, nil
	}

	ab, ok := w.abbrevs.ByCode(code)
	if !ok {
		return die{}, false, fmt.Errorf("dwarf: unknown abbreviation code %d at offset %#x", code, offset)
	}

	values := make([]AttrValue, len(ab.Attrs))
	for i, spec := range ab.Attrs {
		v, err := readAttribute(w.r, spec.Form, spec.ImplicitConst, uctx, sec, alt)
		if err != nil {
			return die{}, false, fmt.Errorf("dwarf: DIE at offset %#x: %w", offset, err)
		}
		values[i] = v
	}

	if ab.HasChildren {
		w.depth++
	}

	return die{Offset: offset, Abbrev: &ab, Values: values}, true, nil
}

// Depth returns the current nesting depth (0 at the unit's top-level DIE).
func (w *dieWalker) Depth() int {
	return w.depth
}

// attrValue looks up the value of attr within d, returning ok=false if d's
// abbreviation does not declare it.
func (d die) attrValue(attr Attribute) (AttrValue, bool) {
	if d.Abbrev == nil {
		return AttrValue{}, false
	}
	for i, spec := range d.Abbrev.Attrs {
		if spec.Name == attr {
			return d.Values[i], true
		}
	}
	return AttrValue{}, false
}

// str resolves attr as a string-shaped attribute, following the
// DW_FORM_strx indirection when needed.
func (d die) str(attr Attribute, uctx *UnitContext, sec *Sections) (string, bool) {
	v, ok := d.attrValue(attr)
	if !ok {
		return "", false
	}
	switch v.Class {
	case ClassString:
		return v.Str, true
	case ClassStringIndex:
		return ResolveStrx(v.Uint, uctx, sec), true
	}
	return "", false
}
