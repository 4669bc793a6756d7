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

import "sort"

// Function describes one subprogram or inlined-subroutine instance (spec
// §3, "Function"). CallFile/CallLine are only meaningful for an inlined
// instance: they name the call site it was inlined into, resolved from
// its own DW_AT_call_file/DW_AT_call_line attributes.
type Function struct {
	Name     string
	CallFile string
	CallLine int

	// FunctionAddrs nests the inlined callees found directly within this
	// function's DIE subtree, sorted and sentinel-terminated the same way
	// as the per-unit function_addrs vector (spec §4.10).
	FunctionAddrs []FunctionAddr
}

// FunctionAddr is one [Low, High) extent attributed to a Function - either
// a real subprogram's full range or one PC range of an inlined instance
// (spec §3, "Unit.function_addrs").
type FunctionAddr struct {
	Low, High uint64
	Fn        *Function
}

// ReadFunctionInfo walks a unit's DIE tree collecting every subprogram's
// PC ranges into a flat, sorted, sentinel-terminated vector. owner
// supplies the sibling units and .gnu_debugaltlink target needed to
// resolve DW_AT_specification/abstract_origin references that cross unit
// or file boundaries; it may be nil in tests exercising a single isolated
// unit, in which case such references resolve to the empty name.
func ReadFunctionInfo(u *Unit, sec *Sections, uctx *UnitContext, owner *DwarfData) ([]FunctionAddr, error) {
	var alt *Sections
	if owner != nil && owner.Altlink != nil {
		alt = &owner.Altlink.Sections
	}

	w := newDieWalker(u.Data, u.DataOffset, &u.Abbrevs, uctx.BigEndian)

	root, ok, err := w.Next(uctx, sec, alt)
	if err != nil {
		return nil, err
	}
	if !ok || root.Abbrev == nil || !root.Abbrev.HasChildren {
		return finalizeFunctionAddrs(nil), nil
	}

	res := &funcResolver{sec: sec, alt: alt, uctx: uctx, u: u, owner: owner}
	addrs, err := collectFunctions(w, res)
	if err != nil {
		return nil, err
	}
	return finalizeFunctionAddrs(addrs), nil
}

// funcResolver bundles the context needed to read DIE attributes and to
// chase specification/abstract_origin references while walking one unit.
type funcResolver struct {
	sec  *Sections
	alt  *Sections
	uctx *UnitContext
	u    *Unit

	owner *DwarfData
}

// collectFunctions consumes DIEs from an already-open scope (w has just
// descended into a parent's children) until the scope closes, returning
// every subprogram extent found anywhere in the subtree.
func collectFunctions(w *dieWalker, res *funcResolver) ([]FunctionAddr, error) {
	var out []FunctionAddr
	for {
		d, ok, err := w.Next(res.uctx, res.sec, res.alt)
		if err != nil {
			return nil, err
		}
		if !ok || d.Abbrev == nil {
			return out, nil
		}

		switch d.Abbrev.Tag {
		case TagSubprogram, TagEntryPoint:
			fn := &Function{Name: resolveFunctionName(d, res)}

			var pr PcRange
			for i, spec := range d.Abbrev.Attrs {
				pr.Update(spec.Name, d.Values[i])
			}

			if d.Abbrev.HasChildren {
				inlines, err := collectInlines(w, res)
				if err != nil {
					return nil, err
				}
				fn.FunctionAddrs = finalizeFunctionAddrs(inlines)
			}

			err := pr.AddRanges(res.u, res.sec, res.uctx, 0, res.u.ObjBase, func(low, high uint64) {
				out = append(out, FunctionAddr{Low: low, High: high, Fn: fn})
			})
			if err != nil {
				return nil, err
			}

		default:
			if d.Abbrev.HasChildren {
				nested, err := collectFunctions(w, res)
				if err != nil {
					return nil, err
				}
				out = append(out, nested...)
			}
		}
	}
}

// collectInlines consumes one already-open scope looking for
// DW_TAG_inlined_subroutine entries and the lexical blocks that may
// contain them, building each one's own nested Function.
func collectInlines(w *dieWalker, res *funcResolver) ([]FunctionAddr, error) {
	var out []FunctionAddr
	for {
		d, ok, err := w.Next(res.uctx, res.sec, res.alt)
		if err != nil {
			return nil, err
		}
		if !ok || d.Abbrev == nil {
			return out, nil
		}

		switch d.Abbrev.Tag {
		case TagInlinedSubroutine:
			fn := &Function{Name: resolveFunctionName(d, res)}
			if callFile, ok := d.attrValue(AttrCallFile); ok {
				fn.CallFile = res.u.fileNameForCallFile(callFile.Uint)
			}
			if callLine, ok := d.attrValue(AttrCallLine); ok {
				fn.CallLine = int(callLine.Uint)
			}

			var pr PcRange
			for i, spec := range d.Abbrev.Attrs {
				pr.Update(spec.Name, d.Values[i])
			}

			if d.Abbrev.HasChildren {
				nested, err := collectInlines(w, res)
				if err != nil {
					return nil, err
				}
				fn.FunctionAddrs = finalizeFunctionAddrs(nested)
			}

			err := pr.AddRanges(res.u, res.sec, res.uctx, 0, res.u.ObjBase, func(low, high uint64) {
				out = append(out, FunctionAddr{Low: low, High: high, Fn: fn})
			})
			if err != nil {
				return nil, err
			}

		default:
			if d.Abbrev.HasChildren {
				nested, err := collectInlines(w, res)
				if err != nil {
					return nil, err
				}
				out = append(out, nested...)
			}
		}
	}
}

// fileNameForCallFile maps a DW_AT_call_file index to a filename. Index 0
// yields the unit's own filename; any other index yields the empty
// string, because the line program's file table is not consulted here.
// Line lookups (the primary consumer of filenames) always go through the
// line vector instead.
func (u *Unit) fileNameForCallFile(idx uint64) string {
	if idx == 0 {
		return u.Filename
	}
	return ""
}

// resolveFunctionName applies the precedence spec §4.10 requires:
// linkage name first, then a chased specification/abstract_origin, and
// finally the DIE's own plain name.
func resolveFunctionName(d die, res *funcResolver) string {
	if name, ok := d.str(AttrLinkageName, res.uctx, res.sec); ok && name != "" {
		return name
	}
	if name, ok := d.str(AttrMIPSLinkName, res.uctx, res.sec); ok && name != "" {
		return name
	}

	if v, ok := d.attrValue(AttrSpecification); ok {
		if name := res.resolveNameRef(v); name != "" {
			return name
		}
	}
	if v, ok := d.attrValue(AttrAbstractOrig); ok {
		if name := res.resolveNameRef(v); name != "" {
			return name
		}
	}

	if name, ok := d.str(AttrName, res.uctx, res.sec); ok {
		return name
	}
	return ""
}

// resolveNameRef chases a specification/abstract_origin reference to its
// target DIE and returns the name that DIE would itself resolve to
// (recursively applying the same precedence, so a chain of
// specifications terminates at whichever one carries a usable name).
// DW_FORM_ref_sig8 (ClassNone after readAttribute) is never chased: type
// units are out of scope.
func (res *funcResolver) resolveNameRef(v AttrValue) string {
	switch v.Class {
	case ClassRefUnit:
		abs := res.u.LowOffset + v.Uint
		d, ok := res.readDIEAt(res.u, abs)
		if !ok {
			return ""
		}
		return resolveFunctionName(d, res)

	case ClassRefInfo:
		if res.owner == nil {
			return ""
		}
		target := res.owner.unitContaining(v.Uint)
		if target == nil {
			return ""
		}
		tres := &funcResolver{sec: &res.owner.Sections, alt: res.alt, uctx: target.context(), u: target, owner: res.owner}
		d, ok := tres.readDIEAt(target, v.Uint)
		if !ok {
			return ""
		}
		return resolveFunctionName(d, tres)

	case ClassRefAltInfo:
		if res.owner == nil || res.owner.Altlink == nil {
			return ""
		}
		alt := res.owner.Altlink
		target := alt.unitContaining(v.Uint)
		if target == nil {
			return ""
		}
		tres := &funcResolver{sec: &alt.Sections, alt: nil, uctx: target.context(), u: target, owner: alt}
		d, ok := tres.readDIEAt(target, v.Uint)
		if !ok {
			return ""
		}
		return resolveFunctionName(d, tres)
	}
	return ""
}

// readDIEAt decodes a single DIE's attributes at an absolute .debug_info
// offset within unit, without descending into its children.
func (res *funcResolver) readDIEAt(unit *Unit, absOffset uint64) (die, bool) {
	if absOffset < unit.DataOffset || absOffset >= unit.HighOffset {
		return die{}, false
	}
	w := newDieWalker(unit.Data[absOffset-unit.DataOffset:], absOffset, &unit.Abbrevs, res.uctx.BigEndian)
	d, ok, err := w.Next(res.uctx, res.sec, res.alt)
	if err != nil || !ok || d.Abbrev == nil {
		return die{}, false
	}
	return d, true
}

// finalizeFunctionAddrs sorts ascending by Low, descending by High on
// ties (so narrower nested ranges sort after their enclosing range,
// per spec §4.10's function_addrs_compare), then appends the UINTPTR_MAX
// sentinel.
func finalizeFunctionAddrs(addrs []FunctionAddr) []FunctionAddr {
	sort.SliceStable(addrs, func(i, j int) bool {
		if addrs[i].Low != addrs[j].Low {
			return addrs[i].Low < addrs[j].Low
		}
		return addrs[i].High > addrs[j].High
	})
	return append(addrs, FunctionAddr{Low: ^uint64(0), High: ^uint64(0)})
}
