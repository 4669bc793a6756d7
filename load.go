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

package backtrace

import (
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/jetsetilly/backtrace/internal/dwarf"
	"github.com/jetsetilly/backtrace/internal/elfobj"
	"github.com/jetsetilly/backtrace/internal/imageiter"
	"github.com/jetsetilly/backtrace/internal/machoobj"
	"github.com/jetsetilly/backtrace/logger"
)

// iterateImages wraps imageiter.Iterate, treating a platform-primitive
// failure as reported-and-continued (spec §7): the main executable
// already loaded by Init is still usable on its own.
func iterateImages(onError ErrorFunc) []imageiter.Image {
	images, err := imageiter.Iterate()
	if err != nil {
		onError(fmt.Sprintf("backtrace: iterate loaded images: %v", err), -1)
		return nil
	}
	return images
}

// loadImage opens (or reuses) path, sniffs its container format, and
// loads it into the resolver's chain. f, if non-nil, is an
// already-open descriptor for path (used for the main executable so the
// exact running image is read); loadImage never closes a caller-supplied
// f. loadBias is this image's load-time base address.
func (r *Resolver) loadImage(path string, f *os.File, loadBias uint64, onError ErrorFunc) error {
	owned := false
	if f == nil {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return err
		}
		owned = true
		defer func() {
			if owned {
				f.Close()
			}
		}()
	}

	magic := make([]byte, 4)
	if n, err := f.ReadAt(magic, 0); err != nil || n < 4 {
		return fmt.Errorf("%s: too short to identify", path)
	}

	wrapErr := func(err error) {
		if err == nil {
			return
		}
		logger.Logf(logger.Allow, "backtrace", "%s: %v", path, err)
		onError(fmt.Sprintf("backtrace: %s: %v", path, err), -1)
	}

	if string(magic) == "\x7fELF" {
		return r.loadELF(path, f, loadBias, wrapErr)
	}
	return r.loadMacho(path, f, loadBias, wrapErr)
}

// loadELF parses path as an ELF object, resolving a split debug source
// (build-ID, then .gnu_debuglink) when the object itself carries no
// .debug_info, and a .gnu_debugaltlink supplementary file when present.
func (r *Resolver) loadELF(path string, f *os.File, loadBias uint64, onError func(error)) error {
	obj, err := elfobj.ParseFile(path, f, onError)
	if err != nil {
		return err
	}

	if !obj.Sections.Has(dwarf.SectionInfo) {
		resolveELFSplitDebug(obj, path, onError)
	}

	var altData *dwarf.DwarfData
	if altPath, altID := obj.ResolveDebugaltPath(); altPath != "" {
		if alt, err := elfobj.Load(altPath, onError); err != nil {
			onError(fmt.Errorf("gnu_debugaltlink %s: %w", altPath, err))
		} else {
			if len(altID) > 0 && len(alt.BuildID) > 0 && !bytesEqual(altID, alt.BuildID) {
				logger.Logf(logger.Allow, "backtrace", "%s: gnu_debugaltlink build-id mismatch, using anyway", path)
			}
			altData = &dwarf.DwarfData{Sections: alt.Sections, IsBigEndian: alt.BigEndian}
			if err := dwarf.BuildAddressMap(altData, 0); err != nil {
				onError(fmt.Errorf("gnu_debugaltlink %s: %w", altPath, err))
			}
		}
	}

	data := &dwarf.DwarfData{Sections: obj.Sections, IsBigEndian: obj.BigEndian, Altlink: altData}
	if err := dwarf.BuildAddressMap(data, loadBias); err != nil {
		onError(err)
	}
	r.chain.Append(data)

	for _, s := range obj.Symbols {
		if s.Address == ^uint64(0) {
			continue // per-object sentinel; the merged table gets its own
		}
		r.symbols = append(r.symbols, Symbol{Name: s.Name, Address: s.Address + loadBias, Size: s.Size})
	}
	return nil
}

// resolveELFSplitDebug tries, in order, the build-ID path and then each
// .gnu_debuglink candidate path (spec §6) and merges whichever
// supplementary object's debug sections are found into obj in place.
// Exhausting every candidate without success is silent, not an error:
// only a candidate that exists but fails to load is reported. The object keeps whatever symbol table it already has
// (spec §8, end-to-end scenario 2).
func resolveELFSplitDebug(obj *elfobj.Object, exePath string, onError func(error)) {
	if p := obj.BuildIDPath(); p != "" {
		if tryMergeSplitDebug(obj, p, onError) {
			return
		}
	}

	wantCRC, haveCRC := obj.DebuglinkCRC()
	for _, candidate := range obj.ResolveDebuglinkPaths(exePath) {
		if haveCRC && !crcMatches(candidate, wantCRC) {
			continue
		}
		if tryMergeSplitDebug(obj, candidate, onError) {
			return
		}
	}
}

// tryMergeSplitDebug loads candidate as a supplementary ELF object and
// merges its debug sections into obj. It reports false (without calling
// onError) when candidate simply does not exist - a missing debuglink or
// build-id target is the expected, common case, not a diagnostic-worthy
// condition.
func tryMergeSplitDebug(obj *elfobj.Object, candidate string, onError func(error)) bool {
	if _, err := os.Stat(candidate); err != nil {
		return false
	}
	debug, err := elfobj.Load(candidate, onError)
	if err != nil {
		onError(fmt.Errorf("split debug %s: %w", candidate, err))
		return false
	}
	mergeSections(&obj.Sections, &debug.Sections)
	return true
}

// crcMatches reports whether candidate's contents hash to want, the
// CRC32 a .gnu_debuglink section recorded for its target (spec §6,
// "Debug-link resolution paths"). A read failure is treated as a
// mismatch so the caller moves on to the next candidate.
func crcMatches(candidate string, want uint32) bool {
	data, err := os.ReadFile(candidate)
	if err != nil {
		return false
	}
	return crc32.ChecksumIEEE(data) == want
}

// mergeSections installs every section present in src but absent from
// dst, without disturbing anything dst already has.
func mergeSections(dst, src *dwarf.Sections) {
	for k := dwarf.SectionKind(0); k < dwarf.SectionRnglists+1; k++ {
		if dst.Get(k) == nil {
			if b := src.Get(k); b != nil {
				dst.Set(k, b)
			}
		}
	}
}

// loadMacho parses path as a Mach-O object (selecting the running
// architecture's slice out of a fat binary), falling back to the sibling
// dSYM bundle when the object itself carries no __DWARF segment (spec §8,
// end-to-end scenario 6).
func (r *Resolver) loadMacho(path string, f *os.File, loadBias uint64, onError func(error)) error {
	obj, err := machoobj.ParseFile(path, f, onError)
	if err != nil {
		return err
	}

	sections := obj.Sections
	if !sections.Has(dwarf.SectionInfo) {
		if dsym, err := machoobj.LoadDSYM(path, obj.UUID, onError); err == nil {
			sections = dsym.Sections
		} else {
			onError(fmt.Errorf("dSYM: %w", err))
		}
	}

	data := &dwarf.DwarfData{Sections: sections, IsBigEndian: obj.BigEndian}
	if err := dwarf.BuildAddressMap(data, loadBias); err != nil {
		onError(err)
	}
	r.chain.Append(data)

	for _, s := range obj.Symbols {
		if s.Address == ^uint64(0) {
			continue
		}
		r.symbols = append(r.symbols, Symbol{Name: s.Name, Address: s.Address + loadBias, Size: s.Size})
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
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

// finalizeSymbols sorts the merged, cross-object symbol table by address
// and appends the UINTPTR_MAX sentinel GetSyminfo's binary search relies
// on (spec §3, invariant: "every sorted array ends in exactly one
// sentinel").
func finalizeSymbols(syms []Symbol) []Symbol {
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Address < syms[j].Address })
	return append(syms, Symbol{Address: ^uint64(0)})
}
