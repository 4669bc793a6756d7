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

// Package backtrace is a symbolising backtrace library for POSIX targets:
// given a run-time instruction-pointer value it returns the originating
// source file, source line, and (when available) function name,
// including inlined frames (spec §1). It is the offline binary-metadata
// decoder only - collecting the instruction pointers themselves is the
// platform stack unwinder's job and lives outside this module.
package backtrace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jetsetilly/backtrace/internal/dwarf"
	"github.com/jetsetilly/backtrace/logger"
)

// ErrorFunc is the diagnostic sink every public operation accepts (spec
// §6, "on_error"). It never implies that the call it was passed to
// failed outright - see spec §7 for the three severities a message may
// correspond to.
type ErrorFunc func(msg string, errnum int)

// FileLineFunc receives one reported frame from GetFileLine. It may be
// called more than once for a single pc: once per inlined level
// (deepest first), then once more for the real, non-inlined frame
// (spec §4.12). Filename and function are empty when that part of the
// information could not be recovered.
type FileLineFunc func(pc uint64, filename string, lineno int, function string)

// SymInfoFunc receives the single result of GetSyminfo. Name is empty if
// no symbol covers pc.
type SymInfoFunc func(pc uint64, name string, address, size uint64)

// Resolver is the opaque handle spec §6's init returns - "get_file_line"
// in the spec's C-shaped vocabulary. A Resolver is safe for concurrent
// use: GetFileLine and GetSyminfo may be called from any goroutine, any
// number of times, including concurrently for the same pc (spec §5).
type Resolver struct {
	chain   dwarf.Chain
	symbols []Symbol
}

// Symbol is one entry of the process-wide, sorted, sentinel-terminated
// symbol table GetSyminfo searches (spec §3, "ElfSymbol" / "MachoSymbol",
// unified - the two container formats agree on this shape already).
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
}

func noopError(string, int) {}

// Init loads filename (already open as fd, so that the exact running
// image is read even if the path has since been replaced on disk) and
// every other shared object currently mapped into this process (spec
// §6: "walks all loaded shared objects ... via the platform's
// iterate-program-headers primitive or, on Darwin, the image list").
// onError receives reported-and-continued and reported-and-skipped
// diagnostics for individual objects; Init itself only fails
// (reported-and-returned, spec §7) when not even the main object could
// be loaded.
func Init(filename string, fd *os.File, onError ErrorFunc) (*Resolver, error) {
	if onError == nil {
		onError = noopError
	}

	r := &Resolver{}
	loaded := make(map[string]bool)

	if err := r.loadImage(filename, fd, 0, onError); err != nil {
		onError(fmt.Sprintf("backtrace: init: %v", err), -1)
		return nil, fmt.Errorf("backtrace: init: %w", err)
	}
	loaded[canonicalPath(filename)] = true

	for _, img := range iterateImages(onError) {
		key := canonicalPath(img.Path)
		if loaded[key] {
			continue
		}
		loaded[key] = true
		if err := r.loadImage(img.Path, nil, img.LoadBias, onError); err != nil {
			logger.Logf(logger.Allow, "backtrace", "%s: %v", img.Path, err)
			onError(fmt.Sprintf("backtrace: %s: %v", img.Path, err), -1)
		}
	}

	r.symbols = finalizeSymbols(r.symbols)

	return r, nil
}

func canonicalPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
