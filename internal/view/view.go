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

// Package view provides a scoped, read-only memory window over a file
// descriptor or over an in-memory byte slice (spec §4.2). A View acquired
// from a file must be released exactly once via Close.
package view

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// View is a read-only memory window. Data is the caller-visible,
// offset-aligned slice; a view opened from a file additionally owns the
// page-aligned mapping that Data is a sub-slice of, and Close unmaps it.
type View struct {
	Data []byte

	mapped     []byte // the page-aligned mmap region, nil for in-memory views
	pageOffset int
}

// pageSize is resolved once; POSIX guarantees it is a power of two and
// os.Getpagesize never blocks.
var pageSize = os.Getpagesize()

// Open maps size bytes of fd at offset into a read-only View. The offset
// need not be page-aligned: the implementation pages back to the nearest
// boundary and exposes only [offset, offset+size) to the caller via Data.
func Open(fd *os.File, offset int64, size int) (*View, error) {
	if size == 0 {
		return &View{Data: []byte{}}, nil
	}

	aligned := offset - offset%int64(pageSize)
	pageOffset := int(offset - aligned)
	extended := pageOffset + size

	mapped, err := unix.Mmap(int(fd.Fd()), aligned, extended, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("view: mmap %s at %d (%d bytes): %w", fd.Name(), offset, size, err)
	}

	return &View{
		Data:       mapped[pageOffset:extended],
		mapped:     mapped,
		pageOffset: pageOffset,
	}, nil
}

// FromMemory wraps an existing byte slice in a non-releasing View: Close is
// a no-op since there is no mapping to release.
func FromMemory(data []byte, offset, size int) *View {
	if offset < 0 || size < 0 || offset+size > len(data) {
		return &View{Data: nil}
	}
	return &View{Data: data[offset : offset+size]}
}

// Close releases the underlying page-aligned mapping, if any. It is safe to
// call on a View obtained from FromMemory or on a zero-size View.
func (v *View) Close() error {
	if v == nil || v.mapped == nil {
		return nil
	}
	m := v.mapped
	v.mapped = nil
	v.Data = nil
	return unix.Munmap(m)
}
