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

//go:build linux

package imageiter

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// Iterate reads /proc/self/maps, the Linux equivalent of the
// dl_iterate_phdr primitive the spec names, and returns one Image per
// distinct backing file mapped into the process, in first-seen order
// (the main executable is always mapping order's first real entry).
func Iterate() ([]Image, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	type accum struct {
		order    int
		minStart uint64
		haveZero bool
		zeroBase uint64
	}
	seen := make(map[string]*accum)
	var order []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}

		addrRange := fields[0]
		dash := strings.IndexByte(addrRange, '-')
		if dash < 0 {
			continue
		}
		start, err := strconv.ParseUint(addrRange[:dash], 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}

		a, ok := seen[path]
		if !ok {
			a = &accum{order: len(order), minStart: start}
			seen[path] = a
			order = append(order, path)
		}
		if start < a.minStart {
			a.minStart = start
		}
		if offset == 0 && !a.haveZero {
			a.haveZero = true
			a.zeroBase = start
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	images := make([]Image, len(order))
	for _, path := range order {
		a := seen[path]
		bias := a.minStart
		if a.haveZero {
			bias = a.zeroBase
		}
		images[a.order] = Image{Path: path, LoadBias: bias}
	}
	return images, nil
}
