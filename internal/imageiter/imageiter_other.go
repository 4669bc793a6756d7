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

//go:build !linux

package imageiter

import "os"

// Iterate on non-Linux POSIX targets reports only the main executable at
// load bias zero. Darwin's equivalent primitive (walking dyld's loaded
// image list) requires either cgo against libSystem or parsing the
// kernel's task image-info structures, neither of which this pure-Go
// core depends on. Shared libraries are therefore not loaded on those
// platforms, and Init has no parameter for naming further paths.
func Iterate() ([]Image, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []Image{{Path: exe, LoadBias: 0}}, nil
}
