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

// Package imageiter implements the "iterate loaded object headers"
// primitive spec.md §6 treats as an external collaborator: given the
// running process, yield the path and load bias of every mapped object
// (the main executable plus every shared library it has loaded). The core
// decoder consumes exactly (name, load_bias) pairs from this package and
// never looks at /proc or dyld structures itself.
package imageiter

// Image is one loaded object as seen from this process: a path on disk
// and the bias that must be added to every address the object's own
// symbol table or DWARF information report in order to get a live
// runtime address (spec §3, "DwarfData.base_address").
type Image struct {
	Path     string
	LoadBias uint64
}
