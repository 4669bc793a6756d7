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

package reader_test

import (
	"testing"

	"github.com/jetsetilly/backtrace/internal/reader"
)

func TestFixedWidthLittleEndian(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	r := reader.New("test", data, false, nil)

	if v := r.ReadU16(); v != 0x0201 {
		t.Fatalf("ReadU16: got %#x", v)
	}
	if v := r.ReadU32(); v != 0x06050403 {
		t.Fatalf("ReadU32: got %#x", v)
	}
}

func TestFixedWidthBigEndian(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x01}
	r := reader.New("test", data, true, nil)
	if v := r.ReadU32(); v != 1 {
		t.Fatalf("ReadU32: got %d", v)
	}
}

func TestInitialLength32(t *testing.T) {
	data := []byte{0x10, 0x00, 0x00, 0x00}
	r := reader.New("test", data, false, nil)
	length, is64 := r.ReadInitialLength()
	if length != 0x10 || is64 {
		t.Fatalf("unexpected initial length: %d is64=%v", length, is64)
	}
}

func TestInitialLength64(t *testing.T) {
	data := []byte{0xff, 0xff, 0xff, 0xff, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	r := reader.New("test", data, false, nil)
	length, is64 := r.ReadInitialLength()
	if length != 0x20 || !is64 {
		t.Fatalf("unexpected initial length: %d is64=%v", length, is64)
	}
}

func TestReadStringTerminates(t *testing.T) {
	data := []byte("hello\x00world")
	r := reader.New("test", data, false, nil)
	if s := r.ReadString(); s != "hello" {
		t.Fatalf("ReadString: got %q", s)
	}
	if s := r.ReadString(); s != "world" {
		t.Fatalf("ReadString: got %q", s)
	}
}

func TestUnderflowReportsOnce(t *testing.T) {
	var errs []error
	r := reader.New("test", []byte{0x01}, false, func(err error) {
		errs = append(errs, err)
	})
	r.ReadU32()
	r.ReadU32()
	if len(errs) != 1 {
		t.Fatalf("expected exactly one underflow report, got %d", len(errs))
	}
}
