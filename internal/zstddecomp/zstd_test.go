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

package zstddecomp_test

import (
	"bytes"
	"testing"

	"github.com/jetsetilly/backtrace/internal/inflate"
	"github.com/jetsetilly/backtrace/internal/zstddecomp"
	"github.com/klauspost/compress/zstd"
)

func zstdCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("debug_info payload for a compiled unit"), 100)
	frame := zstdCompress(t, payload)

	chdr := inflate.Chdr{ChType: inflate.ElfCompressZstd, ChSize: uint64(len(payload))}
	out, err := zstddecomp.Decompress(chdr, frame)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("unexpected decompressed length: got %d want %d", len(out), len(payload))
	}
}

func TestDecompressWrongChType(t *testing.T) {
	_, err := zstddecomp.Decompress(inflate.Chdr{ChType: inflate.ElfCompressZlib}, nil)
	if err == nil {
		t.Fatal("expected error for mismatched ch_type")
	}
}
