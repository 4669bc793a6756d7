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

// Package inflate recognises and strips the two zlib-wrapper framings a
// debug section can carry (spec §4.3): the legacy GNU "ZLIB" magic plus an
// 8-byte big-endian uncompressed size, and the ELF SHF_COMPRESSED Chdr
// header. Both wrap a standard RFC 1950 zlib stream, whose Huffman/LZ77
// decode and Adler-32 trailer check is delegated to klauspost/compress/zlib
// (a faster drop-in for the stdlib package of the same name).
package inflate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ELF compression types from the gABI (mirrors elf.COMPRESS_ZLIB /
// elf.COMPRESS_ZSTD without pulling in the rest of debug/elf's section
// model, which this package deliberately bypasses — see SPEC_FULL.md §11).
const (
	ElfCompressZlib = 1
	ElfCompressZstd = 2
)

var gnuZlibMagic = []byte("ZLIB\x00\x00\x00\x00")

// IsGNUWrapped reports whether data begins with the legacy
// "ZLIB\0\0\0\0<u64 be size>" header used before SHF_COMPRESSED existed.
func IsGNUWrapped(data []byte) bool {
	return len(data) >= 16 && bytes.Equal(data[:8], gnuZlibMagic)
}

// GNUWrapped decompresses a section carrying the legacy GNU wrapper,
// returning a buffer of exactly the advertised uncompressed size.
func GNUWrapped(data []byte) ([]byte, error) {
	if !IsGNUWrapped(data) {
		return nil, fmt.Errorf("inflate: missing ZLIB magic")
	}
	size := binary.BigEndian.Uint64(data[8:16])
	out, err := zlibStream(data[16:], size)
	if err != nil {
		return nil, fmt.Errorf("inflate: gnu wrapper: %w", err)
	}
	return out, nil
}

// Chdr is the decoded form of Elf32_Chdr / Elf64_Chdr (gABI
// "SHF_COMPRESSED sections"). ChAddralign is carried for completeness but is
// not needed to decompress the section.
type Chdr struct {
	ChType      uint32
	ChSize      uint64
	ChAddralign uint64
}

// ParseChdr decodes the compression header at the start of a
// SHF_COMPRESSED section, per the 32-bit or 64-bit Elf_Chdr layout.
func ParseChdr(data []byte, is64 bool, order binary.ByteOrder) (Chdr, []byte, error) {
	if is64 {
		if len(data) < 24 {
			return Chdr{}, nil, fmt.Errorf("inflate: truncated Elf64_Chdr")
		}
		return Chdr{
			ChType:      order.Uint32(data[0:4]),
			ChSize:      order.Uint64(data[8:16]),
			ChAddralign: order.Uint64(data[16:24]),
		}, data[24:], nil
	}
	if len(data) < 12 {
		return Chdr{}, nil, fmt.Errorf("inflate: truncated Elf32_Chdr")
	}
	return Chdr{
		ChType:      order.Uint32(data[0:4]),
		ChSize:      uint64(order.Uint32(data[4:8])),
		ChAddralign: uint64(order.Uint32(data[8:12])),
	}, data[12:], nil
}

// Decompress decompresses the zlib-compressed payload of an SHF_COMPRESSED
// section once its Chdr has been stripped by ParseChdr. Only
// ElfCompressZlib is handled here; ElfCompressZstd is the zstddecomp
// package's concern.
func Decompress(chdr Chdr, payload []byte) ([]byte, error) {
	if chdr.ChType != ElfCompressZlib {
		return nil, fmt.Errorf("inflate: unexpected ch_type %d", chdr.ChType)
	}
	out, err := zlibStream(payload, chdr.ChSize)
	if err != nil {
		return nil, fmt.Errorf("inflate: SHF_COMPRESSED: %w", err)
	}
	return out, nil
}

func zlibStream(data []byte, expectedSize uint64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("malformed zlib header: %w", err)
	}
	defer zr.Close()

	buf := make([]byte, 0, expectedSize)
	w := bytes.NewBuffer(buf)
	if _, err := io.Copy(w, zr); err != nil {
		return nil, fmt.Errorf("deflate/adler32: %w", err)
	}
	return w.Bytes(), nil
}
