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

// Package zstddecomp decodes the RFC 8878 Zstd payload of an
// ELFCOMPRESS_ZSTD SHF_COMPRESSED section (spec §4.5). The FSE/Huffman
// entropy stages and sequence execution are delegated to
// klauspost/compress/zstd; per spec §4.5 and the Non-goals in spec §1, the
// frame checksum trailer is never verified even when present.
package zstddecomp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/jetsetilly/backtrace/internal/inflate"
	"github.com/klauspost/compress/zstd"
)

// Decompress decodes the Zstd payload of an SHF_COMPRESSED section once its
// Chdr has been parsed by inflate.ParseChdr and its ch_type verified to be
// ElfCompressZstd.
func Decompress(chdr inflate.Chdr, payload []byte) ([]byte, error) {
	if chdr.ChType != inflate.ElfCompressZstd {
		return nil, fmt.Errorf("zstddecomp: unexpected ch_type %d", chdr.ChType)
	}

	// IgnoreChecksum: the trailing frame checksum, when present, is
	// intentionally not verified (spec §1 Non-goals).
	dec, err := zstd.NewReader(bytes.NewReader(payload), zstd.IgnoreChecksum(true))
	if err != nil {
		return nil, fmt.Errorf("zstddecomp: %w", err)
	}
	defer dec.Close()

	out := make([]byte, 0, chdr.ChSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, dec); err != nil {
		return nil, fmt.Errorf("zstddecomp: %w", err)
	}
	return buf.Bytes(), nil
}
