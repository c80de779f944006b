// Copyright The kmemsim Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package swap

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Codec compresses pages before they are written to a swap area. A
// Compress that returns 0 bytes declares the input incompressible, in
// which case the page is stored raw.
type Codec interface {
	// Name returns the name of the codec.
	Name() string
	// Compress compresses src into dst, returning the compressed size
	// or 0 if the data does not shrink.
	Compress(dst, src []byte) (int, error)
	// Decompress decompresses src into dst, returning the decompressed
	// size.
	Decompress(dst, src []byte) (int, error)
}

// LZ4Codec compresses pages with LZ4 block compression.
type LZ4Codec struct{}

var _ Codec = LZ4Codec{}

// Name returns the name of the codec.
func (LZ4Codec) Name() string {
	return "lz4"
}

// Compress implements Codec.
func (LZ4Codec) Compress(dst, src []byte) (int, error) {
	var c lz4.Compressor

	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return 0, fmt.Errorf("lz4 compression failed: %w", err)
	}

	return n, nil
}

// Decompress implements Codec.
func (LZ4Codec) Decompress(dst, src []byte) (int, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, fmt.Errorf("lz4 decompression failed: %w", err)
	}

	return n, nil
}
