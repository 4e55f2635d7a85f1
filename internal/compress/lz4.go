package compress

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

type lz4Codec struct{}

func (lz4Codec) Kind() Kind { return Lz4 }

func (lz4Codec) MaxCompressedSize(srcLen int) int { return lz4.CompressBlockBound(srcLen) }

func (lz4Codec) Compress(dst, src []byte) ([]byte, error) {
	scratch := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, scratch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}
	if n == 0 && len(src) > 0 {
		// Incompressible input: lz4 reports this rather than emitting an
		// expanded block, so store the literal bytes instead.
		return append(dst, src...), nil
	}
	return append(dst, scratch[:n]...), nil
}

func (lz4Codec) Uncompress(dst, src []byte) ([]byte, error) {
	scratch := make([]byte, len(src)*4+256)
	for {
		n, err := lz4.UncompressBlock(src, scratch)
		if err == nil {
			return append(dst, scratch[:n]...), nil
		}
		if err != lz4.ErrInvalidSourceShortBuffer || len(scratch) > 1<<28 {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		scratch = make([]byte, len(scratch)*2)
	}
}
