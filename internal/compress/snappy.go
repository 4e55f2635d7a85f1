package compress

import (
	"fmt"

	"github.com/golang/snappy"
)

type snappyCodec struct{}

func (snappyCodec) Kind() Kind { return Snappy }

func (snappyCodec) MaxCompressedSize(srcLen int) int { return snappy.MaxEncodedLen(srcLen) }

func (snappyCodec) Compress(dst, src []byte) ([]byte, error) {
	scratch := make([]byte, snappy.MaxEncodedLen(len(src)))
	out := snappy.Encode(scratch, src)
	return append(dst, out...), nil
}

func (snappyCodec) Uncompress(dst, src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}
	scratch := make([]byte, n)
	out, err := snappy.Decode(scratch, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}
	return append(dst, out...), nil
}
