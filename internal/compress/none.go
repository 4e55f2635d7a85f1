package compress

type noneCodec struct{}

func (noneCodec) Kind() Kind { return None }

func (noneCodec) MaxCompressedSize(srcLen int) int { return srcLen }

func (noneCodec) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (noneCodec) Uncompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}
