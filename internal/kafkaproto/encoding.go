// Package kafkaproto is doryd's hand-rolled Kafka produce/metadata wire
// codec. This is one of the components the spec asks doryd to build
// itself — the batcher's byte accounting must match the on-wire cost
// exactly, which means doryd owns the encoding, not a client library.
// The packetEncoder/packetDecoder split below follows the same shape used
// throughout the sarama reference files in the teacher pack (see e.g.
// end_txn_request.go, delete_topics_response.go): each request/response
// type encodes and decodes itself against a small buffer-cursor
// abstraction instead of reflection.
package kafkaproto

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	ErrTruncated         = errors.New("kafkaproto: truncated")
	ErrBadArrayLength    = errors.New("kafkaproto: negative array length")
	ErrBadStringLength   = errors.New("kafkaproto: negative or oversized string length")
	ErrBadBytesLength    = errors.New("kafkaproto: negative or oversized bytes length")
)

const (
	maxStringLen = 1 << 16
	maxBytesLen  = 1 << 28 // generous; real caps enforced by message-max-bytes upstream
)

// packetEncoder appends wire-format fields to a growing byte slice.
type packetEncoder struct {
	buf []byte
}

func newEncoder(sizeHint int) *packetEncoder {
	return &packetEncoder{buf: make([]byte, 0, sizeHint)}
}

func (pe *packetEncoder) bytes() []byte { return pe.buf }
func (pe *packetEncoder) len() int      { return len(pe.buf) }

func (pe *packetEncoder) putInt8(v int8)   { pe.buf = append(pe.buf, byte(v)) }
func (pe *packetEncoder) putBool(v bool) {
	if v {
		pe.putInt8(1)
	} else {
		pe.putInt8(0)
	}
}

func (pe *packetEncoder) putInt16(v int16) {
	pe.buf = binary.BigEndian.AppendUint16(pe.buf, uint16(v))
}

func (pe *packetEncoder) putInt32(v int32) {
	pe.buf = binary.BigEndian.AppendUint32(pe.buf, uint32(v))
}

func (pe *packetEncoder) putInt64(v int64) {
	pe.buf = binary.BigEndian.AppendUint64(pe.buf, uint64(v))
}

func (pe *packetEncoder) putArrayLength(n int) error {
	if n < 0 {
		return ErrBadArrayLength
	}
	pe.putInt32(int32(n))
	return nil
}

func (pe *packetEncoder) putString(s string) error {
	if len(s) > maxStringLen {
		return ErrBadStringLength
	}
	pe.putInt16(int16(len(s)))
	pe.buf = append(pe.buf, s...)
	return nil
}

func (pe *packetEncoder) putBytes(b []byte) error {
	if b == nil {
		pe.putInt32(-1)
		return nil
	}
	if len(b) > maxBytesLen {
		return ErrBadBytesLength
	}
	pe.putInt32(int32(len(b)))
	pe.buf = append(pe.buf, b...)
	return nil
}

// putRawBytes appends b without a length prefix — used when the length
// was already written separately (e.g. the message-set placeholder length
// patched in after the fact).
func (pe *packetEncoder) putRawBytes(b []byte) { pe.buf = append(pe.buf, b...) }

// reserveInt32 appends 4 placeholder bytes and returns their offset, so
// the caller can patch in a length once it is known (used for the
// message-set size field, whose value depends on bytes written after it).
func (pe *packetEncoder) reserveInt32() int {
	off := len(pe.buf)
	pe.buf = append(pe.buf, 0, 0, 0, 0)
	return off
}

func (pe *packetEncoder) fillInt32At(off int, v int32) {
	binary.BigEndian.PutUint32(pe.buf[off:off+4], uint32(v))
}

// packetDecoder reads wire-format fields from a fixed buffer, tracking a
// cursor. All getters return ErrTruncated rather than panicking on a
// malformed or short response.
type packetDecoder struct {
	buf []byte
	off int
}

func newDecoder(buf []byte) *packetDecoder { return &packetDecoder{buf: buf} }

func (pd *packetDecoder) remaining() int { return len(pd.buf) - pd.off }

func (pd *packetDecoder) need(n int) error {
	if pd.remaining() < n {
		return ErrTruncated
	}
	return nil
}

func (pd *packetDecoder) getInt8() (int8, error) {
	if err := pd.need(1); err != nil {
		return 0, err
	}
	v := int8(pd.buf[pd.off])
	pd.off++
	return v, nil
}

func (pd *packetDecoder) getBool() (bool, error) {
	v, err := pd.getInt8()
	return v != 0, err
}

func (pd *packetDecoder) getInt16() (int16, error) {
	if err := pd.need(2); err != nil {
		return 0, err
	}
	v := int16(binary.BigEndian.Uint16(pd.buf[pd.off:]))
	pd.off += 2
	return v, nil
}

func (pd *packetDecoder) getInt32() (int32, error) {
	if err := pd.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(pd.buf[pd.off:]))
	pd.off += 4
	return v, nil
}

func (pd *packetDecoder) getInt64() (int64, error) {
	if err := pd.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(pd.buf[pd.off:]))
	pd.off += 8
	return v, nil
}

func (pd *packetDecoder) getArrayLength() (int, error) {
	n, err := pd.getInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrBadArrayLength
	}
	if int64(n) > int64(pd.remaining()) {
		// Can't possibly be a well-formed array of that length; treat as
		// truncated rather than allocating based on an attacker-controlled
		// count.
		return 0, ErrTruncated
	}
	return int(n), nil
}

func (pd *packetDecoder) getString() (string, error) {
	n, err := pd.getInt16()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", ErrBadStringLength
	}
	b, err := pd.getRawBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (pd *packetDecoder) getBytes() ([]byte, error) {
	n, err := pd.getInt32()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if n < 0 || n > maxBytesLen {
		return nil, ErrBadBytesLength
	}
	return pd.getRawBytes(int(n))
}

func (pd *packetDecoder) getRawBytes(n int) ([]byte, error) {
	if err := pd.need(n); err != nil {
		return nil, err
	}
	v := pd.buf[pd.off : pd.off+n]
	pd.off += n
	return v, nil
}

// clampDurationMs converts a millisecond count into an int32, clamping
// rather than wrapping on overflow (defensive against a misconfigured
// multi-year timeout).
func clampDurationMs(ms int64) int32 {
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	if ms < math.MinInt32 {
		return math.MinInt32
	}
	return int32(ms)
}
