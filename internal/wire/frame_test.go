package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildAnyPartitionBody(flags uint16, ts int64, topic string, key, value []byte) []byte {
	buf := make([]byte, 0, 64)
	put16 := func(v uint16) { buf = binary.BigEndian.AppendUint16(buf, v) }
	put32 := func(v uint32) { buf = binary.BigEndian.AppendUint32(buf, v) }
	put64 := func(v uint64) { buf = binary.BigEndian.AppendUint64(buf, v) }

	put16(flags)
	put64(uint64(ts))
	put16(uint16(len(topic)))
	buf = append(buf, topic...)
	put32(uint32(len(key)))
	buf = append(buf, key...)
	put32(uint32(len(value)))
	buf = append(buf, value...)
	return buf
}

func TestParseBodyAnyPartitionRoundTrip(t *testing.T) {
	body := buildAnyPartitionBody(0, 1234, "orders", []byte("k"), []byte("v"))

	f, err := ParseBody(APIKeyAnyPartition, 0, body)
	require.NoError(t, err)
	require.Equal(t, "orders", f.Topic)
	require.Equal(t, []byte("k"), f.Key)
	require.Equal(t, []byte("v"), f.Value)
	require.EqualValues(t, 1234, f.Timestamp)
}

func TestParseBodyTruncated(t *testing.T) {
	body := buildAnyPartitionBody(0, 1, "t", []byte("k"), []byte("v"))
	_, err := ParseBody(APIKeyAnyPartition, 0, body[:len(body)-3])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestParseBodyUnsupportedVersion(t *testing.T) {
	_, err := ParseBody(APIKeyAnyPartition, 1, nil)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParseHeaderRejectsNegativeSize(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], 0xFFFFFFFF) // -1 as int32
	_, err := ParseHeader(buf)
	require.ErrorIs(t, err, ErrNegativeSize)
}

func TestReadStreamLengthRejectsOversize(t *testing.T) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], 1<<20)
	_, err := ReadStreamLength(buf, 1024)
	require.ErrorIs(t, err, ErrBadFieldSize)
}
