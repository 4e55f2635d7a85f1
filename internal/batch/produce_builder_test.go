package batch

import (
	"testing"
	"time"

	"github.com/doryd/doryd/internal/compress"
	"github.com/doryd/doryd/internal/kafkaproto"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/pool"
	"github.com/stretchr/testify/require"
)

func newStoredMessage(t *testing.T, p *pool.Pool, topic string, key, value []byte) *message.Message {
	t.Helper()
	block, err := p.Store(append(append([]byte{}, key...), value...))
	require.NoError(t, err)
	m := message.New(message.AnyPartition, 0, 0, topic, block, len(key), len(value), time.Now())
	m.Partition = 0
	return m
}

func TestProduceBuilderUncompressedBuild(t *testing.T) {
	p := pool.New(64, 16)
	m1 := newStoredMessage(t, p, "events", []byte("k1"), []byte("v1"))
	m2 := newStoredMessage(t, p, "events", nil, []byte("v2"))

	builder := NewProduceBuilder(func(string) compress.Codec { return nil }, 0, 0, 1, 1000)
	req, err := builder.Build(1, []Batch{{Topic: "events", Messages: []*message.Message{m1, m2}}})
	require.NoError(t, err)
	require.Equal(t, int32(1), req.CorrelationID)
	require.Len(t, req.Topics, 1)
	require.Len(t, req.Topics[0].Partitions, 1)
	require.Len(t, req.Topics[0].Partitions[0].Messages, 2)
	require.Empty(t, req.CompressedPayload)

	encoded, err := req.Encode()
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
}

func TestProduceBuilderCompressesAboveThreshold(t *testing.T) {
	p := pool.New(64, 16)
	value := make([]byte, 40)
	for i := range value {
		value[i] = byte(i)
	}
	m := newStoredMessage(t, p, "events", nil, value)

	codec, _ := compress.ForKind(compress.Gzip)
	builder := NewProduceBuilder(func(string) compress.Codec { return codec }, 50, 10, 1, 1000)
	req, err := builder.Build(1, []Batch{{Topic: "events", Messages: []*message.Message{m}}})
	require.NoError(t, err)

	key := kafkaproto.PayloadKey("events", 0)
	require.Contains(t, req.CompressedPayload, key)
	require.NotEmpty(t, req.CompressedPayload[key])
}

func TestProduceBuilderSkipsCompressionBelowThreshold(t *testing.T) {
	p := pool.New(64, 16)
	m := newStoredMessage(t, p, "events", nil, []byte("tiny"))

	codec, _ := compress.ForKind(compress.Gzip)
	builder := NewProduceBuilder(func(string) compress.Codec { return codec }, 90, 10000, 1, 1000)
	req, err := builder.Build(1, []Batch{{Topic: "events", Messages: []*message.Message{m}}})
	require.NoError(t, err)
	require.Empty(t, req.CompressedPayload)
}
