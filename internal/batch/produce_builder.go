package batch

import (
	"github.com/doryd/doryd/internal/compress"
	"github.com/doryd/doryd/internal/kafkaproto"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/pool"
)

// CodecLookup resolves the compression codec configured for a topic
// (named-configs + default-topic + topic-overrides, per the external
// configuration surface). A nil return, or a codec whose Kind is
// compress.None, means "send uncompressed".
type CodecLookup func(topic string) compress.Codec

// ProduceBuilder turns completed Batches into a wire-ready
// kafkaproto.ProduceRequest, applying the size-threshold compression
// policy per (topic, partition) message set.
type ProduceBuilder struct {
	codecFor             CodecLookup
	sizeThresholdPercent int
	messageMaxBytes      int
	requiredAcks         int16
	timeoutMs            int32
}

// NewProduceBuilder builds a ProduceBuilder. sizeThresholdPercent and
// messageMaxBytes together decide the "send uncompressed" cutoff: a
// message set's uncompressed size below sizeThresholdPercent% of
// messageMaxBytes is sent uncompressed even if a codec is configured for
// its topic, trading a few wire bytes for CPU on low-traffic topics.
func NewProduceBuilder(codecFor CodecLookup, sizeThresholdPercent, messageMaxBytes int, requiredAcks int16, timeoutMs int32) *ProduceBuilder {
	return &ProduceBuilder{
		codecFor:             codecFor,
		sizeThresholdPercent: sizeThresholdPercent,
		messageMaxBytes:      messageMaxBytes,
		requiredAcks:         requiredAcks,
		timeoutMs:            timeoutMs,
	}
}

// Build assembles one ProduceRequest from a set of Batches already
// resolved to partitions (message.Message.Partition must be set by the
// router before the Message reaches the batcher).
func (pb *ProduceBuilder) Build(correlationID int32, batches []Batch) (*kafkaproto.ProduceRequest, error) {
	req := &kafkaproto.ProduceRequest{
		CorrelationID:     correlationID,
		RequiredAcks:      pb.requiredAcks,
		TimeoutMs:         pb.timeoutMs,
		CompressedPayload: make(map[string][]byte),
	}

	for _, batch := range batches {
		byPartition := partitionMessages(batch.Messages)

		topicBatch := kafkaproto.ProduceTopicBatch{Topic: batch.Topic}
		for partition, msgs := range byPartition {
			pmsgs := make([]kafkaproto.ProduceMessage, len(msgs))
			uncompressedLen := 0
			for i, m := range msgs {
				key, value := splitKeyValue(m)
				pmsgs[i] = kafkaproto.ProduceMessage{Key: key, Value: value, Timestamp: m.ClientTS}
				uncompressedLen += kafkaproto.MessageSetSize(len(key), len(value))
			}

			topicBatch.Partitions = append(topicBatch.Partitions, kafkaproto.ProducePartitionBatch{
				Partition: partition,
				Messages:  pmsgs,
			})

			payload, used, err := pb.maybeCompress(batch.Topic, pmsgs, uncompressedLen)
			if err != nil {
				return nil, err
			}
			if used {
				req.CompressedPayload[kafkaproto.PayloadKey(batch.Topic, partition)] = payload
			}
		}

		req.Topics = append(req.Topics, topicBatch)
	}

	return req, nil
}

// maybeCompress decides whether this message set is compressed: below
// sizeThresholdPercent% of messageMaxBytes, it is always sent
// uncompressed regardless of topic configuration. When a codec applies,
// the message set is first encoded uncompressed to get the exact bytes
// the codec should see, then compressed and wrapped as one unit.
func (pb *ProduceBuilder) maybeCompress(topic string, msgs []kafkaproto.ProduceMessage, uncompressedLen int) ([]byte, bool, error) {
	codec := pb.codecFor(topic)
	if codec == nil || codec.Kind() == compress.None {
		return nil, false, nil
	}

	if pb.messageMaxBytes > 0 && pb.sizeThresholdPercent > 0 {
		threshold := pb.messageMaxBytes * pb.sizeThresholdPercent / 100
		if uncompressedLen < threshold {
			return nil, false, nil
		}
	}

	raw, err := kafkaproto.EncodeMessageSet(msgs)
	if err != nil {
		return nil, false, err
	}
	compressed, err := codec.Compress(nil, raw)
	if err != nil {
		return nil, false, err
	}
	wrapped, err := kafkaproto.WrapCompressed(int8(codec.Kind()), compressed)
	if err != nil {
		return nil, false, err
	}
	return wrapped, true, nil
}

func partitionMessages(msgs []*message.Message) map[int32][]*message.Message {
	out := make(map[int32][]*message.Message)
	for _, m := range msgs {
		out[m.Partition] = append(out[m.Partition], m)
	}
	return out
}

func splitKeyValue(m *message.Message) (key, value []byte) {
	full := pool.Collect(m.Body())
	if m.KeyLen() == 0 {
		return nil, full
	}
	return full[:m.KeyLen()], full[m.KeyLen():]
}
