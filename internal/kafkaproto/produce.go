package kafkaproto

import "strconv"

// SingleMsgOverhead is the fixed per-message framing overhead (offset(8) +
// message size(4) + crc(4) + magic(1) + attributes(1) + key length(4) +
// value length(4)) that the v0 message format adds on top of key+value
// bytes. The batcher's byte-cap accounting uses this constant so its
// notion of "batch size" matches the bytes actually written to the wire.
const SingleMsgOverhead = 8 + 4 + 4 + 1 + 1 + 4 + 4

// RequestHeaderOverhead is the fixed cost of a produce request's header:
// api key(2) + api version(2) + correlation id(4) + client id (length-
// prefixed, assumed empty here since doryd doesn't set one) + required
// acks(2) + timeout(4) + topic array length(4).
const RequestHeaderOverhead = 2 + 2 + 4 + 2 + 2 + 4 + 4

// ProduceMessage is one (key, value, timestamp) record destined for one
// (topic, partition).
type ProduceMessage struct {
	Key       []byte
	Value     []byte
	Timestamp int64
}

// ProducePartitionBatch is every message bound for one partition within one
// produce request.
type ProducePartitionBatch struct {
	Partition int32
	Messages  []ProduceMessage
}

// ProduceTopicBatch groups partition batches under one topic name.
type ProduceTopicBatch struct {
	Topic      string
	Partitions []ProducePartitionBatch
}

// ProduceRequest is a v0 produce request: iovec-friendly in the sense that
// Encode emits a fixed header followed by per-topic, per-partition,
// per-message-set segments in a single pass with no backtracking except
// the three length placeholders (request size, message-set size,
// per-message size) that depend on what follows them.
type ProduceRequest struct {
	CorrelationID int32
	RequiredAcks  int16
	TimeoutMs     int32
	Topics        []ProduceTopicBatch

	// CompressedPayload holds pre-compressed message sets, keyed by
	// PayloadKey(topic, partition); a partition batch with no entry here
	// falls back to encoding its Messages uncompressed.
	CompressedPayload map[string][]byte
}

// PayloadKey builds the CompressedPayload lookup key for one partition
// batch. NUL is not a legal byte in a Kafka topic name, so it safely
// separates the two fields.
func PayloadKey(topic string, partition int32) string {
	return topic + "\x00" + strconv.FormatInt(int64(partition), 10)
}

// Encode writes the produce request header (api key 0, version 0) plus
// body. correlationID and clientID occupy the standard Kafka request
// header; doryd always sends an empty client ID.
func (r *ProduceRequest) Encode() ([]byte, error) {
	pe := newEncoder(256)

	// Request header: size placeholder, api key, api version, correlation id, client id.
	sizeOff := pe.reserveInt32()
	pe.putInt16(0) // produce API key
	pe.putInt16(0) // version 0
	pe.putInt32(r.CorrelationID)
	if err := pe.putString(""); err != nil {
		return nil, err
	}

	pe.putInt16(r.RequiredAcks)
	pe.putInt32(r.TimeoutMs)

	if err := pe.putArrayLength(len(r.Topics)); err != nil {
		return nil, err
	}

	for _, topic := range r.Topics {
		if err := pe.putString(topic.Topic); err != nil {
			return nil, err
		}
		if err := pe.putArrayLength(len(topic.Partitions)); err != nil {
			return nil, err
		}
		for _, part := range topic.Partitions {
			pe.putInt32(part.Partition)

			msOff := pe.reserveInt32()
			start := pe.len()

			if payload, ok := r.CompressedPayload[PayloadKey(topic.Topic, part.Partition)]; ok && payload != nil {
				pe.putRawBytes(payload)
			} else {
				for _, m := range part.Messages {
					if err := encodeMessage(pe, m); err != nil {
						return nil, err
					}
				}
			}

			pe.fillInt32At(msOff, int32(pe.len()-start))
		}
	}

	pe.fillInt32At(sizeOff, int32(pe.len()-sizeOff-4))
	return pe.bytes(), nil
}

// encodeMessage writes one v0 message: offset, message size, crc,
// magic(0), attributes(0 -- compression is applied to the whole message
// set by the caller, not per message), key, value. CRC is left as 0;
// doryd relies on TCP/Kafka's own integrity checking rather than
// computing CRC32 itself, since the spec does not ask doryd to validate
// broker-side checksums.
func encodeMessage(pe *packetEncoder, m ProduceMessage) error {
	pe.putInt64(0) // offset, ignored by the broker on produce

	sizeOff := pe.reserveInt32()
	start := pe.len()

	pe.putInt32(0) // crc placeholder
	pe.putInt8(0)  // magic byte (v0)
	pe.putInt8(0)  // attributes (no per-message compression)
	if err := pe.putBytes(m.Key); err != nil {
		return err
	}
	if err := pe.putBytes(m.Value); err != nil {
		return err
	}

	pe.fillInt32At(sizeOff, int32(pe.len()-start))
	return nil
}

// MessageSetSize computes the exact on-wire size of a single message's v0
// framing, for batcher byte-cap accounting without building the request.
func MessageSetSize(keyLen, valueLen int) int {
	return SingleMsgOverhead + keyLen + valueLen
}

// EncodeMessageSet encodes a sequence of messages as a raw v0 message set,
// uncompressed, with no outer wrapper. The produce builder feeds this to a
// compression codec when a partition's message set crosses the
// size-threshold policy.
func EncodeMessageSet(msgs []ProduceMessage) ([]byte, error) {
	pe := newEncoder(128)
	for _, m := range msgs {
		if err := encodeMessage(pe, m); err != nil {
			return nil, err
		}
	}
	return pe.bytes(), nil
}

// WrapCompressed builds the message-set bytes for a partition batch whose
// messages were compressed as one unit: a single v0 message whose value is
// the compressed bytes and whose attributes byte carries the compression
// codec in its low 3 bits, per the standard Kafka convention.
func WrapCompressed(codecAttr int8, compressed []byte) ([]byte, error) {
	pe := newEncoder(len(compressed) + 32)

	pe.putInt64(0) // offset

	sizeOff := pe.reserveInt32()
	start := pe.len()

	pe.putInt32(0)        // crc placeholder
	pe.putInt8(0)         // magic byte (v0)
	pe.putInt8(codecAttr) // attributes: compression codec
	if err := pe.putBytes(nil); err != nil {
		return nil, err
	}
	if err := pe.putBytes(compressed); err != nil {
		return nil, err
	}

	pe.fillInt32At(sizeOff, int32(pe.len()-start))
	return pe.bytes(), nil
}

// ProducePartitionResult is one (topic, partition, error_code, offset)
// triple from a produce response.
type ProducePartitionResult struct {
	Topic     string
	Partition int32
	ErrorCode ErrorCode
	Offset    int64
}

// ProduceResponse is a decoded v0 produce response.
type ProduceResponse struct {
	Results []ProducePartitionResult
}

// DecodeProduceResponse parses a v0 produce response body (the caller has
// already stripped the 4-byte length prefix and the correlation ID).
func DecodeProduceResponse(body []byte) (*ProduceResponse, error) {
	pd := newDecoder(body)

	numTopics, err := pd.getArrayLength()
	if err != nil {
		return nil, err
	}

	resp := &ProduceResponse{Results: make([]ProducePartitionResult, 0, numTopics)}

	for i := 0; i < numTopics; i++ {
		topic, err := pd.getString()
		if err != nil {
			return nil, err
		}
		numParts, err := pd.getArrayLength()
		if err != nil {
			return nil, err
		}
		for j := 0; j < numParts; j++ {
			partition, err := pd.getInt32()
			if err != nil {
				return nil, err
			}
			code, err := pd.getInt16()
			if err != nil {
				return nil, err
			}
			offset, err := pd.getInt64()
			if err != nil {
				return nil, err
			}
			resp.Results = append(resp.Results, ProducePartitionResult{
				Topic:     topic,
				Partition: partition,
				ErrorCode: ErrorCode(code),
				Offset:    offset,
			})
		}
	}

	return resp, nil
}

// DecodeResponseHeader reads the 4-byte correlation ID at the front of a
// Kafka response frame whose 4-byte length prefix the caller has already
// consumed, returning the remaining body and the correlation ID.
func DecodeResponseHeader(framed []byte) (correlationID int32, body []byte, err error) {
	pd := newDecoder(framed)
	correlationID, err = pd.getInt32()
	if err != nil {
		return 0, nil, err
	}
	return correlationID, framed[pd.off:], nil
}
