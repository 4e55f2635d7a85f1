package kafkaproto

// MetadataRequest is a v0 metadata request. An empty Topics slice asks the
// broker for the full cluster topology; a non-empty slice asks only about
// those topics and, per the metadata-request auto-create behavior most
// brokers apply, causes a not-yet-existing topic to be created when the
// broker's auto.create.topics.enable is on.
type MetadataRequest struct {
	CorrelationID int32
	Topics        []string
}

// Encode writes the metadata request header (api key 3, version 0) plus
// body.
func (r *MetadataRequest) Encode() ([]byte, error) {
	pe := newEncoder(64)

	sizeOff := pe.reserveInt32()
	pe.putInt16(3) // metadata API key
	pe.putInt16(0) // version 0
	pe.putInt32(r.CorrelationID)
	if err := pe.putString(""); err != nil {
		return nil, err
	}

	if err := pe.putArrayLength(len(r.Topics)); err != nil {
		return nil, err
	}
	for _, t := range r.Topics {
		if err := pe.putString(t); err != nil {
			return nil, err
		}
	}

	pe.fillInt32At(sizeOff, int32(pe.len()-sizeOff-4))
	return pe.bytes(), nil
}

// SingleTopicAutoCreateRequest builds a metadata request naming exactly one
// topic, the idiom brokers use to trigger auto-creation of a topic doryd
// has not seen before.
func SingleTopicAutoCreateRequest(correlationID int32, topic string) *MetadataRequest {
	return &MetadataRequest{CorrelationID: correlationID, Topics: []string{topic}}
}

// MetadataBroker is one broker entry from a metadata response.
type MetadataBroker struct {
	NodeID int32
	Host   string
	Port   int32
}

// MetadataPartition is one partition entry within a metadata response's
// topic list.
type MetadataPartition struct {
	ErrorCode ErrorCode
	ID        int32
	Leader    int32
	Replicas  []int32
	Isr       []int32
}

// MetadataTopic is one topic entry within a metadata response.
type MetadataTopic struct {
	ErrorCode  ErrorCode
	Name       string
	Partitions []MetadataPartition
}

// MetadataResponse is a decoded v0 metadata response.
type MetadataResponse struct {
	Brokers []MetadataBroker
	Topics  []MetadataTopic
}

// DecodeMetadataResponse parses a v0 metadata response body (the caller
// has already stripped the 4-byte length prefix and correlation ID).
func DecodeMetadataResponse(body []byte) (*MetadataResponse, error) {
	pd := newDecoder(body)

	numBrokers, err := pd.getArrayLength()
	if err != nil {
		return nil, err
	}
	resp := &MetadataResponse{Brokers: make([]MetadataBroker, 0, numBrokers)}
	for i := 0; i < numBrokers; i++ {
		nodeID, err := pd.getInt32()
		if err != nil {
			return nil, err
		}
		host, err := pd.getString()
		if err != nil {
			return nil, err
		}
		port, err := pd.getInt32()
		if err != nil {
			return nil, err
		}
		resp.Brokers = append(resp.Brokers, MetadataBroker{NodeID: nodeID, Host: host, Port: port})
	}

	numTopics, err := pd.getArrayLength()
	if err != nil {
		return nil, err
	}
	resp.Topics = make([]MetadataTopic, 0, numTopics)
	for i := 0; i < numTopics; i++ {
		topicErr, err := pd.getInt16()
		if err != nil {
			return nil, err
		}
		name, err := pd.getString()
		if err != nil {
			return nil, err
		}
		numParts, err := pd.getArrayLength()
		if err != nil {
			return nil, err
		}
		partitions := make([]MetadataPartition, 0, numParts)
		for j := 0; j < numParts; j++ {
			partErr, err := pd.getInt16()
			if err != nil {
				return nil, err
			}
			id, err := pd.getInt32()
			if err != nil {
				return nil, err
			}
			leader, err := pd.getInt32()
			if err != nil {
				return nil, err
			}
			replicas, err := decodeInt32Array(pd)
			if err != nil {
				return nil, err
			}
			isr, err := decodeInt32Array(pd)
			if err != nil {
				return nil, err
			}
			partitions = append(partitions, MetadataPartition{
				ErrorCode: ErrorCode(partErr),
				ID:        id,
				Leader:    leader,
				Replicas:  replicas,
				Isr:       isr,
			})
		}
		resp.Topics = append(resp.Topics, MetadataTopic{
			ErrorCode:  ErrorCode(topicErr),
			Name:       name,
			Partitions: partitions,
		})
	}

	return resp, nil
}

func decodeInt32Array(pd *packetDecoder) ([]int32, error) {
	n, err := pd.getArrayLength()
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := 0; i < n; i++ {
		v, err := pd.getInt32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
