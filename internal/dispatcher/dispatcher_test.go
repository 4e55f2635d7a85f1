package dispatcher

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/doryd/doryd/internal/anomaly"
	"github.com/doryd/doryd/internal/batch"
	"github.com/doryd/doryd/internal/broker"
	"github.com/doryd/doryd/internal/compress"
	"github.com/doryd/doryd/internal/kafkaproto"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/metadata"
	"github.com/doryd/doryd/internal/pool"
)

// fakeDispatcherBroker is the same minimal wire-level stand-in used by the
// broker package's own tests, duplicated here since it is unexported there.
type fakeDispatcherBroker struct {
	ln      net.Listener
	errCode kafkaproto.ErrorCode
}

func startFakeDispatcherBroker(t *testing.T, errCode kafkaproto.ErrorCode) *fakeDispatcherBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeDispatcherBroker{ln: ln, errCode: errCode}
	go fb.serve()
	return fb
}

func (fb *fakeDispatcherBroker) serve() {
	conn, err := fb.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			return
		}
		correlationID, topics, err := decodeDispatcherProduceRequest(frame)
		if err != nil {
			return
		}
		resp := encodeDispatcherProduceResponse(correlationID, topics, fb.errCode)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (fb *fakeDispatcherBroker) addr() (string, int32) {
	tcpAddr := fb.ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), int32(tcpAddr.Port)
}
func (fb *fakeDispatcherBroker) close() { fb.ln.Close() }

func decodeDispatcherProduceRequest(frame []byte) (int32, map[string][]int32, error) {
	off := 0
	readInt16 := func() int16 {
		v := int16(binary.BigEndian.Uint16(frame[off:]))
		off += 2
		return v
	}
	readInt32 := func() int32 {
		v := int32(binary.BigEndian.Uint32(frame[off:]))
		off += 4
		return v
	}
	readString := func() string {
		n := readInt16()
		s := string(frame[off : off+int(n)])
		off += int(n)
		return s
	}
	_ = readInt16() // api key
	_ = readInt16() // api version
	correlationID := readInt32()
	off += int(readInt16()) // client id
	_ = readInt16()         // required acks
	_ = readInt32()         // timeout

	numTopics := readInt32()
	topics := make(map[string][]int32, numTopics)
	for i := int32(0); i < numTopics; i++ {
		topic := readString()
		numParts := readInt32()
		parts := make([]int32, 0, numParts)
		for j := int32(0); j < numParts; j++ {
			partition := readInt32()
			msgSetSize := readInt32()
			off += int(msgSetSize)
			parts = append(parts, partition)
		}
		topics[topic] = parts
	}
	return correlationID, topics, nil
}

func encodeDispatcherProduceResponse(correlationID int32, topics map[string][]int32, errCode kafkaproto.ErrorCode) []byte {
	var body []byte
	putInt16 := func(v int16) {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v))
		body = append(body, b[:]...)
	}
	putInt32 := func(v int32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v))
		body = append(body, b[:]...)
	}
	putInt64 := func(v int64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		body = append(body, b[:]...)
	}
	putString := func(s string) {
		putInt16(int16(len(s)))
		body = append(body, s...)
	}
	putInt32(correlationID)
	putInt32(int32(len(topics)))
	for topic, parts := range topics {
		putString(topic)
		putInt32(int32(len(parts)))
		for _, p := range parts {
			putInt32(p)
			putInt16(int16(errCode))
			putInt64(0)
		}
	}
	var framed []byte
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(body)))
	framed = append(framed, sizeBuf[:]...)
	framed = append(framed, body...)
	return framed
}

type recordingRouter struct {
	ch chan []*message.Message
}

func (r *recordingRouter) RerouteAfterRebalance(msgs []*message.Message) {
	r.ch <- msgs
}

func newTestDispatcher(t *testing.T, cluster *metadata.Cluster, router Router, limits batch.Limits) (*Dispatcher, *pool.Pool, *anomaly.Tracker) {
	t.Helper()
	p := pool.New(64, 64)
	tracker := anomaly.New(nil)
	metaPtr := metadata.NewPointer()
	metaPtr.Store(cluster)

	newConnector := func(brokerID int32, addr string, notifier broker.RebalanceNotifier) *broker.Connector {
		builder := batch.NewProduceBuilder(func(string) compress.Codec { return nil }, 0, 0, 1, 1000)
		src := batch.NewPerTopicBatcher(limits, nil)
		return broker.New(broker.Config{
			BrokerID:            brokerID,
			Addr:                addr,
			Source:              src,
			Builder:             builder,
			Pool:                p,
			Tracker:             tracker,
			MaxFailedDeliveries: 3,
			DialTimeout:         time.Second,
			ShutdownMaxDelay:    200 * time.Millisecond,
			Notifier:            notifier,
			Logger:              zerolog.Nop(),
		})
	}

	d := New(Config{
		MetadataPtr:  metaPtr,
		Router:       router,
		NewConnector: newConnector,
		Tracker:      tracker,
		Logger:       zerolog.Nop(),
	})
	return d, p, tracker
}

func newTestMessage(t *testing.T, p *pool.Pool, topic string, partition int32) *message.Message {
	t.Helper()
	body, err := p.Store([]byte("value"))
	require.NoError(t, err)
	msg := message.New(message.AnyPartition, 0, 0, topic, body, 0, len("value"), time.Now())
	msg.Partition = partition
	return msg
}

func TestDispatcherStartAndDispatchRoundTrip(t *testing.T) {
	fb := startFakeDispatcherBroker(t, kafkaproto.ErrNone)
	defer fb.close()
	host, port := fb.addr()

	cluster := &metadata.Cluster{
		Brokers: map[int32]metadata.Broker{1: {ID: 1, Host: host, Port: port, InService: true}},
		Topics:  map[string]*metadata.Topic{},
	}
	d, p, tracker := newTestDispatcher(t, cluster, nil, batch.Limits{MaxCount: 1})
	require.NoError(t, d.Start(cluster))

	msg := newTestMessage(t, p, "orders", 0)
	require.NoError(t, d.Dispatch(msg, 1))

	require.Eventually(t, func() bool {
		return tracker.Count(anomaly.ProduceErr) == 0 && msg.State == message.Processed
	}, time.Second, 5*time.Millisecond)

	d.StartFastShutdown()
	require.True(t, d.JoinAll())
}

func TestDispatcherRebalanceCollectsAndReroutes(t *testing.T) {
	fb := startFakeDispatcherBroker(t, kafkaproto.ErrNone)
	defer fb.close()
	host, port := fb.addr()

	cluster := &metadata.Cluster{
		Brokers: map[int32]metadata.Broker{1: {ID: 1, Host: host, Port: port, InService: true}},
		Topics:  map[string]*metadata.Topic{},
	}
	router := &recordingRouter{ch: make(chan []*message.Message, 1)}
	// MaxCount high enough that the dispatched message never auto-flushes,
	// so it is still sitting in the batcher when the pause fires.
	d, p, _ := newTestDispatcher(t, cluster, router, batch.Limits{MaxCount: 100})
	require.NoError(t, d.Start(cluster))

	msg := newTestMessage(t, p, "orders", 0)
	require.NoError(t, d.Dispatch(msg, 1))

	d.mu.Lock()
	conn := d.connectors[1]
	d.mu.Unlock()
	conn.Pause()

	select {
	case msgs := <-router.ch:
		require.Len(t, msgs, 1)
		require.Equal(t, "orders", msgs[0].Topic)
	case <-time.After(time.Second):
		t.Fatal("router was never handed the rebalanced messages")
	}

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.connectors) == 1
	}, time.Second, 5*time.Millisecond)

	d.StartFastShutdown()
	d.JoinAll()
}

func TestDispatcherDispatchUnknownBrokerErrors(t *testing.T) {
	cluster := metadata.Empty()
	d, p, _ := newTestDispatcher(t, cluster, nil, batch.Limits{MaxCount: 1})
	require.NoError(t, d.Start(cluster))

	msg := newTestMessage(t, p, "orders", 0)
	err := d.Dispatch(msg, 99)
	require.Error(t, err)
}
