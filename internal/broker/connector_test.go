package broker

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
	"github.com/doryd/doryd/internal/compress"
	"github.com/doryd/doryd/internal/kafkaproto"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/pool"
)

// fakeBroker is a minimal wire-level Kafka stand-in: it accepts one
// connection, decodes each produce request doryd sends, and answers every
// partition with a configurable error code.
type fakeBroker struct {
	ln      net.Listener
	errCode kafkaproto.ErrorCode
}

func startFakeBroker(t *testing.T, errCode kafkaproto.ErrorCode) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fb := &fakeBroker{ln: ln, errCode: errCode}
	go fb.serve(t)
	return fb
}

func (fb *fakeBroker) serve(t *testing.T) {
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

		correlationID, topics, err := decodeProduceRequestForTest(frame)
		require.NoError(t, err)

		resp := encodeProduceResponseForTest(correlationID, topics, fb.errCode)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (fb *fakeBroker) addr() string { return fb.ln.Addr().String() }
func (fb *fakeBroker) close()       { fb.ln.Close() }

// decodeProduceRequestForTest reads just enough of a v0 produce request to
// learn its correlation ID and (topic, partition) set, without needing a
// full decoder in the kafkaproto package itself.
func decodeProduceRequestForTest(frame []byte) (int32, map[string][]int32, error) {
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
	clientIDLen := readInt16()
	off += int(clientIDLen)

	_ = readInt16() // required acks
	_ = readInt32() // timeout

	numTopics := readInt32()
	topics := make(map[string][]int32, numTopics)
	for i := int32(0); i < numTopics; i++ {
		topic := readString()
		numParts := readInt32()
		parts := make([]int32, 0, numParts)
		for j := int32(0); j < numParts; j++ {
			partition := readInt32()
			msgSetSize := readInt32()
			off += int(msgSetSize) // skip the message set body entirely
			parts = append(parts, partition)
		}
		topics[topic] = parts
	}
	return correlationID, topics, nil
}

func encodeProduceResponseForTest(correlationID int32, topics map[string][]int32, errCode kafkaproto.ErrorCode) []byte {
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
			putInt64(0) // offset
		}
	}

	var framed []byte
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(body)))
	framed = append(framed, sizeBuf[:]...)
	framed = append(framed, body...)
	return framed
}

func newTestConnector(t *testing.T, addr string, src batch.Source, notifier RebalanceNotifier) (*Connector, *pool.Pool, *anomaly.Tracker) {
	t.Helper()
	p := pool.New(64, 64)
	tracker := anomaly.New(nil)
	builder := batch.NewProduceBuilder(func(string) compress.Codec { return nil }, 0, 0, 1, 1000)

	c := New(Config{
		BrokerID:            1,
		Addr:                addr,
		Source:              src,
		Builder:             builder,
		Pool:                p,
		Tracker:             tracker,
		MaxFailedDeliveries: 3,
		DialTimeout:         time.Second,
		ReadTimeout:         0,
		ShutdownMaxDelay:    200 * time.Millisecond,
		Notifier:            notifier,
		Logger:              zerolog.Nop(),
	})
	return c, p, tracker
}

func newTestProducedMessage(t *testing.T, p *pool.Pool, topic string) *message.Message {
	t.Helper()
	body, err := p.Store([]byte("value"))
	require.NoError(t, err)
	return message.New(message.AnyPartition, 0, 0, topic, body, 0, len("value"), time.Now())
}

func TestConnectorProducesAndAcksSuccessfully(t *testing.T) {
	fb := startFakeBroker(t, kafkaproto.ErrNone)
	defer fb.close()

	src := batch.NewPerTopicBatcher(batch.Limits{MaxCount: 1}, nil)
	c, p, tracker := newTestConnector(t, fb.addr(), src, nil)
	require.NoError(t, c.Start())

	msg := newTestProducedMessage(t, p, "orders")
	msg.Partition = 0
	require.NoError(t, c.Dispatch(msg))

	require.Eventually(t, func() bool {
		return c.noAck.Len() == 0 && c.sendWait.Len() == 0
	}, time.Second, 5*time.Millisecond)

	require.EqualValues(t, 0, tracker.Count(anomaly.ProduceErr))
	require.EqualValues(t, 0, tracker.Count(anomaly.FailedDelivery))

	c.StartFastShutdown()
	c.Join()
}

func TestConnectorResendRetriesThenDiscardsAfterMaxFailures(t *testing.T) {
	fb := startFakeBroker(t, kafkaproto.ErrRequestTimedOut)
	defer fb.close()

	src := batch.NewPerTopicBatcher(batch.Limits{MaxCount: 1}, nil)
	c, p, tracker := newTestConnector(t, fb.addr(), src, nil)
	c.cfg.MaxFailedDeliveries = 1
	require.NoError(t, c.Start())

	msg := newTestProducedMessage(t, p, "orders")
	msg.Partition = 0
	require.NoError(t, c.Dispatch(msg))

	require.Eventually(t, func() bool {
		return tracker.Count(anomaly.FailedDelivery) == 1
	}, 2*time.Second, 5*time.Millisecond)

	c.StartFastShutdown()
	c.Join()
}

type recordingNotifier struct {
	ch chan []PendingRequest
}

func (n *recordingNotifier) OnConnectorPaused(brokerID int32, pending []PendingRequest) {
	n.ch <- pending
}

func TestConnectorPauseHandsQueuesToNotifier(t *testing.T) {
	fb := startFakeBroker(t, kafkaproto.ErrNone)
	defer fb.close()

	notifier := &recordingNotifier{ch: make(chan []PendingRequest, 1)}
	src := batch.NewPerTopicBatcher(batch.Limits{MaxCount: 100}, nil) // never auto-completes
	c, p, _ := newTestConnector(t, fb.addr(), src, notifier)
	require.NoError(t, c.Start())

	msg := newTestProducedMessage(t, p, "orders")
	msg.Partition = 0
	require.NoError(t, c.Dispatch(msg))

	c.Pause()

	select {
	case pending := <-notifier.ch:
		total := 0
		for _, req := range pending {
			for _, b := range req.Batches {
				total += len(b.Messages)
			}
		}
		require.Equal(t, 1, total)
	case <-time.After(time.Second):
		t.Fatal("notifier was never called")
	}
	require.Equal(t, Paused, c.State())
}

func TestConnectorFastShutdownDiscardsPending(t *testing.T) {
	fb := startFakeBroker(t, kafkaproto.ErrNone)
	defer fb.close()

	src := batch.NewPerTopicBatcher(batch.Limits{MaxCount: 100}, nil)
	c, p, tracker := newTestConnector(t, fb.addr(), src, nil)
	require.NoError(t, c.Start())

	msg := newTestProducedMessage(t, p, "orders")
	msg.Partition = 0
	require.NoError(t, c.Dispatch(msg))

	c.StartFastShutdown()
	c.Join()

	require.EqualValues(t, 1, tracker.Count(anomaly.ShutdownDiscard))
	require.Equal(t, Stopped, c.State())
}
