package metadata

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/doryd/doryd/internal/kafkaproto"
)

// fakeMetadataBroker simulates auto-create: a topic is absent from every
// response until a request explicitly names it, after which it appears
// in every subsequent response (including full refreshes).
type fakeMetadataBroker struct {
	ln      net.Listener
	topic   string
	created atomic.Bool
}

func startFakeMetadataBroker(t *testing.T, topic string, preCreated bool) *fakeMetadataBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeMetadataBroker{ln: ln, topic: topic}
	fb.created.Store(preCreated)
	go fb.serve()
	return fb
}

func (fb *fakeMetadataBroker) serve() {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		go fb.handle(conn)
	}
}

func (fb *fakeMetadataBroker) handle(conn net.Conn) {
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

		correlationID, topics := decodeFakeMetadataRequest(frame)
		for _, t := range topics {
			if t == fb.topic {
				fb.created.Store(true)
			}
		}

		tcpAddr := fb.ln.Addr().(*net.TCPAddr)
		includeTopic := fb.created.Load()
		resp := encodeFakeMetadataResponse(correlationID, int32(tcpAddr.Port), fb.topic, includeTopic)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func decodeFakeMetadataRequest(frame []byte) (correlationID int32, topics []string) {
	off := 8 // api key(2) + api version(2) + correlation id read below
	correlationID = int32(binary.BigEndian.Uint32(frame[4:8]))
	clientIDLen := int(int16(binary.BigEndian.Uint16(frame[off:])))
	off += 2 + clientIDLen
	numTopics := int(int32(binary.BigEndian.Uint32(frame[off:])))
	off += 4
	topics = make([]string, 0, numTopics)
	for i := 0; i < numTopics; i++ {
		l := int(int16(binary.BigEndian.Uint16(frame[off:])))
		off += 2
		topics = append(topics, string(frame[off:off+l]))
		off += l
	}
	return correlationID, topics
}

func encodeFakeMetadataResponse(correlationID int32, port int32, topic string, includeTopic bool) []byte {
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
	putString := func(s string) {
		putInt16(int16(len(s)))
		body = append(body, s...)
	}

	putInt32(correlationID)

	putInt32(1) // one broker
	putInt32(0) // node id
	putString("127.0.0.1")
	putInt32(port)

	if includeTopic {
		putInt32(1) // one topic
		putInt16(int16(kafkaproto.ErrNone))
		putString(topic)
		putInt32(2) // two partitions
		for _, p := range []int32{0, 1} {
			putInt16(int16(kafkaproto.ErrNone))
			putInt32(p)
			putInt32(0) // leader node id
			putInt32(1) // replicas
			putInt32(0)
			putInt32(1) // isr
			putInt32(0)
		}
	} else {
		putInt32(0) // no topics yet
	}

	var framed []byte
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(body)))
	framed = append(framed, sizeBuf[:]...)
	framed = append(framed, body...)
	return framed
}

type recordingNotifier struct {
	updated         chan *Cluster
	autoCreateFailed chan string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{updated: make(chan *Cluster, 1), autoCreateFailed: make(chan string, 1)}
}

func (n *recordingNotifier) OnMetadataUpdated(c *Cluster)   { n.updated <- c }
func (n *recordingNotifier) MarkAutoCreateFailed(t string)  { n.autoCreateFailed <- t }

type recordingTrigger struct{ ch chan struct{} }

func (t *recordingTrigger) TriggerRebalance() { t.ch <- struct{}{} }

func TestRefresherFullRefreshAppliesAndNotifies(t *testing.T) {
	fb := startFakeMetadataBroker(t, "orders", true)
	defer fb.ln.Close()

	tcpAddr := fb.ln.Addr().(*net.TCPAddr)
	notifier := newRecordingNotifier()
	trigger := &recordingTrigger{ch: make(chan struct{}, 1)}
	ptr := NewPointer()

	r := New(Config{
		Seeds:          []SeedBroker{{Host: "127.0.0.1", Port: int32(tcpAddr.Port)}},
		RefreshInterval: time.Hour,
		RequestTimeout: time.Second,
		Pointer:        ptr,
		Router:         notifier,
		Dispatcher:     trigger,
		Logger:         zerolog.Nop(),
	})

	stop := make(chan struct{})
	defer close(stop)
	go r.Run(stop)

	select {
	case cluster := <-notifier.updated:
		require.Len(t, cluster.Brokers, 1)
		topic, ok := cluster.Topics["orders"]
		require.True(t, ok)
		require.Equal(t, 2, topic.PartitionCount())
	case <-time.After(2 * time.Second):
		t.Fatal("refresher never applied fetched metadata")
	}

	select {
	case <-trigger.ch:
	case <-time.After(time.Second):
		t.Fatal("refresher never triggered a rebalance")
	}

	require.NotEmpty(t, ptr.Load().Brokers)
}

func TestRefresherAutoCreateRequest(t *testing.T) {
	fb := startFakeMetadataBroker(t, "new-topic", false)
	defer fb.ln.Close()

	tcpAddr := fb.ln.Addr().(*net.TCPAddr)
	notifier := newRecordingNotifier()
	trigger := &recordingTrigger{ch: make(chan struct{}, 1)}
	ptr := NewPointer()

	r := New(Config{
		Seeds:          []SeedBroker{{Host: "127.0.0.1", Port: int32(tcpAddr.Port)}},
		RefreshInterval: time.Hour,
		RequestTimeout: time.Second,
		Pointer:        ptr,
		Router:         notifier,
		Dispatcher:     trigger,
		Logger:         zerolog.Nop(),
	})

	stop := make(chan struct{})
	defer close(stop)
	go r.Run(stop)

	<-notifier.updated // drain the initial full refresh

	r.RequestAutoCreate("new-topic")

	select {
	case cluster := <-notifier.updated:
		_, ok := cluster.Topics["new-topic"]
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("auto-create fetch never applied")
	}
}
