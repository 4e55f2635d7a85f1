// Package ingest reads client frames off the UNIX-datagram and
// stream (UNIX-stream / local TCP) sockets, parses them with
// internal/wire, and enqueues Messages onto the router's input queue.
package ingest

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/doryd/doryd/internal/anomaly"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/pool"
	"github.com/doryd/doryd/internal/wire"
)

// Router is the subset of *router.Router the ingest readers depend on.
type Router interface {
	Route(msg *message.Message)
}

// pollInterval bounds how long a read call blocks before the datagram
// and stream readers re-check their stop channel; it is not a protocol
// timeout.
const pollInterval = 200 * time.Millisecond

// DatagramConfig configures the UNIX-datagram reader.
type DatagramConfig struct {
	SocketPath      string
	MaxDatagramSize int
	Pool            *pool.Pool
	Tracker         *anomaly.Tracker
	Router          Router
	Queue           chan *message.Message
	Logger          zerolog.Logger
}

// DatagramReader is the single task that owns the UNIX-datagram socket.
// Each datagram is exactly one frame; unlike the stream reader there is
// no framing to resynchronize on, so a malformed datagram only costs
// that one message.
type DatagramReader struct {
	cfg  DatagramConfig
	conn *net.UnixConn
	buf  []byte
}

// NewDatagramReader binds the UNIX-datagram socket at cfg.SocketPath.
// Any stale socket file left behind by a prior, uncleanly-stopped process
// is removed first.
func NewDatagramReader(cfg DatagramConfig) (*DatagramReader, error) {
	_ = removeStaleSocket(cfg.SocketPath)
	addr, err := net.ResolveUnixAddr("unixgram", cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}
	return &DatagramReader{cfg: cfg, conn: conn, buf: make([]byte, cfg.MaxDatagramSize)}, nil
}

// Run reads datagrams until stop is closed or the socket is closed by
// Close. It never returns an error; malformed input is discarded and
// reading continues, matching the "well-behaved clients never block"
// back-pressure policy.
func (r *DatagramReader) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, err := r.conn.ReadFromUnix(r.buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		r.handleDatagram(r.buf[:n])
	}
}

func (r *DatagramReader) handleDatagram(frame []byte) {
	hdr, err := wire.ParseHeader(frame)
	if err != nil {
		r.cfg.Tracker.Discard(anomaly.Malformed, "", frame)
		return
	}
	if int(hdr.TotalSize) != len(frame) {
		r.cfg.Tracker.Discard(anomaly.Malformed, "", frame)
		return
	}

	body := frame[wire.HeaderSize:]
	f, err := wire.ParseBody(hdr.APIKey, hdr.APIVersion, body)
	if err != nil {
		kind := classifyParseErr(err)
		r.cfg.Tracker.Discard(kind, "", frame)
		return
	}

	msg, err := buildMessage(r.cfg.Pool, f)
	if err != nil {
		r.cfg.Tracker.Discard(anomaly.NoMem, f.Topic, f.Value)
		return
	}

	enqueue(r.cfg.Queue, r.cfg.Router, msg)
}

// Close releases the socket. The caller is responsible for unlinking the
// socket path once Run has returned.
func (r *DatagramReader) Close() error {
	return r.conn.Close()
}

func removeStaleSocket(path string) error {
	if path == "" {
		return nil
	}
	return unlinkIfSocket(path)
}

func classifyParseErr(err error) anomaly.Kind {
	switch err {
	case wire.ErrUnsupportedAPIKey:
		return anomaly.UnsupportedAPIKey
	case wire.ErrUnsupportedVersion:
		return anomaly.UnsupportedAPIVersion
	default:
		return anomaly.Malformed
	}
}

// buildMessage pool-allocates the frame's key+value bytes and wraps them
// in a Message. Routing kind and partition key come straight from the
// parsed frame.
func buildMessage(p *pool.Pool, f wire.Frame) (*message.Message, error) {
	combined := make([]byte, 0, len(f.Key)+len(f.Value))
	combined = append(combined, f.Key...)
	combined = append(combined, f.Value...)

	body, err := p.Store(combined)
	if err != nil {
		return nil, err
	}

	kind := message.AnyPartition
	if f.APIKey == wire.APIKeyPartitionKey {
		kind = message.PartitionKey
	}
	msg := message.New(kind, f.PartitionKey, f.Timestamp, f.Topic, body, len(f.Key), len(f.Value), time.Now())
	return msg, nil
}

// enqueue hands msg to the router's input queue if one was configured,
// otherwise calls Route directly (used by single-reader tests and by any
// future in-process mode that skips the channel hand-off).
func enqueue(queue chan *message.Message, router Router, msg *message.Message) {
	if queue != nil {
		queue <- msg
		return
	}
	router.Route(msg)
}
