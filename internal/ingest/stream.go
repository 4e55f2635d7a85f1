package ingest

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/doryd/doryd/internal/anomaly"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/pool"
	"github.com/doryd/doryd/internal/wire"
)

// AdmissionGuard decides whether a new stream connection should be
// accepted; *hostres.Guard implements it. A nil AdmissionGuard accepts
// unconditionally.
type AdmissionGuard interface {
	ShouldAcceptConnection() (accept bool, reason string)
}

// StreamConfig configures a stream listener shared by UNIX-stream and
// local-TCP ingest; only the net.Listener that NewUnixStreamListener or
// NewTCPListener binds differs between the two.
type StreamConfig struct {
	MaxFrameSize int
	Pool         *pool.Pool
	Tracker      *anomaly.Tracker
	Router       Router
	Queue        chan *message.Message
	Guard        AdmissionGuard
	Workers      *WorkerPool
	Logger       zerolog.Logger
}

// StreamListener accepts connections on an already-bound net.Listener and
// hands each one to the worker pool.
type StreamListener struct {
	cfg StreamConfig
	ln  net.Listener
}

// NewUnixStreamListener binds a UNIX-stream socket at path.
func NewUnixStreamListener(path string, cfg StreamConfig) (*StreamListener, error) {
	_ = removeStaleSocket(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	return &StreamListener{cfg: cfg, ln: ln}, nil
}

// NewTCPListener binds a local TCP listener at addr (expected to be a
// loopback address; Dory's clients are always local).
func NewTCPListener(addr string, cfg StreamConfig) (*StreamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &StreamListener{cfg: cfg, ln: ln}, nil
}

// Run accepts connections until stop is closed or the listener is closed
// by Close. Each accepted connection is submitted to the worker pool,
// which grows to handle it and later prunes back down once idle.
func (s *StreamListener) Run(stop <-chan struct{}) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)

	go func() {
		for {
			conn, err := s.ln.Accept()
			accepted <- acceptResult{conn, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-stop:
			return
		case res := <-accepted:
			if res.err != nil {
				return
			}
			s.admit(res.conn)
		}
	}
}

func (s *StreamListener) admit(conn net.Conn) {
	if s.cfg.Guard != nil {
		if accept, reason := s.cfg.Guard.ShouldAcceptConnection(); !accept {
			s.cfg.Logger.Warn().Str("reason", reason).Msg("stream connection rejected by admission guard")
			conn.Close()
			return
		}
	}
	s.cfg.Workers.Submit(func() { s.handleConn(conn) })
}

// Close stops accepting new connections. In-flight connections finish on
// their own (EOF, malformed framing, or the readDeadline idle timeout).
func (s *StreamListener) Close() error {
	return s.ln.Close()
}

// handleConn is one worker-pool task: it owns conn for its entire
// lifetime, reading length-prefixed frames until EOF, malformed framing,
// the frame size exceeds MaxFrameSize, or a frame is not read within
// readDeadline.
func (s *StreamListener) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}

		size, err := wire.ReadStreamLength(lenBuf, int32(s.cfg.MaxFrameSize))
		if err != nil {
			s.cfg.Tracker.Discard(anomaly.Malformed, "", nil)
			return
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			return
		}

		if !s.handleFrame(frame) {
			return
		}
	}
}

// handleFrame parses one complete frame (length prefix already
// consumed). It returns false when the connection should be closed:
// malformed framing desyncs the stream, so unlike the datagram path a
// bad frame costs the whole connection, not just the one message.
func (s *StreamListener) handleFrame(frame []byte) bool {
	hdr, err := wire.ParseHeader(frame)
	if err != nil {
		s.cfg.Tracker.Discard(anomaly.Malformed, "", frame)
		return false
	}
	if int(hdr.TotalSize) != len(frame) {
		s.cfg.Tracker.Discard(anomaly.Malformed, "", frame)
		return false
	}

	body := frame[wire.HeaderSize:]
	f, err := wire.ParseBody(hdr.APIKey, hdr.APIVersion, body)
	if err != nil {
		s.cfg.Tracker.Discard(classifyParseErr(err), "", frame)
		return false
	}

	msg, err := buildMessage(s.cfg.Pool, f)
	if err != nil {
		s.cfg.Tracker.Discard(anomaly.NoMem, f.Topic, f.Value)
		return true
	}

	enqueue(s.cfg.Queue, s.cfg.Router, msg)
	return true
}

// readDeadline bounds how long handleConn waits for the next frame;
// handleConn re-arms it before every length read and closes the
// connection when it expires, so a worker blocked in io.ReadFull is freed
// in bounded time. handleConn does not otherwise watch for process
// shutdown.
const readDeadline = 30 * time.Second
