// Package broker implements the per-broker connector: one TCP connection
// to one Kafka broker, the send loop and ack loop that drive it, and the
// send-wait/no-ack queues that bridge them.
package broker

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/doryd/doryd/internal/anomaly"
	"github.com/doryd/doryd/internal/batch"
	"github.com/doryd/doryd/internal/kafkaproto"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/pool"
)

// State is a Connector's position in its lifecycle. Only Running accepts
// new dispatches.
type State uint8

const (
	Idle State = iota
	Connecting
	Running
	Paused
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RebalanceNotifier receives the combined send-wait and no-ack queues of a
// connector that just paused, so the dispatcher can reroute them.
type RebalanceNotifier interface {
	OnConnectorPaused(brokerID int32, pending []PendingRequest)
}

// Config gathers everything one Connector needs; it outlives Dial/Start
// and is never mutated afterward.
type Config struct {
	BrokerID int32
	Addr     string // host:port

	Source  batch.Source
	Builder *batch.ProduceBuilder
	Pool    *pool.Pool
	Tracker *anomaly.Tracker

	MaxFailedDeliveries int
	DialTimeout         time.Duration
	ReadTimeout         time.Duration // ack-loop socket read deadline
	ShutdownMaxDelay    time.Duration

	Notifier RebalanceNotifier
	Logger   zerolog.Logger
}

// Connector owns one TCP connection to one broker plus the send loop, ack
// loop and rebalance/shutdown coordinator described in the produce
// pipeline's broker layer. State machine: Idle -> Connecting -> Running ->
// (Paused | Draining) -> Stopped.
type Connector struct {
	cfg Config

	dispatchCh chan *message.Message
	retryCh    chan struct{}
	pauseCh    chan struct{}
	shutdownCh chan shutdownRequest

	state atomic.Int32

	correlationSeq atomic.Int32

	sendWait *sendWaitQueue
	noAck    *noAckQueue

	connMu sync.Mutex
	conn   net.Conn

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

type shutdownKind uint8

const (
	shutdownSlow shutdownKind = iota
	shutdownFast
)

type shutdownRequest struct {
	kind shutdownKind
}

// New builds a Connector in the Idle state. Start dials the broker and
// launches its loops.
func New(cfg Config) *Connector {
	if cfg.MaxFailedDeliveries <= 0 {
		cfg.MaxFailedDeliveries = 5
	}
	c := &Connector{
		cfg:        cfg,
		dispatchCh: make(chan *message.Message, 256),
		retryCh:    make(chan struct{}, 1),
		pauseCh:    make(chan struct{}, 1),
		shutdownCh: make(chan shutdownRequest, 1),
		sendWait:   newSendWaitQueue(),
		noAck:      newNoAckQueue(),
		stopped:    make(chan struct{}),
	}
	c.state.Store(int32(Idle))
	return c
}

// State returns the connector's current lifecycle state.
func (c *Connector) State() State { return State(c.state.Load()) }

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
	c.cfg.Logger.Debug().Int32("broker_id", c.cfg.BrokerID).Str("state", s.String()).Msg("connector state changed")
}

// Start dials the broker and spawns the send loop and ack loop. It returns
// once the connection is established (or the dial fails).
func (c *Connector) Start() error {
	c.setState(Connecting)
	conn, err := net.DialTimeout("tcp", c.cfg.Addr, dialTimeoutOrDefault(c.cfg.DialTimeout))
	if err != nil {
		c.setState(Idle)
		return fmt.Errorf("connector: dial broker %d at %s: %w", c.cfg.BrokerID, c.cfg.Addr, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setState(Running)

	c.wg.Add(2)
	go c.sendLoop()
	go c.ackLoop()
	return nil
}

func dialTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Dispatch hands one routed Message to this connector's batcher. It is
// the router.Dispatcher implementation the dispatcher wires per broker.
// Dispatch only accepts new work while Running; any other state is
// treated as a transient failure so the router can mark it Paused and
// let the dispatcher's rebalance recover it.
func (c *Connector) Dispatch(msg *message.Message) error {
	if c.State() != Running {
		return fmt.Errorf("connector: broker %d not accepting dispatches (state=%s)", c.cfg.BrokerID, c.State())
	}
	select {
	case c.dispatchCh <- msg:
		return nil
	default:
		return fmt.Errorf("connector: broker %d dispatch queue full", c.cfg.BrokerID)
	}
}

// sendLoop is the connector's single writer goroutine: it owns the
// batcher, the send-wait queue, and the connection's write side. Nothing
// else writes to conn.
func (c *Connector) sendLoop() {
	defer c.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	resetTimer(timer, c.cfg.Source.NextCompleteTime())

	for {
		select {
		case msg, ok := <-c.dispatchCh:
			if !ok {
				return
			}
			emitted := c.cfg.Source.OfferAll(msg, kafkaproto.MessageSetSize(msg.KeyLen(), msg.ValueLen()), time.Now())
			if len(emitted) > 0 {
				c.enqueueBatch(emitted)
			}
			c.flushSendWait()
			resetTimer(timer, c.cfg.Source.NextCompleteTime())

		case <-timer.C:
			emitted := c.cfg.Source.PollTimeExpired(time.Now())
			if len(emitted) > 0 {
				c.enqueueBatch(emitted)
			}
			c.flushSendWait()
			resetTimer(timer, c.cfg.Source.NextCompleteTime())

		case <-c.retryCh:
			c.flushSendWait()

		case <-c.pauseCh:
			c.drain(Paused)
			return

		case req := <-c.shutdownCh:
			c.shutdown(req)
			return
		}
	}
}

func resetTimer(t *time.Timer, next time.Time) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if next.IsZero() {
		t.Reset(time.Hour)
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

// enqueueBatch pushes a just-completed batch onto the send-wait queue as
// its own PendingRequest; correlation ID assignment happens at write time
// so in-flight ordering always matches send-wait queue order.
func (c *Connector) enqueueBatch(batches []batch.Batch) {
	c.sendWait.PushBack(PendingRequest{Batches: batches})
}

// flushSendWait writes every request currently in the send-wait queue, in
// order, moving each to the no-ack queue as it's written. A write error
// aborts the flush; the unwritten request is pushed back to the front of
// the send-wait queue for the next attempt (after reconnect).
func (c *Connector) flushSendWait() {
	for {
		req, ok := c.sendWait.PopFront()
		if !ok {
			return
		}
		if err := c.writeRequest(&req); err != nil {
			c.cfg.Logger.Warn().Int32("broker_id", c.cfg.BrokerID).Err(err).Msg("produce write failed")
			c.sendWait.PushFront(req)
			return
		}
	}
}

func (c *Connector) writeRequest(req *PendingRequest) error {
	req.CorrelationID = c.correlationSeq.Add(1)

	preq, err := c.cfg.Builder.Build(req.CorrelationID, req.Batches)
	if err != nil {
		return fmt.Errorf("build produce request: %w", err)
	}

	framed, err := preq.Encode()
	if err != nil {
		return fmt.Errorf("encode produce request: %w", err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	if _, err := conn.Write(framed); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	for _, m := range req.Batches {
		for _, msg := range m.Messages {
			msg.State = message.AwaitingAck
		}
	}

	c.cfg.Tracker.MarkInFlight(c.cfg.BrokerID, req.CorrelationID)
	c.noAck.PushBack(*req)
	return nil
}

// ackLoop is the connector's single reader goroutine: it reads
// length-prefixed responses from the broker in request order and applies
// the ack-action table.
func (c *Connector) ackLoop() {
	defer c.wg.Done()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	r := bufio.NewReader(conn)

	for {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}

		body, correlationID, err := readResponse(r)
		if err != nil {
			switch c.State() {
			case Stopped, Draining, Paused:
				// Deliberate close by drain/shutdown; that path already
				// owns the queues, so the ack loop has nothing to do.
				return
			}
			c.cfg.Logger.Warn().Int32("broker_id", c.cfg.BrokerID).Err(err).Msg("ack loop connection lost")
			c.onConnectionLost()
			return
		}

		resp, err := kafkaproto.DecodeProduceResponse(body)
		if err != nil {
			c.cfg.Logger.Warn().Int32("broker_id", c.cfg.BrokerID).Err(err).Msg("malformed produce response")
			continue
		}

		pending, ok := c.noAck.PopFrontMatching(correlationID)
		if !ok {
			c.cfg.Logger.Warn().Int32("broker_id", c.cfg.BrokerID).Int32("correlation_id", correlationID).Msg("ack for unknown/out-of-order correlation id")
			continue
		}
		c.cfg.Tracker.ResolveInFlight(c.cfg.BrokerID, correlationID)
		c.applyAck(resp, pending)
	}
}

// readResponse reads one length-prefixed Kafka response frame and returns
// its body (with the correlation ID stripped and returned separately).
func readResponse(r *bufio.Reader) (body []byte, correlationID int32, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, 0, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, 0, err
	}
	cid, rest, err := kafkaproto.DecodeResponseHeader(frame)
	if err != nil {
		return nil, 0, err
	}
	return rest, cid, nil
}

// applyAck maps each (topic, partition) result onto the messages of the
// batches that produced it and takes the corresponding ack action.
// Results are matched to messages by (topic, partition) through
// kafkaproto.PayloadKey, not by their position in the response.
func (c *Connector) applyAck(resp *kafkaproto.ProduceResponse, pending PendingRequest) {
	msgsByKey := make(map[string][]*message.Message)
	for _, b := range pending.Batches {
		for _, m := range b.Messages {
			key := kafkaproto.PayloadKey(m.Topic, m.Partition)
			msgsByKey[key] = append(msgsByKey[key], m)
		}
	}

	pauseRequested := false
	for _, result := range resp.Results {
		key := kafkaproto.PayloadKey(result.Topic, result.Partition)
		msgs := msgsByKey[key]

		switch kafkaproto.ActionFor(result.ErrorCode) {
		case kafkaproto.Ok:
			for _, m := range msgs {
				m.State = message.Processed
				m.Release(c.cfg.Pool)
			}

		case kafkaproto.Resend:
			var retry []*message.Message
			for _, m := range msgs {
				m.FailedDeliveries++
				if m.FailedDeliveries > c.cfg.MaxFailedDeliveries {
					c.discard(anomaly.FailedDelivery, m)
					continue
				}
				retry = append(retry, m)
			}
			if len(retry) > 0 {
				c.sendWait.PushFront(PendingRequest{Batches: []batch.Batch{{Topic: result.Topic, Messages: retry}}})
				c.wakeRetry()
			}

		case kafkaproto.Discard:
			for _, m := range msgs {
				c.discard(anomaly.ProduceErr, m)
			}

		case kafkaproto.Pause:
			pauseRequested = true

		case kafkaproto.DiscardAndPause:
			pauseRequested = true
			for _, m := range msgs {
				c.discard(anomaly.ProduceErr, m)
			}
		}
	}

	if pauseRequested {
		select {
		case c.pauseCh <- struct{}{}:
		default:
		}
	}
}

// wakeRetry nudges the send loop to flush the send-wait queue again
// outside its normal dispatch/timer cadence, used when the ack loop
// requeues a retry or reconnect-recovered request.
func (c *Connector) wakeRetry() {
	select {
	case c.retryCh <- struct{}{}:
	default:
	}
}

func (c *Connector) discard(kind anomaly.Kind, m *message.Message) {
	prefix := pool.Collect(m.Body())
	c.cfg.Tracker.Discard(kind, m.Topic, prefix)
	m.Release(c.cfg.Pool)
}

// onConnectionLost is called from the ack loop when a read fails. Every
// outstanding correlation ID becomes a possible-duplicate candidate, since
// the broker may have already applied a write whose ack was lost with the
// connection; the connector moves to Idle so the dispatcher can redial it.
func (c *Connector) onConnectionLost() {
	ids := c.noAck.CorrelationIDs()
	n := c.cfg.Tracker.ReconnectUnresolved(c.cfg.BrokerID, ids)
	if n > 0 {
		c.cfg.Logger.Info().Int32("broker_id", c.cfg.BrokerID).Int("count", n).Msg("possible duplicate deliveries after reconnect")
	}

	unacked := c.noAck.DrainAll()
	for i := len(unacked) - 1; i >= 0; i-- {
		c.sendWait.PushFront(unacked[i])
	}

	c.closeConn()
	c.setState(Idle)
	select {
	case c.pauseCh <- struct{}{}:
	default:
	}
}

// Pause requests a drain-and-handoff: the send loop stops accepting new
// dispatches, hands its queues to the notifier, and exits. Callers
// (the dispatcher, when it starts a rebalance) never block on this; the
// channel is buffered and idempotent. The ack loop signals the same
// channel directly on a protocol-level Pause result.
func (c *Connector) Pause() {
	select {
	case c.pauseCh <- struct{}{}:
	default:
	}
}

// drainDispatchCh folds any messages already buffered on the dispatch
// channel into the batcher before a pause or shutdown snapshot, so a
// message handed off moments before never gets silently stranded.
func (c *Connector) drainDispatchCh() {
	for {
		select {
		case msg := <-c.dispatchCh:
			c.cfg.Source.OfferAll(msg, kafkaproto.MessageSetSize(msg.KeyLen(), msg.ValueLen()), time.Now())
		default:
			return
		}
	}
}

// drain empties the batcher, send-wait queue and no-ack queue into one
// combined list and hands it to the notifier for rerouting, per the
// rebalance/shutdown coordinator's pause path.
func (c *Connector) drain(next State) {
	c.setState(Draining)
	c.drainDispatchCh()

	flushed := c.cfg.Source.TakeAll()
	if len(flushed) > 0 {
		c.sendWait.PushBack(PendingRequest{Batches: flushed})
	}

	combined := append(c.sendWait.DrainAll(), c.noAck.DrainAll()...)

	c.closeConn()
	c.setState(next)

	if c.cfg.Notifier != nil {
		c.cfg.Notifier.OnConnectorPaused(c.cfg.BrokerID, combined)
	}
}

// StartSlowShutdown requests a graceful shutdown: in-flight requests are
// given up to ShutdownMaxDelay to complete before anything left is
// discarded.
func (c *Connector) StartSlowShutdown() {
	select {
	case c.shutdownCh <- shutdownRequest{kind: shutdownSlow}:
	default:
	}
}

// StartFastShutdown drops the send queue immediately and discards every
// outstanding no-ack message.
func (c *Connector) StartFastShutdown() {
	select {
	case c.shutdownCh <- shutdownRequest{kind: shutdownFast}:
	default:
	}
}

func (c *Connector) shutdown(req shutdownRequest) {
	c.setState(Draining)
	c.drainDispatchCh()
	flushed := c.cfg.Source.TakeAll()
	if len(flushed) > 0 {
		c.sendWait.PushBack(PendingRequest{Batches: flushed})
	}

	if req.kind == shutdownFast {
		c.discardAll(c.sendWait.DrainAll())
		c.discardAll(c.noAck.DrainAll())
		c.finishShutdown()
		return
	}

	deadline := time.Now().Add(shutdownDelayOrDefault(c.cfg.ShutdownMaxDelay))
	for c.noAck.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.discardAll(c.sendWait.DrainAll())
	c.discardAll(c.noAck.DrainAll())
	c.finishShutdown()
}

func shutdownDelayOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (c *Connector) discardAll(reqs []PendingRequest) {
	for _, req := range reqs {
		for _, b := range req.Batches {
			for _, m := range b.Messages {
				c.discard(anomaly.ShutdownDiscard, m)
			}
		}
	}
}

func (c *Connector) finishShutdown() {
	c.setState(Stopped)
	c.closeConn()
	c.stopOnce.Do(func() { close(c.stopped) })
}

func (c *Connector) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Join blocks until the connector's send loop and ack loop have both
// returned, i.e. its shutdown is complete.
func (c *Connector) Join() {
	<-c.stopped
	c.wg.Wait()
}
