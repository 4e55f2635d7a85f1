// Package dispatcher supervises one Connector per in-service broker,
// forwards routed messages to the right one, and coordinates the
// rebalance and shutdown sequences that touch every connector at once.
package dispatcher

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/doryd/doryd/internal/anomaly"
	"github.com/doryd/doryd/internal/broker"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/metadata"
)

// Router is the subset of *router.Router the dispatcher depends on,
// kept as an interface so the two packages don't import each other.
type Router interface {
	RerouteAfterRebalance(msgs []*message.Message)
}

// ConnectorBuilder constructs a Connector for one broker. The dispatcher
// always passes itself as the connector's RebalanceNotifier.
type ConnectorBuilder func(brokerID int32, addr string, notifier broker.RebalanceNotifier) *broker.Connector

// Config gathers everything the Dispatcher needs; it is never mutated
// after New.
type Config struct {
	MetadataPtr  *metadata.Pointer
	Router       Router
	NewConnector ConnectorBuilder
	Tracker      *anomaly.Tracker
	Logger       zerolog.Logger
}

// rebalanceSession tracks one in-progress drain-collect-reroute-resume
// cycle: every connector present when the session started must report in
// (via OnConnectorPaused) before the dispatcher proceeds.
type rebalanceSession struct {
	mu       sync.Mutex
	waiting  map[int32]bool
	combined []broker.PendingRequest
}

// Dispatcher implements router.Dispatcher and broker.RebalanceNotifier; it
// is the one component that holds every live Connector.
type Dispatcher struct {
	cfg Config

	mu         sync.Mutex
	connectors map[int32]*broker.Connector
	session    *rebalanceSession

	shuttingDown atomic.Bool
}

// New builds a Dispatcher with no connectors running; call Start to spawn
// them against a metadata snapshot.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg, connectors: make(map[int32]*broker.Connector)}
}

// Start spawns one connector per broker the given cluster marks
// in-service. A broker whose connector fails to dial is skipped (logged),
// not fatal — it will be retried the next time a rebalance runs.
func (d *Dispatcher) Start(cluster *metadata.Cluster) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startConnectorsLocked(cluster)
}

func (d *Dispatcher) startConnectorsLocked(cluster *metadata.Cluster) error {
	d.connectors = make(map[int32]*broker.Connector, len(cluster.Brokers))
	for _, id := range cluster.InServiceBrokers() {
		b := cluster.Brokers[id]
		addr := fmt.Sprintf("%s:%d", b.Host, b.Port)
		conn := d.cfg.NewConnector(id, addr, d)
		if err := conn.Start(); err != nil {
			d.cfg.Logger.Error().Int32("broker_id", id).Err(err).Msg("connector dial failed at startup")
			continue
		}
		d.connectors[id] = conn
	}
	if len(d.connectors) == 0 && len(cluster.Brokers) > 0 {
		return fmt.Errorf("dispatcher: every in-service broker failed to dial")
	}
	return nil
}

// Dispatch forwards msg to the connector owning brokerID. It is the
// router.Dispatcher implementation.
func (d *Dispatcher) Dispatch(msg *message.Message, brokerID int32) error {
	d.mu.Lock()
	c, ok := d.connectors[brokerID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatcher: no connector for broker %d", brokerID)
	}
	return c.Dispatch(msg)
}

// OnConnectorPaused is called by any connector that just drained, either
// reactively (a protocol-level Pause result) or because TriggerRebalance
// asked it to. The first caller to arrive with no session in progress
// starts one and signals every other live connector to pause too; the
// last caller to report in drives the reroute-and-resume.
func (d *Dispatcher) OnConnectorPaused(brokerID int32, pending []broker.PendingRequest) {
	d.mu.Lock()
	session := d.session
	var toPause []*broker.Connector
	if session == nil {
		session = &rebalanceSession{waiting: make(map[int32]bool, len(d.connectors))}
		for id := range d.connectors {
			session.waiting[id] = true
		}
		d.session = session
		for id, c := range d.connectors {
			if id != brokerID {
				toPause = append(toPause, c)
			}
		}
		d.cfg.Logger.Info().Int32("broker_id", brokerID).Int("connectors", len(session.waiting)).Msg("rebalance started")
	}
	d.mu.Unlock()

	for _, c := range toPause {
		c.Pause()
	}

	session.mu.Lock()
	session.combined = append(session.combined, pending...)
	delete(session.waiting, brokerID)
	remaining := len(session.waiting)
	session.mu.Unlock()

	if remaining == 0 {
		d.finishRebalance(session)
	}
}

// TriggerRebalance is called by the metadata refresher when fresh
// metadata changes the cluster shape: every live connector is paused, and
// once all have drained the dispatcher rebuilds against the new metadata.
// A rebalance already in progress absorbs this call instead of starting a
// second one.
func (d *Dispatcher) TriggerRebalance() {
	d.mu.Lock()
	if d.session != nil || d.shuttingDown.Load() {
		d.mu.Unlock()
		return
	}
	session := &rebalanceSession{waiting: make(map[int32]bool, len(d.connectors))}
	for id := range d.connectors {
		session.waiting[id] = true
	}
	d.session = session
	conns := make([]*broker.Connector, 0, len(d.connectors))
	for _, c := range d.connectors {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	if len(session.waiting) == 0 {
		d.finishRebalance(session)
		return
	}
	for _, c := range conns {
		c.Pause()
	}
}

func (d *Dispatcher) finishRebalance(session *rebalanceSession) {
	d.mu.Lock()
	d.session = nil
	d.connectors = make(map[int32]*broker.Connector)
	d.mu.Unlock()

	msgs := flattenPending(session.combined)
	if len(msgs) > 0 && d.cfg.Router != nil {
		d.cfg.Router.RerouteAfterRebalance(msgs)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuttingDown.Load() {
		return
	}
	cluster := d.cfg.MetadataPtr.Load()
	if err := d.startConnectorsLocked(cluster); err != nil {
		d.cfg.Logger.Error().Err(err).Msg("rebalance resume failed")
	} else {
		d.cfg.Logger.Info().Int("connectors", len(d.connectors)).Msg("rebalance resumed")
	}
}

func flattenPending(reqs []broker.PendingRequest) []*message.Message {
	var out []*message.Message
	for _, req := range reqs {
		for _, b := range req.Batches {
			out = append(out, b.Messages...)
		}
	}
	return out
}

// StartSlowShutdown asks every connector to finish in-flight requests
// before discarding anything left, per each connector's own
// ShutdownMaxDelay.
func (d *Dispatcher) StartSlowShutdown() {
	d.shuttingDown.Store(true)
	for _, c := range d.snapshotConnectors() {
		c.StartSlowShutdown()
	}
}

// StartFastShutdown asks every connector to discard its queues
// immediately.
func (d *Dispatcher) StartFastShutdown() {
	d.shuttingDown.Store(true)
	for _, c := range d.snapshotConnectors() {
		c.StartFastShutdown()
	}
}

func (d *Dispatcher) snapshotConnectors() []*broker.Connector {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*broker.Connector, 0, len(d.connectors))
	for _, c := range d.connectors {
		out = append(out, c)
	}
	return out
}

// JoinAll blocks until every connector has completed its shutdown
// sequence, joining them concurrently so one connector's
// ShutdownMaxDelay doesn't serialize behind another's. It reports whether
// the shutdown was clean (no messages discarded for ShutdownDiscard).
func (d *Dispatcher) JoinAll() bool {
	conns := d.snapshotConnectors()

	p := pool.New()
	for _, c := range conns {
		c := c
		p.Go(func() { c.Join() })
	}
	p.Wait()

	if d.cfg.Tracker == nil {
		return true
	}
	return d.cfg.Tracker.Count(anomaly.ShutdownDiscard) == 0
}
