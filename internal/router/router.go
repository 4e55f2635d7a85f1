// Package router resolves each Message to a (broker, partition) and
// forwards it to the dispatcher, handling unknown-topic auto-create
// hand-off and metadata-change rebalance rerouting.
package router

import (
	"sync"

	"github.com/doryd/doryd/internal/anomaly"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/metadata"
	"github.com/doryd/doryd/internal/pool"
	"github.com/doryd/doryd/internal/ratelimit"
)

// Dispatcher is the subset of the dispatcher the router depends on:
// handing a resolved Message to the connector for one broker. Dispatch
// returns an error if that broker's connector is not currently accepting
// new work (paused, draining, or stopped).
type Dispatcher interface {
	Dispatch(msg *message.Message, brokerID int32) error
}

// AutoCreateRequester asks the metadata refresher to issue a single-topic
// metadata request, which the broker treats as an auto-create.
type AutoCreateRequester interface {
	RequestAutoCreate(topic string)
}

type autoCreateStatus uint8

const (
	acNotTried autoCreateStatus = iota
	acPending
	acFailed
)

// Router is the single task (goroutine) that consumes Messages from the
// ingest-to-router queue and resolves + forwards each one. Its exported
// methods are safe to call from the one router goroutine and, for
// OnMetadataUpdated/MarkAutoCreateFailed, from the metadata refresher's
// goroutine as well.
type Router struct {
	metadataPtr  *metadata.Pointer
	dispatcher   Dispatcher
	chooser      *Chooser
	tracker      *anomaly.Tracker
	limiters     *ratelimit.TopicLimiters
	pool         *pool.Pool
	autoCreate   bool
	requester    AutoCreateRequester

	mu               sync.Mutex
	autoCreateState  map[string]autoCreateStatus
	buffered         map[string][]*message.Message
}

// New builds a Router. limiters and requester may be nil (no rate
// limiting / auto-create disabled, respectively matching autoCreate=false).
func New(metadataPtr *metadata.Pointer, dispatcher Dispatcher, tracker *anomaly.Tracker, limiters *ratelimit.TopicLimiters, p *pool.Pool, autoCreate bool, requester AutoCreateRequester) *Router {
	return &Router{
		metadataPtr:     metadataPtr,
		dispatcher:      dispatcher,
		chooser:         NewChooser(),
		tracker:         tracker,
		limiters:        limiters,
		pool:            p,
		autoCreate:      autoCreate,
		requester:       requester,
		autoCreateState: make(map[string]autoCreateStatus),
		buffered:        make(map[string][]*message.Message),
	}
}

// Route resolves and forwards one Message. It never blocks on I/O; a
// dispatch failure (paused/stopped connector) is itself a discard, since
// the router does not retry — retries are the connector's job once the
// broker is reachable again.
func (r *Router) Route(msg *message.Message) {
	if r.limiters != nil && !r.limiters.Test(msg.Topic) {
		r.discard(anomaly.RateLimited, msg)
		return
	}

	cluster := r.metadataPtr.Load()
	topic, ok := cluster.Topics[msg.Topic]
	if !ok {
		r.handleUnknownTopic(msg)
		return
	}

	choice, ok := r.resolvePartition(msg, topic)
	if !ok {
		r.discard(anomaly.UnknownTopic, msg)
		return
	}

	msg.Partition = choice.Partition
	if err := r.dispatcher.Dispatch(msg, choice.Broker); err != nil {
		r.discard(anomaly.Paused, msg)
		return
	}

	if msg.Kind == message.AnyPartition {
		r.chooser.Advance(msg.Topic, choice)
	}
}

func (r *Router) resolvePartition(msg *message.Message, topic *metadata.Topic) (Choice, bool) {
	if msg.Kind == message.PartitionKey {
		n := topic.PartitionCount()
		if n == 0 {
			return Choice{}, false
		}
		partition := msg.PartitionKey % int32(n)
		if partition < 0 {
			partition += int32(n)
		}
		leader, ok := topic.LeaderFor(partition)
		if !ok {
			return Choice{}, false
		}
		return Choice{Broker: leader, Partition: partition}, true
	}
	return r.chooser.Choose(topic)
}

// handleUnknownTopic implements spec step 2 of the router algorithm: on
// first sight of an unknown topic with auto-create enabled, mark it
// pending, buffer the Message, and ask the metadata refresher to issue a
// single-topic (auto-create) metadata request. Subsequent Messages for a
// still-pending topic are buffered too; Messages for an already-failed
// topic, or any topic when auto-create is disabled, are discarded.
func (r *Router) handleUnknownTopic(msg *message.Message) {
	if !r.autoCreate {
		r.discard(anomaly.UnknownTopic, msg)
		return
	}

	r.mu.Lock()
	status := r.autoCreateState[msg.Topic]
	switch status {
	case acFailed:
		r.mu.Unlock()
		r.discard(anomaly.UnknownTopic, msg)
		return
	case acPending:
		r.buffered[msg.Topic] = append(r.buffered[msg.Topic], msg)
		r.mu.Unlock()
		return
	default:
		r.autoCreateState[msg.Topic] = acPending
		r.buffered[msg.Topic] = append(r.buffered[msg.Topic], msg)
		r.mu.Unlock()
		r.requester.RequestAutoCreate(msg.Topic)
	}
}

// OnMetadataUpdated is called by the metadata refresher after every
// successful fetch that changed the cached Cluster. Any topic pending
// auto-create that now appears in cluster has its buffered Messages
// re-routed.
func (r *Router) OnMetadataUpdated(cluster *metadata.Cluster) {
	r.mu.Lock()
	var ready []*message.Message
	for topic := range r.autoCreateState {
		if _, ok := cluster.Topics[topic]; !ok {
			continue
		}
		ready = append(ready, r.buffered[topic]...)
		delete(r.buffered, topic)
		delete(r.autoCreateState, topic)
	}
	r.mu.Unlock()

	for _, msg := range ready {
		r.Route(msg)
	}
}

// MarkAutoCreateFailed is called by the metadata refresher when a
// single-topic auto-create request itself fails (not merely "topic still
// absent from this response," but e.g. the broker returned an error for
// it). Every Message buffered for that topic is discarded.
func (r *Router) MarkAutoCreateFailed(topic string) {
	r.mu.Lock()
	r.autoCreateState[topic] = acFailed
	pending := r.buffered[topic]
	delete(r.buffered, topic)
	r.mu.Unlock()

	for _, msg := range pending {
		r.discard(anomaly.UnknownTopic, msg)
	}
}

// RerouteAfterRebalance re-resolves every Message the dispatcher handed
// back after draining connectors for a metadata-driven rebalance. Called
// once metadata has already been swapped to the new Cluster. The
// any-partition chooser's cursors are reset per affected topic first,
// since the broker/partition vectors they were counting against may no
// longer be valid.
func (r *Router) RerouteAfterRebalance(msgs []*message.Message) {
	seen := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		if msg.Kind == message.AnyPartition && !seen[msg.Topic] {
			r.chooser.Reset(msg.Topic)
			seen[msg.Topic] = true
		}
	}
	for _, msg := range msgs {
		msg.Partition = -1
		r.Route(msg)
	}
}

func (r *Router) discard(kind anomaly.Kind, msg *message.Message) {
	r.tracker.Discard(kind, msg.Topic, pool.Collect(msg.Body()))
	msg.Release(r.pool)
}
