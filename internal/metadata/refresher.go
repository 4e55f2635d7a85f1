package metadata

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/doryd/doryd/internal/kafkaproto"
	"github.com/doryd/doryd/internal/metrics"
)

// RouterNotifier is the subset of *router.Router the refresher depends
// on, kept as an interface so metadata doesn't import router (router
// already imports metadata.Cluster the other way).
type RouterNotifier interface {
	OnMetadataUpdated(cluster *Cluster)
	MarkAutoCreateFailed(topic string)
}

// RebalanceTrigger is the subset of *dispatcher.Dispatcher the refresher
// depends on: a metadata change that actually altered the cluster shape
// must give the dispatcher a chance to rebuild its connectors.
type RebalanceTrigger interface {
	TriggerRebalance()
}

// SeedBroker is one broker address the refresher may dial. The initial
// set comes from Conf.InitialBrokers; the refresher also dials brokers it
// learned about from a previous successful response.
type SeedBroker struct {
	Host string
	Port int32
}

// Config gathers everything the Refresher needs.
type Config struct {
	Seeds          []SeedBroker
	RefreshInterval time.Duration
	BackoffMin     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration

	Pointer    *Pointer
	Router     RouterNotifier
	Dispatcher RebalanceTrigger
	Logger     zerolog.Logger
}

// Refresher periodically fetches full cluster metadata, diffs it against
// the current Pointer, and on-demand fetches a single topic when the
// router asks it to (auto-create hand-off). It implements
// router.AutoCreateRequester via RequestAutoCreate.
type Refresher struct {
	cfg Config

	correlationSeq atomic.Int32
	dialAddrs      []string // seeds until a fetch reports brokers, then only those brokers; replaced after every fetch that reports any

	autoCreateCh chan string
}

// New builds a Refresher. Call Run in its own goroutine.
func New(cfg Config) *Refresher {
	addrs := make([]string, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		addrs = append(addrs, fmt.Sprintf("%s:%d", s.Host, s.Port))
	}
	return &Refresher{cfg: cfg, dialAddrs: addrs, autoCreateCh: make(chan string, 64)}
}

// RequestAutoCreate asks the refresher to fetch metadata for exactly one
// topic on its next opportunity; most Kafka brokers create a topic that
// doesn't yet exist when asked about it by name in a metadata request.
// Non-blocking: a full queue means a request for the same topic is
// already pending.
func (r *Refresher) RequestAutoCreate(topic string) {
	select {
	case r.autoCreateCh <- topic:
	default:
	}
}

// Run drives periodic full refreshes and on-demand single-topic fetches
// until stop is closed.
func (r *Refresher) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.refreshInterval())
	defer ticker.Stop()

	r.refreshFull()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.refreshFull()
		case topic := <-r.autoCreateCh:
			r.refreshTopic(topic)
		}
	}
}

func (r *Refresher) refreshInterval() time.Duration {
	if r.cfg.RefreshInterval <= 0 {
		return 5 * time.Minute
	}
	return r.cfg.RefreshInterval
}

// refreshFull fetches the complete cluster topology (empty topic list)
// and applies it if it changed.
func (r *Refresher) refreshFull() {
	resp, err := r.fetchWithBackoff(nil)
	if err != nil {
		r.cfg.Logger.Warn().Err(err).Msg("metadata refresh failed against every broker")
		metrics.MetadataRefreshTotal.WithLabelValues("failure").Inc()
		return
	}
	metrics.MetadataRefreshTotal.WithLabelValues("success").Inc()
	r.apply(resp, "")
}

// refreshTopic fetches metadata for exactly one topic, the auto-create
// hand-off path.
func (r *Refresher) refreshTopic(topic string) {
	resp, err := r.fetchWithBackoff([]string{topic})
	if err != nil {
		r.cfg.Logger.Warn().Str("topic", topic).Err(err).Msg("auto-create metadata fetch failed against every broker")
		metrics.MetadataRefreshTotal.WithLabelValues("failure").Inc()
		r.cfg.Router.MarkAutoCreateFailed(topic)
		return
	}
	metrics.MetadataRefreshTotal.WithLabelValues("success").Inc()
	r.apply(resp, topic)
}

// apply builds a Cluster from resp, stores it if it changed, notifies the
// router, and triggers a dispatcher rebalance. requestedTopic, if
// non-empty, is the single topic an auto-create fetch targeted; if the
// broker still reports it with an error the auto-create attempt failed.
func (r *Refresher) apply(resp *kafkaproto.MetadataResponse, requestedTopic string) {
	cluster := clusterFromResponse(resp)

	if requestedTopic != "" {
		if t, ok := cluster.Topics[requestedTopic]; !ok || len(t.PartitionLeader) == 0 {
			r.cfg.Router.MarkAutoCreateFailed(requestedTopic)
		}
	}

	r.refreshDialAddrs(cluster)

	current := r.cfg.Pointer.Load()
	if current.Equal(cluster) {
		return
	}
	r.cfg.Pointer.Store(cluster)
	r.cfg.Logger.Info().Int("brokers", len(cluster.Brokers)).Int("topics", len(cluster.Topics)).Msg("metadata changed")

	if r.cfg.Router != nil {
		r.cfg.Router.OnMetadataUpdated(cluster)
	}
	if r.cfg.Dispatcher != nil {
		metrics.RebalancesTotal.Inc()
		r.cfg.Dispatcher.TriggerRebalance()
	}
}

func (r *Refresher) refreshDialAddrs(cluster *Cluster) {
	if len(cluster.Brokers) == 0 {
		return
	}
	addrs := make([]string, 0, len(cluster.Brokers))
	for _, b := range cluster.Brokers {
		addrs = append(addrs, fmt.Sprintf("%s:%d", b.Host, b.Port))
	}
	sort.Strings(addrs)
	r.dialAddrs = addrs
}

// fetchWithBackoff tries every known broker address in order, applying an
// exponential backoff between full passes over the broker list, until one
// responds or the attempt budget (a handful of passes) is exhausted.
func (r *Refresher) fetchWithBackoff(topics []string) (*kafkaproto.MetadataResponse, error) {
	backoff := r.cfg.BackoffInitial
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for pass := 0; pass < 5; pass++ {
		for _, addr := range r.dialAddrs {
			resp, err := r.fetchOne(addr, topics)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			r.cfg.Logger.Debug().Str("addr", addr).Err(err).Msg("metadata fetch attempt failed")
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("metadata: no brokers configured")
		}
		time.Sleep(backoff)
		backoff = nextBackoff(backoff, r.cfg.BackoffMin, r.cfg.BackoffMax)
	}
	return nil, lastErr
}

func nextBackoff(cur, min, max time.Duration) time.Duration {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	next := cur * 2
	if next < min {
		next = min
	}
	if next > max {
		next = max
	}
	return next
}

// fetchOne dials one broker address, sends a single metadata request, and
// decodes the response.
func (r *Refresher) fetchOne(addr string, topics []string) (*kafkaproto.MetadataResponse, error) {
	timeout := r.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	req := &kafkaproto.MetadataRequest{
		CorrelationID: r.correlationSeq.Add(1),
		Topics:        topics,
	}
	framed, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode metadata request: %w", err)
	}
	if _, err := conn.Write(framed); err != nil {
		return nil, fmt.Errorf("write %s: %w", addr, err)
	}

	br := bufio.NewReader(conn)
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read response length from %s: %w", addr, err)
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	frame := make([]byte, size)
	if _, err := io.ReadFull(br, frame); err != nil {
		return nil, fmt.Errorf("read response body from %s: %w", addr, err)
	}

	_, body, err := kafkaproto.DecodeResponseHeader(frame)
	if err != nil {
		return nil, fmt.Errorf("decode response header from %s: %w", addr, err)
	}
	resp, err := kafkaproto.DecodeMetadataResponse(body)
	if err != nil {
		return nil, fmt.Errorf("decode metadata response from %s: %w", addr, err)
	}
	return resp, nil
}

// clusterFromResponse builds a Cluster from a decoded metadata response.
// Every broker named in the response is treated as in-service: a broker
// the cluster no longer wants to use simply stops being listed.
func clusterFromResponse(resp *kafkaproto.MetadataResponse) *Cluster {
	c := &Cluster{
		Brokers: make(map[int32]Broker, len(resp.Brokers)),
		Topics:  make(map[string]*Topic, len(resp.Topics)),
	}
	for _, b := range resp.Brokers {
		c.Brokers[b.NodeID] = Broker{ID: b.NodeID, Host: b.Host, Port: b.Port, InService: true}
	}

	for _, t := range resp.Topics {
		if t.ErrorCode != kafkaproto.ErrNone {
			continue
		}
		sorted := make([]kafkaproto.MetadataPartition, len(t.Partitions))
		copy(sorted, t.Partitions)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

		leaders := make([]int32, len(sorted))
		brokerParts := make(map[int32][]int32)
		for i, p := range sorted {
			leaders[i] = p.Leader
			brokerParts[p.Leader] = append(brokerParts[p.Leader], p.ID)
		}
		c.Topics[t.Name] = &Topic{
			Name:             t.Name,
			PartitionLeader:  leaders,
			BrokerPartitions: brokerParts,
		}
	}
	return c
}
