// Package anomaly counts and summarizes discards and tracks possibly
// duplicate deliveries, for consumption by the (external) diagnostics
// endpoint. Every discard path in doryd funnels through Tracker.Discard.
package anomaly

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Kind enumerates every reason a Message can be discarded or flagged.
type Kind uint8

const (
	Malformed Kind = iota
	NoMem
	TooLong
	UnsupportedAPIKey
	UnsupportedAPIVersion
	FailedDelivery
	Paused
	ProduceErr
	ShutdownDiscard
	UnknownTopic
	RateLimited
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case NoMem:
		return "no_mem"
	case TooLong:
		return "too_long"
	case UnsupportedAPIKey:
		return "unsupported_api_key"
	case UnsupportedAPIVersion:
		return "unsupported_api_version"
	case FailedDelivery:
		return "failed_delivery"
	case Paused:
		return "paused"
	case ProduceErr:
		return "produce_err"
	case ShutdownDiscard:
		return "shutdown_discard"
	case UnknownTopic:
		return "unknown_topic"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

const (
	samplesPerKind   = 32
	samplePrefixCap  = 64
)

// Sample is one recorded discard, kept for diagnostics.
type Sample struct {
	Kind   Kind
	Topic  string
	Prefix []byte // up to samplePrefixCap bytes of the discarded body
	At     time.Time
}

type ring struct {
	mu     sync.Mutex
	buf    [samplesPerKind]Sample
	next   int
	filled bool
}

func (r *ring) add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % samplesPerKind
	if r.next == 0 {
		r.filled = true
	}
}

func (r *ring) snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]Sample, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Sample, samplesPerKind)
	copy(out, r.buf[r.next:])
	copy(out[samplesPerKind-r.next:], r.buf[:r.next])
	return out
}

// Tracker aggregates discard counters, recent samples, and possible-duplicate
// tracking. All counters are atomic; sample rings are individually
// mutex-guarded so one busy kind never blocks another.
type Tracker struct {
	counts  [numKinds]atomic.Int64
	samples [numKinds]ring

	dupMu      sync.Mutex
	dupRecent  map[uint64]struct{} // correlation-key -> seen, cleared periodically
	dupCount   atomic.Int64

	discardTotal *prometheus.CounterVec
}

// New builds a Tracker and, if reg is non-nil, registers its Prometheus
// counters (one "doryd_discards_total" CounterVec labeled by kind, feeding
// the same counts the diagnostics snapshot reports).
func New(reg prometheus.Registerer) *Tracker {
	t := &Tracker{dupRecent: make(map[uint64]struct{})}
	t.discardTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doryd_discards_total",
		Help: "Total messages discarded, by reason.",
	}, []string{"kind"})
	if reg != nil {
		reg.MustRegister(t.discardTotal)
	}
	return t
}

// Discard records one discard of the given kind. prefix is an optional
// slice of the discarded body (truncated to samplePrefixCap) kept for
// diagnostics; it is copied, never retained by reference to pool memory.
func (t *Tracker) Discard(kind Kind, topic string, prefix []byte) {
	t.counts[kind].Add(1)
	if t.discardTotal != nil {
		t.discardTotal.WithLabelValues(kind.String()).Inc()
	}

	n := len(prefix)
	if n > samplePrefixCap {
		n = samplePrefixCap
	}
	cp := make([]byte, n)
	copy(cp, prefix[:n])

	t.samples[kind].add(Sample{Kind: kind, Topic: topic, Prefix: cp, At: time.Now()})
}

// Count returns the running total for one discard kind.
func (t *Tracker) Count(kind Kind) int64 { return t.counts[kind].Load() }

// RecentSamples returns up to samplesPerKind most recent samples for kind,
// oldest first.
func (t *Tracker) RecentSamples(kind Kind) []Sample { return t.samples[kind].snapshot() }

// MarkInFlight records that a batch with the given correlation ID was
// written to the wire but not yet acknowledged, keyed by a hash of
// (brokerID, correlationID) so redelivery across reconnects can be
// recognized as a possible duplicate rather than a fresh send.
func (t *Tracker) MarkInFlight(brokerID int32, correlationID int32) {
	key := dupKey(brokerID, correlationID)
	t.dupMu.Lock()
	t.dupRecent[key] = struct{}{}
	t.dupMu.Unlock()
}

// ResolveInFlight clears the in-flight marker for an acknowledged
// correlation ID. If the marker was never observed as acknowledged before
// a reconnect discarded it, ReconnectUnresolved below accounts it.
func (t *Tracker) ResolveInFlight(brokerID int32, correlationID int32) {
	key := dupKey(brokerID, correlationID)
	t.dupMu.Lock()
	delete(t.dupRecent, key)
	t.dupMu.Unlock()
}

// ReconnectUnresolved is called by the connector when a connection is lost
// with a non-empty no-ack queue: every batch still marked in-flight for
// that broker becomes a possible duplicate once it is resent, since the
// broker may have already applied the original write.
func (t *Tracker) ReconnectUnresolved(brokerID int32, correlationIDs []int32) int {
	t.dupMu.Lock()
	defer t.dupMu.Unlock()
	n := 0
	for _, cid := range correlationIDs {
		key := dupKey(brokerID, cid)
		if _, ok := t.dupRecent[key]; ok {
			delete(t.dupRecent, key)
			n++
		}
	}
	t.dupCount.Add(int64(n))
	return n
}

// PossibleDuplicates returns the running total of messages whose ack was
// never observed before a reconnect forced a resend.
func (t *Tracker) PossibleDuplicates() int64 { return t.dupCount.Load() }

func dupKey(brokerID int32, correlationID int32) uint64 {
	var buf [8]byte
	buf[0] = byte(brokerID)
	buf[1] = byte(brokerID >> 8)
	buf[2] = byte(brokerID >> 16)
	buf[3] = byte(brokerID >> 24)
	buf[4] = byte(correlationID)
	buf[5] = byte(correlationID >> 8)
	buf[6] = byte(correlationID >> 16)
	buf[7] = byte(correlationID >> 24)
	return xxhash.Sum64(buf[:])
}

// Snapshot is a point-in-time read of every counter and kind's most recent
// samples, shaped for the external diagnostics endpoint to serialize.
type Snapshot struct {
	Counts              map[string]int64
	Samples             map[string][]Sample
	PossibleDuplicates  int64
}

// Snapshot builds a Snapshot of current state.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		Counts:             make(map[string]int64, numKinds),
		Samples:            make(map[string][]Sample, numKinds),
		PossibleDuplicates: t.PossibleDuplicates(),
	}
	for k := Kind(0); k < numKinds; k++ {
		s.Counts[k.String()] = t.Count(k)
		s.Samples[k.String()] = t.RecentSamples(k)
	}
	return s
}
