// Package metadata holds the cluster topology doryd routes against, and
// the refresher that keeps it current.
package metadata

import "sync"

// Broker is one node in the cluster, as reported by a metadata response.
type Broker struct {
	ID        int32
	Host      string
	Port      int32
	InService bool
}

// Topic is one topic's partition layout as reported by a metadata
// response, plus the per-broker partition-choice vectors the any-partition
// chooser uses.
type Topic struct {
	Name         string
	PartitionLeader []int32 // index = partition, value = leader broker ID

	AutoCreateAttempted bool

	// BrokerPartitions maps a broker ID to the list of partitions (of this
	// topic) it currently leads, in a stable order, for the any-partition
	// chooser to round-robin across.
	BrokerPartitions map[int32][]int32
}

// PartitionCount returns the number of partitions in this topic.
func (t *Topic) PartitionCount() int { return len(t.PartitionLeader) }

// LeaderFor returns the broker ID leading the given partition, or false if
// the partition is out of range.
func (t *Topic) LeaderFor(partition int32) (int32, bool) {
	if partition < 0 || int(partition) >= len(t.PartitionLeader) {
		return 0, false
	}
	return t.PartitionLeader[partition], true
}

// Cluster is an immutable snapshot of brokers and topics. Readers take a
// copy of the pointer at the start of a routing decision (copy-on-replace);
// the refresher swaps in a new *Cluster rather than mutating one in place,
// so no reader ever observes a half-updated topology.
type Cluster struct {
	Brokers map[int32]Broker
	Topics  map[string]*Topic
}

// Empty returns a Cluster with no brokers or topics, used before the first
// successful metadata fetch.
func Empty() *Cluster {
	return &Cluster{Brokers: map[int32]Broker{}, Topics: map[string]*Topic{}}
}

// InServiceBrokers returns the IDs of brokers currently marked in-service,
// in ascending order for deterministic iteration (e.g. dispatcher startup).
func (c *Cluster) InServiceBrokers() []int32 {
	ids := make([]int32, 0, len(c.Brokers))
	for id, b := range c.Brokers {
		if b.InService {
			ids = append(ids, id)
		}
	}
	sortInt32s(ids)
	return ids
}

func sortInt32s(s []int32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Equal reports whether two clusters have the same (broker set, topic ->
// partition -> leader) shape. The refresher uses this to decide whether a
// freshly fetched metadata response actually changed anything before
// paying for a dispatcher rebalance.
func (c *Cluster) Equal(o *Cluster) bool {
	if c == nil || o == nil {
		return c == o
	}
	if len(c.Brokers) != len(o.Brokers) || len(c.Topics) != len(o.Topics) {
		return false
	}
	for id, b := range c.Brokers {
		ob, ok := o.Brokers[id]
		if !ok || ob != b {
			return false
		}
	}
	for name, t := range c.Topics {
		ot, ok := o.Topics[name]
		if !ok || len(ot.PartitionLeader) != len(t.PartitionLeader) {
			return false
		}
		for i, leader := range t.PartitionLeader {
			if ot.PartitionLeader[i] != leader {
				return false
			}
		}
	}
	return true
}

// Pointer is a copy-on-replace holder for the current *Cluster, safe for
// concurrent readers and a single writer (the refresher).
type Pointer struct {
	mu   sync.RWMutex
	cur  *Cluster
}

// NewPointer creates a Pointer seeded with an empty Cluster.
func NewPointer() *Pointer {
	return &Pointer{cur: Empty()}
}

// Load returns the current Cluster. Callers hold their returned pointer for
// the duration of one routing decision; they never see it mutate under
// them, since Store always swaps in a brand new *Cluster.
func (p *Pointer) Load() *Cluster {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Store swaps in a new Cluster.
func (p *Pointer) Store(c *Cluster) {
	p.mu.Lock()
	p.cur = c
	p.mu.Unlock()
}
