package router

import (
	"sort"
	"sync"

	"github.com/doryd/doryd/internal/metadata"
)

// Choice is a (broker, partition) pair the any-partition chooser has
// picked for one Message.
type Choice struct {
	Broker    int32
	Partition int32
}

// chooserState is one topic's round-robin position: which broker is next
// in line, and, per broker, which partition within that broker's vector
// for this topic is next.
type chooserState struct {
	brokerCursor     int
	partitionCursors map[int32]int
}

// Chooser implements the any-partition routing algorithm: round-robin
// across brokers that lead any partition of a topic, then round-robin
// across that broker's partitions for the topic. A chosen (broker,
// partition) is "used" the instant Choose returns it; Advance is called
// only once the Message has actually been handed to that broker's
// connector, so a dispatch failure does not skip a partition.
type Chooser struct {
	mu       sync.Mutex
	perTopic map[string]*chooserState
}

// NewChooser builds an empty Chooser.
func NewChooser() *Chooser {
	return &Chooser{perTopic: make(map[string]*chooserState)}
}

// Choose picks the next (broker, partition) pair for topic. It returns
// false if the topic currently leads no partitions on any in-service
// broker.
func (c *Chooser) Choose(topic *metadata.Topic) (Choice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	brokers := sortedBrokerIDs(topic.BrokerPartitions)
	if len(brokers) == 0 {
		return Choice{}, false
	}

	st, ok := c.perTopic[topic.Name]
	if !ok {
		st = &chooserState{partitionCursors: make(map[int32]int)}
		c.perTopic[topic.Name] = st
	}

	brokerIdx := st.brokerCursor % len(brokers)
	broker := brokers[brokerIdx]

	partitions := topic.BrokerPartitions[broker]
	if len(partitions) == 0 {
		return Choice{}, false
	}

	partIdx := st.partitionCursors[broker] % len(partitions)
	partition := partitions[partIdx]

	return Choice{Broker: broker, Partition: partition}, true
}

// Advance records that the most recent Choice for topic was successfully
// dispatched, moving both the broker cursor and the chosen broker's
// partition cursor forward by one.
func (c *Chooser) Advance(topicName string, choice Choice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.perTopic[topicName]
	if !ok {
		return
	}
	st.brokerCursor++
	st.partitionCursors[choice.Broker]++
}

// Reset drops a topic's chooser state, used when metadata changes
// invalidate the previous partition vectors (a rebalance).
func (c *Chooser) Reset(topicName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.perTopic, topicName)
}

func sortedBrokerIDs(m map[int32][]int32) []int32 {
	ids := make([]int32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
