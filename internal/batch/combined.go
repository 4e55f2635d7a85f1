package batch

import (
	"sync"
	"time"

	"github.com/doryd/doryd/internal/message"
)

// CombinedBatcher keeps one shared batch state across every topic bound to
// a broker, with a single topic filter. Emitted batches are still grouped
// by topic, since a produce request's wire layout is per-topic regardless
// of how batching decisions were made.
type CombinedBatcher struct {
	filter *TopicFilter

	mu sync.Mutex
	c  *core
}

// NewCombinedBatcher builds a combined-topics batcher bound to one
// broker's limits and topic filter.
func NewCombinedBatcher(limits Limits, filter *TopicFilter) *CombinedBatcher {
	return &CombinedBatcher{filter: filter, c: newCore(limits)}
}

// Allows reports whether this batcher's filter accepts topic.
func (b *CombinedBatcher) Allows(topic string) bool { return b.filter.Allows(topic) }

// Offer runs the four-action rule table against the single shared core.
func (b *CombinedBatcher) Offer(msg *message.Message, msgBytes int, now time.Time) (Action, []Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	action, emitted := b.c.Offer(msg, msgBytes, now)
	return action, groupByTopic(emitted)
}

// OfferAll runs Offer to completion for msg, re-offering it as long as the
// rule engine returns LeaveMsgReturnBatch. Returns every Batch emitted
// along the way, in order.
func (b *CombinedBatcher) OfferAll(msg *message.Message, msgBytes int, now time.Time) []Batch {
	var out []Batch
	for {
		action, emitted := b.Offer(msg, msgBytes, now)
		out = append(out, emitted...)
		if action != LeaveMsgReturnBatch {
			return out
		}
	}
}

// NextCompleteTime returns when the shared batch will age out, or the
// zero time if none is open or the time limit is disabled.
func (b *CombinedBatcher) NextCompleteTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.c.NextCompleteTime()
}

// PollTimeExpired emits the shared batch, grouped by topic, if its time
// limit has elapsed.
func (b *CombinedBatcher) PollTimeExpired(now time.Time) []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.c.TimeExpired(now) {
		return nil
	}
	return groupByTopic(b.c.takeAll())
}

// TakeAll flushes the shared batch atomically, regardless of completeness.
func (b *CombinedBatcher) TakeAll() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return groupByTopic(b.c.takeAll())
}

// groupByTopic splits a flat Message slice back into per-topic Batches,
// preserving the order in which each topic first appeared.
func groupByTopic(msgs []*message.Message) []Batch {
	if len(msgs) == 0 {
		return nil
	}

	order := make([]string, 0, 4)
	grouped := make(map[string][]*message.Message, 4)
	for _, m := range msgs {
		if _, ok := grouped[m.Topic]; !ok {
			order = append(order, m.Topic)
		}
		grouped[m.Topic] = append(grouped[m.Topic], m)
	}

	out := make([]Batch, 0, len(order))
	for _, topic := range order {
		out = append(out, Batch{Topic: topic, Messages: grouped[topic]})
	}
	return out
}
