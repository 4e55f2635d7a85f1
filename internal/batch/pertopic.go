package batch

import (
	"sync"
	"time"

	"github.com/doryd/doryd/internal/message"
)

// TopicFilter restricts which topics a batcher handles. At most one of
// Include/Exclude is set; nil means "no restriction". Selection of which
// filter (and which batcher flavor) applies to a given (topic, broker) is
// a startup configuration decision made by the caller, not by TopicFilter
// itself.
type TopicFilter struct {
	Include map[string]bool
	Exclude map[string]bool
}

// Allows reports whether this filter lets topic through.
func (f *TopicFilter) Allows(topic string) bool {
	if f == nil {
		return true
	}
	if f.Include != nil {
		return f.Include[topic]
	}
	if f.Exclude != nil {
		return !f.Exclude[topic]
	}
	return true
}

// Batch is one emitted, ready-to-send group of Messages for one topic.
type Batch struct {
	Topic    string
	Messages []*message.Message
}

// PerTopicBatcher keeps an independent core per topic, each running the
// same {time, count, bytes} limits.
type PerTopicBatcher struct {
	limits Limits
	filter *TopicFilter

	mu       sync.Mutex
	perTopic map[string]*core
}

// NewPerTopicBatcher builds a batcher bound to one broker's limits and
// topic filter.
func NewPerTopicBatcher(limits Limits, filter *TopicFilter) *PerTopicBatcher {
	return &PerTopicBatcher{
		limits:   limits,
		filter:   filter,
		perTopic: make(map[string]*core),
	}
}

// Allows reports whether this batcher's filter accepts topic.
func (b *PerTopicBatcher) Allows(topic string) bool { return b.filter.Allows(topic) }

// Offer runs the four-action rule table for msg against its topic's core.
func (b *PerTopicBatcher) Offer(msg *message.Message, msgBytes int, now time.Time) (Action, *Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.perTopic[msg.Topic]
	if !ok {
		c = newCore(b.limits)
		b.perTopic[msg.Topic] = c
	}

	action, emitted := c.Offer(msg, msgBytes, now)
	if emitted == nil {
		return action, nil
	}
	return action, &Batch{Topic: msg.Topic, Messages: emitted}
}

// OfferAll runs Offer to completion for msg, re-offering it as long as the
// rule engine returns LeaveMsgReturnBatch (an oversized Message bouncing
// off a non-empty batch before landing in its own). Returns every Batch
// emitted along the way, in order.
func (b *PerTopicBatcher) OfferAll(msg *message.Message, msgBytes int, now time.Time) []Batch {
	var out []Batch
	for {
		action, emitted := b.Offer(msg, msgBytes, now)
		if emitted != nil {
			out = append(out, *emitted)
		}
		if action != LeaveMsgReturnBatch {
			return out
		}
	}
}

// NextCompleteTime returns the earliest time at which any open per-topic
// batch will age out, or the zero time if none is pending.
func (b *PerTopicBatcher) NextCompleteTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	var earliest time.Time
	for _, c := range b.perTopic {
		t := c.NextCompleteTime()
		if t.IsZero() {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}

// PollTimeExpired emits every open batch whose time limit has elapsed as
// of now. Called by the send loop after a poll timeout.
func (b *PerTopicBatcher) PollTimeExpired(now time.Time) []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Batch
	for topic, c := range b.perTopic {
		if c.TimeExpired(now) {
			out = append(out, Batch{Topic: topic, Messages: c.takeAll()})
		}
	}
	return out
}

// TakeAll flushes every open batch atomically, regardless of whether it
// is complete. Used on pause, broker removal, and shutdown.
func (b *PerTopicBatcher) TakeAll() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Batch
	for topic, c := range b.perTopic {
		if !c.Empty() {
			out = append(out, Batch{Topic: topic, Messages: c.takeAll()})
		}
	}
	return out
}
