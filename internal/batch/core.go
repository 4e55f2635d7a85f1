// Package batch implements the shared batching rule engine and its two
// flavors (per-topic, combined-topics), plus the produce-request builder
// that turns a completed batch into a wire request.
package batch

import (
	"time"

	"github.com/doryd/doryd/internal/message"
)

// Action is one of the four outcomes the batching rule engine can hand
// back when a new Message arrives.
type Action int

const (
	// TakeMsgLeaveBatch adds the Message to the current batch, which is
	// not yet complete.
	TakeMsgLeaveBatch Action = iota
	// TakeMsgReturnBatch adds the Message to the current batch, which is
	// now complete and must be emitted.
	TakeMsgReturnBatch
	// ReturnBatchTakeMsg emits the current batch (already complete
	// without this Message) and starts a new one containing this Message.
	ReturnBatchTakeMsg
	// LeaveMsgReturnBatch emits the current batch; the Message cannot
	// join it (it would exceed the byte cap alone). The caller must
	// re-offer the same Message against a fresh batch.
	LeaveMsgReturnBatch
)

func (a Action) String() string {
	switch a {
	case TakeMsgLeaveBatch:
		return "take_msg_leave_batch"
	case TakeMsgReturnBatch:
		return "take_msg_return_batch"
	case ReturnBatchTakeMsg:
		return "return_batch_take_msg"
	case LeaveMsgReturnBatch:
		return "leave_msg_return_batch"
	default:
		return "unknown"
	}
}

// Limits is the configured {time, count, bytes} triple. Any field at zero
// means that dimension is disabled.
type Limits struct {
	TimeLimit time.Duration
	MaxCount  int
	MaxBytes  int
}

// core holds one open batch's accumulated state. It is not safe for
// concurrent use; callers (PerTopicBatcher, CombinedBatcher) serialize
// access with their own mutex.
type core struct {
	limits   Limits
	messages []*message.Message
	bytes    int
	oldest   time.Time
}

func newCore(limits Limits) *core {
	return &core{limits: limits}
}

func (c *core) Empty() bool { return len(c.messages) == 0 }

func (c *core) add(msg *message.Message, msgBytes int, now time.Time) {
	if len(c.messages) == 0 {
		c.oldest = now
	}
	c.messages = append(c.messages, msg)
	c.bytes += msgBytes
}

func (c *core) takeAll() []*message.Message {
	out := c.messages
	c.messages = nil
	c.bytes = 0
	c.oldest = time.Time{}
	return out
}

// TimeExpired reports whether the batch's oldest Message has aged past
// the configured time limit as of now. Always false for an empty batch or
// a disabled time limit.
func (c *core) TimeExpired(now time.Time) bool {
	if c.Empty() || c.limits.TimeLimit <= 0 {
		return false
	}
	return now.Sub(c.oldest) >= c.limits.TimeLimit
}

// Complete reports whether the open batch has reached any configured cap.
func (c *core) Complete(now time.Time) bool {
	if c.Empty() {
		return false
	}
	if c.limits.MaxCount > 0 && len(c.messages) >= c.limits.MaxCount {
		return true
	}
	if c.limits.MaxBytes > 0 && c.bytes >= c.limits.MaxBytes {
		return true
	}
	return c.TimeExpired(now)
}

// NextCompleteTime returns the time at which the open batch will become
// complete purely from aging, or the zero time if there is no open batch
// or no time limit configured. The dispatcher's send loop uses this to
// compute its poll timeout.
func (c *core) NextCompleteTime() time.Time {
	if c.Empty() || c.limits.TimeLimit <= 0 {
		return time.Time{}
	}
	return c.oldest.Add(c.limits.TimeLimit)
}

// Offer applies the four-action rule table to one arriving Message.
// msgBytes is the on-wire cost of this Message alone (see
// kafkaproto.MessageSetSize), which the byte cap is measured against.
//
// When the result is LeaveMsgReturnBatch, the caller must call Offer
// again with the same Message once it has emitted the returned batch —
// the re-offer always lands on an empty batch and yields
// TakeMsgReturnBatch, since an oversized Message is its own one-Message
// batch.
func (c *core) Offer(msg *message.Message, msgBytes int, now time.Time) (Action, []*message.Message) {
	aloneExceeds := c.limits.MaxBytes > 0 && msgBytes > c.limits.MaxBytes

	if c.Empty() {
		c.add(msg, msgBytes, now)
		if aloneExceeds || c.Complete(now) {
			return TakeMsgReturnBatch, c.takeAll()
		}
		return TakeMsgLeaveBatch, nil
	}

	if c.TimeExpired(now) {
		emitted := c.takeAll()
		c.add(msg, msgBytes, now)
		return ReturnBatchTakeMsg, emitted
	}

	if aloneExceeds {
		emitted := c.takeAll()
		return LeaveMsgReturnBatch, emitted
	}

	if c.limits.MaxBytes > 0 && c.bytes+msgBytes > c.limits.MaxBytes {
		emitted := c.takeAll()
		c.add(msg, msgBytes, now)
		return ReturnBatchTakeMsg, emitted
	}

	c.add(msg, msgBytes, now)
	if c.Complete(now) {
		return TakeMsgReturnBatch, c.takeAll()
	}
	return TakeMsgLeaveBatch, nil
}
