// Package message defines doryd's Message type: an immutable routing
// record whose body lives in pool blocks and whose lifecycle state tracks
// exactly where in the pipeline it is owned.
package message

import (
	"time"

	"github.com/doryd/doryd/internal/pool"
)

// RoutingKind selects how a Message's partition is chosen.
type RoutingKind uint8

const (
	// AnyPartition lets doryd choose a partition via the round-robin chooser.
	AnyPartition RoutingKind = iota
	// PartitionKey routes deterministically by partitionKey mod partitionCount.
	PartitionKey
)

func (k RoutingKind) String() string {
	if k == PartitionKey {
		return "partition_key"
	}
	return "any_partition"
}

// State is a Message's position in the pipeline. Processed is terminal.
type State uint8

const (
	StateNew State = iota
	Batching
	Sending
	AwaitingAck
	Processed
)

// Message is exclusively owned by exactly one component at any instant;
// ownership transfers when the holder hands it to the next stage (enqueues
// it on a channel, appends it to a batch, etc). It is a plain value — Go
// has no destructors, so releasing pool blocks is the explicit
// responsibility of whichever component drives a Message to Processed.
type Message struct {
	Kind         RoutingKind
	PartitionKey int32 // valid only when Kind == PartitionKey
	ClientTS     int64 // client-supplied wall-clock timestamp, milliseconds
	createdMono  time.Time

	Topic string

	// Partition is the resolved destination partition, set by the router
	// (via the any-partition chooser or the partition-key modulo) before
	// the Message reaches a batcher. Unset (-1) until then.
	Partition int32

	body      *pool.Block // singly-linked chain of pool blocks
	keyLen    int
	valueLen  int
	Truncated bool // true if the body was cut short of what the client sent

	FailedDeliveries int
	State            State

	// Dup marks a Message as a possible duplicate. No component in this
	// module sets or reads it: possible duplicates after a reconnect are
	// counted per correlation ID by anomaly.Tracker.ReconnectUnresolved,
	// not per Message.
	Dup bool
}

// New builds a Message whose key+value are already stored in pool blocks.
// keyLen bytes at the front of the chain are the key; the remainder is the
// value. created is normally time.Now(); tests may inject a fixed time.
func New(kind RoutingKind, partitionKey int32, clientTS int64, topic string, body *pool.Block, keyLen, valueLen int, created time.Time) *Message {
	return &Message{
		Kind:         kind,
		PartitionKey: partitionKey,
		ClientTS:     clientTS,
		createdMono:  created,
		Topic:        topic,
		Partition:    -1,
		body:         body,
		keyLen:       keyLen,
		valueLen:     valueLen,
		State:        StateNew,
	}
}

// Body returns the block chain holding this Message's key+value.
func (m *Message) Body() *pool.Block { return m.body }

// KeyLen and ValueLen report how the body chain's bytes split between key
// and value once concatenated.
func (m *Message) KeyLen() int   { return m.keyLen }
func (m *Message) ValueLen() int { return m.valueLen }

// BodyLen is the total body size (key + value) in bytes, without the v0
// message framing; the batcher's byte cap is measured against
// kafkaproto.MessageSetSize instead.
func (m *Message) BodyLen() int { return pool.Len(m.body) }

// CreatedAt returns the monotonic creation time. It is deliberately
// distinct from ClientTS, which is wall-clock supplied by the untrusted
// client and must never drive internal timing decisions. The batchers do
// not read it: a batch's age is measured from the time passed to Offer
// when its first Message joined.
func (m *Message) CreatedAt() time.Time { return m.createdMono }

// Release returns the Message's body blocks to the given pool and marks it
// Processed. Every code path that retires a Message — successful ack or
// any discard — must call Release exactly once.
func (m *Message) Release(p *pool.Pool) {
	if m.State == Processed {
		return
	}
	p.FreeList(m.body)
	m.body = nil
	m.State = Processed
}
