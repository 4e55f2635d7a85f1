package broker

import (
	"sync"

	"github.com/doryd/doryd/internal/batch"
)

// PendingRequest is one produce request this connector has built from a
// set of Batches, tracked either in the send-wait queue (not yet written)
// or the no-ack queue (written, awaiting response).
type PendingRequest struct {
	CorrelationID int32
	Batches       []batch.Batch
}

// sendWaitQueue holds requests ready to be written to the broker but not
// yet sent, ordered oldest-first. Retried requests are re-inserted at the
// head, preserving relative order for their (topic, partition).
type sendWaitQueue struct {
	mu    sync.Mutex
	items []PendingRequest
}

func newSendWaitQueue() *sendWaitQueue { return &sendWaitQueue{} }

func (q *sendWaitQueue) PushBack(r PendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, r)
}

func (q *sendWaitQueue) PushFront(r PendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]PendingRequest{r}, q.items...)
}

func (q *sendWaitQueue) PopFront() (PendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return PendingRequest{}, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r, true
}

func (q *sendWaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainAll removes and returns every queued request, in order.
func (q *sendWaitQueue) DrainAll() []PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// noAckQueue holds requests already written to the broker, awaiting a
// response. Kafka returns responses in request order, so this queue's
// front always matches the next response's correlation ID.
type noAckQueue struct {
	mu    sync.Mutex
	items []PendingRequest
}

func newNoAckQueue() *noAckQueue { return &noAckQueue{} }

func (q *noAckQueue) PushBack(r PendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, r)
}

// PopFrontMatching removes and returns the head request if its
// correlation ID matches. A mismatch indicates a protocol-level bug (the
// broker is expected to answer in FIFO order) and is reported as ok=false
// without mutating the queue.
func (q *noAckQueue) PopFrontMatching(correlationID int32) (PendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].CorrelationID != correlationID {
		return PendingRequest{}, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r, true
}

func (q *noAckQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// CorrelationIDs returns the correlation IDs of every still-outstanding
// request, in order, for reconnect-time possible-duplicate accounting.
func (q *noAckQueue) CorrelationIDs() []int32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int32, len(q.items))
	for i, r := range q.items {
		out[i] = r.CorrelationID
	}
	return out
}

// DrainAll removes and returns every outstanding request, in order.
func (q *noAckQueue) DrainAll() []PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
