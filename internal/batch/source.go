package batch

import (
	"time"

	"github.com/doryd/doryd/internal/message"
)

// Source is the interface a per-broker connector drives its batcher
// through, satisfied by both PerTopicBatcher and CombinedBatcher. Which
// concrete type backs a given broker's Source is a startup configuration
// decision (per-topic vs combined-topics batching).
type Source interface {
	OfferAll(msg *message.Message, msgBytes int, now time.Time) []Batch
	NextCompleteTime() time.Time
	PollTimeExpired(now time.Time) []Batch
	TakeAll() []Batch
}

var (
	_ Source = (*PerTopicBatcher)(nil)
	_ Source = (*CombinedBatcher)(nil)
)
