package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPerTopicOfferAllHandlesOversizedMessageAfterOpenBatch(t *testing.T) {
	b := NewPerTopicBatcher(Limits{MaxBytes: 10}, nil)
	now := time.Now()

	emitted := b.OfferAll(newTestMessage("t"), 4, now)
	require.Empty(t, emitted)

	emitted = b.OfferAll(newTestMessage("t"), 20, now)
	require.Len(t, emitted, 2)
	require.Len(t, emitted[0].Messages, 1) // the flushed 4-byte batch
	require.Len(t, emitted[1].Messages, 1) // the oversized message's own batch
}

func TestCombinedOfferAllHandlesOversizedMessageAfterOpenBatch(t *testing.T) {
	b := NewCombinedBatcher(Limits{MaxBytes: 10}, nil)
	now := time.Now()

	emitted := b.OfferAll(newTestMessage("a"), 4, now)
	require.Empty(t, emitted)

	emitted = b.OfferAll(newTestMessage("b"), 20, now)
	require.Len(t, emitted, 2)
}
