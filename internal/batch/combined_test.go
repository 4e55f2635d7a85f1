package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCombinedBatcherGroupsEmittedByTopic(t *testing.T) {
	b := NewCombinedBatcher(Limits{MaxCount: 3}, nil)
	now := time.Now()

	action, emitted := b.Offer(newTestMessage("a"), 1, now)
	require.Equal(t, TakeMsgLeaveBatch, action)
	require.Nil(t, emitted)

	action, emitted = b.Offer(newTestMessage("b"), 1, now)
	require.Equal(t, TakeMsgLeaveBatch, action)
	require.Nil(t, emitted)

	action, emitted = b.Offer(newTestMessage("a"), 1, now)
	require.Equal(t, TakeMsgReturnBatch, action)
	require.Len(t, emitted, 2)

	byTopic := map[string]int{}
	for _, batch := range emitted {
		byTopic[batch.Topic] = len(batch.Messages)
	}
	require.Equal(t, 2, byTopic["a"])
	require.Equal(t, 1, byTopic["b"])
}

func TestCombinedBatcherTakeAllFlushesSharedState(t *testing.T) {
	b := NewCombinedBatcher(Limits{}, nil)
	now := time.Now()

	b.Offer(newTestMessage("a"), 1, now)
	b.Offer(newTestMessage("b"), 1, now)

	emitted := b.TakeAll()
	total := 0
	for _, batch := range emitted {
		total += len(batch.Messages)
	}
	require.Equal(t, 2, total)
	require.True(t, b.NextCompleteTime().IsZero())
}
