package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPerTopicBatcherIsolatesTopics(t *testing.T) {
	b := NewPerTopicBatcher(Limits{MaxCount: 2}, nil)
	now := time.Now()

	action, batch := b.Offer(newTestMessage("a"), 1, now)
	require.Equal(t, TakeMsgLeaveBatch, action)
	require.Nil(t, batch)

	action, batch = b.Offer(newTestMessage("b"), 1, now)
	require.Equal(t, TakeMsgLeaveBatch, action)
	require.Nil(t, batch)

	action, batch = b.Offer(newTestMessage("a"), 1, now)
	require.Equal(t, TakeMsgReturnBatch, action)
	require.NotNil(t, batch)
	require.Equal(t, "a", batch.Topic)
	require.Len(t, batch.Messages, 2)
}

func TestPerTopicBatcherTakeAllFlushesAllTopics(t *testing.T) {
	b := NewPerTopicBatcher(Limits{}, nil)
	now := time.Now()

	b.Offer(newTestMessage("a"), 1, now)
	b.Offer(newTestMessage("b"), 1, now)

	batches := b.TakeAll()
	require.Len(t, batches, 2)
}

func TestPerTopicBatcherFilterExcludesTopic(t *testing.T) {
	b := NewPerTopicBatcher(Limits{}, &TopicFilter{Exclude: map[string]bool{"system": true}})
	require.True(t, b.Allows("events"))
	require.False(t, b.Allows("system"))
}
