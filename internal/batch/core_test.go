package batch

import (
	"testing"
	"time"

	"github.com/doryd/doryd/internal/message"
	"github.com/stretchr/testify/require"
)

func newTestMessage(topic string) *message.Message {
	return message.New(message.AnyPartition, 0, 0, topic, nil, 0, 0, time.Now())
}

func TestCoreTimeLimitOnly(t *testing.T) {
	c := newCore(Limits{TimeLimit: 100 * time.Millisecond})
	base := time.Now()

	action, emitted := c.Offer(newTestMessage("t"), 1, base)
	require.Equal(t, TakeMsgLeaveBatch, action)
	require.Nil(t, emitted)

	require.Equal(t, base.Add(100*time.Millisecond), c.NextCompleteTime())
	require.False(t, c.TimeExpired(base.Add(99*time.Millisecond)))
	require.True(t, c.TimeExpired(base.Add(100*time.Millisecond)))
}

func TestCoreByteLimitSplitsBatch(t *testing.T) {
	c := newCore(Limits{MaxBytes: 10})
	now := time.Now()

	action1, emitted1 := c.Offer(newTestMessage("t"), 4, now)
	require.Equal(t, TakeMsgLeaveBatch, action1)
	require.Nil(t, emitted1)

	action2, emitted2 := c.Offer(newTestMessage("t"), 4, now)
	require.Equal(t, TakeMsgLeaveBatch, action2)
	require.Nil(t, emitted2)

	action3, emitted3 := c.Offer(newTestMessage("t"), 4, now)
	require.Equal(t, ReturnBatchTakeMsg, action3)
	require.Len(t, emitted3, 2)
}

func TestCoreCountLimitCompletesOnReachingCap(t *testing.T) {
	c := newCore(Limits{MaxCount: 2})
	now := time.Now()

	action1, _ := c.Offer(newTestMessage("t"), 1, now)
	require.Equal(t, TakeMsgLeaveBatch, action1)

	action2, emitted2 := c.Offer(newTestMessage("t"), 1, now)
	require.Equal(t, TakeMsgReturnBatch, action2)
	require.Len(t, emitted2, 2)
}

func TestCoreOversizedMessageOnEmptyBatchIsOwnBatch(t *testing.T) {
	c := newCore(Limits{MaxBytes: 10})
	now := time.Now()

	action, emitted := c.Offer(newTestMessage("t"), 20, now)
	require.Equal(t, TakeMsgReturnBatch, action)
	require.Len(t, emitted, 1)
}

func TestCoreOversizedMessageOnNonEmptyBatchLeavesMsg(t *testing.T) {
	c := newCore(Limits{MaxBytes: 10})
	now := time.Now()

	_, _ = c.Offer(newTestMessage("t"), 4, now)

	action, emitted := c.Offer(newTestMessage("t"), 20, now)
	require.Equal(t, LeaveMsgReturnBatch, action)
	require.Len(t, emitted, 1)
	require.True(t, c.Empty())

	action2, emitted2 := c.Offer(newTestMessage("t"), 20, now)
	require.Equal(t, TakeMsgReturnBatch, action2)
	require.Len(t, emitted2, 1)
}

func TestCoreDisabledLimitsNeverComplete(t *testing.T) {
	c := newCore(Limits{})
	now := time.Now()

	for i := 0; i < 5; i++ {
		action, emitted := c.Offer(newTestMessage("t"), 1000, now)
		require.Equal(t, TakeMsgLeaveBatch, action)
		require.Nil(t, emitted)
	}
	require.True(t, c.NextCompleteTime().IsZero())
}
