package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTestAllowsAtMostOncePerInterval(t *testing.T) {
	l := New(50 * time.Millisecond)

	require.True(t, l.Test())
	require.False(t, l.Test(), "second call within the interval must be denied")

	time.Sleep(60 * time.Millisecond)
	require.True(t, l.Test())
}

func TestZeroIntervalDisablesLimiting(t *testing.T) {
	l := New(0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Test())
	}
}

func TestTopicLimitersPerTopicIsolation(t *testing.T) {
	tl := NewTopicLimiters(time.Hour, map[string]time.Duration{"fast": 0})

	require.True(t, tl.Test("slow"))
	require.False(t, tl.Test("slow"), "default interval is an hour, second call denied")
	require.True(t, tl.Test("fast"))
	require.True(t, tl.Test("fast"), "override disables limiting for this topic")
}
