// Package ratelimit implements the per-topic leaky-bucket limiter the
// router uses to throttle incoming client traffic. No broker-pause backoff
// in this module uses it. It is a thin, monotonic-clock wrapper around golang.org/x/time/rate —
// the same library the teacher pack reaches for in its ResourceGuard.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter allows at most one Test() success per configured interval. A
// zero interval disables limiting (Test always succeeds), matching the
// spec's "any subset may be zero meaning disabled" convention used
// elsewhere for batch limits.
type Limiter struct {
	interval time.Duration
	rl       *rate.Limiter
}

// New builds a Limiter that allows one success per interval. interval <= 0
// disables limiting entirely.
func New(interval time.Duration) *Limiter {
	l := &Limiter{interval: interval}
	if interval > 0 {
		l.rl = rate.NewLimiter(rate.Every(interval), 1)
	}
	return l
}

// Test reports whether an action is currently allowed, consuming the
// token if so. It returns true at most once per interval.
func (l *Limiter) Test() bool {
	if l.rl == nil {
		return true
	}
	return l.rl.Allow()
}

// TopicLimiters is a concurrent map of per-topic Limiters, built from a
// default interval plus named overrides — mirroring the Conf shape in
// spec §6 ({named-configs, default-topic, topic-overrides}).
type TopicLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	defaultI time.Duration
	overrideI map[string]time.Duration
}

// NewTopicLimiters builds a TopicLimiters using defaultInterval for any
// topic not named in overrides.
func NewTopicLimiters(defaultInterval time.Duration, overrides map[string]time.Duration) *TopicLimiters {
	return &TopicLimiters{
		limiters:  make(map[string]*Limiter),
		defaultI:  defaultInterval,
		overrideI: overrides,
	}
}

// Test reports whether topic is currently allowed to accept another
// message, lazily creating that topic's Limiter on first use.
func (t *TopicLimiters) Test(topic string) bool {
	t.mu.RLock()
	l, ok := t.limiters[topic]
	t.mu.RUnlock()
	if ok {
		return l.Test()
	}

	interval := t.defaultI
	if ov, ok := t.overrideI[topic]; ok {
		interval = ov
	}

	t.mu.Lock()
	if l, ok = t.limiters[topic]; !ok {
		l = New(interval)
		t.limiters[topic] = l
	}
	t.mu.Unlock()

	return l.Test()
}
