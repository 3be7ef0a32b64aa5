// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

type rateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

type tokenBucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSecond)
	b.lastRefill = now
}

// inMemoryRateLimiter keeps one token bucket per API key. State is local
// to the process; with several API replicas the effective limit scales
// with the replica count, which is acceptable for an abuse guard.
type inMemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[uuid.UUID]*tokenBucket
}

func newInMemoryRateLimiter() *inMemoryRateLimiter {
	return &inMemoryRateLimiter{
		buckets: make(map[uuid.UUID]*tokenBucket, 32),
	}
}

// Allow spends one token from the key's bucket. The bucket is rebuilt
// when the configured limit changes so updates take effect immediately.
func (l *inMemoryRateLimiter) Allow(apiKeyID uuid.UUID, limitPerMinute int, now time.Time) rateLimitDecision {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}
	capacity := float64(limitPerMinute)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[apiKeyID]
	if !ok || bucket.capacity != capacity {
		bucket = &tokenBucket{
			capacity:        capacity,
			tokens:          capacity,
			refillPerSecond: capacity / 60.0,
			lastRefill:      now,
		}
		l.buckets[apiKeyID] = bucket
	}

	bucket.refill(now)

	if bucket.tokens >= 1 {
		bucket.tokens--
		return rateLimitDecision{
			Allowed:        true,
			LimitPerMinute: limitPerMinute,
			Remaining:      int(math.Floor(bucket.tokens)),
		}
	}

	waitSeconds := int(math.Ceil((1 - bucket.tokens) / bucket.refillPerSecond))
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	return rateLimitDecision{
		Allowed:           false,
		LimitPerMinute:    limitPerMinute,
		Remaining:         int(math.Floor(bucket.tokens)),
		RetryAfterSeconds: waitSeconds,
	}
}
