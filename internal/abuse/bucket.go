package abuse

import (
	"context"
	"math"
	"time"
)

// BucketParams describes a token bucket: at most Capacity tokens, refilled
// continuously at RefillRate tokens per Interval.
type BucketParams struct {
	Capacity   int
	RefillRate int
	Interval   time.Duration
}

func (p BucketParams) valid() bool {
	return p.Capacity > 0 && p.RefillRate > 0 && p.Interval > 0
}

// BucketStore holds bucket state per key. Peek never changes state; Take
// removes one token if one is available, atomically per key.
type BucketStore interface {
	Peek(ctx context.Context, key string, params BucketParams) (float64, error)
	Take(ctx context.Context, key string, params BucketParams) (bool, error)
}

type bucketState struct {
	tokens  float64
	updated time.Time
}

// refill brings state forward to now. A zero state is a full bucket.
func (p BucketParams) refill(state bucketState, now time.Time) bucketState {
	capacity := float64(p.Capacity)
	if state.updated.IsZero() {
		return bucketState{tokens: capacity, updated: now}
	}
	elapsed := now.Sub(state.updated)
	if elapsed < 0 {
		elapsed = 0
	}
	added := float64(p.RefillRate) * float64(elapsed) / float64(p.Interval)
	return bucketState{tokens: math.Min(capacity, state.tokens+added), updated: now}
}

// untilToken is how long until at least one token is available.
func (p BucketParams) untilToken(tokens float64) time.Duration {
	if tokens >= 1 {
		return 0
	}
	return time.Duration(math.Ceil((1 - tokens) * float64(p.Interval) / float64(p.RefillRate)))
}
