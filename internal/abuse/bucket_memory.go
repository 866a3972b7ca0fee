package abuse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const memorySweepThreshold = 10_000

type memoryBucket struct {
	mu     sync.Mutex
	state  bucketState
	params BucketParams
	// dead is set under mu when the sweep drops the bucket from the map.
	dead   bool
}

// MemoryBuckets keeps buckets in process. Each key has its own lock, so
// concurrent takes on one key serialize while different keys proceed in
// parallel.
type MemoryBuckets struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

func NewMemoryBuckets() *MemoryBuckets {
	return &MemoryBuckets{
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

func (m *MemoryBuckets) bucket(key string, params BucketParams) *memoryBucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= memorySweepThreshold {
			m.sweepLocked()
		}
		b = &memoryBucket{params: params}
		m.buckets[key] = b
	}
	return b
}

// lock returns the live bucket for key with its lock held. A caller that
// fetched a bucket just before the sweep dropped it retries against the map.
func (m *MemoryBuckets) lock(key string, params BucketParams) *memoryBucket {
	for {
		b := m.bucket(key, params)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// sweepLocked drops buckets that have refilled completely; they are
// indistinguishable from new ones.
func (m *MemoryBuckets) sweepLocked() {
	now := m.now()
	for key, b := range m.buckets {
		if !b.mu.TryLock() {
			continue
		}
		state := b.params.refill(b.state, now)
		if state.tokens >= float64(b.params.Capacity) {
			b.dead = true
			delete(m.buckets, key)
		}
		b.mu.Unlock()
	}
}

func (m *MemoryBuckets) Peek(ctx context.Context, key string, params BucketParams) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !params.valid() {
		return 0, fmt.Errorf("invalid bucket params %+v", params)
	}
	b := m.lock(key, params)
	defer b.mu.Unlock()
	return params.refill(b.state, m.now()).tokens, nil
}

func (m *MemoryBuckets) Take(ctx context.Context, key string, params BucketParams) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !params.valid() {
		return false, fmt.Errorf("invalid bucket params %+v", params)
	}
	b := m.lock(key, params)
	defer b.mu.Unlock()
	state := params.refill(b.state, m.now())
	if state.tokens < 1 {
		b.state = state
		return false, nil
	}
	state.tokens--
	b.state = state
	b.params = params
	return true, nil
}
