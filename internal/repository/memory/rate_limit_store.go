package memory

import (
	"context"
	"sync"
	"time"

	"trust-engine/internal/bucketing"
)

type bucket struct {
	stamps []time.Time // ascending
	window time.Duration
}

// prune drops timestamps at or before now-window.
func (b *bucket) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.stamps) && !b.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}
}

type rateShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// SlidingWindowLimiter counts admitted requests per key over a sliding
// window. Old timestamps are pruned lazily on every check.
type SlidingWindowLimiter struct {
	bm     *bucketing.BucketingManager
	shards []*rateShard
}

func NewSlidingWindowLimiter(bm *bucketing.BucketingManager) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		bm:     bm,
		shards: make([]*rateShard, bm.Shards()),
	}
	for i := range l.shards {
		l.shards[i] = &rateShard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Allow admits the request when fewer than limit requests were admitted for
// key within window before now. It returns the count after the decision.
func (l *SlidingWindowLimiter) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, int, error) {
	sh := l.shards[l.bm.Shard(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{window: window}
		sh.buckets[key] = b
	}
	b.window = window
	b.prune(now)

	if len(b.stamps) >= limit {
		return false, len(b.stamps), nil
	}
	b.stamps = append(b.stamps, now)
	return true, len(b.stamps), nil
}

// Count returns the admitted requests for key still inside its window.
func (l *SlidingWindowLimiter) Count(key string, now time.Time) int {
	sh := l.shards[l.bm.Shard(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[key]
	if !ok {
		return 0
	}
	b.prune(now)
	return len(b.stamps)
}

// Prune removes buckets whose window has fully elapsed. It locks one shard
// at a time.
func (l *SlidingWindowLimiter) Prune(_ context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			b.prune(now)
			if len(b.stamps) == 0 {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}
