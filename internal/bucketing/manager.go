package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps keys (service names, user ids, origins) onto a fixed
// number of shards so that each shard can be guarded by its own lock.
type BucketingManager struct {
	shards     int
	hasherPool sync.Pool
}

func NewBucketingManager(shards int) *BucketingManager {
	if shards <= 0 {
		shards = 1
	}
	bm := &BucketingManager{shards: shards}

	// Pool of hash functions to avoid allocation overhead on the hot path
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// Shard returns a consistent shard index in [0, Shards()).
func (bm *BucketingManager) Shard(key string) int {
	return int(bm.getHash(key) % uint64(bm.shards))
}

// Shards returns the number of shards.
func (bm *BucketingManager) Shards() int {
	return bm.shards
}

// GetDateBucket returns the UTC date partition for t, as used by the audit tables.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
