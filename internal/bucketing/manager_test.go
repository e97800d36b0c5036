package bucketing

import (
	"fmt"
	"testing"
	"time"
)

func TestShardIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(16)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("service-%d", i)
		s := bm.Shard(key)
		if s < 0 || s >= 16 {
			t.Fatalf("shard %d out of range for %q", s, key)
		}
		if again := bm.Shard(key); again != s {
			t.Fatalf("shard for %q changed: %d -> %d", key, s, again)
		}
	}
}

func TestShardSpreadsKeys(t *testing.T) {
	bm := NewBucketingManager(8)
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		seen[bm.Shard(fmt.Sprintf("user-%d", i))] = true
	}
	if len(seen) < 6 {
		t.Errorf("only %d of 8 shards used for 200 keys", len(seen))
	}
}

func TestNonPositiveShardCount(t *testing.T) {
	bm := NewBucketingManager(0)
	if bm.Shards() != 1 || bm.Shard("x") != 0 {
		t.Errorf("expected single shard, got %d", bm.Shards())
	}
}

func TestDateBucket(t *testing.T) {
	bm := NewBucketingManager(1)
	ts := time.Date(2026, 3, 4, 23, 17, 42, 0, time.FixedZone("UTC-5", -5*3600))
	if got := bm.GetDateBucket(ts); got != "2026-03-05" {
		t.Errorf("GetDateBucket = %q", got)
	}
}
