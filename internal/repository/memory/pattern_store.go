// Package memory holds the engine's process-lifetime state: behavioural
// history, sliding-window rate buckets, and the audit and anomaly logs.
// Every keyed collection is sharded so that contention on one key never
// blocks callers working on another.
package memory

import (
	"sync"
	"time"

	"trust-engine/internal/bucketing"
	"trust-engine/internal/model"
)

const (
	servicePrefix   = "svc:"
	componentPrefix = "cmp:"
	userPrefix      = "usr:"
)

// ring is a fixed-capacity buffer that overwrites its oldest entry.
type ring struct {
	buf  []model.PatternEntry
	next int
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]model.PatternEntry, capacity)}
}

func (r *ring) push(e model.PatternEntry) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// snapshot returns entries oldest first.
func (r *ring) snapshot() []model.PatternEntry {
	out := make([]model.PatternEntry, 0, r.len())
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	return append(out, r.buf[:r.next]...)
}

func (r *ring) countBetween(from, to time.Time) int {
	n := 0
	for i := 0; i < r.len(); i++ {
		ts := r.buf[i].Timestamp
		if !ts.Before(from) && !ts.After(to) {
			n++
		}
	}
	return n
}

type patternShard struct {
	mu      sync.RWMutex
	entries map[string]*ring
}

// PatternStoreConfig sets the per-key history bound for each namespace.
type PatternStoreConfig struct {
	ServiceCapacity   int
	ComponentCapacity int
	UserCapacity      int
}

// PatternStore keeps the most recent operations per service, per
// service component and per user.
type PatternStore struct {
	bm     *bucketing.BucketingManager
	shards []*patternShard
	cfg    PatternStoreConfig
}

func NewPatternStore(bm *bucketing.BucketingManager, cfg PatternStoreConfig) *PatternStore {
	s := &PatternStore{
		bm:     bm,
		shards: make([]*patternShard, bm.Shards()),
		cfg:    cfg,
	}
	for i := range s.shards {
		s.shards[i] = &patternShard{entries: make(map[string]*ring)}
	}
	return s
}

func componentKey(service, component string) string {
	return componentPrefix + service + ":" + component
}

func (s *PatternStore) shard(key string) *patternShard {
	return s.shards[s.bm.Shard(key)]
}

func (s *PatternStore) push(key string, capacity int, e model.PatternEntry) {
	sh := s.shard(key)
	sh.mu.Lock()
	r, ok := sh.entries[key]
	if !ok {
		r = newRing(capacity)
		sh.entries[key] = r
	}
	r.push(e)
	sh.mu.Unlock()
}

// Record appends the observation to the service, component and (when the
// context carries one) user histories.
func (s *PatternStore) Record(ctx *model.SecurityContext, trustScore float64) {
	e := model.PatternEntry{
		Operation:  ctx.Operation,
		Component:  ctx.ComponentName,
		Timestamp:  ctx.ObservedTime(),
		TrustScore: trustScore,
		Origin:     ctx.SourceIP,
	}
	s.push(servicePrefix+ctx.ServiceName, s.cfg.ServiceCapacity, e)
	s.push(componentKey(ctx.ServiceName, ctx.ComponentName), s.cfg.ComponentCapacity, e)
	if ctx.UserID != "" {
		s.push(userPrefix+ctx.UserID, s.cfg.UserCapacity, e)
	}
}

func (s *PatternStore) history(key string) []model.PatternEntry {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if r, ok := sh.entries[key]; ok {
		return r.snapshot()
	}
	return nil
}

func (s *PatternStore) exists(key string) bool {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.entries[key]
	return ok
}

func (s *PatternStore) ServiceHistory(service string) []model.PatternEntry {
	return s.history(servicePrefix + service)
}

func (s *PatternStore) ComponentHistory(service, component string) []model.PatternEntry {
	return s.history(componentKey(service, component))
}

func (s *PatternStore) UserHistory(userID string) []model.PatternEntry {
	return s.history(userPrefix + userID)
}

func (s *PatternStore) HasComponent(service, component string) bool {
	return s.exists(componentKey(service, component))
}

func (s *PatternStore) HasUser(userID string) bool {
	return s.exists(userPrefix + userID)
}

// CountServiceBetween counts recorded operations for service inside
// [from, to].
func (s *PatternStore) CountServiceBetween(service string, from, to time.Time) int {
	key := servicePrefix + service
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if r, ok := sh.entries[key]; ok {
		return r.countBetween(from, to)
	}
	return 0
}

// Keys returns the number of tracked histories across all namespaces.
func (s *PatternStore) Keys() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
