package memory

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trust-engine/internal/bucketing"
	"trust-engine/internal/model"
)

var ErrInvalidAuditEvent = errors.New("audit event requires an id and a timestamp")

const defaultOriginTrail = 64

// AuditLogConfig bounds the audit log.
type AuditLogConfig struct {
	// Capacity bounds the number of events held across all shards.
	Capacity int
	// OriginTrail bounds the per-origin history CountByOrigin reads; counts
	// saturate at this value.
	OriginTrail int
	// OriginWindow, when positive, drops origin history older than the
	// newest mark minus the window.
	OriginWindow time.Duration
}

type auditEntry struct {
	seq uint64
	ev  model.AuditEvent
}

type auditShard struct {
	mu      sync.RWMutex
	entries []auditEntry
	head    int
}

func (sh *auditShard) live() []auditEntry {
	return sh.entries[sh.head:]
}

func (sh *auditShard) dropOldest() {
	sh.entries[sh.head] = auditEntry{}
	sh.head++
	if sh.head >= len(sh.entries)/2 {
		n := copy(sh.entries, sh.entries[sh.head:])
		for i := n; i < len(sh.entries); i++ {
			sh.entries[i] = auditEntry{}
		}
		sh.entries = sh.entries[:n]
		sh.head = 0
	}
}

type originMark struct {
	at  time.Time
	typ model.AuditEventType
}

type originShard struct {
	mu     sync.Mutex
	trails map[string][]originMark
}

// AuditLog is the bounded, time-retained record of assessments and
// enforcement decisions. Events are sharded by event id and the capacity
// is enforced across all shards, so eviction always takes the oldest
// events of the whole log whichever origin produced them. A separate
// per-origin trail, sharded by origin, backs the burst detector.
type AuditLog struct {
	bm      *bucketing.BucketingManager
	cfg     AuditLogConfig
	shards  []*auditShard
	origins []*originShard
	seq     atomic.Uint64
	size    atomic.Int64
}

func NewAuditLog(bm *bucketing.BucketingManager, cfg AuditLogConfig) *AuditLog {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.OriginTrail < 1 {
		cfg.OriginTrail = defaultOriginTrail
	}
	a := &AuditLog{
		bm:      bm,
		cfg:     cfg,
		shards:  make([]*auditShard, bm.Shards()),
		origins: make([]*originShard, bm.Shards()),
	}
	for i := range a.shards {
		a.shards[i] = &auditShard{}
		a.origins[i] = &originShard{trails: make(map[string][]originMark)}
	}
	return a
}

func (a *AuditLog) Append(ev model.AuditEvent) error {
	if ev.ID == "" || ev.Timestamp.IsZero() {
		return ErrInvalidAuditEvent
	}
	entry := auditEntry{seq: a.seq.Add(1), ev: ev}

	sh := a.shards[a.bm.Shard(ev.ID)]
	sh.mu.Lock()
	sh.entries = append(sh.entries, entry)
	sh.mu.Unlock()

	if a.size.Add(1) > int64(a.cfg.Capacity) {
		a.evictOldest()
	}
	a.markOrigin(ev)
	return nil
}

// evictOldest removes the entry with the lowest sequence number among the
// shard heads. Only one shard lock is held at a time.
func (a *AuditLog) evictOldest() {
	for attempt := 0; attempt < len(a.shards); attempt++ {
		victim := -1
		var oldest uint64
		for i, sh := range a.shards {
			sh.mu.RLock()
			if live := sh.live(); len(live) > 0 && (victim < 0 || live[0].seq < oldest) {
				victim, oldest = i, live[0].seq
			}
			sh.mu.RUnlock()
		}
		if victim < 0 {
			return
		}
		sh := a.shards[victim]
		sh.mu.Lock()
		if len(sh.live()) > 0 {
			sh.dropOldest()
			sh.mu.Unlock()
			a.size.Add(-1)
			return
		}
		sh.mu.Unlock()
	}
}

func (a *AuditLog) markOrigin(ev model.AuditEvent) {
	origin := ev.Context.SourceIP
	if origin == "" {
		return
	}
	sh := a.origins[a.bm.Shard(origin)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	trail := append(sh.trails[origin], originMark{at: ev.Timestamp, typ: ev.EventType})
	if a.cfg.OriginWindow > 0 {
		cutoff := ev.Timestamp.Add(-a.cfg.OriginWindow)
		i := 0
		for i < len(trail) && trail[i].at.Before(cutoff) {
			i++
		}
		trail = trail[i:]
	}
	if len(trail) > a.cfg.OriginTrail {
		trail = trail[len(trail)-a.cfg.OriginTrail:]
	}
	sh.trails[origin] = trail
}

// CountByOrigin counts events from origin at or after since, optionally
// restricted to one event type (empty matches all).
func (a *AuditLog) CountByOrigin(origin string, since time.Time, eventType model.AuditEventType) int {
	sh := a.origins[a.bm.Shard(origin)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := 0
	for _, m := range sh.trails[origin] {
		if m.at.Before(since) {
			continue
		}
		if eventType == "" || m.typ == eventType {
			n++
		}
	}
	return n
}

// Recent returns up to limit events, newest first.
func (a *AuditLog) Recent(limit int) []model.AuditEvent {
	var all []auditEntry
	for _, sh := range a.shards {
		sh.mu.RLock()
		live := sh.live()
		if limit > 0 && len(live) > limit {
			live = live[len(live)-limit:]
		}
		all = append(all, live...)
		sh.mu.RUnlock()
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].ev.Timestamp.Equal(all[j].ev.Timestamp) {
			return all[i].ev.Timestamp.After(all[j].ev.Timestamp)
		}
		return all[i].seq > all[j].seq
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]model.AuditEvent, len(all))
	for i := range all {
		out[i] = all[i].ev
	}
	return out
}

// ByAssessment returns every event recorded for one assessment.
func (a *AuditLog) ByAssessment(assessmentID string) []model.AuditEvent {
	var found []auditEntry
	for _, sh := range a.shards {
		sh.mu.RLock()
		for _, e := range sh.live() {
			if e.ev.AssessmentID == assessmentID {
				found = append(found, e)
			}
		}
		sh.mu.RUnlock()
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]model.AuditEvent, len(found))
	for i := range found {
		out[i] = found[i].ev
	}
	return out
}

func (a *AuditLog) Len() int {
	n := 0
	for _, sh := range a.shards {
		sh.mu.RLock()
		n += len(sh.live())
		sh.mu.RUnlock()
	}
	return n
}

// Purge removes events and origin marks older than before and returns how
// many events were dropped.
func (a *AuditLog) Purge(before time.Time) int {
	removed := 0
	for _, sh := range a.shards {
		sh.mu.Lock()
		live := sh.live()
		kept := make([]auditEntry, 0, len(live))
		for _, e := range live {
			if e.ev.Timestamp.Before(before) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		sh.entries = kept
		sh.head = 0
		sh.mu.Unlock()
	}
	a.size.Add(int64(-removed))
	a.PruneOrigins(before)
	return removed
}

// PruneOrigins drops origin marks older than before and forgets origins
// left with none. It returns the number of origins forgotten.
func (a *AuditLog) PruneOrigins(before time.Time) int {
	forgotten := 0
	for _, sh := range a.origins {
		sh.mu.Lock()
		for origin, trail := range sh.trails {
			i := 0
			for i < len(trail) && trail[i].at.Before(before) {
				i++
			}
			if i == len(trail) {
				delete(sh.trails, origin)
				forgotten++
				continue
			}
			sh.trails[origin] = trail[i:]
		}
		sh.mu.Unlock()
	}
	return forgotten
}
