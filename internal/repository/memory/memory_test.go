package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"trust-engine/internal/bucketing"
	"trust-engine/internal/model"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestPatternStoreBoundedPerKey(t *testing.T) {
	s := NewPatternStore(bucketing.NewBucketingManager(4), PatternStoreConfig{
		ServiceCapacity: 5, ComponentCapacity: 3, UserCapacity: 2,
	})
	for i := 0; i < 12; i++ {
		s.Record(&model.SecurityContext{
			ServiceName: "core", ComponentName: "security", Operation: fmt.Sprintf("op%d", i),
			UserID: "u1", Timestamp: base.Add(time.Duration(i) * time.Second),
		}, 0.9)
	}

	svc := s.ServiceHistory("core")
	if len(svc) != 5 {
		t.Fatalf("service history len = %d, want 5", len(svc))
	}
	if svc[0].Operation != "op7" || svc[4].Operation != "op11" {
		t.Errorf("service history not oldest-first most-recent window: %v .. %v", svc[0].Operation, svc[4].Operation)
	}
	if n := len(s.ComponentHistory("core", "security")); n != 3 {
		t.Errorf("component history len = %d, want 3", n)
	}
	if n := len(s.UserHistory("u1")); n != 2 {
		t.Errorf("user history len = %d, want 2", n)
	}
	if !s.HasComponent("core", "security") || s.HasComponent("core", "other") {
		t.Error("HasComponent mismatch")
	}
	if !s.HasUser("u1") || s.HasUser("u2") {
		t.Error("HasUser mismatch")
	}
	if got := s.CountServiceBetween("core", base.Add(10*time.Second), base.Add(time.Minute)); got != 2 {
		t.Errorf("CountServiceBetween = %d, want 2", got)
	}
	if got := s.CountServiceBetween("core", base, base.Add(5*time.Second)); got != 0 {
		t.Errorf("evicted entries counted: %d", got)
	}
}

func TestPatternStoreSkipsEmptyUser(t *testing.T) {
	s := NewPatternStore(bucketing.NewBucketingManager(2), PatternStoreConfig{1, 1, 1})
	s.Record(&model.SecurityContext{ServiceName: "a", ComponentName: "b", Operation: "c", Timestamp: base}, 1)
	if s.Keys() != 2 {
		t.Errorf("Keys = %d, want 2 (service + component)", s.Keys())
	}
}

func TestSlidingWindowLimiterBoundary(t *testing.T) {
	l := NewSlidingWindowLimiter(bucketing.NewBucketingManager(8))
	ctx := context.Background()
	for i := 1; i <= 1000; i++ {
		ok, n, err := l.Allow(ctx, "service:core", 1000, time.Minute, base.Add(time.Duration(i)*time.Millisecond))
		if err != nil || !ok || n != i {
			t.Fatalf("request %d: ok=%v n=%d err=%v", i, ok, n, err)
		}
	}
	ok, n, _ := l.Allow(ctx, "service:core", 1000, time.Minute, base.Add(2*time.Second))
	if ok || n != 1000 {
		t.Fatalf("1001st request: ok=%v n=%d", ok, n)
	}

	// other keys are unaffected
	if ok, _, _ := l.Allow(ctx, "service:other", 1000, time.Minute, base.Add(2*time.Second)); !ok {
		t.Error("independent key was limited")
	}

	// once the window slides past the first requests they are admitted again
	ok, _, _ = l.Allow(ctx, "service:core", 1000, time.Minute, base.Add(time.Minute+500*time.Millisecond))
	if !ok {
		t.Error("request after window slid should be admitted")
	}
}

func TestSlidingWindowLimiterPrune(t *testing.T) {
	l := NewSlidingWindowLimiter(bucketing.NewBucketingManager(4))
	ctx := context.Background()
	l.Allow(ctx, "a", 10, time.Second, base)
	l.Allow(ctx, "b", 10, time.Hour, base)

	removed, err := l.Prune(ctx, base.Add(2*time.Second))
	if err != nil || removed != 1 {
		t.Fatalf("Prune removed %d (err %v), want 1", removed, err)
	}
	if l.Count("b", base.Add(2*time.Second)) != 1 {
		t.Error("bucket b should survive")
	}
}

func TestSlidingWindowLimiterConcurrent(t *testing.T) {
	l := NewSlidingWindowLimiter(bucketing.NewBucketingManager(8))
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if ok, _, _ := l.Allow(ctx, "k", 500, time.Minute, base); ok {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if admitted != 500 {
		t.Errorf("admitted %d, want exactly 500", admitted)
	}
}

func auditEvent(id, origin string, at time.Time, typ model.AuditEventType) model.AuditEvent {
	return model.AuditEvent{
		ID: id, EventType: typ, Timestamp: at,
		Context: model.SecurityContext{SourceIP: origin},
	}
}

func TestAuditLogCountPurgeRecent(t *testing.T) {
	a := NewAuditLog(bucketing.NewBucketingManager(4), AuditLogConfig{Capacity: 1000})
	for i := 0; i < 10; i++ {
		a.Append(auditEvent(fmt.Sprintf("e%d", i), "10.0.0.1", base.Add(time.Duration(i)*time.Minute), model.AuditEventEnforcement))
	}
	a.Append(auditEvent("x", "10.0.0.2", base.Add(9*time.Minute), model.AuditEventAssessment))

	if got := a.CountByOrigin("10.0.0.1", base.Add(5*time.Minute), ""); got != 5 {
		t.Errorf("CountByOrigin = %d, want 5", got)
	}
	if got := a.CountByOrigin("10.0.0.2", base, model.AuditEventEnforcement); got != 0 {
		t.Errorf("typed CountByOrigin = %d, want 0", got)
	}

	recent := a.Recent(3)
	if len(recent) != 3 || recent[0].Timestamp.Before(recent[2].Timestamp) {
		t.Errorf("Recent not newest first: %+v", recent)
	}

	if removed := a.Purge(base.Add(3 * time.Minute)); removed != 3 {
		t.Errorf("Purge removed %d, want 3", removed)
	}
	if a.Len() != 8 {
		t.Errorf("Len = %d, want 8", a.Len())
	}

	if err := a.Append(model.AuditEvent{}); err != ErrInvalidAuditEvent {
		t.Errorf("Append invalid: %v", err)
	}
}

func TestAuditLogCapacity(t *testing.T) {
	a := NewAuditLog(bucketing.NewBucketingManager(1), AuditLogConfig{Capacity: 16})
	for i := 0; i < 100; i++ {
		a.Append(auditEvent(fmt.Sprintf("e%d", i), "o", base.Add(time.Duration(i)*time.Second), model.AuditEventAssessment))
	}
	if a.Len() > 16 {
		t.Errorf("Len = %d exceeds capacity 16", a.Len())
	}
	if got := a.Recent(1); got[0].ID != "e99" {
		t.Errorf("newest event = %s, want e99", got[0].ID)
	}
}

func TestAuditLogFloodKeepsOtherOrigins(t *testing.T) {
	a := NewAuditLog(bucketing.NewBucketingManager(8), AuditLogConfig{Capacity: 1000, OriginTrail: 50})
	for i := 0; i < 5; i++ {
		ev := auditEvent(fmt.Sprintf("quiet-%d", i), "10.0.0.9", base, model.AuditEventEnforcement)
		ev.AssessmentID = "quiet"
		a.Append(ev)
	}
	for i := 0; i < 900; i++ {
		a.Append(auditEvent(fmt.Sprintf("loud-%d", i), "10.0.0.1", base.Add(time.Duration(i+1)*time.Millisecond), model.AuditEventEnforcement))
	}

	if got := len(a.ByAssessment("quiet")); got != 5 {
		t.Fatalf("quiet origin kept %d of 5 events under capacity", got)
	}
	if a.Len() != 905 {
		t.Errorf("Len = %d, want 905", a.Len())
	}
	if got := a.CountByOrigin("10.0.0.9", base, model.AuditEventEnforcement); got != 5 {
		t.Errorf("quiet origin count = %d, want 5", got)
	}
	if got := a.CountByOrigin("10.0.0.1", base, ""); got != 50 {
		t.Errorf("loud origin count = %d, want saturation at 50", got)
	}

	for i := 900; i < 1200; i++ {
		a.Append(auditEvent(fmt.Sprintf("loud-%d", i), "10.0.0.1", base.Add(time.Duration(i+1)*time.Millisecond), model.AuditEventEnforcement))
	}
	if a.Len() != 1000 {
		t.Errorf("Len = %d, want capacity 1000", a.Len())
	}
	if got := len(a.ByAssessment("quiet")); got != 0 {
		t.Errorf("oldest events not evicted first: quiet origin kept %d", got)
	}
	if got := a.Recent(1); got[0].ID != "loud-1199" {
		t.Errorf("newest event = %s", got[0].ID)
	}
}

func TestAuditLogOriginWindow(t *testing.T) {
	a := NewAuditLog(bucketing.NewBucketingManager(2), AuditLogConfig{Capacity: 100, OriginWindow: time.Minute})
	a.Append(auditEvent("old", "o", base, model.AuditEventEnforcement))
	a.Append(auditEvent("new", "o", base.Add(2*time.Minute), model.AuditEventEnforcement))

	if got := a.CountByOrigin("o", time.Time{}, ""); got != 1 {
		t.Errorf("count = %d, want 1 inside the window", got)
	}
	if a.Len() != 2 {
		t.Errorf("window must not drop audit events: Len = %d", a.Len())
	}
	if forgotten := a.PruneOrigins(base.Add(3 * time.Minute)); forgotten != 1 {
		t.Errorf("PruneOrigins forgot %d, want 1", forgotten)
	}
	if got := a.CountByOrigin("o", time.Time{}, ""); got != 0 {
		t.Errorf("count after prune = %d", got)
	}
}

func TestAnomalyLog(t *testing.T) {
	l := NewAnomalyLog(3)
	for i := 0; i < 5; i++ {
		l.Append(model.Anomaly{ID: fmt.Sprintf("a%d", i), DetectedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	if r := l.Recent(1); r[0].ID != "a4" {
		t.Errorf("Recent(1) = %s", r[0].ID)
	}
	if removed := l.Purge(base.Add(3 * time.Hour)); removed != 1 {
		t.Errorf("Purge removed %d, want 1", removed)
	}
}
