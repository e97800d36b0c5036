package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"trust-engine/internal/config"
	"trust-engine/internal/model"
)

type fakeSink struct {
	name string
	err  error

	mu      sync.Mutex
	batches [][]model.AuditRecord
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) WriteAuditRecords(_ context.Context, records []model.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]model.AuditRecord(nil), records...))
	return f.err
}

func (f *fakeSink) records() []model.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AuditRecord
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func testConfig() config.AuditConfig {
	return config.AuditConfig{
		ExportEnabled: true,
		QueueSize:     64,
		BatchSize:     2,
		FlushInterval: time.Hour,
		PseudonymKey:  "test-key",
		SinkTimeout:   time.Second,
	}
}

func event(id string) model.AuditEvent {
	return model.AuditEvent{
		ID:         id,
		EventType:  model.AuditEventEnforcement,
		Context:    model.SecurityContext{ServiceName: "core", ComponentName: "auth", Operation: "login", UserID: "alice", SourceIP: "10.0.0.1"},
		TrustScore: 0.9,
		RiskLevel:  model.RiskLow,
		Action:     model.ActionAllow,
		Timestamp:  time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC),
		Details:    map[string]interface{}{"violations": []string{"v1"}},
	}
}

func TestNewExporterRequiresSink(t *testing.T) {
	if _, err := NewExporter(testConfig(), zaptest.NewLogger(t)); !errors.Is(err, ErrNoSinks) {
		t.Fatalf("err = %v, want ErrNoSinks", err)
	}
}

func TestExporterDeliversToAllSinksOnClose(t *testing.T) {
	ok := &fakeSink{name: "ok"}
	failing := &fakeSink{name: "failing", err: errors.New("down")}
	x, err := NewExporter(testConfig(), zaptest.NewLogger(t), ok, failing)
	if err != nil {
		t.Fatal(err)
	}
	x.Start(context.Background())

	for _, id := range []string{"e1", "e2", "e3"} {
		x.ObserveAuditEvent(event(id))
	}
	x.Close()

	for _, s := range []*fakeSink{ok, failing} {
		got := s.records()
		if len(got) != 3 {
			t.Fatalf("sink %s got %d records, want 3", s.name, len(got))
		}
	}
	if x.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", x.Dropped())
	}
}

func TestExporterRecordShape(t *testing.T) {
	sink := &fakeSink{name: "s"}
	x, err := NewExporter(testConfig(), zaptest.NewLogger(t), sink)
	if err != nil {
		t.Fatal(err)
	}
	x.ObserveAuditEvent(event("e1"))
	x.Close()

	got := sink.records()
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	r := got[0]
	if r.UserPseudonym == "" || r.UserPseudonym == "alice" {
		t.Errorf("user id not pseudonymized: %q", r.UserPseudonym)
	}
	if r.SessionPseudonym != "" {
		t.Errorf("empty session id became %q", r.SessionPseudonym)
	}
	if r.DateBucket != "2026-03-02" {
		t.Errorf("date bucket = %q", r.DateBucket)
	}
	if r.Action != "allow" || r.EventType != "enforcement" {
		t.Errorf("action/event type = %q/%q", r.Action, r.EventType)
	}
	if len(r.Violations) != 1 || r.Violations[0] != "v1" {
		t.Errorf("violations = %v", r.Violations)
	}
}

func TestExporterDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	sink := &fakeSink{name: "s"}
	x, err := NewExporter(cfg, zaptest.NewLogger(t), sink)
	if err != nil {
		t.Fatal(err)
	}

	// Not started: the second event finds the queue full.
	x.ObserveAuditEvent(event("e1"))
	x.ObserveAuditEvent(event("e2"))
	if x.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", x.Dropped())
	}

	x.Close()
	x.ObserveAuditEvent(event("e3"))
	if x.Dropped() != 2 {
		t.Errorf("dropped after close = %d, want 2", x.Dropped())
	}
	if n := len(sink.records()); n != 1 {
		t.Errorf("delivered %d records, want 1", n)
	}
}

func TestExporterFlushesOnInterval(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = 10 * time.Millisecond
	sink := &fakeSink{name: "s"}
	x, err := NewExporter(cfg, zaptest.NewLogger(t), sink)
	if err != nil {
		t.Fatal(err)
	}
	x.Start(context.Background())
	defer x.Close()

	x.ObserveAuditEvent(event("e1"))
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.records()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("partial batch was never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExporterLogsSinkFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	failing := &fakeSink{name: "failing", err: errors.New("connection refused")}
	x, err := NewExporter(testConfig(), zap.New(core), failing)
	if err != nil {
		t.Fatal(err)
	}
	x.ObserveAuditEvent(event("e1"))
	x.Close()

	entries := logs.FilterMessage("Audit sink write failed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d warnings, want 1", len(entries))
	}
	if sink := entries[0].ContextMap()["sink"]; sink != "failing" {
		t.Errorf("sink field = %v", sink)
	}
}
