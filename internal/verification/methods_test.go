package verification

import (
	"errors"
	"testing"
	"time"

	"trust-engine/internal/config"
	"trust-engine/internal/model"
)

type fakeHistory map[string][]model.PatternEntry

func (f fakeHistory) ServiceHistory(service string) []model.PatternEntry { return f[service] }

func TestSystemIdentity(t *testing.T) {
	m := NewSystemIdentity([]string{"core", "RDP"})
	if r := m.Verify(&model.SecurityContext{ServiceName: "rdp"}, nil); r.Score != 1.0 || len(r.Warnings) != 0 {
		t.Errorf("known service: %+v", r)
	}
	if r := m.Verify(&model.SecurityContext{ServiceName: "unknown"}, nil); r.Score >= 1.0 || len(r.Warnings) != 1 {
		t.Errorf("unknown service: %+v", r)
	}
}

func TestNetworkVerification(t *testing.T) {
	m, err := NewNetworkVerification([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		origin    string
		score     float64
		violation bool
	}{
		{"127.0.0.1", 1.0, false},
		{"::1", 1.0, false},
		{"localhost", 1.0, false},
		{"127.0.0.1:5555", 1.0, false},
		{"10.1.2.3", 0.8, false},
		{"8.8.8.8", 0.5, false},
		{"0.0.0.0", 0.2, true},
		{"", 0.4, false},
		{"not-an-ip", 0.3, false},
	}
	for _, tt := range tests {
		r := m.Verify(&model.SecurityContext{SourceIP: tt.origin}, nil)
		if r.Score != tt.score {
			t.Errorf("origin %q: score %v, want %v", tt.origin, r.Score, tt.score)
		}
		if (len(r.Violations) > 0) != tt.violation {
			t.Errorf("origin %q: violations %v", tt.origin, r.Violations)
		}
	}

	if _, err := NewNetworkVerification([]string{"bogus"}); err == nil {
		t.Error("expected error for invalid CIDR")
	}
}

func TestBehavioral(t *testing.T) {
	m := Behavioral()
	ctx := &model.SecurityContext{ServiceName: "core", ComponentName: "security", Operation: "assess"}

	r := m.Verify(ctx, fakeHistory{})
	if r.Score != 0.5 || len(r.Warnings) != 1 {
		t.Errorf("no history: %+v", r)
	}

	hist := fakeHistory{"core": {
		{Operation: "assess", Component: "security", TrustScore: 1.0},
		{Operation: "assess", Component: "security", TrustScore: 1.0},
	}}
	r = m.Verify(ctx, hist)
	if r.Score < 0.89 || len(r.Warnings) != 0 {
		t.Errorf("established history: %+v", r)
	}

	ctx.Operation = "rotate_key"
	if r2 := m.Verify(ctx, hist); r2.Score >= r.Score || len(r2.Warnings) != 1 {
		t.Errorf("new operation should score lower with a warning: %+v", r2)
	}
}

func TestTemporal(t *testing.T) {
	m := Temporal{Start: 6, End: 22}
	noon := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	night := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)

	if r := m.Verify(&model.SecurityContext{Timestamp: noon}, nil); r.Score != 1.0 {
		t.Errorf("noon: %+v", r)
	}
	if r := m.Verify(&model.SecurityContext{Timestamp: night}, nil); r.Score >= 1.0 || len(r.Warnings) != 1 {
		t.Errorf("night: %+v", r)
	}
}

func TestWithinHoursWrapsMidnight(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 0, 0, 0, time.UTC) }
	if !WithinHours(at(23), 22, 6) || !WithinHours(at(2), 22, 6) || WithinHours(at(12), 22, 6) {
		t.Error("wrapping window evaluated incorrectly")
	}
}

func TestResourceSensitivityAndHygiene(t *testing.T) {
	rs := ResourceSensitivity{Prefixes: []string{"/secure"}}
	if r := rs.Verify(&model.SecurityContext{ResourcePath: "/Secure/keys"}, nil); r.Score != 0.4 {
		t.Errorf("sensitive path: %+v", r)
	}
	if r := rs.Verify(&model.SecurityContext{ResourcePath: "/public"}, nil); r.Score != 1.0 {
		t.Errorf("public path: %+v", r)
	}

	h := RequestHygiene()
	if r := h.Verify(&model.SecurityContext{Operation: "read", ResourcePath: "/a/../b"}, nil); r.Score != 0 || len(r.Violations) != 1 {
		t.Errorf("traversal: %+v", r)
	}
	if r := h.Verify(&model.SecurityContext{Operation: "read", ResourcePath: "/a/b"}, nil); r.Score != 1 || len(r.Violations) != 0 {
		t.Errorf("clean: %+v", r)
	}
}

func TestRegistry(t *testing.T) {
	r, err := DefaultRegistry(config.DefaultEngineConfig())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{
		MethodSystemIdentity, MethodComponentIntegrity, MethodNetworkVerification, MethodBehavioral,
		MethodTemporal, MethodResourceSensitivity, MethodDependency, MethodRequestHygiene,
	} {
		if !r.Has(id) {
			t.Errorf("missing default method %s", id)
		}
	}

	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("Get unknown: %v", err)
	}
	if err := r.Register(StaticScore{Name: MethodDependency}); !errors.Is(err, ErrDuplicateMethod) {
		t.Errorf("duplicate register: %v", err)
	}
	if err := r.Replace(StaticScore{Name: MethodComponentIntegrity, Value: 0.95}); err != nil {
		t.Fatal(err)
	}
	m, _ := r.Get(MethodComponentIntegrity)
	if got := m.Verify(&model.SecurityContext{}, nil).Score; got != 0.95 {
		t.Errorf("replaced method score = %v", got)
	}
}
