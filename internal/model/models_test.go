package model

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestMoreRestrictive(t *testing.T) {
	order := []SecurityAction{ActionAllow, ActionLogOnly, ActionChallenge, ActionEscalate, ActionQuarantine, ActionIsolate, ActionDeny}
	for i, a := range order {
		if a.Restrictiveness() != i {
			t.Errorf("%s restrictiveness = %d, want %d", a, a.Restrictiveness(), i)
		}
		for _, b := range order[i:] {
			if got := MoreRestrictive(a, b); got != b {
				t.Errorf("MoreRestrictive(%s, %s) = %s", a, b, got)
			}
			if got := MoreRestrictive(b, a); got != b {
				t.Errorf("MoreRestrictive(%s, %s) = %s", b, a, got)
			}
		}
	}
	if SecurityAction("bogus").Restrictiveness() != ActionDeny.Restrictiveness() {
		t.Error("unknown action must rank as deny")
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction(" Quarantine "); err != nil || a != ActionQuarantine {
		t.Errorf("ParseAction = %q, %v", a, err)
	}
	if _, err := ParseAction("block"); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestParsePolicyLevel(t *testing.T) {
	if l, err := ParsePolicyLevel(""); err != nil || l != PolicyLevelService {
		t.Errorf("empty level = %q, %v", l, err)
	}
	if _, err := ParsePolicyLevel("galaxy"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestParseOperationKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"core:security:assess_trust", false},
		{" core : security : assess_trust ", false},
		{"core:security", true},
		{"core::assess_trust", true},
		{"a:b:c:d", true},
	}
	for _, tt := range tests {
		s, c, o, err := ParseOperationKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOperationKey(%q) err = %v", tt.key, err)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidWhitelistKey) {
			t.Errorf("error does not wrap ErrInvalidWhitelistKey: %v", err)
		}
		if !tt.wantErr && (s != "core" || c != "security" || o != "assess_trust") {
			t.Errorf("parts = %q %q %q", s, c, o)
		}
	}
}

func TestSecurityContextValidate(t *testing.T) {
	var nilCtx *SecurityContext
	if err := nilCtx.Validate(); !errors.Is(err, ErrInvalidContext) {
		t.Errorf("nil context: %v", err)
	}
	bad := []SecurityContext{
		{ComponentName: "c", Operation: "o"},
		{ServiceName: "s", Operation: "o"},
		{ServiceName: "s", ComponentName: "c"},
		{ServiceName: "s:x", ComponentName: "c", Operation: "o"},
	}
	for i := range bad {
		if err := bad[i].Validate(); !errors.Is(err, ErrInvalidContext) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
	ok := SecurityContext{ServiceName: "s", ComponentName: "c", Operation: "o"}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid context rejected: %v", err)
	}
}

func TestClamp01(t *testing.T) {
	tests := map[float64]float64{-1: 0, 0.4: 0.4, 2: 1, math.NaN(): 0}
	for in, want := range tests {
		if got := Clamp01(in); got != want {
			t.Errorf("Clamp01(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestAssessmentCloneIsDeep(t *testing.T) {
	exp := time.Now()
	a := &SecurityAssessment{
		Context:     SecurityContext{Headers: map[string]string{"k": "v"}},
		Violations:  []string{"v1"},
		ExpiresAt:   &exp,
		Enforcement: &EnforcementResult{Status: "allowed"},
		Anomalies:   []Anomaly{{Blocking: true}, {Blocking: false}},
	}
	c := a.Clone()
	c.Context.Headers["k"] = "changed"
	c.Violations[0] = "changed"
	*c.ExpiresAt = exp.Add(time.Hour)
	c.Enforcement.Status = "denied"

	if a.Context.Headers["k"] != "v" || a.Violations[0] != "v1" || !a.ExpiresAt.Equal(exp) || a.Enforcement.Status != "allowed" {
		t.Error("clone aliases the original")
	}
	if a.BlockingAnomalies() != 1 {
		t.Errorf("blocking anomalies = %d, want 1", a.BlockingAnomalies())
	}
	if (*SecurityAssessment)(nil).Clone() != nil {
		t.Error("nil clone must be nil")
	}
}
