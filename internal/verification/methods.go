// Package verification holds the pluggable capability checks that policies
// compose. Each method is a pure function of the security context plus a
// read-only view of the behavioural history.
package verification

import (
	"fmt"
	"net"
	"strings"
	"time"

	"trust-engine/internal/model"
	"trust-engine/internal/util"
)

// Stable method identifiers referenced by policies.
const (
	MethodSystemIdentity      = "system_identity"
	MethodComponentIntegrity  = "component_integrity"
	MethodNetworkVerification = "network_verification"
	MethodBehavioral          = "behavioral_analysis"
	MethodTemporal            = "temporal_analysis"
	MethodResourceSensitivity = "resource_sensitivity"
	MethodDependency          = "dependency_verification"
	MethodRequestHygiene      = "request_hygiene"
)

// Result is the partial outcome of one method.
type Result struct {
	Score      float64
	Violations []string
	Warnings   []string
}

// History is the read-only slice of the pattern store a method may consult.
type History interface {
	ServiceHistory(service string) []model.PatternEntry
}

// Method is a single verification capability.
type Method interface {
	ID() string
	Verify(ctx *model.SecurityContext, history History) Result
}

// MethodFunc adapts a plain function to Method.
type MethodFunc struct {
	Name string
	Fn   func(ctx *model.SecurityContext, history History) Result
}

func (m MethodFunc) ID() string { return m.Name }

func (m MethodFunc) Verify(ctx *model.SecurityContext, history History) Result {
	return m.Fn(ctx, history)
}

// -------------------- IDENTITY --------------------

// SystemIdentity scores pre-registered service names highest.
type SystemIdentity struct {
	known map[string]struct{}
}

func NewSystemIdentity(services []string) *SystemIdentity {
	known := make(map[string]struct{}, len(services))
	for _, s := range services {
		known[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return &SystemIdentity{known: known}
}

func (m *SystemIdentity) ID() string { return MethodSystemIdentity }

func (m *SystemIdentity) Verify(ctx *model.SecurityContext, _ History) Result {
	if _, ok := m.known[strings.ToLower(strings.TrimSpace(ctx.ServiceName))]; ok {
		return Result{Score: 1.0}
	}
	return Result{
		Score:    0.3,
		Warnings: []string{fmt.Sprintf("unregistered service: %s", ctx.ServiceName)},
	}
}

// -------------------- INTEGRITY / DEPENDENCY --------------------

// StaticScore returns a configured score. It stands in for checks that need
// an attestation or dependency-integrity backend the engine does not own.
type StaticScore struct {
	Name  string
	Value float64
}

func (m StaticScore) ID() string { return m.Name }

func (m StaticScore) Verify(*model.SecurityContext, History) Result {
	return Result{Score: model.Clamp01(m.Value)}
}

// -------------------- NETWORK --------------------

// NetworkVerification trusts loopback origins fully, configured private
// networks partially, and everything else less.
type NetworkVerification struct {
	trusted []*net.IPNet
}

func NewNetworkVerification(cidrs []string) (*NetworkVerification, error) {
	m := &NetworkVerification{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", c, err)
		}
		m.trusted = append(m.trusted, n)
	}
	return m, nil
}

func (m *NetworkVerification) ID() string { return MethodNetworkVerification }

func (m *NetworkVerification) Verify(ctx *model.SecurityContext, _ History) Result {
	origin := strings.TrimSpace(ctx.SourceIP)
	if origin == "" {
		return Result{Score: 0.4, Warnings: []string{"missing source origin"}}
	}
	if strings.EqualFold(origin, "localhost") {
		return Result{Score: 1.0}
	}
	if host, _, err := net.SplitHostPort(origin); err == nil {
		origin = host
	}
	ip := net.ParseIP(origin)
	if ip == nil {
		return Result{Score: 0.3, Warnings: []string{fmt.Sprintf("unparseable source origin: %s", origin)}}
	}
	if ip.IsLoopback() {
		return Result{Score: 1.0}
	}
	for _, n := range m.trusted {
		if n.Contains(ip) {
			return Result{Score: 0.8}
		}
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return Result{Score: 0.2, Violations: []string{fmt.Sprintf("invalid source origin: %s", origin)}}
	}
	return Result{Score: 0.5, Warnings: []string{fmt.Sprintf("external source origin: %s", origin)}}
}

// -------------------- BEHAVIOURAL --------------------

// Behavioral rewards services with an established, well-scored history.
func Behavioral() Method {
	return MethodFunc{Name: MethodBehavioral, Fn: func(ctx *model.SecurityContext, history History) Result {
		var entries []model.PatternEntry
		if history != nil {
			entries = history.ServiceHistory(ctx.ServiceName)
		}
		if len(entries) == 0 {
			return Result{Score: 0.5, Warnings: []string{"no behavioral history for service"}}
		}
		var sum float64
		seenOp := false
		for _, e := range entries {
			sum += e.TrustScore
			if e.Operation == ctx.Operation && e.Component == ctx.ComponentName {
				seenOp = true
			}
		}
		score := 0.6 + 0.3*(sum/float64(len(entries)))
		if !seenOp {
			return Result{Score: model.Clamp01(score - 0.1), Warnings: []string{"operation not seen before for service"}}
		}
		return Result{Score: model.Clamp01(score)}
	}}
}

// -------------------- TEMPORAL --------------------

// Temporal reduces the score for requests outside [start, end) local hours.
type Temporal struct {
	Start int
	End   int
}

func (m Temporal) ID() string { return MethodTemporal }

func (m Temporal) Verify(ctx *model.SecurityContext, _ History) Result {
	if WithinHours(ctx.ObservedTime(), m.Start, m.End) {
		return Result{Score: 1.0}
	}
	return Result{
		Score:    0.6,
		Warnings: []string{fmt.Sprintf("request outside normal hours (%02d:00-%02d:00)", m.Start, m.End)},
	}
}

// WithinHours reports whether t's hour lies in [start, end); windows that
// wrap midnight (start > end) are supported.
func WithinHours(t time.Time, start, end int) bool {
	h := t.Hour()
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// -------------------- RESOURCE --------------------

// ResourceSensitivity lowers the score for paths under sensitive prefixes.
type ResourceSensitivity struct {
	Prefixes []string
}

func (m ResourceSensitivity) ID() string { return MethodResourceSensitivity }

func (m ResourceSensitivity) Verify(ctx *model.SecurityContext, _ History) Result {
	path := strings.ToLower(ctx.ResourcePath)
	for _, p := range m.Prefixes {
		if p != "" && strings.HasPrefix(path, strings.ToLower(p)) {
			return Result{Score: 0.4, Warnings: []string{fmt.Sprintf("sensitive resource access: %s", ctx.ResourcePath)}}
		}
	}
	return Result{Score: 1.0}
}

// RequestHygiene flags injection markers and path traversal.
func RequestHygiene() Method {
	return MethodFunc{Name: MethodRequestHygiene, Fn: func(ctx *model.SecurityContext, _ History) Result {
		var r Result
		r.Score = 1.0
		if util.ContainsSuspicious(ctx.Operation) || util.ContainsSuspicious(ctx.ResourcePath) {
			r.Score = 0.0
			r.Violations = append(r.Violations, "suspicious characters in operation or resource")
		}
		if util.ContainsTraversal(ctx.ResourcePath) {
			r.Score = 0.0
			r.Violations = append(r.Violations, fmt.Sprintf("path traversal in resource: %s", ctx.ResourcePath))
		}
		return r
	}}
}
