package engine

import (
	"errors"
	"fmt"
	"time"

	"trust-engine/internal/metrics"
	"trust-engine/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const whitelistViolation = "not in whitelist - default deny"

var errPolicyPanic = errors.New("policy evaluation panicked")

// policyResult is the outcome of one policy: either a score with its
// evidence, or an error that makes the policy contribute zero.
type policyResult struct {
	policy     *model.SecurityPolicy
	score      float64
	methods    []string
	violations []string
	warnings   []string
	err        error
}

// AssessSecurity evaluates sc against every active policy and returns the
// decision without rate limiting or pattern updates. The only error returned
// is model.ErrInvalidContext; everything else fails closed into a deny.
func (e *Engine) AssessSecurity(sc *model.SecurityContext, requiredTrustLevel float64) (*model.SecurityAssessment, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	a := e.assess(*sc, requiredTrustLevel)
	e.recordAudit(a, model.AuditEventAssessment, a.CreatedAt, nil)
	return a.Clone(), nil
}

// assess never panics. Any failure is converted into a fail-closed result.
func (e *Engine) assess(sc model.SecurityContext, requiredTrustLevel float64) (a *model.SecurityAssessment) {
	start := time.Now()
	sc = sc.Clone()
	defer func() {
		if r := recover(); r != nil {
			a = e.failClosed(sc, requiredTrustLevel, "assessment", r)
		}
		metrics.AssessmentDuration.Observe(time.Since(start).Seconds())
	}()

	now := e.now()
	if sc.Timestamp.IsZero() {
		sc.Timestamp = now
	}
	sc.ObservedAt = now
	expires := now.Add(assessmentValidity)
	a = &model.SecurityAssessment{
		ID:                 uuid.New().String(),
		Context:            sc,
		RequiredTrustLevel: requiredTrustLevel,
		CreatedAt:          now,
		ExpiresAt:          &expires,
		MethodsUsed:        []string{},
		Violations:         []string{},
		Warnings:           []string{},
	}

	if e.defaultDeny.Load() && !e.whitelist.contains(sc.OperationKey()) {
		a.TrustScore = 0
		a.RiskLevel = model.RiskExtreme
		a.RecommendedAction = model.ActionDeny
		a.Violations = append(a.Violations, whitelistViolation)
		a.ConfidenceScore = Confidence(0, 1, 0)
		e.finishAssessment(a)
		e.logger.Debug("Operation rejected by default-deny gate", zap.String("key", sc.OperationKey()))
		return a
	}

	results := e.evaluatePolicies(&a.Context)

	var weighted, totalWeight float64
	seen := make(map[string]struct{})
	for _, r := range results {
		weighted += r.score * r.policy.Weight
		totalWeight += r.policy.Weight
		if r.err != nil {
			a.Warnings = append(a.Warnings, "policy evaluation error: "+r.policy.ID)
			continue
		}
		for _, m := range r.methods {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				a.MethodsUsed = append(a.MethodsUsed, m)
			}
		}
		a.Violations = append(a.Violations, r.violations...)
		a.Warnings = append(a.Warnings, r.warnings...)
	}
	if totalWeight > 0 {
		a.TrustScore = model.Clamp01(weighted / totalWeight)
	}

	if requiredTrustLevel > 0 && a.TrustScore < requiredTrustLevel {
		a.Violations = append(a.Violations,
			fmt.Sprintf("trust score %.2f below required %.2f", a.TrustScore, requiredTrustLevel))
	}

	a.Anomalies = e.detectAnomalies(&a.Context, a.TrustScore)
	blocking := a.BlockingAnomalies()
	for _, an := range a.Anomalies {
		if !an.Blocking {
			a.Warnings = append(a.Warnings, an.Description)
		}
	}

	a.RiskLevel = DetermineRisk(a.TrustScore, len(a.Violations), blocking)
	a.RecommendedAction = ActionForRisk(a.RiskLevel, len(a.Violations) > 0 || blocking > 0)
	for _, r := range results {
		if r.err == nil && len(r.violations) > 0 {
			a.RecommendedAction = model.MoreRestrictive(a.RecommendedAction, r.policy.ActionOnViolation)
		}
	}
	a.ConfidenceScore = Confidence(len(a.MethodsUsed), len(a.Violations), blocking)

	e.anomalies.Append(a.Anomalies...)
	e.finishAssessment(a)
	return a
}

func (e *Engine) finishAssessment(a *model.SecurityAssessment) {
	e.assessmentCount.Add(1)
	e.cache.put(a)
	metrics.AssessmentsTotal.WithLabelValues(string(a.RiskLevel), string(a.RecommendedAction)).Inc()
}

// evaluatePolicies runs every active policy of the current snapshot.
// Policies are independent; one failing never stops the others.
func (e *Engine) evaluatePolicies(sc *model.SecurityContext) []policyResult {
	set := e.policies.Load()
	results := make([]policyResult, 0, len(set.ordered))
	for _, p := range set.ordered {
		if !p.Active {
			continue
		}
		r := e.evaluatePolicy(p, sc)
		if r.err != nil {
			metrics.PolicyErrors.WithLabelValues(p.ID).Inc()
			e.logger.Warn("Policy evaluation failed",
				zap.String("policy_id", p.ID),
				zap.String("request_id", sc.RequestID),
				zap.Error(r.err),
			)
		}
		results = append(results, r)
	}
	return results
}

// evaluatePolicy averages the scores of the policy's methods.
func (e *Engine) evaluatePolicy(p *model.SecurityPolicy, sc *model.SecurityContext) (res policyResult) {
	defer func() {
		if r := recover(); r != nil {
			res = policyResult{policy: p, err: fmt.Errorf("%w: %v", errPolicyPanic, r)}
		}
	}()

	res.policy = p
	if len(p.Methods) == 0 {
		res.err = fmt.Errorf("%w: policy has no methods", ErrInvalidPolicy)
		return res
	}
	var sum float64
	for _, id := range p.Methods {
		m, err := e.registry.Get(id)
		if err != nil {
			return policyResult{policy: p, err: err}
		}
		out := m.Verify(sc, e.patterns)
		sum += model.Clamp01(out.Score)
		res.methods = append(res.methods, id)
		res.violations = append(res.violations, out.Violations...)
		res.warnings = append(res.warnings, out.Warnings...)
	}
	res.score = sum / float64(len(p.Methods))
	return res
}

// failClosed builds the deny/extreme result used whenever an assessment or
// enforcement cannot be completed.
func (e *Engine) failClosed(sc model.SecurityContext, requiredTrustLevel float64, stage string, cause interface{}) *model.SecurityAssessment {
	metrics.FailClosedTotal.WithLabelValues(stage).Inc()
	e.logger.Error("Failing closed",
		zap.String("stage", stage),
		zap.String("request_id", sc.RequestID),
		zap.String("key", sc.OperationKey()),
		zap.Any("cause", cause),
	)
	now := time.Now().UTC()
	if sc.Timestamp.IsZero() {
		sc.Timestamp = now
	}
	sc.ObservedAt = now
	a := &model.SecurityAssessment{
		ID:                 uuid.New().String(),
		Context:            sc,
		TrustScore:         0,
		RiskLevel:          model.RiskExtreme,
		RecommendedAction:  model.ActionDeny,
		MethodsUsed:        []string{},
		Violations:         []string{fmt.Sprintf("%s error: %v", stage, cause)},
		Warnings:           []string{},
		RequiredTrustLevel: requiredTrustLevel,
		CreatedAt:          now,
	}
	e.assessmentCount.Add(1)
	e.cache.put(a)
	metrics.AssessmentsTotal.WithLabelValues(string(a.RiskLevel), string(a.RecommendedAction)).Inc()
	return a
}
