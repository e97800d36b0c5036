package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"trust-engine/internal/metrics"
	"trust-engine/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	serviceRateKeyPrefix = "svc_rate_limit:"
	userRateKeyPrefix    = "user_rate_limit:"
)

// Enforce assesses sc, applies the rate limiter and the burst check,
// executes the resulting action and records it. allowed is true only when
// the final action is allow. Like AssessSecurity, the only error returned
// is model.ErrInvalidContext.
func (e *Engine) Enforce(ctx context.Context, sc *model.SecurityContext, requiredTrustLevel float64) (bool, *model.SecurityAssessment, error) {
	if err := sc.Validate(); err != nil {
		return false, nil, err
	}
	a := e.enforce(ctx, *sc, requiredTrustLevel)
	return a.Allowed(), a.Clone(), nil
}

func (e *Engine) enforce(ctx context.Context, sc model.SecurityContext, requiredTrustLevel float64) (a *model.SecurityAssessment) {
	defer func() {
		if r := recover(); r != nil {
			a = e.failClosed(sc, requiredTrustLevel, "enforcement", r)
			res := executeAction(a.RecommendedAction, a.CreatedAt)
			a.Enforcement = &res
			metrics.EnforcementsTotal.WithLabelValues(string(res.Action), strconv.FormatBool(res.Allowed)).Inc()
		}
	}()

	a = e.assess(sc, requiredTrustLevel)
	now := e.now()

	if a.RecommendedAction == model.ActionAllow {
		e.applyRateLimits(ctx, a, now)
	}
	e.applyBurstCheck(a, now)

	res := executeAction(a.RecommendedAction, now)
	a.Enforcement = &res

	e.recordAudit(a, model.AuditEventEnforcement, now, map[string]interface{}{
		"status":  res.Status,
		"message": res.Message,
		"allowed": res.Allowed,
	})
	e.patterns.Record(&a.Context, a.TrustScore)
	e.cache.put(a)

	metrics.EnforcementsTotal.WithLabelValues(string(res.Action), strconv.FormatBool(res.Allowed)).Inc()
	if !res.Allowed {
		e.logger.Info("Operation not allowed",
			zap.String("assessment_id", a.ID),
			zap.String("key", a.Context.OperationKey()),
			zap.String("action", string(res.Action)),
			zap.String("risk_level", string(a.RiskLevel)),
			zap.Float64("trust_score", a.TrustScore),
			zap.Strings("violations", a.Violations),
		)
	}
	return a
}

type rateCheck struct {
	scope string
	key   string
	name  string
	limit int
}

// applyRateLimits consumes one slot of the service bucket and, when the
// context names a user, one of the user bucket. Backend failures are logged
// and the assessed action stands.
func (e *Engine) applyRateLimits(ctx context.Context, a *model.SecurityAssessment, now time.Time) {
	checks := []rateCheck{
		{"service", serviceRateKeyPrefix + a.Context.ServiceName, a.Context.ServiceName, e.cfg.ServiceRateLimit},
	}
	if a.Context.UserID != "" {
		checks = append(checks, rateCheck{"user", userRateKeyPrefix + a.Context.UserID, a.Context.UserID, e.cfg.UserRateLimit})
	}

	for _, c := range checks {
		allowed, count, err := e.limiter.Allow(ctx, c.key, c.limit, e.cfg.RateLimitWindow, now)
		if err != nil {
			metrics.BookkeepingErrors.WithLabelValues("rate_limiter").Inc()
			e.logger.Warn("Rate limiter unavailable, keeping assessed action",
				zap.String("scope", c.scope),
				zap.String("assessment_id", a.ID),
				zap.Error(err),
			)
			continue
		}
		if !allowed {
			metrics.RateLimitRejections.WithLabelValues(c.scope).Inc()
			a.RecommendedAction = model.ActionDeny
			a.Violations = append(a.Violations, fmt.Sprintf("rate limit exceeded for %s %s: %d requests in %s (limit %d)",
				c.scope, c.name, count, e.cfg.RateLimitWindow, c.limit))
			return
		}
	}
}

// applyBurstCheck challenges origins with more than BurstThreshold
// enforcement events inside BurstWindow.
func (e *Engine) applyBurstCheck(a *model.SecurityAssessment, now time.Time) {
	origin := a.Context.SourceIP
	if origin == "" || e.cfg.BurstThreshold <= 0 {
		return
	}
	prior := e.audit.CountByOrigin(origin, now.Add(-e.cfg.BurstWindow), model.AuditEventEnforcement)
	if prior < e.cfg.BurstThreshold {
		return
	}
	before := a.RecommendedAction
	a.RecommendedAction = model.MoreRestrictive(a.RecommendedAction, model.ActionChallenge)
	a.Warnings = append(a.Warnings, fmt.Sprintf("suspicious burst: %d requests from %s within %s", prior+1, origin, e.cfg.BurstWindow))
	if before != a.RecommendedAction {
		e.logger.Warn("Suspicious burst detected",
			zap.String("origin", origin),
			zap.Int("requests", prior+1),
			zap.String("assessment_id", a.ID),
		)
	}
}

// executeAction maps an action onto the status reported to the caller.
func executeAction(action model.SecurityAction, now time.Time) model.EnforcementResult {
	res := model.EnforcementResult{Action: action, EnforcedAt: now}
	switch action {
	case model.ActionAllow:
		res.Status, res.Message, res.Allowed = "allowed", "Operation allowed", true
	case model.ActionLogOnly:
		res.Status, res.Message = "logged", "Operation logged for review"
	case model.ActionChallenge:
		res.Status, res.Message = "challenge_required", "Additional verification required"
	case model.ActionEscalate:
		res.Status, res.Message = "escalated", "Operation escalated for approval"
	case model.ActionQuarantine:
		res.Status, res.Message = "quarantined", "Operation quarantined"
	case model.ActionIsolate:
		res.Status, res.Message = "isolated", "Requesting component isolated"
	default:
		res.Action = model.ActionDeny
		res.Status, res.Message = "denied", "Operation denied"
	}
	return res
}

// recordAudit appends an audit event and notifies observers. A failed append
// is logged and counted; it never changes the decision.
func (e *Engine) recordAudit(a *model.SecurityAssessment, typ model.AuditEventType, at time.Time, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["violations"] = append([]string(nil), a.Violations...)
	details["confidence"] = a.ConfidenceScore

	ev := model.AuditEvent{
		ID:           uuid.New().String(),
		AssessmentID: a.ID,
		EventType:    typ,
		Context:      a.Context.Clone(),
		TrustScore:   a.TrustScore,
		RiskLevel:    a.RiskLevel,
		Action:       a.RecommendedAction,
		Timestamp:    at,
		Details:      details,
	}
	if err := e.audit.Append(ev); err != nil {
		metrics.BookkeepingErrors.WithLabelValues("audit_log").Inc()
		e.logger.Error("Failed to append audit event",
			zap.String("assessment_id", a.ID),
			zap.String("event_type", string(typ)),
			zap.Error(err),
		)
		return
	}
	for _, o := range e.observers {
		o.ObserveAuditEvent(ev)
	}
}
