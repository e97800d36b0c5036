package engine

import (
	"fmt"
	"strconv"

	"trust-engine/internal/metrics"
	"trust-engine/internal/model"
	"trust-engine/internal/verification"

	"github.com/google/uuid"
)

// detectAnomalies runs every detector against the context and the trust
// score already computed. Detectors are independent and only add evidence.
func (e *Engine) detectAnomalies(sc *model.SecurityContext, trust float64) []model.Anomaly {
	var found []model.Anomaly
	now := sc.ObservedTime()
	add := func(typ model.AnomalyType, sev model.Severity, confidence float64, blocking bool, desc string, details map[string]string) {
		if details == nil {
			details = map[string]string{}
		}
		details["service"] = sc.ServiceName
		details["component"] = sc.ComponentName
		details["operation"] = sc.Operation
		found = append(found, model.Anomaly{
			ID:          uuid.New().String(),
			Type:        typ,
			Severity:    sev,
			Description: desc,
			DetectedAt:  now,
			Confidence:  confidence,
			Blocking:    blocking,
			Context:     details,
		})
	}

	if trust < e.cfg.AnomalyThreshold {
		add(model.AnomalyLowTrust, model.SeverityHigh, 0.9, true,
			fmt.Sprintf("trust score %.2f below anomaly threshold %.2f", trust, e.cfg.AnomalyThreshold),
			map[string]string{"trust_score": strconv.FormatFloat(trust, 'f', 3, 64)})
	}

	window := e.cfg.RapidOperationWindow
	if recent := e.patterns.CountServiceBetween(sc.ServiceName, now.Add(-window), now); recent > e.cfg.RapidOperationLimit {
		add(model.AnomalyRapidOps, model.SeverityMedium, 0.8, true,
			fmt.Sprintf("%d operations from service %s within %s", recent, sc.ServiceName, window),
			map[string]string{"count": strconv.Itoa(recent)})
	}

	if !e.patterns.HasComponent(sc.ServiceName, sc.ComponentName) {
		add(model.AnomalyNewComponent, model.SeverityLow, 0.5, false,
			fmt.Sprintf("first observation of component %s:%s", sc.ServiceName, sc.ComponentName), nil)
	}
	if sc.UserID != "" && !e.patterns.HasUser(sc.UserID) {
		add(model.AnomalyNewUser, model.SeverityMedium, 0.5, false,
			"first observation of user", map[string]string{"user_id": sc.UserID})
	}

	if !verification.WithinHours(now, e.cfg.NormalHoursStart, e.cfg.NormalHoursEnd) {
		add(model.AnomalyOffHours, model.SeverityLow, 0.6, true,
			fmt.Sprintf("activity at %02d:00 outside normal hours", now.Hour()), nil)
	}

	for _, a := range found {
		metrics.AnomaliesTotal.WithLabelValues(string(a.Type)).Inc()
	}
	return found
}
