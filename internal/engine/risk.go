package engine

import "trust-engine/internal/model"

// riskThresholds is evaluated top to bottom; the first row whose minimum
// score and evidence ceilings are met wins.
var riskThresholds = []struct {
	minScore      float64
	maxViolations int
	maxAnomalies  int
	level         model.RiskLevel
}{
	{0.9, 0, 0, model.RiskMinimal},
	{0.7, 1, 1, model.RiskLow},
	{0.5, 2, 2, model.RiskMedium},
	{0.3, 3, 3, model.RiskHigh},
}

// DetermineRisk classifies a trust score together with its evidence counts.
func DetermineRisk(score float64, violations, anomalies int) model.RiskLevel {
	for _, t := range riskThresholds {
		if score >= t.minScore && violations <= t.maxViolations && anomalies <= t.maxAnomalies {
			return t.level
		}
	}
	if score >= 0.1 {
		return model.RiskCritical
	}
	return model.RiskExtreme
}

// ActionForRisk maps a risk level to its enforcement action. A medium risk
// backed by any violation or anomaly is challenged instead of allowed.
func ActionForRisk(risk model.RiskLevel, hasEvidence bool) model.SecurityAction {
	switch risk {
	case model.RiskMinimal, model.RiskLow:
		return model.ActionAllow
	case model.RiskMedium:
		if hasEvidence {
			return model.ActionChallenge
		}
		return model.ActionAllow
	case model.RiskHigh:
		return model.ActionChallenge
	case model.RiskCritical:
		return model.ActionQuarantine
	default:
		return model.ActionDeny
	}
}

// Confidence grows with the number of methods consulted and shrinks with
// each piece of adverse evidence.
func Confidence(methods, violations, anomalies int) float64 {
	return model.Clamp01(0.15*float64(methods) - 0.1*float64(violations) - 0.05*float64(anomalies))
}
