package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"trust-engine/internal/model"
	"trust-engine/internal/verification"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identifiers of the built-in policies.
const (
	PolicySystemIntegrity    = "system_integrity"
	PolicyNetworkSecurity    = "network_security"
	PolicyBehavioralAnalysis = "behavioral_analysis"
	PolicyResourceProtection = "resource_protection"
)

// PolicyDefinition carries the arguments of RegisterPolicy.
type PolicyDefinition struct {
	Name              string               `json:"name"`
	Description       string               `json:"description"`
	Level             model.PolicyLevel    `json:"level"`
	Condition         string               `json:"condition"`
	Weight            float64              `json:"weight"`
	Methods           []string             `json:"methods"`
	ActionOnViolation model.SecurityAction `json:"action_on_violation"`
}

// policySet is an immutable snapshot. Writers build a new set and swap the
// pointer, so readers never observe a half-applied change.
type policySet struct {
	byID    map[string]*model.SecurityPolicy
	ordered []*model.SecurityPolicy
}

func newPolicySet(policies []model.SecurityPolicy) *policySet {
	s := &policySet{byID: make(map[string]*model.SecurityPolicy, len(policies))}
	for i := range policies {
		p := policies[i].Clone()
		s.byID[p.ID] = &p
		s.ordered = append(s.ordered, &p)
	}
	return s
}

func (s *policySet) with(p model.SecurityPolicy) *policySet {
	next := make([]model.SecurityPolicy, 0, len(s.ordered)+1)
	replaced := false
	for _, cur := range s.ordered {
		if cur.ID == p.ID {
			next = append(next, p)
			replaced = true
			continue
		}
		next = append(next, *cur)
	}
	if !replaced {
		next = append(next, p)
	}
	return newPolicySet(next)
}

func defaultPolicies(now time.Time) []model.SecurityPolicy {
	return []model.SecurityPolicy{
		{
			ID:                PolicySystemIntegrity,
			Name:              "System Integrity",
			Description:       "Service identity and component integrity",
			Level:             model.PolicyLevelSystem,
			Weight:            1.0,
			Methods:           []string{verification.MethodSystemIdentity, verification.MethodComponentIntegrity},
			ActionOnViolation: model.ActionDeny,
			Active:            true,
			CreatedAt:         now,
		},
		{
			ID:                PolicyNetworkSecurity,
			Name:              "Network Security",
			Description:       "Origin of the request",
			Level:             model.PolicyLevelService,
			Weight:            0.8,
			Methods:           []string{verification.MethodNetworkVerification},
			ActionOnViolation: model.ActionChallenge,
			Active:            true,
			CreatedAt:         now,
		},
		{
			ID:                PolicyBehavioralAnalysis,
			Name:              "Behavioral Analysis",
			Description:       "Operation history and temporal bounds",
			Level:             model.PolicyLevelUser,
			Weight:            0.6,
			Methods:           []string{verification.MethodBehavioral, verification.MethodTemporal},
			ActionOnViolation: model.ActionEscalate,
			Active:            true,
			CreatedAt:         now,
		},
		{
			ID:                PolicyResourceProtection,
			Name:              "Resource Protection",
			Description:       "Resource sensitivity, dependency integrity and request hygiene",
			Level:             model.PolicyLevelComponent,
			Weight:            0.7,
			Methods:           []string{verification.MethodResourceSensitivity, verification.MethodDependency, verification.MethodRequestHygiene},
			ActionOnViolation: model.ActionDeny,
			Active:            true,
			CreatedAt:         now,
		},
	}
}

// RegisterPolicy validates def and adds it as an active policy.
func (e *Engine) RegisterPolicy(def PolicyDefinition) (string, error) {
	if strings.TrimSpace(def.Name) == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if def.Weight < 0 || math.IsNaN(def.Weight) || math.IsInf(def.Weight, 0) {
		return "", fmt.Errorf("%w: weight must be a non-negative number", ErrInvalidPolicy)
	}
	if len(def.Methods) == 0 {
		return "", fmt.Errorf("%w: at least one verification method is required", ErrInvalidPolicy)
	}
	for _, id := range def.Methods {
		if !e.registry.Has(id) {
			return "", fmt.Errorf("%w: %s", verification.ErrUnknownMethod, id)
		}
	}
	level := def.Level
	if level == "" {
		level = model.PolicyLevelService
	}
	if _, err := model.ParsePolicyLevel(string(level)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	action := def.ActionOnViolation
	if action == "" {
		action = model.ActionDeny
	}
	if _, err := model.ParseAction(string(action)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	p := model.SecurityPolicy{
		ID:                uuid.New().String(),
		Name:              strings.TrimSpace(def.Name),
		Description:       def.Description,
		Level:             level,
		Condition:         def.Condition,
		Weight:            def.Weight,
		Methods:           append([]string(nil), def.Methods...),
		ActionOnViolation: action,
		Active:            true,
		CreatedAt:         e.now(),
	}

	e.policyMu.Lock()
	e.policies.Store(e.policies.Load().with(p))
	e.policyMu.Unlock()

	e.logger.Info("Policy registered",
		zap.String("policy_id", p.ID),
		zap.String("name", p.Name),
		zap.Float64("weight", p.Weight),
		zap.Strings("methods", p.Methods),
	)
	return p.ID, nil
}

func (e *Engine) ActivatePolicy(id string) error {
	return e.setPolicyActive(id, true)
}

func (e *Engine) DeactivatePolicy(id string) error {
	return e.setPolicyActive(id, false)
}

func (e *Engine) setPolicyActive(id string, active bool) error {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()

	cur := e.policies.Load()
	p, ok := cur.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	if p.Active == active {
		return nil
	}
	updated := p.Clone()
	updated.Active = active
	e.policies.Store(cur.with(updated))

	e.logger.Info("Policy state changed", zap.String("policy_id", id), zap.Bool("active", active))
	return nil
}

// Policies returns a copy of every registered policy, active or not.
func (e *Engine) Policies() []model.SecurityPolicy {
	cur := e.policies.Load()
	out := make([]model.SecurityPolicy, 0, len(cur.ordered))
	for _, p := range cur.ordered {
		out = append(out, p.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetPolicy returns one policy by id.
func (e *Engine) GetPolicy(id string) (model.SecurityPolicy, error) {
	p, ok := e.policies.Load().byID[id]
	if !ok {
		return model.SecurityPolicy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p.Clone(), nil
}
