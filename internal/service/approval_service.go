package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trust-engine/internal/model"
)

// Assessor is the read-only half of the engine.
type Assessor interface {
	AssessSecurity(sc *model.SecurityContext, requiredTrustLevel float64) (*model.SecurityAssessment, error)
}

type ApprovalDecision string

const (
	DecisionAutoApprove ApprovalDecision = "auto_approve"
	DecisionChallenge   ApprovalDecision = "challenge"
	DecisionEscalate    ApprovalDecision = "escalate"
	DecisionReject      ApprovalDecision = "reject"
)

// ApprovalRequest asks for just-in-time access to one operation.
type ApprovalRequest struct {
	Context            model.SecurityContext `json:"context"`
	RequiredTrustLevel float64               `json:"required_trust_level"`
	Justification      string                `json:"justification"`
	DurationSeconds    int                   `json:"duration_seconds"`
}

type ApprovalResult struct {
	RequestID    string           `json:"request_id"`
	Decision     ApprovalDecision `json:"decision"`
	AssessmentID string           `json:"assessment_id"`
	TrustScore   float64          `json:"trust_score"`
	RiskLevel    model.RiskLevel  `json:"risk_level"`
	Reasons      []string         `json:"reasons,omitempty"`
	DecidedAt    time.Time        `json:"decided_at"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
}

const maxApprovalDuration = 8 * time.Hour

// ApprovalService turns an assessment into a just-in-time access decision.
// It never enforces; the approved operation itself still goes through Guard.
type ApprovalService struct {
	assessor Assessor
	logger   *zap.Logger
	now      func() time.Time
}

func NewApprovalService(assessor Assessor, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{
		assessor: assessor,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *ApprovalService) Decide(req ApprovalRequest) (*ApprovalResult, error) {
	if req.RequiredTrustLevel < 0 || req.RequiredTrustLevel > 1 {
		return nil, fmt.Errorf("%w: required trust level must be within [0,1]", ErrInvalidInput)
	}
	duration := time.Duration(req.DurationSeconds) * time.Second
	if duration < 0 || duration > maxApprovalDuration {
		return nil, fmt.Errorf("%w: duration must be within 0 and %s", ErrInvalidInput, maxApprovalDuration)
	}
	if strings.TrimSpace(req.Justification) == "" {
		return nil, fmt.Errorf("%w: justification is required", ErrInvalidInput)
	}

	a, err := s.assessor.AssessSecurity(&req.Context, req.RequiredTrustLevel)
	if err != nil {
		if errors.Is(err, model.ErrInvalidContext) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}

	now := s.now()
	result := &ApprovalResult{
		RequestID:    uuid.New().String(),
		Decision:     DecisionFor(a.RecommendedAction),
		AssessmentID: a.ID,
		TrustScore:   a.TrustScore,
		RiskLevel:    a.RiskLevel,
		Reasons:      append(append([]string(nil), a.Violations...), a.Warnings...),
		DecidedAt:    now,
	}
	if result.Decision == DecisionAutoApprove && duration > 0 {
		exp := now.Add(duration)
		result.ExpiresAt = &exp
	}

	s.logger.Info("Approval decided",
		zap.String("request_id", result.RequestID),
		zap.String("operation_key", req.Context.OperationKey()),
		zap.String("decision", string(result.Decision)),
		zap.Float64("trust_score", a.TrustScore))

	return result, nil
}

// DecisionFor maps an engine action onto the approval workflow.
func DecisionFor(action model.SecurityAction) ApprovalDecision {
	switch action {
	case model.ActionAllow:
		return DecisionAutoApprove
	case model.ActionChallenge, model.ActionLogOnly:
		return DecisionChallenge
	case model.ActionEscalate, model.ActionQuarantine, model.ActionIsolate:
		return DecisionEscalate
	default:
		return DecisionReject
	}
}
