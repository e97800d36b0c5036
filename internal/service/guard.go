package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trust-engine/internal/model"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidInput     = errors.New("invalid input")
)

// Administrative changes to the engine are themselves enforced under the
// security:admin:<operation> keys.
const (
	AdminService   = "security"
	AdminComponent = "admin"

	OpAddWhitelist     = "add_whitelist"
	OpRemoveWhitelist  = "remove_whitelist"
	OpSetDefaultDeny   = "set_default_deny"
	OpRegisterPolicy   = "register_policy"
	OpActivatePolicy   = "activate_policy"
	OpDeactivatePolicy = "deactivate_policy"
)

// AdminOperations lists every administrative operation.
var AdminOperations = []string{
	OpAddWhitelist, OpRemoveWhitelist, OpSetDefaultDeny,
	OpRegisterPolicy, OpActivatePolicy, OpDeactivatePolicy,
}

// AdminOperationKey returns the whitelist key of an administrative operation.
func AdminOperationKey(op string) string {
	return model.FormatOperationKey(AdminService, AdminComponent, op)
}

// Enforcer is the part of the engine privileged callers depend on.
type Enforcer interface {
	Enforce(ctx context.Context, sc *model.SecurityContext, requiredTrustLevel float64) (bool, *model.SecurityAssessment, error)
}

// Guard is the gate every privileged operation goes through: session
// integrity checks, tunnel provisioning and proxy pool changes all call
// Authorize before doing any work.
type Guard struct {
	enforcer      Enforcer
	requiredTrust float64
	logger        *zap.Logger
}

func NewGuard(enforcer Enforcer, requiredTrust float64, logger *zap.Logger) *Guard {
	return &Guard{
		enforcer:      enforcer,
		requiredTrust: requiredTrust,
		logger:        logger,
	}
}

// Authorize enforces sc. Anything other than allow comes back as
// ErrPermissionDenied carrying the action, together with the assessment.
func (g *Guard) Authorize(ctx context.Context, sc *model.SecurityContext) (*model.SecurityAssessment, error) {
	allowed, a, err := g.enforcer.Enforce(ctx, sc, g.requiredTrust)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !allowed {
		g.logger.Info("Privileged operation blocked",
			zap.String("operation_key", sc.OperationKey()),
			zap.String("action", string(a.RecommendedAction)),
			zap.String("risk_level", string(a.RiskLevel)),
			zap.Strings("violations", a.Violations))
		return a, fmt.Errorf("%w: %s", ErrPermissionDenied, a.RecommendedAction)
	}
	return a, nil
}

// AuthorizeAdmin enforces an administrative operation. The service,
// component and operation of origin are replaced by the fixed admin key;
// only the request metadata (origin, user, request id) is kept.
func (g *Guard) AuthorizeAdmin(ctx context.Context, op string, origin model.SecurityContext) (*model.SecurityAssessment, error) {
	sc := origin.Clone()
	sc.ServiceName = AdminService
	sc.ComponentName = AdminComponent
	sc.Operation = op
	return g.Authorize(ctx, &sc)
}
