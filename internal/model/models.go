package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidContext      = errors.New("invalid security context")
	ErrInvalidWhitelistKey = errors.New("invalid whitelist key")
)

// -------------------- ENUMS --------------------

type PolicyLevel string

const (
	PolicyLevelSystem    PolicyLevel = "system"
	PolicyLevelService   PolicyLevel = "service"
	PolicyLevelComponent PolicyLevel = "component"
	PolicyLevelUser      PolicyLevel = "user"
	PolicyLevelSession   PolicyLevel = "session"
)

func ParsePolicyLevel(s string) (PolicyLevel, error) {
	switch l := PolicyLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case PolicyLevelSystem, PolicyLevelService, PolicyLevelComponent, PolicyLevelUser, PolicyLevelSession:
		return l, nil
	case "":
		return PolicyLevelService, nil
	default:
		return "", fmt.Errorf("unknown policy level %q", s)
	}
}

// RiskLevel is ordinal; Rank orders it from minimal (0) to extreme (5).
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
	RiskExtreme  RiskLevel = "extreme"
)

func (r RiskLevel) Rank() int {
	switch r {
	case RiskMinimal:
		return 0
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 5
	}
}

type SecurityAction string

const (
	ActionAllow      SecurityAction = "allow"
	ActionLogOnly    SecurityAction = "log_only"
	ActionChallenge  SecurityAction = "challenge"
	ActionEscalate   SecurityAction = "escalate"
	ActionQuarantine SecurityAction = "quarantine"
	ActionIsolate    SecurityAction = "isolate"
	ActionDeny       SecurityAction = "deny"
)

func ParseAction(s string) (SecurityAction, error) {
	switch a := SecurityAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAllow, ActionLogOnly, ActionChallenge, ActionEscalate, ActionQuarantine, ActionIsolate, ActionDeny:
		return a, nil
	default:
		return "", fmt.Errorf("unknown security action %q", s)
	}
}

// Restrictiveness orders actions from allow (0) to deny (6). Unknown
// actions rank as deny.
func (a SecurityAction) Restrictiveness() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionLogOnly:
		return 1
	case ActionChallenge:
		return 2
	case ActionEscalate:
		return 3
	case ActionQuarantine:
		return 4
	case ActionIsolate:
		return 5
	default:
		return 6
	}
}

// MoreRestrictive returns whichever of a and b restricts more.
func MoreRestrictive(a, b SecurityAction) SecurityAction {
	if b.Restrictiveness() > a.Restrictiveness() {
		return b
	}
	return a
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type AnomalyType string

const (
	AnomalyLowTrust     AnomalyType = "low_trust_score"
	AnomalyRapidOps     AnomalyType = "rapid_successive_operations"
	AnomalyNewComponent AnomalyType = "new_component_pattern"
	AnomalyNewUser      AnomalyType = "new_user_pattern"
	AnomalyOffHours     AnomalyType = "off_hours_activity"
)

type AuditEventType string

const (
	AuditEventAssessment  AuditEventType = "assessment"
	AuditEventEnforcement AuditEventType = "enforcement"
)

// -------------------- SECURITY CONTEXT --------------------

// SecurityContext describes who is doing what, to which resource, from where.
// Callers build a fresh value per request; the engine never mutates it.
type SecurityContext struct {
	RequestID     string            `json:"request_id"`
	ServiceName   string            `json:"service_name"`
	ComponentName string            `json:"component_name"`
	Operation     string            `json:"operation"`
	ResourcePath  string            `json:"resource_path,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	SourceIP      string            `json:"source_ip,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PolicyLevel   PolicyLevel       `json:"policy_level,omitempty"`

	// ObservedAt is stamped by the engine from its own clock. Timestamp is
	// the caller's claim and is only echoed back.
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// ObservedTime is the time detectors and histories work with: ObservedAt
// when the engine has stamped the context, Timestamp otherwise.
func (c *SecurityContext) ObservedTime() time.Time {
	if !c.ObservedAt.IsZero() {
		return c.ObservedAt
	}
	return c.Timestamp
}

// OperationKey is the whitelist key service:component:operation.
func (c *SecurityContext) OperationKey() string {
	return FormatOperationKey(c.ServiceName, c.ComponentName, c.Operation)
}

// FormatOperationKey builds the normalized service:component:operation key.
// The whitelist gate and every whitelist mutation compare this form.
func FormatOperationKey(service, component, operation string) string {
	return normalizeSegment(service) + ":" + normalizeSegment(component) + ":" + normalizeSegment(operation)
}

func normalizeSegment(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Validate rejects contexts that cannot be assessed at all.
func (c *SecurityContext) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: context is nil", ErrInvalidContext)
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidContext)
	}
	if strings.TrimSpace(c.ComponentName) == "" {
		return fmt.Errorf("%w: component name is required", ErrInvalidContext)
	}
	if strings.TrimSpace(c.Operation) == "" {
		return fmt.Errorf("%w: operation is required", ErrInvalidContext)
	}
	if strings.Contains(c.ServiceName+c.ComponentName+c.Operation, ":") {
		return fmt.Errorf("%w: service, component and operation must not contain ':'", ErrInvalidContext)
	}
	return nil
}

// Clone returns a deep copy so stored records never alias caller maps.
func (c SecurityContext) Clone() SecurityContext {
	c.Headers = cloneStrings(c.Headers)
	c.Metadata = cloneStrings(c.Metadata)
	return c
}

// ParseOperationKey splits and validates a service:component:operation key.
func ParseOperationKey(key string) (service, component, operation string, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: %q must have the form service:component:operation", ErrInvalidWhitelistKey, key)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", "", "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidWhitelistKey, key)
		}
	}
	return normalizeSegment(parts[0]), normalizeSegment(parts[1]), normalizeSegment(parts[2]), nil
}

// -------------------- POLICY --------------------

// SecurityPolicy is a named, weighted set of verification methods.
type SecurityPolicy struct {
	ID                string         `json:"policy_id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Level             PolicyLevel    `json:"level"`
	Condition         string         `json:"condition,omitempty"`
	Weight            float64        `json:"weight"`
	Methods           []string       `json:"methods"`
	ActionOnViolation SecurityAction `json:"action_on_violation"`
	Active            bool           `json:"active"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (p SecurityPolicy) Clone() SecurityPolicy {
	p.Methods = append([]string(nil), p.Methods...)
	return p
}

// -------------------- ASSESSMENT --------------------

// EnforcementResult is the outcome of executing an assessment's action.
type EnforcementResult struct {
	Action     SecurityAction `json:"action"`
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	Allowed    bool           `json:"allowed"`
	EnforcedAt time.Time      `json:"enforced_at"`
}

type SecurityAssessment struct {
	ID                 string             `json:"assessment_id"`
	Context            SecurityContext    `json:"context"`
	TrustScore         float64            `json:"trust_score"`
	RiskLevel          RiskLevel          `json:"risk_level"`
	RecommendedAction  SecurityAction     `json:"recommended_action"`
	MethodsUsed        []string           `json:"verification_methods"`
	ConfidenceScore    float64            `json:"confidence_score"`
	Violations         []string           `json:"violations"`
	Warnings           []string           `json:"warnings"`
	Anomalies          []Anomaly          `json:"anomalies,omitempty"`
	RequiredTrustLevel float64            `json:"required_trust_level"`
	CreatedAt          time.Time          `json:"created_at"`
	ExpiresAt          *time.Time         `json:"expires_at,omitempty"`
	Enforcement        *EnforcementResult `json:"enforcement,omitempty"`
}

// Allowed reports whether the recommended action lets the operation proceed.
func (a *SecurityAssessment) Allowed() bool {
	return a != nil && a.RecommendedAction == ActionAllow
}

// BlockingAnomalies counts the anomalies that participate in risk scoring.
func (a *SecurityAssessment) BlockingAnomalies() int {
	n := 0
	for _, an := range a.Anomalies {
		if an.Blocking {
			n++
		}
	}
	return n
}

func (a *SecurityAssessment) Clone() *SecurityAssessment {
	if a == nil {
		return nil
	}
	c := *a
	c.Context = a.Context.Clone()
	c.MethodsUsed = append([]string(nil), a.MethodsUsed...)
	c.Violations = append([]string(nil), a.Violations...)
	c.Warnings = append([]string(nil), a.Warnings...)
	c.Anomalies = append([]Anomaly(nil), a.Anomalies...)
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	if a.Enforcement != nil {
		e := *a.Enforcement
		c.Enforcement = &e
	}
	return &c
}

// -------------------- AUDIT / ANOMALY / PATTERN --------------------

type AuditEvent struct {
	ID           string                 `json:"event_id"`
	AssessmentID string                 `json:"assessment_id"`
	EventType    AuditEventType         `json:"event_type"`
	Context      SecurityContext        `json:"context"`
	TrustScore   float64                `json:"trust_score"`
	RiskLevel    RiskLevel              `json:"risk_level"`
	Action       SecurityAction         `json:"action_taken"`
	Timestamp    time.Time              `json:"timestamp"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// AuditRecord is the export form of an AuditEvent. User and session ids
// are replaced by keyed pseudonyms before a record leaves the process.
type AuditRecord struct {
	EventID          string    `json:"event_id"`
	AssessmentID     string    `json:"assessment_id"`
	EventType        string    `json:"event_type"`
	DateBucket       string    `json:"date_bucket"`
	ServiceName      string    `json:"service_name"`
	ComponentName    string    `json:"component_name"`
	Operation        string    `json:"operation"`
	ResourcePath     string    `json:"resource_path,omitempty"`
	UserPseudonym    string    `json:"user_pseudonym,omitempty"`
	SessionPseudonym string    `json:"session_pseudonym,omitempty"`
	SourceIP         string    `json:"source_ip,omitempty"`
	TrustScore       float64   `json:"trust_score"`
	RiskLevel        string    `json:"risk_level"`
	Action           string    `json:"action_taken"`
	Violations       []string  `json:"violations,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Anomaly is a detected deviation from expected behaviour. Non-blocking
// anomalies are recorded for audit but do not raise the risk level.
type Anomaly struct {
	ID          string            `json:"anomaly_id"`
	Type        AnomalyType       `json:"type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	DetectedAt  time.Time         `json:"detected_at"`
	Confidence  float64           `json:"confidence"`
	Blocking    bool              `json:"blocking"`
	Context     map[string]string `json:"context,omitempty"`
}

// PatternEntry is one observed operation in the behavioural history.
type PatternEntry struct {
	Operation  string    `json:"operation"`
	Component  string    `json:"component"`
	Timestamp  time.Time `json:"timestamp"`
	TrustScore float64   `json:"trust_score"`
	Origin     string    `json:"origin"`
}

// EngineStatus is the snapshot returned by Engine.GetStatus.
type EngineStatus struct {
	DefaultDenyEnabled bool `json:"default_deny_enabled"`
	WhitelistSize      int  `json:"whitelist_size"`
	ActivePolicyCount  int  `json:"active_policy_count"`
	AssessmentCount    int  `json:"assessment_count"`
	AuditEventCount    int  `json:"audit_event_count"`
	AnomalyCount       int  `json:"anomaly_count"`
}

// Clamp01 bounds v to [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
