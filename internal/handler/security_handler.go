package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trust-engine/internal/engine"
	"trust-engine/internal/model"
	"trust-engine/internal/service"
	"trust-engine/internal/util"
	"trust-engine/internal/verification"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

var (
	errAssessmentNotFound = errors.New("assessment not found or expired from cache")
	errAdminDisabled      = errors.New("administrative API disabled")
	errUnauthorized       = errors.New("unauthorized")
)

// SecurityHandler exposes the trust engine over HTTP.
type SecurityHandler struct {
	engine     *engine.Engine
	guard      *service.Guard
	approvals  *service.ApprovalService
	adminToken string
	logger     *zap.Logger
}

// NewSecurityHandler creates a new security handler. Administrative routes
// require adminToken as a bearer token; an empty token disables them.
func NewSecurityHandler(eng *engine.Engine, services *service.ServiceFactory, adminToken string, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		engine:     eng,
		guard:      services.Guard(),
		approvals:  services.ApprovalService(),
		adminToken: adminToken,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type assessRequest struct {
	Context            model.SecurityContext `json:"context"`
	RequiredTrustLevel float64               `json:"required_trust_level"`
}

type enforceResponse struct {
	Allowed    bool                      `json:"allowed"`
	Assessment *model.SecurityAssessment `json:"assessment"`
}

type whitelistRequest struct {
	Key string `json:"key"`
}

type defaultDenyRequest struct {
	Enabled *bool `json:"enabled"`
}

// RegisterRoutes registers all security routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/security", func(r chi.Router) {
		// Decisions
		r.Post("/assess", h.Assess)
		r.Post("/enforce", h.Enforce)
		r.Post("/authorize", h.Authorize)
		r.Post("/approvals", h.RequestApproval)
		r.Get("/assessments/{assessmentID}", h.GetAssessment)
		r.Get("/assessments/{assessmentID}/audit", h.GetAssessmentAudit)

		// Administrative operations; changes go through requireAdmin
		r.Get("/whitelist", h.ListWhitelist)
		r.With(h.requireAdmin(service.OpAddWhitelist)).Post("/whitelist", h.AddToWhitelist)
		r.With(h.requireAdmin(service.OpRemoveWhitelist)).Delete("/whitelist/{key}", h.RemoveFromWhitelist)
		r.With(h.requireAdmin(service.OpSetDefaultDeny)).Put("/default-deny", h.SetDefaultDeny)

		r.Get("/policies", h.ListPolicies)
		r.With(h.requireAdmin(service.OpRegisterPolicy)).Post("/policies", h.RegisterPolicy)
		r.Get("/policies/{policyID}", h.GetPolicy)
		r.With(h.requireAdmin(service.OpActivatePolicy)).Post("/policies/{policyID}/activate", h.ActivatePolicy)
		r.With(h.requireAdmin(service.OpDeactivatePolicy)).Post("/policies/{policyID}/deactivate", h.DeactivatePolicy)
		r.Get("/methods", h.ListMethods)

		// Observability
		r.Get("/status", h.GetStatus)
		r.Get("/audit", h.ListAuditEvents)
		r.Get("/anomalies", h.ListAnomalies)
	})
}

// Assess runs an assessment without enforcing it.
func (h *SecurityHandler) Assess(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	req, err := h.decodeAssessRequest(w, r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	a, err := h.engine.AssessSecurity(&req.Context, req.RequiredTrustLevel)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to assess operation")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(a, "Assessment completed"))
	h.logger.Debug("Assessment via HTTP",
		util.String("assessment_id", a.ID),
		util.String("action", string(a.RecommendedAction)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Enforce assesses and enforces. A deny is a successful call that reports
// allowed=false; only malformed input is an HTTP error.
func (h *SecurityHandler) Enforce(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	req, err := h.decodeAssessRequest(w, r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	allowed, a, err := h.engine.Enforce(r.Context(), &req.Context, req.RequiredTrustLevel)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to enforce operation")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(enforceResponse{Allowed: allowed, Assessment: a}, "Enforcement completed"))
	h.logger.Debug("Enforcement via HTTP",
		util.String("assessment_id", a.ID),
		util.Bool("allowed", allowed),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Authorize is the gate form of Enforce: anything but allow is a 403.
func (h *SecurityHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeAssessRequest(w, r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	a, err := h.guard.Authorize(r.Context(), &req.Context)
	if err != nil {
		status := h.getStatusCode(err)
		resp := errorResponse(err, "Operation not authorized")
		resp.Data = a
		h.logger.Warn("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", status),
		)
		h.respondWithJSON(w, status, resp)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(a, "Operation authorized"))
}

// RequestApproval runs the just-in-time approval workflow.
func (h *SecurityHandler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	var req service.ApprovalRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	h.fillTransport(r, &req.Context)

	res, err := h.approvals.Decide(req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to decide approval")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(res, "Approval decided"))
}

func (h *SecurityHandler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "assessmentID")
	a, ok := h.engine.GetAssessment(id)
	if !ok {
		h.respondWithError(w, http.StatusNotFound, errAssessmentNotFound, "Assessment not found")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(a, "Assessment retrieved successfully"))
}

func (h *SecurityHandler) GetAssessmentAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "assessmentID")
	events := h.engine.AuditEventsFor(id)
	if len(events) == 0 {
		h.respondWithError(w, http.StatusNotFound, errAssessmentNotFound, "No audit events for assessment")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(events, "Audit events retrieved successfully"))
}

func (h *SecurityHandler) ListWhitelist(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.engine.Whitelist(), "Whitelist retrieved successfully"))
}

func (h *SecurityHandler) AddToWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.engine.AddToWhitelist(req.Key); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to add whitelist entry")
		return
	}
	h.logger.Info("Whitelist entry added via HTTP", util.String("key", util.SanitizeInput(req.Key)))
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"key": req.Key}, "Whitelist entry added"))
}

func (h *SecurityHandler) RemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.engine.RemoveFromWhitelist(key); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to remove whitelist entry")
		return
	}
	h.logger.Info("Whitelist entry removed via HTTP", util.String("key", util.SanitizeInput(key)))
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"key": key}, "Whitelist entry removed"))
}

func (h *SecurityHandler) SetDefaultDeny(w http.ResponseWriter, r *http.Request) {
	var req defaultDenyRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Enabled == nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("enabled is required"), "Invalid request body")
		return
	}
	h.engine.SetDefaultDeny(*req.Enabled)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"enabled": *req.Enabled}, "Default deny updated"))
}

func (h *SecurityHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.engine.Policies(), "Policies retrieved successfully"))
}

func (h *SecurityHandler) RegisterPolicy(w http.ResponseWriter, r *http.Request) {
	var def engine.PolicyDefinition
	if err := h.decode(w, r, &def); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	id, err := h.engine.RegisterPolicy(def)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to register policy")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]string{"policy_id": id}, "Policy registered"))
}

func (h *SecurityHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.GetPolicy(chi.URLParam(r, "policyID"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get policy")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(p, "Policy retrieved successfully"))
}

func (h *SecurityHandler) ActivatePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "policyID")
	if err := h.engine.ActivatePolicy(id); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to activate policy")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"policy_id": id}, "Policy activated"))
}

func (h *SecurityHandler) DeactivatePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "policyID")
	if err := h.engine.DeactivatePolicy(id); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to deactivate policy")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"policy_id": id}, "Policy deactivated"))
}

func (h *SecurityHandler) ListMethods(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.engine.Methods(), "Verification methods retrieved successfully"))
}

func (h *SecurityHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.engine.GetStatus(), "Engine status retrieved successfully"))
}

func (h *SecurityHandler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Limit must be between 1 and 1000")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(h.engine.RecentAuditEvents(limit), "Audit events retrieved successfully"))
}

func (h *SecurityHandler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Limit must be between 1 and 1000")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(h.engine.RecentAnomalies(limit), "Anomalies retrieved successfully"))
}

// requireAdmin admits a request to an administrative route only when it
// carries the admin bearer token and the guard allows op for its origin.
func (h *SecurityHandler) requireAdmin(op string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.adminToken == "" {
				h.respondWithError(w, http.StatusForbidden, errAdminDisabled, "Administrative API is disabled")
				return
			}
			token, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="trust-engine"`)
				h.respondWithError(w, http.StatusUnauthorized, errUnauthorized, "Valid admin token required")
				return
			}

			origin := model.SecurityContext{ResourcePath: r.URL.Path}
			h.fillTransport(r, &origin)
			a, err := h.guard.AuthorizeAdmin(r.Context(), op, origin)
			if err != nil {
				status := h.getStatusCode(err)
				resp := errorResponse(err, "Administrative operation not authorized")
				resp.Data = a
				h.logger.Warn("Administrative operation blocked",
					util.String("operation", op),
					util.String("source_ip", origin.SourceIP),
					util.ErrorField(err),
				)
				h.respondWithJSON(w, status, resp)
				return
			}
			h.logger.Info("Administrative operation authorized",
				util.String("operation", op),
				util.String("assessment_id", a.ID),
				util.String("source_ip", origin.SourceIP),
			)
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// Helper Methods

func (h *SecurityHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}

func (h *SecurityHandler) decodeAssessRequest(w http.ResponseWriter, r *http.Request) (*assessRequest, error) {
	var req assessRequest
	if err := h.decode(w, r, &req); err != nil {
		return nil, err
	}
	if req.RequiredTrustLevel < 0 || req.RequiredTrustLevel > 1 {
		return nil, fmt.Errorf("%w: required_trust_level must be within [0,1]", service.ErrInvalidInput)
	}
	h.fillTransport(r, &req.Context)
	return &req, nil
}

// fillTransport completes the context from the HTTP request when the caller
// left origin fields empty.
func (h *SecurityHandler) fillTransport(r *http.Request, sc *model.SecurityContext) {
	if sc.RequestID == "" {
		sc.RequestID = middleware.GetReqID(r.Context())
	}
	if sc.SourceIP == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			sc.SourceIP = host
		} else {
			sc.SourceIP = r.RemoteAddr
		}
	}
	if sc.UserAgent == "" {
		sc.UserAgent = r.UserAgent()
	}
}

func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 100, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 1000 {
		return 0, errors.New("invalid limit")
	}
	return limit, nil
}

// respondWithJSON sends a JSON response
func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *SecurityHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrPolicyNotFound), errors.Is(err, errAssessmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidContext),
		errors.Is(err, model.ErrInvalidWhitelistKey),
		errors.Is(err, engine.ErrInvalidPolicy),
		errors.Is(err, verification.ErrUnknownMethod),
		errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
