package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/middleware"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/services/approval"
	"github.com/vantyr/costgate/utils"
)

// ReviewRequest is the request body for approving or denying an approval
type ReviewRequest struct {
	Comment string `json:"comment,omitempty" validate:"omitempty,max=2048"`
}

// ConsumeTokenRequest is the request body for consuming an approval token
type ConsumeTokenRequest struct {
	Token                      string `json:"token" validate:"required"`
	ExpectedSource             string `json:"expected_source,omitempty"`
	ExpectedEnvironment        string `json:"expected_environment,omitempty"`
	ExpectedRequestFingerprint string `json:"expected_request_fingerprint,omitempty"`
	ExpectedResourceReference  string `json:"expected_resource_reference,omitempty"`
}

// ApprovalGrantResponse returns the one-time signed token at approval
type ApprovalGrantResponse struct {
	Approval       *models.ApprovalRequest `json:"approval"`
	Token          string                  `json:"token"`
	TokenExpiresAt string                  `json:"token_expires_at"`
}

// ConsumeResponse reports a successful token consumption
type ConsumeResponse struct {
	Approval *models.ApprovalRequest     `json:"approval"`
	Decision *models.EnforcementDecision `json:"decision"`
}

// ApprovalHandler handles approval workflow HTTP requests
type ApprovalHandler struct {
	approvals *approval.Service
	logger    *zap.Logger
}

// NewApprovalHandler creates a new ApprovalHandler
func NewApprovalHandler(approvals *approval.Service, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		approvals: approvals,
		logger:    logger,
	}
}

// HandleListApprovals handles GET /api/v1/approvals
func (h *ApprovalHandler) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	var status *models.ApprovalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := models.ApprovalStatus(raw)
		switch s {
		case models.ApprovalPending, models.ApprovalApproved, models.ApprovalDenied,
			models.ApprovalExpired, models.ApprovalCancelled:
			status = &s
		default:
			_ = utils.WriteBadRequest(w, "Invalid status filter", nil)
			return
		}
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			_ = utils.WriteBadRequest(w, "Invalid limit", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			_ = utils.WriteBadRequest(w, "Invalid offset", nil)
			return
		}
		offset = parsed
	}

	approvals, err := h.approvals.List(ctx, tenantID, status, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, approvals)
}

// HandleGetApproval handles GET /api/v1/approvals/{id}
func (h *ApprovalHandler) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"), "approval ID")
	if !ok {
		return
	}

	a, err := h.approvals.GetByID(ctx, tenantID, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, a)
}

// HandleApprove handles POST /api/v1/approvals/{id}/approve
func (h *ApprovalHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"), "approval ID")
	if !ok {
		return
	}

	var req ReviewRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	reviewer := middleware.GetActorFromContext(ctx)

	grant, err := h.approvals.Approve(ctx, tenantID, id, reviewer, req.Comment)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("approval granted",
		zap.String("request_id", requestID),
		zap.String("approval_id", id.String()),
		zap.String("reviewer", reviewer))

	_ = utils.WriteOK(w, ApprovalGrantResponse{
		Approval:       grant.Approval,
		Token:          grant.Token,
		TokenExpiresAt: grant.TokenExpiresAt.Format(time.RFC3339),
	})
}

// HandleDeny handles POST /api/v1/approvals/{id}/deny
func (h *ApprovalHandler) HandleDeny(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"), "approval ID")
	if !ok {
		return
	}

	var req ReviewRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	reviewer := middleware.GetActorFromContext(ctx)

	a, err := h.approvals.Deny(ctx, tenantID, id, reviewer, req.Comment)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("approval denied",
		zap.String("request_id", requestID),
		zap.String("approval_id", id.String()),
		zap.String("reviewer", reviewer))

	_ = utils.WriteOK(w, a)
}

// HandleCancel handles POST /api/v1/approvals/{id}/cancel
func (h *ApprovalHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"), "approval ID")
	if !ok {
		return
	}

	a, err := h.approvals.Cancel(ctx, tenantID, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, a)
}

// HandleConsume handles POST /api/v1/approvals/consume.
// The tenant is taken from the token itself, not the caller's context: the
// consumer is typically a pipeline presenting a token it was handed.
func (h *ApprovalHandler) HandleConsume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req ConsumeTokenRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	result, err := h.approvals.Consume(ctx, approval.ConsumeRequest{
		Token:                      req.Token,
		ExpectedSource:             req.ExpectedSource,
		ExpectedEnvironment:        req.ExpectedEnvironment,
		ExpectedRequestFingerprint: req.ExpectedRequestFingerprint,
		ExpectedResourceReference:  req.ExpectedResourceReference,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("approval token consumed",
		zap.String("request_id", requestID),
		zap.String("approval_id", result.Approval.ID.String()),
		zap.String("decision_id", result.Decision.ID.String()))

	_ = utils.WriteOK(w, ConsumeResponse{
		Approval: result.Approval,
		Decision: result.Decision,
	})
}
