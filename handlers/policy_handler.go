package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/middleware"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/services/policy"
	"github.com/vantyr/costgate/utils"
)

// UpdatePolicyRequest carries partial policy updates. Absent fields are
// left unchanged.
type UpdatePolicyRequest struct {
	Modes                  *models.ModeMatrix    `json:"modes,omitempty"`
	RequireApprovalProd    *bool                 `json:"require_approval_prod,omitempty"`
	RequireApprovalNonprod *bool                 `json:"require_approval_nonprod,omitempty"`
	AutoApproveCeilingUSD  *decimal.Decimal      `json:"auto_approve_ceiling_usd,omitempty"`
	HardDenyCeilingUSD     *decimal.Decimal      `json:"hard_deny_ceiling_usd,omitempty"`
	ApprovalTTLSeconds     *int                  `json:"approval_ttl_seconds,omitempty" validate:"omitempty,gte=60,lte=86400"`
	RoutingRules           *[]models.RoutingRule `json:"routing_rules,omitempty"`
	RiskScoring            *models.RiskScoring   `json:"risk_scoring,omitempty"`
}

// PolicyHandler handles gate policy HTTP requests
type PolicyHandler struct {
	policies *policy.Service
	logger   *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(policies *policy.Service, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		policies: policies,
		logger:   logger,
	}
}

// HandleGetPolicy handles GET /api/v1/policy
func (h *PolicyHandler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	p, err := h.policies.Get(ctx, tenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, p)
}

// HandleUpdatePolicy handles PUT /api/v1/policy
func (h *PolicyHandler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdatePolicyRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	p, err := h.policies.Update(ctx, tenantID, policy.UpdateRequest{
		Modes:                  req.Modes,
		RequireApprovalProd:    req.RequireApprovalProd,
		RequireApprovalNonprod: req.RequireApprovalNonprod,
		AutoApproveCeilingUSD:  req.AutoApproveCeilingUSD,
		HardDenyCeilingUSD:     req.HardDenyCeilingUSD,
		ApprovalTTLSeconds:     req.ApprovalTTLSeconds,
		RoutingRules:           req.RoutingRules,
		RiskScoring:            req.RiskScoring,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy updated",
		zap.String("request_id", requestID),
		zap.String("tenant_id", tenantID.String()),
		zap.Int("policy_version", p.PolicyVersion))

	_ = utils.WriteOK(w, p)
}
