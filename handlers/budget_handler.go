package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/middleware"
	"github.com/vantyr/costgate/services/budget"
	"github.com/vantyr/costgate/utils"
)

// SetAllocationRequest is the request body for setting a scope allocation
type SetAllocationRequest struct {
	MonthlyLimitUSD decimal.Decimal `json:"monthly_limit_usd"`
	Active          *bool           `json:"active,omitempty"`
}

// GrantCreditRequest is the request body for granting credits
type GrantCreditRequest struct {
	Scope     string          `json:"scope,omitempty" validate:"omitempty,max=128"`
	TotalUSD  decimal.Decimal `json:"total_usd"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// BudgetHandler handles budget allocation and credit HTTP requests
type BudgetHandler struct {
	budgets *budget.Service
	logger  *zap.Logger
}

// NewBudgetHandler creates a new BudgetHandler
func NewBudgetHandler(budgets *budget.Service, logger *zap.Logger) *BudgetHandler {
	return &BudgetHandler{
		budgets: budgets,
		logger:  logger,
	}
}

// HandleBudgetSummary handles GET /api/v1/budgets
func (h *BudgetHandler) HandleBudgetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	summary, err := h.budgets.Summary(ctx, tenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, summary)
}

// HandleGetAllocation handles GET /api/v1/budgets/{scope}
func (h *BudgetHandler) HandleGetAllocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	scope := chi.URLParam(r, "scope")

	alloc, err := h.budgets.GetAllocation(ctx, tenantID, scope)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, alloc)
}

// HandleSetAllocation handles PUT /api/v1/budgets/{scope}
func (h *BudgetHandler) HandleSetAllocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	scope := chi.URLParam(r, "scope")

	var req SetAllocationRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	alloc, err := h.budgets.SetAllocation(ctx, tenantID, scope, req.MonthlyLimitUSD, active)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("budget allocation set",
		zap.String("request_id", requestID),
		zap.String("tenant_id", tenantID.String()),
		zap.String("scope", alloc.Scope),
		zap.String("monthly_limit_usd", alloc.MonthlyLimitUSD.StringFixed(4)))

	_ = utils.WriteOK(w, alloc)
}

// HandleGrantCredit handles POST /api/v1/credits
func (h *BudgetHandler) HandleGrantCredit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	var req GrantCreditRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	grant, err := h.budgets.GrantCredit(ctx, tenantID, req.Scope, req.TotalUSD, req.ExpiresAt)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("credit granted",
		zap.String("request_id", requestID),
		zap.String("tenant_id", tenantID.String()),
		zap.String("grant_id", grant.ID.String()),
		zap.String("total_usd", grant.TotalUSD.StringFixed(4)))

	_ = utils.WriteCreated(w, grant)
}

// HandleListCredits handles GET /api/v1/credits
func (h *BudgetHandler) HandleListCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	grants, err := h.budgets.ListCredits(ctx, tenantID, r.URL.Query().Get("scope"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, grants)
}
