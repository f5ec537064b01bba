package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/middleware"
	"github.com/vantyr/costgate/services/reconcile"
	"github.com/vantyr/costgate/utils"
)

// ReconcileRequest is the request body for reconciling a decision's
// reservation against actual spend. ActualMonthlyUSD is optional; when
// absent the configured billing reader supplies the figure.
type ReconcileRequest struct {
	DecisionID       uuid.UUID        `json:"decision_id" validate:"required"`
	ActualMonthlyUSD *decimal.Decimal `json:"actual_monthly_usd,omitempty"`
	IdempotencyKey   string           `json:"idempotency_key" validate:"required,max=128"`
}

// ReconcileHandler handles reservation reconciliation HTTP requests
type ReconcileHandler struct {
	reconciler *reconcile.Service
	logger     *zap.Logger
}

// NewReconcileHandler creates a new ReconcileHandler
func NewReconcileHandler(reconciler *reconcile.Service, logger *zap.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		reconciler: reconciler,
		logger:     logger,
	}
}

// HandleReconcile handles POST /api/v1/reconciliations
func (h *ReconcileHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	var req ReconcileRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	outcome, err := h.reconciler.Reconcile(ctx, tenantID, reconcile.Request{
		DecisionID:       req.DecisionID,
		ActualMonthlyUSD: req.ActualMonthlyUSD,
		IdempotencyKey:   req.IdempotencyKey,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("reservation reconciled",
		zap.String("request_id", requestID),
		zap.String("decision_id", req.DecisionID.String()),
		zap.String("classification", outcome.Classification),
		zap.String("drift_usd", outcome.DriftUSD.StringFixed(4)))

	_ = utils.WriteOK(w, outcome)
}

// HandleReleaseOverdue handles POST /api/v1/reconciliations/overdue. It
// sweeps reservations past the overdue cutoff; normally this runs on the
// background ticker, the endpoint exists for operators.
func (h *ReconcileHandler) HandleReleaseOverdue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	released, err := h.reconciler.ReconcileOverdue(ctx)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("overdue reservations released",
		zap.String("request_id", requestID),
		zap.Int("released", released))

	_ = utils.WriteOK(w, map[string]int{"released": released})
}
