package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/middleware"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/services/gate"
	"github.com/vantyr/costgate/utils"
)

// GateEvaluateRequest is the request body for a gate evaluation
type GateEvaluateRequest struct {
	Scope           string            `json:"scope,omitempty" validate:"omitempty,max=128"`
	Environment     string            `json:"environment,omitempty"`
	Action          string            `json:"action" validate:"required,max=128"`
	ResourceRef     string            `json:"resource_ref" validate:"required,max=512"`
	MonthlyDeltaUSD decimal.Decimal   `json:"monthly_delta_usd"`
	HourlyDeltaUSD  decimal.Decimal   `json:"hourly_delta_usd"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
	DryRun          bool              `json:"dry_run,omitempty"`
}

// GateDecisionResponse is the response body for a gate evaluation
type GateDecisionResponse struct {
	DecisionID         string   `json:"decision_id"`
	Decision           string   `json:"decision"`
	ReasonCodes        []string `json:"reason_codes"`
	PolicyVersion      int      `json:"policy_version"`
	RiskClass          string   `json:"risk_class"`
	RequestFingerprint string   `json:"request_fingerprint"`
	IdempotencyKey     string   `json:"idempotency_key"`
	ApprovalRequired   bool     `json:"approval_required"`
	ApprovalRequestID  string   `json:"approval_request_id,omitempty"`
	ApprovalExpiresAt  string   `json:"approval_expires_at,omitempty"`
	TTLSeconds         int      `json:"ttl_seconds"`
	ReservationActive  bool     `json:"reservation_active"`
	ReservedUSD        string   `json:"reserved_usd"`
	Replayed           bool     `json:"replayed"`
	FailSafe           bool     `json:"fail_safe,omitempty"`
}

// GateHandler handles gate evaluation HTTP requests
type GateHandler struct {
	gate   *gate.Service
	logger *zap.Logger
}

// NewGateHandler creates a new GateHandler
func NewGateHandler(gateService *gate.Service, logger *zap.Logger) *GateHandler {
	return &GateHandler{
		gate:   gateService,
		logger: logger,
	}
}

// HandleEvaluate handles POST /api/v1/gate/{source}/evaluate
func (h *GateHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	source := models.Source(chi.URLParam(r, "source"))

	var req GateEvaluateRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	// The header wins over the body field when both are present
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	input := gate.GateInput{
		Scope:           req.Scope,
		Environment:     req.Environment,
		Action:          req.Action,
		ResourceRef:     req.ResourceRef,
		MonthlyDeltaUSD: req.MonthlyDeltaUSD,
		HourlyDeltaUSD:  req.HourlyDeltaUSD,
		Metadata:        req.Metadata,
		IdempotencyKey:  req.IdempotencyKey,
		DryRun:          req.DryRun,
	}

	actor := middleware.GetActorFromContext(ctx)

	h.logger.Debug("evaluating gate request",
		zap.String("request_id", requestID),
		zap.String("tenant_id", tenantID.String()),
		zap.String("source", string(source)),
		zap.String("action", req.Action),
		zap.String("resource_ref", req.ResourceRef))

	result, err := h.gate.Evaluate(ctx, tenantID, actor, source, input)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("gate decision issued",
		zap.String("request_id", requestID),
		zap.String("decision_id", result.Decision.ID.String()),
		zap.String("decision", string(result.Decision.Decision)),
		zap.Bool("replayed", result.Replayed),
		zap.Bool("fail_safe", result.FailSafe))

	_ = utils.WriteOK(w, evaluationToResponse(result))
}

func evaluationToResponse(result *gate.EvaluationResult) GateDecisionResponse {
	d := result.Decision
	resp := GateDecisionResponse{
		DecisionID:         d.ID.String(),
		Decision:           string(d.Decision),
		ReasonCodes:        d.ReasonCodes,
		PolicyVersion:      d.PolicyVersion,
		RiskClass:          string(d.RiskClass),
		RequestFingerprint: d.RequestFingerprint,
		IdempotencyKey:     d.IdempotencyKey,
		ApprovalRequired:   d.ApprovalRequired,
		ReservationActive:  d.ReservationActive,
		ReservedUSD:        d.TotalReserved().StringFixed(4),
		Replayed:           result.Replayed,
		FailSafe:           result.FailSafe,
	}
	if result.Approval != nil {
		resp.ApprovalRequestID = result.Approval.ID.String()
		resp.ApprovalExpiresAt = result.Approval.ExpiresAt.Format(time.RFC3339)
		if ttl := int(time.Until(result.Approval.ExpiresAt).Seconds()); ttl > 0 {
			resp.TTLSeconds = ttl
		}
	}
	return resp
}
