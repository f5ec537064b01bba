package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/middleware"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/services/actions"
	"github.com/vantyr/costgate/utils"
)

// CreateActionRequest is the request body for enqueueing an action
type CreateActionRequest struct {
	DecisionID          uuid.UUID       `json:"decision_id" validate:"required"`
	ActionType          string          `json:"action_type" validate:"required,max=128"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	MaxAttempts         int             `json:"max_attempts,omitempty" validate:"omitempty,gte=1,lte=20"`
	RetryBackoffSeconds int             `json:"retry_backoff_seconds,omitempty" validate:"omitempty,gte=1,lte=3600"`
	LeaseTTLSeconds     int             `json:"lease_ttl_seconds,omitempty" validate:"omitempty,gte=10,lte=3600"`
}

// LeaseActionRequest is the request body for leasing the next eligible action
type LeaseActionRequest struct {
	WorkerID string `json:"worker_id" validate:"required,max=128"`
}

// CompleteActionRequest is the request body for completing a leased action
type CompleteActionRequest struct {
	WorkerID string          `json:"worker_id" validate:"required,max=128"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// FailActionRequest is the request body for failing a leased action
type FailActionRequest struct {
	WorkerID     string `json:"worker_id" validate:"required,max=128"`
	ErrorMessage string `json:"error_message,omitempty" validate:"omitempty,max=4096"`
	Retryable    bool   `json:"retryable"`
}

// ActionHandler handles action orchestration HTTP requests
type ActionHandler struct {
	actions *actions.Service
	logger  *zap.Logger
}

// NewActionHandler creates a new ActionHandler
func NewActionHandler(actionService *actions.Service, logger *zap.Logger) *ActionHandler {
	return &ActionHandler{
		actions: actionService,
		logger:  logger,
	}
}

// HandleCreateAction handles POST /api/v1/actions
func (h *ActionHandler) HandleCreateAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	var req CreateActionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	action, err := h.actions.Create(ctx, tenantID, actions.CreateRequest{
		DecisionID:          req.DecisionID,
		ActionType:          req.ActionType,
		IdempotencyKey:      req.IdempotencyKey,
		Payload:             req.Payload,
		MaxAttempts:         req.MaxAttempts,
		RetryBackoffSeconds: req.RetryBackoffSeconds,
		LeaseTTLSeconds:     req.LeaseTTLSeconds,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("action enqueued",
		zap.String("request_id", requestID),
		zap.String("action_id", action.ID.String()),
		zap.String("action_type", action.ActionType))

	_ = utils.WriteCreated(w, action)
}

// HandleListActions handles GET /api/v1/actions
func (h *ActionHandler) HandleListActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	filter := repositories.ActionFilter{Limit: 50}
	q := r.URL.Query()
	if raw := q.Get("decision_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "Invalid decision_id format", nil)
			return
		}
		filter.DecisionID = &id
	}
	if raw := q.Get("status"); raw != "" {
		status := models.ActionStatus(raw)
		switch status {
		case models.ActionQueued, models.ActionRunning, models.ActionSucceeded,
			models.ActionFailed, models.ActionCancelled:
			filter.Status = &status
		default:
			_ = utils.WriteBadRequest(w, "Invalid status filter", nil)
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			_ = utils.WriteBadRequest(w, "Invalid limit", nil)
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			_ = utils.WriteBadRequest(w, "Invalid offset", nil)
			return
		}
		filter.Offset = offset
	}

	list, err := h.actions.List(ctx, tenantID, filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, list)
}

// HandleGetAction handles GET /api/v1/actions/{id}
func (h *ActionHandler) HandleGetAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"), "action ID")
	if !ok {
		return
	}

	action, err := h.actions.GetByID(ctx, tenantID, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, action)
}

// HandleLeaseAction handles POST /api/v1/actions/lease
func (h *ActionHandler) HandleLeaseAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LeaseActionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	action, err := h.actions.LeaseNext(ctx, req.WorkerID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if action == nil {
		// Empty queue is a normal outcome, not an error
		utils.WriteNoContent(w)
		return
	}

	h.logger.Debug("action leased",
		zap.String("action_id", action.ID.String()),
		zap.String("worker_id", req.WorkerID))

	_ = utils.WriteOK(w, action)
}

// HandleCompleteAction handles POST /api/v1/actions/{id}/complete
func (h *ActionHandler) HandleCompleteAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"), "action ID")
	if !ok {
		return
	}

	var req CompleteActionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	action, err := h.actions.Complete(ctx, tenantID, id, req.WorkerID, req.Result)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, action)
}

// HandleFailAction handles POST /api/v1/actions/{id}/fail
func (h *ActionHandler) HandleFailAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"), "action ID")
	if !ok {
		return
	}

	var req FailActionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if details := utils.ValidateStruct(&req); details != nil {
		HandleValidationError(w, details, h.logger)
		return
	}

	action, err := h.actions.Fail(ctx, tenantID, id, actions.FailRequest{
		WorkerID:     req.WorkerID,
		ErrorMessage: req.ErrorMessage,
		Retryable:    req.Retryable,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, action)
}

// HandleCancelAction handles POST /api/v1/actions/{id}/cancel
func (h *ActionHandler) HandleCancelAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"), "action ID")
	if !ok {
		return
	}

	action, err := h.actions.Cancel(ctx, tenantID, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, action)
}
