package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/middleware"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/utils"
)

// DecisionHandler serves read access to enforcement decisions
type DecisionHandler struct {
	decisions repositories.DecisionRepository
	logger    *zap.Logger
}

// NewDecisionHandler creates a new DecisionHandler
func NewDecisionHandler(decisions repositories.DecisionRepository, logger *zap.Logger) *DecisionHandler {
	return &DecisionHandler{
		decisions: decisions,
		logger:    logger,
	}
}

// HandleListDecisions handles GET /api/v1/decisions
func (h *DecisionHandler) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	filter := repositories.DecisionFilter{Limit: 50}
	q := r.URL.Query()
	if raw := q.Get("source"); raw != "" {
		source := models.Source(raw)
		if !source.Valid() {
			_ = utils.WriteBadRequest(w, "Invalid source filter", nil)
			return
		}
		filter.Source = &source
	}
	if raw := q.Get("environment"); raw != "" {
		env := models.NormalizeEnvironment(raw)
		filter.Environment = &env
	}
	if raw := q.Get("decision"); raw != "" {
		decision := models.DecisionType(raw)
		if !decision.Valid() {
			_ = utils.WriteBadRequest(w, "Invalid decision filter", nil)
			return
		}
		filter.Decision = &decision
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

	decisions, err := h.decisions.List(ctx, tenantID, filter)
	if err != nil {
		h.logger.Error("failed to list decisions",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to retrieve decisions")
		return
	}

	_ = utils.WriteOK(w, decisions)
}

// HandleGetDecision handles GET /api/v1/decisions/{id}
func (h *DecisionHandler) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"), "decision ID")
	if !ok {
		return
	}

	decision, err := h.decisions.GetByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			_ = utils.WriteNotFound(w, "Decision not found")
			return
		}
		h.logger.Error("failed to fetch decision",
			zap.String("decision_id", id.String()),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to retrieve decision")
		return
	}

	_ = utils.WriteOK(w, decision)
}
