package actions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/services"
	"github.com/vantyr/costgate/services/notify"
)

// Config holds the orchestrator's leasing knobs
type Config struct {
	// LeaseRetries bounds selection retries after a lost lease race
	LeaseRetries int
}

// CreateRequest asks for an action to be queued against a decision
type CreateRequest struct {
	DecisionID          uuid.UUID
	ActionType          string
	IdempotencyKey      string
	Payload             json.RawMessage
	MaxAttempts         int
	RetryBackoffSeconds int
	LeaseTTLSeconds     int
}

// FailRequest reports a failed execution attempt
type FailRequest struct {
	WorkerID     string
	ErrorMessage string
	Retryable    bool
}

// Service runs the table-backed action work queue. Rows move exclusively
// through lease, complete, fail and cancel; leases are claimed with
// conditional updates so racing workers cannot both win.
type Service struct {
	repos      *repositories.Repositories
	dispatcher notify.Dispatcher
	cfg        Config
	logger     *zap.Logger
}

// NewService creates an action orchestration service
func NewService(repos *repositories.Repositories, dispatcher notify.Dispatcher, cfg Config, logger *zap.Logger) *Service {
	if cfg.LeaseRetries <= 0 {
		cfg.LeaseRetries = 3
	}
	return &Service{
		repos:      repos,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Create queues an action for an authorized decision. Idempotent per
// (tenant, decision, action_type, idempotency_key): a replay returns the
// existing row. Denied decisions and unapproved approval-gated decisions are
// rejected.
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, req CreateRequest) (*models.ActionExecution, error) {
	if req.ActionType == "" {
		return nil, services.ErrInvalidAction
	}
	if req.IdempotencyKey == "" {
		return nil, services.ErrInvalidInput.WithDetail("field", "idempotency_key")
	}
	if len(req.IdempotencyKey) > models.MaxIdempotencyKeyLength {
		return nil, services.ErrIdempotencyKeyTooLong
	}

	existing, err := s.repos.Actions.FindByIdempotencyKey(ctx, tenantID, req.DecisionID, req.ActionType, req.IdempotencyKey)
	if err != nil {
		return nil, services.WrapInternal("failed to check for existing action", err)
	}
	if existing != nil {
		return existing, nil
	}

	decision, err := s.repos.Decisions.GetByID(ctx, tenantID, req.DecisionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrDecisionNotFound
		}
		return nil, services.WrapInternal("failed to load decision", err)
	}

	if decision.Decision == models.DecisionDeny {
		return nil, services.ErrForbidden.WithDetail("reason", "decision is denied")
	}

	var approvalID *uuid.UUID
	if decision.Decision == models.DecisionRequireApproval {
		approval, err := s.repos.Approvals.GetByDecisionID(ctx, tenantID, decision.ID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, services.ErrForbidden.WithDetail("reason", "decision requires approval")
			}
			return nil, services.WrapInternal("failed to load approval", err)
		}
		if approval.Status != models.ApprovalApproved {
			return nil, services.ErrForbidden.
				WithDetail("reason", "decision requires approval").
				WithDetail("approval_status", string(approval.Status))
		}
		approvalID = &approval.ID
	}

	action := models.NewActionExecution(tenantID, decision.ID, approvalID, req.ActionType, req.IdempotencyKey, req.Payload)
	if req.MaxAttempts > 0 {
		action.MaxAttempts = req.MaxAttempts
	}
	if req.RetryBackoffSeconds > 0 {
		action.RetryBackoffSeconds = req.RetryBackoffSeconds
	}
	if req.LeaseTTLSeconds > 0 {
		action.LeaseTTLSeconds = req.LeaseTTLSeconds
	}

	if err := s.repos.Actions.Create(ctx, action); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			winner, findErr := s.repos.Actions.FindByIdempotencyKey(ctx, tenantID, req.DecisionID, req.ActionType, req.IdempotencyKey)
			if findErr == nil && winner != nil {
				return winner, nil
			}
			return nil, services.WrapInternal("failed to resolve action idempotency race", findErr)
		}
		return nil, services.WrapInternal("failed to queue action", err)
	}
	return action, nil
}

// GetByID retrieves an action
func (s *Service) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ActionExecution, error) {
	action, err := s.repos.Actions.GetByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrActionNotFound
		}
		return nil, services.WrapInternal("failed to load action", err)
	}
	return action, nil
}

// List returns actions for a tenant
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filter repositories.ActionFilter) ([]*models.ActionExecution, error) {
	actions, err := s.repos.Actions.List(ctx, tenantID, filter)
	if err != nil {
		return nil, services.WrapInternal("failed to list actions", err)
	}
	return actions, nil
}

// LeaseNext claims the oldest eligible action for a worker: queued rows, or
// running rows whose lease lapsed with the worker that held them. A lost
// lease race retries selection up to the configured bound; it never blocks.
// Returns (nil, nil) when no work is available.
func (s *Service) LeaseNext(ctx context.Context, workerID string) (*models.ActionExecution, error) {
	if workerID == "" {
		return nil, services.ErrInvalidInput.WithDetail("field", "worker_id")
	}

	for attempt := 0; attempt < s.cfg.LeaseRetries; attempt++ {
		now := time.Now().UTC()
		candidate, err := s.repos.Actions.SelectNextEligible(ctx, now)
		if err != nil {
			return nil, services.WrapInternal("failed to select leasable action", err)
		}
		if candidate == nil {
			return nil, nil
		}

		leaseExpiry := now.Add(time.Duration(candidate.LeaseTTLSeconds) * time.Second)
		won, err := s.repos.Actions.TryLease(ctx, candidate.ID, candidate.AttemptCount, candidate.Version, workerID, leaseExpiry)
		if err != nil {
			return nil, services.WrapInternal("failed to lease action", err)
		}
		if !won {
			continue
		}

		leased, err := s.repos.Actions.GetByID(ctx, candidate.TenantID, candidate.ID)
		if err != nil {
			return nil, services.WrapInternal("failed to reload leased action", err)
		}
		s.logger.Debug("action leased",
			zap.String("action_id", leased.ID.String()),
			zap.String("worker_id", workerID),
			zap.Int("attempt", leased.AttemptCount),
		)
		return leased, nil
	}
	return nil, nil
}

// Complete records a successful execution by the lease holder
func (s *Service) Complete(ctx context.Context, tenantID, id uuid.UUID, workerID string, result json.RawMessage) (*models.ActionExecution, error) {
	if workerID == "" {
		return nil, services.ErrInvalidInput.WithDetail("field", "worker_id")
	}
	if err := s.repos.Actions.Complete(ctx, id, workerID, result, models.ContentHash(result)); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrActionNotOwned
		}
		return nil, services.WrapInternal("failed to complete action", err)
	}
	return s.GetByID(ctx, tenantID, id)
}

// Fail records a failed attempt by the lease holder. Retryable failures
// within the attempt budget requeue with backoff; everything else is
// terminal.
func (s *Service) Fail(ctx context.Context, tenantID, id uuid.UUID, req FailRequest) (*models.ActionExecution, error) {
	if req.WorkerID == "" {
		return nil, services.ErrInvalidInput.WithDetail("field", "worker_id")
	}

	action, err := s.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if req.Retryable && action.AttemptCount < action.MaxAttempts {
		nextRetry := time.Now().UTC().Add(time.Duration(action.RetryBackoffSeconds) * time.Second)
		if err := s.repos.Actions.FailRequeue(ctx, id, req.WorkerID, req.ErrorMessage, nextRetry); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return nil, services.ErrActionNotOwned
			}
			return nil, services.WrapInternal("failed to requeue action", err)
		}
		return s.GetByID(ctx, tenantID, id)
	}

	if err := s.repos.Actions.FailTerminal(ctx, id, req.WorkerID, req.ErrorMessage); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrActionNotOwned
		}
		return nil, services.WrapInternal("failed to fail action", err)
	}

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Kind:     notify.KindActionExhausted,
			TenantID: tenantID,
			Message:  "action failed permanently",
			Fields: map[string]interface{}{
				"action_id":   id.String(),
				"action_type": action.ActionType,
				"attempts":    action.AttemptCount,
				"error":       req.ErrorMessage,
			},
		})
	}
	return s.GetByID(ctx, tenantID, id)
}

// Cancel withdraws a queued action. Running and terminal actions cannot be
// cancelled.
func (s *Service) Cancel(ctx context.Context, tenantID, id uuid.UUID) (*models.ActionExecution, error) {
	if err := s.repos.Actions.Cancel(ctx, tenantID, id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrActionNotFound
		}
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.NewDomainError(services.ErrorTypeConflict, "action is not cancellable", nil)
		}
		return nil, services.WrapInternal("failed to cancel action", err)
	}
	return s.GetByID(ctx, tenantID, id)
}
