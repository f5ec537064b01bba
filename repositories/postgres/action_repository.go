package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"go.uber.org/zap"
)

// ActionRepository implements the repositories.ActionRepository interface
type ActionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewActionRepository creates a new action repository
func NewActionRepository(db *DB, logger *zap.Logger) repositories.ActionRepository {
	return &ActionRepository{
		db:     db,
		logger: logger,
	}
}

const actionColumns = `id, tenant_id, decision_id, approval_id, action_type, idempotency_key,
		status, payload, result, result_hash, error_message,
		attempt_count, max_attempts, retry_backoff_seconds, lease_ttl_seconds,
		next_retry_at, lease_owner, lease_expires_at, version, created_at, updated_at`

func scanAction(row rowScanner) (*models.ActionExecution, error) {
	a := &models.ActionExecution{}
	var payload, result []byte
	var resultHash, errorMessage, leaseOwner sql.NullString

	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.DecisionID,
		&a.ApprovalID,
		&a.ActionType,
		&a.IdempotencyKey,
		&a.Status,
		&payload,
		&result,
		&resultHash,
		&errorMessage,
		&a.AttemptCount,
		&a.MaxAttempts,
		&a.RetryBackoffSeconds,
		&a.LeaseTTLSeconds,
		&a.NextRetryAt,
		&leaseOwner,
		&a.LeaseExpiresAt,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Payload = json.RawMessage(payload)
	a.Result = json.RawMessage(result)
	a.ResultHash = resultHash.String
	a.ErrorMessage = errorMessage.String
	a.LeaseOwner = leaseOwner.String
	return a, nil
}

// Create inserts a queued action
func (r *ActionRepository) Create(ctx context.Context, a *models.ActionExecution) error {
	query := `
		INSERT INTO action_executions (` + actionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		a.ID,
		a.TenantID,
		a.DecisionID,
		a.ApprovalID,
		a.ActionType,
		a.IdempotencyKey,
		a.Status,
		[]byte(a.Payload),
		[]byte(a.Result),
		nullable(a.ResultHash),
		nullable(a.ErrorMessage),
		a.AttemptCount,
		a.MaxAttempts,
		a.RetryBackoffSeconds,
		a.LeaseTTLSeconds,
		a.NextRetryAt,
		nullable(a.LeaseOwner),
		a.LeaseExpiresAt,
		a.Version,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return mapError("create action", err)
	}

	r.logger.Debug("action created",
		zap.String("action_id", a.ID.String()),
		zap.String("action_type", a.ActionType))
	return nil
}

// FindByIdempotencyKey returns the action for the idempotency tuple, or (nil, nil)
func (r *ActionRepository) FindByIdempotencyKey(ctx context.Context, tenantID, decisionID uuid.UUID, actionType, key string) (*models.ActionExecution, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM action_executions
		WHERE tenant_id = $1 AND decision_id = $2 AND action_type = $3 AND idempotency_key = $4
	`

	executor := GetExecutor(ctx, r.db)
	a, err := scanAction(executor.QueryRowContext(ctx, query, tenantID, decisionID, actionType, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find action by idempotency key", err)
	}
	return a, nil
}

// GetByID retrieves an action scoped to a tenant
func (r *ActionRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ActionExecution, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM action_executions
		WHERE tenant_id = $1 AND id = $2
	`

	executor := GetExecutor(ctx, r.db)
	a, err := scanAction(executor.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		return nil, mapError("get action", err)
	}
	return a, nil
}

// List returns actions for a tenant, newest first
func (r *ActionRepository) List(ctx context.Context, tenantID uuid.UUID, filter repositories.ActionFilter) ([]*models.ActionExecution, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM action_executions
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	idx := 2
	if filter.DecisionID != nil {
		query += fmt.Sprintf(" AND decision_id = $%d", idx)
		args = append(args, *filter.DecisionID)
		idx++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, *filter.Status)
		idx++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list actions", err)
	}
	defer rows.Close()

	actions := make([]*models.ActionExecution, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

// SelectNextEligible returns the oldest leasable row, or (nil, nil). A row
// is leasable when it is queued, or when it is running but its lease has
// lapsed: a crashed worker's row becomes claimable again once the lease
// expires.
func (r *ActionRepository) SelectNextEligible(ctx context.Context, now time.Time) (*models.ActionExecution, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM action_executions
		WHERE next_retry_at <= $1
		  AND attempt_count < max_attempts
		  AND (status = $2 OR (status = $3 AND lease_expires_at <= $1))
		ORDER BY created_at
		LIMIT 1
	`

	executor := GetExecutor(ctx, r.db)
	a, err := scanAction(executor.QueryRowContext(ctx, query, now, models.ActionQueued, models.ActionRunning))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("select next eligible action", err)
	}
	return a, nil
}

// TryLease conditionally claims a row. The WHERE clause pins attempt_count
// and version to the values the worker observed, so two workers racing for
// the same row cannot both win. A running row is claimable only once its
// lease has lapsed, which takes it over from a crashed worker.
func (r *ActionRepository) TryLease(ctx context.Context, id uuid.UUID, observedAttempts, observedVersion int, workerID string, leaseExpiresAt time.Time) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE action_executions
		SET status = $1,
			attempt_count = attempt_count + 1,
			lease_owner = $2,
			lease_expires_at = $3,
			version = version + 1,
			updated_at = $4
		WHERE id = $5 AND attempt_count = $6 AND version = $7
		  AND (status = $8 OR (status = $1 AND lease_expires_at <= $4))
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		models.ActionRunning, workerID, leaseExpiresAt, now,
		id, observedAttempts, observedVersion, models.ActionQueued)
	if err != nil {
		return false, mapError("lease action", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	r.logger.Debug("action leased",
		zap.String("action_id", id.String()),
		zap.String("worker_id", workerID))
	return true, nil
}

// completeOrFail runs a conditional update requiring running status and
// lease ownership
func (r *ActionRepository) completeOrFail(ctx context.Context, op, query string, args ...interface{}) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: not the lease holder or action not running: %w", op, repositories.ErrDuplicate)
	}
	return nil
}

// Complete transitions running -> succeeded for the lease holder
func (r *ActionRepository) Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage, resultHash string) error {
	query := `
		UPDATE action_executions
		SET status = $1, result = $2, result_hash = $3,
			lease_owner = NULL, lease_expires_at = NULL,
			version = version + 1, updated_at = $4
		WHERE id = $5 AND status = $6 AND lease_owner = $7
	`
	return r.completeOrFail(ctx, "complete action", query,
		models.ActionSucceeded, []byte(result), nullable(resultHash), time.Now().UTC(),
		id, models.ActionRunning, workerID)
}

// FailRequeue transitions running -> queued with a retry deadline
func (r *ActionRepository) FailRequeue(ctx context.Context, id uuid.UUID, workerID, errMsg string, nextRetryAt time.Time) error {
	query := `
		UPDATE action_executions
		SET status = $1, error_message = $2, next_retry_at = $3,
			lease_owner = NULL, lease_expires_at = NULL,
			version = version + 1, updated_at = $4
		WHERE id = $5 AND status = $6 AND lease_owner = $7
	`
	return r.completeOrFail(ctx, "requeue action", query,
		models.ActionQueued, errMsg, nextRetryAt, time.Now().UTC(),
		id, models.ActionRunning, workerID)
}

// FailTerminal transitions running -> failed permanently
func (r *ActionRepository) FailTerminal(ctx context.Context, id uuid.UUID, workerID, errMsg string) error {
	query := `
		UPDATE action_executions
		SET status = $1, error_message = $2,
			lease_owner = NULL, lease_expires_at = NULL,
			version = version + 1, updated_at = $3
		WHERE id = $4 AND status = $5 AND lease_owner = $6
	`
	return r.completeOrFail(ctx, "fail action", query,
		models.ActionFailed, errMsg, time.Now().UTC(),
		id, models.ActionRunning, workerID)
}

// Cancel transitions queued -> cancelled
func (r *ActionRepository) Cancel(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `
		UPDATE action_executions
		SET status = $1, version = version + 1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND status = $5
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		models.ActionCancelled, time.Now().UTC(), tenantID, id, models.ActionQueued)
	if err != nil {
		return mapError("cancel action", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("cancel action %s: not queued: %w", id, repositories.ErrDuplicate)
	}
	return nil
}
