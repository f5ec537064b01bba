package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"go.uber.org/zap"
)

// ApprovalRepository implements the repositories.ApprovalRepository interface
type ApprovalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(db *DB, logger *zap.Logger) repositories.ApprovalRepository {
	return &ApprovalRepository{
		db:     db,
		logger: logger,
	}
}

const approvalColumns = `id, tenant_id, decision_id, status, requested_by, reviewed_by,
		review_comment, matched_rule, token_hash, token_expires_at, consumed_at,
		expires_at, created_at, updated_at`

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	a := &models.ApprovalRequest{}
	var reviewedBy, reviewComment, matchedRule, tokenHash sql.NullString

	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.DecisionID,
		&a.Status,
		&a.RequestedBy,
		&reviewedBy,
		&reviewComment,
		&matchedRule,
		&tokenHash,
		&a.TokenExpiresAt,
		&a.ConsumedAt,
		&a.ExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ReviewedBy = reviewedBy.String
	a.ReviewComment = reviewComment.String
	a.MatchedRule = matchedRule.String
	a.TokenHash = tokenHash.String
	return a, nil
}

// Create inserts a pending approval request
func (r *ApprovalRepository) Create(ctx context.Context, a *models.ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (` + approvalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		a.ID,
		a.TenantID,
		a.DecisionID,
		a.Status,
		a.RequestedBy,
		nullable(a.ReviewedBy),
		nullable(a.ReviewComment),
		nullable(a.MatchedRule),
		nullable(a.TokenHash),
		a.TokenExpiresAt,
		a.ConsumedAt,
		a.ExpiresAt,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return mapError("create approval request", err)
	}

	r.logger.Debug("approval request created",
		zap.String("approval_id", a.ID.String()),
		zap.String("decision_id", a.DecisionID.String()))
	return nil
}

// GetByID retrieves an approval scoped to a tenant
func (r *ApprovalRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND id = $2
	`

	executor := GetExecutor(ctx, r.db)
	a, err := scanApproval(executor.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		return nil, mapError("get approval request", err)
	}
	return a, nil
}

// GetByDecisionID retrieves the approval for a decision
func (r *ApprovalRepository) GetByDecisionID(ctx context.Context, tenantID, decisionID uuid.UUID) (*models.ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND decision_id = $2
	`

	executor := GetExecutor(ctx, r.db)
	a, err := scanApproval(executor.QueryRowContext(ctx, query, tenantID, decisionID))
	if err != nil {
		return nil, mapError("get approval by decision", err)
	}
	return a, nil
}

// List returns approvals for a tenant, optionally filtered by status
func (r *ApprovalRepository) List(ctx context.Context, tenantID uuid.UUID, status *models.ApprovalStatus, limit, offset int) ([]*models.ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	idx := 2
	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, *status)
		idx++
	}

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list approval requests", err)
	}
	defer rows.Close()

	approvals := make([]*models.ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}
	return approvals, nil
}

// transition runs a conditional pending -> <status> update
func (r *ApprovalRepository) transition(ctx context.Context, op, query string, args ...interface{}) error {
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
		return fmt.Errorf("%s: request is not pending: %w", op, repositories.ErrDuplicate)
	}
	return nil
}

// Approve transitions pending -> approved and stores the token hash
func (r *ApprovalRepository) Approve(ctx context.Context, id uuid.UUID, reviewer, comment, tokenHash string, tokenExpiresAt time.Time) error {
	query := `
		UPDATE approval_requests
		SET status = $1, reviewed_by = $2, review_comment = $3,
			token_hash = $4, token_expires_at = $5, updated_at = $6
		WHERE id = $7 AND status = $8
	`
	return r.transition(ctx, "approve request", query,
		models.ApprovalApproved, reviewer, nullable(comment), tokenHash, tokenExpiresAt,
		time.Now().UTC(), id, models.ApprovalPending)
}

// Deny transitions pending -> denied
func (r *ApprovalRepository) Deny(ctx context.Context, id uuid.UUID, reviewer, comment string) error {
	query := `
		UPDATE approval_requests
		SET status = $1, reviewed_by = $2, review_comment = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	return r.transition(ctx, "deny request", query,
		models.ApprovalDenied, reviewer, nullable(comment), time.Now().UTC(), id, models.ApprovalPending)
}

// Expire transitions pending -> expired
func (r *ApprovalRepository) Expire(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE approval_requests
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	return r.transition(ctx, "expire request", query,
		models.ApprovalExpired, time.Now().UTC(), id, models.ApprovalPending)
}

// Cancel transitions pending -> cancelled
func (r *ApprovalRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE approval_requests
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	return r.transition(ctx, "cancel request", query,
		models.ApprovalCancelled, time.Now().UTC(), id, models.ApprovalPending)
}

// Consume atomically marks the token consumed. The WHERE clause is the
// single-use guarantee: under N concurrent consumers exactly one update
// matches a row with consumed_at still NULL.
func (r *ApprovalRepository) Consume(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE approval_requests
		SET consumed_at = $1, updated_at = $1
		WHERE id = $2 AND consumed_at IS NULL
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, at, id)
	if err != nil {
		return mapError("consume approval token", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("approval token for %s already consumed: %w", id, repositories.ErrDuplicate)
	}

	r.logger.Info("approval token consumed", zap.String("approval_id", id.String()))
	return nil
}

// nullable maps empty strings onto SQL NULL
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
