package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"go.uber.org/zap"
)

// DecisionRepository implements the repositories.DecisionRepository interface
type DecisionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db *DB, logger *zap.Logger) repositories.DecisionRepository {
	return &DecisionRepository{
		db:     db,
		logger: logger,
	}
}

const decisionColumns = `id, tenant_id, source, environment, scope, action, resource_ref,
		decision, reason_codes, risk_class, policy_version, request_fingerprint, idempotency_key,
		request_payload, response_payload, monthly_delta_usd, hourly_delta_usd,
		allocation_headroom_usd, credits_headroom_usd, reserved_allocation_usd, reserved_credit_usd,
		reservation_active, approval_required, approval_token_issued, reconciliation, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (*models.EnforcementDecision, error) {
	d := &models.EnforcementDecision{}
	var reasonCodes pq.StringArray
	var requestPayload, responsePayload, reconciliation []byte
	var reconciliationNull sql.NullString

	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.Source,
		&d.Environment,
		&d.Scope,
		&d.Action,
		&d.ResourceRef,
		&d.Decision,
		&reasonCodes,
		&d.RiskClass,
		&d.PolicyVersion,
		&d.RequestFingerprint,
		&d.IdempotencyKey,
		&requestPayload,
		&responsePayload,
		&d.MonthlyDeltaUSD,
		&d.HourlyDeltaUSD,
		&d.AllocationHeadroom,
		&d.CreditsHeadroom,
		&d.ReservedAllocation,
		&d.ReservedCredit,
		&d.ReservationActive,
		&d.ApprovalRequired,
		&d.ApprovalTokenIssued,
		&reconciliationNull,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.ReasonCodes = []string(reasonCodes)
	d.RequestPayload = json.RawMessage(requestPayload)
	d.ResponsePayload = json.RawMessage(responsePayload)
	if reconciliationNull.Valid {
		reconciliation = []byte(reconciliationNull.String)
		d.Reconciliation = json.RawMessage(reconciliation)
	}
	return d, nil
}

// FindByIdempotencyKey returns the decision for the idempotency tuple, or
// (nil, nil) when absent
func (r *DecisionRepository) FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, source models.Source, key string) (*models.EnforcementDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM enforcement_decisions
		WHERE tenant_id = $1 AND source = $2 AND idempotency_key = $3
	`

	executor := GetExecutor(ctx, r.db)
	d, err := scanDecision(executor.QueryRowContext(ctx, query, tenantID, source, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find decision by idempotency key", err)
	}
	return d, nil
}

// Insert persists a new decision
func (r *DecisionRepository) Insert(ctx context.Context, d *models.EnforcementDecision) error {
	query := `
		INSERT INTO enforcement_decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`

	var reconciliation interface{}
	if len(d.Reconciliation) > 0 {
		reconciliation = []byte(d.Reconciliation)
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		d.ID,
		d.TenantID,
		d.Source,
		d.Environment,
		d.Scope,
		d.Action,
		d.ResourceRef,
		d.Decision,
		pq.StringArray(d.ReasonCodes),
		d.RiskClass,
		d.PolicyVersion,
		d.RequestFingerprint,
		d.IdempotencyKey,
		[]byte(d.RequestPayload),
		[]byte(d.ResponsePayload),
		d.MonthlyDeltaUSD,
		d.HourlyDeltaUSD,
		d.AllocationHeadroom,
		d.CreditsHeadroom,
		d.ReservedAllocation,
		d.ReservedCredit,
		d.ReservationActive,
		d.ApprovalRequired,
		d.ApprovalTokenIssued,
		reconciliation,
		d.CreatedAt,
	)
	if err != nil {
		return mapError("insert decision", err)
	}

	r.logger.Debug("decision inserted",
		zap.String("decision_id", d.ID.String()),
		zap.String("decision", string(d.Decision)))
	return nil
}

// GetByID retrieves a decision scoped to a tenant
func (r *DecisionRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.EnforcementDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM enforcement_decisions
		WHERE tenant_id = $1 AND id = $2
	`

	executor := GetExecutor(ctx, r.db)
	d, err := scanDecision(executor.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		return nil, mapError("get decision", err)
	}
	return d, nil
}

// List returns decisions for a tenant, newest first
func (r *DecisionRepository) List(ctx context.Context, tenantID uuid.UUID, filter repositories.DecisionFilter) ([]*models.EnforcementDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM enforcement_decisions
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	idx := 2

	if filter.Source != nil {
		query += fmt.Sprintf(" AND source = $%d", idx)
		args = append(args, *filter.Source)
		idx++
	}
	if filter.Environment != nil {
		query += fmt.Sprintf(" AND environment = $%d", idx)
		args = append(args, *filter.Environment)
		idx++
	}
	if filter.Decision != nil {
		query += fmt.Sprintf(" AND decision = $%d", idx)
		args = append(args, *filter.Decision)
		idx++
	}

	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list decisions", err)
	}
	defer rows.Close()

	decisions := make([]*models.EnforcementDecision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return decisions, nil
}

// GetActiveReservationForUpdate row-locks a decision with an active reservation
func (r *DecisionRepository) GetActiveReservationForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.EnforcementDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM enforcement_decisions
		WHERE tenant_id = $1 AND id = $2 AND reservation_active = true
		FOR UPDATE
	`

	executor := GetExecutor(ctx, r.db)
	d, err := scanDecision(executor.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		return nil, mapError("lock active reservation", err)
	}
	return d, nil
}

// ReleaseReservation zeroes the reserved amounts and deactivates the reservation
func (r *DecisionRepository) ReleaseReservation(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE enforcement_decisions
		SET reserved_allocation_usd = 0, reserved_credit_usd = 0, reservation_active = false
		WHERE id = $1 AND reservation_active = true
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id)
	if err != nil {
		return mapError("release reservation", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("reservation for decision %s not active: %w", id, repositories.ErrNotFound)
	}

	r.logger.Debug("reservation released", zap.String("decision_id", id.String()))
	return nil
}

// AnnotateReconciliation stores the reconciliation outcome on the decision
func (r *DecisionRepository) AnnotateReconciliation(ctx context.Context, id uuid.UUID, outcome json.RawMessage) error {
	query := `
		UPDATE enforcement_decisions
		SET reconciliation = $1
		WHERE id = $2
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, []byte(outcome), id)
	if err != nil {
		return mapError("annotate reconciliation", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("decision %s: %w", id, repositories.ErrNotFound)
	}
	return nil
}

// ListOverdueReservations returns active reservations created before cutoff
func (r *DecisionRepository) ListOverdueReservations(ctx context.Context, cutoff time.Time, limit int) ([]*models.EnforcementDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + decisionColumns + `
		FROM enforcement_decisions
		WHERE reservation_active = true AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, mapError("list overdue reservations", err)
	}
	defer rows.Close()

	decisions := make([]*models.EnforcementDecision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return decisions, nil
}

// SetApprovalTokenIssued flags that a signed token was issued for the decision
func (r *DecisionRepository) SetApprovalTokenIssued(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE enforcement_decisions
		SET approval_token_issued = true
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id)
	if err != nil {
		return mapError("set approval token issued", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("decision %s: %w", id, repositories.ErrNotFound)
	}
	return nil
}

// CountWindow counts decisions for a tenant in [from, to)
func (r *DecisionRepository) CountWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM enforcement_decisions
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`

	executor := GetExecutor(ctx, r.db)
	var count int
	if err := executor.QueryRowContext(ctx, query, tenantID, from, to).Scan(&count); err != nil {
		return 0, mapError("count decisions", err)
	}
	return count, nil
}
