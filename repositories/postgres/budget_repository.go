package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"go.uber.org/zap"
)

// BudgetRepository implements the repositories.BudgetRepository interface
type BudgetRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewBudgetRepository creates a new budget repository
func NewBudgetRepository(db *DB, logger *zap.Logger) repositories.BudgetRepository {
	return &BudgetRepository{
		db:     db,
		logger: logger,
	}
}

const allocationColumns = `id, tenant_id, scope, monthly_limit_usd, active, created_at, updated_at`
const creditColumns = `id, tenant_id, scope, total_usd, remaining_usd, expires_at, active, created_at, updated_at`

// GetAllocation returns the active allocation for a scope, falling back to
// the default scope
func (r *BudgetRepository) GetAllocation(ctx context.Context, tenantID uuid.UUID, scope string) (*models.BudgetAllocation, error) {
	query := `
		SELECT ` + allocationColumns + `
		FROM budget_allocations
		WHERE tenant_id = $1 AND scope IN ($2, $3) AND active = true
		ORDER BY CASE WHEN scope = $2 THEN 0 ELSE 1 END
		LIMIT 1
	`

	executor := GetExecutor(ctx, r.db)
	alloc := &models.BudgetAllocation{}
	err := executor.QueryRowContext(ctx, query, tenantID, scope, models.DefaultScope).Scan(
		&alloc.ID,
		&alloc.TenantID,
		&alloc.Scope,
		&alloc.MonthlyLimitUSD,
		&alloc.Active,
		&alloc.CreatedAt,
		&alloc.UpdatedAt,
	)
	if err != nil {
		return nil, mapError("get budget allocation", err)
	}
	return alloc, nil
}

// ListAllocations returns all allocations for a tenant
func (r *BudgetRepository) ListAllocations(ctx context.Context, tenantID uuid.UUID) ([]*models.BudgetAllocation, error) {
	query := `
		SELECT ` + allocationColumns + `
		FROM budget_allocations
		WHERE tenant_id = $1
		ORDER BY scope
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, mapError("list budget allocations", err)
	}
	defer rows.Close()

	allocations := make([]*models.BudgetAllocation, 0)
	for rows.Next() {
		alloc := &models.BudgetAllocation{}
		if err := rows.Scan(
			&alloc.ID,
			&alloc.TenantID,
			&alloc.Scope,
			&alloc.MonthlyLimitUSD,
			&alloc.Active,
			&alloc.CreatedAt,
			&alloc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocations = append(allocations, alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}
	return allocations, nil
}

// UpsertAllocation creates or replaces the allocation for a scope
func (r *BudgetRepository) UpsertAllocation(ctx context.Context, alloc *models.BudgetAllocation) error {
	query := `
		INSERT INTO budget_allocations (` + allocationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, scope)
		DO UPDATE SET
			monthly_limit_usd = EXCLUDED.monthly_limit_usd,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		alloc.ID,
		alloc.TenantID,
		alloc.Scope,
		alloc.MonthlyLimitUSD,
		alloc.Active,
		alloc.CreatedAt,
		alloc.UpdatedAt,
	)
	if err != nil {
		return mapError("upsert budget allocation", err)
	}

	r.logger.Debug("budget allocation upserted",
		zap.String("tenant_id", alloc.TenantID.String()),
		zap.String("scope", alloc.Scope))
	return nil
}

// CreateCredit inserts a new credit grant
func (r *BudgetRepository) CreateCredit(ctx context.Context, grant *models.CreditGrant) error {
	query := `
		INSERT INTO credit_grants (` + creditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		grant.ID,
		grant.TenantID,
		grant.Scope,
		grant.TotalUSD,
		grant.RemainingUSD,
		grant.ExpiresAt,
		grant.Active,
		grant.CreatedAt,
		grant.UpdatedAt,
	)
	if err != nil {
		return mapError("create credit grant", err)
	}

	r.logger.Debug("credit grant created",
		zap.String("tenant_id", grant.TenantID.String()),
		zap.String("scope", grant.Scope),
		zap.String("total_usd", grant.TotalUSD.String()))
	return nil
}

// ListCredits returns credit grants for a tenant, optionally scoped
func (r *BudgetRepository) ListCredits(ctx context.Context, tenantID uuid.UUID, scope string) ([]*models.CreditGrant, error) {
	query := `
		SELECT ` + creditColumns + `
		FROM credit_grants
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	if scope != "" {
		query += ` AND scope = $2`
		args = append(args, scope)
	}
	query += ` ORDER BY expires_at NULLS LAST, created_at`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list credit grants", err)
	}
	defer rows.Close()

	grants := make([]*models.CreditGrant, 0)
	for rows.Next() {
		grant := &models.CreditGrant{}
		if err := rows.Scan(
			&grant.ID,
			&grant.TenantID,
			&grant.Scope,
			&grant.TotalUSD,
			&grant.RemainingUSD,
			&grant.ExpiresAt,
			&grant.Active,
			&grant.CreatedAt,
			&grant.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan credit grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit grants: %w", err)
	}
	return grants, nil
}

// Headroom computes the budget headroom snapshot for a scope. Allocation
// headroom is the monthly limit minus active reservations for the current
// month; nil when no allocation is configured. Credit headroom is the sum of
// usable grant remainders.
func (r *BudgetRepository) Headroom(ctx context.Context, tenantID uuid.UUID, scope string, now time.Time) (*models.BudgetHeadroom, error) {
	executor := GetExecutor(ctx, r.db)
	headroom := &models.BudgetHeadroom{Credits: decimal.Zero}

	alloc, err := r.GetAllocation(ctx, tenantID, scope)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	if alloc != nil {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		reservedQuery := `
			SELECT COALESCE(SUM(reserved_allocation_usd), 0)
			FROM enforcement_decisions
			WHERE tenant_id = $1 AND scope = $2 AND reservation_active = true AND created_at >= $3
		`
		var reserved decimal.Decimal
		if err := executor.QueryRowContext(ctx, reservedQuery, tenantID, scope, monthStart).Scan(&reserved); err != nil {
			return nil, mapError("sum reserved allocation", err)
		}
		available := alloc.MonthlyLimitUSD.Sub(reserved)
		if available.IsNegative() {
			available = decimal.Zero
		}
		headroom.Allocation = &available
	}

	creditQuery := `
		SELECT COALESCE(SUM(remaining_usd), 0)
		FROM credit_grants
		WHERE tenant_id = $1 AND scope IN ($2, $3) AND active = true
		  AND (expires_at IS NULL OR expires_at > $4)
	`
	if err := executor.QueryRowContext(ctx, creditQuery, tenantID, scope, models.DefaultScope, now).Scan(&headroom.Credits); err != nil {
		return nil, mapError("sum credit headroom", err)
	}

	return headroom, nil
}

// DebitCredits consumes amount from usable grants in soonest-expiry order
func (r *BudgetRepository) DebitCredits(ctx context.Context, tenantID uuid.UUID, scope string, amount decimal.Decimal, now time.Time) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	executor := GetExecutor(ctx, r.db)
	query := `
		SELECT id, remaining_usd
		FROM credit_grants
		WHERE tenant_id = $1 AND scope IN ($2, $3) AND active = true
		  AND remaining_usd > 0
		  AND (expires_at IS NULL OR expires_at > $4)
		ORDER BY expires_at NULLS LAST, created_at
		FOR UPDATE
	`

	rows, err := executor.QueryContext(ctx, query, tenantID, scope, models.DefaultScope, now)
	if err != nil {
		return mapError("select credit grants for debit", err)
	}

	type grantSlice struct {
		id        uuid.UUID
		remaining decimal.Decimal
	}
	var grants []grantSlice
	for rows.Next() {
		var g grantSlice
		if err := rows.Scan(&g.id, &g.remaining); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan credit grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating credit grants: %w", err)
	}
	rows.Close()

	left := amount
	for _, g := range grants {
		if left.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(left, g.remaining)
		if _, err := executor.ExecContext(ctx,
			`UPDATE credit_grants SET remaining_usd = remaining_usd - $1, updated_at = $2 WHERE id = $3`,
			take, now, g.id,
		); err != nil {
			return mapError("debit credit grant", err)
		}
		left = left.Sub(take)
	}

	if left.GreaterThan(decimal.Zero) {
		return fmt.Errorf("insufficient credit: %s short debiting %s for tenant %s scope %s",
			left, amount, tenantID, scope)
	}
	return nil
}

// CreditBack restores amount across the tenant's active grants, filling
// each grant's debited room (total minus remaining), latest expiry first
// so long-lived credit is replenished before soon-expiring credit. Nothing
// is created and no grant exceeds its total. Credit that no longer has a
// grant to return to, because grants were deactivated or drained away in
// the meantime, is logged; the release itself must not fail.
func (r *BudgetRepository) CreditBack(ctx context.Context, tenantID uuid.UUID, scope string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	executor := GetExecutor(ctx, r.db)
	now := time.Now().UTC()
	query := `
		SELECT id, total_usd, remaining_usd
		FROM credit_grants
		WHERE tenant_id = $1 AND scope IN ($2, $3) AND active = true
		  AND remaining_usd < total_usd
		  AND (expires_at IS NULL OR expires_at > $4)
		ORDER BY expires_at DESC NULLS FIRST, created_at DESC
		FOR UPDATE
	`

	rows, err := executor.QueryContext(ctx, query, tenantID, scope, models.DefaultScope, now)
	if err != nil {
		return mapError("select credit grants for credit back", err)
	}

	type grantRoom struct {
		id        uuid.UUID
		total     decimal.Decimal
		remaining decimal.Decimal
	}
	var grants []grantRoom
	for rows.Next() {
		var g grantRoom
		if err := rows.Scan(&g.id, &g.total, &g.remaining); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan credit grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating credit grants: %w", err)
	}
	rows.Close()

	left := amount
	for _, g := range grants {
		if left.LessThanOrEqual(decimal.Zero) {
			break
		}
		give := decimal.Min(left, g.total.Sub(g.remaining))
		if _, err := executor.ExecContext(ctx,
			`UPDATE credit_grants SET remaining_usd = remaining_usd + $1, updated_at = $2 WHERE id = $3`,
			give, now, g.id,
		); err != nil {
			return mapError("credit back grant", err)
		}
		left = left.Sub(give)
	}

	if left.GreaterThan(decimal.Zero) {
		r.logger.Warn("credit back exceeds remaining grant capacity",
			zap.String("tenant_id", tenantID.String()),
			zap.String("scope", scope),
			zap.String("amount_usd", amount.String()),
			zap.String("unreturned_usd", left.String()))
	}
	return nil
}
