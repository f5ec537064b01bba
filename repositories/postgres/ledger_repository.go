package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"go.uber.org/zap"
)

// LedgerRepository implements the repositories.LedgerRepository interface.
// The decision_ledger table carries BEFORE UPDATE / BEFORE DELETE triggers
// that raise, so immutability holds even against direct SQL; this type
// simply never issues either statement.
type LedgerRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB, logger *zap.Logger) repositories.LedgerRepository {
	return &LedgerRepository{
		db:     db,
		logger: logger,
	}
}

const ledgerColumns = `id, tenant_id, decision_id, source, environment, decision, policy_version,
		request_fingerprint, request_hash, response_hash,
		reserved_allocation_usd, reserved_credit_usd, recorded_at`

// Insert appends a ledger entry
func (r *LedgerRepository) Insert(ctx context.Context, entry *models.DecisionLedgerEntry) error {
	query := `
		INSERT INTO decision_ledger (` + ledgerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.DecisionID,
		entry.Source,
		entry.Environment,
		entry.Decision,
		entry.PolicyVersion,
		entry.RequestFingerprint,
		entry.RequestHash,
		entry.ResponseHash,
		entry.ReservedAllocation,
		entry.ReservedCredit,
		entry.RecordedAt,
	)
	if err != nil {
		return mapError("insert ledger entry", err)
	}

	r.logger.Debug("ledger entry appended",
		zap.String("decision_id", entry.DecisionID.String()))
	return nil
}

// ListWindow returns ledger entries for a tenant in [from, to), oldest first
func (r *LedgerRepository) ListWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]*models.DecisionLedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM decision_ledger
		WHERE tenant_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER BY recorded_at
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, mapError("list ledger window", err)
	}
	defer rows.Close()

	entries := make([]*models.DecisionLedgerEntry, 0)
	for rows.Next() {
		entry := &models.DecisionLedgerEntry{}
		if err := rows.Scan(
			&entry.ID,
			&entry.TenantID,
			&entry.DecisionID,
			&entry.Source,
			&entry.Environment,
			&entry.Decision,
			&entry.PolicyVersion,
			&entry.RequestFingerprint,
			&entry.RequestHash,
			&entry.ResponseHash,
			&entry.ReservedAllocation,
			&entry.ReservedCredit,
			&entry.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// CountWindow counts ledger entries for a tenant in [from, to)
func (r *LedgerRepository) CountWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM decision_ledger
		WHERE tenant_id = $1 AND recorded_at >= $2 AND recorded_at < $3
	`

	executor := GetExecutor(ctx, r.db)
	var count int
	if err := executor.QueryRowContext(ctx, query, tenantID, from, to).Scan(&count); err != nil {
		return 0, mapError("count ledger window", err)
	}
	return count, nil
}
