package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/vantyr/costgate/repositories"
	"go.uber.org/zap"
)

// ReconciliationRepository implements repositories.ReconciliationRepository
type ReconciliationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewReconciliationRepository creates a new reconciliation record repository
func NewReconciliationRepository(db *DB, logger *zap.Logger) repositories.ReconciliationRepository {
	return &ReconciliationRepository{
		db:     db,
		logger: logger,
	}
}

// FindByKey returns the record for (tenant, idempotency_key), or (nil, nil)
func (r *ReconciliationRepository) FindByKey(ctx context.Context, tenantID uuid.UUID, key string) (*repositories.ReconciliationRecord, error) {
	query := `
		SELECT id, tenant_id, decision_id, idempotency_key, input_hash, outcome, created_at
		FROM reconciliation_records
		WHERE tenant_id = $1 AND idempotency_key = $2
	`

	executor := GetExecutor(ctx, r.db)
	record := &repositories.ReconciliationRecord{}
	var outcome []byte
	err := executor.QueryRowContext(ctx, query, tenantID, key).Scan(
		&record.ID,
		&record.TenantID,
		&record.DecisionID,
		&record.IdempotencyKey,
		&record.InputHash,
		&outcome,
		&record.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find reconciliation record", err)
	}
	record.Outcome = json.RawMessage(outcome)
	return record, nil
}

// Insert persists a reconciliation record
func (r *ReconciliationRepository) Insert(ctx context.Context, record *repositories.ReconciliationRecord) error {
	query := `
		INSERT INTO reconciliation_records (id, tenant_id, decision_id, idempotency_key, input_hash, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		record.ID,
		record.TenantID,
		record.DecisionID,
		record.IdempotencyKey,
		record.InputHash,
		[]byte(record.Outcome),
		record.CreatedAt,
	)
	if err != nil {
		return mapError("insert reconciliation record", err)
	}

	r.logger.Debug("reconciliation record stored",
		zap.String("decision_id", record.DecisionID.String()),
		zap.String("idempotency_key", record.IdempotencyKey))
	return nil
}
