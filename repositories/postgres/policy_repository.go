package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"go.uber.org/zap"
)

// PolicyRepository implements the repositories.PolicyRepository interface
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

const policyColumns = `id, tenant_id, modes, require_approval_prod, require_approval_nonprod,
		auto_approve_ceiling_usd, hard_deny_ceiling_usd, approval_ttl_seconds,
		routing_rules, risk_scoring, policy_version, created_at, updated_at`

// GetByTenant retrieves the tenant's policy
func (r *PolicyRepository) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*models.GatePolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM gate_policies
		WHERE tenant_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	return scanPolicy(executor.QueryRowContext(ctx, query, tenantID))
}

// GetOrCreate retrieves the tenant's policy, creating the default on first use
func (r *PolicyRepository) GetOrCreate(ctx context.Context, tenantID uuid.UUID) (*models.GatePolicy, error) {
	policy, err := r.GetByTenant(ctx, tenantID)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	policy = models.NewDefaultGatePolicy(tenantID)
	if err := r.insert(ctx, policy); err != nil {
		// Lost the first-use race: another evaluator created the row.
		if errors.Is(err, repositories.ErrDuplicate) {
			return r.GetByTenant(ctx, tenantID)
		}
		return nil, err
	}

	r.logger.Info("created default gate policy",
		zap.String("tenant_id", tenantID.String()),
		zap.String("policy_id", policy.ID.String()))
	return policy, nil
}

func (r *PolicyRepository) insert(ctx context.Context, policy *models.GatePolicy) error {
	modes, rules, scoring, err := policy.MarshalConfig()
	if err != nil {
		return fmt.Errorf("failed to marshal policy config: %w", err)
	}

	query := `
		INSERT INTO gate_policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		policy.ID,
		policy.TenantID,
		modes,
		policy.RequireApprovalProd,
		policy.RequireApprovalNonprod,
		policy.AutoApproveCeilingUSD,
		policy.HardDenyCeilingUSD,
		policy.ApprovalTTLSeconds,
		rules,
		scoring,
		policy.PolicyVersion,
		policy.CreatedAt,
		policy.UpdatedAt,
	)
	return mapError("insert gate policy", err)
}

// Update persists policy changes conditional on the previously read version
// and bumps policy_version
func (r *PolicyRepository) Update(ctx context.Context, policy *models.GatePolicy) error {
	modes, rules, scoring, err := policy.MarshalConfig()
	if err != nil {
		return fmt.Errorf("failed to marshal policy config: %w", err)
	}

	query := `
		UPDATE gate_policies
		SET modes = $1,
			require_approval_prod = $2,
			require_approval_nonprod = $3,
			auto_approve_ceiling_usd = $4,
			hard_deny_ceiling_usd = $5,
			approval_ttl_seconds = $6,
			routing_rules = $7,
			risk_scoring = $8,
			policy_version = policy_version + 1,
			updated_at = $9
		WHERE id = $10 AND policy_version = $11
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		modes,
		policy.RequireApprovalProd,
		policy.RequireApprovalNonprod,
		policy.AutoApproveCeilingUSD,
		policy.HardDenyCeilingUSD,
		policy.ApprovalTTLSeconds,
		rules,
		scoring,
		time.Now().UTC(),
		policy.ID,
		policy.PolicyVersion,
	)
	if err != nil {
		return mapError("update gate policy", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("policy %s version %d: %w", policy.ID, policy.PolicyVersion, repositories.ErrDuplicate)
	}

	policy.PolicyVersion++
	r.logger.Debug("gate policy updated",
		zap.String("policy_id", policy.ID.String()),
		zap.Int("policy_version", policy.PolicyVersion))
	return nil
}

// AcquireEvaluationLock takes the per-policy advisory lock for the current
// transaction
func (r *PolicyRepository) AcquireEvaluationLock(ctx context.Context, policyID uuid.UUID, timeout time.Duration, wait bool) error {
	executor := GetExecutor(ctx, r.db)
	return acquireAdvisoryLock(ctx, executor, policyLockKey(policyID), timeout, wait)
}

func scanPolicy(row *sql.Row) (*models.GatePolicy, error) {
	policy := &models.GatePolicy{}
	var modes, rules, scoring []byte

	err := row.Scan(
		&policy.ID,
		&policy.TenantID,
		&modes,
		&policy.RequireApprovalProd,
		&policy.RequireApprovalNonprod,
		&policy.AutoApproveCeilingUSD,
		&policy.HardDenyCeilingUSD,
		&policy.ApprovalTTLSeconds,
		&rules,
		&scoring,
		&policy.PolicyVersion,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if err != nil {
		return nil, mapError("get gate policy", err)
	}

	if err := json.Unmarshal(modes, &policy.Modes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mode matrix: %w", err)
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &policy.RoutingRules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal routing rules: %w", err)
		}
	}
	if len(scoring) > 0 {
		if err := json.Unmarshal(scoring, &policy.RiskScoring); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk scoring: %w", err)
		}
	}
	return policy, nil
}
