package gate

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
)

// resolveFailSafe degrades a failed or timed-out evaluation to a
// deterministic, mode-governed outcome. It never reserves budget and it
// honors the idempotency contract: the synthesized decision is persisted
// best-effort, and a concurrent winner's row takes precedence.
func (s *Service) resolveFailSafe(ctx context.Context, tenantID uuid.UUID, actor string, source models.Source, env models.Environment, input GateInput, fingerprint, idemKey string, cause error) (*EvaluationResult, error) {
	reason := models.ReasonGateEvaluationError
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, repositories.ErrLockTimeout) {
		reason = models.ReasonGateTimeout
	}

	mode := models.ModeHard
	policyVersion := 0
	if policy, err := s.repos.Policies.GetByTenant(ctx, tenantID); err == nil {
		mode = policy.Modes.Resolve(source, env)
		policyVersion = policy.PolicyVersion
	}

	s.logger.Error("gate evaluation degraded to fail-safe",
		zap.String("tenant_id", tenantID.String()),
		zap.String("source", string(source)),
		zap.String("reason", reason),
		zap.String("mode", string(mode)),
		zap.Error(cause),
	)

	decision := &models.EnforcementDecision{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Source:             source,
		Environment:        env,
		Scope:              scopeOrDefault(input.Scope),
		Action:             input.Action,
		ResourceRef:        input.ResourceRef,
		Decision:           ModeViolationDecision(mode),
		ReasonCodes:        []string{reason},
		RiskClass:          models.RiskLow,
		PolicyVersion:      policyVersion,
		RequestFingerprint: fingerprint,
		IdempotencyKey:     idemKey,
		MonthlyDeltaUSD:    models.QuantizeMonthlyUSD(input.MonthlyDeltaUSD),
		HourlyDeltaUSD:     models.QuantizeHourlyUSD(input.HourlyDeltaUSD),
		CreatedAt:          time.Now().UTC(),
	}
	decision.ApprovalRequired = decision.Decision == models.DecisionRequireApproval
	decision.RequestPayload, _ = json.Marshal(input)
	decision.ResponsePayload = responsePayload(decision)

	result := &EvaluationResult{Decision: decision, FailSafe: true}
	if input.DryRun {
		return result, nil
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := services.WithTransaction(persistCtx, s.txMgr, func(txCtx context.Context, _ repositories.Transaction) error {
		if err := s.repos.Decisions.Insert(txCtx, decision); err != nil {
			return err
		}
		if decision.ApprovalRequired {
			ttl := time.Duration(models.NewDefaultGatePolicy(tenantID).ApprovalTTLSeconds) * time.Second
			approval := models.NewApprovalRequest(tenantID, decision.ID, actor, "", ttl)
			if err := s.repos.Approvals.Create(txCtx, approval); err != nil {
				return err
			}
			result.Approval = approval
		}
		return s.repos.Ledger.Insert(txCtx, models.NewLedgerEntry(decision))
	})
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			if winner, findErr := s.repos.Decisions.FindByIdempotencyKey(persistCtx, tenantID, source, idemKey); findErr == nil && winner != nil {
				replay, replayErr := s.replayResult(persistCtx, winner)
				if replayErr == nil {
					replay.FailSafe = true
					return replay, nil
				}
			}
		}
		// The caller still gets a deterministic decision even when the
		// fail-safe record could not be written.
		s.logger.Error("failed to persist fail-safe decision",
			zap.String("tenant_id", tenantID.String()), zap.Error(err))
		result.Approval = nil
	}
	return result, nil
}
