package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/services"
	"github.com/vantyr/costgate/services/notify"
)

// Config holds the evaluator's timeout and locking knobs
type Config struct {
	// LockTimeout bounds the wait for the per-policy evaluation lock
	LockTimeout time.Duration

	// EvalTimeout bounds one full evaluation including persistence
	EvalTimeout time.Duration
}

// EvaluationResult is the outcome of one gate call
type EvaluationResult struct {
	Decision *models.EnforcementDecision
	Approval *models.ApprovalRequest
	// Replayed is true when an existing decision was returned unchanged
	Replayed bool
	// FailSafe is true when the result came from the fail-safe path
	FailSafe bool
}

// Service evaluates change requests against tenant policy and budget.
// Evaluations for the same tenant serialize on an advisory lock; unrelated
// tenants never contend.
type Service struct {
	repos      *repositories.Repositories
	txMgr      repositories.TransactionManager
	dispatcher notify.Dispatcher
	cfg        Config
	logger     *zap.Logger
}

// NewService creates a gate evaluation service
func NewService(repos *repositories.Repositories, txMgr repositories.TransactionManager, dispatcher notify.Dispatcher, cfg Config, logger *zap.Logger) *Service {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 10 * time.Second
	}
	return &Service{
		repos:      repos,
		txMgr:      txMgr,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Evaluate runs the gate for one change request. The returned decision is
// always usable by the caller: evaluation timeouts and internal failures
// degrade to a deterministic mode-governed fail-safe outcome instead of an
// error, preserving idempotency throughout.
func (s *Service) Evaluate(ctx context.Context, tenantID uuid.UUID, actor string, source models.Source, input GateInput) (*EvaluationResult, error) {
	if err := validateInput(source, input); err != nil {
		return nil, err
	}

	env := models.NormalizeEnvironment(input.Environment)
	fingerprint := Fingerprint(source, env, input)
	idemKey := EffectiveIdempotencyKey(input, fingerprint)

	// Idempotent replay: an existing decision is returned unchanged with no
	// side effects, even if budgets moved since it was made.
	existing, err := s.repos.Decisions.FindByIdempotencyKey(ctx, tenantID, source, idemKey)
	if err != nil {
		return s.resolveFailSafe(ctx, tenantID, actor, source, env, input, fingerprint, idemKey, err)
	}
	if existing != nil {
		return s.replayResult(ctx, existing)
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.EvalTimeout)
	defer cancel()

	result, err := s.evaluateOnce(evalCtx, tenantID, actor, source, env, input, fingerprint, idemKey)
	if err != nil {
		if errors.Is(err, errIdempotencyRace) {
			winner, findErr := s.repos.Decisions.FindByIdempotencyKey(ctx, tenantID, source, idemKey)
			if findErr == nil && winner != nil {
				return s.replayResult(ctx, winner)
			}
			return nil, services.WrapInternal("failed to resolve idempotency race", findErr)
		}
		if services.IsValidationError(err) || services.IsConflictError(err) {
			return nil, err
		}
		return s.resolveFailSafe(ctx, tenantID, actor, source, env, input, fingerprint, idemKey, err)
	}
	s.notifyApprovalPending(ctx, result)
	return result, nil
}

func validateInput(source models.Source, input GateInput) error {
	if !source.Valid() {
		return services.ErrInvalidSource.WithDetail("source", string(source))
	}
	if input.Action == "" {
		return services.ErrInvalidInput.WithDetail("field", "action")
	}
	if input.ResourceRef == "" {
		return services.ErrInvalidInput.WithDetail("field", "resource_ref")
	}
	if input.MonthlyDeltaUSD.IsNegative() || input.HourlyDeltaUSD.IsNegative() {
		return services.ErrInvalidAmount
	}
	if len(input.IdempotencyKey) > models.MaxIdempotencyKeyLength {
		return services.ErrIdempotencyKeyTooLong.WithDetail("max_length", models.MaxIdempotencyKeyLength)
	}
	return nil
}

func (s *Service) evaluateOnce(ctx context.Context, tenantID uuid.UUID, actor string, source models.Source, env models.Environment, input GateInput, fingerprint, idemKey string) (*EvaluationResult, error) {
	policy, err := s.repos.Policies.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, services.WrapInternal("failed to load gate policy", err)
	}

	mode := policy.Modes.Resolve(source, env)
	risk := policy.RiskScoring.Classify(input.Action, input.Metadata)
	monthlyDelta := models.QuantizeMonthlyUSD(input.MonthlyDeltaUSD)

	decision := &models.EnforcementDecision{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Source:             source,
		Environment:        env,
		Scope:              scopeOrDefault(input.Scope),
		Action:             input.Action,
		ResourceRef:        input.ResourceRef,
		RiskClass:          risk,
		PolicyVersion:      policy.PolicyVersion,
		RequestFingerprint: fingerprint,
		IdempotencyKey:     idemKey,
		MonthlyDeltaUSD:    monthlyDelta,
		HourlyDeltaUSD:     models.QuantizeHourlyUSD(input.HourlyDeltaUSD),
		CreatedAt:          time.Now().UTC(),
	}
	decision.RequestPayload, _ = json.Marshal(input)

	if monthlyDelta.GreaterThan(policy.HardDenyCeilingUSD) {
		decision.Decision = ModeViolationDecision(mode)
		decision.ReasonCodes = []string{models.ReasonHardDenyExceeded}
		if mode == models.ModeShadow {
			decision.ReasonCodes = models.AppendReason(decision.ReasonCodes, models.ReasonShadowMode)
		}
		return s.finalize(ctx, policy, mode, actor, input, decision)
	}

	// The waterfall reads headroom and the persist step reserves against it;
	// both happen inside one transaction under the policy lock so concurrent
	// evaluations for the same tenant cannot double-spend headroom.
	return s.reserveAndPersist(ctx, policy, mode, actor, input, decision)
}

// finalize handles decisions that skip the waterfall (hard-deny ceiling).
// They reserve nothing but still persist under the same lock discipline.
func (s *Service) finalize(ctx context.Context, policy *models.GatePolicy, mode models.EnforcementMode, actor string, input GateInput, decision *models.EnforcementDecision) (*EvaluationResult, error) {
	decision.ApprovalRequired = decision.Decision == models.DecisionRequireApproval
	return s.persist(ctx, policy, mode, actor, input, decision)
}

func (s *Service) reserveAndPersist(ctx context.Context, policy *models.GatePolicy, mode models.EnforcementMode, actor string, input GateInput, decision *models.EnforcementDecision) (*EvaluationResult, error) {
	return services.WithTransactionResult(ctx, s.txMgr, func(txCtx context.Context, _ repositories.Transaction) (*EvaluationResult, error) {
		if err := s.repos.Policies.AcquireEvaluationLock(txCtx, policy.ID, s.cfg.LockTimeout, true); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		headroom, err := s.repos.Budgets.Headroom(txCtx, decision.TenantID, decision.Scope, now)
		if err != nil {
			return nil, services.WrapInternal("failed to compute budget headroom", err)
		}
		decision.AllocationHeadroom = headroom.Allocation
		decision.CreditsHeadroom = models.QuantizeMonthlyUSD(headroom.Credits)

		wf := Waterfall(decision.MonthlyDeltaUSD, *headroom, mode)
		decision.Decision = wf.Decision
		for _, code := range wf.ReasonCodes {
			decision.ReasonCodes = models.AppendReason(decision.ReasonCodes, code)
		}
		decision.ReservedAllocation = wf.ReservedAllocation
		decision.ReservedCredit = wf.ReservedCredit

		// Approval upgrade: allowed decisions above the auto-approve ceiling
		// still need a human when policy demands one. Shadow never blocks.
		if mode != models.ModeShadow && s.approvalRequired(policy, decision) {
			decision.Decision = models.DecisionRequireApproval
			decision.ReasonCodes = models.AppendReason(decision.ReasonCodes, models.ReasonApprovalRequired)
		}
		decision.ApprovalRequired = decision.Decision == models.DecisionRequireApproval

		return s.persistInTx(txCtx, policy, mode, actor, input, decision)
	})
}

func (s *Service) approvalRequired(policy *models.GatePolicy, decision *models.EnforcementDecision) bool {
	if decision.Decision != models.DecisionAllow && decision.Decision != models.DecisionAllowWithCredits {
		return false
	}
	required := policy.RequireApprovalNonprod
	if decision.Environment == models.EnvProd {
		required = policy.RequireApprovalProd
	}
	return required && decision.MonthlyDeltaUSD.GreaterThan(policy.AutoApproveCeilingUSD)
}

// persist wraps persistInTx in its own transaction for the paths that did
// not already open one.
func (s *Service) persist(ctx context.Context, policy *models.GatePolicy, mode models.EnforcementMode, actor string, input GateInput, decision *models.EnforcementDecision) (*EvaluationResult, error) {
	return services.WithTransactionResult(ctx, s.txMgr, func(txCtx context.Context, _ repositories.Transaction) (*EvaluationResult, error) {
		if err := s.repos.Policies.AcquireEvaluationLock(txCtx, policy.ID, s.cfg.LockTimeout, true); err != nil {
			return nil, err
		}
		return s.persistInTx(txCtx, policy, mode, actor, input, decision)
	})
}

func (s *Service) persistInTx(txCtx context.Context, policy *models.GatePolicy, mode models.EnforcementMode, actor string, input GateInput, decision *models.EnforcementDecision) (*EvaluationResult, error) {
	// Dry runs never touch storage and shadow mode never reserves: the
	// decision is recorded for audit but holds no budget.
	if input.DryRun {
		decision.ResponsePayload = responsePayload(decision)
		return &EvaluationResult{Decision: decision}, nil
	}

	if mode != models.ModeShadow && !decision.TotalReserved().IsZero() && decision.Decision != models.DecisionDeny {
		decision.ReservationActive = true
		if decision.ReservedCredit.IsPositive() {
			now := time.Now().UTC()
			if err := s.repos.Budgets.DebitCredits(txCtx, decision.TenantID, decision.Scope, decision.ReservedCredit, now); err != nil {
				return nil, services.WrapInternal("failed to debit credit grants", err)
			}
		}
	}
	if mode == models.ModeShadow {
		decision.ReservedAllocation = decimal.Zero
		decision.ReservedCredit = decimal.Zero
	}
	decision.ResponsePayload = responsePayload(decision)

	if err := s.repos.Decisions.Insert(txCtx, decision); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			// Lost the idempotency race: the transaction rolls back and the
			// winner's row is returned instead.
			return nil, errIdempotencyRace
		}
		return nil, services.WrapInternal("failed to persist decision", err)
	}

	if err := s.repos.Ledger.Insert(txCtx, models.NewLedgerEntry(decision)); err != nil {
		return nil, services.WrapInternal("failed to append ledger entry", err)
	}

	result := &EvaluationResult{Decision: decision}
	if decision.ApprovalRequired && mode != models.ModeShadow {
		matched := ""
		if rule := policy.MatchRoutingRule(decision.Environment, decision.Action, decision.RiskClass, decision.MonthlyDeltaUSD); rule != nil {
			matched = rule.Name
		}
		ttl := time.Duration(policy.ApprovalTTLSeconds) * time.Second
		approval := models.NewApprovalRequest(decision.TenantID, decision.ID, actor, matched, ttl)
		if err := s.repos.Approvals.Create(txCtx, approval); err != nil {
			return nil, services.WrapInternal("failed to create approval request", err)
		}
		result.Approval = approval
	}
	return result, nil
}

// errIdempotencyRace signals a lost insert race so the caller re-reads the
// winning row after the transaction rolls back.
var errIdempotencyRace = errors.New("idempotency race lost")

func (s *Service) replayResult(ctx context.Context, decision *models.EnforcementDecision) (*EvaluationResult, error) {
	result := &EvaluationResult{Decision: decision, Replayed: true}
	if decision.ApprovalRequired {
		approval, err := s.repos.Approvals.GetByDecisionID(ctx, decision.TenantID, decision.ID)
		if err == nil {
			result.Approval = approval
		} else if !errors.Is(err, repositories.ErrNotFound) {
			s.logger.Warn("failed to load approval for replayed decision",
				zap.String("decision_id", decision.ID.String()), zap.Error(err))
		}
	}
	return result, nil
}

func scopeOrDefault(scope string) string {
	if scope == "" {
		return models.DefaultScope
	}
	return scope
}

func responsePayload(d *models.EnforcementDecision) json.RawMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"decision":           d.Decision,
		"reason_codes":       d.ReasonCodes,
		"policy_version":     d.PolicyVersion,
		"approval_required":  d.ApprovalRequired,
		"reservation_active": d.ReservationActive,
	})
	return payload
}

// notifyApprovalPending emits a fire-and-forget alert for a new pending
// approval. Dispatcher failures never propagate.
func (s *Service) notifyApprovalPending(ctx context.Context, result *EvaluationResult) {
	if result.Approval == nil || s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(ctx, notify.Event{
		Kind:     notify.KindApprovalPending,
		TenantID: result.Decision.TenantID,
		Subject:  result.Decision.ResourceRef,
		Message:  fmt.Sprintf("approval required for %s (%s)", result.Decision.Action, result.Decision.ResourceRef),
		Fields: map[string]interface{}{
			"decision_id":       result.Decision.ID.String(),
			"approval_id":       result.Approval.ID.String(),
			"monthly_delta_usd": result.Decision.MonthlyDeltaUSD.StringFixed(4),
		},
	})
}
