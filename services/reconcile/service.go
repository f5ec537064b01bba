package reconcile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
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
	"github.com/vantyr/costgate/services/billing"
	"github.com/vantyr/costgate/services/notify"
)

// Config holds reconciliation policy knobs
type Config struct {
	// DriftTolerance is the band within which actual and reserved spend are
	// considered matched
	DriftTolerance decimal.Decimal

	// OverdueAfter is how long a reservation may stay active before the
	// overdue sweep auto-releases it
	OverdueAfter time.Duration

	// VarianceAlertMinUSD is the absolute drift above which a variance
	// alert is dispatched
	VarianceAlertMinUSD decimal.Decimal

	// OverdueBatchSize caps one sweep's work
	OverdueBatchSize int
}

// DefaultConfig returns the stock reconciliation settings
func DefaultConfig() Config {
	return Config{
		DriftTolerance:      decimal.RequireFromString("0.0001"),
		OverdueAfter:        14 * 24 * time.Hour,
		VarianceAlertMinUSD: decimal.NewFromInt(100),
		OverdueBatchSize:    100,
	}
}

// Request is one reconciliation submission
type Request struct {
	DecisionID       uuid.UUID
	ActualMonthlyUSD *decimal.Decimal
	IdempotencyKey   string
}

// Service settles active reservations against actual spend. Reconciliation
// annotates the decision and releases the reservation; ledger entries are
// never mutated.
type Service struct {
	repos      *repositories.Repositories
	txMgr      repositories.TransactionManager
	billing    billing.Reader
	dispatcher notify.Dispatcher
	cfg        Config
	logger     *zap.Logger
}

// NewService creates a reconciliation service
func NewService(repos *repositories.Repositories, txMgr repositories.TransactionManager, reader billing.Reader, dispatcher notify.Dispatcher, cfg Config, logger *zap.Logger) *Service {
	if cfg.DriftTolerance.IsZero() {
		cfg.DriftTolerance = DefaultConfig().DriftTolerance
	}
	if cfg.OverdueAfter <= 0 {
		cfg.OverdueAfter = DefaultConfig().OverdueAfter
	}
	if cfg.OverdueBatchSize <= 0 {
		cfg.OverdueBatchSize = DefaultConfig().OverdueBatchSize
	}
	return &Service{
		repos:      repos,
		txMgr:      txMgr,
		billing:    reader,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Reconcile settles one decision's reservation against actual spend. When
// the request omits the actual figure it is read from the billing ledger.
// Replaying the same idempotency key with identical inputs returns the prior
// outcome; mismatched inputs against a replayed key is a conflict.
func (s *Service) Reconcile(ctx context.Context, tenantID uuid.UUID, req Request) (*models.ReconciliationOutcome, error) {
	if req.IdempotencyKey == "" {
		return nil, services.ErrInvalidInput.WithDetail("field", "idempotency_key")
	}
	if len(req.IdempotencyKey) > models.MaxIdempotencyKeyLength {
		return nil, services.ErrIdempotencyKeyTooLong
	}
	if req.ActualMonthlyUSD != nil && req.ActualMonthlyUSD.IsNegative() {
		return nil, services.ErrInvalidAmount
	}

	decision, err := s.repos.Decisions.GetByID(ctx, tenantID, req.DecisionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrDecisionNotFound
		}
		return nil, services.WrapInternal("failed to load decision", err)
	}

	actual := decimal.Zero
	if req.ActualMonthlyUSD != nil {
		actual = models.QuantizeMonthlyUSD(*req.ActualMonthlyUSD)
	} else {
		spend, err := s.billing.ActualMonthlySpend(ctx, tenantID, decision.Scope, decision.ResourceRef)
		if err != nil {
			return nil, services.WrapInternal("failed to read actual spend", err)
		}
		actual = models.QuantizeMonthlyUSD(spend)
	}

	inputHash := reconciliationInputHash(req.DecisionID, actual)

	// Idempotent replay check before taking any lock
	if prior, err := s.repos.Reconciliations.FindByKey(ctx, tenantID, req.IdempotencyKey); err != nil {
		return nil, services.WrapInternal("failed to check reconciliation history", err)
	} else if prior != nil {
		return s.replay(prior, inputHash)
	}

	outcome := &models.ReconciliationOutcome{
		IdempotencyKey:   req.IdempotencyKey,
		ActualMonthlyUSD: actual,
		ReconciledAt:     time.Now().UTC(),
	}

	err = services.WithTransaction(ctx, s.txMgr, func(txCtx context.Context, _ repositories.Transaction) error {
		locked, err := s.repos.Decisions.GetActiveReservationForUpdate(txCtx, tenantID, req.DecisionID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return services.ErrReservationReleased
			}
			return err
		}

		reserved := locked.TotalReserved()
		outcome.DriftUSD = actual.Sub(reserved)
		outcome.Classification = classifyDrift(outcome.DriftUSD, s.cfg.DriftTolerance)

		if locked.ReservedCredit.IsPositive() {
			if err := s.repos.Budgets.CreditBack(txCtx, tenantID, locked.Scope, locked.ReservedCredit); err != nil {
				return err
			}
		}
		if err := s.repos.Decisions.ReleaseReservation(txCtx, locked.ID); err != nil {
			return err
		}

		annotation, err := json.Marshal(outcome)
		if err != nil {
			return err
		}
		if err := s.repos.Decisions.AnnotateReconciliation(txCtx, locked.ID, annotation); err != nil {
			return err
		}

		record := &repositories.ReconciliationRecord{
			ID:             uuid.New(),
			TenantID:       tenantID,
			DecisionID:     locked.ID,
			IdempotencyKey: req.IdempotencyKey,
			InputHash:      inputHash,
			Outcome:        annotation,
			CreatedAt:      outcome.ReconciledAt,
		}
		return s.repos.Reconciliations.Insert(txCtx, record)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			// Lost the idempotency race: surface the winner's outcome
			if prior, findErr := s.repos.Reconciliations.FindByKey(ctx, tenantID, req.IdempotencyKey); findErr == nil && prior != nil {
				return s.replay(prior, inputHash)
			}
		}
		if services.IsConflictError(err) {
			return nil, err
		}
		return nil, services.WrapInternal("failed to reconcile decision", err)
	}

	s.alertVariance(ctx, tenantID, decision, outcome)
	return outcome, nil
}

// replay returns a prior outcome for a repeated idempotency key, or a
// conflict when the replayed inputs differ from the original ones.
func (s *Service) replay(record *repositories.ReconciliationRecord, inputHash string) (*models.ReconciliationOutcome, error) {
	if record.InputHash != inputHash {
		return nil, services.ErrAlreadyReconciled.WithDetail("idempotency_key", record.IdempotencyKey)
	}
	var outcome models.ReconciliationOutcome
	if err := json.Unmarshal(record.Outcome, &outcome); err != nil {
		return nil, services.WrapInternal("failed to decode stored reconciliation outcome", err)
	}
	return &outcome, nil
}

// ReconcileOverdue releases reservations whose decisions are older than the
// SLA without having been reconciled. Each release carries the auto-release
// reason in its annotation. Returns the number of reservations released.
func (s *Service) ReconcileOverdue(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.OverdueAfter)
	overdue, err := s.repos.Decisions.ListOverdueReservations(ctx, cutoff, s.cfg.OverdueBatchSize)
	if err != nil {
		return 0, services.WrapInternal("failed to list overdue reservations", err)
	}

	released := 0
	for _, d := range overdue {
		if err := s.autoRelease(ctx, d); err != nil {
			s.logger.Warn("failed to auto-release overdue reservation",
				zap.String("decision_id", d.ID.String()), zap.Error(err))
			continue
		}
		released++
	}
	if released > 0 {
		s.logger.Info("released overdue reservations", zap.Int("count", released))
	}
	return released, nil
}

func (s *Service) autoRelease(ctx context.Context, d *models.EnforcementDecision) error {
	outcome := &models.ReconciliationOutcome{
		ActualMonthlyUSD: decimal.Zero,
		DriftUSD:         d.TotalReserved().Neg(),
		Classification:   models.DriftSavings,
		Reason:           models.ReasonAutoReleasedOverdue,
		ReconciledAt:     time.Now().UTC(),
	}

	err := services.WithTransaction(ctx, s.txMgr, func(txCtx context.Context, _ repositories.Transaction) error {
		locked, err := s.repos.Decisions.GetActiveReservationForUpdate(txCtx, d.TenantID, d.ID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil // reconciled concurrently
			}
			return err
		}
		if locked.ReservedCredit.IsPositive() {
			if err := s.repos.Budgets.CreditBack(txCtx, d.TenantID, locked.Scope, locked.ReservedCredit); err != nil {
				return err
			}
		}
		if err := s.repos.Decisions.ReleaseReservation(txCtx, locked.ID); err != nil {
			return err
		}
		annotation, err := json.Marshal(outcome)
		if err != nil {
			return err
		}
		return s.repos.Decisions.AnnotateReconciliation(txCtx, locked.ID, annotation)
	})
	if err != nil {
		return err
	}

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Kind:     notify.KindOverdueReservation,
			TenantID: d.TenantID,
			Subject:  d.ResourceRef,
			Message:  fmt.Sprintf("reservation on decision %s auto-released after SLA", d.ID),
			Fields: map[string]interface{}{
				"decision_id":  d.ID.String(),
				"reserved_usd": d.TotalReserved().StringFixed(4),
			},
		})
	}
	return nil
}

// alertVariance dispatches a fire-and-forget alert for large drift
func (s *Service) alertVariance(ctx context.Context, tenantID uuid.UUID, decision *models.EnforcementDecision, outcome *models.ReconciliationOutcome) {
	if s.dispatcher == nil || outcome.Classification == models.DriftMatched {
		return
	}
	if outcome.DriftUSD.Abs().LessThan(s.cfg.VarianceAlertMinUSD) {
		return
	}
	s.dispatcher.Dispatch(ctx, notify.Event{
		Kind:     notify.KindVarianceDetected,
		TenantID: tenantID,
		Subject:  decision.ResourceRef,
		Message:  fmt.Sprintf("%s variance of %s USD on %s", outcome.Classification, outcome.DriftUSD.StringFixed(4), decision.ResourceRef),
		Fields: map[string]interface{}{
			"decision_id":    decision.ID.String(),
			"drift_usd":      outcome.DriftUSD.StringFixed(4),
			"classification": outcome.Classification,
		},
	})
}

func classifyDrift(drift, tolerance decimal.Decimal) string {
	switch {
	case drift.Abs().LessThanOrEqual(tolerance):
		return models.DriftMatched
	case drift.IsPositive():
		return models.DriftOverage
	default:
		return models.DriftSavings
	}
}

func reconciliationInputHash(decisionID uuid.UUID, actual decimal.Decimal) string {
	var buf bytes.Buffer
	buf.WriteString(decisionID.String())
	buf.WriteByte('|')
	buf.WriteString(actual.StringFixed(models.MonthlyUSDPlaces))
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
