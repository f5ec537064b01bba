package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/services"
	"github.com/vantyr/costgate/services/token"
)

// consumeTimeout bounds the conditional consume write
const consumeTimeout = 5 * time.Second

// Consume verifies and single-uses an approval token. Every claim is checked
// against the live decision row and the caller's stated expectations before
// the one conditional write that marks the token consumed. Under concurrent
// consumption exactly one caller succeeds; the rest see a replay conflict.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if req.Token == "" {
		return nil, services.ErrInvalidInput.WithDetail("field", "approval_token")
	}

	claims, err := s.signer.Verify(req.Token)
	if err != nil {
		return nil, err
	}

	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, services.ErrInvalidToken.WithDetail("claim", "tenant_id")
	}
	approvalID, err := uuid.Parse(claims.ApprovalID)
	if err != nil {
		return nil, services.ErrInvalidToken.WithDetail("claim", "approval_id")
	}
	decisionID, err := uuid.Parse(claims.DecisionID)
	if err != nil {
		return nil, services.ErrInvalidToken.WithDetail("claim", "decision_id")
	}

	approval, err := s.repos.Approvals.GetByID(ctx, tenantID, approvalID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrApprovalNotFound
		}
		return nil, services.WrapInternal("failed to load approval", err)
	}

	if approval.Status != models.ApprovalApproved {
		return nil, services.NewDomainError(services.ErrorTypeConflict, "approval is not in approved state", nil).
			WithDetail("status", string(approval.Status))
	}
	if approval.DecisionID != decisionID {
		return nil, services.ErrInvalidToken.WithDetail("claim", "decision_id")
	}
	// The presented token must be the one issued for this approval, not a
	// token from a previous grant cycle.
	if approval.TokenHash == "" || approval.TokenHash != token.Hash(req.Token) {
		return nil, services.ErrInvalidToken.WithDetail("reason", "token does not match issued token")
	}
	if approval.TokenExpiresAt != nil && !approval.TokenExpiresAt.After(time.Now().UTC()) {
		return nil, services.ErrTokenExpired
	}

	decision, err := s.repos.Decisions.GetByID(ctx, tenantID, decisionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrDecisionNotFound
		}
		return nil, services.WrapInternal("failed to load decision", err)
	}

	if err := verifyBindings(claims, decision, req); err != nil {
		return nil, err
	}

	consumeCtx, cancel := context.WithTimeout(ctx, consumeTimeout)
	defer cancel()

	now := time.Now().UTC()
	if err := s.repos.Approvals.Consume(consumeCtx, approval.ID, now); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.NewDomainError(services.ErrorTypeConflict, "replay detected: approval token already consumed", nil).
				WithDetail("approval_id", approval.ID.String())
		}
		return nil, services.WrapInternal("failed to consume token", err)
	}

	approval.ConsumedAt = &now
	s.logger.Info("approval token consumed",
		zap.String("approval_id", approval.ID.String()),
		zap.String("decision_id", decision.ID.String()),
	)
	return &ConsumeResult{Approval: approval, Decision: decision}, nil
}

// verifyBindings checks every token claim against the live decision and the
// consumer's optional expectations. Any mismatch invalidates the token.
func verifyBindings(claims *token.Claims, decision *models.EnforcementDecision, req ConsumeRequest) error {
	if claims.Source != string(decision.Source) {
		return services.ErrInvalidToken.WithDetail("claim", "source")
	}
	if claims.Environment != string(decision.Environment) {
		return services.ErrInvalidToken.WithDetail("claim", "environment")
	}
	if claims.RequestFingerprint != decision.RequestFingerprint {
		return services.ErrInvalidToken.WithDetail("claim", "request_fingerprint")
	}
	if claims.ResourceReference != decision.ResourceRef {
		return services.ErrInvalidToken.WithDetail("claim", "resource_reference")
	}
	maxDelta, err := decimal.NewFromString(claims.MaxMonthlyDeltaUSD)
	if err != nil || decision.MonthlyDeltaUSD.GreaterThan(maxDelta) {
		return services.ErrInvalidToken.WithDetail("claim", "max_monthly_delta_usd")
	}

	if req.ExpectedSource != "" && req.ExpectedSource != string(decision.Source) {
		return services.ErrInvalidToken.WithDetail("expectation", "source")
	}
	if req.ExpectedEnvironment != "" && req.ExpectedEnvironment != string(decision.Environment) {
		return services.ErrInvalidToken.WithDetail("expectation", "environment")
	}
	if req.ExpectedRequestFingerprint != "" && req.ExpectedRequestFingerprint != decision.RequestFingerprint {
		return services.ErrInvalidToken.WithDetail("expectation", "request_fingerprint")
	}
	if req.ExpectedResourceReference != "" && req.ExpectedResourceReference != decision.ResourceRef {
		return services.ErrInvalidToken.WithDetail("expectation", "resource_reference")
	}
	return nil
}
