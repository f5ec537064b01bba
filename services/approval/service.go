package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/services"
	"github.com/vantyr/costgate/services/notify"
	"github.com/vantyr/costgate/services/permissions"
	"github.com/vantyr/costgate/services/token"
)

// ApprovalGrant is returned from Approve: the approval in its new state plus
// the signed token, which exists only in this response. Storage keeps the
// token's hash.
type ApprovalGrant struct {
	Approval       *models.ApprovalRequest
	Token          string
	TokenExpiresAt time.Time
}

// ConsumeRequest carries a token presented for consumption plus the caller's
// optional expectations, each verified against the live decision.
type ConsumeRequest struct {
	Token                      string
	ExpectedSource             string
	ExpectedEnvironment        string
	ExpectedRequestFingerprint string
	ExpectedResourceReference  string
}

// ConsumeResult reports a successful single-use consumption
type ConsumeResult struct {
	Approval *models.ApprovalRequest
	Decision *models.EnforcementDecision
}

// Service runs the human-approval workflow: pending requests expire lazily,
// reviewer authority is checked against tenant policy routing rules, and
// approval issues a single-use signed token.
type Service struct {
	repos      *repositories.Repositories
	txMgr      repositories.TransactionManager
	resolver   permissions.Resolver
	signer     *token.Signer
	dispatcher notify.Dispatcher
	logger     *zap.Logger
}

// NewService creates an approval workflow service
func NewService(repos *repositories.Repositories, txMgr repositories.TransactionManager, resolver permissions.Resolver, signer *token.Signer, dispatcher notify.Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		repos:      repos,
		txMgr:      txMgr,
		resolver:   resolver,
		signer:     signer,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// GetByID returns an approval, expiring it first when its deadline passed
func (s *Service) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ApprovalRequest, error) {
	approval, err := s.repos.Approvals.GetByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrApprovalNotFound
		}
		return nil, services.WrapInternal("failed to load approval", err)
	}
	return s.expireIfOverdue(ctx, approval)
}

// List returns approvals for a tenant, lazily expiring any overdue pending
// requests in the page.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status *models.ApprovalStatus, limit, offset int) ([]*models.ApprovalRequest, error) {
	approvals, err := s.repos.Approvals.List(ctx, tenantID, status, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list approvals", err)
	}
	out := make([]*models.ApprovalRequest, 0, len(approvals))
	for _, a := range approvals {
		expired, err := s.expireIfOverdue(ctx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, expired)
	}
	return out, nil
}

// expireIfOverdue converts a pending request past its deadline to expired
// and releases the decision's reservation. Not-pending races are benign: the
// row is re-read and returned as-is.
func (s *Service) expireIfOverdue(ctx context.Context, approval *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	if !approval.ExpiredAt(time.Now().UTC()) {
		return approval, nil
	}

	err := services.WithTransaction(ctx, s.txMgr, func(txCtx context.Context, _ repositories.Transaction) error {
		if err := s.repos.Approvals.Expire(txCtx, approval.ID); err != nil {
			return err
		}
		return s.releaseReservation(txCtx, approval.TenantID, approval.DecisionID)
	})
	if err != nil && !errors.Is(err, repositories.ErrDuplicate) {
		return nil, services.WrapInternal("failed to expire approval", err)
	}

	refreshed, err := s.repos.Approvals.GetByID(ctx, approval.TenantID, approval.ID)
	if err != nil {
		return nil, services.WrapInternal("failed to reload approval", err)
	}
	if refreshed.Status == models.ApprovalExpired && s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Kind:     notify.KindApprovalExpired,
			TenantID: approval.TenantID,
			Message:  fmt.Sprintf("approval %s expired unactioned", approval.ID),
			Fields:   map[string]interface{}{"decision_id": approval.DecisionID.String()},
		})
	}
	return refreshed, nil
}

// releaseReservation zeroes a decision's reservation and returns any
// reserved credit to its grants. Already-released reservations are a no-op.
func (s *Service) releaseReservation(txCtx context.Context, tenantID, decisionID uuid.UUID) error {
	decision, err := s.repos.Decisions.GetActiveReservationForUpdate(txCtx, tenantID, decisionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return err
	}
	if decision.ReservedCredit.IsPositive() {
		if err := s.repos.Budgets.CreditBack(txCtx, tenantID, decision.Scope, decision.ReservedCredit); err != nil {
			return err
		}
	}
	return s.repos.Decisions.ReleaseReservation(txCtx, decision.ID)
}

// Approve transitions a pending request to approved after verifying the
// reviewer's authority, and issues the signed single-use token.
func (s *Service) Approve(ctx context.Context, tenantID, id uuid.UUID, reviewer, comment string) (*ApprovalGrant, error) {
	approval, err := s.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if approval.Status != models.ApprovalPending {
		return nil, services.ErrApprovalNotPending.WithDetail("status", string(approval.Status))
	}

	decision, err := s.repos.Decisions.GetByID(ctx, tenantID, approval.DecisionID)
	if err != nil {
		return nil, services.WrapInternal("failed to load decision for approval", err)
	}

	if _, err := s.authorizeReviewer(ctx, decision, approval, reviewer); err != nil {
		return nil, err
	}

	policy, err := s.repos.Policies.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, services.WrapInternal("failed to load policy", err)
	}

	signed, tokenHash, expiresAt, err := s.signer.Sign(token.SignRequest{
		TenantID:           tenantID,
		DecisionID:         decision.ID,
		ApprovalID:         approval.ID,
		Source:             string(decision.Source),
		Environment:        string(decision.Environment),
		RequestFingerprint: decision.RequestFingerprint,
		ResourceReference:  decision.ResourceRef,
		MaxMonthlyDeltaUSD: decision.MonthlyDeltaUSD,
		TTL:                time.Duration(policy.ApprovalTTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = services.WithTransaction(ctx, s.txMgr, func(txCtx context.Context, _ repositories.Transaction) error {
		if err := s.repos.Approvals.Approve(txCtx, approval.ID, reviewer, comment, tokenHash, expiresAt); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return services.ErrApprovalNotPending
			}
			return err
		}
		return s.repos.Decisions.SetApprovalTokenIssued(txCtx, decision.ID)
	})
	if err != nil {
		if services.IsConflictError(err) {
			return nil, err
		}
		return nil, services.WrapInternal("failed to record approval", err)
	}

	approval.Status = models.ApprovalApproved
	approval.ReviewedBy = reviewer
	approval.ReviewComment = comment
	approval.TokenHash = tokenHash
	approval.TokenExpiresAt = &expiresAt

	s.logger.Info("approval granted",
		zap.String("approval_id", approval.ID.String()),
		zap.String("decision_id", decision.ID.String()),
		zap.String("reviewer", reviewer),
	)
	return &ApprovalGrant{Approval: approval, Token: signed, TokenExpiresAt: expiresAt}, nil
}

// Deny transitions a pending request to denied and releases the decision's
// reservation.
func (s *Service) Deny(ctx context.Context, tenantID, id uuid.UUID, reviewer, comment string) (*models.ApprovalRequest, error) {
	approval, err := s.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if approval.Status != models.ApprovalPending {
		return nil, services.ErrApprovalNotPending.WithDetail("status", string(approval.Status))
	}

	decision, err := s.repos.Decisions.GetByID(ctx, tenantID, approval.DecisionID)
	if err != nil {
		return nil, services.WrapInternal("failed to load decision for denial", err)
	}
	if _, err := s.authorizeReviewer(ctx, decision, approval, reviewer); err != nil {
		return nil, err
	}

	err = services.WithTransaction(ctx, s.txMgr, func(txCtx context.Context, _ repositories.Transaction) error {
		if err := s.repos.Approvals.Deny(txCtx, approval.ID, reviewer, comment); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return services.ErrApprovalNotPending
			}
			return err
		}
		return s.releaseReservation(txCtx, tenantID, approval.DecisionID)
	})
	if err != nil {
		if services.IsConflictError(err) {
			return nil, err
		}
		return nil, services.WrapInternal("failed to record denial", err)
	}

	approval.Status = models.ApprovalDenied
	approval.ReviewedBy = reviewer
	approval.ReviewComment = comment
	return approval, nil
}

// Cancel withdraws a pending request and releases its reservation. Only the
// requester or a policy admin cancels; the handler enforces identity.
func (s *Service) Cancel(ctx context.Context, tenantID, id uuid.UUID) (*models.ApprovalRequest, error) {
	approval, err := s.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if approval.Status != models.ApprovalPending {
		return nil, services.ErrApprovalNotPending.WithDetail("status", string(approval.Status))
	}

	err = services.WithTransaction(ctx, s.txMgr, func(txCtx context.Context, _ repositories.Transaction) error {
		if err := s.repos.Approvals.Cancel(txCtx, approval.ID); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return services.ErrApprovalNotPending
			}
			return err
		}
		return s.releaseReservation(txCtx, tenantID, approval.DecisionID)
	})
	if err != nil {
		if services.IsConflictError(err) {
			return nil, err
		}
		return nil, services.WrapInternal("failed to cancel approval", err)
	}

	approval.Status = models.ApprovalCancelled
	return approval, nil
}

// authorizeReviewer checks the reviewer against the decision's matched
// routing rule, falling back to environment-scoped permissions when no rule
// applies. Critical-risk decisions always need the critical grant.
func (s *Service) authorizeReviewer(ctx context.Context, decision *models.EnforcementDecision, approval *models.ApprovalRequest, reviewer string) (*models.RoutingRule, error) {
	policy, err := s.repos.Policies.GetOrCreate(ctx, decision.TenantID)
	if err != nil {
		return nil, services.WrapInternal("failed to load policy", err)
	}

	rule := policy.MatchRoutingRule(decision.Environment, decision.Action, decision.RiskClass, decision.MonthlyDeltaUSD)

	if rule != nil && rule.RequireSeparation && reviewer == approval.RequestedBy {
		return nil, services.ErrSelfApproval
	}

	perms, err := s.resolver.PermissionsFor(ctx, decision.TenantID, reviewer)
	if err != nil {
		return nil, services.WrapInternal("failed to resolve reviewer permissions", err)
	}

	required := permissions.PermApproveNonprod
	if decision.Environment == models.EnvProd {
		required = permissions.PermApproveProd
	}
	if rule != nil && rule.RequiredPermission != "" {
		required = rule.RequiredPermission
	}
	if !permissions.HasPermission(perms, required) {
		return nil, services.ErrInsufficientPermissions.WithDetail("required_permission", required)
	}
	if decision.RiskClass == models.RiskCritical && !permissions.HasPermission(perms, permissions.PermApproveCritical) {
		return nil, services.ErrInsufficientPermissions.WithDetail("required_permission", permissions.PermApproveCritical)
	}

	if rule != nil && len(rule.ReviewerRoles) > 0 {
		roles, err := s.resolver.RolesFor(ctx, decision.TenantID, reviewer)
		if err != nil {
			return nil, services.WrapInternal("failed to resolve reviewer roles", err)
		}
		if !permissions.HasAnyRole(roles, rule.ReviewerRoles) {
			return nil, services.ErrInsufficientPermissions.WithDetail("allowed_roles", rule.ReviewerRoles)
		}
	}
	return rule, nil
}
