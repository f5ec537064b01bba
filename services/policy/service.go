package policy

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/services"
)

// UpdateRequest carries the mutable policy fields. Nil pointers leave the
// current value untouched.
type UpdateRequest struct {
	Modes                  *models.ModeMatrix
	RequireApprovalProd    *bool
	RequireApprovalNonprod *bool
	AutoApproveCeilingUSD  *decimal.Decimal
	HardDenyCeilingUSD     *decimal.Decimal
	ApprovalTTLSeconds     *int
	RoutingRules           *[]models.RoutingRule
	RiskScoring            *models.RiskScoring
}

// Service manages the per-tenant gate policy. All mutation goes through
// Update, which validates the result and bumps the policy version.
type Service struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewService creates a policy management service
func NewService(repos *repositories.Repositories, logger *zap.Logger) *Service {
	return &Service{repos: repos, logger: logger}
}

// Get returns the tenant's policy, creating the default on first use
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID) (*models.GatePolicy, error) {
	policy, err := s.repos.Policies.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, services.WrapInternal("failed to load policy", err)
	}
	return policy, nil
}

// Update applies changes to the tenant's policy. The write is conditional on
// the version read here, so a concurrent update surfaces as a conflict
// instead of silently overwriting.
func (s *Service) Update(ctx context.Context, tenantID uuid.UUID, req UpdateRequest) (*models.GatePolicy, error) {
	policy, err := s.repos.Policies.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, services.WrapInternal("failed to load policy", err)
	}

	if req.Modes != nil {
		policy.Modes = *req.Modes
	}
	if req.RequireApprovalProd != nil {
		policy.RequireApprovalProd = *req.RequireApprovalProd
	}
	if req.RequireApprovalNonprod != nil {
		policy.RequireApprovalNonprod = *req.RequireApprovalNonprod
	}
	if req.AutoApproveCeilingUSD != nil {
		policy.AutoApproveCeilingUSD = models.QuantizeMonthlyUSD(*req.AutoApproveCeilingUSD)
	}
	if req.HardDenyCeilingUSD != nil {
		policy.HardDenyCeilingUSD = models.QuantizeMonthlyUSD(*req.HardDenyCeilingUSD)
	}
	if req.ApprovalTTLSeconds != nil {
		policy.ApprovalTTLSeconds = *req.ApprovalTTLSeconds
	}
	if req.RoutingRules != nil {
		policy.RoutingRules = *req.RoutingRules
	}
	if req.RiskScoring != nil {
		policy.RiskScoring = *req.RiskScoring
	}

	if err := policy.Validate(); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, err.Error(), nil)
	}

	if err := s.repos.Policies.Update(ctx, policy); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrConcurrentUpdate
		}
		return nil, services.WrapInternal("failed to update policy", err)
	}

	s.logger.Info("policy updated",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("policy_version", policy.PolicyVersion),
	)
	return policy, nil
}
