package budget

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
)

// ScopeSummary is one scope's budget position
type ScopeSummary struct {
	Scope              string           `json:"scope"`
	MonthlyLimitUSD    decimal.Decimal  `json:"monthly_limit_usd"`
	Active             bool             `json:"active"`
	AllocationHeadroom *decimal.Decimal `json:"allocation_headroom_usd,omitempty"`
	CreditsHeadroom    decimal.Decimal  `json:"credits_headroom_usd"`
}

// Service manages budget allocations and credit grants
type Service struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewService creates a budget management service
func NewService(repos *repositories.Repositories, logger *zap.Logger) *Service {
	return &Service{repos: repos, logger: logger}
}

// GetAllocation returns the allocation serving a scope, including the
// default-scope fallback.
func (s *Service) GetAllocation(ctx context.Context, tenantID uuid.UUID, scope string) (*models.BudgetAllocation, error) {
	alloc, err := s.repos.Budgets.GetAllocation(ctx, tenantID, scope)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrAllocationNotFound
		}
		return nil, services.WrapInternal("failed to load allocation", err)
	}
	return alloc, nil
}

// SetAllocation creates or replaces the monthly limit for a scope
func (s *Service) SetAllocation(ctx context.Context, tenantID uuid.UUID, scope string, monthlyLimit decimal.Decimal, active bool) (*models.BudgetAllocation, error) {
	if scope == "" {
		scope = models.DefaultScope
	}
	if monthlyLimit.IsNegative() {
		return nil, services.ErrInvalidAmount
	}

	alloc := models.NewBudgetAllocation(tenantID, scope, monthlyLimit)
	alloc.Active = active
	if err := s.repos.Budgets.UpsertAllocation(ctx, alloc); err != nil {
		return nil, services.WrapInternal("failed to store allocation", err)
	}

	s.logger.Info("budget allocation set",
		zap.String("tenant_id", tenantID.String()),
		zap.String("scope", scope),
		zap.String("monthly_limit_usd", alloc.MonthlyLimitUSD.StringFixed(4)),
	)
	return alloc, nil
}

// GrantCredit issues a new credit grant for a scope
func (s *Service) GrantCredit(ctx context.Context, tenantID uuid.UUID, scope string, total decimal.Decimal, expiresAt *time.Time) (*models.CreditGrant, error) {
	if scope == "" {
		scope = models.DefaultScope
	}
	if total.IsNegative() || total.IsZero() {
		return nil, services.ErrInvalidAmount
	}
	if expiresAt != nil && !expiresAt.After(time.Now().UTC()) {
		return nil, services.ErrInvalidInput.WithDetail("field", "expires_at")
	}

	grant := models.NewCreditGrant(tenantID, scope, total, expiresAt)
	if err := s.repos.Budgets.CreateCredit(ctx, grant); err != nil {
		return nil, services.WrapInternal("failed to store credit grant", err)
	}

	s.logger.Info("credit granted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("scope", scope),
		zap.String("total_usd", grant.TotalUSD.StringFixed(4)),
	)
	return grant, nil
}

// ListCredits returns credit grants for a tenant, optionally scoped
func (s *Service) ListCredits(ctx context.Context, tenantID uuid.UUID, scope string) ([]*models.CreditGrant, error) {
	grants, err := s.repos.Budgets.ListCredits(ctx, tenantID, scope)
	if err != nil {
		return nil, services.WrapInternal("failed to list credit grants", err)
	}
	return grants, nil
}

// Summary returns every allocation's current position including live
// headroom snapshots.
func (s *Service) Summary(ctx context.Context, tenantID uuid.UUID) ([]ScopeSummary, error) {
	allocations, err := s.repos.Budgets.ListAllocations(ctx, tenantID)
	if err != nil {
		return nil, services.WrapInternal("failed to list allocations", err)
	}

	now := time.Now().UTC()
	summaries := make([]ScopeSummary, 0, len(allocations))
	for _, alloc := range allocations {
		headroom, err := s.repos.Budgets.Headroom(ctx, tenantID, alloc.Scope, now)
		if err != nil {
			return nil, services.WrapInternal("failed to compute headroom", err)
		}
		summaries = append(summaries, ScopeSummary{
			Scope:              alloc.Scope,
			MonthlyLimitUSD:    alloc.MonthlyLimitUSD,
			Active:             alloc.Active,
			AllocationHeadroom: headroom.Allocation,
			CreditsHeadroom:    headroom.Credits,
		})
	}
	return summaries, nil
}
