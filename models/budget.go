package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultScope is the fallback budget scope used when no scope-specific
// allocation is active for a request.
const DefaultScope = "default"

// BudgetAllocation is a monthly USD spending limit for a tenant scope
// (typically a project).
type BudgetAllocation struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	TenantID        uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Scope           string          `json:"scope" db:"scope"`
	MonthlyLimitUSD decimal.Decimal `json:"monthly_limit_usd" db:"monthly_limit_usd"`
	Active          bool            `json:"active" db:"active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the BudgetAllocation model
func (BudgetAllocation) TableName() string {
	return "budget_allocations"
}

// NewBudgetAllocation creates a new active allocation
func NewBudgetAllocation(tenantID uuid.UUID, scope string, monthlyLimit decimal.Decimal) *BudgetAllocation {
	now := time.Now().UTC()
	return &BudgetAllocation{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Scope:           scope,
		MonthlyLimitUSD: QuantizeMonthlyUSD(monthlyLimit),
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// CreditGrant is a pool of spendable credits for a tenant scope. Remaining
// is debited as reservations consume credit and credited back on release.
type CreditGrant struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Scope        string          `json:"scope" db:"scope"`
	TotalUSD     decimal.Decimal `json:"total_usd" db:"total_usd"`
	RemainingUSD decimal.Decimal `json:"remaining_usd" db:"remaining_usd"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	Active       bool            `json:"active" db:"active"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the CreditGrant model
func (CreditGrant) TableName() string {
	return "credit_grants"
}

// NewCreditGrant creates a new active grant with full remaining balance
func NewCreditGrant(tenantID uuid.UUID, scope string, total decimal.Decimal, expiresAt *time.Time) *CreditGrant {
	now := time.Now().UTC()
	total = QuantizeMonthlyUSD(total)
	return &CreditGrant{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Scope:        scope,
		TotalUSD:     total,
		RemainingUSD: total,
		ExpiresAt:    expiresAt,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Usable reports whether the grant can satisfy new reservations at the
// given instant.
func (g *CreditGrant) Usable(now time.Time) bool {
	if !g.Active || g.RemainingUSD.LessThanOrEqual(decimal.Zero) {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// BudgetHeadroom is a snapshot of available spending room for a tenant
// scope at evaluation time. Allocation is nil when the tenant has no budget
// configured, which means spend is unconstrained.
type BudgetHeadroom struct {
	Allocation *decimal.Decimal `json:"allocation_headroom_usd,omitempty"`
	Credits    decimal.Decimal  `json:"credits_headroom_usd"`
}
