package budget

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/services"
)

type MockBudgetRepository struct {
	mock.Mock
}

func (m *MockBudgetRepository) GetAllocation(ctx context.Context, tenantID uuid.UUID, scope string) (*models.BudgetAllocation, error) {
	args := m.Called(ctx, tenantID, scope)
	if a := args.Get(0); a != nil {
		return a.(*models.BudgetAllocation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBudgetRepository) ListAllocations(ctx context.Context, tenantID uuid.UUID) ([]*models.BudgetAllocation, error) {
	args := m.Called(ctx, tenantID)
	if a := args.Get(0); a != nil {
		return a.([]*models.BudgetAllocation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBudgetRepository) UpsertAllocation(ctx context.Context, alloc *models.BudgetAllocation) error {
	args := m.Called(ctx, alloc)
	return args.Error(0)
}

func (m *MockBudgetRepository) CreateCredit(ctx context.Context, grant *models.CreditGrant) error {
	args := m.Called(ctx, grant)
	return args.Error(0)
}

func (m *MockBudgetRepository) ListCredits(ctx context.Context, tenantID uuid.UUID, scope string) ([]*models.CreditGrant, error) {
	args := m.Called(ctx, tenantID, scope)
	if g := args.Get(0); g != nil {
		return g.([]*models.CreditGrant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBudgetRepository) Headroom(ctx context.Context, tenantID uuid.UUID, scope string, now time.Time) (*models.BudgetHeadroom, error) {
	args := m.Called(ctx, tenantID, scope, now)
	if h := args.Get(0); h != nil {
		return h.(*models.BudgetHeadroom), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBudgetRepository) DebitCredits(ctx context.Context, tenantID uuid.UUID, scope string, amount decimal.Decimal, now time.Time) error {
	args := m.Called(ctx, tenantID, scope, amount, now)
	return args.Error(0)
}

func (m *MockBudgetRepository) CreditBack(ctx context.Context, tenantID uuid.UUID, scope string, amount decimal.Decimal) error {
	args := m.Called(ctx, tenantID, scope, amount)
	return args.Error(0)
}

type budgetFixture struct {
	budgets  *MockBudgetRepository
	service  *Service
	tenantID uuid.UUID
}

func newBudgetFixture(t *testing.T) *budgetFixture {
	t.Helper()
	budgets := new(MockBudgetRepository)
	repos := &repositories.Repositories{Budgets: budgets}
	return &budgetFixture{
		budgets:  budgets,
		service:  NewService(repos, zap.NewNop()),
		tenantID: uuid.New(),
	}
}

func TestGetAllocation(t *testing.T) {
	t.Run("returns allocation for scope", func(t *testing.T) {
		f := newBudgetFixture(t)
		alloc := models.NewBudgetAllocation(f.tenantID, "proj-analytics", decimal.RequireFromString("2500"))
		f.budgets.On("GetAllocation", mock.Anything, f.tenantID, "proj-analytics").Return(alloc, nil)

		got, err := f.service.GetAllocation(context.Background(), f.tenantID, "proj-analytics")
		require.NoError(t, err)
		assert.Equal(t, alloc.ID, got.ID)
		assert.Equal(t, "2500.0000", got.MonthlyLimitUSD.StringFixed(4))
	})

	t.Run("maps missing allocation to not found", func(t *testing.T) {
		f := newBudgetFixture(t)
		f.budgets.On("GetAllocation", mock.Anything, f.tenantID, "proj-missing").Return(nil, repositories.ErrNotFound)

		_, err := f.service.GetAllocation(context.Background(), f.tenantID, "proj-missing")
		require.Error(t, err)
		assert.True(t, services.IsNotFoundError(err))
	})
}

func TestSetAllocation(t *testing.T) {
	t.Run("stores quantized limit", func(t *testing.T) {
		f := newBudgetFixture(t)
		f.budgets.On("UpsertAllocation", mock.Anything, mock.AnythingOfType("*models.BudgetAllocation")).Return(nil)

		got, err := f.service.SetAllocation(context.Background(), f.tenantID, "proj-analytics", decimal.RequireFromString("1200.123456"), true)
		require.NoError(t, err)
		assert.Equal(t, "1200.1235", got.MonthlyLimitUSD.StringFixed(4))
		assert.True(t, got.Active)
		f.budgets.AssertExpectations(t)
	})

	t.Run("defaults empty scope", func(t *testing.T) {
		f := newBudgetFixture(t)
		f.budgets.On("UpsertAllocation", mock.Anything, mock.Anything).Return(nil)

		got, err := f.service.SetAllocation(context.Background(), f.tenantID, "", decimal.RequireFromString("500"), false)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultScope, got.Scope)
		assert.False(t, got.Active)
	})

	t.Run("rejects negative limit", func(t *testing.T) {
		f := newBudgetFixture(t)

		_, err := f.service.SetAllocation(context.Background(), f.tenantID, "proj-analytics", decimal.RequireFromString("-1"), true)
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrInvalidAmount)
		f.budgets.AssertNotCalled(t, "UpsertAllocation", mock.Anything, mock.Anything)
	})
}

func TestGrantCredit(t *testing.T) {
	t.Run("issues grant with full remaining balance", func(t *testing.T) {
		f := newBudgetFixture(t)
		f.budgets.On("CreateCredit", mock.Anything, mock.AnythingOfType("*models.CreditGrant")).Return(nil)

		expires := time.Now().UTC().Add(30 * 24 * time.Hour)
		got, err := f.service.GrantCredit(context.Background(), f.tenantID, "proj-analytics", decimal.RequireFromString("300"), &expires)
		require.NoError(t, err)
		assert.True(t, got.RemainingUSD.Equal(got.TotalUSD))
		assert.True(t, got.Active)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.Usable(time.Now().UTC()))
	})

	t.Run("rejects zero amount", func(t *testing.T) {
		f := newBudgetFixture(t)

		_, err := f.service.GrantCredit(context.Background(), f.tenantID, "proj-analytics", decimal.Zero, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrInvalidAmount)
	})

	t.Run("rejects expiry in the past", func(t *testing.T) {
		f := newBudgetFixture(t)

		expired := time.Now().UTC().Add(-time.Hour)
		_, err := f.service.GrantCredit(context.Background(), f.tenantID, "proj-analytics", decimal.RequireFromString("300"), &expired)
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
		f.budgets.AssertNotCalled(t, "CreateCredit", mock.Anything, mock.Anything)
	})
}

func TestSummary(t *testing.T) {
	t.Run("reports per scope headroom", func(t *testing.T) {
		f := newBudgetFixture(t)
		analytics := models.NewBudgetAllocation(f.tenantID, "proj-analytics", decimal.RequireFromString("1000"))
		platform := models.NewBudgetAllocation(f.tenantID, "proj-platform", decimal.RequireFromString("4000"))
		f.budgets.On("ListAllocations", mock.Anything, f.tenantID).Return([]*models.BudgetAllocation{analytics, platform}, nil)

		analyticsRoom := decimal.RequireFromString("640")
		f.budgets.On("Headroom", mock.Anything, f.tenantID, "proj-analytics", mock.AnythingOfType("time.Time")).
			Return(&models.BudgetHeadroom{Allocation: &analyticsRoom, Credits: decimal.RequireFromString("120")}, nil)
		platformRoom := decimal.RequireFromString("4000")
		f.budgets.On("Headroom", mock.Anything, f.tenantID, "proj-platform", mock.AnythingOfType("time.Time")).
			Return(&models.BudgetHeadroom{Allocation: &platformRoom, Credits: decimal.Zero}, nil)

		summaries, err := f.service.Summary(context.Background(), f.tenantID)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		assert.Equal(t, "proj-analytics", summaries[0].Scope)
		require.NotNil(t, summaries[0].AllocationHeadroom)
		assert.True(t, summaries[0].AllocationHeadroom.Equal(analyticsRoom))
		assert.True(t, summaries[0].CreditsHeadroom.Equal(decimal.RequireFromString("120")))
		assert.Equal(t, "proj-platform", summaries[1].Scope)
		f.budgets.AssertExpectations(t)
	})

	t.Run("wraps headroom failure", func(t *testing.T) {
		f := newBudgetFixture(t)
		alloc := models.NewBudgetAllocation(f.tenantID, "proj-analytics", decimal.RequireFromString("1000"))
		f.budgets.On("ListAllocations", mock.Anything, f.tenantID).Return([]*models.BudgetAllocation{alloc}, nil)
		f.budgets.On("Headroom", mock.Anything, f.tenantID, "proj-analytics", mock.Anything).Return(nil, assert.AnError)

		_, err := f.service.Summary(context.Background(), f.tenantID)
		require.Error(t, err)
		assert.True(t, services.IsInternalError(err))
	})
}
