package gate

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/vantyr/costgate/services/notify"
)

// MockPolicyRepository is a mock implementation of PolicyRepository
type MockPolicyRepository struct {
	mock.Mock
}

func (m *MockPolicyRepository) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*models.GatePolicy, error) {
	args := m.Called(ctx, tenantID)
	if p := args.Get(0); p != nil {
		return p.(*models.GatePolicy), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPolicyRepository) GetOrCreate(ctx context.Context, tenantID uuid.UUID) (*models.GatePolicy, error) {
	args := m.Called(ctx, tenantID)
	if p := args.Get(0); p != nil {
		return p.(*models.GatePolicy), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPolicyRepository) Update(ctx context.Context, policy *models.GatePolicy) error {
	args := m.Called(ctx, policy)
	return args.Error(0)
}

func (m *MockPolicyRepository) AcquireEvaluationLock(ctx context.Context, policyID uuid.UUID, timeout time.Duration, wait bool) error {
	args := m.Called(ctx, policyID, timeout, wait)
	return args.Error(0)
}

// MockBudgetRepository is a mock implementation of BudgetRepository
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

// MockDecisionRepository is a mock implementation of DecisionRepository
type MockDecisionRepository struct {
	mock.Mock
}

func (m *MockDecisionRepository) FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, source models.Source, key string) (*models.EnforcementDecision, error) {
	args := m.Called(ctx, tenantID, source, key)
	if d := args.Get(0); d != nil {
		return d.(*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionRepository) Insert(ctx context.Context, decision *models.EnforcementDecision) error {
	args := m.Called(ctx, decision)
	return args.Error(0)
}

func (m *MockDecisionRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.EnforcementDecision, error) {
	args := m.Called(ctx, tenantID, id)
	if d := args.Get(0); d != nil {
		return d.(*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionRepository) List(ctx context.Context, tenantID uuid.UUID, filter repositories.DecisionFilter) ([]*models.EnforcementDecision, error) {
	args := m.Called(ctx, tenantID, filter)
	if d := args.Get(0); d != nil {
		return d.([]*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionRepository) GetActiveReservationForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.EnforcementDecision, error) {
	args := m.Called(ctx, tenantID, id)
	if d := args.Get(0); d != nil {
		return d.(*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionRepository) ReleaseReservation(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDecisionRepository) AnnotateReconciliation(ctx context.Context, id uuid.UUID, outcome json.RawMessage) error {
	args := m.Called(ctx, id, outcome)
	return args.Error(0)
}

func (m *MockDecisionRepository) ListOverdueReservations(ctx context.Context, cutoff time.Time, limit int) ([]*models.EnforcementDecision, error) {
	args := m.Called(ctx, cutoff, limit)
	if d := args.Get(0); d != nil {
		return d.([]*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionRepository) SetApprovalTokenIssued(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDecisionRepository) CountWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int, error) {
	args := m.Called(ctx, tenantID, from, to)
	return args.Int(0), args.Error(1)
}

// MockLedgerRepository is a mock implementation of LedgerRepository
type MockLedgerRepository struct {
	mock.Mock
}

func (m *MockLedgerRepository) Insert(ctx context.Context, entry *models.DecisionLedgerEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockLedgerRepository) ListWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]*models.DecisionLedgerEntry, error) {
	args := m.Called(ctx, tenantID, from, to)
	if e := args.Get(0); e != nil {
		return e.([]*models.DecisionLedgerEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLedgerRepository) CountWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int, error) {
	args := m.Called(ctx, tenantID, from, to)
	return args.Int(0), args.Error(1)
}

// MockApprovalRepository is a mock implementation of ApprovalRepository
type MockApprovalRepository struct {
	mock.Mock
}

func (m *MockApprovalRepository) Create(ctx context.Context, approval *models.ApprovalRequest) error {
	args := m.Called(ctx, approval)
	return args.Error(0)
}

func (m *MockApprovalRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ApprovalRequest, error) {
	args := m.Called(ctx, tenantID, id)
	if a := args.Get(0); a != nil {
		return a.(*models.ApprovalRequest), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockApprovalRepository) GetByDecisionID(ctx context.Context, tenantID, decisionID uuid.UUID) (*models.ApprovalRequest, error) {
	args := m.Called(ctx, tenantID, decisionID)
	if a := args.Get(0); a != nil {
		return a.(*models.ApprovalRequest), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockApprovalRepository) List(ctx context.Context, tenantID uuid.UUID, status *models.ApprovalStatus, limit, offset int) ([]*models.ApprovalRequest, error) {
	args := m.Called(ctx, tenantID, status, limit, offset)
	if a := args.Get(0); a != nil {
		return a.([]*models.ApprovalRequest), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockApprovalRepository) Approve(ctx context.Context, id uuid.UUID, reviewer, comment, tokenHash string, tokenExpiresAt time.Time) error {
	args := m.Called(ctx, id, reviewer, comment, tokenHash, tokenExpiresAt)
	return args.Error(0)
}

func (m *MockApprovalRepository) Deny(ctx context.Context, id uuid.UUID, reviewer, comment string) error {
	args := m.Called(ctx, id, reviewer, comment)
	return args.Error(0)
}

func (m *MockApprovalRepository) Expire(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockApprovalRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockApprovalRepository) Consume(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

// fakeTxManager runs transaction callbacks inline without a database
type fakeTxManager struct{}

type fakeTx struct{ ctx context.Context }

func (t fakeTx) Commit() error            { return nil }
func (t fakeTx) Rollback() error          { return nil }
func (t fakeTx) Context() context.Context { return t.ctx }

func (fakeTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return fakeTx{ctx: ctx}, nil
}

func (fakeTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, fakeTx{ctx: ctx})
}

type gateFixture struct {
	service    *Service
	policies   *MockPolicyRepository
	budgets    *MockBudgetRepository
	decisions  *MockDecisionRepository
	ledger     *MockLedgerRepository
	approvals  *MockApprovalRepository
	dispatcher *notify.CapturingDispatcher
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	f := &gateFixture{
		policies:   new(MockPolicyRepository),
		budgets:    new(MockBudgetRepository),
		decisions:  new(MockDecisionRepository),
		ledger:     new(MockLedgerRepository),
		approvals:  new(MockApprovalRepository),
		dispatcher: notify.NewCapturingDispatcher(),
	}
	repos := &repositories.Repositories{
		Policies:  f.policies,
		Budgets:   f.budgets,
		Decisions: f.decisions,
		Ledger:    f.ledger,
		Approvals: f.approvals,
	}
	f.service = NewService(repos, fakeTxManager{}, f.dispatcher, Config{}, zap.NewNop())
	return f
}

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func headroomOf(allocation int64, credits int64) *models.BudgetHeadroom {
	a := usd(allocation)
	return &models.BudgetHeadroom{Allocation: &a, Credits: usd(credits)}
}

func gateInput(monthly int64) GateInput {
	return GateInput{
		Environment:     "nonprod",
		Action:          "scale",
		ResourceRef:     "aws_rds_instance.analytics",
		MonthlyDeltaUSD: usd(monthly),
	}
}

func TestEvaluate_AllowWithinBudget(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	policy := models.NewDefaultGatePolicy(tenantID)

	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(nil, nil)
	f.policies.On("GetOrCreate", mock.Anything, tenantID).Return(policy, nil)
	f.policies.On("AcquireEvaluationLock", mock.Anything, policy.ID, mock.Anything, true).Return(nil)
	f.budgets.On("Headroom", mock.Anything, tenantID, models.DefaultScope, mock.Anything).Return(headroomOf(1000, 0), nil)
	f.decisions.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.ledger.On("Insert", mock.Anything, mock.Anything).Return(nil)

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, gateInput(100))
	require.NoError(t, err)
	require.False(t, result.Replayed)
	require.False(t, result.FailSafe)

	d := result.Decision
	assert.Equal(t, models.DecisionAllow, d.Decision)
	assert.Equal(t, []string{models.ReasonWithinBudget}, d.ReasonCodes)
	assert.True(t, d.ReservationActive)
	assert.True(t, d.ReservedAllocation.Equal(usd(100)))
	assert.True(t, d.ReservedCredit.IsZero())
	assert.Equal(t, policy.PolicyVersion, d.PolicyVersion)
	assert.NotEmpty(t, d.RequestFingerprint)

	f.decisions.AssertExpectations(t)
	f.ledger.AssertExpectations(t)
}

func TestEvaluate_ReplaysExistingDecision(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()

	existing := &models.EnforcementDecision{
		ID:       uuid.New(),
		TenantID: tenantID,
		Source:   models.SourceTerraform,
		Decision: models.DecisionAllow,
	}
	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, "replay-key").Return(existing, nil)

	input := gateInput(100)
	input.IdempotencyKey = "replay-key"

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, input)
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	assert.Equal(t, existing.ID, result.Decision.ID)

	f.budgets.AssertNotCalled(t, "Headroom", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.decisions.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestEvaluate_CreditWaterfall(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	policy := models.NewDefaultGatePolicy(tenantID)

	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(nil, nil)
	f.policies.On("GetOrCreate", mock.Anything, tenantID).Return(policy, nil)
	f.policies.On("AcquireEvaluationLock", mock.Anything, policy.ID, mock.Anything, true).Return(nil)
	f.budgets.On("Headroom", mock.Anything, tenantID, models.DefaultScope, mock.Anything).Return(headroomOf(60, 200), nil)
	f.budgets.On("DebitCredits", mock.Anything, tenantID, models.DefaultScope, mock.Anything, mock.Anything).Return(nil)
	f.decisions.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.ledger.On("Insert", mock.Anything, mock.Anything).Return(nil)

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, gateInput(100))
	require.NoError(t, err)

	d := result.Decision
	assert.Equal(t, models.DecisionAllowWithCredits, d.Decision)
	assert.Contains(t, d.ReasonCodes, models.ReasonCreditWaterfallUsed)
	assert.True(t, d.ReservedAllocation.Equal(usd(60)))
	assert.True(t, d.ReservedCredit.Equal(usd(40)))
	assert.True(t, d.ReservationActive)

	f.budgets.AssertCalled(t, "DebitCredits", mock.Anything, tenantID, models.DefaultScope, mock.Anything, mock.Anything)
}

func TestEvaluate_HardDenyCeiling(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	policy := models.NewDefaultGatePolicy(tenantID)

	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(nil, nil)
	f.policies.On("GetOrCreate", mock.Anything, tenantID).Return(policy, nil)
	f.policies.On("AcquireEvaluationLock", mock.Anything, policy.ID, mock.Anything, true).Return(nil)
	f.decisions.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.ledger.On("Insert", mock.Anything, mock.Anything).Return(nil)

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, gateInput(20000))
	require.NoError(t, err)

	d := result.Decision
	assert.Equal(t, models.DecisionDeny, d.Decision)
	assert.Equal(t, []string{models.ReasonHardDenyExceeded}, d.ReasonCodes)
	assert.False(t, d.ReservationActive)
	assert.True(t, d.TotalReserved().IsZero())

	// The ceiling check never reads headroom
	f.budgets.AssertNotCalled(t, "Headroom", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluate_ApprovalUpgradeAboveCeiling(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	policy := models.NewDefaultGatePolicy(tenantID)

	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(nil, nil)
	f.policies.On("GetOrCreate", mock.Anything, tenantID).Return(policy, nil)
	f.policies.On("AcquireEvaluationLock", mock.Anything, policy.ID, mock.Anything, true).Return(nil)
	f.budgets.On("Headroom", mock.Anything, tenantID, models.DefaultScope, mock.Anything).Return(headroomOf(5000, 0), nil)
	f.decisions.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.ledger.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.approvals.On("Create", mock.Anything, mock.AnythingOfType("*models.ApprovalRequest")).Return(nil)

	input := gateInput(800)
	input.Environment = "prod"

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, input)
	require.NoError(t, err)

	d := result.Decision
	assert.Equal(t, models.DecisionRequireApproval, d.Decision)
	assert.Contains(t, d.ReasonCodes, models.ReasonApprovalRequired)
	assert.True(t, d.ApprovalRequired)
	// Headroom stays reserved while the approval is pending
	assert.True(t, d.ReservationActive)
	assert.True(t, d.ReservedAllocation.Equal(usd(800)))

	require.NotNil(t, result.Approval)
	assert.Equal(t, models.ApprovalPending, result.Approval.Status)
	assert.Equal(t, "dev@corp", result.Approval.RequestedBy)

	events := f.dispatcher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.KindApprovalPending, events[0].Kind)
}

func TestEvaluate_ShadowModeNeverBlocks(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	policy := models.NewDefaultGatePolicy(tenantID)
	policy.Modes = models.ModeMatrix{Default: models.ModeShadow}

	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(nil, nil)
	f.policies.On("GetOrCreate", mock.Anything, tenantID).Return(policy, nil)
	f.policies.On("AcquireEvaluationLock", mock.Anything, policy.ID, mock.Anything, true).Return(nil)
	f.budgets.On("Headroom", mock.Anything, tenantID, models.DefaultScope, mock.Anything).Return(headroomOf(10, 0), nil)
	f.decisions.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.ledger.On("Insert", mock.Anything, mock.Anything).Return(nil)

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, gateInput(5000))
	require.NoError(t, err)

	d := result.Decision
	assert.Equal(t, models.DecisionAllow, d.Decision)
	assert.Contains(t, d.ReasonCodes, models.ReasonShadowMode)
	assert.False(t, d.ReservationActive)
	assert.True(t, d.TotalReserved().IsZero())
	f.budgets.AssertNotCalled(t, "DebitCredits", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluate_DryRunTouchesNoStorage(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	policy := models.NewDefaultGatePolicy(tenantID)

	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(nil, nil)
	f.policies.On("GetOrCreate", mock.Anything, tenantID).Return(policy, nil)
	f.policies.On("AcquireEvaluationLock", mock.Anything, policy.ID, mock.Anything, true).Return(nil)
	f.budgets.On("Headroom", mock.Anything, tenantID, models.DefaultScope, mock.Anything).Return(headroomOf(1000, 0), nil)

	input := gateInput(100)
	input.DryRun = true

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, input)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, result.Decision.Decision)

	f.decisions.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	f.ledger.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	f.budgets.AssertNotCalled(t, "DebitCredits", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluate_LostInsertRaceReturnsWinner(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	policy := models.NewDefaultGatePolicy(tenantID)

	winner := &models.EnforcementDecision{
		ID:       uuid.New(),
		TenantID: tenantID,
		Source:   models.SourceTerraform,
		Decision: models.DecisionAllow,
	}

	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(nil, nil).Once()
	f.policies.On("GetOrCreate", mock.Anything, tenantID).Return(policy, nil)
	f.policies.On("AcquireEvaluationLock", mock.Anything, policy.ID, mock.Anything, true).Return(nil)
	f.budgets.On("Headroom", mock.Anything, tenantID, models.DefaultScope, mock.Anything).Return(headroomOf(1000, 0), nil)
	f.decisions.On("Insert", mock.Anything, mock.Anything).Return(repositories.ErrDuplicate)
	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(winner, nil)

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, gateInput(100))
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	assert.Equal(t, winner.ID, result.Decision.ID)
}

func TestEvaluate_FailSafeOnPolicyLoadFailure(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()

	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(nil, nil)
	f.policies.On("GetOrCreate", mock.Anything, tenantID).Return(nil, errors.New("connection reset"))
	f.policies.On("GetByTenant", mock.Anything, tenantID).Return(nil, repositories.ErrNotFound)
	f.decisions.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.ledger.On("Insert", mock.Anything, mock.Anything).Return(nil)

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, gateInput(100))
	require.NoError(t, err)
	require.True(t, result.FailSafe)

	d := result.Decision
	// Unknown policy degrades to hard mode, which denies
	assert.Equal(t, models.DecisionDeny, d.Decision)
	assert.Equal(t, []string{models.ReasonGateEvaluationError}, d.ReasonCodes)
	assert.True(t, d.TotalReserved().IsZero())
	f.ledger.AssertExpectations(t)
}

func TestEvaluate_FailSafeHonorsShadowMode(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	policy := models.NewDefaultGatePolicy(tenantID)
	policy.Modes = models.ModeMatrix{Default: models.ModeShadow}

	f.decisions.On("FindByIdempotencyKey", mock.Anything, tenantID, models.SourceTerraform, mock.Anything).Return(nil, nil)
	f.policies.On("GetOrCreate", mock.Anything, tenantID).Return(nil, errors.New("connection reset"))
	f.policies.On("GetByTenant", mock.Anything, tenantID).Return(policy, nil)
	f.decisions.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.ledger.On("Insert", mock.Anything, mock.Anything).Return(nil)

	result, err := f.service.Evaluate(ctx, tenantID, "dev@corp", models.SourceTerraform, gateInput(100))
	require.NoError(t, err)
	require.True(t, result.FailSafe)
	assert.Equal(t, models.DecisionAllow, result.Decision.Decision)
	assert.Equal(t, policy.PolicyVersion, result.Decision.PolicyVersion)
}

func TestEvaluate_ValidationErrors(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()

	tests := []struct {
		name   string
		source models.Source
		mutate func(*GateInput)
	}{
		{name: "unknown source", source: models.Source("cron"), mutate: func(*GateInput) {}},
		{name: "missing action", source: models.SourceTerraform, mutate: func(in *GateInput) { in.Action = "" }},
		{name: "missing resource ref", source: models.SourceTerraform, mutate: func(in *GateInput) { in.ResourceRef = "" }},
		{name: "negative delta", source: models.SourceTerraform, mutate: func(in *GateInput) { in.MonthlyDeltaUSD = usd(-5) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := gateInput(100)
			tt.mutate(&input)
			_, err := f.service.Evaluate(ctx, tenantID, "dev@corp", tt.source, input)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))
		})
	}
}
