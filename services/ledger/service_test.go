package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
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

// MockDecisionCounter mocks the decision-side window count
type MockDecisionCounter struct {
	mock.Mock
}

func (m *MockDecisionCounter) FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, source models.Source, key string) (*models.EnforcementDecision, error) {
	args := m.Called(ctx, tenantID, source, key)
	if d := args.Get(0); d != nil {
		return d.(*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionCounter) Insert(ctx context.Context, decision *models.EnforcementDecision) error {
	args := m.Called(ctx, decision)
	return args.Error(0)
}

func (m *MockDecisionCounter) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.EnforcementDecision, error) {
	args := m.Called(ctx, tenantID, id)
	if d := args.Get(0); d != nil {
		return d.(*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionCounter) List(ctx context.Context, tenantID uuid.UUID, filter repositories.DecisionFilter) ([]*models.EnforcementDecision, error) {
	args := m.Called(ctx, tenantID, filter)
	if d := args.Get(0); d != nil {
		return d.([]*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionCounter) GetActiveReservationForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.EnforcementDecision, error) {
	args := m.Called(ctx, tenantID, id)
	if d := args.Get(0); d != nil {
		return d.(*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionCounter) ReleaseReservation(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDecisionCounter) AnnotateReconciliation(ctx context.Context, id uuid.UUID, outcome json.RawMessage) error {
	args := m.Called(ctx, id, outcome)
	return args.Error(0)
}

func (m *MockDecisionCounter) ListOverdueReservations(ctx context.Context, cutoff time.Time, limit int) ([]*models.EnforcementDecision, error) {
	args := m.Called(ctx, cutoff, limit)
	if d := args.Get(0); d != nil {
		return d.([]*models.EnforcementDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionCounter) SetApprovalTokenIssued(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDecisionCounter) CountWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int, error) {
	args := m.Called(ctx, tenantID, from, to)
	return args.Int(0), args.Error(1)
}

type ledgerFixture struct {
	service   *Service
	ledger    *MockLedgerRepository
	decisions *MockDecisionCounter
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		ledger:    new(MockLedgerRepository),
		decisions: new(MockDecisionCounter),
	}
	repos := &repositories.Repositories{
		Ledger:    f.ledger,
		Decisions: f.decisions,
	}
	f.service = NewService(repos, zap.NewNop())
	return f
}

func window() (time.Time, time.Time) {
	to := time.Now().UTC()
	return to.Add(-24 * time.Hour), to
}

func sampleEntry(tenantID uuid.UUID) *models.DecisionLedgerEntry {
	decision := &models.EnforcementDecision{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Source:             models.SourceTerraform,
		Environment:        models.EnvProd,
		Decision:           models.DecisionAllow,
		PolicyVersion:      3,
		RequestFingerprint: "fp-abc",
		RequestPayload:     json.RawMessage(`{"action":"scale"}`),
		ResponsePayload:    json.RawMessage(`{"decision":"allow"}`),
		ReservedAllocation: decimal.NewFromInt(120),
		ReservedCredit:     decimal.NewFromInt(30),
	}
	return models.NewLedgerEntry(decision)
}

func TestVerify(t *testing.T) {
	tenantID := uuid.New()
	ctx := context.Background()
	from, to := window()

	t.Run("consistent window", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.decisions.On("CountWindow", mock.Anything, tenantID, from, to).Return(42, nil)
		f.ledger.On("CountWindow", mock.Anything, tenantID, from, to).Return(42, nil)

		report, err := f.service.Verify(ctx, tenantID, from, to)
		require.NoError(t, err)
		assert.True(t, report.Consistent)
		assert.Equal(t, 42, report.DecisionCount)
		assert.Equal(t, 42, report.LedgerCount)
	})

	t.Run("divergent window", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.decisions.On("CountWindow", mock.Anything, tenantID, from, to).Return(42, nil)
		f.ledger.On("CountWindow", mock.Anything, tenantID, from, to).Return(41, nil)

		report, err := f.service.Verify(ctx, tenantID, from, to)
		require.NoError(t, err)
		assert.False(t, report.Consistent)
	})

	t.Run("rejects empty window", func(t *testing.T) {
		f := newLedgerFixture(t)
		_, err := f.service.Verify(ctx, tenantID, to, from)
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
	})
}

func TestExportWindow(t *testing.T) {
	tenantID := uuid.New()
	ctx := context.Background()
	from, to := window()

	t.Run("json export", func(t *testing.T) {
		f := newLedgerFixture(t)
		entries := []*models.DecisionLedgerEntry{sampleEntry(tenantID), sampleEntry(tenantID)}

		f.decisions.On("CountWindow", mock.Anything, tenantID, from, to).Return(2, nil)
		f.ledger.On("CountWindow", mock.Anything, tenantID, from, to).Return(2, nil)
		f.ledger.On("ListWindow", mock.Anything, tenantID, from, to).Return(entries, nil)

		export, err := f.service.ExportWindow(ctx, tenantID, from, to, FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, "application/json", export.ContentType)
		assert.Equal(t, 2, export.Count)

		var decoded []*models.DecisionLedgerEntry
		require.NoError(t, json.Unmarshal(export.Body, &decoded))
		require.Len(t, decoded, 2)
		assert.Equal(t, entries[0].DecisionID, decoded[0].DecisionID)
		assert.Equal(t, entries[0].RequestHash, decoded[0].RequestHash)
	})

	t.Run("csv export", func(t *testing.T) {
		f := newLedgerFixture(t)
		entry := sampleEntry(tenantID)

		f.decisions.On("CountWindow", mock.Anything, tenantID, from, to).Return(1, nil)
		f.ledger.On("CountWindow", mock.Anything, tenantID, from, to).Return(1, nil)
		f.ledger.On("ListWindow", mock.Anything, tenantID, from, to).Return([]*models.DecisionLedgerEntry{entry}, nil)

		export, err := f.service.ExportWindow(ctx, tenantID, from, to, FormatCSV)
		require.NoError(t, err)
		assert.Equal(t, "text/csv", export.ContentType)

		records, err := csv.NewReader(strings.NewReader(string(export.Body))).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, csvHeader, records[0])
		assert.Equal(t, entry.DecisionID.String(), records[1][2])
		assert.Equal(t, "allow", records[1][5])
		assert.Equal(t, "120.0000", records[1][10])
		assert.Equal(t, "30.0000", records[1][11])
	})

	t.Run("empty format defaults to json", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.decisions.On("CountWindow", mock.Anything, tenantID, from, to).Return(0, nil)
		f.ledger.On("CountWindow", mock.Anything, tenantID, from, to).Return(0, nil)
		f.ledger.On("ListWindow", mock.Anything, tenantID, from, to).Return([]*models.DecisionLedgerEntry{}, nil)

		export, err := f.service.ExportWindow(ctx, tenantID, from, to, "")
		require.NoError(t, err)
		assert.Equal(t, FormatJSON, export.Format)
	})

	t.Run("refuses to export a divergent window", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.decisions.On("CountWindow", mock.Anything, tenantID, from, to).Return(10, nil)
		f.ledger.On("CountWindow", mock.Anything, tenantID, from, to).Return(9, nil)

		_, err := f.service.ExportWindow(ctx, tenantID, from, to, FormatJSON)
		require.Error(t, err)
		assert.True(t, services.IsInternalError(err))
		f.ledger.AssertNotCalled(t, "ListWindow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects unknown format before touching storage", func(t *testing.T) {
		f := newLedgerFixture(t)

		_, err := f.service.ExportWindow(ctx, tenantID, from, to, ExportFormat("xml"))
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
		f.decisions.AssertNotCalled(t, "CountWindow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		f.ledger.AssertNotCalled(t, "ListWindow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
