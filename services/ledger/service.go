package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/services"
)

// ExportFormat selects the export encoding
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// VerifyReport compares ledger entries against live decisions for a window
type VerifyReport struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	DecisionCount int       `json:"decision_count"`
	LedgerCount   int       `json:"ledger_count"`
	Consistent    bool      `json:"consistent"`
}

// Export is the encoded ledger window plus its entry count
type Export struct {
	Format      ExportFormat
	ContentType string
	Body        []byte
	Count       int
}

// Service reads the append-only decision ledger. There is no write surface
// beyond the evaluator's insert; anything else would undermine the audit
// guarantee.
type Service struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewService creates a ledger read service
func NewService(repos *repositories.Repositories, logger *zap.Logger) *Service {
	return &Service{repos: repos, logger: logger}
}

// Verify checks count parity between the decision table and the ledger for
// a window. A divergence means ledger writes were lost or decisions were
// tampered with; either way the export path must refuse to proceed.
func (s *Service) Verify(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*VerifyReport, error) {
	if !to.After(from) {
		return nil, services.ErrInvalidInput.WithDetail("field", "window")
	}
	decisionCount, err := s.repos.Decisions.CountWindow(ctx, tenantID, from, to)
	if err != nil {
		return nil, services.WrapInternal("failed to count decisions", err)
	}
	ledgerCount, err := s.repos.Ledger.CountWindow(ctx, tenantID, from, to)
	if err != nil {
		return nil, services.WrapInternal("failed to count ledger entries", err)
	}
	report := &VerifyReport{
		From:          from,
		To:            to,
		DecisionCount: decisionCount,
		LedgerCount:   ledgerCount,
		Consistent:    decisionCount == ledgerCount,
	}
	if !report.Consistent {
		s.logger.Error("ledger count parity violated",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("decision_count", decisionCount),
			zap.Int("ledger_count", ledgerCount),
		)
	}
	return report, nil
}

// ExportWindow encodes the ledger for a window. It fails loudly on a count
// parity violation rather than returning a silently incomplete export.
func (s *Service) ExportWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time, format ExportFormat) (*Export, error) {
	switch format {
	case FormatCSV, FormatJSON, "":
	default:
		return nil, services.ErrInvalidInput.WithDetail("field", "format")
	}

	report, err := s.Verify(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	if !report.Consistent {
		return nil, services.NewDomainError(services.ErrorTypeInternal, "ledger diverges from decision table", nil).
			WithDetail("decision_count", report.DecisionCount).
			WithDetail("ledger_count", report.LedgerCount)
	}

	entries, err := s.repos.Ledger.ListWindow(ctx, tenantID, from, to)
	if err != nil {
		return nil, services.WrapInternal("failed to read ledger window", err)
	}

	switch format {
	case FormatCSV:
		body, err := encodeCSV(entries)
		if err != nil {
			return nil, services.WrapInternal("failed to encode ledger export", err)
		}
		return &Export{Format: FormatCSV, ContentType: "text/csv", Body: body, Count: len(entries)}, nil
	default:
		body, err := json.Marshal(entries)
		if err != nil {
			return nil, services.WrapInternal("failed to encode ledger export", err)
		}
		return &Export{Format: FormatJSON, ContentType: "application/json", Body: body, Count: len(entries)}, nil
	}
}

var csvHeader = []string{
	"id", "tenant_id", "decision_id", "source", "environment", "decision",
	"policy_version", "request_fingerprint", "request_hash", "response_hash",
	"reserved_allocation_usd", "reserved_credit_usd", "recorded_at",
}

func encodeCSV(entries []*models.DecisionLedgerEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		record := []string{
			e.ID.String(),
			e.TenantID.String(),
			e.DecisionID.String(),
			string(e.Source),
			string(e.Environment),
			string(e.Decision),
			strconv.Itoa(e.PolicyVersion),
			e.RequestFingerprint,
			e.RequestHash,
			e.ResponseHash,
			e.ReservedAllocation.StringFixed(models.MonthlyUSDPlaces),
			e.ReservedCredit.StringFixed(models.MonthlyUSDPlaces),
			e.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
