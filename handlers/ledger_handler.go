package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vantyr/costgate/services/ledger"
	"github.com/vantyr/costgate/utils"
)

// LedgerHandler serves the append-only decision ledger
type LedgerHandler struct {
	ledger *ledger.Service
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(ledgerService *ledger.Service, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledgerService,
		logger: logger,
	}
}

// parseWindow parses the from/to query parameters. Defaults to the last 30
// days when absent.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}
	return from, to, nil
}

// HandleExport handles GET /api/v1/ledger/export
func (h *LedgerHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid time window, expected RFC3339 timestamps", nil)
		return
	}
	if !to.After(from) {
		_ = utils.WriteBadRequest(w, "Export window must end after it starts", nil)
		return
	}

	format := ledger.FormatJSON
	switch r.URL.Query().Get("format") {
	case "", "json":
	case "csv":
		format = ledger.FormatCSV
	default:
		_ = utils.WriteBadRequest(w, "Invalid format, expected json or csv", nil)
		return
	}

	export, err := h.ledger.ExportWindow(ctx, tenantID, from, to, format)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("ledger exported",
		zap.String("tenant_id", tenantID.String()),
		zap.String("format", string(export.Format)),
		zap.Int("entries", export.Count))

	w.Header().Set("Content-Type", export.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.Body)
}

// HandleVerify handles GET /api/v1/ledger/verify
func (h *LedgerHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := requireTenant(w, r, h.logger)
	if !ok {
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid time window, expected RFC3339 timestamps", nil)
		return
	}

	report, err := h.ledger.Verify(ctx, tenantID, from, to)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, report)
}
