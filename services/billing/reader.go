package billing

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reader provides the "actual spend" input for reconciliation. The gate only
// reads cost records; it never writes to the billing ledger.
type Reader interface {
	// ActualMonthlySpend returns the observed month-to-date spend attributed
	// to a resource within a tenant scope.
	ActualMonthlySpend(ctx context.Context, tenantID uuid.UUID, scope, resourceRef string) (decimal.Decimal, error)
}

type spendKey struct {
	tenant   uuid.UUID
	scope    string
	resource string
}

// StaticReader serves spend figures from memory. Used in tests and in
// deployments where reconciliation inputs arrive through the API instead of
// a billing feed.
type StaticReader struct {
	mu    sync.RWMutex
	spend map[spendKey]decimal.Decimal
}

// NewStaticReader creates an empty reader
func NewStaticReader() *StaticReader {
	return &StaticReader{spend: make(map[spendKey]decimal.Decimal)}
}

// SetSpend records the spend figure returned for a resource
func (r *StaticReader) SetSpend(tenantID uuid.UUID, scope, resourceRef string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spend[spendKey{tenantID, scope, resourceRef}] = amount
}

// ActualMonthlySpend returns the recorded spend, or zero when unknown
func (r *StaticReader) ActualMonthlySpend(_ context.Context, tenantID uuid.UUID, scope, resourceRef string) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spend[spendKey{tenantID, scope, resourceRef}], nil
}
