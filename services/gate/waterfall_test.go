package gate

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantyr/costgate/models"
)

func headroom(allocation string, credits string) models.BudgetHeadroom {
	h := models.BudgetHeadroom{Credits: decimal.RequireFromString(credits)}
	if allocation != "" {
		a := decimal.RequireFromString(allocation)
		h.Allocation = &a
	}
	return h
}

func TestWaterfall_WithinAllocation(t *testing.T) {
	result := Waterfall(decimal.RequireFromString("80"), headroom("100", "50"), models.ModeHard)

	assert.Equal(t, models.DecisionAllow, result.Decision)
	assert.Equal(t, []string{models.ReasonWithinBudget}, result.ReasonCodes)
	assert.True(t, result.ReservedAllocation.Equal(decimal.RequireFromString("80")))
	assert.True(t, result.ReservedCredit.IsZero())
}

func TestWaterfall_ExactAllocationBoundary(t *testing.T) {
	result := Waterfall(decimal.RequireFromString("100"), headroom("100", "50"), models.ModeHard)

	assert.Equal(t, models.DecisionAllow, result.Decision)
	assert.True(t, result.ReservedAllocation.Equal(decimal.RequireFromString("100")))
}

func TestWaterfall_CreditSpillover(t *testing.T) {
	// delta=120, allocation=100, credits=50, soft mode: allocation covers
	// 100.0000 and credits the remaining 20.0000
	result := Waterfall(decimal.RequireFromString("120"), headroom("100", "50"), models.ModeSoft)

	assert.Equal(t, models.DecisionAllowWithCredits, result.Decision)
	assert.Contains(t, result.ReasonCodes, models.ReasonCreditWaterfallUsed)
	assert.Equal(t, "100.0000", result.ReservedAllocation.StringFixed(4))
	assert.Equal(t, "20.0000", result.ReservedCredit.StringFixed(4))
}

func TestWaterfall_NoBudgetConfigured(t *testing.T) {
	result := Waterfall(decimal.RequireFromString("99999"), headroom("", "0"), models.ModeHard)

	assert.Equal(t, models.DecisionAllow, result.Decision)
	assert.Equal(t, []string{models.ReasonNoBudgetConfigured}, result.ReasonCodes)
	assert.True(t, result.ReservedAllocation.IsZero())
	assert.True(t, result.ReservedCredit.IsZero())
}

func TestWaterfall_OverrunByMode(t *testing.T) {
	tests := []struct {
		name          string
		mode          models.EnforcementMode
		wantDecision  models.DecisionType
		wantReserved  string
		wantCredit    string
		wantShadowTag bool
	}{
		{
			name:         "hard denies with zero reservation",
			mode:         models.ModeHard,
			wantDecision: models.DecisionDeny,
			wantReserved: "0",
			wantCredit:   "0",
		},
		{
			name:         "soft requires approval and holds partial headroom",
			mode:         models.ModeSoft,
			wantDecision: models.DecisionRequireApproval,
			wantReserved: "100",
			wantCredit:   "50",
		},
		{
			name:          "shadow allows with zero reservation",
			mode:          models.ModeShadow,
			wantDecision:  models.DecisionAllow,
			wantReserved:  "0",
			wantCredit:    "0",
			wantShadowTag: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Waterfall(decimal.RequireFromString("200"), headroom("100", "50"), tt.mode)

			assert.Equal(t, tt.wantDecision, result.Decision)
			assert.Contains(t, result.ReasonCodes, models.ReasonBudgetExceeded)
			assert.True(t, result.ReservedAllocation.Equal(decimal.RequireFromString(tt.wantReserved)))
			assert.True(t, result.ReservedCredit.Equal(decimal.RequireFromString(tt.wantCredit)))
			if tt.wantShadowTag {
				assert.Contains(t, result.ReasonCodes, models.ReasonShadowMode)
			}
		})
	}
}

func TestWaterfall_ReservationNeverExceedsHeadroom(t *testing.T) {
	deltas := []string{"0", "0.0001", "50", "100", "149.9999", "150", "150.0001", "1000"}
	modes := []models.EnforcementMode{models.ModeShadow, models.ModeSoft, models.ModeHard}
	max := decimal.RequireFromString("150")

	for _, d := range deltas {
		for _, mode := range modes {
			result := Waterfall(decimal.RequireFromString(d), headroom("100", "50"), mode)

			require.True(t, result.Decision.Valid(), "delta=%s mode=%s", d, mode)
			total := result.ReservedAllocation.Add(result.ReservedCredit)
			assert.True(t, total.LessThanOrEqual(max),
				"delta=%s mode=%s reserved %s exceeds headroom", d, mode, total)
		}
	}
}

func TestWaterfall_NegativeHeadroomTreatedAsZero(t *testing.T) {
	result := Waterfall(decimal.RequireFromString("10"), headroom("-25", "-5"), models.ModeHard)

	assert.Equal(t, models.DecisionDeny, result.Decision)
	assert.True(t, result.ReservedAllocation.IsZero())
	assert.True(t, result.ReservedCredit.IsZero())
}

func TestModeViolationDecision(t *testing.T) {
	assert.Equal(t, models.DecisionAllow, ModeViolationDecision(models.ModeShadow))
	assert.Equal(t, models.DecisionRequireApproval, ModeViolationDecision(models.ModeSoft))
	assert.Equal(t, models.DecisionDeny, ModeViolationDecision(models.ModeHard))
}
