package gate

import (
	"github.com/shopspring/decimal"

	"github.com/vantyr/costgate/models"
)

// WaterfallResult is the tentative outcome of the budget/credit waterfall
type WaterfallResult struct {
	Decision           models.DecisionType
	ReasonCodes        []string
	ReservedAllocation decimal.Decimal
	ReservedCredit     decimal.Decimal
}

// Waterfall applies the budget/credit waterfall to a monthly delta. Pure
// function, no I/O. A nil allocation headroom means no budget is configured
// and spend is unconstrained.
//
// Cascade: fit within allocation headroom, then allocation + credits, then
// a mode-governed overrun outcome. Reserved amounts never exceed the
// available headroom.
func Waterfall(monthlyDelta decimal.Decimal, headroom models.BudgetHeadroom, mode models.EnforcementMode) WaterfallResult {
	monthlyDelta = models.QuantizeMonthlyUSD(monthlyDelta)
	credits := models.QuantizeMonthlyUSD(headroom.Credits)
	if credits.IsNegative() {
		credits = decimal.Zero
	}

	if headroom.Allocation == nil {
		return WaterfallResult{
			Decision:    models.DecisionAllow,
			ReasonCodes: []string{models.ReasonNoBudgetConfigured},
		}
	}

	allocation := models.QuantizeMonthlyUSD(*headroom.Allocation)
	if allocation.IsNegative() {
		allocation = decimal.Zero
	}

	if monthlyDelta.LessThanOrEqual(allocation) {
		return WaterfallResult{
			Decision:           models.DecisionAllow,
			ReasonCodes:        []string{models.ReasonWithinBudget},
			ReservedAllocation: monthlyDelta,
		}
	}

	if monthlyDelta.LessThanOrEqual(allocation.Add(credits)) {
		return WaterfallResult{
			Decision:           models.DecisionAllowWithCredits,
			ReasonCodes:        []string{models.ReasonCreditWaterfallUsed},
			ReservedAllocation: allocation,
			ReservedCredit:     monthlyDelta.Sub(allocation),
		}
	}

	// Over budget: the outcome is mode-governed
	switch mode {
	case models.ModeShadow:
		return WaterfallResult{
			Decision:    models.DecisionAllow,
			ReasonCodes: []string{models.ReasonBudgetExceeded, models.ReasonShadowMode},
		}
	case models.ModeSoft:
		// Reserve the partial headroom so an eventual approval does not
		// overcommit the remainder elsewhere.
		return WaterfallResult{
			Decision:           models.DecisionRequireApproval,
			ReasonCodes:        []string{models.ReasonBudgetExceeded},
			ReservedAllocation: allocation,
			ReservedCredit:     credits,
		}
	default:
		return WaterfallResult{
			Decision:    models.DecisionDeny,
			ReasonCodes: []string{models.ReasonBudgetExceeded},
		}
	}
}

// ModeViolationDecision maps a policy violation onto the decision each
// enforcement mode produces: shadow observes, soft routes to approval, hard
// denies.
func ModeViolationDecision(mode models.EnforcementMode) models.DecisionType {
	switch mode {
	case models.ModeShadow:
		return models.DecisionAllow
	case models.ModeSoft:
		return models.DecisionRequireApproval
	default:
		return models.DecisionDeny
	}
}
