package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DecisionType is the outcome of a gate evaluation
type DecisionType string

const (
	DecisionAllow            DecisionType = "allow"
	DecisionAllowWithCredits DecisionType = "allow_with_credits"
	DecisionRequireApproval  DecisionType = "require_approval"
	DecisionDeny             DecisionType = "deny"
)

// Valid reports whether the decision type is known
func (d DecisionType) Valid() bool {
	switch d {
	case DecisionAllow, DecisionAllowWithCredits, DecisionRequireApproval, DecisionDeny:
		return true
	}
	return false
}

// Reason codes attached to decisions. Machine-readable, ordered, de-duplicated.
const (
	ReasonWithinBudget        = "within_budget"
	ReasonNoBudgetConfigured  = "no_budget_configured"
	ReasonCreditWaterfallUsed = "credit_waterfall_used"
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonHardDenyExceeded    = "hard_deny_threshold_exceeded"
	ReasonApprovalRequired    = "approval_required"
	ReasonShadowMode          = "shadow_mode"
	ReasonGateTimeout         = "gate_timeout"
	ReasonGateEvaluationError = "gate_evaluation_error"
	ReasonAutoReleasedOverdue = "auto_released_overdue"
)

// MaxIdempotencyKeyLength caps caller-supplied and derived idempotency keys
const MaxIdempotencyKeyLength = 128

// EnforcementDecision is the central record of one gate evaluation. Unique
// on (tenant_id, source, idempotency_key); immutable after insert except for
// reservation release and reconciliation annotation.
type EnforcementDecision struct {
	ID                  uuid.UUID       `json:"id" db:"id"`
	TenantID            uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Source              Source          `json:"source" db:"source"`
	Environment         Environment     `json:"environment" db:"environment"`
	Scope               string          `json:"scope" db:"scope"`
	Action              string          `json:"action" db:"action"`
	ResourceRef         string          `json:"resource_ref" db:"resource_ref"`
	Decision            DecisionType    `json:"decision" db:"decision"`
	ReasonCodes         []string        `json:"reason_codes" db:"reason_codes"`
	RiskClass           RiskClass       `json:"risk_class" db:"risk_class"`
	PolicyVersion       int             `json:"policy_version" db:"policy_version"`
	RequestFingerprint  string          `json:"request_fingerprint" db:"request_fingerprint"`
	IdempotencyKey      string          `json:"idempotency_key" db:"idempotency_key"`
	RequestPayload      json.RawMessage `json:"request_payload" db:"request_payload"`
	ResponsePayload     json.RawMessage `json:"response_payload" db:"response_payload"`
	MonthlyDeltaUSD     decimal.Decimal `json:"monthly_delta_usd" db:"monthly_delta_usd"`
	HourlyDeltaUSD      decimal.Decimal `json:"hourly_delta_usd" db:"hourly_delta_usd"`
	AllocationHeadroom  *decimal.Decimal `json:"allocation_headroom_usd,omitempty" db:"allocation_headroom_usd"`
	CreditsHeadroom     decimal.Decimal `json:"credits_headroom_usd" db:"credits_headroom_usd"`
	ReservedAllocation  decimal.Decimal `json:"reserved_allocation_usd" db:"reserved_allocation_usd"`
	ReservedCredit      decimal.Decimal `json:"reserved_credit_usd" db:"reserved_credit_usd"`
	ReservationActive   bool            `json:"reservation_active" db:"reservation_active"`
	ApprovalRequired    bool            `json:"approval_required" db:"approval_required"`
	ApprovalTokenIssued bool            `json:"approval_token_issued" db:"approval_token_issued"`
	Reconciliation      json.RawMessage `json:"reconciliation,omitempty" db:"reconciliation"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the EnforcementDecision model
func (EnforcementDecision) TableName() string {
	return "enforcement_decisions"
}

// Blocking reports whether the decision prevents the change from proceeding
// without further action.
func (d *EnforcementDecision) Blocking() bool {
	return d.Decision == DecisionDeny || (d.Decision == DecisionRequireApproval && d.ApprovalRequired)
}

// TotalReserved is the sum of allocation and credit reservations
func (d *EnforcementDecision) TotalReserved() decimal.Decimal {
	return d.ReservedAllocation.Add(d.ReservedCredit)
}

// AppendReason adds a reason code if not already present, preserving order
func AppendReason(codes []string, code string) []string {
	for _, c := range codes {
		if c == code {
			return codes
		}
	}
	return append(codes, code)
}

// ReconciliationOutcome is the annotation stored on a decision after its
// reservation is settled against actual spend. Ledger entries are never
// touched by reconciliation.
type ReconciliationOutcome struct {
	IdempotencyKey   string          `json:"idempotency_key"`
	ActualMonthlyUSD decimal.Decimal `json:"actual_monthly_usd"`
	DriftUSD         decimal.Decimal `json:"drift_usd"`
	Classification   string          `json:"classification"` // matched|overage|savings
	Reason           string          `json:"reason,omitempty"`
	ReconciledAt     time.Time       `json:"reconciled_at"`
}

// Reconciliation classifications
const (
	DriftMatched = "matched"
	DriftOverage = "overage"
	DriftSavings = "savings"
)
