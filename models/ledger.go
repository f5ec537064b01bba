package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DecisionLedgerEntry is the append-only projection of a decision at
// evaluation time. The ledger table rejects UPDATE and DELETE at the storage
// layer; entries carry content hashes rather than raw payloads so the ledger
// can prove a decision's shape without duplicating it.
type DecisionLedgerEntry struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	TenantID           uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	DecisionID         uuid.UUID       `json:"decision_id" db:"decision_id"`
	Source             Source          `json:"source" db:"source"`
	Environment        Environment     `json:"environment" db:"environment"`
	Decision           DecisionType    `json:"decision" db:"decision"`
	PolicyVersion      int             `json:"policy_version" db:"policy_version"`
	RequestFingerprint string          `json:"request_fingerprint" db:"request_fingerprint"`
	RequestHash        string          `json:"request_hash" db:"request_hash"`
	ResponseHash       string          `json:"response_hash" db:"response_hash"`
	ReservedAllocation decimal.Decimal `json:"reserved_allocation_usd" db:"reserved_allocation_usd"`
	ReservedCredit     decimal.Decimal `json:"reserved_credit_usd" db:"reserved_credit_usd"`
	RecordedAt         time.Time       `json:"recorded_at" db:"recorded_at"`
}

// TableName returns the table name for the DecisionLedgerEntry model
func (DecisionLedgerEntry) TableName() string {
	return "decision_ledger"
}

// ContentHash returns the hex SHA-256 of a payload, or empty for nil
func ContentHash(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NewLedgerEntry projects a decision into its ledger entry
func NewLedgerEntry(d *EnforcementDecision) *DecisionLedgerEntry {
	return &DecisionLedgerEntry{
		ID:                 uuid.New(),
		TenantID:           d.TenantID,
		DecisionID:         d.ID,
		Source:             d.Source,
		Environment:        d.Environment,
		Decision:           d.Decision,
		PolicyVersion:      d.PolicyVersion,
		RequestFingerprint: d.RequestFingerprint,
		RequestHash:        ContentHash(d.RequestPayload),
		ResponseHash:       ContentHash(d.ResponsePayload),
		ReservedAllocation: d.ReservedAllocation,
		ReservedCredit:     d.ReservedCredit,
		RecordedAt:         time.Now().UTC(),
	}
}
