package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of an approval request
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest tracks the human-approval workflow for one decision.
// One-to-one with a REQUIRE_APPROVAL decision. Only the token hash is
// stored; the signed token itself is returned once at approval time.
type ApprovalRequest struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	TenantID       uuid.UUID      `json:"tenant_id" db:"tenant_id"`
	DecisionID     uuid.UUID      `json:"decision_id" db:"decision_id"`
	Status         ApprovalStatus `json:"status" db:"status"`
	RequestedBy    string         `json:"requested_by" db:"requested_by"`
	ReviewedBy     string         `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewComment  string         `json:"review_comment,omitempty" db:"review_comment"`
	MatchedRule    string         `json:"matched_rule,omitempty" db:"matched_rule"`
	TokenHash      string         `json:"-" db:"token_hash"`
	TokenExpiresAt *time.Time     `json:"token_expires_at,omitempty" db:"token_expires_at"`
	ConsumedAt     *time.Time     `json:"consumed_at,omitempty" db:"consumed_at"`
	ExpiresAt      time.Time      `json:"expires_at" db:"expires_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ApprovalRequest model
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// NewApprovalRequest creates a pending approval for a decision
func NewApprovalRequest(tenantID, decisionID uuid.UUID, requestedBy, matchedRule string, ttl time.Duration) *ApprovalRequest {
	now := time.Now().UTC()
	return &ApprovalRequest{
		ID:          uuid.New(),
		TenantID:    tenantID,
		DecisionID:  decisionID,
		Status:      ApprovalPending,
		RequestedBy: requestedBy,
		MatchedRule: matchedRule,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ExpiredAt reports whether a pending request has passed its deadline
func (a *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return a.Status == ApprovalPending && !a.ExpiresAt.After(now)
}
