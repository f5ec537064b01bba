package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionStatus is the lifecycle state of an action execution
type ActionStatus string

const (
	ActionQueued    ActionStatus = "queued"
	ActionRunning   ActionStatus = "running"
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionSucceeded, ActionFailed, ActionCancelled:
		return true
	}
	return false
}

// ActionExecution is a leasable unit of work authorized by a decision.
// Workers claim rows through conditional updates guarded by Version and the
// last observed AttemptCount; state transitions happen only through
// lease/complete/fail/cancel.
type ActionExecution struct {
	ID                  uuid.UUID       `json:"id" db:"id"`
	TenantID            uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	DecisionID          uuid.UUID       `json:"decision_id" db:"decision_id"`
	ApprovalID          *uuid.UUID      `json:"approval_id,omitempty" db:"approval_id"`
	ActionType          string          `json:"action_type" db:"action_type"`
	IdempotencyKey      string          `json:"idempotency_key" db:"idempotency_key"`
	Status              ActionStatus    `json:"status" db:"status"`
	Payload             json.RawMessage `json:"payload,omitempty" db:"payload"`
	Result              json.RawMessage `json:"result,omitempty" db:"result"`
	ResultHash          string          `json:"result_hash,omitempty" db:"result_hash"`
	ErrorMessage        string          `json:"error_message,omitempty" db:"error_message"`
	AttemptCount        int             `json:"attempt_count" db:"attempt_count"`
	MaxAttempts         int             `json:"max_attempts" db:"max_attempts"`
	RetryBackoffSeconds int             `json:"retry_backoff_seconds" db:"retry_backoff_seconds"`
	LeaseTTLSeconds     int             `json:"lease_ttl_seconds" db:"lease_ttl_seconds"`
	NextRetryAt         time.Time       `json:"next_retry_at" db:"next_retry_at"`
	LeaseOwner          string          `json:"lease_owner,omitempty" db:"lease_owner"`
	LeaseExpiresAt      *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	Version             int             `json:"version" db:"version"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ActionExecution model
func (ActionExecution) TableName() string {
	return "action_executions"
}

// Default retry/lease parameters for new action requests
const (
	DefaultMaxAttempts         = 5
	DefaultRetryBackoffSeconds = 60
	DefaultLeaseTTLSeconds     = 300
)

// NewActionExecution creates a queued action for a decision
func NewActionExecution(tenantID, decisionID uuid.UUID, approvalID *uuid.UUID, actionType, idempotencyKey string, payload json.RawMessage) *ActionExecution {
	now := time.Now().UTC()
	return &ActionExecution{
		ID:                  uuid.New(),
		TenantID:            tenantID,
		DecisionID:          decisionID,
		ApprovalID:          approvalID,
		ActionType:          actionType,
		IdempotencyKey:      idempotencyKey,
		Status:              ActionQueued,
		Payload:             payload,
		AttemptCount:        0,
		MaxAttempts:         DefaultMaxAttempts,
		RetryBackoffSeconds: DefaultRetryBackoffSeconds,
		LeaseTTLSeconds:     DefaultLeaseTTLSeconds,
		NextRetryAt:         now,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// LeaseExpired reports whether the current lease, if any, has lapsed
func (a *ActionExecution) LeaseExpired(now time.Time) bool {
	return a.LeaseExpiresAt == nil || !a.LeaseExpiresAt.After(now)
}
