package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantyr/costgate/models"
)

// Sentinel errors shared by all repository implementations. Services map
// these onto the domain error taxonomy.
var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert loses an idempotency race
	// (unique constraint violation). The caller re-reads the winning row.
	ErrDuplicate = errors.New("duplicate row")

	// ErrLockTimeout is returned when the per-policy evaluation lock was not
	// acquired within its bounded wait. Maps to a fail-safe gate outcome.
	ErrLockTimeout = errors.New("evaluation lock timeout")

	// ErrLockContended is returned when the lock is held and the caller
	// asked not to wait.
	ErrLockContended = errors.New("evaluation lock contended")

	// ErrImmutable is returned on any mutation attempt against append-only
	// storage. The storage layer also rejects these with triggers.
	ErrImmutable = errors.New("row is immutable")
)

// TransactionManager manages database transactions. Repositories pick up an
// in-flight transaction from the context, so services compose multi-table
// writes without threading tx handles through every call.
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Automatically commits if the function succeeds, rolls back on error.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PolicyRepository handles the per-tenant gate policy row
type PolicyRepository interface {
	// GetByTenant retrieves the tenant's policy. ErrNotFound when absent.
	GetByTenant(ctx context.Context, tenantID uuid.UUID) (*models.GatePolicy, error)

	// GetOrCreate retrieves the tenant's policy, creating the default policy
	// on first use. Safe under concurrent first calls: a lost insert race
	// falls back to reading the winner.
	GetOrCreate(ctx context.Context, tenantID uuid.UUID) (*models.GatePolicy, error)

	// Update persists policy changes and bumps policy_version. The update is
	// conditional on the previously read version; ErrDuplicate signals a
	// concurrent update.
	Update(ctx context.Context, policy *models.GatePolicy) error

	// AcquireEvaluationLock takes the advisory per-policy evaluation lock
	// inside the current transaction, waiting at most timeout. Returns
	// ErrLockTimeout on deadline, ErrLockContended when wait=false and the
	// lock is held.
	AcquireEvaluationLock(ctx context.Context, policyID uuid.UUID, timeout time.Duration, wait bool) error
}

// BudgetRepository handles allocations, credit grants and headroom
type BudgetRepository interface {
	// GetAllocation returns the active allocation for a scope, falling back
	// to the "default" scope. Returns ErrNotFound when neither exists.
	GetAllocation(ctx context.Context, tenantID uuid.UUID, scope string) (*models.BudgetAllocation, error)

	// ListAllocations returns all allocations for a tenant
	ListAllocations(ctx context.Context, tenantID uuid.UUID) ([]*models.BudgetAllocation, error)

	// UpsertAllocation creates or replaces the allocation for a scope
	UpsertAllocation(ctx context.Context, alloc *models.BudgetAllocation) error

	// CreateCredit inserts a new credit grant
	CreateCredit(ctx context.Context, grant *models.CreditGrant) error

	// ListCredits returns credit grants for a tenant, optionally scoped
	ListCredits(ctx context.Context, tenantID uuid.UUID, scope string) ([]*models.CreditGrant, error)

	// Headroom computes the budget headroom snapshot for a scope: allocation
	// limit minus active reservations for the current month (nil when no
	// allocation is configured), plus total usable credit remaining.
	Headroom(ctx context.Context, tenantID uuid.UUID, scope string, now time.Time) (*models.BudgetHeadroom, error)

	// DebitCredits consumes amount from the tenant's usable grants in
	// soonest-expiry order. Fails when the grants cannot cover the amount.
	DebitCredits(ctx context.Context, tenantID uuid.UUID, scope string, amount decimal.Decimal, now time.Time) error

	// CreditBack returns amount to the tenant's grants on reservation release
	CreditBack(ctx context.Context, tenantID uuid.UUID, scope string, amount decimal.Decimal) error
}

// DecisionFilter narrows decision listings
type DecisionFilter struct {
	Source      *models.Source
	Environment *models.Environment
	Decision    *models.DecisionType
	Limit       int
	Offset      int
}

// DecisionRepository handles enforcement decision rows
type DecisionRepository interface {
	// FindByIdempotencyKey returns the decision for (tenant, source, key),
	// or (nil, nil) when no decision exists. This is the idempotent-replay
	// lookup, so absence is not an error.
	FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, source models.Source, key string) (*models.EnforcementDecision, error)

	// Insert persists a new decision. ErrDuplicate on a lost idempotency
	// race; the caller returns the winning row instead.
	Insert(ctx context.Context, decision *models.EnforcementDecision) error

	// GetByID retrieves a decision scoped to a tenant
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.EnforcementDecision, error)

	// List returns decisions for a tenant, newest first
	List(ctx context.Context, tenantID uuid.UUID, filter DecisionFilter) ([]*models.EnforcementDecision, error)

	// GetActiveReservationForUpdate row-locks and returns a decision whose
	// reservation is still active. ErrNotFound when the decision does not
	// exist or its reservation is already released.
	GetActiveReservationForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.EnforcementDecision, error)

	// ReleaseReservation zeroes the reserved amounts and deactivates the
	// reservation. Conditional on reservation_active; ErrNotFound when the
	// reservation was already released.
	ReleaseReservation(ctx context.Context, id uuid.UUID) error

	// AnnotateReconciliation stores the reconciliation outcome on the
	// decision. The ledger entry is never touched.
	AnnotateReconciliation(ctx context.Context, id uuid.UUID, outcome json.RawMessage) error

	// ListOverdueReservations returns decisions with active reservations
	// created before the cutoff, oldest first
	ListOverdueReservations(ctx context.Context, cutoff time.Time, limit int) ([]*models.EnforcementDecision, error)

	// SetApprovalTokenIssued flags that a signed token was issued
	SetApprovalTokenIssued(ctx context.Context, id uuid.UUID) error

	// CountWindow counts decisions for a tenant in [from, to)
	CountWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int, error)
}

// LedgerRepository handles the append-only decision ledger. There is no
// update or delete: the schema enforces immutability with triggers and this
// interface refuses to express mutation.
type LedgerRepository interface {
	// Insert appends a ledger entry
	Insert(ctx context.Context, entry *models.DecisionLedgerEntry) error

	// ListWindow returns ledger entries for a tenant in [from, to), oldest first
	ListWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]*models.DecisionLedgerEntry, error)

	// CountWindow counts ledger entries for a tenant in [from, to)
	CountWindow(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int, error)
}

// ApprovalRepository handles approval request rows. All state transitions
// are conditional updates on the current status; a zero-row update surfaces
// as ErrNotFound (row gone) or ErrDuplicate (lost transition race).
type ApprovalRepository interface {
	// Create inserts a pending approval request
	Create(ctx context.Context, approval *models.ApprovalRequest) error

	// GetByID retrieves an approval scoped to a tenant
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ApprovalRequest, error)

	// GetByDecisionID retrieves the approval for a decision
	GetByDecisionID(ctx context.Context, tenantID, decisionID uuid.UUID) (*models.ApprovalRequest, error)

	// List returns approvals for a tenant, optionally filtered by status
	List(ctx context.Context, tenantID uuid.UUID, status *models.ApprovalStatus, limit, offset int) ([]*models.ApprovalRequest, error)

	// Approve transitions pending -> approved and stores the token hash and
	// expiry. ErrDuplicate when the request is no longer pending.
	Approve(ctx context.Context, id uuid.UUID, reviewer, comment, tokenHash string, tokenExpiresAt time.Time) error

	// Deny transitions pending -> denied. ErrDuplicate when not pending.
	Deny(ctx context.Context, id uuid.UUID, reviewer, comment string) error

	// Expire transitions pending -> expired. ErrDuplicate when not pending.
	Expire(ctx context.Context, id uuid.UUID) error

	// Cancel transitions pending -> cancelled. ErrDuplicate when not pending.
	Cancel(ctx context.Context, id uuid.UUID) error

	// Consume atomically sets consumed_at if and only if it is unset. This
	// single conditional write is the token single-use guarantee. Returns
	// ErrDuplicate when the token was already consumed (replay).
	Consume(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ActionFilter narrows action listings
type ActionFilter struct {
	DecisionID *uuid.UUID
	Status     *models.ActionStatus
	Limit      int
	Offset     int
}

// ActionRepository handles the lease-based action work queue
type ActionRepository interface {
	// Create inserts a queued action. ErrDuplicate on a lost idempotency
	// race per (tenant, decision, action_type, idempotency_key).
	Create(ctx context.Context, action *models.ActionExecution) error

	// FindByIdempotencyKey returns the action for the idempotency tuple, or
	// (nil, nil) when absent
	FindByIdempotencyKey(ctx context.Context, tenantID, decisionID uuid.UUID, actionType, key string) (*models.ActionExecution, error)

	// GetByID retrieves an action scoped to a tenant
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ActionExecution, error)

	// List returns actions for a tenant, newest first
	List(ctx context.Context, tenantID uuid.UUID, filter ActionFilter) ([]*models.ActionExecution, error)

	// SelectNextEligible returns the oldest leasable row: next_retry_at due,
	// attempts remaining, and either queued or running with an expired lease
	// (a crashed worker's row). (nil, nil) when the queue is empty.
	SelectNextEligible(ctx context.Context, now time.Time) (*models.ActionExecution, error)

	// TryLease conditionally claims a row for workerID. The update checks
	// the previously observed attempt_count and version, so two racing
	// workers cannot both win; a running row is claimable only once its
	// lease has lapsed. Returns false on a lost race.
	TryLease(ctx context.Context, id uuid.UUID, observedAttempts, observedVersion int, workerID string, leaseExpiresAt time.Time) (bool, error)

	// Complete transitions running -> succeeded for the lease holder.
	// ErrDuplicate when workerID does not hold the lease or the row is not
	// running.
	Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage, resultHash string) error

	// FailRequeue transitions running -> queued with a retry deadline, for
	// the lease holder. ErrDuplicate on ownership/state mismatch.
	FailRequeue(ctx context.Context, id uuid.UUID, workerID, errMsg string, nextRetryAt time.Time) error

	// FailTerminal transitions running -> failed permanently, for the lease
	// holder. ErrDuplicate on ownership/state mismatch.
	FailTerminal(ctx context.Context, id uuid.UUID, workerID, errMsg string) error

	// Cancel transitions queued -> cancelled. ErrDuplicate when the row is
	// running or has reached a terminal state.
	Cancel(ctx context.Context, tenantID, id uuid.UUID) error
}

// ReconciliationRecord stores the outcome of one reconciliation request so
// replays with the same idempotency key return the prior result.
type ReconciliationRecord struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	TenantID       uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	DecisionID     uuid.UUID       `json:"decision_id" db:"decision_id"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	InputHash      string          `json:"input_hash" db:"input_hash"`
	Outcome        json.RawMessage `json:"outcome" db:"outcome"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// ReconciliationRepository handles idempotent reconciliation records
type ReconciliationRepository interface {
	// FindByKey returns the record for (tenant, idempotency_key), or
	// (nil, nil) when absent
	FindByKey(ctx context.Context, tenantID uuid.UUID, key string) (*ReconciliationRecord, error)

	// Insert persists a reconciliation record. ErrDuplicate on a lost race.
	Insert(ctx context.Context, record *ReconciliationRecord) error
}
