package postgres

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/vantyr/costgate/repositories"
)

// policyLockKey derives the 64-bit advisory lock key for a policy row from
// the first 8 bytes of its UUID. Stable across processes, so every evaluator
// contends on the same key for the same tenant policy.
func policyLockKey(policyID uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(policyID[:8]))
}

// acquireAdvisoryLock takes a transaction-scoped advisory lock with a
// bounded wait. Must run inside a transaction: the lock releases on
// commit/rollback, and SET LOCAL is a no-op outside one.
//
// wait=true blocks up to timeout (lock_timeout cancels the wait server-side)
// and maps the cancellation to ErrLockTimeout. wait=false probes with
// pg_try_advisory_xact_lock and maps a held lock to ErrLockContended.
func acquireAdvisoryLock(ctx context.Context, exec Executor, key int64, timeout time.Duration, wait bool) error {
	if !wait {
		var got bool
		err := exec.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, key).Scan(&got)
		if err != nil {
			return mapError("try advisory lock", err)
		}
		if !got {
			return fmt.Errorf("advisory lock %d held: %w", key, repositories.ErrLockContended)
		}
		return nil
	}

	if _, err := exec.ExecContext(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, timeout.Milliseconds())); err != nil {
		return mapError("set lock_timeout", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	if _, err := exec.ExecContext(lockCtx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqLockNotAvailable {
			return fmt.Errorf("advisory lock %d: %w", key, repositories.ErrLockTimeout)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(lockCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("advisory lock %d: %w", key, repositories.ErrLockTimeout)
		}
		return mapError("advisory lock", err)
	}
	return nil
}
