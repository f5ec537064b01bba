package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/vantyr/costgate/repositories"
)

// PostgreSQL error codes the repositories react to
const (
	pqUniqueViolation    = "23505"
	pqLockNotAvailable   = "55P03"
	pqRaiseException     = "P0001" // raised by the ledger immutability triggers
	pqQueryCanceled      = "57014" // statement_timeout / lock_timeout cancellation
)

// mapError converts driver-level errors into the repository sentinels,
// wrapping so callers can both errors.Is the sentinel and read the cause.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, repositories.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("%s: %w", op, repositories.ErrDuplicate)
		case pqLockNotAvailable, pqQueryCanceled:
			return fmt.Errorf("%s: %w", op, repositories.ErrLockTimeout)
		case pqRaiseException:
			return fmt.Errorf("%s: %s: %w", op, pqErr.Message, repositories.ErrImmutable)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation reports whether err is a unique constraint violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
