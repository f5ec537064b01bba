package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/models"
	"github.com/vantyr/costgate/repositories"
)

func newActionRepoWithMock(t *testing.T) (repositories.ActionRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewActionRepository(WrapDB(db, logger), logger)
	return repo, mock, func() { db.Close() }
}

func actionRows(a *models.ActionExecution) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "decision_id", "approval_id", "action_type", "idempotency_key",
		"status", "payload", "result", "result_hash", "error_message",
		"attempt_count", "max_attempts", "retry_backoff_seconds", "lease_ttl_seconds",
		"next_retry_at", "lease_owner", "lease_expires_at", "version", "created_at", "updated_at",
	}).AddRow(
		a.ID, a.TenantID, a.DecisionID, nil, a.ActionType, a.IdempotencyKey,
		a.Status, []byte(a.Payload), nil, nil, nil,
		a.AttemptCount, a.MaxAttempts, a.RetryBackoffSeconds, a.LeaseTTLSeconds,
		a.NextRetryAt, a.LeaseOwner, a.LeaseExpiresAt, a.Version, a.CreatedAt, a.UpdatedAt,
	)
}

func TestActionRepository_SelectNextEligible(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("matches a running row whose lease lapsed", func(t *testing.T) {
		repo, mock, cleanup := newActionRepoWithMock(t)
		defer cleanup()

		abandoned := models.NewActionExecution(uuid.New(), uuid.New(), nil, "scale_down", "key-1", nil)
		abandoned.Status = models.ActionRunning
		abandoned.AttemptCount = 1
		abandoned.LeaseOwner = "worker-dead"
		lapsed := now.Add(-time.Minute)
		abandoned.LeaseExpiresAt = &lapsed

		mock.ExpectQuery("SELECT (.+) FROM action_executions").
			WithArgs(now, models.ActionQueued, models.ActionRunning).
			WillReturnRows(actionRows(abandoned))

		got, err := repo.SelectNextEligible(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, models.ActionRunning, got.Status)
		assert.Equal(t, "worker-dead", got.LeaseOwner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty queue yields no row and no error", func(t *testing.T) {
		repo, mock, cleanup := newActionRepoWithMock(t)
		defer cleanup()

		mock.ExpectQuery("SELECT (.+) FROM action_executions").
			WithArgs(now, models.ActionQueued, models.ActionRunning).
			WillReturnError(sql.ErrNoRows)

		got, err := repo.SelectNextEligible(ctx, now)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestActionRepository_TryLease(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	leaseExpiry := time.Now().UTC().Add(5 * time.Minute)

	t.Run("claims the observed row", func(t *testing.T) {
		repo, mock, cleanup := newActionRepoWithMock(t)
		defer cleanup()

		mock.ExpectExec("UPDATE action_executions").
			WithArgs(models.ActionRunning, "worker-2", leaseExpiry, sqlmock.AnyArg(),
				id, 1, 2, models.ActionQueued).
			WillReturnResult(sqlmock.NewResult(0, 1))

		won, err := repo.TryLease(ctx, id, 1, 2, "worker-2", leaseExpiry)
		require.NoError(t, err)
		assert.True(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a changed row loses the race", func(t *testing.T) {
		repo, mock, cleanup := newActionRepoWithMock(t)
		defer cleanup()

		mock.ExpectExec("UPDATE action_executions").
			WithArgs(models.ActionRunning, "worker-2", leaseExpiry, sqlmock.AnyArg(),
				id, 1, 2, models.ActionQueued).
			WillReturnResult(sqlmock.NewResult(0, 0))

		won, err := repo.TryLease(ctx, id, 1, 2, "worker-2", leaseExpiry)
		require.NoError(t, err)
		assert.False(t, won)
	})
}
