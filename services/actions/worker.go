package actions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vantyr/costgate/models"
)

// Executor performs the actual side effect for one leased action. Returning
// an error requeues or fails the action depending on RetryableError.
type Executor interface {
	Execute(ctx context.Context, action *models.ActionExecution) (json.RawMessage, error)
}

// RetryableError marks an execution failure as retryable
type RetryableError struct {
	Err error
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// Unwrap implements errors.Unwrap
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps an error so the worker requeues instead of failing
// terminally
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Worker polls the queue and drives leased actions through an Executor
type Worker struct {
	service  *Service
	executor Executor
	workerID string
	logger   *zap.Logger
}

// NewWorker creates a polling worker
func NewWorker(service *Service, executor Executor, workerID string, logger *zap.Logger) *Worker {
	return &Worker{
		service:  service,
		executor: executor,
		workerID: workerID,
		logger:   logger,
	}
}

// Start runs the polling loop until the context is cancelled. An empty
// queue waits one interval; available work is drained without waiting.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("started action worker",
		zap.String("worker_id", w.workerID),
		zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			w.drain(ctx)
		case <-ctx.Done():
			w.logger.Info("stopping action worker", zap.String("worker_id", w.workerID))
			return
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		action, err := w.service.LeaseNext(ctx, w.workerID)
		if err != nil {
			w.logger.Error("failed to lease action", zap.Error(err))
			return
		}
		if action == nil {
			return
		}
		w.run(ctx, action)
	}
}

func (w *Worker) run(ctx context.Context, action *models.ActionExecution) {
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(action.LeaseTTLSeconds)*time.Second)
	defer cancel()

	result, err := w.executor.Execute(execCtx, action)
	if err != nil {
		var re *RetryableError
		retryable := errors.As(err, &re)
		if _, failErr := w.service.Fail(ctx, action.TenantID, action.ID, FailRequest{
			WorkerID:     w.workerID,
			ErrorMessage: err.Error(),
			Retryable:    retryable,
		}); failErr != nil {
			w.logger.Error("failed to record action failure",
				zap.String("action_id", action.ID.String()), zap.Error(failErr))
		}
		return
	}

	if _, err := w.service.Complete(ctx, action.TenantID, action.ID, w.workerID, result); err != nil {
		w.logger.Error("failed to record action completion",
			zap.String("action_id", action.ID.String()), zap.Error(err))
	}
}
