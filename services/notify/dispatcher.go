package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is a variance or anomaly alert emitted by the gate. Delivery is
// fire-and-forget: a dispatcher failure must never break an evaluation or
// reconciliation.
type Event struct {
	Kind     string                 `json:"kind"`
	TenantID uuid.UUID              `json:"tenant_id"`
	Subject  string                 `json:"subject,omitempty"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Event kinds emitted by the services
const (
	KindApprovalPending    = "approval_pending"
	KindApprovalExpired    = "approval_expired"
	KindVarianceDetected   = "variance_detected"
	KindOverdueReservation = "overdue_reservation_released"
	KindActionExhausted    = "action_attempts_exhausted"
)

// Dispatcher delivers events to whoever is listening
type Dispatcher interface {
	// Dispatch delivers one event. Errors are swallowed by implementations;
	// the caller never sees delivery failures.
	Dispatch(ctx context.Context, event Event)
}

// LogDispatcher writes events to the structured log. The default sink when
// no external channel is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a dispatcher backed by the given logger
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the event at warn level so alert pipelines can pick it up
func (d *LogDispatcher) Dispatch(_ context.Context, event Event) {
	d.logger.Warn("notification",
		zap.String("kind", event.Kind),
		zap.String("tenant_id", event.TenantID.String()),
		zap.String("subject", event.Subject),
		zap.String("message", event.Message),
		zap.Any("fields", event.Fields),
	)
}

// CapturingDispatcher records events in memory for tests
type CapturingDispatcher struct {
	mu     sync.Mutex
	events []Event
}

// NewCapturingDispatcher creates an in-memory dispatcher
func NewCapturingDispatcher() *CapturingDispatcher {
	return &CapturingDispatcher{}
}

// Dispatch records the event
func (d *CapturingDispatcher) Dispatch(_ context.Context, event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

// Events returns a copy of the recorded events
func (d *CapturingDispatcher) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}
