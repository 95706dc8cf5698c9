// Package store defines the read-model records materialized by the event
// projection and the repository contracts implemented by the memory and
// postgres adapters.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mqmon/mqmon/internal/event"
)

// ErrNotFound is returned when a record does not exist. Adapters must return
// it (possibly wrapped) so callers can branch with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Saga step statuses.
const (
	StepStarted     = "STARTED"
	StepCompleted   = "COMPLETED"
	StepFailed      = "FAILED"
	StepCompensated = "COMPENSATED"
)

// ProcessExecution is the one-row-per-process read model. It is created on the
// first event for an unknown process id and never deleted.
type ProcessExecution struct {
	ProcessID    string       `json:"processId"`
	Status       event.Status `json:"status"`
	Worker       string       `json:"worker,omitempty"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	FinishedAt   *time.Time   `json:"finishedAt,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Message      string       `json:"message,omitempty"`
	CurrentStage string       `json:"currentStage,omitempty"`
	Priority     int          `json:"priority"`
	SagaStatus   string       `json:"sagaStatus,omitempty"`
}

// IsTerminal reports whether the execution reached a final state.
func (p *ProcessExecution) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// EventLog is one append-only row per projected event. Row existence for a
// given event id is the projection's sole idempotency guard.
type EventLog struct {
	EventID   string    `json:"eventId"`
	ProcessID string    `json:"processId"`
	EventType string    `json:"eventType"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// SagaStep records one stage attempt of one process. Step orders form a
// gap-free increasing sequence per process, starting at 1.
type SagaStep struct {
	StepID       string     `json:"stepId"`
	ProcessID    string     `json:"processId"`
	StageName    string     `json:"stageName"`
	Status       string     `json:"status"`
	Worker       string     `json:"worker,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	StepOrder    int        `json:"stepOrder"`
}

// ExecutionRepository stores ProcessExecution rows keyed by process id.
type ExecutionRepository interface {
	Get(ctx context.Context, processID string) (*ProcessExecution, error)
	List(ctx context.Context) ([]*ProcessExecution, error)
	ListByStage(ctx context.Context, stage string) ([]*ProcessExecution, error)
	ListByStatus(ctx context.Context, status event.Status) ([]*ProcessExecution, error)
	Insert(ctx context.Context, exec *ProcessExecution) error
	Update(ctx context.Context, exec *ProcessExecution) error
}

// EventLogRepository stores the append-only event log.
type EventLogRepository interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Insert(ctx context.Context, entry *EventLog) error
	ListByProcess(ctx context.Context, processID string) ([]*EventLog, error)
}

// SagaStepRepository stores per-process stage attempts ordered by step order.
type SagaStepRepository interface {
	// LastStep returns the step with the highest order for the process, or
	// ErrNotFound when the process has no steps yet.
	LastStep(ctx context.Context, processID string) (*SagaStep, error)
	ListByProcess(ctx context.Context, processID string) ([]*SagaStep, error)
	Insert(ctx context.Context, step *SagaStep) error
	Update(ctx context.Context, step *SagaStep) error
}

// Store bundles the three repositories behind one handle.
type Store struct {
	Executions ExecutionRepository
	Events     EventLogRepository
	Steps      SagaStepRepository
}

// TxRunner is implemented by stores that can scope a batch of writes to a
// single transaction. The memory store does not implement it; its writes are
// individually idempotent, which is sufficient there.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(s *Store) error) error
}
