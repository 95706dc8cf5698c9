// Package event defines the process lifecycle envelope, the status
// vocabulary, and the broker naming constants shared by every component.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/mqmon/mqmon/internal/ids"
)

// Exchange names. All four are durable topic exchanges.
const (
	EventsExchange     = "processes.events"
	CommandsExchange   = "processes.commands"
	PipelineExchange   = "processes.pipeline"
	DeadLetterExchange = "processes.dlx"
)

// Routing keys on the events and commands exchanges.
const (
	ProcessCreated        = "process.created"
	ProcessStarted        = "process.started"
	ProcessFinished       = "process.finished"
	ProcessFailed         = "process.failed"
	ProcessCancelled      = "process.cancelled"
	ProcessQueued         = "process.queued"
	ProcessStageStarted   = "process.stage.started"
	ProcessStageCompleted = "process.stage.completed"
	ProcessCompensating   = "process.compensating"
	ProcessCompensated    = "process.compensated"
	CancelProcess         = "cancel.process"
	ChangePriority        = "change.priority"
)

// Fixed queue names. Stage queues are configuration-driven.
const (
	WorkerQueue       = "processes.worker"
	MonitorQueue      = "processes.monitor"
	CancelQueue       = "processes.cancel"
	CompensationQueue = "processes.compensation"
	WorkerRetryQueue  = "processes.worker.retry"
	MonitorRetryQueue = "processes.monitor.retry"
	WorkerDLQ         = "processes.worker.dlq"
	MonitorDLQ        = "processes.monitor.dlq"
)

// RetryCountHeader carries the delivery attempt count through the
// delayed-retry queues. Absent means zero.
const RetryCountHeader = "x-retry-count"

// Status is the lifecycle state carried in every event envelope.
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusQueued          Status = "QUEUED"
	StatusStarted         Status = "STARTED"
	StatusStageStarted    Status = "STAGE_STARTED"
	StatusStageCompleted  Status = "STAGE_COMPLETED"
	StatusFinished        Status = "FINISHED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
	StatusCompensating    Status = "COMPENSATING"
	StatusCompensated     Status = "COMPENSATED"
)

// IsTerminal reports whether no further lifecycle transitions are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ProcessEvent is the JSON envelope shared by all lifecycle events. EventID is
// globally unique and is the sole idempotency key for the projection.
type ProcessEvent struct {
	EventID      string    `json:"eventId"`
	ProcessID    string    `json:"processId"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	Worker       string    `json:"worker,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Message      string    `json:"message,omitempty"`
	CurrentStage string    `json:"currentStage,omitempty"`
	Priority     int       `json:"priority"`
	NextStage    string    `json:"nextStage,omitempty"`
}

// NewProcessEvent returns an envelope stamped with a fresh event id and the
// current UTC time.
func NewProcessEvent(processID string, status Status) ProcessEvent {
	return ProcessEvent{
		EventID:   ids.NewEventID(),
		ProcessID: processID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// CancelProcessCommand asks whichever worker holds the execution to abort it.
type CancelProcessCommand struct {
	CommandID   string    `json:"commandId"`
	ProcessID   string    `json:"processId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// NewCancelProcessCommand builds a cancel command for the given process.
func NewCancelProcessCommand(processID string) CancelProcessCommand {
	return CancelProcessCommand{
		CommandID:   uuid.NewString(),
		ProcessID:   processID,
		RequestedAt: time.Now().UTC(),
	}
}

// ChangePriorityCommand adjusts the scheduling priority recorded for a process.
type ChangePriorityCommand struct {
	ProcessID string    `json:"processId"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// StageRoutingKey returns the pipeline-exchange routing key for a stage.
func StageRoutingKey(stage string) string {
	return "pipeline." + stage
}

// StageDeadRoutingKey returns the dead-letter routing key for a stage queue.
func StageDeadRoutingKey(stage string) string {
	return "pipeline." + stage + ".dead"
}
