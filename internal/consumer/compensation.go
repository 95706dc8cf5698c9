package consumer

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/executor"
	"github.com/mqmon/mqmon/internal/jsoncodec"
	"github.com/mqmon/mqmon/internal/logging"
)

// CompensationConsumer executes the rollback for a failed process. It
// consumes process.compensating, runs the compensation action, and emits
// exactly one process.compensated so the projection can close the saga.
type CompensationConsumer struct {
	executor  *executor.Executor
	publisher broker.EventPublisher
	worker    string
	logger    logging.ServiceLogger
}

func NewCompensationConsumer(exec *executor.Executor, pub broker.EventPublisher, worker string, logger logging.ServiceLogger) *CompensationConsumer {
	return &CompensationConsumer{executor: exec, publisher: pub, worker: worker, logger: logger}
}

func (c *CompensationConsumer) Handle(msg *message.Message) error {
	ctx := msg.Context()

	var evt event.ProcessEvent
	if err := jsoncodec.Unmarshal(msg.Payload, &evt); err != nil {
		c.logger.Error("malformed compensating event", err, logging.LogFields{
			"messageUuid": msg.UUID,
		})
		return fmt.Errorf("unmarshal compensating event: %w", err)
	}

	if err := c.executor.Compensate(ctx, evt.ProcessID, evt.CurrentStage); err != nil {
		return fmt.Errorf("compensate process %s: %w", evt.ProcessID, err)
	}

	compensated := event.NewProcessEvent(evt.ProcessID, event.StatusCompensated)
	compensated.Worker = c.worker
	compensated.CurrentStage = evt.CurrentStage
	compensated.Priority = evt.Priority
	compensated.Message = "completed stages rolled back"
	if err := c.publisher.PublishEvent(ctx, event.ProcessCompensated, compensated); err != nil {
		return fmt.Errorf("publish compensated event: %w", err)
	}

	c.logger.Info("compensation completed", logging.LogFields{
		"processId": evt.ProcessID,
	})
	return nil
}
