package consumer

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/cancel"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/executor"
	"github.com/mqmon/mqmon/internal/jsoncodec"
	"github.com/mqmon/mqmon/internal/logging"
	"github.com/mqmon/mqmon/internal/metrics"
)

// CreatedConsumer runs the whole-process execution path: it picks up
// process.created from the worker queue and drives one simulated end-to-end
// run, emitting started and then a terminal event. Processes created for a
// pipeline stage are executed by the stage consumers instead; both paths can
// coexist on one broker.
type CreatedConsumer struct {
	registry   *cancel.Registry
	logic      executor.StageLogic
	publisher  broker.EventPublisher
	worker     string
	maxRetries int
	logger     logging.ServiceLogger
}

func NewCreatedConsumer(registry *cancel.Registry, logic executor.StageLogic, pub broker.EventPublisher, worker string, maxRetries int, logger logging.ServiceLogger) *CreatedConsumer {
	return &CreatedConsumer{
		registry:   registry,
		logic:      logic,
		publisher:  pub,
		worker:     worker,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

func (c *CreatedConsumer) Handle(msg *message.Message) error {
	ctx := msg.Context()

	var evt event.ProcessEvent
	if err := jsoncodec.Unmarshal(msg.Payload, &evt); err != nil {
		c.logger.Error("malformed created message", err, logging.LogFields{
			"messageUuid": msg.UUID,
		})
		return fmt.Errorf("unmarshal created message: %w", err)
	}

	// Stage-addressed processes travel the pipeline exchange; the worker
	// queue only executes processes without a stage.
	if evt.CurrentStage != "" {
		return nil
	}

	priority := broker.Priority(msg)
	if priority == 0 {
		priority = evt.Priority
	}

	if err := c.run(ctx, evt.ProcessID, priority); err != nil {
		return c.scheduleRetry(ctx, msg, err)
	}
	return nil
}

func (c *CreatedConsumer) run(ctx context.Context, processID string, priority int) error {
	started := event.NewProcessEvent(processID, event.StatusStarted)
	started.Worker = c.worker
	started.Priority = priority
	if err := c.publisher.PublishEvent(ctx, event.ProcessStarted, started); err != nil {
		return err
	}

	runCtx := c.registry.Register(ctx, processID)
	defer c.registry.Unregister(processID)

	outcome := c.logic.Run(runCtx, processID, "")

	switch {
	case outcome.Cancelled:
		cancelled := event.NewProcessEvent(processID, event.StatusCancelled)
		cancelled.Worker = c.worker
		cancelled.Priority = priority
		cancelled.Message = "execution cancelled by request"
		return c.publisher.PublishEvent(ctx, event.ProcessCancelled, cancelled)

	case !outcome.Success:
		failed := event.NewProcessEvent(processID, event.StatusFailed)
		failed.Worker = c.worker
		failed.Priority = priority
		failed.ErrorMessage = outcome.Err
		return c.publisher.PublishEvent(ctx, event.ProcessFailed, failed)

	default:
		finished := event.NewProcessEvent(processID, event.StatusFinished)
		finished.Worker = c.worker
		finished.Priority = priority
		return c.publisher.PublishEvent(ctx, event.ProcessFinished, finished)
	}
}

func (c *CreatedConsumer) scheduleRetry(ctx context.Context, msg *message.Message, cause error) error {
	attempt := broker.RetryCount(msg, event.RetryCountHeader)
	if attempt >= c.maxRetries {
		c.logger.Error("worker retries exhausted, dead-lettering", cause, logging.LogFields{
			"messageUuid": msg.UUID,
			"attempt":     attempt,
		})
		metrics.DeadLettered("worker", "retries_exhausted")
		return fmt.Errorf("worker: retries exhausted after %d attempts: %w", attempt, cause)
	}

	c.logger.Error("worker handling fault, scheduling retry", cause, logging.LogFields{
		"messageUuid": msg.UUID,
		"attempt":     attempt + 1,
	})
	if err := c.publisher.PublishRetry(ctx, event.WorkerRetryQueue, msg.Payload, attempt+1, broker.Priority(msg)); err != nil {
		return fmt.Errorf("schedule worker retry: %w", err)
	}
	metrics.RetryScheduled("worker")
	return nil
}
