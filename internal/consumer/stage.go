// Package consumer holds the message handlers consuming the worker-side
// queues: the per-stage pipeline consumers, the process-creation consumer,
// the cancel-command consumer, and the compensation consumer.
//
// Handlers are registered as watermill no-publish handlers. Returning an
// error nacks the message, and since consumption runs with no-requeue the
// nack routes it to the dead-letter exchange. The delayed-retry path instead
// republishes the original body and acks, so a handler that schedules a
// retry returns nil.
package consumer

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/executor"
	"github.com/mqmon/mqmon/internal/jsoncodec"
	"github.com/mqmon/mqmon/internal/logging"
	"github.com/mqmon/mqmon/internal/metrics"
)

// StageConsumer processes one pipeline stage's queue.
type StageConsumer struct {
	stage     config.StageDefinition
	executor  *executor.Executor
	publisher broker.EventPublisher
	worker    string
	logger    logging.ServiceLogger
}

func NewStageConsumer(stage config.StageDefinition, exec *executor.Executor, pub broker.EventPublisher, worker string, logger logging.ServiceLogger) *StageConsumer {
	return &StageConsumer{
		stage:     stage,
		executor:  exec,
		publisher: pub,
		worker:    worker,
		logger:    logger.With(logging.LogFields{"stage": stage.Name}),
	}
}

// Handle processes one delivery end to end. The message is acked (nil) or
// nacked (error) exactly once, after every publish side effect completed.
func (c *StageConsumer) Handle(msg *message.Message) error {
	ctx := msg.Context()

	var evt event.ProcessEvent
	if err := jsoncodec.Unmarshal(msg.Payload, &evt); err != nil {
		// Malformed payloads are never retried.
		c.logger.Error("malformed stage message", err, logging.LogFields{
			"messageUuid": msg.UUID,
		})
		metrics.DeadLettered(c.stage.Name, "malformed")
		return fmt.Errorf("unmarshal stage message: %w", err)
	}

	priority := broker.Priority(msg)
	if priority == 0 {
		priority = evt.Priority
	}

	if err := c.process(ctx, evt, priority); err != nil {
		return c.scheduleRetry(ctx, msg, err)
	}
	return nil
}

// process publishes the stage-started event, executes the stage, and
// publishes the outcome events. Any returned error is an infrastructure
// fault eligible for the retry protocol.
func (c *StageConsumer) process(ctx context.Context, evt event.ProcessEvent, priority int) error {
	started := event.NewProcessEvent(evt.ProcessID, event.StatusStageStarted)
	started.Worker = c.worker
	started.CurrentStage = c.stage.Name
	started.Priority = priority
	started.Message = fmt.Sprintf("stage %s started", c.stage.DisplayName)
	if err := c.publisher.PublishEvent(ctx, event.ProcessStageStarted, started); err != nil {
		return err
	}

	outcome := c.executor.ExecuteStage(ctx, evt.ProcessID, c.stage.Name, c.worker)

	switch {
	case outcome.Cancelled:
		metrics.StageOutcome(c.stage.Name, "cancelled")
		cancelled := event.NewProcessEvent(evt.ProcessID, event.StatusCancelled)
		cancelled.Worker = c.worker
		cancelled.CurrentStage = c.stage.Name
		cancelled.Priority = priority
		cancelled.Message = "execution cancelled by request"
		return c.publisher.PublishEvent(ctx, event.ProcessCancelled, cancelled)

	case !outcome.Success:
		metrics.StageOutcome(c.stage.Name, "failed")
		return c.publishFailure(ctx, evt.ProcessID, priority, outcome.Err)

	case outcome.NextStage != "":
		metrics.StageOutcome(c.stage.Name, "forwarded")
		return c.publishForward(ctx, evt.ProcessID, priority, outcome.NextStage)

	default:
		metrics.StageOutcome(c.stage.Name, "finished")
		finished := event.NewProcessEvent(evt.ProcessID, event.StatusFinished)
		finished.Worker = c.worker
		finished.CurrentStage = c.stage.Name
		finished.Priority = priority
		finished.Message = fmt.Sprintf("pipeline finished at stage %s", c.stage.DisplayName)
		return c.publisher.PublishEvent(ctx, event.ProcessFinished, finished)
	}
}

// publishFailure emits the failed + compensating pair, in that order, before
// the message is acknowledged.
func (c *StageConsumer) publishFailure(ctx context.Context, processID string, priority int, reason string) error {
	failed := event.NewProcessEvent(processID, event.StatusFailed)
	failed.Worker = c.worker
	failed.CurrentStage = c.stage.Name
	failed.Priority = priority
	failed.ErrorMessage = reason
	if err := c.publisher.PublishEvent(ctx, event.ProcessFailed, failed); err != nil {
		return err
	}

	compensating := event.NewProcessEvent(processID, event.StatusCompensating)
	compensating.Worker = c.worker
	compensating.CurrentStage = c.stage.Name
	compensating.Priority = priority
	compensating.Message = "rolling back completed stages"
	return c.publisher.PublishEvent(ctx, event.ProcessCompensating, compensating)
}

// publishForward emits stage-completed naming the next stage, then exactly
// one pipeline message to that stage at the originating priority.
func (c *StageConsumer) publishForward(ctx context.Context, processID string, priority int, next string) error {
	completed := event.NewProcessEvent(processID, event.StatusStageCompleted)
	completed.Worker = c.worker
	completed.CurrentStage = c.stage.Name
	completed.Priority = priority
	completed.NextStage = next
	if err := c.publisher.PublishEvent(ctx, event.ProcessStageCompleted, completed); err != nil {
		return err
	}

	queued := event.NewProcessEvent(processID, event.StatusQueued)
	queued.CurrentStage = next
	queued.Priority = priority
	return c.publisher.PublishToPipeline(ctx, next, queued, priority)
}

// scheduleRetry applies the delayed-retry protocol after an infrastructure
// fault. Below the stage's retry cap the original body is reparked on the
// retry queue and the delivery acked; at the cap the delivery is nacked so
// the broker dead-letters it.
func (c *StageConsumer) scheduleRetry(ctx context.Context, msg *message.Message, cause error) error {
	attempt := broker.RetryCount(msg, event.RetryCountHeader)
	if attempt >= c.stage.MaxRetries {
		c.logger.Error("retries exhausted, dead-lettering", cause, logging.LogFields{
			"messageUuid": msg.UUID,
			"attempt":     attempt,
		})
		metrics.DeadLettered(c.stage.Name, "retries_exhausted")
		return fmt.Errorf("stage %s: retries exhausted after %d attempts: %w", c.stage.Name, attempt, cause)
	}

	c.logger.Error("stage handling fault, scheduling retry", cause, logging.LogFields{
		"messageUuid": msg.UUID,
		"attempt":     attempt + 1,
	})
	if err := c.publisher.PublishRetry(ctx, c.stage.RetryQueueName(), msg.Payload, attempt+1, broker.Priority(msg)); err != nil {
		// Could not repark the message either; nack and let the broker
		// redeliver or dead-letter it.
		return fmt.Errorf("schedule retry: %w", err)
	}
	metrics.RetryScheduled(c.stage.Name)
	return nil
}
