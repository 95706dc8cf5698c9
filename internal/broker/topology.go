// Package broker owns everything that talks AMQP: the topology declaration,
// the priority-aware message marshaling, and the watermill publishers and
// subscribers all other components are built on.
package broker

import (
	"context"
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/logging"
)

// Topology declares the exchanges, queues, and bindings the pipeline runs on.
// Declaration is idempotent: re-running Configure with an unchanged
// configuration is a no-op on the broker.
type Topology struct {
	cfg    *config.Config
	logger logging.ServiceLogger
}

func NewTopology(cfg *config.Config, logger logging.ServiceLogger) *Topology {
	return &Topology{cfg: cfg, logger: logger}
}

// WorkerQueueArgs returns the declaration arguments of the worker queue. The
// subscriber configs reuse these so a redeclare never conflicts.
func WorkerQueueArgs(maxPriority int) amqp091.Table {
	return amqp091.Table{
		"x-max-priority":            int32(maxPriority),
		"x-dead-letter-exchange":    event.DeadLetterExchange,
		"x-dead-letter-routing-key": "worker.dead",
	}
}

// MonitorQueueArgs returns the declaration arguments of the monitor queue.
func MonitorQueueArgs() amqp091.Table {
	return amqp091.Table{
		"x-dead-letter-exchange":    event.DeadLetterExchange,
		"x-dead-letter-routing-key": "monitor.dead",
	}
}

// StageQueueArgs returns the declaration arguments of a stage queue.
func StageQueueArgs(stage config.StageDefinition) amqp091.Table {
	return amqp091.Table{
		"x-max-priority":            int32(stage.MaxPriority),
		"x-dead-letter-exchange":    event.DeadLetterExchange,
		"x-dead-letter-routing-key": event.StageDeadRoutingKey(stage.Name),
	}
}

// retryQueueArgs builds the arguments of a TTL retry queue that dead-letters
// expired messages back to the given exchange and routing key.
func retryQueueArgs(ttl time.Duration, exchange, routingKey string) amqp091.Table {
	return amqp091.Table{
		"x-message-ttl":             ttl.Milliseconds(),
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": routingKey,
	}
}

// Configure opens a short-lived channel and declares the full topology. Any
// declaration error is returned; callers treat it as fatal.
func (t *Topology) Configure(ctx context.Context) error {
	conn, err := amqp091.Dial(t.cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := t.declareExchanges(ch); err != nil {
		return err
	}
	if err := t.declareFixedQueues(ch); err != nil {
		return err
	}
	for _, stage := range t.cfg.Stages {
		if err := t.declareStage(ch, stage); err != nil {
			return err
		}
	}

	t.logger.Info("broker topology configured", logging.LogFields{
		"stages": len(t.cfg.Stages),
	})
	return nil
}

func (t *Topology) declareExchanges(ch *amqp091.Channel) error {
	for _, name := range []string{
		event.EventsExchange,
		event.CommandsExchange,
		event.PipelineExchange,
		event.DeadLetterExchange,
	} {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

func (t *Topology) declareFixedQueues(ch *amqp091.Channel) error {
	maxPriority := 10
	if len(t.cfg.Stages) > 0 {
		maxPriority = t.cfg.Stages[0].MaxPriority
	}

	decls := []struct {
		queue    string
		args     amqp091.Table
		exchange string
		binding  string
	}{
		{event.WorkerQueue, WorkerQueueArgs(maxPriority), event.EventsExchange, event.ProcessCreated},
		{event.MonitorQueue, MonitorQueueArgs(), event.EventsExchange, "process.#"},
		{event.CancelQueue, nil, event.CommandsExchange, event.CancelProcess},
		{event.CompensationQueue, nil, event.EventsExchange, event.ProcessCompensating},
		// The retry queues dead-letter through the default exchange straight
		// back to their origin queue after the TTL.
		{event.WorkerRetryQueue, retryQueueArgs(t.cfg.RetryDelay, "", event.WorkerQueue), "", ""},
		{event.MonitorRetryQueue, retryQueueArgs(t.cfg.RetryDelay, "", event.MonitorQueue), "", ""},
		{event.WorkerDLQ, nil, event.DeadLetterExchange, "worker.#"},
		{event.MonitorDLQ, nil, event.DeadLetterExchange, "monitor.#"},
	}

	for _, d := range decls {
		if _, err := ch.QueueDeclare(d.queue, true, false, false, false, d.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", d.queue, err)
		}
		if d.exchange == "" {
			continue
		}
		if err := ch.QueueBind(d.queue, d.binding, d.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", d.queue, d.exchange, err)
		}
	}
	return nil
}

func (t *Topology) declareStage(ch *amqp091.Channel, stage config.StageDefinition) error {
	if _, err := ch.QueueDeclare(stage.QueueName, true, false, false, false, StageQueueArgs(stage)); err != nil {
		return fmt.Errorf("declare stage queue %s: %w", stage.QueueName, err)
	}
	if err := ch.QueueBind(stage.QueueName, stage.RoutingKey, event.PipelineExchange, false, nil); err != nil {
		return fmt.Errorf("bind stage queue %s: %w", stage.QueueName, err)
	}

	if stage.DLQName != "" {
		if _, err := ch.QueueDeclare(stage.DLQName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare stage dlq %s: %w", stage.DLQName, err)
		}
		if err := ch.QueueBind(stage.DLQName, event.StageDeadRoutingKey(stage.Name)+".#", event.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind stage dlq %s: %w", stage.DLQName, err)
		}
		if err := ch.QueueBind(stage.DLQName, event.StageDeadRoutingKey(stage.Name), event.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind stage dlq %s: %w", stage.DLQName, err)
		}
	}

	// Messages parked here come back to the stage queue after the TTL, which
	// is what makes delayed retries work without a scheduler.
	retryArgs := retryQueueArgs(stage.RetryDelay, event.PipelineExchange, stage.RoutingKey)
	if _, err := ch.QueueDeclare(stage.RetryQueueName(), true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare stage retry queue %s: %w", stage.RetryQueueName(), err)
	}
	return nil
}
