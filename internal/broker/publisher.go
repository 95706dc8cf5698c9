package broker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/jsoncodec"
	"github.com/mqmon/mqmon/internal/logging"
)

// EventPublisher is the publishing contract consumed by the rest of the
// module. Publisher implements it over AMQP; tests substitute a recorder.
type EventPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, evt event.ProcessEvent) error
	PublishToPipeline(ctx context.Context, stage string, evt event.ProcessEvent, priority int) error
	PublishCommand(ctx context.Context, routingKey string, cmd any) error
	PublishRetry(ctx context.Context, retryQueue string, body []byte, attempt, priority int) error
}

// Publisher is the single egress point for lifecycle events, commands,
// pipeline messages, and retry republishes. Publish errors are always
// surfaced to the caller; nothing is dropped silently.
type Publisher struct {
	events   message.Publisher
	commands message.Publisher
	pipeline message.Publisher
	direct   message.Publisher
	logger   logging.ServiceLogger
}

// NewPublisher builds the four underlying watermill publishers on the shared
// connection.
func NewPublisher(b *Broker, logger logging.ServiceLogger) (*Publisher, error) {
	events, err := b.NewExchangePublisher(event.EventsExchange)
	if err != nil {
		return nil, err
	}
	commands, err := b.NewExchangePublisher(event.CommandsExchange)
	if err != nil {
		return nil, err
	}
	pipeline, err := b.NewExchangePublisher(event.PipelineExchange)
	if err != nil {
		return nil, err
	}
	direct, err := b.NewQueuePublisher()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		events:   events,
		commands: commands,
		pipeline: pipeline,
		direct:   direct,
		logger:   logger,
	}, nil
}

// PublishEvent sends a lifecycle event to the events exchange under the given
// routing key.
func (p *Publisher) PublishEvent(ctx context.Context, routingKey string, evt event.ProcessEvent) error {
	msg, err := p.newMessage(ctx, evt.EventID, evt, evt.Priority)
	if err != nil {
		return err
	}
	if err := p.events.Publish(routingKey, msg); err != nil {
		return fmt.Errorf("publish event %s: %w", routingKey, err)
	}
	p.logger.Debug("event published", logging.LogFields{
		"routingKey": routingKey,
		"processId":  evt.ProcessID,
		"eventId":    evt.EventID,
	})
	return nil
}

// PublishToPipeline sends a queued-stage message to the pipeline exchange at
// the given priority.
func (p *Publisher) PublishToPipeline(ctx context.Context, stage string, evt event.ProcessEvent, priority int) error {
	msg, err := p.newMessage(ctx, evt.EventID, evt, priority)
	if err != nil {
		return err
	}
	routingKey := event.StageRoutingKey(stage)
	if err := p.pipeline.Publish(routingKey, msg); err != nil {
		return fmt.Errorf("publish to pipeline %s: %w", routingKey, err)
	}
	return nil
}

// PublishCommand sends a command to the commands exchange.
func (p *Publisher) PublishCommand(ctx context.Context, routingKey string, cmd any) error {
	msg, err := p.newMessage(ctx, "", cmd, 0)
	if err != nil {
		return err
	}
	if err := p.commands.Publish(routingKey, msg); err != nil {
		return fmt.Errorf("publish command %s: %w", routingKey, err)
	}
	return nil
}

// PublishRetry reparks the original message body on a retry queue with the
// incremented attempt counter, preserving the original priority. The queue's
// TTL and dead-letter settings bring it back to the origin queue later.
func (p *Publisher) PublishRetry(ctx context.Context, retryQueue string, body []byte, attempt, priority int) error {
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.SetContext(ctx)
	msg.Metadata.Set(event.RetryCountHeader, strconv.Itoa(attempt))
	SetPriority(msg, priority)
	if err := p.direct.Publish(retryQueue, msg); err != nil {
		return fmt.Errorf("publish retry to %s: %w", retryQueue, err)
	}
	p.logger.Info("message scheduled for retry", logging.LogFields{
		"queue":   retryQueue,
		"attempt": attempt,
	})
	return nil
}

// Close closes all underlying publishers, returning the first error.
func (p *Publisher) Close() error {
	var firstErr error
	for _, pub := range []message.Publisher{p.events, p.commands, p.pipeline, p.direct} {
		if err := pub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Publisher) newMessage(ctx context.Context, uuid string, payload any, priority int) (*message.Message, error) {
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	msg := message.NewMessage(uuid, body)
	msg.SetContext(ctx)
	SetPriority(msg, priority)
	return msg, nil
}
