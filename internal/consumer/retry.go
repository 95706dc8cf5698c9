package consumer

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/logging"
	"github.com/mqmon/mqmon/internal/metrics"
)

// Retrying wraps a handler with the delayed-retry protocol: on failure the
// original body is reparked on retryQueue with an incremented attempt
// counter and the delivery acked, until maxRetries is reached; then, and for
// permanent failures, the delivery is nacked so the broker dead-letters it.
func Retrying(next message.NoPublishHandlerFunc, pub broker.EventPublisher, retryQueue, origin string, maxRetries int, logger logging.ServiceLogger) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		err := next(msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, broker.ErrPermanent) {
			metrics.DeadLettered(origin, "malformed")
			return err
		}

		attempt := broker.RetryCount(msg, event.RetryCountHeader)
		if attempt >= maxRetries {
			logger.Error("retries exhausted, dead-lettering", err, logging.LogFields{
				"origin":      origin,
				"messageUuid": msg.UUID,
				"attempt":     attempt,
			})
			metrics.DeadLettered(origin, "retries_exhausted")
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", origin, attempt, err)
		}

		logger.Error("handler fault, scheduling retry", err, logging.LogFields{
			"origin":      origin,
			"messageUuid": msg.UUID,
			"attempt":     attempt + 1,
		})
		if pubErr := pub.PublishRetry(msg.Context(), retryQueue, msg.Payload, attempt+1, broker.Priority(msg)); pubErr != nil {
			return fmt.Errorf("schedule retry: %w", pubErr)
		}
		metrics.RetryScheduled(origin)
		return nil
	}
}
