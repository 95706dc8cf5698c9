// Package service wires a watermill router with the middleware chain and the
// queue consumers of one binary.
package service

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/logging"
)

// Service runs the queue consumers of a worker or monitor instance on one
// watermill router.
type Service struct {
	broker *broker.Broker
	router *message.Router
	logger logging.ServiceLogger
}

// New builds the router with the default middleware chain: correlation id
// propagation, per-message logging, and panic recovery.
func New(b *broker.Broker, logger logging.ServiceLogger) (*Service, error) {
	router, err := message.NewRouter(message.RouterConfig{}, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	s := &Service{broker: b, router: router, logger: logger}
	router.AddMiddleware(
		middleware.CorrelationID,
		Tracing,
		s.messageLogger,
		middleware.Recoverer,
	)
	return s, nil
}

// AddConsumer subscribes the handler to the given queue under the router.
func (s *Service) AddConsumer(name string, spec broker.QueueSpec, handler message.NoPublishHandlerFunc) error {
	sub, err := s.broker.NewQueueSubscriber(spec)
	if err != nil {
		return err
	}
	s.router.AddNoPublisherHandler(name, spec.Queue, sub, handler)
	s.logger.Info("consumer registered", logging.LogFields{
		"handler": name,
		"queue":   spec.Queue,
	})
	return nil
}

// Run blocks until ctx is cancelled or the router stops.
func (s *Service) Run(ctx context.Context) error {
	return s.router.Run(ctx)
}

// Close shuts the router down.
func (s *Service) Close() error {
	return s.router.Close()
}

func (s *Service) messageLogger(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		s.logger.Debug("message received", logging.LogFields{
			"messageUuid":   msg.UUID,
			"correlationId": middleware.MessageCorrelationID(msg),
		})
		produced, err := h(msg)
		if err != nil {
			s.logger.Debug("message handling failed", logging.LogFields{
				"messageUuid": msg.UUID,
				"error":       err.Error(),
			})
		}
		return produced, err
	}
}
