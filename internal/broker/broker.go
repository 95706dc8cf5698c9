package broker

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/mqmon/mqmon/internal/logging"
)

// Broker holds the shared AMQP connection every publisher and subscriber in
// the process is built on. The watermill connection wrapper reconnects with
// backoff on its own.
type Broker struct {
	conn   *wamqp.ConnectionWrapper
	logger watermill.LoggerAdapter
}

// Connect dials the broker and returns a handle for building publishers and
// subscribers.
func Connect(url string, logger logging.ServiceLogger) (*Broker, error) {
	adapter := logging.NewWatermillAdapter(logger)
	conn, err := wamqp.NewConnection(wamqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: wamqp.DefaultReconnectConfig(),
	}, adapter)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}
	return &Broker{conn: conn, logger: adapter}, nil
}

// Close tears down the shared connection.
func (b *Broker) Close() error {
	return b.conn.Close()
}

// exchangePublisherConfig builds the watermill config for publishing to the
// named topic exchange; the watermill topic becomes the routing key. The
// topology builder must be set: watermill-amqp dereferences it on the first
// publish to a named exchange.
func exchangePublisherConfig(exchange string) wamqp.Config {
	return wamqp.Config{
		Marshaler:       NewMarshaler(),
		TopologyBuilder: &wamqp.DefaultTopologyBuilder{},
		Exchange: wamqp.ExchangeConfig{
			GenerateName: func(string) string { return exchange },
			Type:         "topic",
			Durable:      true,
		},
		Publish: wamqp.PublishConfig{
			GenerateRoutingKey: func(topic string) string { return topic },
			ConfirmDelivery:    true,
		},
	}
}

// queuePublisherConfig builds the watermill config for publishing through the
// default exchange, so the watermill topic addresses a queue directly. Used
// for the retry republish path.
func queuePublisherConfig() wamqp.Config {
	return wamqp.Config{
		Marshaler:       NewMarshaler(),
		TopologyBuilder: &wamqp.DefaultTopologyBuilder{},
		Exchange: wamqp.ExchangeConfig{
			GenerateName: func(string) string { return "" },
		},
		Publish: wamqp.PublishConfig{
			GenerateRoutingKey: func(topic string) string { return topic },
			ConfirmDelivery:    true,
		},
	}
}

// NewExchangePublisher returns a publisher sending to the named topic
// exchange.
func (b *Broker) NewExchangePublisher(exchange string) (message.Publisher, error) {
	pub, err := wamqp.NewPublisherWithConnection(exchangePublisherConfig(exchange), b.logger, b.conn)
	if err != nil {
		return nil, fmt.Errorf("build publisher for exchange %s: %w", exchange, err)
	}
	return pub, nil
}

// NewQueuePublisher returns a publisher sending through the default exchange.
func (b *Broker) NewQueuePublisher() (message.Publisher, error) {
	pub, err := wamqp.NewPublisherWithConnection(queuePublisherConfig(), b.logger, b.conn)
	if err != nil {
		return nil, fmt.Errorf("build queue publisher: %w", err)
	}
	return pub, nil
}

// QueueSpec describes one consumed queue. Arguments must match the declared
// topology so the subscriber's redeclare is a no-op.
type QueueSpec struct {
	Queue      string
	Exchange   string
	BindingKey string
	Arguments  amqp091.Table
	Prefetch   int
}

// queueSubscriberConfig builds the watermill config consuming the given
// queue. A nack never requeues; the queue's dead-letter configuration decides
// what happens to rejected messages. The topology builder must be set:
// watermill-amqp dereferences it on every Subscribe.
func queueSubscriberConfig(spec QueueSpec) wamqp.Config {
	return wamqp.Config{
		Marshaler:       NewMarshaler(),
		TopologyBuilder: &wamqp.DefaultTopologyBuilder{},
		Exchange: wamqp.ExchangeConfig{
			GenerateName: func(string) string { return spec.Exchange },
			Type:         "topic",
			Durable:      true,
		},
		Queue: wamqp.QueueConfig{
			GenerateName: func(string) string { return spec.Queue },
			Durable:      true,
			Arguments:    spec.Arguments,
		},
		QueueBind: wamqp.QueueBindConfig{
			GenerateRoutingKey: func(string) string { return spec.BindingKey },
		},
		Consume: wamqp.ConsumeConfig{
			NoRequeueOnNack: true,
			Qos: wamqp.QosConfig{
				PrefetchCount: spec.Prefetch,
			},
		},
	}
}

// NewQueueSubscriber returns a subscriber consuming the given queue.
func (b *Broker) NewQueueSubscriber(spec QueueSpec) (message.Subscriber, error) {
	sub, err := wamqp.NewSubscriberWithConnection(queueSubscriberConfig(spec), b.logger, b.conn)
	if err != nil {
		return nil, fmt.Errorf("build subscriber for queue %s: %w", spec.Queue, err)
	}
	return sub, nil
}
