package broker

import (
	"strconv"
	"time"

	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// PriorityMetadataKey carries the AMQP priority through watermill metadata.
// The marshaler maps it onto the protocol-level priority field in both
// directions so consumers see the priority the producer asked for.
const PriorityMetadataKey = "priority"

// priorityMarshaler extends the default marshaler with AMQP per-message
// priority. Everything else (persistent delivery, UUID header, metadata to
// headers mapping) stays as watermill does it.
type priorityMarshaler struct {
	wamqp.DefaultMarshaler
}

// NewMarshaler returns the marshaler used by every publisher and subscriber
// in this module.
func NewMarshaler() wamqp.Marshaler {
	m := &priorityMarshaler{}
	m.PostprocessPublishing = func(pub amqp091.Publishing) amqp091.Publishing {
		pub.ContentType = "application/json"
		pub.Timestamp = time.Now().UTC()
		if raw, ok := pub.Headers[PriorityMetadataKey].(string); ok {
			if p, err := strconv.Atoi(raw); err == nil && p > 0 && p <= 255 {
				pub.Priority = uint8(p)
			}
		}
		return pub
	}
	return m
}

func (m *priorityMarshaler) Unmarshal(amqpMsg amqp091.Delivery) (*message.Message, error) {
	msg, err := m.DefaultMarshaler.Unmarshal(amqpMsg)
	if err != nil {
		return nil, err
	}
	if amqpMsg.Priority > 0 {
		msg.Metadata.Set(PriorityMetadataKey, strconv.Itoa(int(amqpMsg.Priority)))
	}
	return msg, nil
}

// SetPriority stamps the publish priority on a message. Zero is left unset.
func SetPriority(msg *message.Message, priority int) {
	if priority > 0 {
		msg.Metadata.Set(PriorityMetadataKey, strconv.Itoa(priority))
	}
}

// Priority reads the delivery priority from message metadata, zero if absent.
func Priority(msg *message.Message) int {
	raw := msg.Metadata.Get(PriorityMetadataKey)
	if raw == "" {
		return 0
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p < 0 {
		return 0
	}
	return p
}

// RetryCount reads the retry attempt counter from message metadata, zero if
// absent or unparseable.
func RetryCount(msg *message.Message, header string) int {
	raw := msg.Metadata.Get(header)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
