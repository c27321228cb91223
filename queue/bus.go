// Package queue provides the engine's outbound message bus and its
// Redis-backed wake/lease index mirror.
//
// Bus is a fire-and-forget publish adapter over RabbitMQ: the workflow
// context's message primitive publishes through it and records the
// publish in history, never its delivery. Subject naming
// is opaque to the engine — Bus only needs a routing key and a body.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Bus publishes opaque message bodies to subjects (RabbitMQ queue
// names). It satisfies workflow.MessageBus structurally.
type Bus struct {
	connection AMQPConnection
	channel    AMQPChannel
	exchange   string
	logger     *logrus.Entry
}

// BusConfig configures the bus's AMQP connection.
type BusConfig struct {
	AMQPURL  string
	Exchange string // "" uses the default exchange, subject as routing key
}

// NewBus dials url and opens a channel.
func NewBus(config BusConfig, logger *logrus.Entry) (*Bus, error) {
	return NewBusWithDialer(config, &RealAMQPDialer{}, logger)
}

// NewBusWithDialer is NewBus with dependency injection, for tests.
func NewBusWithDialer(config BusConfig, dialer AMQPDialer, logger *logrus.Entry) (*Bus, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	conn, err := dialer.Dial(config.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("queue: connect to AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	return &Bus{connection: conn, channel: ch, exchange: config.Exchange, logger: logger}, nil
}

// Publish sends body to subject. When the bus's exchange is the default
// ("") subject is declared as a durable queue and used as the routing
// key; a non-default exchange treats subject purely as a routing key
// without declaring anything.
func (b *Bus) Publish(subject string, body []byte) error {
	if b.exchange == "" {
		if _, err := b.channel.QueueDeclare(subject, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare queue %s: %w", subject, err)
		}
	}

	err := b.channel.Publish(
		b.exchange,
		subject,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("queue: publish to %s: %w", subject, err)
	}

	b.logger.WithField("subject", subject).Debug("message published")
	return nil
}

// PublishJSON marshals v and publishes it, a convenience for callers
// that don't already have a []byte body.
func (b *Bus) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: marshal message for %s: %w", subject, err)
	}
	return b.Publish(subject, data)
}

// Close closes the bus's channel and connection.
func (b *Bus) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}
