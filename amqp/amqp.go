// Package amqp publishes dosing telemetry to a topic exchange. Routing keys
// take the form <device>.events.<event_name>; bodies are the JSON event
// records.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/jt05610/doser"
)

// Connection bundles an AMQP connection with its channel.
type Connection struct {
	*amqp.Connection
	*amqp.Channel
}

func (c *Connection) Close() error {
	if c.Channel != nil {
		if err := c.Channel.Close(); err != nil {
			return err
		}
	}
	return c.Connection.Close()
}

// Dial connects to the broker and opens a channel.
func Dial(uri string) (*Connection, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &Connection{conn, ch}, nil
}

// Publisher fans dosing events out over a topic exchange.
type Publisher struct {
	logger   *zap.Logger
	conn     *Connection
	exchange string
	device   string
}

// NewPublisher declares the exchange and returns a publisher for the device.
func NewPublisher(conn *Connection, exchange, device string, logger *zap.Logger) (*Publisher, error) {
	err := conn.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		false,    // durable
		false,    // delete when unused
		false,    // exclusive
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{logger: logger, conn: conn, exchange: exchange, device: device}, nil
}

// RoutingKey returns the topic key for one event name.
func (p *Publisher) RoutingKey(name string) string {
	return fmt.Sprintf("%s.events.%s", p.device, name)
}

// Publish sends one event.
func (p *Publisher) Publish(ctx context.Context, ev doser.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.PublishWithContext(ctx, p.exchange, p.RoutingKey(ev.EventName()), false, false,
		amqp.Publishing{
			Body:         body,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers: amqp.Table{
				"x-event-name": ev.EventName(),
				"x-event-id":   uuid.New().String(),
			},
		})
}

// Sink adapts the publisher to the dosing core's event sink. Publish
// failures are logged and dropped; the core never blocks on telemetry.
func (p *Publisher) Sink(ctx context.Context) func(doser.Event) {
	return func(ev doser.Event) {
		if err := p.Publish(ctx, ev); err != nil {
			p.logger.Warn("publish event", zap.String("event", ev.EventName()), zap.Error(err))
		}
	}
}
