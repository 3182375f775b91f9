package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Ops is the slice of the dosing controller the consumer drives. Commands
// that the controller rejects are logged and dropped; the broker never
// learns about state-machine refusals.
type Ops interface {
	SelectRecipe(index int) error
	Start() error
	Stop()
	Pause() error
	Resume(ctx context.Context) error
	Acknowledge() error
}

// commandNames lists every routing-key suffix the consumer binds.
var commandNames = []string{
	"select_recipe",
	"start",
	"stop",
	"pause",
	"resume",
	"acknowledge",
}

// Consumer drives the dosing controller from the topic exchange. Routing
// keys take the form <device>.commands.<command_name>; select_recipe carries
// a JSON body with the recipe index, every other command an empty body.
type Consumer struct {
	logger *zap.Logger
	conn   *Connection
	queue  string
	device string
	ops    Ops
}

// NewConsumer declares an anonymous queue bound to each command key for the
// device and returns a consumer dispatching to ops.
func NewConsumer(conn *Connection, exchange, device string, ops Ops, logger *zap.Logger) (*Consumer, error) {
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
	q, err := conn.QueueDeclare(
		"",    // name
		false, // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, err
	}
	for _, name := range commandNames {
		err := conn.QueueBind(
			q.Name,                   // queue name
			device+".commands."+name, // routing key
			exchange,                 // exchange
			false,
			nil)
		if err != nil {
			return nil, err
		}
	}
	return &Consumer{logger: logger, conn: conn, queue: q.Name, device: device, ops: ops}, nil
}

// Run consumes commands until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.conn.Consume(
		c.queue, // queue
		"",      // consumer
		true,    // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	name := d.RoutingKey[strings.LastIndex(d.RoutingKey, ".")+1:]
	c.logger.Info("command", zap.String("name", name))
	var err error
	switch name {
	case "select_recipe":
		var body struct {
			Index int `json:"index"`
		}
		if err = json.Unmarshal(d.Body, &body); err == nil {
			err = c.ops.SelectRecipe(body.Index)
		}
	case "start":
		err = c.ops.Start()
	case "stop":
		c.ops.Stop()
	case "pause":
		err = c.ops.Pause()
	case "resume":
		err = c.ops.Resume(ctx)
	case "acknowledge":
		err = c.ops.Acknowledge()
	default:
		err = fmt.Errorf("unknown command %q", name)
	}
	if err != nil {
		c.logger.Warn("command rejected", zap.String("name", name), zap.Error(err))
	}
}
