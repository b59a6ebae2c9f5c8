package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the client drives.
// *amqp.Channel satisfies it directly; the in-memory broker in
// internal/queue implements it for tests and standalone mode.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection the client drives.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens broker connections. Each Client owns one Dialer.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// DialerFunc adapts a plain function to Dialer.
type DialerFunc func(url string) (Connection, error)

func (f DialerFunc) Dial(url string) (Connection, error) { return f(url) }

// AMQPDialer dials a real RabbitMQ broker.
type AMQPDialer struct {
	Heartbeat time.Duration
	// ConnectionName shows up in the RabbitMQ management UI.
	ConnectionName string
}

func (d AMQPDialer) Dial(url string) (Connection, error) {
	cfg := amqp.Config{
		Heartbeat:  d.Heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	if d.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(d.ConnectionName)
	}
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// compile-time checks
var (
	_ Channel    = (*amqp.Channel)(nil)
	_ Connection = amqpConnection{}
	_ Dialer     = AMQPDialer{}
)
