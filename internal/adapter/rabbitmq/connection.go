package rabbitmq

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/YelzhanWeb/canteen-relay/internal/config"
)

const (
	ordersExchange        = "orders_topic"
	notificationsExchange = "notifications_fanout"
)

// exchangeKinds is the whole topology. Publisher and consumer declare from
// it so both sides agree on the kind.
var exchangeKinds = map[string]string{
	ordersExchange:        "topic",
	notificationsExchange: "fanout",
}

var errConnectionClosed = errors.New("rabbitmq connection is closed")

type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
	// Reconnect redials a dropped connection. It fails after Close.
	Reconnect() error
}

// Channel is the part of *amqp.Channel the adapters use.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
	NotifyClose() <-chan *amqp.Error
}

type amqpConnection struct {
	url string

	mu     sync.RWMutex
	conn   *amqp.Connection
	closed bool
}

// amqpChannel only adapts NotifyClose to a fresh buffered channel.
type amqpChannel struct {
	*amqp.Channel
}

func (ch amqpChannel) NotifyClose() <-chan *amqp.Error {
	return ch.Channel.NotifyClose(make(chan *amqp.Error, 1))
}

func dialURL(cfg config.RabbitMQConfig) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Password, cfg.Host, cfg.Port)
}

func Connect(cfg config.RabbitMQConfig) (Connection, error) {
	c := &amqpConnection{url: dialURL(cfg)}
	if err := c.dialLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *amqpConnection) dialLocked() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	c.conn = conn
	return nil
}

func (c *amqpConnection) Channel() (Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errConnectionClosed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return amqpChannel{ch}, nil
}

func (c *amqpConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || c.conn.IsClosed()
}

func (c *amqpConnection) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnectionClosed
	}
	if !c.conn.IsClosed() {
		return nil
	}
	return c.dialLocked()
}

func declareExchanges(ch Channel, names ...string) error {
	for _, name := range names {
		if err := ch.ExchangeDeclare(name, exchangeKinds[name], true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	return nil
}
