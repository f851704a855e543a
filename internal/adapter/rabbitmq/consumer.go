package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
)

const (
	reconnectDelay  = 5 * time.Second
	defaultPrefetch = 10
)

type consumer struct {
	conn     Connection
	prefetch int
	logger   logger.Logger
}

func NewConsumer(conn Connection, prefetch int, logger logger.Logger) interfaces.MessageConsumer {
	if prefetch < 1 {
		prefetch = defaultPrefetch
	}
	return &consumer{conn: conn, prefetch: prefetch, logger: logger}
}

// ConsumeNotifications follows both the status fanout and the new order topic
// until ctx is cancelled.
func (c *consumer) ConsumeNotifications(ctx context.Context, handler interfaces.NotificationHandler) error {
	for {
		err := c.consumeNotifications(ctx, handler)

		// Если контекст отменен - выходим
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			return nil
		}

		c.logger.Warn("consumer_disconnected", fmt.Sprintf("Notifications consumer disconnected. Reconnecting in %s", reconnectDelay), "", map[string]interface{}{
			"error": err.Error(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}

		if c.conn.IsClosed() {
			if err := c.conn.Reconnect(); err != nil {
				c.logger.Error("rabbitmq_reconnect_failed", "Failed to reconnect to RabbitMQ", "", nil, err)
			}
		}
	}
}

func (c *consumer) consumeNotifications(ctx context.Context, handler interfaces.NotificationHandler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	// Отслеживаем закрытие канала
	closeChan := ch.NotifyClose()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareExchanges(ch, notificationsExchange, ordersExchange); err != nil {
		return err
	}

	// Declare temporary exclusive queue
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue
	if err := ch.QueueBind(q.Name, "", notificationsExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "orders.#", ordersExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind orders queue: %w", err)
	}

	// Start consuming
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-closeChan:
			if err != nil {
				return fmt.Errorf("channel closed: %w", err)
			}
			return fmt.Errorf("channel closed gracefully")

		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("messages channel closed")
			}

			// Ошибки обработки уведомлений только логируются
			if err := handler(ctx, msg.Body); err != nil {
				c.logger.Debug("notification_dropped", "Notification handler failed", "", map[string]interface{}{
					"error": err.Error(),
				})
				c.settle(msg.Nack(false, false))
				continue
			}
			c.settle(msg.Ack(false))
		}
	}
}

func (c *consumer) settle(err error) {
	if err != nil {
		c.logger.Debug("delivery_settle_failed", "Failed to settle delivery", "", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
