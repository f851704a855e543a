// Package nats is the lightweight alternative to RabbitMQ for the
// notification feed.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
)

// Subjects hang off the configured root: <root>.orders.<source> and
// <root>.status.
func OrderSubject(root, source string) string { return fmt.Sprintf("%s.orders.%s", root, source) }
func StatusSubject(root string) string         { return root + ".status" }

func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Conn is the part of *nats.Conn the adapters use.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type Publisher struct {
	conn Conn
	root string
}

func NewPublisher(conn Conn, root string) *Publisher {
	return &Publisher{conn: conn, root: root}
}

func (p *Publisher) PublishOrder(ctx context.Context, msg interfaces.OrderMessage) error {
	return p.publish(OrderSubject(p.root, string(msg.Source)), msg)
}

func (p *Publisher) PublishStatusUpdate(ctx context.Context, msg interfaces.StatusUpdateMessage) error {
	return p.publish(StatusSubject(p.root), msg)
}

func (p *Publisher) publish(subject string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.conn.Publish(subject, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

type Subscriber struct {
	conn   Conn
	root   string
	logger logger.Logger
}

func NewSubscriber(conn Conn, root string, logger logger.Logger) *Subscriber {
	return &Subscriber{conn: conn, root: root, logger: logger}
}

// ConsumeNotifications receives everything under the root subject and blocks
// until ctx is cancelled.
func (s *Subscriber) ConsumeNotifications(ctx context.Context, handler interfaces.NotificationHandler) error {
	sub, err := s.conn.Subscribe(s.root+".>", func(msg *nats.Msg) {
		if err := handler(ctx, msg.Data); err != nil {
			s.logger.Debug("notification_dropped", "Notification handler failed", "", map[string]interface{}{
				"subject": msg.Subject,
				"error":   err.Error(),
			})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}
