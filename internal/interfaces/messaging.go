package interfaces

import (
	"context"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/domain"
)

// Сообщения ленты уведомлений (RabbitMQ / NATS)
type OrderMessage struct {
	OrderID      string            `json:"order_id"`
	Token        string            `json:"token"`
	Source       domain.Source     `json:"source"`
	EnrollmentID string            `json:"enrollment_id,omitempty"`
	Items        []domain.LineItem `json:"items"`
	TotalAmount  int64             `json:"total_amount"`
	CreatedAt    string            `json:"created_at"`
}

type StatusUpdateMessage struct {
	OrderID        string        `json:"order_id"`
	Token          string        `json:"token"`
	Source         domain.Source `json:"source"`
	OldStatus      domain.Status `json:"old_status"`
	NewStatus      domain.Status `json:"new_status"`
	RefundedAmount int64         `json:"refunded_amount"`
	RejectedCount  int           `json:"rejected_count"`
	Timestamp      time.Time     `json:"timestamp"`
}

// MessagePublisher feeds the lifecycle notification stream. Failures are
// logged by the caller and never roll back an order.
type MessagePublisher interface {
	PublishOrder(ctx context.Context, msg OrderMessage) error
	PublishStatusUpdate(ctx context.Context, msg StatusUpdateMessage) error
}

type MessageConsumer interface {
	ConsumeNotifications(ctx context.Context, handler NotificationHandler) error
}

type NotificationHandler func(ctx context.Context, body []byte) error
