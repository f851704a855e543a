package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
)

// NotificationHandler prints the lifecycle feed. It serves both the RabbitMQ
// and the NATS subscriber.
type NotificationHandler struct {
	logger logger.Logger
}

func NewNotificationHandler(logger logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		logger: logger,
	}
}

// feedMessage holds the fields of both message kinds; new_status is only
// present on status updates.
type feedMessage struct {
	interfaces.OrderMessage
	OldStatus      string `json:"old_status"`
	NewStatus      string `json:"new_status"`
	RefundedAmount int64  `json:"refunded_amount"`
	RejectedCount  int    `json:"rejected_count"`
}

func (h *NotificationHandler) HandleNotification(ctx context.Context, body []byte) error {
	var msg feedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.logger.Error("message_parse_failed", "Failed to parse notification", "", nil, err)
		return err
	}
	if msg.OrderID == "" {
		return fmt.Errorf("notification without order_id")
	}

	if msg.NewStatus == "" {
		h.logger.Info("order_created", fmt.Sprintf("New %s order %s (token %s)", msg.Source, msg.OrderID, msg.Token),
			msg.OrderID, map[string]interface{}{
				"token":        msg.Token,
				"source":       msg.Source,
				"items":        len(msg.Items),
				"total_amount": msg.TotalAmount,
			})
		return nil
	}

	h.logger.Info("order_status_changed", fmt.Sprintf("Order %s: '%s' -> '%s'", msg.OrderID, msg.OldStatus, msg.NewStatus),
		msg.OrderID, map[string]interface{}{
			"token":           msg.Token,
			"old_status":      msg.OldStatus,
			"new_status":      msg.NewStatus,
			"refunded_amount": msg.RefundedAmount,
			"rejected_count":  msg.RejectedCount,
		})

	return nil
}
