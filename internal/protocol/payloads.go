package protocol

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/YelzhanWeb/canteen-relay/internal/domain"
)

type ItemPayload struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Category string `json:"category,omitempty"`
	Quantity int    `json:"quantity"`
}

// NewOrderPayload is sent by the POS, by students, and by the cloud over
// the bridge. CloudOrderID is set by the cloud before relaying.
type NewOrderPayload struct {
	CloudOrderID string        `json:"cloudOrderId,omitempty"`
	Token        string        `json:"token,omitempty"`
	Items        []ItemPayload `json:"items"`
	TotalAmount  int64         `json:"totalAmount"`
	EnrollmentID string        `json:"enrollmentId,omitempty"`
	Source       domain.Source `json:"source,omitempty"`
}

func (p *NewOrderPayload) Validate() error {
	if len(p.Items) == 0 {
		return errors.New("items must not be empty")
	}
	if p.TotalAmount < 0 {
		return errors.New("totalAmount must not be negative")
	}
	for i, item := range p.Items {
		if strings.TrimSpace(item.ID) == "" {
			return fmt.Errorf("items[%d]._id is required", i)
		}
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("items[%d].name is required", i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("items[%d].quantity must be at least 1", i)
		}
		if item.Price < 0 {
			return fmt.Errorf("items[%d].price must not be negative", i)
		}
		if item.Price > math.MaxInt64/int64(item.Quantity) {
			return fmt.Errorf("items[%d] subtotal is out of range", i)
		}
	}
	return nil
}

type OrderAckPayload struct {
	ID           string        `json:"_id,omitempty"`
	CloudOrderID string        `json:"cloudOrderId,omitempty"`
	Token        string        `json:"token"`
	EnrollmentID string        `json:"enrollmentId,omitempty"`
	Success      bool          `json:"success"`
	Status       domain.Status `json:"status,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// OrderUpdatePayload travels KDS→server as a transition request and
// server→client as the resulting notification.
type OrderUpdatePayload struct {
	ID             string        `json:"_id,omitempty"`
	Token          string        `json:"token,omitempty"`
	Status         domain.Status `json:"status"`
	RefundedAmount *int64        `json:"refundedAmount,omitempty"`
	RejectedCount  int           `json:"rejectedCount,omitempty"`
	EnrollmentID   string        `json:"enrollmentId,omitempty"`
	Message        string        `json:"message,omitempty"`
}

func (p *OrderUpdatePayload) Validate() error {
	if p.ID == "" && p.Token == "" {
		return errors.New("missing identifier (_id or token)")
	}
	status, ok := domain.ParseStatus(string(p.Status))
	if !ok {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	p.Status = status
	return nil
}

type ItemUpdatePayload struct {
	OrderID      string            `json:"orderId,omitempty"`
	Token        string            `json:"token,omitempty"`
	ItemID       string            `json:"itemId"`
	Status       domain.ItemStatus `json:"status"`
	EnrollmentID string            `json:"enrollmentId,omitempty"`
	Message      string            `json:"message,omitempty"`
}

func (p *ItemUpdatePayload) Validate() error {
	if p.OrderID == "" && p.Token == "" {
		return errors.New("missing orderId or token")
	}
	if p.ItemID == "" {
		return errors.New("missing itemId")
	}
	if _, ok := domain.ParseItemStatus(string(p.Status)); !ok {
		return fmt.Errorf("unknown item status %q", p.Status)
	}
	return nil
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type CanteenStatusPayload struct {
	Online bool `json:"online"`
}
