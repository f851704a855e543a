package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Order is the root aggregate of a canteen order. Line items have no
// identity outside of it.
type Order struct {
	ID             string     `json:"_id" bson:"_id"`
	Token          string     `json:"token" bson:"token"`
	Items          []LineItem `json:"items" bson:"items"`
	TotalAmount    int64      `json:"totalAmount" bson:"total_amount"`
	RefundedAmount int64      `json:"refundedAmount" bson:"refunded_amount"`
	Status         Status     `json:"status" bson:"status"`
	Source         Source     `json:"source" bson:"source"`
	Synced         bool       `json:"isSyncedToCloudDB" bson:"synced"`
	CreatedAt      string     `json:"createdAt" bson:"created_at"`
	CompletedAt    string     `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	EnrollmentID   string     `json:"enrollmentId,omitempty" bson:"enrollment_id,omitempty"`
	CloudOrderID   string     `json:"cloudOrderId,omitempty" bson:"cloud_order_id,omitempty"`
	Version        int64      `json:"-" bson:"version"`
}

// LineItem prices are captured at order time and never looked up again.
type LineItem struct {
	ID       string     `json:"_id" bson:"_id"`
	Name     string     `json:"name" bson:"name"`
	Price    int64      `json:"price" bson:"price"`
	Category string     `json:"category" bson:"category"`
	Quantity int        `json:"quantity" bson:"quantity"`
	Status   ItemStatus `json:"status" bson:"status"`
}

func (i LineItem) Subtotal() int64 {
	return i.Price * int64(i.Quantity)
}

// NewOrder stamps a freshly submitted order. Money is in the smallest
// currency unit.
func NewOrder(token string, items []LineItem, source Source, enrollmentID string, now time.Time) (*Order, error) {
	order := &Order{
		Token:        strings.TrimSpace(token),
		Items:        items,
		Status:       StatusInQueue,
		Source:       source,
		Synced:       false,
		CreatedAt:    FormatTimestamp(now),
		EnrollmentID: enrollmentID,
	}

	for i := range order.Items {
		if order.Items[i].Status == "" {
			order.Items[i].Status = ItemPreparing
		}
	}

	if err := order.Validate(); err != nil {
		return nil, err
	}

	if order.Token == "" {
		order.Token = GenerateToken()
	}
	order.TotalAmount = order.CalculateTotal()

	return order, nil
}

func (o *Order) Validate() error {
	if o.Source != SourceLocal && o.Source != SourceCloud {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidOrder, o.Source)
	}
	if len(o.Items) < 1 {
		return fmt.Errorf("%w: order must have at least one item", ErrInvalidOrder)
	}
	var total int64
	for idx, item := range o.Items {
		if strings.TrimSpace(item.ID) == "" {
			return fmt.Errorf("%w: items[%d] id is required", ErrInvalidOrder, idx)
		}
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("%w: items[%d] name is required", ErrInvalidOrder, idx)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: items[%d] quantity must be at least 1", ErrInvalidOrder, idx)
		}
		if item.Price < 0 {
			return fmt.Errorf("%w: items[%d] price must not be negative", ErrInvalidOrder, idx)
		}
		if item.Price > math.MaxInt64/int64(item.Quantity) {
			return fmt.Errorf("%w: items[%d] subtotal is out of range", ErrInvalidOrder, idx)
		}
		subtotal := item.Subtotal()
		if total > math.MaxInt64-subtotal {
			return fmt.Errorf("%w: total amount is out of range", ErrInvalidOrder)
		}
		total += subtotal
	}
	if o.Source == SourceLocal && o.EnrollmentID != "" {
		return fmt.Errorf("%w: enrollment id is only valid for cloud orders", ErrInvalidOrder)
	}
	return nil
}

func (o *Order) CalculateTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal()
	}
	return total
}

// FindItem returns the index of the line item or -1.
func (o *Order) FindItem(itemID string) int {
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// RejectedCount is reported to the POS together with the refund.
func (o *Order) RejectedCount() int {
	n := 0
	for _, item := range o.Items {
		if item.Status == ItemRejected {
			n++
		}
	}
	return n
}

// CanTransitionTo checks the order state machine: IN_QUEUE is the only
// non-terminal state.
func (o *Order) CanTransitionTo(newStatus Status) bool {
	validTransitions := map[Status][]Status{
		StatusInQueue:   {StatusCompleted, StatusCancelled},
		StatusCompleted: {},
		StatusCancelled: {},
	}

	for _, s := range validTransitions[o.Status] {
		if s == newStatus {
			return true
		}
	}
	return false
}

// Close computes the terminal state of the order without touching the
// receiver. The refund is derived from item statuses, so closing the same
// snapshot twice yields the same value.
func (o *Order) Close(newStatus Status, now time.Time) (*Order, error) {
	if !o.CanTransitionTo(newStatus) {
		return nil, ErrInvalidStatusTransition
	}

	closed := *o
	closed.Items = make([]LineItem, len(o.Items))
	copy(closed.Items, o.Items)
	closed.Status = newStatus
	closed.CompletedAt = FormatTimestamp(now)

	switch newStatus {
	case StatusCompleted:
		var refund int64
		for i := range closed.Items {
			if closed.Items[i].Status == ItemRejected {
				refund += closed.Items[i].Subtotal()
				continue
			}
			closed.Items[i].Status = ItemPrepared
		}
		closed.RefundedAmount = refund
	case StatusCancelled:
		for i := range closed.Items {
			closed.Items[i].Status = ItemRejected
		}
		closed.RefundedAmount = closed.TotalAmount
	}

	if closed.RefundedAmount > closed.TotalAmount {
		closed.RefundedAmount = closed.TotalAmount
	}

	return &closed, nil
}

// GenerateToken returns a short pickup token.
func GenerateToken() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

var (
	ErrInvalidOrder            = errors.New("invalid order")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrOrderNotFound           = errors.New("order not found")
	ErrItemNotFound            = errors.New("item not found")
	ErrItemRejected            = errors.New("item already rejected")
	ErrOrderClosed             = errors.New("order already closed")
	ErrVersionConflict         = errors.New("order was modified concurrently")
)
