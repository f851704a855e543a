package interfaces

import (
	"context"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// Notifier is the part of the connection registry the services talk to.
type Notifier interface {
	// BroadcastToRole reports whether at least one client received the frame.
	BroadcastToRole(role domain.Role, event protocol.Event, payload any) bool
	// SendTo reports whether the target received the frame.
	SendTo(id string, event protocol.Event, payload any) bool
	IsRoleConnected(role domain.Role) bool
	FindByRole(role domain.Role) (string, bool)
}

// Команды для сервисов
type SubmitOrderCommand struct {
	CloudOrderID string
	Token        string
	EnrollmentID string
	Items        []SubmitOrderItem
}

type SubmitOrderItem struct {
	ID       string
	Name     string
	Price    int64
	Category string
	Quantity int
}

// OrderRef addresses an order by _id (preferred) or token.
type OrderRef struct {
	ID    string
	Token string
}

// Ack is the outcome of a submission as seen by the submitter.
type Ack struct {
	ID           string
	Token        string
	CloudOrderID string
	EnrollmentID string
	Success      bool
	Error        string
	// Invalid marks a submission the engine refused to store.
	Invalid bool
}

// Интерфейсы Сервисов (Business Logic)
type TrackingService interface {
	GetOrder(ctx context.Context, ref OrderRef) (*domain.Order, error)
	ListOrders(ctx context.Context, status domain.Status) ([]*domain.Order, error)
	GetClients() []*TrackingClientResponse
	GetPending() []*TrackingPendingResponse
	Health() *HealthResponse
}

// Ответы Tracking Service
type TrackingClientResponse struct {
	ID          string      `json:"id"`
	Role        domain.Role `json:"role"`
	ConnectedAt time.Time   `json:"connected_at"`
	LastSeen    time.Time   `json:"last_seen"`
	Idle        string      `json:"idle"`
}

type TrackingPendingResponse struct {
	CloudOrderID string        `json:"cloud_order_id"`
	EnrollmentID string        `json:"enrollment_id"`
	Token        string        `json:"token"`
	Attempts     int           `json:"attempts"`
	Status       domain.Status `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

type HealthResponse struct {
	Status          string         `json:"status"`
	Mode            string         `json:"mode"`
	Uptime          string         `json:"uptime"`
	Clients         int            `json:"clients"`
	Cached          map[string]int `json:"cached,omitempty"`
	BridgeConnected *bool          `json:"bridge_connected,omitempty"`
	Pending         *int           `json:"pending,omitempty"`
}
