package interfaces

import (
	"context"

	"github.com/YelzhanWeb/canteen-relay/internal/domain"
)

// Интерфейсы Репозиториев (Adapter/Mongo, Adapter/Postgres)
type OrderRepository interface {
	// Create assigns order.ID and order.Version.
	Create(ctx context.Context, order *domain.Order) error
	FindByID(ctx context.Context, id string) (*domain.Order, error)
	// FindByToken returns the newest order carrying the token.
	FindByToken(ctx context.Context, token string) (*domain.Order, error)
	FindByCloudOrderID(ctx context.Context, cloudOrderID string) (*domain.Order, error)
	// UpdateItemStatus atomically moves one line item of an open order and
	// returns the updated document. It fails with domain.ErrItemRejected when
	// the item is already REJECTED and domain.ErrOrderClosed when the order
	// is terminal.
	UpdateItemStatus(ctx context.Context, orderID, itemID string, status domain.ItemStatus) (*domain.Order, error)
	// CloseOrder writes the terminal state only if the stored version still
	// equals expectedVersion, otherwise domain.ErrVersionConflict.
	CloseOrder(ctx context.Context, closed *domain.Order, expectedVersion int64) (*domain.Order, error)
	// ListByStatus returns orders oldest first. An empty status lists all.
	ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error)
}
