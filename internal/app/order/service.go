package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// maxCloseAttempts bounds re-reads after a version conflict.
const maxCloseAttempts = 3

// Service is the order lifecycle engine of the local deployment.
type Service struct {
	repo      interfaces.OrderRepository
	notifier  interfaces.Notifier
	publisher interfaces.MessagePublisher
	logger    logger.Logger
	// bridgeID is the registry id of the connection to the cloud.
	bridgeID string
	now      func() time.Time
}

// NewService accepts a nil publisher when no notification feed is configured.
func NewService(repo interfaces.OrderRepository, notifier interfaces.Notifier, publisher interfaces.MessagePublisher, bridgeID string, logger logger.Logger) *Service {
	return &Service{
		repo:      repo,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
		bridgeID:  bridgeID,
		now:       time.Now,
	}
}

// SubmitOrder persists a new order and hands it to the kitchen. It never
// returns an error: failures are reported through the negative Ack.
func (s *Service) SubmitOrder(ctx context.Context, cmd interfaces.SubmitOrderCommand, source domain.Source) interfaces.Ack {
	requestID := logger.RequestID(ctx)
	ack := interfaces.Ack{
		Token:        cmd.Token,
		CloudOrderID: cmd.CloudOrderID,
		EnrollmentID: cmd.EnrollmentID,
	}

	// 1. Повторная доставка заказа из облака
	if source == domain.SourceCloud && cmd.CloudOrderID != "" {
		existing, err := s.repo.FindByCloudOrderID(ctx, cmd.CloudOrderID)
		switch {
		case err == nil:
			s.logger.Info("order_replay_ignored", "Cloud order already stored", requestID, map[string]interface{}{
				"order_id":       existing.ID,
				"cloud_order_id": cmd.CloudOrderID,
			})
			ack.ID, ack.Token, ack.Success = existing.ID, existing.Token, true
			return ack
		case !errors.Is(err, domain.ErrOrderNotFound):
			s.logger.Error("db_query_failed", "Failed to look up cloud order", requestID, nil, err)
			ack.Error = "failed to store order"
			return ack
		}
	}

	// 2. Доменная модель и валидация
	items := make([]domain.LineItem, len(cmd.Items))
	for i, item := range cmd.Items {
		items[i] = domain.LineItem{
			ID:       item.ID,
			Name:     item.Name,
			Price:    item.Price,
			Category: item.Category,
			Quantity: item.Quantity,
		}
	}

	order, err := domain.NewOrder(cmd.Token, items, source, cmd.EnrollmentID, s.now())
	if err != nil {
		s.logger.Error("validation_failed", "Order validation failed", requestID, nil, err)
		ack.Error = err.Error()
		ack.Invalid = errors.Is(err, domain.ErrInvalidOrder)
		return ack
	}
	order.CloudOrderID = cmd.CloudOrderID

	// 3. Сохранение
	if err := s.repo.Create(ctx, order); err != nil {
		s.logger.Error("db_insert_failed", "Failed to create order", requestID, nil, err)
		ack.Error = "failed to store order"
		return ack
	}
	s.logger.Info("order_received", "Order created", requestID, map[string]interface{}{
		"order_id":     order.ID,
		"token":        order.Token,
		"source":       order.Source,
		"total_amount": order.TotalAmount,
	})

	// 4. На кухню (или в кэш, если KDS не подключен)
	if !s.notifier.BroadcastToRole(domain.RoleKDS, protocol.EventNewOrder, order) {
		s.logger.Warn("kds_offline", "No KDS connected, order cached", requestID, map[string]interface{}{"order_id": order.ID})
	}

	if s.publisher != nil {
		msg := interfaces.OrderMessage{
			OrderID:      order.ID,
			Token:        order.Token,
			Source:       order.Source,
			EnrollmentID: order.EnrollmentID,
			Items:        order.Items,
			TotalAmount:  order.TotalAmount,
			CreatedAt:    order.CreatedAt,
		}
		if err := s.publisher.PublishOrder(ctx, msg); err != nil {
			s.logger.Error("publish_failed", "Failed to publish order", requestID, map[string]interface{}{"order_id": order.ID}, err)
		}
	}

	ack.ID, ack.Token, ack.Success = order.ID, order.Token, true
	return ack
}

// UpdateItemStatus moves one line item. A rejection on a student order is
// forwarded to the student right away.
func (s *Service) UpdateItemStatus(ctx context.Context, ref interfaces.OrderRef, itemID string, status domain.ItemStatus) (*domain.Order, error) {
	requestID := logger.RequestID(ctx)

	order, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, domain.ErrOrderClosed
	}

	idx := order.FindItem(itemID)
	if idx < 0 {
		return nil, domain.ErrItemNotFound
	}
	current := order.Items[idx].Status
	if current == status {
		return order, nil
	}
	if current == domain.ItemRejected {
		return nil, domain.ErrItemRejected
	}
	if !current.CanTransitionTo(status) {
		return nil, domain.ErrInvalidStatusTransition
	}

	updated, err := s.repo.UpdateItemStatus(ctx, order.ID, itemID, status)
	if err != nil {
		// another terminal rejected it first; that update already notified
		if errors.Is(err, domain.ErrItemRejected) && status == domain.ItemRejected {
			return s.repo.FindByID(ctx, order.ID)
		}
		s.logger.Error("item_update_failed", "Failed to update item status", requestID, map[string]interface{}{
			"order_id": order.ID,
			"item_id":  itemID,
		}, err)
		return nil, err
	}

	s.logger.Info("item_status_changed", "Item status updated", requestID, map[string]interface{}{
		"order_id":   updated.ID,
		"item_id":    itemID,
		"old_status": current,
		"new_status": status,
	})

	payload := protocol.ItemUpdatePayload{
		OrderID:      updated.ID,
		Token:        updated.Token,
		ItemID:       itemID,
		Status:       status,
		EnrollmentID: updated.EnrollmentID,
	}
	s.notifier.BroadcastToRole(domain.RoleKDS, protocol.EventItemUpdate, payload)

	if status == domain.ItemRejected && updated.Source == domain.SourceCloud && updated.EnrollmentID != "" {
		s.toBridge(requestID, protocol.EventItemUpdate, payload)
	}

	return updated, nil
}

// UpdateOrderStatus closes an order. Repeating the current terminal status
// returns the stored order unchanged.
func (s *Service) UpdateOrderStatus(ctx context.Context, ref interfaces.OrderRef, status domain.Status) (*domain.Order, error) {
	requestID := logger.RequestID(ctx)

	for attempt := 1; attempt <= maxCloseAttempts; attempt++ {
		order, err := s.resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		if order.Status.IsTerminal() && order.Status == status {
			return order, nil
		}

		closed, err := order.Close(status, s.now())
		if err != nil {
			return nil, err
		}

		saved, err := s.repo.CloseOrder(ctx, closed, order.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			s.logger.Debug("order_version_conflict", "Order changed while closing, retrying", requestID, map[string]interface{}{
				"order_id": order.ID,
				"attempt":  attempt,
			})
			continue
		}
		if err != nil {
			s.logger.Error("order_close_failed", "Failed to persist order status", requestID, map[string]interface{}{"order_id": order.ID}, err)
			return nil, err
		}

		s.logger.Info("order_status_changed", "Order closed", requestID, map[string]interface{}{
			"order_id":        saved.ID,
			"old_status":      order.Status,
			"new_status":      saved.Status,
			"refunded_amount": saved.RefundedAmount,
		})
		s.notifyStatusChange(ctx, order.Status, saved)
		return saved, nil
	}

	return nil, fmt.Errorf("close order after %d attempts: %w", maxCloseAttempts, domain.ErrVersionConflict)
}

func (s *Service) notifyStatusChange(ctx context.Context, oldStatus domain.Status, order *domain.Order) {
	requestID := logger.RequestID(ctx)
	refund := order.RefundedAmount
	payload := protocol.OrderUpdatePayload{
		ID:             order.ID,
		Token:          order.Token,
		Status:         order.Status,
		RefundedAmount: &refund,
		RejectedCount:  order.RejectedCount(),
		EnrollmentID:   order.EnrollmentID,
	}

	switch order.Source {
	case domain.SourceLocal:
		if !s.notifier.BroadcastToRole(domain.RoleLocalPOS, protocol.EventOrderUpdate, payload) {
			s.logger.Debug("pos_offline", "No POS connected, update cached", requestID, map[string]interface{}{"order_id": order.ID})
		}
	case domain.SourceCloud:
		s.toBridge(requestID, protocol.EventOrderUpdate, payload)
	}
	s.notifier.BroadcastToRole(domain.RoleKDS, protocol.EventOrderUpdate, payload)

	if s.publisher != nil {
		msg := interfaces.StatusUpdateMessage{
			OrderID:        order.ID,
			Token:          order.Token,
			Source:         order.Source,
			OldStatus:      oldStatus,
			NewStatus:      order.Status,
			RefundedAmount: order.RefundedAmount,
			RejectedCount:  order.RejectedCount(),
			Timestamp:      s.now().UTC(),
		}
		if err := s.publisher.PublishStatusUpdate(ctx, msg); err != nil {
			s.logger.Error("publish_failed", "Failed to publish status update", requestID, map[string]interface{}{"order_id": order.ID}, err)
		}
	}
}

// toBridge sends toward the cloud. Cacheable events wait under the bridge id
// while it is down.
func (s *Service) toBridge(requestID string, event protocol.Event, payload any) {
	if s.bridgeID == "" {
		s.logger.Warn("bridge_not_configured", "Dropping cloud notification", requestID, map[string]interface{}{"event": event})
		return
	}
	if !s.notifier.SendTo(s.bridgeID, event, payload) {
		s.logger.Info("bridge_offline", "Cloud unreachable, notification cached", requestID, map[string]interface{}{"event": event})
	}
}

func (s *Service) resolve(ctx context.Context, ref interfaces.OrderRef) (*domain.Order, error) {
	switch {
	case ref.ID != "":
		return s.repo.FindByID(ctx, ref.ID)
	case ref.Token != "":
		return s.repo.FindByToken(ctx, ref.Token)
	default:
		return nil, domain.ErrOrderNotFound
	}
}

