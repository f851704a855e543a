package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
)

const orderColumns = `id, token, total_amount, refunded_amount, status, source, synced,
	created_at, completed_at, enrollment_id, cloud_order_id, version`

type orderRepository struct {
	db DB
}

func NewOrderRepository(db DB) interfaces.OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order.ID = uuid.NewString()
	order.Version = 1

	// Insert order
	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = tx.Exec(ctx, query,
		order.ID, order.Token, order.TotalAmount, order.RefundedAmount, order.Status, order.Source, order.Synced,
		order.CreatedAt, order.CompletedAt, order.EnrollmentID, order.CloudOrderID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	// Insert order items
	for i, item := range order.Items {
		itemQuery := `
			INSERT INTO order_items (order_id, position, item_id, name, price, category, quantity, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err = tx.Exec(ctx, itemQuery,
			order.ID, i, item.ID, item.Name, item.Price, item.Category, item.Quantity, item.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *orderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.findOne(ctx, r.db, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *orderRepository) FindByToken(ctx context.Context, token string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE token = $1 ORDER BY created_at DESC LIMIT 1`
	return r.findOne(ctx, r.db, query, token)
}

func (r *orderRepository) FindByCloudOrderID(ctx context.Context, cloudOrderID string) (*domain.Order, error) {
	if cloudOrderID == "" {
		return nil, domain.ErrOrderNotFound
	}
	return r.findOne(ctx, r.db, `SELECT `+orderColumns+` FROM orders WHERE cloud_order_id = $1`, cloudOrderID)
}

func (r *orderRepository) UpdateItemStatus(ctx context.Context, orderID, itemID string, status domain.ItemStatus) (*domain.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Блокируем заказ
	var orderStatus domain.Status
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&orderStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	if orderStatus.IsTerminal() {
		return nil, domain.ErrOrderClosed
	}

	// 2. Проверяем позицию
	var (
		position   int
		itemStatus domain.ItemStatus
	)
	err = tx.QueryRow(ctx, `
		SELECT position, status FROM order_items
		WHERE order_id = $1 AND item_id = $2
		ORDER BY position LIMIT 1
	`, orderID, itemID).Scan(&position, &itemStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order item: %w", err)
	}
	if itemStatus == domain.ItemRejected {
		return nil, domain.ErrItemRejected
	}

	// 3. Обновляем позицию и версию заказа
	if _, err := tx.Exec(ctx, `UPDATE order_items SET status = $1 WHERE order_id = $2 AND position = $3`, status, orderID, position); err != nil {
		return nil, fmt.Errorf("failed to update order item: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET version = version + 1 WHERE id = $1`, orderID); err != nil {
		return nil, fmt.Errorf("failed to bump order version: %w", err)
	}

	updated, err := r.findOne(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit item update: %w", err)
	}
	return updated, nil
}

func (r *orderRepository) CloseOrder(ctx context.Context, closed *domain.Order, expectedVersion int64) (*domain.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $1, refunded_amount = $2, completed_at = $3, version = version + 1
		WHERE id = $4 AND version = $5 AND status = $6
	`, closed.Status, closed.RefundedAmount, closed.CompletedAt, closed.ID, expectedVersion, domain.StatusInQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to close order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, closed.ID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check order: %w", err)
		}
		if !exists {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.ErrVersionConflict
	}

	for i, item := range closed.Items {
		_, err := tx.Exec(ctx, `UPDATE order_items SET status = $1 WHERE order_id = $2 AND position = $3`, item.Status, closed.ID, i)
		if err != nil {
			return nil, fmt.Errorf("failed to update order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit close: %w", err)
	}

	result := *closed
	result.Items = append([]domain.LineItem(nil), closed.Items...)
	result.Version = expectedVersion + 1
	return &result, nil
}

func (r *orderRepository) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var (
		orders []*domain.Order
		ids    []string
		byID   = make(map[string]*domain.Order)
	)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
		byID[order.ID] = order
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	itemRows, err := r.db.Query(ctx, `
		SELECT order_id, item_id, name, price, category, quantity, status
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var (
			orderID string
			item    domain.LineItem
		)
		if err := itemRows.Scan(&orderID, &item.ID, &item.Name, &item.Price, &item.Category, &item.Quantity, &item.Status); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read order items: %w", err)
	}

	return orders, nil
}

func (r *orderRepository) findOne(ctx context.Context, q querier, query string, arg any) (*domain.Order, error) {
	order, err := scanOrder(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	// Load order items
	rows, err := q.Query(ctx, `
		SELECT item_id, name, price, category, quantity, status
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ID, &item.Name, &item.Price, &item.Category, &item.Quantity, &item.Status); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read order items: %w", err)
	}

	return order, nil
}

func scanOrder(row Row) (*domain.Order, error) {
	var order domain.Order
	err := row.Scan(
		&order.ID, &order.Token, &order.TotalAmount, &order.RefundedAmount, &order.Status, &order.Source, &order.Synced,
		&order.CreatedAt, &order.CompletedAt, &order.EnrollmentID, &order.CloudOrderID, &order.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return &order, nil
}
