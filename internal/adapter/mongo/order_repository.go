package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/YelzhanWeb/canteen-relay/internal/domain"
)

const ordersCollection = "orders"

type OrderRepo struct {
	collection *mongo.Collection
}

func NewOrderRepo(db *mongo.Database) *OrderRepo {
	return &OrderRepo{
		collection: db.Collection(ordersCollection),
	}
}

func (r *OrderRepo) Create(ctx context.Context, order *domain.Order) error {
	if order == nil {
		return fmt.Errorf("order is nil")
	}

	order.ID = primitive.NewObjectID().Hex()
	order.Version = 1

	if _, err := r.collection.InsertOne(ctx, order); err != nil {
		return fmt.Errorf("cannot create order: %w", err)
	}
	return nil
}

func (r *OrderRepo) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.findOne(ctx, bson.M{"_id": id}, nil)
}

func (r *OrderRepo) FindByToken(ctx context.Context, token string) (*domain.Order, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return r.findOne(ctx, bson.M{"token": token}, opts)
}

func (r *OrderRepo) FindByCloudOrderID(ctx context.Context, cloudOrderID string) (*domain.Order, error) {
	if cloudOrderID == "" {
		return nil, domain.ErrOrderNotFound
	}
	return r.findOne(ctx, bson.M{"cloud_order_id": cloudOrderID}, nil)
}

// UpdateItemStatus matches the item and its guards in one filter, so the
// check and the write cannot interleave with another update.
func (r *OrderRepo) UpdateItemStatus(ctx context.Context, orderID, itemID string, status domain.ItemStatus) (*domain.Order, error) {
	filter := bson.M{
		"_id":    orderID,
		"status": domain.StatusInQueue,
		"items": bson.M{"$elemMatch": bson.M{
			"_id":    itemID,
			"status": bson.M{"$ne": domain.ItemRejected},
		}},
	}
	update := bson.M{
		"$set": bson.M{"items.$.status": status},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated domain.Order
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("cannot update order item: %w", err)
	}

	// Фильтр не совпал: выясняем почему
	current, err := r.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, domain.ErrOrderClosed
	}
	idx := current.FindItem(itemID)
	if idx < 0 {
		return nil, domain.ErrItemNotFound
	}
	if current.Items[idx].Status == domain.ItemRejected {
		return nil, domain.ErrItemRejected
	}
	return nil, domain.ErrVersionConflict
}

// CloseOrder writes status, items and refund in one conditional update.
func (r *OrderRepo) CloseOrder(ctx context.Context, closed *domain.Order, expectedVersion int64) (*domain.Order, error) {
	filter := bson.M{
		"_id":     closed.ID,
		"version": expectedVersion,
		"status":  domain.StatusInQueue,
	}
	update := bson.M{
		"$set": bson.M{
			"status":          closed.Status,
			"items":           closed.Items,
			"refunded_amount": closed.RefundedAmount,
			"completed_at":    closed.CompletedAt,
		},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated domain.Order
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("cannot close order: %w", err)
	}

	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": closed.ID})
	if err != nil {
		return nil, fmt.Errorf("cannot check order: %w", err)
	}
	if n == 0 {
		return nil, domain.ErrOrderNotFound
	}
	return nil, domain.ErrVersionConflict
}

func (r *OrderRepo) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot list orders: %w", err)
	}
	defer cursor.Close(ctx)

	var result []*domain.Order
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("cannot decode orders: %w", err)
	}
	return result, nil
}

func (r *OrderRepo) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (*domain.Order, error) {
	var order domain.Order
	var err error
	if opts != nil {
		err = r.collection.FindOne(ctx, filter, opts).Decode(&order)
	} else {
		err = r.collection.FindOne(ctx, filter).Decode(&order)
	}
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("cannot get order: %w", err)
	}
	return &order, nil
}
