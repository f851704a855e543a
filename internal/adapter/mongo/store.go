// Package mongo is the default order store of the local deployment.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/config"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    config.DatabaseConfig
	logger logger.Logger
}

func NewStore(cfg config.DatabaseConfig, logger logger.Logger) *Store {
	return &Store{cfg: cfg, logger: logger}
}

func (s *Store) Start(ctx context.Context) error {
	clientOptions := options.Client().ApplyURI(s.cfg.MongoURL).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	s.client = client
	s.db = client.Database(s.cfg.MongoDB)

	if err := s.ensureIndexes(ctx); err != nil {
		return err
	}

	s.logger.Info("db_connected", "Connected to MongoDB", "", map[string]interface{}{"database": s.cfg.MongoDB})
	return nil
}

func (s *Store) Stop(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
	}
	s.logger.Info("db_disconnected", "Disconnected from MongoDB", "", nil)
	return nil
}

func (s *Store) Database() *mongo.Database {
	return s.db
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "token", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{
			Keys: bson.D{{Key: "cloud_order_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"cloud_order_id": bson.M{"$exists": true}}),
		},
	}
	if _, err := s.db.Collection(ordersCollection).Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("cannot create order indexes: %w", err)
	}
	return nil
}
