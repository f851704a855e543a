package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/adapter/mongo"
	"github.com/YelzhanWeb/canteen-relay/internal/adapter/nats"
	"github.com/YelzhanWeb/canteen-relay/internal/adapter/postgres"
	"github.com/YelzhanWeb/canteen-relay/internal/adapter/rabbitmq"
	"github.com/YelzhanWeb/canteen-relay/internal/adapter/ws"
	"github.com/YelzhanWeb/canteen-relay/internal/app/bridge"
	"github.com/YelzhanWeb/canteen-relay/internal/app/order"
	"github.com/YelzhanWeb/canteen-relay/internal/app/presence"
	"github.com/YelzhanWeb/canteen-relay/internal/app/router"
	"github.com/YelzhanWeb/canteen-relay/internal/app/tracking"
	"github.com/YelzhanWeb/canteen-relay/internal/config"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"

	amqpAdapter "github.com/YelzhanWeb/canteen-relay/internal/adapter/amqp"
	httpAdapter "github.com/YelzhanWeb/canteen-relay/internal/adapter/http"
)

func main() {
	// Parse command-line flags
	mode := flag.String("mode", "", "Service mode: local, cloud, notification-subscriber")
	configPath := flag.String("config", "config.yaml", "Path to the YAML config")
	port := flag.Int("port", 0, "HTTP port (overrides http.port)")
	flag.Parse()

	if *mode == "" {
		log.Fatal("--mode flag is required")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.HTTP.Port = *port
	}

	lgr := logger.New("canteen-"+*mode, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Route to appropriate deployment
	switch *mode {
	case "local":
		err = runLocal(ctx, cfg, lgr)
	case "cloud":
		err = runCloud(ctx, cfg, lgr)
	case "notification-subscriber":
		err = runNotificationSubscriber(ctx, cfg, lgr)
	default:
		log.Fatalf("Invalid mode: %s", *mode)
	}

	if err != nil {
		lgr.Error("service_failed", "Service stopped with an error", "runtime", nil, err)
		os.Exit(1)
	}
}

func runLocal(ctx context.Context, cfg *config.Config, lgr logger.Logger) error {
	orderRepo, closeRepo, err := openOrderRepository(ctx, cfg, lgr)
	if err != nil {
		return err
	}
	defer closeRepo()

	publisher, closePublisher, err := openPublisher(cfg, lgr)
	if err != nil {
		return err
	}
	defer closePublisher()

	registry := presence.NewRegistry(presence.NewOfflineCache(cfg.Cache.MaxPerTarget, lgr), lgr)
	engine := order.NewService(orderRepo, registry, publisher, cfg.Service.CanteenID, lgr)
	localRouter := router.NewLocal(registry, engine, lgr)

	// Канал в облако регистрируется как обычный клиент CLOUD_BRIDGE
	fromCloud := func(ctx context.Context, from presence.Transport, raw []byte) {
		localRouter.Dispatch(ctx, router.Sender{ID: cfg.Service.CanteenID, Role: domain.RoleCloudBridge, Transport: from}, raw)
	}
	connector := bridge.NewConnector(
		cfg.Bridge.CloudURL,
		cfg.Service.CanteenID,
		ws.NewDialer(cfg.Bridge.DialTimeout, ws.DefaultWriteTimeout),
		registry,
		fromCloud,
		bridge.NewBackoff(cfg.Bridge.MinDelay, cfg.Bridge.MaxDelay, cfg.Bridge.GrowFactor),
		lgr,
	)
	go func() {
		if err := connector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lgr.Error("bridge_stopped", "Cloud bridge stopped", "runtime", nil, err)
		}
	}()

	trackingService := tracking.NewService("local", orderRepo, registry, nil, connector, lgr)
	gateway := ws.NewGateway(ctx, registry, localRouter, ws.DefaultWriteTimeout, lgr)

	handler := httpAdapter.NewLocalRouter(
		httpAdapter.NewOrderHandler(engine, lgr),
		httpAdapter.NewTrackingHandler(trackingService, lgr),
		gateway.Local(),
		lgr,
	)

	lgr.Info("service_started", fmt.Sprintf("Local server started on port %d", cfg.HTTP.Port), "startup", map[string]interface{}{
		"port":       cfg.HTTP.Port,
		"canteen_id": cfg.Service.CanteenID,
		"database":   cfg.Database.Driver,
		"events":     cfg.Events.Driver,
		"cloud_url":  cfg.Bridge.CloudURL,
	})

	return serve(ctx, cfg.HTTP, handler, lgr)
}

func runCloud(ctx context.Context, cfg *config.Config, lgr logger.Logger) error {
	registry := presence.NewRegistry(presence.NewOfflineCache(cfg.Cache.MaxPerTarget, lgr), lgr)

	pending := bridge.NewPendingOrders(cfg.Pending.MaxAttempts, registry, lgr)
	registry.AddListener(pending)

	monitor := bridge.NewMonitor(registry, cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout, lgr)
	registry.AddListener(monitor)
	defer monitor.Stop()

	cloudRouter := router.NewCloud(registry, pending, lgr)
	trackingService := tracking.NewService("cloud", nil, registry, pending, nil, lgr)
	gateway := ws.NewGateway(ctx, registry, cloudRouter, ws.DefaultWriteTimeout, lgr)

	handler := httpAdapter.NewCloudRouter(
		httpAdapter.NewTrackingHandler(trackingService, lgr),
		gateway.Bridge(),
		gateway.Student(),
		lgr,
	)

	lgr.Info("service_started", fmt.Sprintf("Cloud server started on port %d", cfg.HTTP.Port), "startup", map[string]interface{}{
		"port":               cfg.HTTP.Port,
		"heartbeat_interval": cfg.Heartbeat.Interval.String(),
		"heartbeat_timeout":  cfg.Heartbeat.Timeout.String(),
		"max_attempts":       cfg.Pending.MaxAttempts,
	})

	return serve(ctx, cfg.HTTP, handler, lgr)
}

func runNotificationSubscriber(ctx context.Context, cfg *config.Config, lgr logger.Logger) error {
	var consumer interfaces.MessageConsumer

	switch cfg.Events.Driver {
	case "amqp":
		mqConn, err := rabbitmq.Connect(cfg.RabbitMQ)
		if err != nil {
			return err
		}
		defer mqConn.Close()
		consumer = rabbitmq.NewConsumer(mqConn, cfg.RabbitMQ.Prefetch, lgr)
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL, "canteen-notification-subscriber")
		if err != nil {
			return err
		}
		defer nc.Close()
		consumer = nats.NewSubscriber(nc, cfg.NATS.Subject, lgr)
	default:
		return fmt.Errorf("notification-subscriber needs events.driver amqp or nats, got %q", cfg.Events.Driver)
	}

	notificationHandler := amqpAdapter.NewNotificationHandler(lgr)

	lgr.Info("service_started", "Notification Subscriber started", "startup", map[string]interface{}{
		"driver": cfg.Events.Driver,
	})

	err := consumer.ConsumeNotifications(ctx, notificationHandler.HandleNotification)

	lgr.Info("shutdown_initiated", "Shutting down Notification Subscriber", "shutdown", nil)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openOrderRepository(ctx context.Context, cfg *config.Config, lgr logger.Logger) (interfaces.OrderRepository, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		lgr.Info("db_connected", "Connected to PostgreSQL database", "startup", map[string]interface{}{
			"host": cfg.Database.Host,
			"db":   cfg.Database.Database,
		})
		return postgres.NewOrderRepository(db), db.Close, nil

	default:
		store := mongo.NewStore(cfg.Database, lgr)
		if err := store.Start(ctx); err != nil {
			return nil, nil, err
		}
		closeStore := func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Stop(stopCtx); err != nil {
				lgr.Error("db_disconnect_failed", "Failed to disconnect from MongoDB", "shutdown", nil, err)
			}
		}
		return mongo.NewOrderRepo(store.Database()), closeStore, nil
	}
}

// openPublisher returns a nil publisher when events.driver is none.
func openPublisher(cfg *config.Config, lgr logger.Logger) (interfaces.MessagePublisher, func(), error) {
	switch cfg.Events.Driver {
	case "amqp":
		mqConn, err := rabbitmq.Connect(cfg.RabbitMQ)
		if err != nil {
			return nil, nil, err
		}
		lgr.Info("rabbitmq_connected", "Connected to RabbitMQ", "startup", map[string]interface{}{
			"host": cfg.RabbitMQ.Host,
		})
		return rabbitmq.NewPublisher(mqConn), func() { mqConn.Close() }, nil

	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL, "canteen-local")
		if err != nil {
			return nil, nil, err
		}
		lgr.Info("nats_connected", "Connected to NATS", "startup", map[string]interface{}{
			"url": cfg.NATS.URL,
		})
		return nats.NewPublisher(nc, cfg.NATS.Subject), nc.Close, nil

	default:
		return nil, func() {}, nil
	}
}

func serve(ctx context.Context, cfg config.HTTPConfig, handler http.Handler, lgr logger.Logger) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lgr.Info("shutdown_initiated", "Shutting down", "shutdown", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		lgr.Error("shutdown_error", "Error during shutdown", "shutdown", nil, err)
		return err
	}
	return nil
}
