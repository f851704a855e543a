// Package bridge keeps the local server connected to the cloud and, on the
// cloud side, watches that connection and holds orders it could not deliver.
package bridge

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/app/presence"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
)

// Conn is a dialed connection to the cloud.
type Conn interface {
	presence.Transport
	Read() ([]byte, error)
}

type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

type Registrar interface {
	Register(id string, role domain.Role, t presence.Transport)
	Unregister(id string, t presence.Transport) bool
}

// Handler processes one inbound frame from the cloud.
type Handler func(ctx context.Context, from presence.Transport, raw []byte)

// Connector owns the outbound link to the cloud. The link is registered
// locally as a CLOUD_BRIDGE client under the canteen id, so updates for
// cloud orders queue in the offline cache while it is down.
type Connector struct {
	cloudURL  string
	canteenID string
	dialer    Dialer
	registry  Registrar
	handler   Handler
	backoff   *Backoff
	logger    logger.Logger
	connected atomic.Bool
}

func NewConnector(cloudURL, canteenID string, dialer Dialer, registry Registrar, handler Handler, backoff *Backoff, logger logger.Logger) *Connector {
	return &Connector{
		cloudURL:  cloudURL,
		canteenID: canteenID,
		dialer:    dialer,
		registry:  registry,
		handler:   handler,
		backoff:   backoff,
		logger:    logger,
	}
}

func (c *Connector) Connected() bool {
	return c.connected.Load()
}

// URL is the cloud endpoint with the canteen id attached.
func (c *Connector) URL() (string, error) {
	u, err := url.Parse(c.cloudURL)
	if err != nil {
		return "", fmt.Errorf("invalid cloud url: %w", err)
	}
	q := u.Query()
	q.Set("canteenId", c.canteenID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run dials until ctx is cancelled. It never gives up on its own.
func (c *Connector) Run(ctx context.Context) error {
	target, err := c.URL()
	if err != nil {
		return err
	}

	for {
		conn, err := c.dialer.Dial(ctx, target)
		if err == nil {
			c.backoff.Reset()
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.logger.Warn("bridge_dial_failed", "Failed to reach the cloud", "", map[string]interface{}{
				"url":   target,
				"error": err.Error(),
			})
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.backoff.Next()
		c.logger.Info("bridge_reconnect_scheduled", fmt.Sprintf("Reconnecting to the cloud in %s", delay), "", nil)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Connector) serve(ctx context.Context, conn Conn) {
	c.connected.Store(true)
	c.registry.Register(c.canteenID, domain.RoleCloudBridge, conn)
	c.logger.Info("bridge_connected", "Connected to the cloud", "", map[string]interface{}{"canteen_id": c.canteenID})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		raw, err := conn.Read()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("bridge_disconnected", "Lost connection to the cloud", "", map[string]interface{}{"error": err.Error()})
			}
			break
		}
		c.handler(ctx, conn, raw)
	}

	c.connected.Store(false)
	c.registry.Unregister(c.canteenID, conn)
	_ = conn.Close()
}
