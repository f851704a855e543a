package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/app/presence"
	"github.com/YelzhanWeb/canteen-relay/internal/app/router"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
)

type Registry interface {
	Register(id string, role domain.Role, t presence.Transport)
	Unregister(id string, t presence.Transport) bool
}

type Dispatcher interface {
	Dispatch(ctx context.Context, from router.Sender, raw []byte)
}

// Gateway upgrades HTTP requests into registered clients and feeds their
// frames to the router, one at a time per connection.
type Gateway struct {
	ctx          context.Context
	registry     Registry
	dispatcher   Dispatcher
	logger       logger.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// NewGateway binds connection lifetimes to ctx: cancelling it closes every
// connection the gateway accepted.
func NewGateway(ctx context.Context, registry Registry, dispatcher Dispatcher, writeTimeout time.Duration, logger logger.Logger) *Gateway {
	return &Gateway{
		ctx:        ctx,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
	}
}

// Local serves /ws/local?role=KDS|LOCAL_POS&deviceId=...
func (g *Gateway) Local() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		deviceID := strings.TrimSpace(q.Get("deviceId"))
		rawRole := q.Get("role")
		if deviceID == "" || rawRole == "" {
			g.reject(w, r, "Missing role or deviceId")
			return
		}
		role, err := domain.ParseRole(rawRole)
		if err != nil || (role != domain.RoleKDS && role != domain.RoleLocalPOS) {
			g.reject(w, r, "Unsupported role")
			return
		}
		g.serve(w, r, deviceID, role)
	})
}

// Bridge serves /ws/bridge?canteenId=...
func (g *Gateway) Bridge() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		canteenID := strings.TrimSpace(r.URL.Query().Get("canteenId"))
		if canteenID == "" {
			g.reject(w, r, "Missing canteenId")
			return
		}
		g.serve(w, r, canteenID, domain.RoleCloudBridge)
	})
}

// Student serves /ws/student?enrollmentId=...
func (g *Gateway) Student() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enrollmentID := strings.TrimSpace(r.URL.Query().Get("enrollmentId"))
		if enrollmentID == "" {
			g.reject(w, r, "Missing enrollmentId")
			return
		}
		g.serve(w, r, enrollmentID, domain.RoleStudent)
	})
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, reason string) {
	g.logger.Warn("connection_rejected", reason, logger.RequestID(r.Context()), map[string]interface{}{
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"remote": r.RemoteAddr,
	})
	http.Error(w, reason, http.StatusBadRequest)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, id string, role domain.Role) {
	requestID := logger.RequestID(r.Context())

	raw, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		g.logger.Debug("upgrade_failed", "WebSocket upgrade failed", requestID, map[string]interface{}{"error": err.Error()})
		return
	}
	conn := NewConn(raw, g.writeTimeout)

	g.registry.Register(id, role, conn)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-g.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	from := router.Sender{ID: id, Role: role, Transport: conn}
	for {
		frame, err := conn.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("connection_lost", "Connection closed unexpectedly", requestID, map[string]interface{}{
					"client_id": id,
					"error":     err.Error(),
				})
			}
			break
		}
		g.dispatcher.Dispatch(g.ctx, from, frame)
	}

	g.registry.Unregister(id, conn)
	conn.Close()
}
