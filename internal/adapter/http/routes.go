package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
)

func newRouter(log logger.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggingMiddleware(log))
	return r
}

// NewLocalRouter serves the on-premises endpoints. ws handles /ws/local.
func NewLocalRouter(orders *OrderHandler, tracking *TrackingHandler, ws http.Handler, log logger.Logger) http.Handler {
	r := newRouter(log)

	r.Get("/health", tracking.Health)
	r.Get("/clients", tracking.GetClients)
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", orders.CreateOrder)
		r.Get("/", tracking.ListOrders)
		r.Get("/{id}", tracking.GetOrder)
	})
	r.Handle("/ws/local", ws)

	return r
}

// NewCloudRouter serves the internet-facing endpoints.
func NewCloudRouter(tracking *TrackingHandler, bridgeWS, studentWS http.Handler, log logger.Logger) http.Handler {
	r := newRouter(log)

	r.Get("/health", tracking.Health)
	r.Get("/clients", tracking.GetClients)
	r.Get("/pending", tracking.GetPending)
	r.Handle("/ws/bridge", bridgeWS)
	r.Handle("/ws/student", studentWS)

	return r
}
