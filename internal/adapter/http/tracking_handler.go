package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
)

type TrackingHandler struct {
	service interfaces.TrackingService
	logger  logger.Logger
}

func NewTrackingHandler(service interfaces.TrackingService, logger logger.Logger) *TrackingHandler {
	return &TrackingHandler{
		service: service,
		logger:  logger,
	}
}

// GetOrder resolves /orders/{id}. A 6 character value that is not an id is
// tried as a token.
func (h *TrackingHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "id")

	order, err := h.service.GetOrder(r.Context(), interfaces.OrderRef{ID: key})
	if errors.Is(err, domain.ErrOrderNotFound) && len(key) == 6 {
		order, err = h.service.GetOrder(r.Context(), interfaces.OrderRef{Token: key})
	}
	if errors.Is(err, domain.ErrOrderNotFound) {
		respondError(w, "Order not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		h.logger.Error("order_lookup_failed", "Failed to load order", logger.RequestID(r.Context()), map[string]interface{}{"key": key}, err)
		respondError(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	respondJSON(w, http.StatusOK, order)
}

// ListOrders backs the KDS start-up list. ?status= narrows it.
func (h *TrackingHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var status domain.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := domain.ParseStatus(raw)
		if !ok {
			respondError(w, "Unknown status", http.StatusBadRequest, []ValidationError{{Field: "status", Message: "must be IN_QUEUE, COMPLETED or CANCELLED"}})
			return
		}
		status = parsed
	}

	orders, err := h.service.ListOrders(r.Context(), status)
	if err != nil {
		respondError(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}

	respondJSON(w, http.StatusOK, orders)
}

func (h *TrackingHandler) GetClients(w http.ResponseWriter, r *http.Request) {
	clients := h.service.GetClients()
	if clients == nil {
		clients = []*interfaces.TrackingClientResponse{}
	}
	respondJSON(w, http.StatusOK, clients)
}

func (h *TrackingHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	pending := h.service.GetPending()
	if pending == nil {
		pending = []*interfaces.TrackingPendingResponse{}
	}
	respondJSON(w, http.StatusOK, pending)
}

func (h *TrackingHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.service.Health())
}
