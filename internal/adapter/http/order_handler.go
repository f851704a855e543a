package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
)

// OrderSubmitter is the lifecycle engine as seen by the REST fallback.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, cmd interfaces.SubmitOrderCommand, source domain.Source) interfaces.Ack
}

// OrderHandler lets a POS submit orders over plain HTTP when its WebSocket
// is down. Orders go through the same engine.
type OrderHandler struct {
	service OrderSubmitter
	logger  logger.Logger
}

func NewOrderHandler(service OrderSubmitter, logger logger.Logger) *OrderHandler {
	return &OrderHandler{
		service: service,
		logger:  logger,
	}
}

type CreateOrderRequest struct {
	Token       string             `json:"token,omitempty"`
	Items       []OrderItemRequest `json:"items"`
	TotalAmount int64              `json:"totalAmount"`
}

type OrderItemRequest struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Category string `json:"category,omitempty"`
	Quantity int    `json:"quantity"`
}

type CreateOrderResponse struct {
	ID          string        `json:"_id"`
	Token       string        `json:"token"`
	Status      domain.Status `json:"status"`
	TotalAmount int64         `json:"totalAmount"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	requestID := logger.RequestID(r.Context())

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	// Валидация входных данных
	if validationErrors := validateCreateOrderRequest(req); len(validationErrors) > 0 {
		h.logger.Debug("validation_failed", "Order validation failed", requestID, map[string]interface{}{
			"errors": validationErrors,
		})
		respondError(w, "Validation failed", http.StatusBadRequest, validationErrors)
		return
	}

	cmd := interfaces.SubmitOrderCommand{
		Token: strings.TrimSpace(req.Token),
		Items: convertItemsToCommand(req.Items),
	}

	ack := h.service.SubmitOrder(r.Context(), cmd, domain.SourceLocal)
	if !ack.Success {
		status := http.StatusInternalServerError
		if ack.Invalid {
			status = http.StatusBadRequest
		}
		respondError(w, ack.Error, status, nil)
		return
	}

	var total int64
	for _, item := range cmd.Items {
		total += item.Price * int64(item.Quantity)
	}

	respondJSON(w, http.StatusCreated, CreateOrderResponse{
		ID:          ack.ID,
		Token:       ack.Token,
		Status:      domain.StatusInQueue,
		TotalAmount: total,
	})
}

func validateCreateOrderRequest(req CreateOrderRequest) []ValidationError {
	var errors []ValidationError

	// 1. Позиции заказа
	if len(req.Items) < 1 {
		errors = append(errors, ValidationError{
			Field:   "items",
			Message: "order must contain at least 1 item",
		})
	}

	if req.TotalAmount < 0 {
		errors = append(errors, ValidationError{
			Field:   "totalAmount",
			Message: "total amount must not be negative",
		})
	}

	// 2. Каждая позиция
	for i, item := range req.Items {
		itemPrefix := fmt.Sprintf("items[%d]", i)

		if strings.TrimSpace(item.ID) == "" {
			errors = append(errors, ValidationError{
				Field:   itemPrefix + "._id",
				Message: "item id is required",
			})
		}
		if strings.TrimSpace(item.Name) == "" {
			errors = append(errors, ValidationError{
				Field:   itemPrefix + ".name",
				Message: "item name is required",
			})
		}
		if item.Quantity < 1 {
			errors = append(errors, ValidationError{
				Field:   itemPrefix + ".quantity",
				Message: "item quantity must be at least 1",
			})
		}
		if item.Price < 0 {
			errors = append(errors, ValidationError{
				Field:   itemPrefix + ".price",
				Message: "item price must not be negative",
			})
		}
	}

	return errors
}

func convertItemsToCommand(items []OrderItemRequest) []interfaces.SubmitOrderItem {
	result := make([]interfaces.SubmitOrderItem, len(items))
	for i, item := range items {
		result[i] = interfaces.SubmitOrderItem{
			ID:       strings.TrimSpace(item.ID),
			Name:     strings.TrimSpace(item.Name),
			Price:    item.Price,
			Category: item.Category,
			Quantity: item.Quantity,
		}
	}
	return result
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, message string, statusCode int, validationErrors []ValidationError) {
	respondJSON(w, statusCode, ErrorResponse{
		Error:  message,
		Errors: validationErrors,
	})
}
