// Package router decides what happens to every inbound frame: which role may
// send it, which service handles it and who hears about the result.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/app/bridge"
	"github.com/YelzhanWeb/canteen-relay/internal/app/presence"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

type Deployment int

const (
	Local Deployment = iota + 1
	Cloud
)

func (d Deployment) String() string {
	switch d {
	case Local:
		return "local"
	case Cloud:
		return "cloud"
	default:
		return fmt.Sprintf("Deployment(%d)", int(d))
	}
}

// Sender identifies the connection a frame arrived on.
type Sender struct {
	ID        string
	Role      domain.Role
	Transport presence.Transport
}

// Engine is the order lifecycle engine (local deployment only).
type Engine interface {
	SubmitOrder(ctx context.Context, cmd interfaces.SubmitOrderCommand, source domain.Source) interfaces.Ack
	UpdateItemStatus(ctx context.Context, ref interfaces.OrderRef, itemID string, status domain.ItemStatus) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, ref interfaces.OrderRef, status domain.Status) (*domain.Order, error)
}

// Pending tracks student orders on their way to the kitchen (cloud only).
type Pending interface {
	Add(order bridge.PendingOrder)
	RecordAttempt(cloudOrderID string)
	Ack(cloudOrderID string) bool
}

type Presence interface {
	Touch(id string)
	FindByRole(role domain.Role) (string, bool)
	SendTo(id string, event protocol.Event, payload any) bool
	SendNow(id string, event protocol.Event, payload any) bool
}

type Router struct {
	deployment Deployment
	presence   Presence
	engine     Engine
	pending    Pending
	logger     logger.Logger
	now        func() time.Time
}

func NewLocal(presence Presence, engine Engine, logger logger.Logger) *Router {
	return &Router{deployment: Local, presence: presence, engine: engine, logger: logger, now: time.Now}
}

func NewCloud(presence Presence, pending Pending, logger logger.Logger) *Router {
	return &Router{deployment: Cloud, presence: presence, pending: pending, logger: logger, now: time.Now}
}

// Dispatch handles one frame. It never panics and never returns an error:
// problems the sender can act on are answered with an error event.
func (r *Router) Dispatch(ctx context.Context, from Sender, raw []byte) {
	requestID := uuid.NewString()
	ctx = logger.WithRequestID(ctx, requestID)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("dispatch_panic", "Recovered from panic while handling a message", requestID, map[string]interface{}{
				"client_id": from.ID,
				"stack":     string(debug.Stack()),
			}, fmt.Errorf("%v", rec))
			r.replyError(from, protocol.CodeInternal, "internal error")
		}
	}()

	r.presence.Touch(from.ID)

	msg, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidPayload) {
			r.logger.Debug("invalid_payload", "Rejected message with invalid payload", requestID, map[string]interface{}{
				"client_id": from.ID,
				"event":     msg.Event,
				"error":     err.Error(),
			})
			r.replyError(from, protocol.CodeInvalidPayload, err.Error())
			return
		}
		r.logger.Warn("malformed_message", "Dropped malformed message", requestID, map[string]interface{}{
			"client_id": from.ID,
			"error":     err.Error(),
		})
		return
	}

	r.logger.Debug("message_received", fmt.Sprintf("Received %s", msg.Event), requestID, map[string]interface{}{
		"client_id": from.ID,
		"role":      from.Role.String(),
	})

	switch msg.Event {
	case protocol.EventPing:
		r.reply(from, protocol.EventPong, protocol.PingPayload{Timestamp: r.now().UnixMilli()})
		return
	case protocol.EventPong:
		return
	case protocol.EventCanteenStatus:
		return
	case protocol.EventError:
		p := msg.Payload.(*protocol.ErrorPayload)
		r.logger.Warn("peer_error", "Peer reported an error", requestID, map[string]interface{}{
			"client_id": from.ID,
			"code":      p.Code,
			"message":   p.Message,
		})
		return
	}

	switch r.deployment {
	case Local:
		r.dispatchLocal(ctx, from, msg)
	case Cloud:
		r.dispatchCloud(ctx, from, msg)
	}
}

func (r *Router) reply(to Sender, event protocol.Event, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("encode_failed", "Failed to encode reply", "", map[string]interface{}{"event": event}, err)
		return
	}
	if err := to.Transport.Send(frame); err != nil {
		r.logger.Debug("reply_failed", "Failed to reply to sender", "", map[string]interface{}{
			"client_id": to.ID,
			"event":     event,
			"error":     err.Error(),
		})
	}
}

func (r *Router) replyError(to Sender, code, message string) {
	r.reply(to, protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
}

func (r *Router) unauthorized(ctx context.Context, from Sender, event protocol.Event) {
	r.logger.Warn("unauthorized_event", "Role is not allowed to send this event", logger.RequestID(ctx), map[string]interface{}{
		"client_id": from.ID,
		"role":      from.Role.String(),
		"event":     event,
	})
	r.replyError(from, protocol.CodeUnauthorized, fmt.Sprintf("%s may not send %s", from.Role, event))
}

// errorCode maps engine errors onto the codes clients understand.
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrItemNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, domain.ErrInvalidStatusTransition),
		errors.Is(err, domain.ErrItemRejected),
		errors.Is(err, domain.ErrOrderClosed):
		return protocol.CodeInvalidTransition
	case errors.Is(err, domain.ErrInvalidOrder):
		return protocol.CodeInvalidPayload
	default:
		return protocol.CodeInternal
	}
}

func statusMessage(status domain.Status) string {
	return fmt.Sprintf("Your order is now %s.", strings.ToLower(string(status)))
}

const itemRejectedMessage = "An item in your order is unavailable."
