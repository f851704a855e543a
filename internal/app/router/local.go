package router

import (
	"context"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// dispatchLocal applies the permission table of the on-premises server:
// the POS and the cloud bridge submit orders, only a KDS moves them.
func (r *Router) dispatchLocal(ctx context.Context, from Sender, msg protocol.Message) {
	switch msg.Event {
	case protocol.EventNewOrder:
		var source domain.Source
		switch from.Role {
		case domain.RoleLocalPOS:
			source = domain.SourceLocal
		case domain.RoleCloudBridge:
			source = domain.SourceCloud
		default:
			r.unauthorized(ctx, from, msg.Event)
			return
		}

		p := msg.Payload.(*protocol.NewOrderPayload)
		if source == domain.SourceLocal {
			p.CloudOrderID = ""
		}
		ack := r.engine.SubmitOrder(ctx, SubmitCommand(p), source)
		r.reply(from, protocol.EventOrderAck, AckPayload(ack))

	case protocol.EventOrderUpdate:
		if from.Role != domain.RoleKDS {
			r.unauthorized(ctx, from, msg.Event)
			return
		}
		p := msg.Payload.(*protocol.OrderUpdatePayload)
		ref := interfaces.OrderRef{ID: p.ID, Token: p.Token}
		if _, err := r.engine.UpdateOrderStatus(ctx, ref, p.Status); err != nil {
			r.engineError(ctx, from, msg.Event, err)
		}

	case protocol.EventItemUpdate:
		if from.Role != domain.RoleKDS {
			r.unauthorized(ctx, from, msg.Event)
			return
		}
		p := msg.Payload.(*protocol.ItemUpdatePayload)
		ref := interfaces.OrderRef{ID: p.OrderID, Token: p.Token}
		if _, err := r.engine.UpdateItemStatus(ctx, ref, p.ItemID, p.Status); err != nil {
			r.engineError(ctx, from, msg.Event, err)
		}

	case protocol.EventOrderAck:
		r.unauthorized(ctx, from, msg.Event)

	default:
		r.logger.Debug("event_ignored", "No local handler for event", logger.RequestID(ctx), map[string]interface{}{"event": msg.Event})
	}
}

func (r *Router) engineError(ctx context.Context, from Sender, event protocol.Event, err error) {
	code := errorCode(err)
	details := map[string]interface{}{
		"client_id": from.ID,
		"event":     event,
		"code":      code,
	}
	if code == protocol.CodeInternal {
		r.logger.Error("engine_failed", "Order update failed", logger.RequestID(ctx), details, err)
		r.replyError(from, code, "failed to update order")
		return
	}
	r.logger.Debug("engine_rejected", "Order update rejected", logger.RequestID(ctx), details)
	r.replyError(from, code, err.Error())
}

// SubmitCommand converts a wire payload into an engine command. It is shared
// with the REST fallback.
func SubmitCommand(p *protocol.NewOrderPayload) interfaces.SubmitOrderCommand {
	cmd := interfaces.SubmitOrderCommand{
		CloudOrderID: p.CloudOrderID,
		Token:        p.Token,
		EnrollmentID: p.EnrollmentID,
		Items:        make([]interfaces.SubmitOrderItem, len(p.Items)),
	}
	for i, item := range p.Items {
		cmd.Items[i] = interfaces.SubmitOrderItem{
			ID:       item.ID,
			Name:     item.Name,
			Price:    item.Price,
			Category: item.Category,
			Quantity: item.Quantity,
		}
	}
	return cmd
}

func AckPayload(ack interfaces.Ack) protocol.OrderAckPayload {
	p := protocol.OrderAckPayload{
		ID:           ack.ID,
		CloudOrderID: ack.CloudOrderID,
		Token:        ack.Token,
		EnrollmentID: ack.EnrollmentID,
		Success:      ack.Success,
		Error:        ack.Error,
	}
	if ack.Success {
		p.Status = domain.StatusInQueue
	}
	return p
}
