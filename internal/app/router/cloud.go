package router

import (
	"context"

	"github.com/google/uuid"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/app/bridge"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// dispatchCloud applies the permission table of the internet-facing server:
// students order, the bridge reports back.
func (r *Router) dispatchCloud(ctx context.Context, from Sender, msg protocol.Message) {
	requestID := logger.RequestID(ctx)

	switch msg.Event {
	case protocol.EventNewOrder:
		if from.Role != domain.RoleStudent {
			r.unauthorized(ctx, from, msg.Event)
			return
		}
		r.relayStudentOrder(ctx, from, msg.Payload.(*protocol.NewOrderPayload))

	case protocol.EventOrderUpdate:
		if from.Role != domain.RoleCloudBridge {
			r.unauthorized(ctx, from, msg.Event)
			return
		}
		p := msg.Payload.(*protocol.OrderUpdatePayload)
		if p.EnrollmentID == "" {
			r.logger.Warn("update_without_student", "Order update has no enrollment id", requestID, map[string]interface{}{"order_id": p.ID})
			return
		}
		p.Message = statusMessage(p.Status)
		if !r.presence.SendTo(p.EnrollmentID, protocol.EventOrderUpdate, p) {
			r.logger.Info("student_offline", "Student offline, update cached", requestID, map[string]interface{}{"enrollment_id": p.EnrollmentID})
		}

	case protocol.EventItemUpdate:
		if from.Role != domain.RoleCloudBridge {
			r.unauthorized(ctx, from, msg.Event)
			return
		}
		p := msg.Payload.(*protocol.ItemUpdatePayload)
		if p.Status != domain.ItemRejected || p.EnrollmentID == "" {
			return
		}
		p.Message = itemRejectedMessage
		r.presence.SendTo(p.EnrollmentID, protocol.EventItemUpdate, p)

	case protocol.EventOrderAck:
		if from.Role != domain.RoleCloudBridge {
			r.unauthorized(ctx, from, msg.Event)
			return
		}
		p := msg.Payload.(*protocol.OrderAckPayload)
		if p.Success && p.CloudOrderID != "" {
			r.pending.Ack(p.CloudOrderID)
		}
		if p.EnrollmentID != "" {
			r.presence.SendTo(p.EnrollmentID, protocol.EventOrderAck, p)
		}
		r.logger.Info("order_acknowledged", "Kitchen acknowledged order", requestID, map[string]interface{}{
			"cloud_order_id": p.CloudOrderID,
			"success":        p.Success,
		})

	default:
		r.logger.Debug("event_ignored", "No cloud handler for event", requestID, map[string]interface{}{"event": msg.Event})
	}
}

// relayStudentOrder stamps the order with a relay id, remembers it until the
// kitchen acknowledges it and forwards it if the bridge is up.
func (r *Router) relayStudentOrder(ctx context.Context, from Sender, p *protocol.NewOrderPayload) {
	requestID := logger.RequestID(ctx)

	p.CloudOrderID = uuid.NewString()
	p.EnrollmentID = from.ID
	p.Source = domain.SourceCloud
	if p.Token == "" {
		p.Token = domain.GenerateToken()
	}

	r.pending.Add(bridge.PendingOrder{
		CloudOrderID: p.CloudOrderID,
		EnrollmentID: p.EnrollmentID,
		Token:        p.Token,
		Payload:      *p,
	})

	if bridgeID, ok := r.presence.FindByRole(domain.RoleCloudBridge); ok {
		if r.presence.SendNow(bridgeID, protocol.EventNewOrder, p) {
			r.pending.RecordAttempt(p.CloudOrderID)
			r.logger.Info("order_relayed", "Student order forwarded to the kitchen", requestID, map[string]interface{}{
				"cloud_order_id": p.CloudOrderID,
				"enrollment_id":  p.EnrollmentID,
			})
			return
		}
	}

	r.logger.Info("kitchen_offline", "Kitchen offline, order kept pending", requestID, map[string]interface{}{
		"cloud_order_id": p.CloudOrderID,
		"enrollment_id":  p.EnrollmentID,
	})
	r.reply(from, protocol.EventOrderAck, protocol.OrderAckPayload{
		CloudOrderID: p.CloudOrderID,
		Token:        p.Token,
		EnrollmentID: p.EnrollmentID,
		Success:      false,
		Status:       domain.StatusNotReceived,
		Error:        "the canteen is offline, the order will be sent when it reconnects",
	})
}
