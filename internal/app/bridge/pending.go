package bridge

import (
	"sync"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// DefaultMaxAttempts is used when no limit is configured.
const DefaultMaxAttempts = 10

// PendingOrder is a student order the kitchen has not acknowledged yet.
type PendingOrder struct {
	CloudOrderID string                   `json:"cloudOrderId"`
	EnrollmentID string                   `json:"enrollmentId"`
	Token        string                   `json:"token"`
	Payload      protocol.NewOrderPayload `json:"payload"`
	Attempts     int                      `json:"attempts"`
	Status       domain.Status            `json:"status"`
	CreatedAt    time.Time                `json:"createdAt"`
}

// Sender is the registry side used to reach the bridge and the students.
type Sender interface {
	SendNow(id string, event protocol.Event, payload any) bool
	SendTo(id string, event protocol.Event, payload any) bool
}

// PendingOrders holds relayed orders until the kitchen acknowledges them and
// replays them whenever the bridge reconnects.
type PendingOrders struct {
	mu          sync.Mutex
	ids         []string
	entries     map[string]*PendingOrder
	maxAttempts int
	sender      Sender
	logger      logger.Logger
	now         func() time.Time
}

func NewPendingOrders(maxAttempts int, sender Sender, logger logger.Logger) *PendingOrders {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PendingOrders{
		entries:     make(map[string]*PendingOrder),
		maxAttempts: maxAttempts,
		sender:      sender,
		logger:      logger,
		now:         time.Now,
	}
}

func (p *PendingOrders) Add(order PendingOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[order.CloudOrderID]; exists {
		return
	}
	order.Status = domain.StatusNotReceived
	order.CreatedAt = p.now()
	p.entries[order.CloudOrderID] = &order
	p.ids = append(p.ids, order.CloudOrderID)
}

// RecordAttempt counts a delivery made outside of Replay.
func (p *PendingOrders) RecordAttempt(cloudOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[cloudOrderID]; ok {
		e.Attempts++
	}
}

// Ack removes the order and reports whether it was pending.
func (p *PendingOrders) Ack(cloudOrderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(cloudOrderID)
}

// Replay sends every pending order in arrival order, counting one attempt
// each. Orders that already used up their attempts are dropped and returned.
// Replay stops at the first failed send.
func (p *PendingOrders) Replay(send func(PendingOrder) bool) (int, []PendingOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dead []PendingOrder
	sent := 0
	for _, id := range append([]string(nil), p.ids...) {
		e := p.entries[id]
		if e.Attempts >= p.maxAttempts {
			dead = append(dead, *e)
			p.removeLocked(id)
			continue
		}
		e.Attempts++
		if !send(*e) {
			break
		}
		sent++
	}
	return sent, dead
}

// List returns a copy of the pending orders, oldest first.
func (p *PendingOrders) List() []PendingOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingOrder, 0, len(p.ids))
	for _, id := range p.ids {
		out = append(out, *p.entries[id])
	}
	return out
}

func (p *PendingOrders) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

func (p *PendingOrders) removeLocked(id string) bool {
	if _, ok := p.entries[id]; !ok {
		return false
	}
	delete(p.entries, id)
	for i, v := range p.ids {
		if v == id {
			p.ids = append(p.ids[:i], p.ids[i+1:]...)
			break
		}
	}
	return true
}

// BridgeConnected replays the backlog to the bridge that just registered.
func (p *PendingOrders) BridgeConnected(id string) {
	sent, dead := p.Replay(func(order PendingOrder) bool {
		return p.sender.SendNow(id, protocol.EventNewOrder, order.Payload)
	})

	if sent > 0 {
		p.logger.Info("pending_replayed", "Replayed pending orders to the bridge", "", map[string]interface{}{
			"bridge_id": id,
			"sent":      sent,
			"left":      p.Len(),
		})
	}

	for _, order := range dead {
		p.logger.Error("pending_dead_letter", "Order dropped after too many delivery attempts", "", map[string]interface{}{
			"cloud_order_id": order.CloudOrderID,
			"enrollment_id":  order.EnrollmentID,
			"attempts":       order.Attempts,
		}, nil)
		p.sender.SendTo(order.EnrollmentID, protocol.EventOrderAck, protocol.OrderAckPayload{
			CloudOrderID: order.CloudOrderID,
			Token:        order.Token,
			EnrollmentID: order.EnrollmentID,
			Success:      false,
			Status:       domain.StatusNotReceived,
			Error:        "the canteen did not confirm the order, please order again",
		})
	}
}

func (p *PendingOrders) BridgeDisconnected(string, int) {}
