package order

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// memRepo is an in-memory OrderRepository with the same atomicity rules as
// the real stores.
type memRepo struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	seq    int

	CreateErr error
	// Conflicts makes the next n CloseOrder calls fail with a version conflict.
	Conflicts int
	// BeforeItemUpdate and BeforeClose run inside the write, before any check.
	BeforeItemUpdate func(o *domain.Order)
	BeforeClose      func(o *domain.Order)
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[string]*domain.Order)}
}

func clone(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.LineItem(nil), o.Items...)
	return &c
}

func (r *memRepo) Create(ctx context.Context, o *domain.Order) error {
	if r.CreateErr != nil {
		return r.CreateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	o.ID = fmt.Sprintf("ord-%d", r.seq)
	o.Version = 1
	r.orders[o.ID] = clone(o)
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return clone(o), nil
}

func (r *memRepo) FindByToken(ctx context.Context, token string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *domain.Order
	for _, o := range r.orders {
		if o.Token == token && (found == nil || o.CreatedAt > found.CreatedAt) {
			found = o
		}
	}
	if found == nil {
		return nil, domain.ErrOrderNotFound
	}
	return clone(found), nil
}

func (r *memRepo) FindByCloudOrderID(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.CloudOrderID == id {
			return clone(o), nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (r *memRepo) UpdateItemStatus(ctx context.Context, orderID, itemID string, status domain.ItemStatus) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if r.BeforeItemUpdate != nil {
		r.BeforeItemUpdate(o)
	}
	if o.Status.IsTerminal() {
		return nil, domain.ErrOrderClosed
	}
	idx := o.FindItem(itemID)
	if idx < 0 {
		return nil, domain.ErrItemNotFound
	}
	if o.Items[idx].Status == domain.ItemRejected {
		return nil, domain.ErrItemRejected
	}
	o.Items[idx].Status = status
	o.Version++
	return clone(o), nil
}

func (r *memRepo) CloseOrder(ctx context.Context, closed *domain.Order, expectedVersion int64) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Conflicts > 0 {
		r.Conflicts--
		r.orders[closed.ID].Version++
		return nil, domain.ErrVersionConflict
	}
	o, ok := r.orders[closed.ID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if r.BeforeClose != nil {
		r.BeforeClose(o)
	}
	if o.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}
	saved := clone(closed)
	saved.Version = expectedVersion + 1
	r.orders[saved.ID] = saved
	return clone(saved), nil
}

func (r *memRepo) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error) {
	return nil, errors.New("not implemented")
}

type sent struct {
	role   domain.Role
	target string
	event  protocol.Event
	data   any
}

// recordingNotifier remembers every fan-out and reports the configured roles
// and ids as connected.
type recordingNotifier struct {
	mu        sync.Mutex
	calls     []sent
	connected map[domain.Role]bool
	online    map[string]bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{connected: map[domain.Role]bool{}, online: map[string]bool{}}
}

func (n *recordingNotifier) BroadcastToRole(role domain.Role, event protocol.Event, payload any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, sent{role: role, event: event, data: payload})
	return n.connected[role]
}

func (n *recordingNotifier) SendTo(id string, event protocol.Event, payload any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, sent{target: id, event: event, data: payload})
	return n.online[id]
}

func (n *recordingNotifier) IsRoleConnected(role domain.Role) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected[role]
}

func (n *recordingNotifier) FindByRole(role domain.Role) (string, bool) {
	return "", n.IsRoleConnected(role)
}

func (n *recordingNotifier) filter(event protocol.Event) []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sent
	for _, c := range n.calls {
		if c.event == event {
			out = append(out, c)
		}
	}
	return out
}

type mockPublisher struct {
	orders   []interfaces.OrderMessage
	statuses []interfaces.StatusUpdateMessage
	err      error
}

func (p *mockPublisher) PublishOrder(ctx context.Context, msg interfaces.OrderMessage) error {
	p.orders = append(p.orders, msg)
	return p.err
}

func (p *mockPublisher) PublishStatusUpdate(ctx context.Context, msg interfaces.StatusUpdateMessage) error {
	p.statuses = append(p.statuses, msg)
	return p.err
}
