package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/app/bridge"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
)

// ErrNoOrderStore is returned by order queries on a deployment without a
// database (the cloud).
var ErrNoOrderStore = errors.New("orders are not stored on this deployment")

type Presence interface {
	Snapshot() []domain.ClientInfo
	CachedCount() map[string]int
}

type PendingLister interface {
	List() []bridge.PendingOrder
}

// BridgeState reports whether the local server is linked to the cloud.
type BridgeState interface {
	Connected() bool
}

type Service struct {
	mode      string
	orderRepo interfaces.OrderRepository
	presence  Presence
	pending   PendingLister
	bridge    BridgeState
	logger    logger.Logger
	startedAt time.Time
	now       func() time.Time
}

// NewService builds the read side of a deployment. orderRepo and link are
// nil on the cloud, pending is nil locally.
func NewService(mode string, orderRepo interfaces.OrderRepository, presence Presence, pending PendingLister, link BridgeState, logger logger.Logger) *Service {
	return &Service{
		mode:      mode,
		orderRepo: orderRepo,
		presence:  presence,
		pending:   pending,
		bridge:    link,
		logger:    logger,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

func (s *Service) GetOrder(ctx context.Context, ref interfaces.OrderRef) (*domain.Order, error) {
	if s.orderRepo == nil {
		return nil, ErrNoOrderStore
	}
	if ref.ID != "" {
		return s.orderRepo.FindByID(ctx, ref.ID)
	}
	if ref.Token != "" {
		return s.orderRepo.FindByToken(ctx, ref.Token)
	}
	return nil, domain.ErrOrderNotFound
}

// ListOrders feeds the KDS on start-up, oldest first.
func (s *Service) ListOrders(ctx context.Context, status domain.Status) ([]*domain.Order, error) {
	if s.orderRepo == nil {
		return nil, ErrNoOrderStore
	}
	orders, err := s.orderRepo.ListByStatus(ctx, status)
	if err != nil {
		s.logger.Error("db_query_failed", "Failed to list orders", logger.RequestID(ctx), map[string]interface{}{"status": status}, err)
		return nil, err
	}
	return orders, nil
}

func (s *Service) GetClients() []*interfaces.TrackingClientResponse {
	now := s.now()
	var resp []*interfaces.TrackingClientResponse
	for _, c := range s.presence.Snapshot() {
		resp = append(resp, &interfaces.TrackingClientResponse{
			ID:          c.ID,
			Role:        c.Role,
			ConnectedAt: c.ConnectedAt,
			LastSeen:    c.LastSeen,
			Idle:        now.Sub(c.LastSeen).Round(time.Second).String(),
		})
	}
	return resp
}

func (s *Service) GetPending() []*interfaces.TrackingPendingResponse {
	if s.pending == nil {
		return nil
	}
	var resp []*interfaces.TrackingPendingResponse
	for _, p := range s.pending.List() {
		resp = append(resp, &interfaces.TrackingPendingResponse{
			CloudOrderID: p.CloudOrderID,
			EnrollmentID: p.EnrollmentID,
			Token:        p.Token,
			Attempts:     p.Attempts,
			Status:       p.Status,
			CreatedAt:    p.CreatedAt,
		})
	}
	return resp
}

func (s *Service) Health() *interfaces.HealthResponse {
	resp := &interfaces.HealthResponse{
		Status:  "ok",
		Mode:    s.mode,
		Uptime:  s.now().Sub(s.startedAt).Round(time.Second).String(),
		Clients: len(s.presence.Snapshot()),
		Cached:  s.presence.CachedCount(),
	}
	if s.bridge != nil {
		connected := s.bridge.Connected()
		resp.BridgeConnected = &connected
	}
	if s.pending != nil {
		n := len(s.pending.List())
		resp.Pending = &n
	}
	return resp
}
