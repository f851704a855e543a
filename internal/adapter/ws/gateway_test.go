package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/app/bridge"
	"github.com/YelzhanWeb/canteen-relay/internal/app/order"
	"github.com/YelzhanWeb/canteen-relay/internal/app/presence"
	"github.com/YelzhanWeb/canteen-relay/internal/app/router"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// storeStub keeps orders in a map. Only what SubmitOrder needs is real.
type storeStub struct {
	mu     sync.Mutex
	orders []*domain.Order
}

func (s *storeStub) Create(ctx context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = "ord-" + o.Token
	o.Version = 1
	s.orders = append(s.orders, o)
	return nil
}

func (s *storeStub) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	return nil, domain.ErrOrderNotFound
}

func (s *storeStub) FindByToken(ctx context.Context, token string) (*domain.Order, error) {
	return nil, domain.ErrOrderNotFound
}

func (s *storeStub) FindByCloudOrderID(ctx context.Context, id string) (*domain.Order, error) {
	return nil, domain.ErrOrderNotFound
}

func (s *storeStub) UpdateItemStatus(ctx context.Context, orderID, itemID string, status domain.ItemStatus) (*domain.Order, error) {
	return nil, domain.ErrOrderNotFound
}

func (s *storeStub) CloseOrder(ctx context.Context, closed *domain.Order, expectedVersion int64) (*domain.Order, error) {
	return nil, domain.ErrOrderNotFound
}

func (s *storeStub) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error) {
	return nil, nil
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func newLocalServer(t *testing.T) (*httptest.Server, *storeStub) {
	t.Helper()
	log := logger.NewNop()
	registry := presence.NewRegistry(presence.NewOfflineCache(10, log), log)
	store := &storeStub{}
	engine := order.NewService(store, registry, nil, "CANTEEN_01", log)
	gw := NewGateway(context.Background(), registry, router.NewLocal(registry, engine, log), time.Second, log)

	mux := http.NewServeMux()
	mux.Handle("/ws/local", gw.Local())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestLocalGateway_RejectsMissingIdentity(t *testing.T) {
	srv, _ := newLocalServer(t)

	for _, path := range []string{"/ws/local", "/ws/local?role=KDS", "/ws/local?deviceId=k1", "/ws/local?role=STUDENT&deviceId=s1"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestLocalGateway_OrderWaitsForKitchen(t *testing.T) {
	srv, store := newLocalServer(t)

	pos := dial(t, wsURL(srv, "/ws/local?role=LOCAL_POS&deviceId=pos-1"))
	err := pos.WriteJSON(map[string]any{
		"event": "new_order",
		"payload": map[string]any{
			"token": "K4Z9P2",
			"items": []map[string]any{{"_id": "m1", "name": "Plov", "price": 350, "quantity": 2}},
		},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnvelope(t, pos)
	if env.Event != protocol.EventOrderAck {
		t.Fatalf("POS got %s, want order_ack", env.Event)
	}
	var ack protocol.OrderAckPayload
	json.Unmarshal(env.Payload, &ack)
	if !ack.Success || ack.Token != "K4Z9P2" || ack.Status != domain.StatusInQueue {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	// кухня подключается позже и получает заказ из кэша
	kds := dial(t, wsURL(srv, "/ws/local?role=KDS&deviceId=kds-1"))
	env = readEnvelope(t, kds)
	if env.Event != protocol.EventNewOrder {
		t.Fatalf("KDS got %s, want new_order", env.Event)
	}
	var got domain.Order
	json.Unmarshal(env.Payload, &got)
	if got.Token != "K4Z9P2" || got.TotalAmount != 700 {
		t.Errorf("unexpected order: %+v", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.orders) != 1 {
		t.Errorf("stored %d orders, want 1", len(store.orders))
	}
}

func TestLocalGateway_PingPong(t *testing.T) {
	srv, _ := newLocalServer(t)

	kds := dial(t, wsURL(srv, "/ws/local?role=kds&deviceId=kds-1"))
	kds.WriteJSON(map[string]any{"event": "ping", "payload": map[string]any{"timestamp": 1}})

	if env := readEnvelope(t, kds); env.Event != protocol.EventPong {
		t.Errorf("got %s, want pong", env.Event)
	}
}

func TestCloudGateway_CanteenStatus(t *testing.T) {
	log := logger.NewNop()
	registry := presence.NewRegistry(presence.NewOfflineCache(10, log), log)
	pending := bridge.NewPendingOrders(3, registry, log)
	registry.AddListener(pending)
	gw := NewGateway(context.Background(), registry, router.NewCloud(registry, pending, log), time.Second, log)

	mux := http.NewServeMux()
	mux.Handle("/ws/bridge", gw.Bridge())
	mux.Handle("/ws/student", gw.Student())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	student := dial(t, wsURL(srv, "/ws/student?enrollmentId=2023001"))
	env := readEnvelope(t, student)
	var status protocol.CanteenStatusPayload
	json.Unmarshal(env.Payload, &status)
	if env.Event != protocol.EventCanteenStatus || status.Online {
		t.Fatalf("first frame = %s %+v, want canteen_status offline", env.Event, status)
	}

	dial(t, wsURL(srv, "/ws/bridge?canteenId=CANTEEN_01"))
	env = readEnvelope(t, student)
	json.Unmarshal(env.Payload, &status)
	if env.Event != protocol.EventCanteenStatus || !status.Online {
		t.Fatalf("after bridge = %s %+v, want canteen_status online", env.Event, status)
	}
}
