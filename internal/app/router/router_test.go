package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/app/bridge"
	"github.com/YelzhanWeb/canteen-relay/internal/app/presence"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

type mockEngine struct {
	SubmitOrderFunc       func(ctx context.Context, cmd interfaces.SubmitOrderCommand, source domain.Source) interfaces.Ack
	UpdateItemStatusFunc  func(ctx context.Context, ref interfaces.OrderRef, itemID string, status domain.ItemStatus) (*domain.Order, error)
	UpdateOrderStatusFunc func(ctx context.Context, ref interfaces.OrderRef, status domain.Status) (*domain.Order, error)
	calls                 int
}

func (m *mockEngine) SubmitOrder(ctx context.Context, cmd interfaces.SubmitOrderCommand, source domain.Source) interfaces.Ack {
	m.calls++
	if m.SubmitOrderFunc != nil {
		return m.SubmitOrderFunc(ctx, cmd, source)
	}
	return interfaces.Ack{ID: "ord-1", Token: cmd.Token, CloudOrderID: cmd.CloudOrderID, EnrollmentID: cmd.EnrollmentID, Success: true}
}

func (m *mockEngine) UpdateItemStatus(ctx context.Context, ref interfaces.OrderRef, itemID string, status domain.ItemStatus) (*domain.Order, error) {
	m.calls++
	if m.UpdateItemStatusFunc != nil {
		return m.UpdateItemStatusFunc(ctx, ref, itemID, status)
	}
	return &domain.Order{ID: ref.ID}, nil
}

func (m *mockEngine) UpdateOrderStatus(ctx context.Context, ref interfaces.OrderRef, status domain.Status) (*domain.Order, error) {
	m.calls++
	if m.UpdateOrderStatusFunc != nil {
		return m.UpdateOrderStatusFunc(ctx, ref, status)
	}
	return &domain.Order{ID: ref.ID, Status: status}, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) last(t *testing.T) (protocol.Event, json.RawMessage) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("no frame sent")
	}
	var env protocol.Envelope
	if err := json.Unmarshal(f.frames[len(f.frames)-1], &env); err != nil {
		t.Fatal(err)
	}
	return env.Event, env.Payload
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) find(t *testing.T, event protocol.Event) json.RawMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, frame := range f.frames {
		var env protocol.Envelope
		json.Unmarshal(frame, &env)
		if env.Event == event {
			return env.Payload
		}
	}
	t.Fatalf("no %s frame among %d", event, len(f.frames))
	return nil
}

func newRegistry() *presence.Registry {
	log := logger.NewNop()
	return presence.NewRegistry(presence.NewOfflineCache(presence.DefaultMaxPerTarget, log), log)
}

func connect(reg *presence.Registry, id string, role domain.Role) Sender {
	t := &fakeTransport{}
	reg.Register(id, role, t)
	return Sender{ID: id, Role: role, Transport: t}
}

func transportOf(s Sender) *fakeTransport {
	return s.Transport.(*fakeTransport)
}

func expectError(t *testing.T, s Sender, code string) {
	t.Helper()
	event, payload := transportOf(s).last(t)
	if event != protocol.EventError {
		t.Fatalf("last event = %s, want error", event)
	}
	var p protocol.ErrorPayload
	json.Unmarshal(payload, &p)
	if p.Code != code {
		t.Errorf("error code = %s (%s), want %s", p.Code, p.Message, code)
	}
}

const newOrderFrame = `{"event":"new_order","payload":{"token":"A1","items":[{"_id":"i1","name":"Tea","price":10,"quantity":2}],"totalAmount":20}}`

func TestDispatch_PingPong(t *testing.T) {
	reg := newRegistry()
	r := NewLocal(reg, &mockEngine{}, logger.NewNop())
	kds := connect(reg, "kds-1", domain.RoleKDS)

	r.Dispatch(context.Background(), kds, []byte(`{"event":"ping","payload":{"timestamp":1}}`))

	if event, _ := transportOf(kds).last(t); event != protocol.EventPong {
		t.Errorf("reply = %s, want pong", event)
	}

	before := transportOf(kds).count()
	r.Dispatch(context.Background(), kds, []byte(`{"event":"pong","payload":{"timestamp":1}}`))
	if transportOf(kds).count() != before {
		t.Error("pong was answered")
	}
}

func TestDispatch_MalformedIsDropped(t *testing.T) {
	reg := newRegistry()
	engine := &mockEngine{}
	r := NewLocal(reg, engine, logger.NewNop())
	pos := connect(reg, "pos-1", domain.RoleLocalPOS)

	for _, raw := range []string{`not json`, `{"payload":{}}`, `{"event":"teleport","payload":{}}`} {
		r.Dispatch(context.Background(), pos, []byte(raw))
	}
	if transportOf(pos).count() != 0 {
		t.Errorf("malformed frames were answered %d times", transportOf(pos).count())
	}
	if engine.calls != 0 {
		t.Error("engine called for malformed input")
	}
}

func TestDispatch_InvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no items", `{"event":"new_order","payload":{"items":[],"totalAmount":0}}`},
		{"zero quantity", `{"event":"new_order","payload":{"items":[{"_id":"i1","name":"Tea","price":10,"quantity":0}]}}`},
		{"wrong type", `{"event":"new_order","payload":{"items":"tea"}}`},
		{"unknown status", `{"event":"order_update","payload":{"_id":"1","status":"EATEN"}}`},
		{"missing item id", `{"event":"item_update","payload":{"orderId":"1","status":"REJECTED"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry()
			engine := &mockEngine{}
			r := NewLocal(reg, engine, logger.NewNop())
			kds := connect(reg, "kds-1", domain.RoleKDS)

			r.Dispatch(context.Background(), kds, []byte(tt.raw))

			expectError(t, kds, protocol.CodeInvalidPayload)
			if engine.calls != 0 {
				t.Error("engine called for an invalid payload")
			}
		})
	}
}

func TestDispatch_Permissions(t *testing.T) {
	tests := []struct {
		name       string
		deployment Deployment
		role       domain.Role
		raw        string
	}{
		{"POS cannot complete orders", Local, domain.RoleLocalPOS, `{"event":"order_update","payload":{"_id":"1","status":"COMPLETED"}}`},
		{"POS cannot reject items", Local, domain.RoleLocalPOS, `{"event":"item_update","payload":{"orderId":"1","itemId":"i1","status":"REJECTED"}}`},
		{"bridge cannot complete orders locally", Local, domain.RoleCloudBridge, `{"event":"order_update","payload":{"_id":"1","status":"COMPLETED"}}`},
		{"KDS cannot submit orders", Local, domain.RoleKDS, newOrderFrame},
		{"nobody sends acks to the local server", Local, domain.RoleLocalPOS, `{"event":"order_ack","payload":{"token":"A1","success":true}}`},
		{"student cannot update orders", Cloud, domain.RoleStudent, `{"event":"order_update","payload":{"_id":"1","status":"COMPLETED"}}`},
		{"student cannot acknowledge", Cloud, domain.RoleStudent, `{"event":"order_ack","payload":{"cloudOrderId":"c1","token":"A1","success":true}}`},
		{"bridge cannot order on the cloud", Cloud, domain.RoleCloudBridge, newOrderFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry()
			engine := &mockEngine{}
			pending := bridge.NewPendingOrders(10, reg, logger.NewNop())

			var r *Router
			if tt.deployment == Local {
				r = NewLocal(reg, engine, logger.NewNop())
			} else {
				r = NewCloud(reg, pending, logger.NewNop())
			}
			sender := connect(reg, "client", tt.role)

			r.Dispatch(context.Background(), sender, []byte(tt.raw))

			expectError(t, sender, protocol.CodeUnauthorized)
			if engine.calls != 0 {
				t.Error("engine was called")
			}
			if pending.Len() != 0 {
				t.Error("order was queued")
			}
		})
	}
}

func TestDispatch_LocalNewOrder(t *testing.T) {
	tests := []struct {
		name       string
		role       domain.Role
		raw        string
		wantSource domain.Source
		wantCloud  string
	}{
		{"from POS", domain.RoleLocalPOS, newOrderFrame, domain.SourceLocal, ""},
		{
			"from bridge",
			domain.RoleCloudBridge,
			`{"event":"new_order","payload":{"cloudOrderId":"c-1","token":"A1","enrollmentId":"S1","items":[{"_id":"i1","name":"Tea","price":10,"quantity":2}],"totalAmount":20}}`,
			domain.SourceCloud,
			"c-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry()
			var gotSource domain.Source
			var gotCmd interfaces.SubmitOrderCommand
			engine := &mockEngine{}
			engine.SubmitOrderFunc = func(ctx context.Context, cmd interfaces.SubmitOrderCommand, source domain.Source) interfaces.Ack {
				gotSource, gotCmd = source, cmd
				return interfaces.Ack{ID: "ord-1", Token: cmd.Token, CloudOrderID: cmd.CloudOrderID, EnrollmentID: cmd.EnrollmentID, Success: true}
			}
			r := NewLocal(reg, engine, logger.NewNop())
			sender := connect(reg, "sender", tt.role)

			r.Dispatch(context.Background(), sender, []byte(tt.raw))

			if gotSource != tt.wantSource {
				t.Errorf("source = %s, want %s", gotSource, tt.wantSource)
			}
			if gotCmd.CloudOrderID != tt.wantCloud || len(gotCmd.Items) != 1 || gotCmd.Items[0].Price != 10 {
				t.Errorf("command = %+v", gotCmd)
			}

			event, payload := transportOf(sender).last(t)
			if event != protocol.EventOrderAck {
				t.Fatalf("reply = %s, want order_ack", event)
			}
			var ack protocol.OrderAckPayload
			json.Unmarshal(payload, &ack)
			if !ack.Success || ack.ID != "ord-1" || ack.Token != "A1" || ack.Status != domain.StatusInQueue || ack.CloudOrderID != tt.wantCloud {
				t.Errorf("ack = %+v", ack)
			}
		})
	}
}

func TestDispatch_NegativeAck(t *testing.T) {
	reg := newRegistry()
	engine := &mockEngine{SubmitOrderFunc: func(context.Context, interfaces.SubmitOrderCommand, domain.Source) interfaces.Ack {
		return interfaces.Ack{Token: "A1", Error: "failed to store order"}
	}}
	r := NewLocal(reg, engine, logger.NewNop())
	pos := connect(reg, "pos-1", domain.RoleLocalPOS)

	r.Dispatch(context.Background(), pos, []byte(newOrderFrame))

	var ack protocol.OrderAckPayload
	json.Unmarshal(transportOf(pos).find(t, protocol.EventOrderAck), &ack)
	if ack.Success || ack.Error == "" || ack.Status != "" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestDispatch_EngineErrors(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{domain.ErrOrderNotFound, protocol.CodeNotFound},
		{domain.ErrItemNotFound, protocol.CodeNotFound},
		{domain.ErrInvalidStatusTransition, protocol.CodeInvalidTransition},
		{domain.ErrItemRejected, protocol.CodeInvalidTransition},
		{domain.ErrOrderClosed, protocol.CodeInvalidTransition},
		{errors.New("server selection timeout"), protocol.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			reg := newRegistry()
			engine := &mockEngine{
				UpdateOrderStatusFunc: func(context.Context, interfaces.OrderRef, domain.Status) (*domain.Order, error) {
					return nil, tt.err
				},
			}
			r := NewLocal(reg, engine, logger.NewNop())
			kds := connect(reg, "kds-1", domain.RoleKDS)

			r.Dispatch(context.Background(), kds, []byte(`{"event":"order_update","payload":{"token":"A1","status":"COMPLETED"}}`))

			expectError(t, kds, tt.code)
		})
	}
}

func TestDispatch_KDSUpdatesReachEngine(t *testing.T) {
	reg := newRegistry()
	var gotRef interfaces.OrderRef
	var gotItem string
	var gotStatus domain.ItemStatus
	engine := &mockEngine{
		UpdateItemStatusFunc: func(ctx context.Context, ref interfaces.OrderRef, itemID string, status domain.ItemStatus) (*domain.Order, error) {
			gotRef, gotItem, gotStatus = ref, itemID, status
			return &domain.Order{}, nil
		},
	}
	r := NewLocal(reg, engine, logger.NewNop())
	kds := connect(reg, "kds-1", domain.RoleKDS)

	r.Dispatch(context.Background(), kds, []byte(`{"event":"item_update","payload":{"orderId":"o1","itemId":"i2","status":"REJECTED"}}`))

	if gotRef.ID != "o1" || gotItem != "i2" || gotStatus != domain.ItemRejected {
		t.Errorf("engine got %+v %s %s", gotRef, gotItem, gotStatus)
	}
	if transportOf(kds).count() != 0 {
		t.Error("successful update produced a reply")
	}
}

func TestDispatch_RecoversFromPanic(t *testing.T) {
	reg := newRegistry()
	engine := &mockEngine{
		UpdateOrderStatusFunc: func(context.Context, interfaces.OrderRef, domain.Status) (*domain.Order, error) {
			panic("boom")
		},
	}
	r := NewLocal(reg, engine, logger.NewNop())
	kds := connect(reg, "kds-1", domain.RoleKDS)

	r.Dispatch(context.Background(), kds, []byte(`{"event":"order_update","payload":{"_id":"1","status":"COMPLETED"}}`))

	expectError(t, kds, protocol.CodeInternal)
}

func TestCloud_StudentOrderWhileKitchenOffline(t *testing.T) {
	reg := newRegistry()
	pending := bridge.NewPendingOrders(10, reg, logger.NewNop())
	reg.AddListener(pending)
	r := NewCloud(reg, pending, logger.NewNop())
	student := connect(reg, "S1", domain.RoleStudent)

	r.Dispatch(context.Background(), student, []byte(newOrderFrame))

	var ack protocol.OrderAckPayload
	json.Unmarshal(transportOf(student).find(t, protocol.EventOrderAck), &ack)
	if ack.Success || ack.Status != domain.StatusNotReceived || ack.CloudOrderID == "" || ack.EnrollmentID != "S1" {
		t.Fatalf("ack = %+v", ack)
	}
	if pending.Len() != 1 {
		t.Fatalf("pending = %d, want 1", pending.Len())
	}

	// the kitchen comes back and gets the order
	canteen := connect(reg, "CANTEEN", domain.RoleCloudBridge)
	var relayed protocol.NewOrderPayload
	json.Unmarshal(transportOf(canteen).find(t, protocol.EventNewOrder), &relayed)
	if relayed.CloudOrderID != ack.CloudOrderID || relayed.EnrollmentID != "S1" || relayed.Token != "A1" || relayed.Source != domain.SourceCloud {
		t.Errorf("relayed = %+v", relayed)
	}
	if pending.List()[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending.List()[0].Attempts)
	}

	// and acknowledges it
	ackFrame, _ := protocol.Encode(protocol.EventOrderAck, protocol.OrderAckPayload{
		ID: "ord-9", CloudOrderID: relayed.CloudOrderID, Token: "A1", EnrollmentID: "S1", Success: true, Status: domain.StatusInQueue,
	})
	r.Dispatch(context.Background(), canteen, ackFrame)

	if pending.Len() != 0 {
		t.Errorf("pending = %d after ack, want 0", pending.Len())
	}
	event, payload := transportOf(student).last(t)
	var final protocol.OrderAckPayload
	json.Unmarshal(payload, &final)
	if event != protocol.EventOrderAck || !final.Success || final.ID != "ord-9" {
		t.Errorf("student got %s %+v", event, final)
	}
}

func TestCloud_StudentOrderForwardedImmediately(t *testing.T) {
	reg := newRegistry()
	pending := bridge.NewPendingOrders(10, reg, logger.NewNop())
	r := NewCloud(reg, pending, logger.NewNop())
	canteen := connect(reg, "CANTEEN", domain.RoleCloudBridge)
	student := connect(reg, "S1", domain.RoleStudent)

	// the identity comes from the connection, not from the payload
	r.Dispatch(context.Background(), student, []byte(`{"event":"new_order","payload":{"enrollmentId":"someone-else","items":[{"_id":"i1","name":"Tea","price":10,"quantity":1}],"totalAmount":10}}`))

	var relayed protocol.NewOrderPayload
	json.Unmarshal(transportOf(canteen).find(t, protocol.EventNewOrder), &relayed)
	if relayed.EnrollmentID != "S1" {
		t.Errorf("enrollment id = %q, want S1", relayed.EnrollmentID)
	}
	if len(relayed.Token) != 6 {
		t.Errorf("token = %q, want a generated token", relayed.Token)
	}
	if pending.Len() != 1 || pending.List()[0].Attempts != 1 {
		t.Errorf("pending = %+v", pending.List())
	}
	for _, frame := range transportOf(student).frames {
		var env protocol.Envelope
		json.Unmarshal(frame, &env)
		if env.Event == protocol.EventOrderAck {
			t.Error("student got an ack before the kitchen answered")
		}
	}
}

func TestCloud_FailedAckKeepsOrderPending(t *testing.T) {
	reg := newRegistry()
	pending := bridge.NewPendingOrders(10, reg, logger.NewNop())
	reg.AddListener(pending)
	r := NewCloud(reg, pending, logger.NewNop())
	canteen := connect(reg, "CANTEEN", domain.RoleCloudBridge)
	student := connect(reg, "S1", domain.RoleStudent)

	r.Dispatch(context.Background(), student, []byte(newOrderFrame))
	var relayed protocol.NewOrderPayload
	json.Unmarshal(transportOf(canteen).find(t, protocol.EventNewOrder), &relayed)

	ackFrame, _ := protocol.Encode(protocol.EventOrderAck, protocol.OrderAckPayload{
		CloudOrderID: relayed.CloudOrderID, Token: "A1", EnrollmentID: "S1", Success: false, Error: "failed to store order",
	})
	r.Dispatch(context.Background(), canteen, ackFrame)

	if pending.Len() != 1 {
		t.Fatalf("pending = %d after a failed ack, want 1", pending.Len())
	}
	event, payload := transportOf(student).last(t)
	var got protocol.OrderAckPayload
	json.Unmarshal(payload, &got)
	if event != protocol.EventOrderAck || got.Success || got.CloudOrderID != relayed.CloudOrderID {
		t.Errorf("student got %s %+v", event, got)
	}

	// the order goes out again on the next bridge connection
	reg.Unregister("CANTEEN", canteen.Transport)
	again := connect(reg, "CANTEEN", domain.RoleCloudBridge)
	var replayed protocol.NewOrderPayload
	json.Unmarshal(transportOf(again).find(t, protocol.EventNewOrder), &replayed)
	if replayed.CloudOrderID != relayed.CloudOrderID {
		t.Errorf("replayed %q, want %q", replayed.CloudOrderID, relayed.CloudOrderID)
	}
	if attempts := pending.List()[0].Attempts; attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestCloud_RelaysUpdatesToStudent(t *testing.T) {
	reg := newRegistry()
	r := NewCloud(reg, bridge.NewPendingOrders(10, reg, logger.NewNop()), logger.NewNop())
	canteen := connect(reg, "CANTEEN", domain.RoleCloudBridge)

	// student offline: the update waits
	r.Dispatch(context.Background(), canteen, []byte(`{"event":"order_update","payload":{"_id":"o1","token":"A1","status":"COMPLETED","refundedAmount":30,"enrollmentId":"S1"}}`))
	r.Dispatch(context.Background(), canteen, []byte(`{"event":"item_update","payload":{"orderId":"o1","itemId":"i1","status":"PREPARED","enrollmentId":"S1"}}`))
	r.Dispatch(context.Background(), canteen, []byte(`{"event":"item_update","payload":{"orderId":"o1","itemId":"i2","status":"REJECTED","enrollmentId":"S1"}}`))

	student := connect(reg, "S1", domain.RoleStudent)

	var update protocol.OrderUpdatePayload
	json.Unmarshal(transportOf(student).find(t, protocol.EventOrderUpdate), &update)
	if update.Message != "Your order is now completed." || update.RefundedAmount == nil || *update.RefundedAmount != 30 {
		t.Errorf("update = %+v", update)
	}

	var item protocol.ItemUpdatePayload
	json.Unmarshal(transportOf(student).find(t, protocol.EventItemUpdate), &item)
	if item.ItemID != "i2" || item.Message != itemRejectedMessage {
		t.Errorf("item update = %+v", item)
	}
	// canteen_status + order_update + one rejection
	if n := transportOf(student).count(); n != 3 {
		t.Errorf("student received %d frames, want 3", n)
	}
}
