package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
)

func TestConsumeNotifications_FollowsBothExchanges(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 1)}
	ch.deliveries <- amqp.Delivery{Type: "order_status", Body: []byte(`{"order_id":"ord-1"}`)}
	c := NewConsumer(&fakeConnection{ch: ch}, 5, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	err := c.ConsumeNotifications(ctx, func(ctx context.Context, body []byte) error {
		got = append(got, string(body))
		cancel()
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ConsumeNotifications() error = %v, want context.Canceled", err)
	}
	if len(got) != 1 || got[0] != `{"order_id":"ord-1"}` {
		t.Errorf("handled = %v", got)
	}
	if ch.prefetch != 5 || ch.autoAck {
		t.Errorf("prefetch = %d autoAck = %v, want 5 with manual acks", ch.prefetch, ch.autoAck)
	}
	if ch.exchanges[notificationsExchange] != "fanout" || ch.exchanges[ordersExchange] != "topic" {
		t.Errorf("exchanges = %v", ch.exchanges)
	}
	want := map[string]bool{notificationsExchange + "/": true, ordersExchange + "/orders.#": true}
	if len(ch.bindings) != 2 || !want[ch.bindings[0]] || !want[ch.bindings[1]] {
		t.Errorf("bindings = %v", ch.bindings)
	}
	if !ch.closed {
		t.Error("channel left open")
	}
}

func TestNewConsumer_DefaultPrefetch(t *testing.T) {
	c := NewConsumer(&fakeConnection{}, 0, logger.NewNop()).(*consumer)
	if c.prefetch != defaultPrefetch {
		t.Errorf("prefetch = %d, want %d", c.prefetch, defaultPrefetch)
	}
}
