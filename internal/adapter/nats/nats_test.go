package nats

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/interfaces"
)

type fakeConn struct {
	subjects []string
	bodies   [][]byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.bodies = append(c.bodies, data)
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return &nats.Subscription{Subject: subject}, nil
}

func TestPublisher_Subjects(t *testing.T) {
	conn := &fakeConn{}
	pub := NewPublisher(conn, "canteen")

	pub.PublishOrder(context.Background(), interfaces.OrderMessage{OrderID: "ord-1", Source: domain.SourceLocal})
	pub.PublishStatusUpdate(context.Background(), interfaces.StatusUpdateMessage{OrderID: "ord-1", NewStatus: domain.StatusCancelled})

	want := []string{"canteen.orders.LOCAL", "canteen.status"}
	if len(conn.subjects) != len(want) {
		t.Fatalf("subjects = %v, want %v", conn.subjects, want)
	}
	for i := range want {
		if conn.subjects[i] != want[i] {
			t.Errorf("subject[%d] = %s, want %s", i, conn.subjects[i], want[i])
		}
	}

	var status interfaces.StatusUpdateMessage
	json.Unmarshal(conn.bodies[1], &status)
	if status.NewStatus != domain.StatusCancelled {
		t.Errorf("new_status = %s, want CANCELLED", status.NewStatus)
	}
}
