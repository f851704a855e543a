// Package protocol defines the WebSocket envelope shared by every transport
// and the payload schema of each event.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Event string

const (
	EventNewOrder      Event = "new_order"
	EventOrderAck      Event = "order_ack"
	EventOrderUpdate   Event = "order_update"
	EventItemUpdate    Event = "item_update"
	EventError         Event = "error"
	EventPing          Event = "ping"
	EventPong          Event = "pong"
	EventCanteenStatus Event = "canteen_status"
)

// Cacheable events survive an absent recipient. Everything else is
// ephemeral.
func (e Event) Cacheable() bool {
	switch e {
	case EventNewOrder, EventOrderUpdate, EventItemUpdate:
		return true
	default:
		return false
	}
}

func (e Event) Known() bool {
	switch e {
	case EventNewOrder, EventOrderAck, EventOrderUpdate, EventItemUpdate,
		EventError, EventPing, EventPong, EventCanteenStatus:
		return true
	default:
		return false
	}
}

// Error codes carried by the error event.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInternal          = "INTERNAL"
)

type Envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

var (
	ErrMalformed      = errors.New("malformed envelope")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Message is one decoded, validated inbound frame. Payload holds the
// concrete type registered for Event.
type Message struct {
	Event   Event
	Payload any
}

// Decode parses a frame into its tagged payload. ErrMalformed and
// ErrUnknownEvent are protocol errors; ErrInvalidPayload is a validation
// error the sender should hear about.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Message{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}

	payload, err := newPayload(env.Event)
	if err != nil {
		return Message{Event: env.Event}, err
	}

	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return Message{Event: env.Event}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	if v, ok := payload.(validator); ok {
		if err := v.Validate(); err != nil {
			return Message{Event: env.Event}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	return Message{Event: env.Event, Payload: payload}, nil
}

// Encode builds an outbound frame.
func Encode(event Event, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

type validator interface {
	Validate() error
}

func newPayload(event Event) (any, error) {
	switch event {
	case EventNewOrder:
		return &NewOrderPayload{}, nil
	case EventOrderAck:
		return &OrderAckPayload{}, nil
	case EventOrderUpdate:
		return &OrderUpdatePayload{}, nil
	case EventItemUpdate:
		return &ItemUpdatePayload{}, nil
	case EventError:
		return &ErrorPayload{}, nil
	case EventPing, EventPong:
		return &PingPayload{}, nil
	case EventCanteenStatus:
		return &CanteenStatusPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}
