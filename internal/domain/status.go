package domain

import "time"

type Status string

const (
	StatusInQueue   Status = "IN_QUEUE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	// StatusNotReceived only appears in acknowledgments of relays that could
	// not reach the kitchen. It is never persisted.
	StatusNotReceived Status = "NOT_RECEIVED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func ParseStatus(v string) (Status, bool) {
	switch Status(v) {
	case StatusInQueue, StatusCompleted, StatusCancelled:
		return Status(v), true
	}
	// "IN QUEUE" is what older clients send
	if v == "IN QUEUE" {
		return StatusInQueue, true
	}
	return "", false
}

type ItemStatus string

const (
	ItemPreparing ItemStatus = "PREPARING"
	ItemPrepared  ItemStatus = "PREPARED"
	ItemRejected  ItemStatus = "REJECTED"
)

func ParseItemStatus(v string) (ItemStatus, bool) {
	switch ItemStatus(v) {
	case ItemPreparing, ItemPrepared, ItemRejected:
		return ItemStatus(v), true
	}
	return "", false
}

// CanTransitionTo checks the line item state machine. REJECTED is final.
func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	if s == ItemRejected || s == next {
		return false
	}
	return next == ItemPreparing || next == ItemPrepared || next == ItemRejected
}

type Source string

const (
	SourceLocal Source = "LOCAL"
	SourceCloud Source = "CLOUD"
)

// TimestampLayout keeps creation timestamps lexically sortable.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
