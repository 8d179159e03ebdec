package ledger

import (
	"context"
	"time"
)

// EventType names a domain event published after commit.
type EventType string

const (
	EventCheckoutFinalized   EventType = "checkout.finalized"
	EventReservationExpired  EventType = "reservation.expired"
	EventReservationConsumed EventType = "reservation.consumed"
	EventPaymentRefunded     EventType = "payment.refunded"
)

// Event is the broker payload for committed ledger changes.
type Event struct {
	Type          EventType `json:"type"`
	UserID        string    `json:"user_id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	OperationID   string    `json:"operation_id,omitempty"`
	IntentID      int64     `json:"intent_id,omitempty"`
	PaymentID     string    `json:"payment_id,omitempty"`
	RefundID      string    `json:"refund_id,omitempty"`
	Credits       int64     `json:"credits"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EventPublisher delivers events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// publishEvent never fails the caller: the ledger change is already committed.
func (dependencies serviceDependencies) publishEvent(ctx context.Context, event Event) {
	if dependencies.publisher == nil {
		return
	}
	if err := dependencies.publisher.Publish(ctx, event); err != nil {
		dependencies.logOperation(ctx, time.Time{}, OperationLog{
			Operation: "publish_" + string(event.Type),
			Error:     err,
		})
	}
}
