package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topic constants for events raised by the order core.
const (
	TopicOrderPaid        = "order.paid"
	TopicOrderPending     = "order.pending"
	TopicCommissionFailed = "commission.failed"
	// TopicPaymentUnmatched is raised when an authentic payment could not become an order.
	TopicPaymentUnmatched = "payment.unmatched"
)

// Event is the payload handed to notification collaborators.
type Event struct {
	Topic      string    `json:"topic"`
	OrderID    uuid.UUID `json:"orderId"`
	CustomerID uuid.UUID `json:"customerId"`
	Email      string    `json:"email,omitempty"`
	PaymentRef string    `json:"paymentRef,omitempty"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Operator reports whether the event is meant for staff rather than the customer.
func (e Event) Operator() bool {
	return e.Topic == TopicCommissionFailed || e.Topic == TopicPaymentUnmatched
}

// Key identifies the event for deduplication. Events without an order are keyed
// by their payment reference.
func (e Event) Key() string {
	if e.OrderID == uuid.Nil && e.PaymentRef != "" {
		return e.Topic + ":" + e.PaymentRef
	}
	return e.Topic + ":" + e.OrderID.String()
}

// Encode serialises the event for transport.
func (e Event) Encode() ([]byte, error) {
	if strings.TrimSpace(e.Topic) == "" {
		return nil, fmt.Errorf("notify: event topic is required")
	}
	return json.Marshal(e)
}

// DecodeEvent parses an encoded event.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("notify: decode event: %w", err)
	}
	if strings.TrimSpace(ev.Topic) == "" {
		return Event{}, fmt.Errorf("notify: event topic is required")
	}
	return ev, nil
}
