package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-poster/internal/common"
)

// EmailNotifier sends the customer confirmation and the operator alert emails.
type EmailNotifier struct {
	Mail          common.EmailSender
	Enabled       bool
	From          string
	OperatorEmail string
}

// Name implements Notifier.
func (EmailNotifier) Name() string { return "email" }

// Notify implements Notifier.
func (n EmailNotifier) Notify(ctx context.Context, ev Event) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	to := strings.TrimSpace(ev.Email)
	if ev.Operator() {
		to = strings.TrimSpace(n.OperatorEmail)
	}
	if to == "" {
		return nil
	}
	return n.Mail.Send(ctx, common.Email{
		From:    n.From,
		To:      to,
		Subject: subjectFor(ev),
		Body:    bodyFor(ev),
	})
}

func subjectFor(ev Event) string {
	switch ev.Topic {
	case TopicOrderPaid:
		return "Your poster order is confirmed"
	case TopicOrderPending:
		return "We received your poster order"
	case TopicCommissionFailed:
		return "Affiliate commission needs reconciliation"
	case TopicPaymentUnmatched:
		return "Captured payment has no order"
	default:
		return fmt.Sprintf("Notification %s", ev.Topic)
	}
}

func bodyFor(ev Event) string {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Event %s at %s.\n", ev.Topic, occurred.Format(time.RFC3339))
	if ev.OrderID != uuid.Nil {
		fmt.Fprintf(&b, "Order: %s\n", ev.OrderID)
	}
	if ev.PaymentRef != "" {
		fmt.Fprintf(&b, "Payment: %s\n", ev.PaymentRef)
	}
	if ev.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", ev.Status)
	}
	if ev.Amount > 0 {
		fmt.Fprintf(&b, "Amount: %d %s\n", ev.Amount, ev.Currency)
	}
	if ev.Reason != "" {
		b.WriteString(ev.Reason)
		b.WriteString("\n")
	}
	return b.String()
}
