package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-poster/internal/pricing"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
)

var (
	// ErrDuplicatePaymentRef is returned by a Tx when another order already holds the payment reference.
	ErrDuplicatePaymentRef = errors.New("payment reference already committed")
	// ErrDuplicateGatewayOrder is returned by a Tx when the gateway order already has a PAID order.
	ErrDuplicateGatewayOrder = errors.New("gateway order already paid")
	// ErrCartAlreadyOrdered is returned when the cart being committed was drained by an
	// earlier order. Nothing is written.
	ErrCartAlreadyOrdered = errors.New("cart already ordered")
	// ErrOrderNotFound is returned when no order matches.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCommissionAlreadyCredited is returned when the order's commission was booked before.
	ErrCommissionAlreadyCredited = errors.New("commission already credited")
	// ErrCustomerNotFound is returned when locking a customer that does not exist.
	ErrCustomerNotFound = errors.New("customer not found")
)

// Order is a committed purchase. Lines and money fields never change after creation.
type Order struct {
	ID             uuid.UUID
	CustomerID     uuid.UUID
	Lines          []pricing.Line
	TotalAmount    int64
	DiscountAmount int64
	ShippingFee    int64
	FinalAmount    int64
	AppliedRule    pricing.Rule
	Currency       string
	Status         Status

	AffiliateCode    *string
	AffiliateID      *uuid.UUID
	CommissionRate   decimal.Decimal
	CommissionAmount int64

	PaymentRef     *string
	GatewayOrderID *string
	CreatedAt      time.Time
	PaidAt         *time.Time
}

// HasCommission reports whether an affiliate is owed commission on this order.
func (o Order) HasCommission() bool {
	return o.AffiliateID != nil && o.CommissionAmount > 0
}

// Draft is everything needed to commit an order, captured when the price was quoted.
type Draft struct {
	CustomerID     uuid.UUID
	Lines          []pricing.Line
	Quote          pricing.Quote
	Currency       string
	GatewayOrderID string
	PaymentRef     string
}

// Credit is a commission booking against an affiliate wallet.
type Credit struct {
	OrderID     uuid.UUID
	AffiliateID uuid.UUID
	Amount      int64
}

// Contact is what the commit sequence needs to reach the customer.
type Contact struct {
	Email string
}

// Store begins transactions and reads committed orders.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	OrderByPaymentRef(ctx context.Context, paymentRef string) (Order, error)
	OrderByID(ctx context.Context, id uuid.UUID) (Order, error)
}

// Tx is one storage transaction of the commit sequence.
type Tx interface {
	// LockCustomer serialises commits for a customer until the transaction ends.
	LockCustomer(ctx context.Context, customerID uuid.UUID) (Contact, error)
	// InsertOrder persists the order and its lines. A second order carrying the same
	// PaymentRef fails with ErrDuplicatePaymentRef, a second PAID order for the same
	// GatewayOrderID with ErrDuplicateGatewayOrder.
	InsertOrder(ctx context.Context, o Order) error
	// CreditCommission books the credit in isolation so its failure leaves the
	// surrounding transaction usable.
	CreditCommission(ctx context.Context, c Credit) error
	IncrementCompletedOrders(ctx context.Context, customerID uuid.UUID) error
	// DrainCart deletes the customer's cart lines and reports how many were removed.
	DrainCart(ctx context.Context, customerID uuid.UUID) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func newOrder(d Draft, status Status, now time.Time) Order {
	q := d.Quote
	o := Order{
		ID:             uuid.New(),
		CustomerID:     d.CustomerID,
		Lines:          append([]pricing.Line(nil), d.Lines...),
		TotalAmount:    q.Subtotal,
		DiscountAmount: q.Discount,
		ShippingFee:    q.ShippingFee,
		FinalAmount:    q.FinalAmount,
		AppliedRule:    q.AppliedRule,
		Currency:       d.Currency,
		Status:         status,
		CreatedAt:      now,
	}
	if q.Affiliate != nil {
		code := q.Affiliate.Code
		affiliateID := q.Affiliate.AffiliateID
		o.AffiliateCode = &code
		o.AffiliateID = &affiliateID
		o.CommissionRate = q.Affiliate.Rate
		o.CommissionAmount = q.Affiliate.Commission
	}
	if d.PaymentRef != "" {
		ref := d.PaymentRef
		o.PaymentRef = &ref
	}
	if d.GatewayOrderID != "" {
		gid := d.GatewayOrderID
		o.GatewayOrderID = &gid
	}
	if status == StatusPaid {
		paidAt := now
		o.PaidAt = &paidAt
	}
	return o
}
