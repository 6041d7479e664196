package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-poster/internal/lock"
	"github.com/noah-isme/backend-poster/internal/notify"
	"github.com/noah-isme/backend-poster/internal/obs"
	"github.com/noah-isme/backend-poster/internal/pricing"
	"github.com/noah-isme/backend-poster/internal/queue"
)

// Locker is satisfied by lock.Locker.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// EventNotifier is satisfied by *notify.Dispatcher.
type EventNotifier interface {
	Fire(ctx context.Context, ev notify.Event)
}

// RepairQueue is satisfied by queue.Enqueuer.
type RepairQueue interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Committer runs the order commit sequence.
type Committer struct {
	Store    Store
	Locker   Locker
	LockTTL  time.Duration
	Notifier EventNotifier
	Repairs  RepairQueue
	Now      func() time.Time
	Logger   zerolog.Logger
}

type commitResult struct {
	order     Order
	contact   Contact
	duplicate bool
	creditErr error
}

// CommitPaid persists a verified payment as a PAID order. The returned flag is
// true when the payment reference had already been committed, in which case the
// earlier order is returned and nothing is written.
//
// A payment whose cart was already drained by another order, or whose gateway
// order already carries a PAID order, is not committed. It fails with
// ErrCartAlreadyOrdered or ErrDuplicateGatewayOrder and raises an operator alert
// since the captured amount has to be refunded by hand.
func (c *Committer) CommitPaid(ctx context.Context, d Draft) (o Order, duplicate bool, err error) {
	if c == nil || c.Store == nil {
		return Order{}, false, errors.New("order committer not configured")
	}
	ref := strings.TrimSpace(d.PaymentRef)
	if ref == "" {
		return Order{}, false, errors.New("order: payment reference is required")
	}
	d.PaymentRef = ref

	ctx, span := obs.StartSpan(ctx, "order.Committer.CommitPaid",
		attribute.String("customer.id", d.CustomerID.String()),
		attribute.String("payment.ref", ref),
	)
	defer func() { obs.EndSpan(span, err) }()

	if prior, lookupErr := c.Store.OrderByPaymentRef(ctx, ref); lookupErr == nil {
		return prior, true, nil
	} else if !errors.Is(lookupErr, ErrOrderNotFound) {
		return Order{}, false, fmt.Errorf("lookup payment reference: %w", lookupErr)
	}

	var res commitResult
	err = c.withCustomerLock(ctx, d.CustomerID, func(ctx context.Context) error {
		var txErr error
		res, txErr = c.commit(ctx, d, StatusPaid)
		return txErr
	})
	if errors.Is(err, ErrCartAlreadyOrdered) || errors.Is(err, ErrDuplicateGatewayOrder) {
		c.paymentUnmatched(ctx, d, err)
		return Order{}, false, err
	}
	if err != nil {
		return Order{}, false, err
	}
	if res.duplicate {
		return res.order, true, nil
	}

	log := c.Logger.With().
		Str("order_id", res.order.ID.String()).
		Str("customer_id", d.CustomerID.String()).
		Logger()
	log.Info().
		Int64("final_amount", res.order.FinalAmount).
		Str("rule", string(res.order.AppliedRule)).
		Msg("order committed")

	if res.creditErr != nil {
		c.commissionFailed(ctx, log, res.order, res.creditErr)
	}
	c.fire(ctx, res.order, res.contact, notify.TopicOrderPaid, "")
	return res.order, false, nil
}

// CommitPending records an order the customer will pay for later. The cart is
// drained but no commission is booked and the completed order count is unchanged.
func (c *Committer) CommitPending(ctx context.Context, d Draft) (o Order, err error) {
	if c == nil || c.Store == nil {
		return Order{}, errors.New("order committer not configured")
	}
	d.PaymentRef = ""
	ctx, span := obs.StartSpan(ctx, "order.Committer.CommitPending",
		attribute.String("customer.id", d.CustomerID.String()),
	)
	defer func() { obs.EndSpan(span, err) }()

	var res commitResult
	err = c.withCustomerLock(ctx, d.CustomerID, func(ctx context.Context) error {
		var txErr error
		res, txErr = c.commit(ctx, d, StatusPending)
		return txErr
	})
	if err != nil {
		return Order{}, err
	}
	c.Logger.Info().
		Str("order_id", res.order.ID.String()).
		Str("customer_id", d.CustomerID.String()).
		Int64("final_amount", res.order.FinalAmount).
		Msg("pending order recorded")
	c.fire(ctx, res.order, res.contact, notify.TopicOrderPending, "")
	return res.order, nil
}

func (c *Committer) commit(ctx context.Context, d Draft, status Status) (res commitResult, err error) {
	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin commit: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	res.contact, err = tx.LockCustomer(ctx, d.CustomerID)
	if err != nil {
		return res, fmt.Errorf("lock customer: %w", err)
	}

	o := newOrder(d, status, c.now())
	if err := tx.InsertOrder(ctx, o); err != nil {
		conflict := errors.Is(err, ErrDuplicatePaymentRef) || errors.Is(err, ErrDuplicateGatewayOrder)
		if !conflict || d.PaymentRef == "" {
			return res, fmt.Errorf("insert order: %w", err)
		}
		_ = tx.Rollback(ctx)
		committed = true
		prior, lookupErr := c.Store.OrderByPaymentRef(ctx, d.PaymentRef)
		switch {
		case lookupErr == nil:
			return commitResult{order: prior, duplicate: true}, nil
		case !errors.Is(lookupErr, ErrOrderNotFound):
			return res, fmt.Errorf("load committed order: %w", lookupErr)
		case errors.Is(err, ErrDuplicateGatewayOrder):
			return res, ErrDuplicateGatewayOrder
		default:
			return res, fmt.Errorf("insert order: %w", err)
		}
	}

	drained, err := tx.DrainCart(ctx, d.CustomerID)
	if err != nil {
		return res, fmt.Errorf("drain cart: %w", err)
	}
	if drained == 0 && len(d.Lines) > 0 {
		return res, ErrCartAlreadyOrdered
	}

	if status == StatusPaid {
		if o.HasCommission() {
			creditErr := tx.CreditCommission(ctx, Credit{OrderID: o.ID, AffiliateID: *o.AffiliateID, Amount: o.CommissionAmount})
			if creditErr != nil && !errors.Is(creditErr, ErrCommissionAlreadyCredited) {
				res.creditErr = creditErr
			}
		}
		if err := tx.IncrementCompletedOrders(ctx, d.CustomerID); err != nil {
			return res, fmt.Errorf("increment completed orders: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit order: %w", err)
	}
	committed = true
	res.order = o
	return res, nil
}

func (c *Committer) commissionFailed(ctx context.Context, log zerolog.Logger, o Order, cause error) {
	obs.IncCommissionFailure()
	log.Error().Err(cause).
		Bool("reconcile", true).
		Str("affiliate_id", o.AffiliateID.String()).
		Int64("commission", o.CommissionAmount).
		Msg("affiliate commission credit failed; order remains paid")

	if c.Repairs != nil {
		task, err := queue.NewCommissionRepairTask(o.ID)
		if err == nil {
			err = c.Repairs.Enqueue(context.WithoutCancel(ctx), task)
		}
		if err != nil {
			log.Error().Err(err).Bool("reconcile", true).Msg("enqueue commission repair")
		}
	}
	c.fire(ctx, o, Contact{}, notify.TopicCommissionFailed, cause.Error())
}

func (c *Committer) paymentUnmatched(ctx context.Context, d Draft, cause error) {
	c.Logger.Error().Err(cause).
		Bool("reconcile", true).
		Str("customer_id", d.CustomerID.String()).
		Str("payment_ref", d.PaymentRef).
		Str("gateway_order_id", d.GatewayOrderID).
		Int64("final_amount", d.Quote.FinalAmount).
		Msg("authentic payment not committed; refund required")
	if c.Notifier == nil {
		return
	}
	c.Notifier.Fire(ctx, notify.Event{
		Topic:      notify.TopicPaymentUnmatched,
		CustomerID: d.CustomerID,
		PaymentRef: d.PaymentRef,
		Amount:     d.Quote.FinalAmount,
		Currency:   d.Currency,
		Reason:     cause.Error(),
		OccurredAt: c.now(),
	})
}

// RepairCommission books the commission of a paid order that failed to credit
// at commit time. Already credited orders are left alone.
func (c *Committer) RepairCommission(ctx context.Context, orderID uuid.UUID) (err error) {
	if c == nil || c.Store == nil {
		return errors.New("order committer not configured")
	}
	ctx, span := obs.StartSpan(ctx, "order.Committer.RepairCommission",
		attribute.String("order.id", orderID.String()),
	)
	defer func() { obs.EndSpan(span, err) }()

	o, err := c.Store.OrderByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if o.Status != StatusPaid || !o.HasCommission() {
		return nil
	}
	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin repair: %w", err)
	}
	err = tx.CreditCommission(ctx, Credit{OrderID: o.ID, AffiliateID: *o.AffiliateID, Amount: o.CommissionAmount})
	if errors.Is(err, ErrCommissionAlreadyCredited) {
		_ = tx.Rollback(ctx)
		return nil
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("credit commission: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit repair: %w", err)
	}
	c.Logger.Info().
		Str("order_id", o.ID.String()).
		Int64("commission", o.CommissionAmount).
		Msg("affiliate commission repaired")
	return nil
}

// ByPaymentRef returns the order committed for a gateway payment id.
func (c *Committer) ByPaymentRef(ctx context.Context, paymentRef string) (Order, error) {
	if c == nil || c.Store == nil {
		return Order{}, errors.New("order committer not configured")
	}
	return c.Store.OrderByPaymentRef(ctx, strings.TrimSpace(paymentRef))
}

// Get returns the order if it belongs to customerID. Orders of other customers
// are reported as not found.
func (c *Committer) Get(ctx context.Context, customerID, orderID uuid.UUID) (Order, error) {
	if c == nil || c.Store == nil {
		return Order{}, errors.New("order committer not configured")
	}
	o, err := c.Store.OrderByID(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.CustomerID != customerID {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (c *Committer) withCustomerLock(ctx context.Context, customerID uuid.UUID, fn func(context.Context) error) error {
	if c.Locker == nil {
		return fn(ctx)
	}
	ttl := c.LockTTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return c.Locker.WithLock(ctx, lock.CustomerKey(customerID), ttl, fn)
}

func (c *Committer) fire(ctx context.Context, o Order, contact Contact, topic, reason string) {
	if c.Notifier == nil {
		return
	}
	c.Notifier.Fire(ctx, notify.Event{
		Topic:      topic,
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Email:      contact.Email,
		Amount:     o.FinalAmount,
		Currency:   o.Currency,
		Status:     string(o.Status),
		Reason:     reason,
		OccurredAt: c.now(),
	})
}

func (c *Committer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// DraftFromQuote builds a draft for the pending path.
func DraftFromQuote(customerID uuid.UUID, lines []pricing.Line, q pricing.Quote, currency string) Draft {
	return Draft{CustomerID: customerID, Lines: lines, Quote: q, Currency: currency}
}
