package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-poster/internal/cart"
	"github.com/noah-isme/backend-poster/internal/order"
	"github.com/noah-isme/backend-poster/internal/pricing"
	"github.com/noah-isme/backend-poster/internal/quote"
)

const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the Postgres implementation of the cart, customer and order storage ports.
type Store struct {
	DB DB
}

var (
	_ cart.LineStore  = Store{}
	_ cart.Catalog    = Store{}
	_ quote.Customers = Store{}
	_ order.Store     = Store{}
)

// ListCartLines returns the customer's cart in insertion order.
func (s Store) ListCartLines(ctx context.Context, customerID uuid.UUID) ([]cart.StoredLine, error) {
	rows, err := s.DB.Query(ctx, `SELECT product_id, quantity, price_at_add, custom_image_ref
		FROM cart_lines WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list cart lines: %w", err)
	}
	defer rows.Close()
	var lines []cart.StoredLine
	for rows.Next() {
		var line cart.StoredLine
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.PriceAtAdd, &line.CustomImageRef); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// GetProduct returns the live catalog price of a product.
func (s Store) GetProduct(ctx context.Context, productID uuid.UUID) (cart.Product, error) {
	p := cart.Product{ID: productID}
	err := s.DB.QueryRow(ctx, `SELECT price, is_available FROM products WHERE id = $1`, productID).
		Scan(&p.Price, &p.Available)
	if errors.Is(err, pgx.ErrNoRows) {
		return cart.Product{}, cart.ErrProductNotFound
	}
	if err != nil {
		return cart.Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// History returns the customer's completed order count. Customers without a row
// have not completed any order yet.
func (s Store) History(ctx context.Context, customerID uuid.UUID) (pricing.History, error) {
	h := pricing.History{CustomerID: customerID}
	err := s.DB.QueryRow(ctx, `SELECT completed_order_count FROM customers WHERE id = $1`, customerID).
		Scan(&h.CompletedOrderCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return pricing.History{}, fmt.Errorf("get order history: %w", err)
	}
	return h, nil
}

// AffiliateByCode finds the owner of a promotion code, ignoring case.
func (s Store) AffiliateByCode(ctx context.Context, code string) (quote.Affiliate, error) {
	var (
		a    quote.Affiliate
		rate string
	)
	err := s.DB.QueryRow(ctx, `SELECT id, affiliate_code, role, commission_rate::text
		FROM customers WHERE lower(affiliate_code) = lower($1)`, code).
		Scan(&a.CustomerID, &a.Code, &a.Role, &rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return quote.Affiliate{}, quote.ErrAffiliateNotFound
	}
	if err != nil {
		return quote.Affiliate{}, fmt.Errorf("get affiliate: %w", err)
	}
	a.CommissionRate, err = decimal.NewFromString(rate)
	if err != nil {
		return quote.Affiliate{}, fmt.Errorf("parse commission rate: %w", err)
	}
	return a, nil
}

// Begin starts a commit transaction.
func (s Store) Begin(ctx context.Context) (order.Tx, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &commitTx{tx: tx}, nil
}

// OrderByPaymentRef returns the order holding a gateway payment id.
func (s Store) OrderByPaymentRef(ctx context.Context, paymentRef string) (order.Order, error) {
	return s.loadOrder(ctx, `WHERE payment_ref = $1`, paymentRef)
}

// OrderByID returns an order with its lines.
func (s Store) OrderByID(ctx context.Context, id uuid.UUID) (order.Order, error) {
	return s.loadOrder(ctx, `WHERE id = $1`, id)
}

const orderColumns = `id, customer_id, total_amount, discount_amount, shipping_fee, final_amount,
	applied_rule, currency, status, affiliate_code, affiliate_id, commission_rate::text,
	commission_amount, payment_ref, gateway_order_id, created_at, paid_at`

func (s Store) loadOrder(ctx context.Context, where string, arg any) (order.Order, error) {
	var (
		o      order.Order
		rule   string
		status string
		rate   string
	)
	err := s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders `+where, arg).Scan(
		&o.ID, &o.CustomerID, &o.TotalAmount, &o.DiscountAmount, &o.ShippingFee, &o.FinalAmount,
		&rule, &o.Currency, &status, &o.AffiliateCode, &o.AffiliateID, &rate,
		&o.CommissionAmount, &o.PaymentRef, &o.GatewayOrderID, &o.CreatedAt, &o.PaidAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, order.ErrOrderNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("get order: %w", err)
	}
	o.AppliedRule = pricing.Rule(rule)
	o.Status = order.Status(status)
	if o.CommissionRate, err = decimal.NewFromString(rate); err != nil {
		return order.Order{}, fmt.Errorf("parse commission rate: %w", err)
	}

	rows, err := s.DB.Query(ctx, `SELECT product_id, quantity, unit_price, custom_image_ref
		FROM order_lines WHERE order_id = $1 ORDER BY position`, o.ID)
	if err != nil {
		return order.Order{}, fmt.Errorf("list order lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line pricing.Line
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.UnitPrice, &line.CustomImageRef); err != nil {
			return order.Order{}, fmt.Errorf("scan order line: %w", err)
		}
		o.Lines = append(o.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

type commitTx struct {
	tx pgx.Tx
}

// LockCustomer creates the customer row on first purchase and holds it FOR UPDATE.
func (t *commitTx) LockCustomer(ctx context.Context, customerID uuid.UUID) (order.Contact, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO customers (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, customerID); err != nil {
		return order.Contact{}, fmt.Errorf("ensure customer: %w", err)
	}
	var c order.Contact
	err := t.tx.QueryRow(ctx, `SELECT email FROM customers WHERE id = $1 FOR UPDATE`, customerID).Scan(&c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Contact{}, order.ErrCustomerNotFound
	}
	if err != nil {
		return order.Contact{}, fmt.Errorf("lock customer: %w", err)
	}
	return c, nil
}

func (t *commitTx) InsertOrder(ctx context.Context, o order.Order) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO orders (`+
		`id, customer_id, total_amount, discount_amount, shipping_fee, final_amount, applied_rule, currency, status, `+
		`affiliate_code, affiliate_id, commission_rate, commission_amount, payment_ref, gateway_order_id, created_at, paid_at) `+
		`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::numeric, $13, $14, $15, $16, $17)`,
		o.ID, o.CustomerID, o.TotalAmount, o.DiscountAmount, o.ShippingFee, o.FinalAmount, string(o.AppliedRule),
		o.Currency, string(o.Status), o.AffiliateCode, o.AffiliateID, o.CommissionRate.String(), o.CommissionAmount,
		o.PaymentRef, o.GatewayOrderID, o.CreatedAt, o.PaidAt,
	)
	if isUniqueViolation(err, "orders_payment_ref_key") {
		return order.ErrDuplicatePaymentRef
	}
	if isUniqueViolation(err, "orders_paid_gateway_order_key") {
		return order.ErrDuplicateGatewayOrder
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	batch := &pgx.Batch{}
	for i, line := range o.Lines {
		batch.Queue(`INSERT INTO order_lines (order_id, position, product_id, quantity, unit_price, custom_image_ref)
			VALUES ($1, $2, $3, $4, $5, $6)`, o.ID, i, line.ProductID, line.Quantity, line.UnitPrice, line.CustomImageRef)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order lines: %w", err)
	}
	return nil
}

// CreditCommission books the credit inside a savepoint so a failure leaves the
// order transaction usable.
func (t *commitTx) CreditCommission(ctx context.Context, c order.Credit) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	_, err = sp.Exec(ctx, `INSERT INTO commission_credits (order_id, affiliate_id, amount) VALUES ($1, $2, $3)`,
		c.OrderID, c.AffiliateID, c.Amount)
	if isUniqueViolation(err, "commission_credits_pkey") {
		_ = sp.Rollback(ctx)
		return order.ErrCommissionAlreadyCredited
	}
	if err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("insert commission credit: %w", err)
	}
	tag, err := sp.Exec(ctx, `UPDATE customers SET wallet_balance = wallet_balance + $2 WHERE id = $1`, c.AffiliateID, c.Amount)
	if err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("credit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("credit wallet: affiliate %s: %w", c.AffiliateID, order.ErrCustomerNotFound)
	}
	return sp.Commit(ctx)
}

func (t *commitTx) IncrementCompletedOrders(ctx context.Context, customerID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE customers SET completed_order_count = completed_order_count + 1 WHERE id = $1`, customerID)
	return err
}

func (t *commitTx) DrainCart(ctx context.Context, customerID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM cart_lines WHERE customer_id = $1`, customerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *commitTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *commitTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
