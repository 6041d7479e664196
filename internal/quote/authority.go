package quote

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-poster/internal/cart"
	"github.com/noah-isme/backend-poster/internal/obs"
	"github.com/noah-isme/backend-poster/internal/pricing"
)

// RoleAffiliate marks customers whose codes earn commission.
const RoleAffiliate = "affiliate"

// ErrAffiliateNotFound is returned by Customers when no customer owns the code.
var ErrAffiliateNotFound = errors.New("affiliate code not found")

// Affiliate is the owner of a promotion code.
type Affiliate struct {
	CustomerID     uuid.UUID
	Code           string
	Role           string
	CommissionRate decimal.Decimal
}

// Customers exposes the customer data pricing reads.
type Customers interface {
	History(ctx context.Context, customerID uuid.UUID) (pricing.History, error)
	AffiliateByCode(ctx context.Context, code string) (Affiliate, error)
}

// CartLoader produces a priced cart snapshot.
type CartLoader interface {
	Load(ctx context.Context, customerID uuid.UUID) (cart.Snapshot, error)
}

// Result is an authoritative quote together with the lines it priced.
type Result struct {
	CustomerID uuid.UUID
	PromoCode  string
	Quote      pricing.Quote
	Lines      []pricing.Line
}

// Authority is the single source of truth for what a customer owes.
type Authority struct {
	Loader    CartLoader
	Customers Customers
	Config    pricing.Config
	// Tolerance is the largest client/server difference that is not reported.
	Tolerance int64
	Logger    zerolog.Logger
}

// Quote loads the customer's cart and prices it.
func (a *Authority) Quote(ctx context.Context, customerID uuid.UUID, promoCode string) (res Result, err error) {
	if a == nil || a.Loader == nil || a.Customers == nil {
		return Result{}, errors.New("price authority not configured")
	}
	ctx, span := obs.StartSpan(ctx, "quote.Authority.Quote", attribute.String("customer.id", customerID.String()))
	defer func() { obs.EndSpan(span, err) }()

	snap, err := a.Loader.Load(ctx, customerID)
	if err != nil {
		return Result{}, err
	}
	history, err := a.Customers.History(ctx, customerID)
	if err != nil {
		return Result{}, fmt.Errorf("load order history: %w", err)
	}
	promo, err := a.resolvePromo(ctx, customerID, promoCode)
	if err != nil {
		return Result{}, err
	}
	q, err := a.Config.Resolve(snap.Lines, history, promo)
	if err != nil {
		return Result{}, err
	}

	obs.IncQuote(string(q.AppliedRule))
	span.SetAttributes(
		attribute.String("pricing.rule", string(q.AppliedRule)),
		attribute.Int64("pricing.final_amount", q.FinalAmount),
	)
	return Result{CustomerID: customerID, PromoCode: promoCode, Quote: q, Lines: snap.Lines}, nil
}

func (a *Authority) resolvePromo(ctx context.Context, customerID uuid.UUID, raw string) (pricing.Promo, error) {
	promo, candidate := a.Config.Classify(raw)
	if candidate == "" {
		return promo, nil
	}
	aff, err := a.Customers.AffiliateByCode(ctx, candidate)
	if errors.Is(err, ErrAffiliateNotFound) {
		a.Logger.Debug().Str("customer_id", customerID.String()).Str("promo_code", candidate).Msg("unknown promo code ignored")
		return pricing.NoPromo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup affiliate code: %w", err)
	}

	log := a.Logger.With().
		Str("customer_id", customerID.String()).
		Str("promo_code", candidate).
		Str("affiliate_id", aff.CustomerID.String()).
		Logger()
	switch {
	case aff.Role != RoleAffiliate:
		log.Debug().Str("role", aff.Role).Msg("promo code owner is not an affiliate; ignored")
		return pricing.NoPromo{}, nil
	case aff.CustomerID == customerID:
		log.Info().Msg("self-referral affiliate code ignored")
		return pricing.NoPromo{}, nil
	case aff.CommissionRate.IsNegative() || aff.CommissionRate.GreaterThan(decimal.NewFromInt(1)):
		log.Warn().Str("commission_rate", aff.CommissionRate.String()).Msg("affiliate commission rate out of range; code ignored")
		return pricing.NoPromo{}, nil
	}
	return pricing.AffiliatePromo{
		Code:           aff.Code,
		AffiliateID:    aff.CustomerID,
		CommissionRate: aff.CommissionRate,
	}, nil
}

// Reconcile compares a client-asserted amount with the authoritative one. A difference
// beyond Tolerance is logged and counted; it never changes what is charged. It reports
// whether the amounts agreed.
func (a *Authority) Reconcile(customerID uuid.UUID, q pricing.Quote, clientAmount *int64) bool {
	if clientAmount == nil {
		return true
	}
	diff := *clientAmount - q.FinalAmount
	if diff < 0 {
		diff = -diff
	}
	if diff <= a.Tolerance {
		return true
	}
	obs.IncAmountMismatch()
	a.Logger.Warn().
		Str("customer_id", customerID.String()).
		Int64("client_amount", *clientAmount).
		Int64("authoritative_amount", q.FinalAmount).
		Int64("difference", diff).
		Str("rule", string(q.AppliedRule)).
		Msg("client amount disagrees with authoritative quote; charging authoritative amount")
	return false
}
