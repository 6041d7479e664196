package quote

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-poster/internal/cart"
	"github.com/noah-isme/backend-poster/internal/pricing"
)

type stubLoader struct {
	lines []pricing.Line
	err   error
}

func (s stubLoader) Load(_ context.Context, id uuid.UUID) (cart.Snapshot, error) {
	if s.err != nil {
		return cart.Snapshot{}, s.err
	}
	return cart.Snapshot{CustomerID: id, Lines: s.lines}, nil
}

type stubCustomers struct {
	completed  int
	affiliates map[string]Affiliate
	lookups    int
	lookupErr  error
}

func (s *stubCustomers) History(_ context.Context, id uuid.UUID) (pricing.History, error) {
	return pricing.History{CustomerID: id, CompletedOrderCount: s.completed}, nil
}

func (s *stubCustomers) AffiliateByCode(_ context.Context, code string) (Affiliate, error) {
	s.lookups++
	if s.lookupErr != nil {
		return Affiliate{}, s.lookupErr
	}
	aff, ok := s.affiliates[code]
	if !ok {
		return Affiliate{}, ErrAffiliateNotFound
	}
	return aff, nil
}

func twoPosters() []pricing.Line {
	return []pricing.Line{{ProductID: uuid.New(), Quantity: 2, UnitPrice: 200}}
}

func newAuthority(customers *stubCustomers, lines []pricing.Line) *Authority {
	return &Authority{
		Loader:    stubLoader{lines: lines},
		Customers: customers,
		Config:    pricing.DefaultConfig(),
		Tolerance: 1,
		Logger:    zerolog.Nop(),
	}
}

func TestQuoteAppliesAffiliateCode(t *testing.T) {
	owner := uuid.New()
	customers := &stubCustomers{completed: 2, affiliates: map[string]Affiliate{
		"ASHA10": {CustomerID: owner, Code: "ASHA10", Role: RoleAffiliate, CommissionRate: decimal.RequireFromString("0.05")},
	}}
	auth := newAuthority(customers, twoPosters())

	res, err := auth.Quote(context.Background(), uuid.New(), "ASHA10")
	require.NoError(t, err)
	require.Equal(t, pricing.RuleAffiliate, res.Quote.AppliedRule)
	require.Equal(t, int64(360), res.Quote.FinalAmount)
	require.Equal(t, owner, res.Quote.Affiliate.AffiliateID)
	require.Equal(t, int64(20), res.Quote.Affiliate.Commission)
	require.Len(t, res.Lines, 1)
}

func TestQuoteOverrideWinsWithoutLookup(t *testing.T) {
	customers := &stubCustomers{completed: 1, affiliates: map[string]Affiliate{
		"FLAT9": {CustomerID: uuid.New(), Code: "FLAT9", Role: RoleAffiliate, CommissionRate: decimal.RequireFromString("0.5")},
	}}
	auth := newAuthority(customers, twoPosters())

	res, err := auth.Quote(context.Background(), uuid.New(), "flat9")
	require.NoError(t, err)
	require.Equal(t, pricing.RuleOverride, res.Quote.AppliedRule)
	require.Equal(t, int64(9), res.Quote.FinalAmount)
	require.Nil(t, res.Quote.Affiliate)
	require.Zero(t, customers.lookups)
}

func TestQuoteIgnoresIneligibleCodes(t *testing.T) {
	customer := uuid.New()
	customers := &stubCustomers{completed: 1, affiliates: map[string]Affiliate{
		"PLAIN": {CustomerID: uuid.New(), Code: "PLAIN", Role: "customer", CommissionRate: decimal.RequireFromString("0.1")},
		"SELF":  {CustomerID: customer, Code: "SELF", Role: RoleAffiliate, CommissionRate: decimal.RequireFromString("0.1")},
		"WILD":  {CustomerID: uuid.New(), Code: "WILD", Role: RoleAffiliate, CommissionRate: decimal.RequireFromString("1.5")},
	}}
	auth := newAuthority(customers, twoPosters())

	for _, code := range []string{"PLAIN", "SELF", "WILD", "NOPE"} {
		res, err := auth.Quote(context.Background(), customer, code)
		require.NoError(t, err, code)
		require.Equal(t, pricing.RuleStandardBundle, res.Quote.AppliedRule, code)
		require.Nil(t, res.Quote.Affiliate, code)
	}
}

func TestQuoteLookupFailureIsAnError(t *testing.T) {
	customers := &stubCustomers{lookupErr: errors.New("db down")}
	auth := newAuthority(customers, twoPosters())
	_, err := auth.Quote(context.Background(), uuid.New(), "ASHA10")
	require.Error(t, err)
}

func TestQuoteEmptyCart(t *testing.T) {
	auth := newAuthority(&stubCustomers{}, nil)
	auth.Loader = stubLoader{err: cart.ErrEmptyCart}
	_, err := auth.Quote(context.Background(), uuid.New(), "")
	require.ErrorIs(t, err, pricing.ErrEmptyCart)
}

func TestReconcileTolerance(t *testing.T) {
	var buf bytes.Buffer
	auth := &Authority{Tolerance: 1, Logger: zerolog.New(&buf)}
	q := pricing.Quote{FinalAmount: 249}

	require.True(t, auth.Reconcile(uuid.New(), q, nil))
	within := int64(250)
	require.True(t, auth.Reconcile(uuid.New(), q, &within))
	require.Empty(t, buf.String())

	tampered := int64(9)
	require.False(t, auth.Reconcile(uuid.New(), q, &tampered))
	require.Contains(t, buf.String(), "client amount disagrees")
	require.Contains(t, buf.String(), `"authoritative_amount":249`)
}
