package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-poster/internal/pricing"
	"github.com/noah-isme/backend-poster/internal/quote"
)

type stubQuotes struct {
	quote      pricing.Quote
	lines      []pricing.Line
	err        error
	reconciled []*int64
}

func (s *stubQuotes) Quote(_ context.Context, customerID uuid.UUID, promo string) (quote.Result, error) {
	if s.err != nil {
		return quote.Result{}, s.err
	}
	return quote.Result{CustomerID: customerID, PromoCode: promo, Quote: s.quote, Lines: s.lines}, nil
}

func (s *stubQuotes) Reconcile(_ uuid.UUID, _ pricing.Quote, clientAmount *int64) bool {
	s.reconciled = append(s.reconciled, clientAmount)
	return true
}

type recordingGateway struct {
	requests []OrderRequest
	err      error
}

func (g *recordingGateway) Name() string { return "recording" }

func (g *recordingGateway) CreateOrder(_ context.Context, req OrderRequest) (GatewayOrder, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return GatewayOrder{}, g.err
	}
	return GatewayOrder{ID: fmt.Sprintf("order_rec_%d", len(g.requests)), AmountMinor: req.AmountMinor, Currency: req.Currency}, nil
}

func newRedisStore(t *testing.T) (RedisIntentStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return RedisIntentStore{R: rdb}, mr
}

func TestOpenChargesAuthoritativeAmount(t *testing.T) {
	store, mr := newRedisStore(t)
	quotes := &stubQuotes{
		quote: pricing.Quote{TotalQty: 4, Subtotal: 396, Discount: 147, FinalAmount: 249, AppliedRule: pricing.RuleFirstOrderTier},
		lines: []pricing.Line{{ProductID: uuid.New(), Quantity: 4, UnitPrice: 99}},
	}
	gw := &recordingGateway{}
	svc := &IntentService{Quotes: quotes, Gateway: gw, Store: store, Currency: "INR", TTL: time.Hour, Logger: zerolog.Nop()}

	customer := uuid.New()
	tampered := int64(1)
	intent, err := svc.Open(context.Background(), customer, "", &tampered)
	require.NoError(t, err)
	require.Equal(t, int64(249), intent.Amount)
	require.Equal(t, int64(24900), intent.AmountMinor)
	require.Len(t, gw.requests, 1)
	require.Equal(t, int64(24900), gw.requests[0].AmountMinor)
	require.Equal(t, []*int64{&tampered}, quotes.reconciled)

	loaded, err := store.Load(context.Background(), "order_rec_1")
	require.NoError(t, err)
	require.Equal(t, customer, loaded.CustomerID)
	require.Equal(t, quotes.quote, loaded.Quote)
	require.Equal(t, quotes.lines, loaded.Lines)
	require.Equal(t, time.Hour, mr.TTL("payment:intent:order_rec_1"))
}

func TestOpenGatewayFailureStoresNothing(t *testing.T) {
	store, mr := newRedisStore(t)
	gw := &recordingGateway{err: &GatewayError{Provider: "recording", Op: "create_order", Retryable: true, Err: errors.New("timeout")}}
	svc := &IntentService{
		Quotes:  &stubQuotes{quote: pricing.Quote{FinalAmount: 249}},
		Gateway: gw,
		Store:   store,
		Logger:  zerolog.Nop(),
	}

	_, err := svc.Open(context.Background(), uuid.New(), "", nil)
	require.True(t, IsRetryable(err))
	require.Empty(t, mr.Keys())
}

func TestOpenEmptyCartSkipsGateway(t *testing.T) {
	store, _ := newRedisStore(t)
	gw := &recordingGateway{}
	svc := &IntentService{Quotes: &stubQuotes{err: pricing.ErrEmptyCart}, Gateway: gw, Store: store}

	_, err := svc.Open(context.Background(), uuid.New(), "", nil)
	require.ErrorIs(t, err, pricing.ErrEmptyCart)
	require.Empty(t, gw.requests)
}

func TestOpenZeroAmount(t *testing.T) {
	store, _ := newRedisStore(t)
	gw := &recordingGateway{}
	svc := &IntentService{Quotes: &stubQuotes{quote: pricing.Quote{FinalAmount: 0}}, Gateway: gw, Store: store}

	_, err := svc.Open(context.Background(), uuid.New(), "", nil)
	require.ErrorIs(t, err, ErrNothingToCharge)
	require.Empty(t, gw.requests)
}

func TestRedisIntentStoreMissing(t *testing.T) {
	store, _ := newRedisStore(t)
	_, err := store.Load(context.Background(), "order_missing")
	require.ErrorIs(t, err, ErrIntentNotFound)
}

func TestOpenReusesIntentForUnchangedCart(t *testing.T) {
	store, _ := newRedisStore(t)
	quotes := &stubQuotes{
		quote: pricing.Quote{TotalQty: 2, Subtotal: 400, Discount: 40, FinalAmount: 360, AppliedRule: pricing.RuleAffiliate,
			Affiliate: &pricing.AffiliateCredit{AffiliateID: uuid.New(), Code: "FRIEND", Commission: 20}},
		lines: []pricing.Line{{ProductID: uuid.New(), Quantity: 2, UnitPrice: 200}},
	}
	gw := &recordingGateway{}
	svc := &IntentService{Quotes: quotes, Gateway: gw, Store: store, Logger: zerolog.Nop()}
	customer := uuid.New()

	first, err := svc.Open(context.Background(), customer, "FRIEND", nil)
	require.NoError(t, err)
	second, err := svc.Open(context.Background(), customer, "FRIEND", nil)
	require.NoError(t, err)
	require.Equal(t, first.GatewayOrderID, second.GatewayOrderID)
	require.Len(t, gw.requests, 1)

	other, err := svc.Open(context.Background(), uuid.New(), "FRIEND", nil)
	require.NoError(t, err)
	require.NotEqual(t, first.GatewayOrderID, other.GatewayOrderID)
	require.Len(t, gw.requests, 2)
}

func TestOpenSupersedesIntentWhenCartChanges(t *testing.T) {
	store, _ := newRedisStore(t)
	productID := uuid.New()
	quotes := &stubQuotes{
		quote: pricing.Quote{TotalQty: 1, Subtotal: 99, FinalAmount: 129, AppliedRule: pricing.RuleStandardBundle},
		lines: []pricing.Line{{ProductID: productID, Quantity: 1, UnitPrice: 99}},
	}
	gw := &recordingGateway{}
	svc := &IntentService{Quotes: quotes, Gateway: gw, Store: store, Logger: zerolog.Nop()}
	customer := uuid.New()

	first, err := svc.Open(context.Background(), customer, "", nil)
	require.NoError(t, err)

	quotes.quote = pricing.Quote{TotalQty: 3, Subtotal: 297, Discount: 48, FinalAmount: 279, AppliedRule: pricing.RuleStandardBundle}
	quotes.lines = []pricing.Line{{ProductID: productID, Quantity: 3, UnitPrice: 99}}
	second, err := svc.Open(context.Background(), customer, "", nil)
	require.NoError(t, err)
	require.NotEqual(t, first.GatewayOrderID, second.GatewayOrderID)
	require.Len(t, gw.requests, 2)

	current, err := store.Current(context.Background(), customer)
	require.NoError(t, err)
	require.Equal(t, second.GatewayOrderID, current.GatewayOrderID)

	_, err = store.Load(context.Background(), first.GatewayOrderID)
	require.NoError(t, err)
}

func TestRedisIntentStoreSettle(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	customer := uuid.New()
	require.NoError(t, store.Save(ctx, Intent{GatewayOrderID: "order_A", CustomerID: customer, Amount: 249}, time.Hour))
	require.Equal(t, time.Hour, mr.TTL("payment:intent:customer:"+customer.String()))

	require.NoError(t, store.Settle(ctx, customer, "order_stale"))
	current, err := store.Current(ctx, customer)
	require.NoError(t, err)
	require.Equal(t, "order_A", current.GatewayOrderID)

	require.NoError(t, store.Settle(ctx, customer, "order_A"))
	_, err = store.Current(ctx, customer)
	require.ErrorIs(t, err, ErrIntentNotFound)

	loaded, err := store.Load(ctx, "order_A")
	require.NoError(t, err)
	require.Equal(t, int64(249), loaded.Amount)
}
