package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-poster/internal/obs"
	"github.com/noah-isme/backend-poster/internal/pricing"
	"github.com/noah-isme/backend-poster/internal/quote"
)

var (
	// ErrIntentNotFound is returned when no intent is bound to a gateway order id.
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrNothingToCharge is returned when the authoritative amount is zero.
	ErrNothingToCharge = errors.New("nothing to charge")
)

// Intent binds a gateway order to the exact quote and lines the customer agreed to pay.
type Intent struct {
	GatewayOrderID string         `json:"gatewayOrderId"`
	Provider       string         `json:"provider"`
	CustomerID     uuid.UUID      `json:"customerId"`
	Amount         int64          `json:"amount"`
	AmountMinor    int64          `json:"amountMinor"`
	Currency       string         `json:"currency"`
	PromoCode      string         `json:"promoCode,omitempty"`
	Quote          pricing.Quote  `json:"quote"`
	Lines          []pricing.Line `json:"lines"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// IntentStore keeps intents until the gateway calls back. Each customer has at
// most one current intent: saving a new one supersedes the previous.
type IntentStore interface {
	Save(ctx context.Context, intent Intent, ttl time.Duration) error
	Load(ctx context.Context, gatewayOrderID string) (Intent, error)
	Current(ctx context.Context, customerID uuid.UUID) (Intent, error)
	// Settle drops the customer's current intent if it is still gatewayOrderID.
	Settle(ctx context.Context, customerID uuid.UUID, gatewayOrderID string) error
}

// RedisIntentStore stores intents as JSON values with a TTL.
type RedisIntentStore struct {
	R      *redis.Client
	Prefix string
}

func (s RedisIntentStore) key(gatewayOrderID string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "payment:intent:"
	}
	return prefix + gatewayOrderID
}

func (s RedisIntentStore) customerKey(customerID uuid.UUID) string {
	return s.key("customer:" + customerID.String())
}

var settleScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`)

// Save implements IntentStore.
func (s RedisIntentStore) Save(ctx context.Context, intent Intent, ttl time.Duration) error {
	if s.R == nil {
		return errors.New("intent store not configured")
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	_, err = s.R.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(intent.GatewayOrderID), payload, ttl)
		pipe.Set(ctx, s.customerKey(intent.CustomerID), intent.GatewayOrderID, ttl)
		return nil
	})
	return err
}

// Current implements IntentStore.
func (s RedisIntentStore) Current(ctx context.Context, customerID uuid.UUID) (Intent, error) {
	if s.R == nil {
		return Intent{}, errors.New("intent store not configured")
	}
	gatewayOrderID, err := s.R.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return Intent{}, ErrIntentNotFound
	}
	if err != nil {
		return Intent{}, err
	}
	return s.Load(ctx, gatewayOrderID)
}

// Settle implements IntentStore.
func (s RedisIntentStore) Settle(ctx context.Context, customerID uuid.UUID, gatewayOrderID string) error {
	if s.R == nil {
		return errors.New("intent store not configured")
	}
	return settleScript.Run(ctx, s.R, []string{s.customerKey(customerID)}, gatewayOrderID).Err()
}

// Load implements IntentStore.
func (s RedisIntentStore) Load(ctx context.Context, gatewayOrderID string) (Intent, error) {
	if s.R == nil {
		return Intent{}, errors.New("intent store not configured")
	}
	raw, err := s.R.Get(ctx, s.key(gatewayOrderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Intent{}, ErrIntentNotFound
	}
	if err != nil {
		return Intent{}, err
	}
	var intent Intent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	return intent, nil
}

// QuoteSource is the price authority as seen by payment.
type QuoteSource interface {
	Quote(ctx context.Context, customerID uuid.UUID, promoCode string) (quote.Result, error)
	Reconcile(customerID uuid.UUID, q pricing.Quote, clientAmount *int64) bool
}

// IntentService opens gateway orders for the authoritative amount.
type IntentService struct {
	Quotes   QuoteSource
	Gateway  Gateway
	Store    IntentStore
	Currency string
	TTL      time.Duration
	Now      func() time.Time
	Logger   zerolog.Logger
}

func (s *IntentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Open prices the cart, opens a gateway order for exactly that amount and binds the
// quote to the gateway order id. clientAmount is only compared, never charged.
// While the customer's current intent covers the same lines and amount it is
// returned instead of opening a second gateway order for the same cart.
func (s *IntentService) Open(ctx context.Context, customerID uuid.UUID, promoCode string, clientAmount *int64) (intent Intent, err error) {
	if s == nil || s.Quotes == nil || s.Gateway == nil || s.Store == nil {
		return Intent{}, errors.New("intent service not configured")
	}
	ctx, span := obs.StartSpan(ctx, "payment.IntentService.Open",
		attribute.String("customer.id", customerID.String()),
		attribute.String("payment.provider", s.Gateway.Name()),
	)
	defer func() { obs.EndSpan(span, err) }()

	res, err := s.Quotes.Quote(ctx, customerID, promoCode)
	if err != nil {
		return Intent{}, err
	}
	s.Quotes.Reconcile(customerID, res.Quote, clientAmount)
	if res.Quote.FinalAmount <= 0 {
		return Intent{}, ErrNothingToCharge
	}

	current, err := s.Store.Current(ctx, customerID)
	switch {
	case err == nil && sameCheckout(current, res):
		obs.IncPaymentIntent(s.Gateway.Name(), "reused")
		s.Logger.Info().
			Str("customer_id", customerID.String()).
			Str("gateway_order_id", current.GatewayOrderID).
			Msg("payment intent reused")
		span.SetAttributes(attribute.String("payment.gateway_order_id", current.GatewayOrderID))
		return current, nil
	case err != nil && !errors.Is(err, ErrIntentNotFound):
		s.Logger.Warn().Err(err).Str("customer_id", customerID.String()).Msg("current intent lookup failed")
	}

	currency := s.Currency
	if currency == "" {
		currency = "INR"
	}
	amountMinor := ToMinor(res.Quote.FinalAmount)
	gwOrder, err := s.Gateway.CreateOrder(ctx, OrderRequest{
		AmountMinor: amountMinor,
		Currency:    currency,
		Receipt:     "rcpt_" + uuid.NewString()[:8],
		Notes: map[string]string{
			"customer_id": customerID.String(),
			"rule":        string(res.Quote.AppliedRule),
			"amount":      strconv.FormatInt(res.Quote.FinalAmount, 10),
		},
	})
	if err != nil {
		obs.IncPaymentIntent(s.Gateway.Name(), "gateway_error")
		s.Logger.Error().Err(err).
			Str("customer_id", customerID.String()).
			Str("provider", s.Gateway.Name()).
			Int64("amount_minor", amountMinor).
			Msg("gateway order creation failed")
		return Intent{}, err
	}

	intent = Intent{
		GatewayOrderID: gwOrder.ID,
		Provider:       s.Gateway.Name(),
		CustomerID:     customerID,
		Amount:         res.Quote.FinalAmount,
		AmountMinor:    amountMinor,
		Currency:       currency,
		PromoCode:      promoCode,
		Quote:          res.Quote,
		Lines:          res.Lines,
		CreatedAt:      s.now(),
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.Store.Save(ctx, intent, ttl); err != nil {
		obs.IncPaymentIntent(s.Gateway.Name(), "store_error")
		return Intent{}, fmt.Errorf("bind intent %s: %w", gwOrder.ID, err)
	}

	obs.IncPaymentIntent(s.Gateway.Name(), "opened")
	s.Logger.Info().
		Str("customer_id", customerID.String()).
		Str("gateway_order_id", gwOrder.ID).
		Int64("amount", intent.Amount).
		Str("rule", string(res.Quote.AppliedRule)).
		Msg("payment intent opened")
	span.SetAttributes(attribute.String("payment.gateway_order_id", gwOrder.ID))
	return intent, nil
}

func sameCheckout(current Intent, res quote.Result) bool {
	a, b := current.Quote, res.Quote
	if current.Amount != b.FinalAmount || a.FinalAmount != b.FinalAmount || a.AppliedRule != b.AppliedRule ||
		a.Discount != b.Discount || a.ShippingFee != b.ShippingFee || len(current.Lines) != len(res.Lines) {
		return false
	}
	if (a.Affiliate == nil) != (b.Affiliate == nil) {
		return false
	}
	if a.Affiliate != nil && (a.Affiliate.AffiliateID != b.Affiliate.AffiliateID || a.Affiliate.Commission != b.Affiliate.Commission) {
		return false
	}
	for i, line := range current.Lines {
		next := res.Lines[i]
		if line.ProductID != next.ProductID || line.Quantity != next.Quantity || line.UnitPrice != next.UnitPrice {
			return false
		}
		if (line.CustomImageRef == nil) != (next.CustomImageRef == nil) {
			return false
		}
		if line.CustomImageRef != nil && *line.CustomImageRef != *next.CustomImageRef {
			return false
		}
	}
	return true
}
