package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-poster/internal/obs"
	"github.com/noah-isme/backend-poster/internal/order"
)

var (
	// ErrSignatureMismatch is returned when a callback fails HMAC verification.
	ErrSignatureMismatch = errors.New("payment signature mismatch")
	// ErrIntentOwnership is returned when a callback is replayed by a different customer.
	ErrIntentOwnership = errors.New("payment intent belongs to another customer")
)

// IsRejection reports whether err must be answered with the generic payment rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrSignatureMismatch) ||
		errors.Is(err, ErrIntentNotFound) ||
		errors.Is(err, ErrIntentOwnership)
}

// State is a step of payment verification.
type State string

const (
	StateIntentOpened   State = "INTENT_OPENED"
	StateVerifying      State = "VERIFYING"
	StateVerifiedPaid   State = "VERIFIED_PAID"
	StateRejectedForged State = "REJECTED_FORGED"
)

// Callback is what the gateway hands the customer's browser after payment.
type Callback struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	PromoCode        string
}

// Verification is the outcome of a verified callback.
type Verification struct {
	State     State
	OrderID   uuid.UUID
	Status    order.Status
	Duplicate bool
}

// Committer persists a verified payment.
type Committer interface {
	CommitPaid(ctx context.Context, d order.Draft) (order.Order, bool, error)
	ByPaymentRef(ctx context.Context, paymentRef string) (order.Order, error)
}

// Verifier authenticates gateway callbacks and drives the commit for authentic ones.
type Verifier struct {
	Secret    string
	Intents   IntentStore
	Committer Committer
	Logger    zerolog.Logger
}

// Verify checks the callback signature and, when authentic, commits the order bound to the
// gateway order id at intent time. A payment id that was already committed yields the
// earlier order with Duplicate set. Every rejection leaves storage untouched.
func (v *Verifier) Verify(ctx context.Context, customerID uuid.UUID, cb Callback) (res Verification, err error) {
	if v == nil || v.Intents == nil || v.Committer == nil {
		return Verification{}, errors.New("payment verifier not configured")
	}
	ctx, span := obs.StartSpan(ctx, "payment.Verifier.Verify",
		attribute.String("customer.id", customerID.String()),
		attribute.String("payment.gateway_order_id", cb.GatewayOrderID),
	)
	defer func() { obs.EndSpan(span, err) }()

	state := StateIntentOpened
	log := v.Logger.With().
		Str("customer_id", customerID.String()).
		Str("gateway_order_id", cb.GatewayOrderID).
		Str("gateway_payment_id", cb.GatewayPaymentID).
		Logger()
	state = advance(log, state, StateVerifying)

	orderID, paymentID := cb.GatewayOrderID, cb.GatewayPaymentID
	if orderID == "" || paymentID == "" || !VerifySignature(v.Secret, orderID, paymentID, cb.Signature) {
		advance(log, state, StateRejectedForged)
		obs.IncPaymentVerify("forged")
		log.Warn().
			Str("event", "security.signature_mismatch").
			Int("signature_len", len(cb.Signature)).
			Msg("payment callback failed signature verification")
		return Verification{State: StateRejectedForged}, ErrSignatureMismatch
	}

	if prior, err := v.Committer.ByPaymentRef(ctx, paymentID); err == nil {
		if prior.CustomerID != customerID {
			obs.IncPaymentVerify("ownership")
			log.Warn().Str("event", "security.payment_replay").Str("order_customer_id", prior.CustomerID.String()).Msg("payment reference replayed by another customer")
			return Verification{State: state}, ErrIntentOwnership
		}
		obs.IncPaymentVerify("duplicate")
		log.Info().Str("order_id", prior.ID.String()).Msg("duplicate payment verification; returning committed order")
		return Verification{State: StateVerifiedPaid, OrderID: prior.ID, Status: prior.Status, Duplicate: true}, nil
	} else if !errors.Is(err, order.ErrOrderNotFound) {
		return Verification{State: state}, fmt.Errorf("lookup payment reference: %w", err)
	}

	intent, err := v.Intents.Load(ctx, orderID)
	if errors.Is(err, ErrIntentNotFound) {
		obs.IncPaymentVerify("unknown_intent")
		log.Warn().Str("event", "security.unknown_intent").Msg("authentic signature for an unknown or expired intent")
		return Verification{State: state}, ErrIntentNotFound
	}
	if err != nil {
		return Verification{State: state}, fmt.Errorf("load intent: %w", err)
	}
	if intent.CustomerID != customerID {
		obs.IncPaymentVerify("ownership")
		log.Warn().Str("event", "security.intent_ownership").Str("intent_customer_id", intent.CustomerID.String()).Msg("payment intent verified by a different customer")
		return Verification{State: state}, ErrIntentOwnership
	}
	if promo := strings.TrimSpace(cb.PromoCode); promo != "" && !strings.EqualFold(promo, intent.PromoCode) {
		log.Warn().Str("callback_promo", promo).Str("intent_promo", intent.PromoCode).Msg("callback promo differs from intent; intent pricing stands")
	}

	committed, duplicate, err := v.Committer.CommitPaid(ctx, order.Draft{
		CustomerID:     intent.CustomerID,
		Lines:          intent.Lines,
		Quote:          intent.Quote,
		Currency:       intent.Currency,
		GatewayOrderID: intent.GatewayOrderID,
		PaymentRef:     paymentID,
	})
	if errors.Is(err, order.ErrCartAlreadyOrdered) || errors.Is(err, order.ErrDuplicateGatewayOrder) {
		obs.IncPaymentVerify("unmatched")
		return Verification{State: state}, err
	}
	if err != nil {
		obs.IncPaymentVerify("commit_error")
		log.Error().Err(err).Int64("amount", intent.Amount).Msg("authentic payment could not be committed")
		return Verification{State: state}, err
	}
	if duplicate && committed.CustomerID != customerID {
		obs.IncPaymentVerify("ownership")
		log.Warn().Str("event", "security.payment_replay").Str("order_customer_id", committed.CustomerID.String()).Msg("payment reference committed for another customer")
		return Verification{State: state}, ErrIntentOwnership
	}
	state = advance(log, state, StateVerifiedPaid)
	if duplicate {
		obs.IncPaymentVerify("duplicate")
		log.Info().Str("order_id", committed.ID.String()).Msg("concurrent duplicate verification resolved to committed order")
	} else {
		obs.IncPaymentVerify("paid")
		if err := v.Intents.Settle(ctx, customerID, intent.GatewayOrderID); err != nil {
			log.Warn().Err(err).Msg("settle payment intent")
		}
	}
	return Verification{State: state, OrderID: committed.ID, Status: committed.Status, Duplicate: duplicate}, nil
}

func advance(log zerolog.Logger, from, to State) State {
	log.Debug().Str("from_state", string(from)).Str("to_state", string(to)).Msg("payment verification state")
	return to
}
