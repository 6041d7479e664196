package checkout

import (
	"context"
	"errors"
	"net/http"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-poster/internal/cart"
	"github.com/noah-isme/backend-poster/internal/common"
	"github.com/noah-isme/backend-poster/internal/lock"
	"github.com/noah-isme/backend-poster/internal/order"
	"github.com/noah-isme/backend-poster/internal/payment"
	"github.com/noah-isme/backend-poster/internal/pricing"
	"github.com/noah-isme/backend-poster/internal/quote"
)

// Quoter is the price authority.
type Quoter interface {
	Quote(ctx context.Context, customerID uuid.UUID, promoCode string) (quote.Result, error)
	Reconcile(customerID uuid.UUID, q pricing.Quote, clientAmount *int64) bool
}

// IntentOpener opens gateway orders for the authoritative amount.
type IntentOpener interface {
	Open(ctx context.Context, customerID uuid.UUID, promoCode string, clientAmount *int64) (payment.Intent, error)
}

// CallbackVerifier verifies gateway callbacks and commits paid orders.
type CallbackVerifier interface {
	Verify(ctx context.Context, customerID uuid.UUID, cb payment.Callback) (payment.Verification, error)
}

// PendingCommitter records orders that will be paid later.
type PendingCommitter interface {
	CommitPending(ctx context.Context, d order.Draft) (order.Order, error)
}

// Handler serves the checkout endpoints. Every endpoint expects an
// authenticated customer on the request context.
type Handler struct {
	Quotes        Quoter
	Intents       IntentOpener
	Verifier      CallbackVerifier
	PendingOrders PendingCommitter
	Validator     *validator.Validate
	// KeyID is the gateway's public key, passed to the storefront's payment widget.
	KeyID    string
	Currency string
	Logger   zerolog.Logger
}

type quoteResponse struct {
	TotalQty      int          `json:"totalQty"`
	RawSubtotal   int64        `json:"rawSubtotal"`
	Subtotal      int64        `json:"subtotal"`
	Discount      int64        `json:"discount"`
	ShippingFee   int64        `json:"shippingFee"`
	FinalAmount   int64        `json:"finalAmount"`
	AppliedRule   pricing.Rule `json:"appliedRule"`
	FirstOrder    bool         `json:"firstOrder"`
	Currency      string       `json:"currency"`
	AmountMatches bool         `json:"amountMatches"`
}

type intentResponse struct {
	GatewayOrderID string    `json:"gatewayOrderId"`
	Amount         int64     `json:"amount"`
	AmountMinor    int64     `json:"amountMinor"`
	Currency       string    `json:"currency"`
	KeyID          string    `json:"keyId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type orderStatusResponse struct {
	OrderID     uuid.UUID    `json:"orderId"`
	Status      order.Status `json:"status"`
	FinalAmount int64        `json:"finalAmount,omitempty"`
}

// Quote previews what the customer would be charged.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if err := decode(r, h.Validator, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Quotes.Quote(r.Context(), customerID, req.PromoCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	matches := h.Quotes.Reconcile(customerID, res.Quote, req.ClientAmount)
	q := res.Quote
	common.JSON(w, http.StatusOK, map[string]any{"data": quoteResponse{
		TotalQty:      q.TotalQty,
		RawSubtotal:   q.RawSubtotal,
		Subtotal:      q.DiscountedSubtotal(),
		Discount:      q.Discount,
		ShippingFee:   q.ShippingFee,
		FinalAmount:   q.FinalAmount,
		AppliedRule:   q.AppliedRule,
		FirstOrder:    q.FirstOrder,
		Currency:      h.currency(),
		AmountMatches: matches,
	}})
}

// Intent opens a gateway order for the authoritative amount.
func (h *Handler) Intent(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if err := decode(r, h.Validator, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	intent, err := h.Intents.Open(r.Context(), customerID, req.PromoCode, req.ClientAmount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": intentResponse{
		GatewayOrderID: intent.GatewayOrderID,
		Amount:         intent.Amount,
		AmountMinor:    intent.AmountMinor,
		Currency:       intent.Currency,
		KeyID:          h.KeyID,
		CreatedAt:      intent.CreatedAt,
	}})
}

// Verify checks a gateway callback and commits the paid order. A replayed
// callback returns the order committed the first time with 200.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := decode(r, h.Validator, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Verifier.Verify(r.Context(), customerID, payment.Callback{
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
		PromoCode:        req.PromoCode,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	common.JSON(w, status, map[string]any{"data": orderStatusResponse{OrderID: res.OrderID, Status: res.Status}})
}

// Pending records an unpaid order priced by the authority.
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if err := decode(r, h.Validator, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Quotes.Quote(r.Context(), customerID, req.PromoCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Quotes.Reconcile(customerID, res.Quote, req.ClientAmount)
	o, err := h.PendingOrders.CommitPending(r.Context(), order.DraftFromQuote(customerID, res.Lines, res.Quote, h.currency()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": orderStatusResponse{
		OrderID:     o.ID,
		Status:      o.Status,
		FinalAmount: o.FinalAmount,
	}})
}

func (h *Handler) customer(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := common.CustomerID(r.Context())
	if !ok || id == uuid.Nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) currency() string {
	if h.Currency == "" {
		return "INR"
	}
	return h.Currency
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var unavailable *cart.ProductUnavailableError
	switch {
	case payment.IsRejection(err):
		common.JSONError(w, http.StatusForbidden, "PAYMENT_REJECTED", "payment could not be verified", nil)
	case errors.Is(err, cart.ErrEmptyCart):
		common.JSONError(w, http.StatusUnprocessableEntity, "CART_EMPTY", "cart is empty", nil)
	case errors.As(err, &unavailable):
		common.JSONError(w, http.StatusConflict, "PRODUCT_UNAVAILABLE", "a product in the cart is no longer available", map[string]any{
			"productId": unavailable.ProductID,
		})
	case errors.Is(err, payment.ErrNothingToCharge):
		common.JSONError(w, http.StatusUnprocessableEntity, "NOTHING_TO_CHARGE", "order total is zero", nil)
	case errors.Is(err, order.ErrCartAlreadyOrdered), errors.Is(err, order.ErrDuplicateGatewayOrder):
		common.JSONError(w, http.StatusConflict, "ORDER_ALREADY_PLACED", "these items have already been ordered", nil)
	case errors.Is(err, lock.ErrNotAcquired):
		common.JSONError(w, http.StatusConflict, "CHECKOUT_IN_PROGRESS", "another checkout for this customer is in progress", nil)
	case payment.IsRetryable(err):
		common.JSONError(w, http.StatusServiceUnavailable, "PAYMENT_GATEWAY_UNAVAILABLE", "payment gateway unavailable, please retry", map[string]any{
			"retryable": true,
		})
	default:
		var gwErr *payment.GatewayError
		if errors.As(err, &gwErr) {
			common.JSONError(w, http.StatusBadGateway, "PAYMENT_GATEWAY_ERROR", "payment gateway rejected the request", map[string]any{
				"retryable": false,
			})
			return
		}
		var appErr *common.AppError
		if !errors.As(err, &appErr) {
			h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("checkout request failed")
		}
		common.WriteError(w, err)
	}
}
