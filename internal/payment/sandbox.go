package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Sandbox is an in-process gateway for local development and tests. Payments are
// signed with the same secret the Verifier checks against.
type Sandbox struct {
	Secret string
}

// Name implements Gateway.
func (Sandbox) Name() string { return "sandbox" }

// CreateOrder implements Gateway without any network call.
func (s Sandbox) CreateOrder(_ context.Context, req OrderRequest) (GatewayOrder, error) {
	if req.AmountMinor <= 0 {
		return GatewayOrder{}, &GatewayError{Provider: s.Name(), Op: "create_order", Err: errors.New("amount must be positive")}
	}
	return GatewayOrder{
		ID:          "order_sbx_" + compactID(),
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Status:      "created",
	}, nil
}

// Pay simulates the customer completing payment and returns the callback the gateway
// would deliver.
func (s Sandbox) Pay(gatewayOrderID string) Callback {
	paymentID := "pay_sbx_" + compactID()
	return Callback{
		GatewayOrderID:   gatewayOrderID,
		GatewayPaymentID: paymentID,
		Signature:        Sign(s.Secret, gatewayOrderID, paymentID),
	}
}

func compactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
}
