package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/noah-isme/backend-poster/internal/resilience"
)

// Razorpay opens orders through the Razorpay Orders API.
type Razorpay struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	HTTP      resilience.HTTPClient
}

type razorpayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type razorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type razorpayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// Name implements Gateway.
func (Razorpay) Name() string { return "razorpay" }

// CreateOrder implements Gateway.
func (r Razorpay) CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error) {
	if strings.TrimSpace(r.KeyID) == "" || r.KeySecret == "" {
		return GatewayOrder{}, r.fail(0, errors.New("credentials not configured"))
	}
	if req.AmountMinor <= 0 {
		return GatewayOrder{}, &GatewayError{Provider: r.Name(), Op: "create_order", Err: errors.New("amount must be positive")}
	}
	payload, err := json.Marshal(razorpayOrderRequest{
		Amount:   req.AmountMinor,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("encode order request: %w", err)
	}
	base := strings.TrimRight(r.BaseURL, "/")
	if base == "" {
		base = "https://api.razorpay.com"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/orders", bytes.NewReader(payload))
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("build order request: %w", err)
	}
	httpReq.SetBasicAuth(r.KeyID, r.KeySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTP.Do(ctx, httpReq)
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			return GatewayOrder{}, r.fail(statusErr.StatusCode, err)
		}
		return GatewayOrder{}, r.fail(0, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var apiErr razorpayError
		_ = json.Unmarshal(resp.Body, &apiErr)
		msg := strings.TrimSpace(apiErr.Error.Code + " " + apiErr.Error.Description)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return GatewayOrder{}, r.fail(resp.StatusCode, errors.New(msg))
	}

	var out razorpayOrder
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return GatewayOrder{}, r.fail(resp.StatusCode, fmt.Errorf("decode order: %w", err))
	}
	if out.ID == "" {
		return GatewayOrder{}, r.fail(resp.StatusCode, errors.New("gateway returned no order id"))
	}
	if out.Amount != req.AmountMinor {
		return GatewayOrder{}, r.fail(resp.StatusCode, fmt.Errorf("gateway echoed amount %d, requested %d", out.Amount, req.AmountMinor))
	}
	return GatewayOrder{ID: out.ID, AmountMinor: out.Amount, Currency: out.Currency, Status: out.Status}, nil
}

func (r Razorpay) fail(status int, err error) *GatewayError {
	return &GatewayError{Provider: r.Name(), Op: "create_order", StatusCode: status, Retryable: true, Err: err}
}
