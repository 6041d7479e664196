package payment

import (
	"context"
	"errors"
	"fmt"
)

// MinorUnitsPerMajor converts rupees to paise.
const MinorUnitsPerMajor = 100

// ToMinor converts a whole-rupee amount into the gateway's minor unit.
func ToMinor(amount int64) int64 {
	return amount * MinorUnitsPerMajor
}

// OrderRequest asks the gateway to open an order for a fixed amount.
type OrderRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// GatewayOrder is the gateway-side order a customer pays against.
type GatewayOrder struct {
	ID          string
	AmountMinor int64
	Currency    string
	Status      string
}

// Gateway is a payment provider able to open orders.
type Gateway interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error)
}

// GatewayError reports a failure talking to the gateway. Nothing has been committed
// locally when it is returned, so the caller may simply try again.
type GatewayError struct {
	Provider   string
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a gateway failure the caller may retry.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Retryable
}
