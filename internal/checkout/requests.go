package checkout

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-poster/internal/common"
)

type quoteRequest struct {
	PromoCode    string `json:"promoCode" validate:"omitempty,max=64,printascii"`
	ClientAmount *int64 `json:"clientAmount" validate:"omitempty,gte=0"`
}

type verifyRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId" validate:"required,max=128,printascii"`
	GatewayPaymentID string `json:"gatewayPaymentId" validate:"required,max=128,printascii"`
	Signature        string `json:"signature" validate:"required,max=256"`
	PromoCode        string `json:"promoCode" validate:"omitempty,max=64,printascii"`
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads an optional JSON body into dst and validates it. An empty body
// leaves dst at its zero value. Unknown keys such as a client-side "amount" are
// ignored; the price authority decides what is charged.
func decode(r *http.Request, v *validator.Validate, dst any) error {
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return common.NewAppError("VALIDATION_ERROR", "invalid request body", http.StatusBadRequest, err)
		}
	}
	if v == nil {
		return nil
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate request: %w", err)
		}
		details := make([]fieldError, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, fieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		return common.NewAppError("VALIDATION_ERROR", "request validation failed", http.StatusBadRequest, err).WithDetails(details)
	}
	return nil
}
