package common

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const customerIDKey ctxKey = "auth/customer-id"

// WithCustomerID stores the authenticated customer on the context.
func WithCustomerID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, customerIDKey, id)
}

// CustomerID extracts the authenticated customer from the context if present.
func CustomerID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(customerIDKey).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
