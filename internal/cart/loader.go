package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-poster/internal/pricing"
)

// ErrEmptyCart is returned when the customer has no priceable lines.
var ErrEmptyCart = pricing.ErrEmptyCart

// ErrProductNotFound is returned by a Catalog when the product no longer exists.
var ErrProductNotFound = errors.New("product not found")

// ProductUnavailableError reports a cart line whose product vanished or was withdrawn.
type ProductUnavailableError struct {
	ProductID uuid.UUID
	Err       error
}

func (e *ProductUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("product %s unavailable: %v", e.ProductID, e.Err)
	}
	return fmt.Sprintf("product %s unavailable", e.ProductID)
}

func (e *ProductUnavailableError) Unwrap() error { return e.Err }

// StoredLine is a persisted cart row. The price captured at add-to-cart time is kept only
// for drift logging; it is never used for pricing.
type StoredLine struct {
	ProductID      uuid.UUID
	Quantity       int
	PriceAtAdd     int64
	CustomImageRef *string
}

// Product is the catalog view the loader needs.
type Product struct {
	ID        uuid.UUID
	Price     int64
	Available bool
}

// LineStore reads persisted cart lines.
type LineStore interface {
	ListCartLines(ctx context.Context, customerID uuid.UUID) ([]StoredLine, error)
}

// Catalog returns current product prices.
type Catalog interface {
	GetProduct(ctx context.Context, productID uuid.UUID) (Product, error)
}

// Snapshot is the priced view of a cart at one instant.
type Snapshot struct {
	CustomerID uuid.UUID
	Lines      []pricing.Line
	Dropped    []*ProductUnavailableError
}

// Loader joins persisted cart lines with the live catalog.
type Loader struct {
	Lines   LineStore
	Catalog Catalog
	Logger  zerolog.Logger
}

// Load returns the customer's cart priced at current catalog prices. Lines whose product is
// missing or unavailable are dropped and reported; if nothing survives the cart is empty.
func (l *Loader) Load(ctx context.Context, customerID uuid.UUID) (Snapshot, error) {
	if l == nil || l.Lines == nil || l.Catalog == nil {
		return Snapshot{}, errors.New("cart loader not configured")
	}
	stored, err := l.Lines.ListCartLines(ctx, customerID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list cart lines: %w", err)
	}
	if len(stored) == 0 {
		return Snapshot{}, ErrEmptyCart
	}

	snap := Snapshot{CustomerID: customerID, Lines: make([]pricing.Line, 0, len(stored))}
	for _, line := range stored {
		if line.Quantity <= 0 {
			continue
		}
		product, err := l.Catalog.GetProduct(ctx, line.ProductID)
		switch {
		case errors.Is(err, ErrProductNotFound):
			snap.Dropped = append(snap.Dropped, &ProductUnavailableError{ProductID: line.ProductID, Err: err})
			continue
		case err != nil:
			return Snapshot{}, fmt.Errorf("get product %s: %w", line.ProductID, err)
		case !product.Available:
			snap.Dropped = append(snap.Dropped, &ProductUnavailableError{ProductID: line.ProductID})
			continue
		}
		if line.PriceAtAdd != 0 && line.PriceAtAdd != product.Price {
			l.Logger.Debug().
				Str("customer_id", customerID.String()).
				Str("product_id", line.ProductID.String()).
				Int64("price_at_add", line.PriceAtAdd).
				Int64("price_now", product.Price).
				Msg("cart price drift")
		}
		snap.Lines = append(snap.Lines, pricing.Line{
			ProductID:      line.ProductID,
			Quantity:       line.Quantity,
			UnitPrice:      product.Price,
			CustomImageRef: line.CustomImageRef,
		})
	}

	for _, dropped := range snap.Dropped {
		l.Logger.Warn().
			Str("customer_id", customerID.String()).
			Str("product_id", dropped.ProductID.String()).
			Err(dropped).
			Msg("cart line references unavailable product; skipped")
	}
	if len(snap.Lines) == 0 {
		return snap, ErrEmptyCart
	}
	return snap, nil
}
