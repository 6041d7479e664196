package pricing

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Promo is the resolved form of a promotion code. Exactly one of NoPromo,
// OverridePromo or AffiliatePromo.
type Promo interface {
	promo()
}

// NoPromo means no code was given or the code did not resolve to anything.
type NoPromo struct{}

// OverridePromo is the reserved code that pins the final amount.
type OverridePromo struct{}

// AffiliatePromo is a code owned by an affiliate-role customer.
type AffiliatePromo struct {
	Code           string
	AffiliateID    uuid.UUID
	CommissionRate decimal.Decimal
}

func (NoPromo) promo()        {}
func (OverridePromo) promo()  {}
func (AffiliatePromo) promo() {}

// Classify sorts a raw code into the override or a candidate affiliate code. The override is
// decided here, before any lookup, so an affiliate sharing the reserved string can never win.
// The returned candidate is empty unless the caller should look the code up as an affiliate.
func (c Config) Classify(raw string) (Promo, string) {
	code := strings.TrimSpace(raw)
	if code == "" {
		return NoPromo{}, ""
	}
	if c.OverrideCode != "" && strings.EqualFold(code, c.OverrideCode) {
		return OverridePromo{}, ""
	}
	return NoPromo{}, code
}
