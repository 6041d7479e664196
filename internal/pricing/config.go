package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a whole-rupee amount.
type Money = int64

// Config holds the constants driving tier pricing and promotion resolution.
type Config struct {
	// OverrideCode is the reserved promo string that pins the charge to OverrideAmount.
	// Matching is case-insensitive. An empty code disables the override.
	OverrideCode   string
	OverrideAmount Money

	// AffiliateDiscountRate is taken off the raw subtotal when a valid affiliate code is used.
	AffiliateDiscountRate decimal.Decimal

	FreeShippingThreshold Money
	ShippingFee           Money

	UnitPrice   Money
	BundleSize  int
	BundlePrice Money

	// FirstOrderTiers holds the total price for quantities 1..len(FirstOrderTiers) on a
	// customer's first order. Larger quantities fall back to bundle pricing for the remainder.
	FirstOrderTiers []Money
}

// DefaultConfig returns the storefront's production pricing.
func DefaultConfig() Config {
	return Config{
		OverrideCode:          "FLAT9",
		OverrideAmount:        9,
		AffiliateDiscountRate: decimal.NewFromFloat(0.10),
		FreeShippingThreshold: 199,
		ShippingFee:           30,
		UnitPrice:             99,
		BundleSize:            3,
		BundlePrice:           249,
		FirstOrderTiers:       []Money{99, 198, 198, 249},
	}
}

// Validate reports configuration that would break the pricing invariants.
func (c Config) Validate() error {
	var errs []error
	if c.OverrideAmount < 0 {
		errs = append(errs, errors.New("override amount must be non-negative"))
	}
	if strings.TrimSpace(c.OverrideCode) != c.OverrideCode {
		errs = append(errs, errors.New("override code must not carry surrounding whitespace"))
	}
	if c.AffiliateDiscountRate.IsNegative() || c.AffiliateDiscountRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("affiliate discount rate %s outside [0,1]", c.AffiliateDiscountRate))
	}
	if c.FreeShippingThreshold < 0 || c.ShippingFee < 0 {
		errs = append(errs, errors.New("shipping values must be non-negative"))
	}
	if c.UnitPrice < 0 || c.BundlePrice < 0 {
		errs = append(errs, errors.New("unit and bundle prices must be non-negative"))
	}
	if c.BundleSize < 0 {
		errs = append(errs, errors.New("bundle size must be non-negative"))
	}
	var prev Money
	for i, tier := range c.FirstOrderTiers {
		if tier < prev {
			errs = append(errs, fmt.Errorf("first order tier %d (%d) is below tier %d (%d)", i+1, tier, i, prev))
		}
		prev = tier
	}
	return errors.Join(errs...)
}
