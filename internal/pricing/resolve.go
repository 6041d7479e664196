package pricing

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrEmptyCart is returned when there is nothing to price.
var ErrEmptyCart = errors.New("cart is empty")

// Rule names the pricing rule that produced a quote.
type Rule string

const (
	RuleStandardBundle Rule = "standard_bundle"
	RuleFirstOrderTier Rule = "first_order_tier"
	RuleAffiliate      Rule = "affiliate"
	RuleOverride       Rule = "override"
)

// Line is a cart line with its price re-read from the catalog.
type Line struct {
	ProductID      uuid.UUID `json:"productId"`
	Quantity       int       `json:"quantity"`
	UnitPrice      Money     `json:"unitPrice"`
	CustomImageRef *string   `json:"customImageRef,omitempty"`
}

// Subtotal returns quantity multiplied by unit price.
func (l Line) Subtotal() Money {
	return Money(l.Quantity) * l.UnitPrice
}

// History is the part of a customer's record pricing depends on.
type History struct {
	CustomerID          uuid.UUID
	CompletedOrderCount int
}

// FirstOrder reports whether the customer has never completed a paid order.
func (h History) FirstOrder() bool {
	return h.CompletedOrderCount == 0
}

// AffiliateCredit is the commission owed to the affiliate whose code was used.
type AffiliateCredit struct {
	AffiliateID uuid.UUID       `json:"affiliateId"`
	Code        string          `json:"code"`
	Rate        decimal.Decimal `json:"rate"`
	Commission  Money           `json:"commission"`
}

// Quote is the authoritative price of a cart. FinalAmount == Subtotal - Discount + ShippingFee.
type Quote struct {
	TotalQty    int              `json:"totalQty"`
	RawSubtotal Money            `json:"rawSubtotal"`
	Subtotal    Money            `json:"subtotal"`
	Discount    Money            `json:"discount"`
	ShippingFee Money            `json:"shippingFee"`
	FinalAmount Money            `json:"finalAmount"`
	AppliedRule Rule             `json:"appliedRule"`
	FirstOrder  bool             `json:"firstOrder"`
	Affiliate   *AffiliateCredit `json:"affiliate,omitempty"`
}

// DiscountedSubtotal is the amount the shipping threshold is measured against.
func (q Quote) DiscountedSubtotal() Money {
	if d := q.Subtotal - q.Discount; d > 0 {
		return d
	}
	return 0
}

// Resolve prices the lines for the given customer history and resolved promotion.
func (c Config) Resolve(lines []Line, history History, promo Promo) (Quote, error) {
	var qty int
	var raw Money
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		qty += line.Quantity
		raw += line.Subtotal()
	}
	if qty == 0 {
		return Quote{}, ErrEmptyCart
	}
	if promo == nil {
		promo = NoPromo{}
	}

	q := Quote{
		TotalQty:    qty,
		RawSubtotal: raw,
		FirstOrder:  history.FirstOrder(),
	}

	switch p := promo.(type) {
	case OverridePromo:
		computed := c.PriceFor(qty, q.FirstOrder)
		q.AppliedRule = RuleOverride
		q.Subtotal = computed
		q.ShippingFee = c.ShippingFor(computed)
		if natural := computed + q.ShippingFee; natural > c.OverrideAmount {
			q.Discount = natural - c.OverrideAmount
		}
	case AffiliatePromo:
		q.AppliedRule = RuleAffiliate
		q.Subtotal = raw
		q.Discount = c.affiliateDiscount(raw)
		q.ShippingFee = c.ShippingFor(q.DiscountedSubtotal())
		q.Affiliate = &AffiliateCredit{
			AffiliateID: p.AffiliateID,
			Code:        p.Code,
			Rate:        p.CommissionRate,
			Commission:  Commission(p.CommissionRate, raw),
		}
	default:
		tiered := c.PriceFor(qty, q.FirstOrder)
		// Posters cheaper than the tier price are charged at their own total.
		if tiered > raw {
			tiered = raw
		}
		q.AppliedRule = RuleStandardBundle
		if q.FirstOrder && len(c.FirstOrderTiers) > 0 {
			q.AppliedRule = RuleFirstOrderTier
		}
		q.Subtotal = raw
		q.Discount = raw - tiered
		q.ShippingFee = c.ShippingFor(tiered)
	}

	q.FinalAmount = q.Subtotal - q.Discount + q.ShippingFee
	if q.FinalAmount < 0 {
		q.FinalAmount = 0
	}
	return q, nil
}

func (c Config) affiliateDiscount(raw Money) Money {
	if raw <= 0 {
		return 0
	}
	d := decimal.NewFromInt(raw).Mul(c.AffiliateDiscountRate).Round(0).IntPart()
	if d > raw {
		return raw
	}
	return d
}

// Commission returns floor(rate * base), never negative.
func Commission(rate decimal.Decimal, base Money) Money {
	if base <= 0 || !rate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(base).Mul(rate).Floor().IntPart()
}
