package pricing

// PriceFor returns the total charge for qty posters. First-order customers get the
// acquisition tiers up to the last configured breakpoint and bundle pricing for the rest.
func (c Config) PriceFor(qty int, firstOrder bool) Money {
	if qty <= 0 {
		return 0
	}
	if firstOrder && len(c.FirstOrderTiers) > 0 {
		n := len(c.FirstOrderTiers)
		if qty <= n {
			return c.FirstOrderTiers[qty-1]
		}
		return c.FirstOrderTiers[n-1] + c.StandardBundlePrice(qty-n)
	}
	return c.StandardBundlePrice(qty)
}

// StandardBundlePrice charges BundlePrice per full bundle and UnitPrice per leftover poster.
func (c Config) StandardBundlePrice(qty int) Money {
	if qty <= 0 {
		return 0
	}
	if c.BundleSize <= 0 {
		return Money(qty) * c.UnitPrice
	}
	bundles := qty / c.BundleSize
	rest := qty % c.BundleSize
	return Money(bundles)*c.BundlePrice + Money(rest)*c.UnitPrice
}

// ShippingFor returns the shipping fee for an amount that already has discounts applied.
func (c Config) ShippingFor(discountedSubtotal Money) Money {
	if discountedSubtotal >= c.FreeShippingThreshold {
		return 0
	}
	return c.ShippingFee
}
