package orders

import (
	"github.com/shopspring/decimal"

	"storefront/models"
)

// Pricing holds the flat tax and shipping rules applied to every order.
type Pricing struct {
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingRate      decimal.Decimal
}

// DefaultPricing is 18% tax, free shipping from 1000, otherwise 50 flat.
func DefaultPricing() Pricing {
	return Pricing{
		TaxRate:               decimal.RequireFromString("0.18"),
		FreeShippingThreshold: decimal.NewFromInt(1000),
		FlatShippingRate:      decimal.NewFromInt(50),
	}
}

// Totals is the money breakdown of an order.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// ComputeTotals prices a set of line items. It is a pure function: the same
// items and pricing always produce the same totals.
func ComputeTotals(items []models.OrderItem, p Pricing) Totals {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	tax := subtotal.Mul(p.TaxRate).Round(2)
	shipping := p.FlatShippingRate
	if subtotal.GreaterThanOrEqual(p.FreeShippingThreshold) {
		shipping = decimal.Zero
	}

	t := Totals{Subtotal: subtotal, Tax: tax, Shipping: shipping, Discount: decimal.Zero}
	t.Total = t.gross()
	return t
}

// WithDiscount returns t with discount applied. The discount never takes the
// total below zero.
func (t Totals) WithDiscount(discount decimal.Decimal) Totals {
	gross := t.gross()
	if discount.GreaterThan(gross) {
		discount = gross
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	t.Discount = discount
	t.Total = gross.Sub(discount)
	return t
}

func (t Totals) gross() decimal.Decimal {
	return t.Subtotal.Add(t.Tax).Add(t.Shipping)
}
