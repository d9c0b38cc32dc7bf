package orders_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"storefront/models"
	"storefront/orders"
)

func item(price string, qty int) models.OrderItem {
	return models.OrderItem{Price: decimal.RequireFromString(price), Quantity: qty}
}

func TestComputeTotals(t *testing.T) {
	tests := []struct {
		name     string
		items    []models.OrderItem
		subtotal string
		tax      string
		shipping string
		total    string
	}{
		{"below free shipping threshold", []models.OrderItem{item("300", 3)}, "900", "162", "50", "1112"},
		{"above free shipping threshold", []models.OrderItem{item("300", 2), item("450", 2)}, "1500", "270", "0", "1770"},
		{"exactly at threshold", []models.OrderItem{item("500", 2)}, "1000", "180", "0", "1180"},
		{"tax rounded to paise", []models.OrderItem{item("10.99", 1)}, "10.99", "1.98", "50", "62.97"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := orders.ComputeTotals(tt.items, orders.DefaultPricing())
			assert.True(t, decimal.RequireFromString(tt.subtotal).Equal(got.Subtotal), "subtotal %s", got.Subtotal)
			assert.True(t, decimal.RequireFromString(tt.tax).Equal(got.Tax), "tax %s", got.Tax)
			assert.True(t, decimal.RequireFromString(tt.shipping).Equal(got.Shipping), "shipping %s", got.Shipping)
			assert.True(t, decimal.RequireFromString(tt.total).Equal(got.Total), "total %s", got.Total)
			assert.True(t, got.Discount.IsZero())
		})
	}
}

func TestTotals_WithDiscount(t *testing.T) {
	base := orders.ComputeTotals([]models.OrderItem{item("300", 2), item("100", 1)}, orders.DefaultPricing())
	// 700 + 126 + 50 = 876
	discounted := base.WithDiscount(decimal.NewFromInt(500))
	assert.True(t, decimal.NewFromInt(376).Equal(discounted.Total), "total %s", discounted.Total)

	capped := base.WithDiscount(decimal.NewFromInt(5000))
	assert.True(t, capped.Total.IsZero())
	assert.True(t, decimal.NewFromInt(876).Equal(capped.Discount))
}

func TestComputeTotals_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genItems := gen.SliceOfN(5, gopter.CombineGens(
		gen.Int64Range(1, 500000), // price in paise
		gen.IntRange(1, 20),
	).Map(func(v []any) models.OrderItem {
		return models.OrderItem{Price: decimal.New(v[0].(int64), -2), Quantity: v[1].(int)}
	}))

	properties.Property("total equals subtotal plus tax plus shipping minus discount", prop.ForAll(
		func(items []models.OrderItem, discountPaise int64) bool {
			got := orders.ComputeTotals(items, orders.DefaultPricing()).WithDiscount(decimal.New(discountPaise, -2))
			want := got.Subtotal.Add(got.Tax).Add(got.Shipping).Sub(got.Discount)
			return got.Total.Equal(want) && !got.Total.IsNegative() && !got.Discount.IsNegative()
		},
		genItems,
		gen.Int64Range(0, 10000000),
	))

	properties.Property("recomputing totals is idempotent", prop.ForAll(
		func(items []models.OrderItem) bool {
			a := orders.ComputeTotals(items, orders.DefaultPricing())
			b := orders.ComputeTotals(items, orders.DefaultPricing())
			return a.Total.Equal(b.Total) && a.Tax.Equal(b.Tax) && a.Shipping.Equal(b.Shipping)
		},
		genItems,
	))

	properties.TestingRun(t)
}
