// Package storetest provides a migrated in-memory store for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"storefront/models"
	"storefront/store"
)

// Catalog seeded by New.
var (
	Widget  = models.Product{ID: "PROD-001", Name: "Widget", Price: decimal.NewFromInt(300), Active: true}
	Gadget  = models.Product{ID: "PROD-002", Name: "Gadget", Price: decimal.NewFromInt(450), Active: true}
	Retired = models.Product{ID: "PROD-999", Name: "Retired Thing", Price: decimal.NewFromInt(10), Active: false}
)

// InitialStock is the on-hand quantity of every seeded product.
const InitialStock = 100

// New opens a fresh in-memory SQLite store, migrates it and seeds the catalog.
func New(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	for _, p := range []models.Product{Widget, Gadget, Retired} {
		require.NoError(t, s.UpsertProduct(ctx, p))
		require.NoError(t, s.SetInventory(ctx, p.ID, InitialStock))
	}
	return s
}

// Order describes a PENDING order to seed directly, bypassing pricing.
type Order struct {
	UserID string
	Total  decimal.Decimal
	Items  []models.OrderItem
}

// SeedOrder writes a PENDING/PENDING order and returns it.
func SeedOrder(t *testing.T, s *store.Store, o Order) *models.Order {
	t.Helper()

	now := time.Now().UTC()
	id := uuid.NewString()
	order := &models.Order{
		ID:              id,
		OrderNumber:     "ORD-TEST-" + id[:8],
		UserID:          o.UserID,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		PaymentMethod:   "ONLINE",
		Subtotal:        o.Total,
		TaxAmount:       decimal.Zero,
		ShippingAmount:  decimal.Zero,
		DiscountAmount:  decimal.Zero,
		TotalAmount:     o.Total,
		ShippingAddress: models.Address{FullName: "Test Buyer", Line1: "1 Main St", City: "Pune", PostalCode: "411001", Country: "IN"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, it := range o.Items {
		it.ID = uuid.NewString()
		it.OrderID = id
		if it.Total.IsZero() {
			it.Total = it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		}
		order.Items = append(order.Items, it)
	}
	require.NoError(t, s.InsertOrder(context.Background(), order))
	return order
}

// SeedTransaction writes a PENDING transaction for an order.
func SeedTransaction(t *testing.T, s *store.Store, order *models.Order) *models.Transaction {
	t.Helper()

	now := time.Now().UTC()
	txn := &models.Transaction{
		ID:            uuid.NewString(),
		TransactionID: "T" + uuid.NewString()[:18],
		OrderID:       order.ID,
		Amount:        order.TotalAmount,
		Status:        models.TransactionStatusPending,
		Provider:      "phonepe",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.InsertTransaction(context.Background(), txn))
	return txn
}

// Stock returns the on-hand quantity of a product.
func Stock(t *testing.T, s *store.Store, productID string) int {
	t.Helper()

	inv, err := s.GetInventory(context.Background(), productID)
	require.NoError(t, err)
	return inv.Quantity
}
