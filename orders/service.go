// Package orders is the order ledger: it prices carts, creates orders with
// their sales ledger entry and serves a user's order history.
package orders

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/models"
	"storefront/store"
)

const (
	defaultLimit = 10
	maxLimit     = 100

	orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	orderNumberSuffix   = 6
)

// ItemInput is one requested cart line.
type ItemInput struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// CreateOrderInput is everything a buyer submits at checkout.
type CreateOrderInput struct {
	Items           []ItemInput     `json:"items"`
	ShippingAddress models.Address  `json:"shippingAddress"`
	BillingAddress  *models.Address `json:"billingAddress,omitempty"`
	PaymentMethod   string          `json:"paymentMethod"`
	Notes           string          `json:"notes,omitempty"`
}

// ListQuery selects a page of orders.
type ListQuery struct {
	Status    string
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

// Page is one page of a user's orders.
type Page struct {
	Orders []models.Order `json:"orders"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
}

// Service creates and reads orders.
type Service struct {
	store   *store.Store
	pricing Pricing
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a Service.
func NewService(s *store.Store, pricing Pricing) *Service {
	return &Service{
		store:   s,
		pricing: pricing,
		logger:  slog.Default().With("component", "orders"),
		now:     time.Now,
	}
}

// CreateOrder validates and prices the cart, then writes the order, its items
// and its sales ledger entry in one transaction. The order starts PENDING
// with payment PENDING.
func (s *Service) CreateOrder(ctx context.Context, userID string, in CreateOrderInput) (*models.Order, error) {
	if userID == "" {
		return nil, models.ErrAuthentication
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	number, err := newOrderNumber(now)
	if err != nil {
		return nil, err
	}
	paymentMethod := in.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = "ONLINE"
	}

	order := &models.Order{
		ID:              uuid.NewString(),
		OrderNumber:     number,
		UserID:          userID,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		PaymentMethod:   paymentMethod,
		ShippingAddress: in.ShippingAddress,
		BillingAddress:  in.BillingAddress,
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.store.WithTx(ctx, func(q *store.Queries) error {
		for _, line := range in.Items {
			product, err := q.GetProduct(ctx, line.ProductID)
			if err != nil {
				return err
			}
			if !product.Active {
				return models.Validationf("product %s is not available", product.ID)
			}
			item := models.OrderItem{
				ID:        uuid.NewString(),
				OrderID:   order.ID,
				ProductID: product.ID,
				Name:      product.Name,
				Quantity:  line.Quantity,
				Price:     product.Price,
			}
			item.Total = item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			order.Items = append(order.Items, item)
		}

		totals := ComputeTotals(order.Items, s.pricing)
		order.Subtotal = totals.Subtotal
		order.TaxAmount = totals.Tax
		order.ShippingAmount = totals.Shipping
		order.DiscountAmount = totals.Discount
		order.TotalAmount = totals.Total

		if err := q.InsertOrder(ctx, order); err != nil {
			return err
		}
		return q.InsertSalesLedgerEntry(ctx, models.SalesLedgerEntry{
			ID:          uuid.NewString(),
			OrderID:     order.ID,
			Credit:      order.TotalAmount,
			Description: "Order " + order.OrderNumber,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Order created",
		"order_id", order.ID, "order_number", order.OrderNumber, "user_id", userID, "total", order.TotalAmount)
	return order, nil
}

// GetOrder returns one of the caller's orders. Orders owned by someone else
// are reported as not found.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	return order, nil
}

// SalesLedger returns the accounting rows of one of the caller's orders.
func (s *Service) SalesLedger(ctx context.Context, userID, orderID string) ([]models.SalesLedgerEntry, error) {
	if _, err := s.GetOrder(ctx, userID, orderID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListSalesLedger(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.SalesLedgerEntry{}
	}
	return entries, nil
}

// ListOrders returns a page of the caller's orders.
func (s *Service) ListOrders(ctx context.Context, userID string, lq ListQuery) (*Page, error) {
	if lq.Status != "" && !models.OrderStatus(lq.Status).Valid() {
		return nil, models.Validationf("unknown order status %q", lq.Status)
	}
	switch lq.SortBy {
	case "", "createdAt", "totalAmount", "orderNumber":
	default:
		return nil, models.Validationf("cannot sort by %q", lq.SortBy)
	}
	switch strings.ToLower(lq.SortOrder) {
	case "", "asc", "desc":
	default:
		return nil, models.Validationf("sort order must be asc or desc")
	}
	if lq.Page < 1 {
		lq.Page = 1
	}
	if lq.Limit <= 0 {
		lq.Limit = defaultLimit
	}
	if lq.Limit > maxLimit {
		lq.Limit = maxLimit
	}

	orders, total, err := s.store.ListOrders(ctx, store.OrderFilter{
		UserID:    userID,
		Status:    models.OrderStatus(lq.Status),
		Limit:     lq.Limit,
		Offset:    (lq.Page - 1) * lq.Limit,
		SortBy:    lq.SortBy,
		SortOrder: lq.SortOrder,
	})
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return &Page{Orders: orders, Total: total, Page: lq.Page, Limit: lq.Limit}, nil
}

func validateInput(in CreateOrderInput) error {
	if len(in.Items) == 0 {
		return models.Validationf("order must contain at least one item")
	}
	for _, it := range in.Items {
		if it.ProductID == "" {
			return models.Validationf("item product id is required")
		}
		if it.Quantity <= 0 {
			return models.Validationf("quantity of %s must be positive", it.ProductID)
		}
	}
	if err := validateAddress("shipping", in.ShippingAddress); err != nil {
		return err
	}
	if in.BillingAddress != nil {
		return validateAddress("billing", *in.BillingAddress)
	}
	return nil
}

func validateAddress(kind string, a models.Address) error {
	var missing []string
	if a.FullName == "" {
		missing = append(missing, "fullName")
	}
	if a.Line1 == "" {
		missing = append(missing, "line1")
	}
	if a.City == "" {
		missing = append(missing, "city")
	}
	if a.PostalCode == "" {
		missing = append(missing, "postalCode")
	}
	if a.Country == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return models.Validationf("%s address is missing %s", kind, strings.Join(missing, ", "))
	}
	return nil
}

// newOrderNumber returns ORD-<unix millis>-<6 random alphanumerics>.
func newOrderNumber(now time.Time) (string, error) {
	suffix, err := randomString(orderNumberAlphabet, orderNumberSuffix)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), suffix), nil
}

func randomString(alphabet string, n int) (string, error) {
	var b strings.Builder
	size := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("failed to generate order number: %w", err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}
