package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront/models"
)

// OrderFilter selects a page of one user's orders.
type OrderFilter struct {
	UserID    string
	Status    models.OrderStatus
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

var orderSortColumns = map[string]string{
	"createdAt":   "created_at",
	"totalAmount": "total_amount",
	"orderNumber": "order_number",
}

const orderColumns = `id, order_number, user_id, status, payment_status, payment_method,
	subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
	shipping_address, billing_address, notes, created_at, updated_at`

// InsertOrder writes an order row and all of its items.
func (q *Queries) InsertOrder(ctx context.Context, o *models.Order) error {
	shipping, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}
	var billing sql.NullString
	if o.BillingAddress != nil {
		b, err := json.Marshal(o.BillingAddress)
		if err != nil {
			return fmt.Errorf("failed to marshal billing address: %w", err)
		}
		billing = sql.NullString{String: string(b), Valid: true}
	}

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		o.ID, o.OrderNumber, o.UserID, o.Status, o.PaymentStatus, o.PaymentMethod,
		o.Subtotal, o.TaxAmount, o.ShippingAmount, o.DiscountAmount, o.TotalAmount,
		string(shipping), billing, o.Notes, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}

	for _, item := range o.Items {
		_, err := q.q.ExecContext(ctx,
			`INSERT INTO order_items (id, order_id, product_id, name, quantity, price, total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, o.ID, item.ProductID, item.Name, item.Quantity, item.Price, item.Total,
		)
		if err != nil {
			return fmt.Errorf("failed to insert item %s of order %s: %w", item.ProductID, o.ID, err)
		}
	}
	return nil
}

// InsertSalesLedgerEntry appends an accounting row.
func (q *Queries) InsertSalesLedgerEntry(ctx context.Context, e models.SalesLedgerEntry) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO sales_ledger (id, order_id, credit, description, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.OrderID, e.Credit, e.Description, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sales ledger entry for order %s: %w", e.OrderID, err)
	}
	return nil
}

// ListSalesLedger returns the ledger rows of one order, oldest first.
func (q *Queries) ListSalesLedger(ctx context.Context, orderID string) ([]models.SalesLedgerEntry, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, order_id, credit, description, created_at FROM sales_ledger
		 WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.SalesLedgerEntry
	for rows.Next() {
		var e models.SalesLedgerEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Credit, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sales ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOrder loads an order with its items.
func (q *Queries) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}

	items, err := q.listOrderItems(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

func (q *Queries) listOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, order_id, product_id, name, quantity, price, total
		 FROM order_items WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items of order %s: %w", orderID, err)
	}
	defer func() { _ = rows.Close() }()

	var items []models.OrderItem
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Name, &it.Quantity, &it.Price, &it.Total); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListOrders returns one page of orders plus the total number matching.
// Items are not loaded.
func (q *Queries) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, int, error) {
	where := []string{"user_id = $1"}
	args := []any{f.UserID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	column, ok := orderSortColumns[f.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		direction = "ASC"
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		orderColumns, cond, column, direction, len(args)-1, len(args))

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// MarkOrderPaid moves a PENDING-payment order to PAID/PROCESSING. It reports
// false when the order was no longer awaiting payment.
func (q *Queries) MarkOrderPaid(ctx context.Context, orderID string, now time.Time) (bool, error) {
	return q.transitionOrder(ctx, orderID, models.OrderStatusProcessing, models.PaymentStatusPaid, models.PaymentStatusPending, now)
}

// MarkOrderPaymentFailed moves a PENDING-payment order to FAILED/CANCELLED.
func (q *Queries) MarkOrderPaymentFailed(ctx context.Context, orderID string, now time.Time) (bool, error) {
	return q.transitionOrder(ctx, orderID, models.OrderStatusCancelled, models.PaymentStatusFailed, models.PaymentStatusPending, now)
}

// MarkOrderRefunded moves a PAID order to REFUNDED/REFUNDED.
func (q *Queries) MarkOrderRefunded(ctx context.Context, orderID string, now time.Time) (bool, error) {
	return q.transitionOrder(ctx, orderID, models.OrderStatusRefunded, models.PaymentStatusRefunded, models.PaymentStatusPaid, now)
}

func (q *Queries) transitionOrder(ctx context.Context, orderID string, status models.OrderStatus,
	payment, fromPayment models.PaymentStatus, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE orders SET status = $1, payment_status = $2, updated_at = $3
		 WHERE id = $4 AND payment_status = $5`,
		status, payment, now, orderID, fromPayment,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update order %s: %w", orderID, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ApplyOrderDiscount raises the discount and lowers the total of an order,
// provided its total is still expectedTotal.
func (q *Queries) ApplyOrderDiscount(ctx context.Context, orderID string, expectedTotal, discount, newTotal decimal.Decimal, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE orders SET discount_amount = $1, total_amount = $2, updated_at = $3
		 WHERE id = $4 AND total_amount = $5 AND payment_status = $6`,
		discount, newTotal, now, orderID, expectedTotal, models.PaymentStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply discount to order %s: %w", orderID, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimOrderForPayment touches a payable order whose total is still
// expectedTotal. The row stays locked until the surrounding transaction ends,
// which serializes payment attempts against discounts on Postgres.
func (q *Queries) ClaimOrderForPayment(ctx context.Context, orderID string, expectedTotal decimal.Decimal, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE orders SET updated_at = $1
		 WHERE id = $2 AND total_amount = $3 AND payment_status = $4`,
		now, orderID, expectedTotal, models.PaymentStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim order %s for payment: %w", orderID, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o        models.Order
		shipping string
		billing  sql.NullString
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus, &o.PaymentMethod,
		&o.Subtotal, &o.TaxAmount, &o.ShippingAmount, &o.DiscountAmount, &o.TotalAmount,
		&shipping, &billing, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(shipping), &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode shipping address: %w", err)
	}
	if billing.Valid && billing.String != "" {
		var addr models.Address
		if err := json.Unmarshal([]byte(billing.String), &addr); err != nil {
			return nil, fmt.Errorf("failed to decode billing address: %w", err)
		}
		o.BillingAddress = &addr
	}
	return &o, nil
}
