package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price NUMERIC(14,2) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS product_inventory (
		product_id TEXT PRIMARY KEY REFERENCES products(id),
		quantity INTEGER NOT NULL DEFAULT 0,
		reserved INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		order_number TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		subtotal NUMERIC(14,2) NOT NULL,
		tax_amount NUMERIC(14,2) NOT NULL,
		shipping_amount NUMERIC(14,2) NOT NULL,
		discount_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_amount NUMERIC(14,2) NOT NULL,
		shipping_address TEXT NOT NULL,
		billing_address TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		product_id TEXT NOT NULL REFERENCES products(id),
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		price NUMERIC(14,2) NOT NULL,
		total NUMERIC(14,2) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id)`,
	`CREATE TABLE IF NOT EXISTS sales_ledger (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		credit NUMERIC(14,2) NOT NULL,
		description TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL UNIQUE,
		order_id TEXT NOT NULL REFERENCES orders(id),
		gateway_transaction_id TEXT,
		amount NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL,
		provider TEXT NOT NULL,
		gateway_response TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_order ON transactions(order_id)`,
	// At most one payment attempt per order is in flight.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_pending_order ON transactions(order_id) WHERE status = 'PENDING'`,
	`CREATE TABLE IF NOT EXISTS refunds (
		refund_id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(transaction_id),
		order_id TEXT NOT NULL REFERENCES orders(id),
		amount NUMERIC(14,2) NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		gateway_response TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gift_cards (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		initial_value NUMERIC(14,2) NOT NULL,
		balance NUMERIC(14,2) NOT NULL CHECK (balance >= 0),
		status TEXT NOT NULL,
		purchased_by TEXT NOT NULL,
		recipient_email TEXT NOT NULL,
		recipient_name TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gift_card_transactions (
		id TEXT PRIMARY KEY,
		gift_card_id TEXT NOT NULL REFERENCES gift_cards(id),
		order_id TEXT NOT NULL REFERENCES orders(id),
		amount NUMERIC(14,2) NOT NULL,
		balance_after NUMERIC(14,2) NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
