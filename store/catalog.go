package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/models"
)

// GetProduct loads a catalog product.
func (q *Queries) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var p models.Product
	err := q.q.QueryRowContext(ctx,
		`SELECT id, name, price, active FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product %s: %w", id, err)
	}
	return &p, nil
}

// UpsertProduct creates or replaces a catalog product. Catalog management
// lives elsewhere; this exists for seeding.
func (q *Queries) UpsertProduct(ctx context.Context, p models.Product) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO products (id, name, price, active) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = $2, price = $3, active = $4`,
		p.ID, p.Name, p.Price, p.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
	}
	return nil
}

// SetInventory sets on-hand stock for a product.
func (q *Queries) SetInventory(ctx context.Context, productID string, quantity int) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO product_inventory (product_id, quantity, reserved) VALUES ($1, $2, 0)
		 ON CONFLICT (product_id) DO UPDATE SET quantity = $2`,
		productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("failed to set inventory for %s: %w", productID, err)
	}
	return nil
}

// GetInventory loads stock for a product.
func (q *Queries) GetInventory(ctx context.Context, productID string) (*models.ProductInventory, error) {
	var inv models.ProductInventory
	err := q.q.QueryRowContext(ctx,
		`SELECT product_id, quantity, reserved FROM product_inventory WHERE product_id = $1`, productID,
	).Scan(&inv.ProductID, &inv.Quantity, &inv.Reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory for %s: %w", productID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory for %s: %w", productID, err)
	}
	return &inv, nil
}

// DecrementInventory removes quantity units of on-hand stock. A product with
// no inventory row is an error, never a silent no-op.
func (q *Queries) DecrementInventory(ctx context.Context, productID string, quantity int) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE product_inventory SET quantity = quantity - $1 WHERE product_id = $2`,
		quantity, productID,
	)
	if err != nil {
		return fmt.Errorf("failed to decrement inventory for %s: %w", productID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("inventory for %s: %w", productID, models.ErrNotFound)
	}
	return nil
}
