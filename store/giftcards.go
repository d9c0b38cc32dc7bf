package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"storefront/models"
)

const giftCardColumns = `id, code, initial_value, balance, status, purchased_by, recipient_email,
	recipient_name, message, expires_at, created_at, updated_at`

// InsertGiftCard stores a newly issued card.
func (q *Queries) InsertGiftCard(ctx context.Context, g *models.GiftCard) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO gift_cards (`+giftCardColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		g.ID, g.Code, g.InitialValue, g.Balance, g.Status, g.PurchasedBy, g.RecipientEmail,
		g.RecipientName, g.Message, g.ExpiresAt, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert gift card: %w", err)
	}
	return nil
}

// GiftCardCodeExists reports whether a code has already been issued.
func (q *Queries) GiftCardCodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM gift_cards WHERE code = $1`, code).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check gift card code: %w", err)
	}
	return n > 0, nil
}

// GetGiftCardByCode loads a card by its redemption code.
func (q *Queries) GetGiftCardByCode(ctx context.Context, code string) (*models.GiftCard, error) {
	var g models.GiftCard
	err := q.q.QueryRowContext(ctx,
		`SELECT `+giftCardColumns+` FROM gift_cards WHERE code = $1`, code,
	).Scan(&g.ID, &g.Code, &g.InitialValue, &g.Balance, &g.Status, &g.PurchasedBy, &g.RecipientEmail,
		&g.RecipientName, &g.Message, &g.ExpiresAt, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gift card: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gift card: %w", err)
	}
	return &g, nil
}

// ExpireGiftCard marks a card EXPIRED unless it already is.
func (q *Queries) ExpireGiftCard(ctx context.Context, code string, now time.Time) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE gift_cards SET status = $1, updated_at = $2 WHERE code = $3 AND status <> $1`,
		models.GiftCardStatusExpired, now, code,
	)
	if err != nil {
		return fmt.Errorf("failed to expire gift card: %w", err)
	}
	return nil
}

// UpdateGiftCardBalance writes a new balance only if the card is still ACTIVE
// with the balance the caller read. It reports false when another redemption
// got there first.
func (q *Queries) UpdateGiftCardBalance(ctx context.Context, code string, expected, balance decimal.Decimal,
	status models.GiftCardStatus, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE gift_cards SET balance = $1, status = $2, updated_at = $3
		 WHERE code = $4 AND balance = $5 AND status = $6`,
		balance, status, now, code, expected, models.GiftCardStatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update gift card balance: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertGiftCardTransaction appends a redemption record.
func (q *Queries) InsertGiftCardTransaction(ctx context.Context, t *models.GiftCardTransaction) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO gift_card_transactions (id, gift_card_id, order_id, amount, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.GiftCardID, t.OrderID, t.Amount, t.BalanceAfter, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert gift card transaction: %w", err)
	}
	return nil
}
