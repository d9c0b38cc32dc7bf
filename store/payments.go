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

const transactionColumns = `id, transaction_id, order_id, gateway_transaction_id, amount, status,
	provider, gateway_response, created_at, updated_at`

// InsertTransaction records a new PENDING payment attempt.
func (q *Queries) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.TransactionID, t.OrderID, nullString(t.GatewayTransactionID), t.Amount, t.Status,
		t.Provider, nullString(string(t.GatewayResponse)), t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return models.Conflictf("order %s already has a payment in progress", t.OrderID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", t.TransactionID, err)
	}
	return nil
}

// GetTransaction loads a payment attempt by its merchant transaction id.
func (q *Queries) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1`, transactionID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", transactionID, err)
	}
	return t, nil
}

// FindPendingTransaction returns the in-flight attempt for an order, if any.
func (q *Queries) FindPendingTransaction(ctx context.Context, orderID string) (*models.Transaction, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE order_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`,
		orderID, models.TransactionStatusPending)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending transaction for order %s: %w", orderID, err)
	}
	return t, nil
}

// FinalizeTransaction moves a PENDING transaction to a terminal status. It is
// a compare-and-swap on status: it reports false, changing nothing, when the
// transaction had already left PENDING.
func (q *Queries) FinalizeTransaction(ctx context.Context, transactionID string, status models.TransactionStatus,
	gatewayTransactionID string, raw []byte, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE transactions
		 SET status = $1, gateway_transaction_id = COALESCE($2, gateway_transaction_id),
		     gateway_response = $3, updated_at = $4
		 WHERE transaction_id = $5 AND status = $6`,
		status, nullString(gatewayTransactionID), nullString(string(raw)), now,
		transactionID, models.TransactionStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize transaction %s: %w", transactionID, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const refundColumns = `refund_id, transaction_id, order_id, amount, reason, status,
	gateway_response, created_at, updated_at`

// InsertRefund records a refund request.
func (q *Queries) InsertRefund(ctx context.Context, r *models.Refund) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO refunds (`+refundColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.RefundID, r.TransactionID, r.OrderID, r.Amount, r.Reason, r.Status,
		nullString(string(r.GatewayResponse)), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refund %s: %w", r.RefundID, err)
	}
	return nil
}

// GetRefund loads a refund by id.
func (q *Queries) GetRefund(ctx context.Context, refundID string) (*models.Refund, error) {
	var (
		r   models.Refund
		raw sql.NullString
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE refund_id = $1`, refundID,
	).Scan(&r.RefundID, &r.TransactionID, &r.OrderID, &r.Amount, &r.Reason, &r.Status,
		&raw, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refund %s: %w", refundID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refund %s: %w", refundID, err)
	}
	if raw.Valid {
		r.GatewayResponse = []byte(raw.String)
	}
	return &r, nil
}

// FinalizeRefund moves a PENDING refund to a terminal status, compare-and-swap
// on status like FinalizeTransaction.
func (q *Queries) FinalizeRefund(ctx context.Context, refundID string, status models.RefundStatus, raw []byte, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE refunds SET status = $1, gateway_response = COALESCE($2, gateway_response), updated_at = $3
		 WHERE refund_id = $4 AND status = $5`,
		status, nullString(string(raw)), now, refundID, models.RefundStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize refund %s: %w", refundID, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SumRefunds totals the refunds of a transaction that have not failed.
func (q *Queries) SumRefunds(ctx context.Context, transactionID string) (decimal.Decimal, error) {
	return q.sumAmounts(ctx, `SELECT amount FROM refunds WHERE transaction_id = $1 AND status <> $2`,
		transactionID, models.RefundStatusFailed)
}

// SumCompletedRefunds totals the refunds of a transaction that completed.
func (q *Queries) SumCompletedRefunds(ctx context.Context, transactionID string) (decimal.Decimal, error) {
	return q.sumAmounts(ctx, `SELECT amount FROM refunds WHERE transaction_id = $1 AND status = $2`,
		transactionID, models.RefundStatusCompleted)
}

// OutstandingCaptures is what the order's COMPLETED transactions took minus
// what has been refunded from them.
func (q *Queries) OutstandingCaptures(ctx context.Context, orderID string) (decimal.Decimal, error) {
	captured, err := q.sumAmounts(ctx, `SELECT amount FROM transactions WHERE order_id = $1 AND status = $2`,
		orderID, models.TransactionStatusCompleted)
	if err != nil {
		return decimal.Zero, err
	}
	refunded, err := q.sumAmounts(ctx, `SELECT amount FROM refunds WHERE order_id = $1 AND status = $2`,
		orderID, models.RefundStatusCompleted)
	if err != nil {
		return decimal.Zero, err
	}
	return captured.Sub(refunded), nil
}

func (q *Queries) sumAmounts(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum amounts for %v: %w", args[0], err)
	}
	defer func() { _ = rows.Close() }()

	sum := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan amount: %w", err)
		}
		sum = sum.Add(amount)
	}
	return sum, rows.Err()
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t         models.Transaction
		gatewayID sql.NullString
		raw       sql.NullString
	)
	err := row.Scan(&t.ID, &t.TransactionID, &t.OrderID, &gatewayID, &t.Amount, &t.Status,
		&t.Provider, &raw, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.GatewayTransactionID = gatewayID.String
	if raw.Valid {
		t.GatewayResponse = []byte(raw.String)
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
