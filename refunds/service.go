// Package refunds validates refund requests against the refunded-so-far
// amount of a transaction and hands them to the gateway.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"storefront/gateway"
	"storefront/models"
	"storefront/store"
)

// Gateway is the part of the gateway client used for refunds.
type Gateway interface {
	InitiateRefund(ctx context.Context, req gateway.RefundRequest) (string, error)
}

// GatewayFactory builds a gateway client bound to a refund ledger.
type GatewayFactory func(ledger gateway.RefundLedger) (Gateway, error)

// Reconciler schedules background status polls for a refund.
type Reconciler interface {
	StartRefundReconcile(ctx context.Context, refundID string) error
}

// Service is the refund orchestrator.
type Service struct {
	store      *store.Store
	gateway    Gateway
	reconciler Reconciler
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithReconciler starts a reconciliation for every refund that reached the
// ledger still PENDING.
func WithReconciler(r Reconciler) Option {
	return func(s *Service) { s.reconciler = r }
}

// NewService creates a Service. factory receives the bounded ledger the
// gateway must record refund rows through.
func NewService(s *store.Store, factory GatewayFactory, opts ...Option) (*Service, error) {
	gw, err := factory(BoundedLedger{Store: s})
	if err != nil {
		return nil, err
	}
	svc := &Service{
		store:   s,
		gateway: gw,
		tracer:  otel.Tracer("storefront/refunds"),
		logger:  slog.Default().With("component", "refunds"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// RequestRefund refunds amount of a completed transaction. The sum of its
// non-failed refunds never exceeds the transaction amount. A refund that
// reached the ledger is returned even when the provider call failed, along
// with the error.
func (s *Service) RequestRefund(ctx context.Context, transactionID string, amount decimal.Decimal, reason string) (*models.Refund, error) {
	ctx, span := s.tracer.Start(ctx, "refunds.RequestRefund", trace.WithAttributes(attribute.String("transaction.id", transactionID)))
	defer span.End()

	if transactionID == "" {
		return nil, models.Validationf("transactionId is required")
	}
	if !amount.IsPositive() {
		return nil, models.Validationf("refund amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, models.Validationf("refund amount has more than two decimal places")
	}

	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := checkBound(ctx, s.store.Queries, txn, amount); err != nil {
		return nil, err
	}
	order, err := s.store.GetOrder(ctx, txn.OrderID)
	if err != nil {
		return nil, err
	}

	refundID, err := s.gateway.InitiateRefund(ctx, gateway.RefundRequest{
		TransactionID: transactionID,
		OrderID:       txn.OrderID,
		UserID:        order.UserID,
		Amount:        amount,
		Reason:        reason,
	})
	if refundID == "" {
		return nil, err
	}

	refund, lerr := s.store.GetRefund(ctx, refundID)
	if lerr != nil {
		return nil, errors.Join(err, lerr)
	}
	if refund.Status == models.RefundStatusPending && s.reconciler != nil {
		if rerr := s.reconciler.StartRefundReconcile(ctx, refundID); rerr != nil {
			s.logger.WarnContext(ctx, "Failed to schedule refund reconciliation", "refund_id", refundID, "error", rerr)
		}
	}
	if err != nil {
		s.logger.WarnContext(ctx, "Refund not accepted by provider", "refund_id", refundID, "status", refund.Status, "error", err)
		return refund, err
	}
	s.logger.InfoContext(ctx, "Refund requested", "refund_id", refundID, "transaction_id", transactionID, "amount", amount)
	return refund, nil
}

// BoundedLedger records refunds, re-checking the refund bound in the same
// database transaction as the insert.
type BoundedLedger struct {
	Store *store.Store
}

// InsertRefund implements gateway.RefundLedger.
func (l BoundedLedger) InsertRefund(ctx context.Context, r *models.Refund) error {
	return l.Store.WithTx(ctx, func(q *store.Queries) error {
		txn, err := q.GetTransaction(ctx, r.TransactionID)
		if err != nil {
			return err
		}
		if err := checkBound(ctx, q, txn, r.Amount); err != nil {
			return err
		}
		return q.InsertRefund(ctx, r)
	})
}

// FinalizeRefund implements gateway.RefundLedger.
func (l BoundedLedger) FinalizeRefund(ctx context.Context, refundID string, status models.RefundStatus, raw []byte, now time.Time) (bool, error) {
	return l.Store.FinalizeRefund(ctx, refundID, status, raw, now)
}

func checkBound(ctx context.Context, q *store.Queries, txn *models.Transaction, amount decimal.Decimal) error {
	if txn.Status != models.TransactionStatusCompleted {
		return models.Conflictf("transaction %s is %s, only completed payments can be refunded", txn.TransactionID, txn.Status)
	}
	refunded, err := q.SumRefunds(ctx, txn.TransactionID)
	if err != nil {
		return err
	}
	if refunded.Add(amount).GreaterThan(txn.Amount) {
		return fmt.Errorf("%w: refund of %s exceeds refundable %s of transaction %s",
			models.ErrStateConflict, amount.StringFixed(2), txn.Amount.Sub(refunded).StringFixed(2), txn.TransactionID)
	}
	return nil
}
