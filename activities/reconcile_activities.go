package activities

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"storefront/callbacks"
	"storefront/gateway"
	"storefront/models"
)

// Non-retryable error types reported to the reconciliation workflows.
const (
	ErrTypeRejected     = "GatewayRejected"
	ErrTypeUnknownState = "UnknownState"
	ErrTypeNotApplied   = "NotApplied"
)

// StatusChecker asks the provider for the state of a payment or refund.
type StatusChecker interface {
	CheckStatus(ctx context.Context, id string) (gateway.StatusResult, error)
}

// Applier applies trusted provider results to the ledgers.
type Applier interface {
	Apply(ctx context.Context, transactionID string, result gateway.PaymentResult, raw []byte) (callbacks.Ack, error)
	ApplyRefund(ctx context.Context, refundID string, result gateway.PaymentResult, raw []byte) (callbacks.Ack, error)
}

// ReconcileResult is the outcome of one status poll.
type ReconcileResult struct {
	Status   string `json:"status"`
	Terminal bool   `json:"terminal"`
}

// ReconcileActivities polls the provider for payments and refunds whose
// webhook never arrived.
type ReconcileActivities struct {
	gateway   StatusChecker
	processor Applier
}

// NewReconcileActivities creates a new ReconcileActivities instance
func NewReconcileActivities(gw StatusChecker, processor Applier) *ReconcileActivities {
	return &ReconcileActivities{gateway: gw, processor: processor}
}

// ReconcilePayment polls the status of a payment transaction once and applies
// a terminal answer.
func (a *ReconcileActivities) ReconcilePayment(ctx context.Context, transactionID string) (ReconcileResult, error) {
	return a.reconcile(ctx, "payment", transactionID, a.processor.Apply)
}

// ReconcileRefund polls the status of a refund once and applies a terminal
// answer.
func (a *ReconcileActivities) ReconcileRefund(ctx context.Context, refundID string) (ReconcileResult, error) {
	return a.reconcile(ctx, "refund", refundID, a.processor.ApplyRefund)
}

type applyFunc func(ctx context.Context, id string, result gateway.PaymentResult, raw []byte) (callbacks.Ack, error)

func (a *ReconcileActivities) reconcile(ctx context.Context, kind, id string, apply applyFunc) (ReconcileResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Checking provider status", "kind", kind, "id", id, "attempt", activity.GetInfo(ctx).Attempt)

	status, err := a.gateway.CheckStatus(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrGatewayRejected) {
			return ReconcileResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeRejected, err)
		}
		logger.Warn("Status check failed", "kind", kind, "id", id, "error", err)
		return ReconcileResult{}, fmt.Errorf("status check failed: %w", err)
	}

	switch r := status.Result.(type) {
	case gateway.Pending:
		logger.Info("Still pending at provider", "kind", kind, "id", id)
		return ReconcileResult{Status: string(models.TransactionStatusPending)}, nil
	case gateway.Unknown:
		msg := fmt.Sprintf("unrecognized provider state %q (code %q)", r.State, r.Code)
		return ReconcileResult{}, temporal.NewNonRetryableApplicationError(msg, ErrTypeUnknownState, nil)
	}

	activity.RecordHeartbeat(ctx, "applying result")
	ack, err := apply(ctx, id, status.Result, status.Raw)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrStateConflict) || errors.Is(err, models.ErrValidation) {
			return ReconcileResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNotApplied, err)
		}
		return ReconcileResult{}, fmt.Errorf("failed to apply %s result: %w", kind, err)
	}

	logger.Info("Reconciled", "kind", kind, "id", id, "status", ack.Status, "duplicate", ack.Duplicate)
	return ReconcileResult{Status: ack.Status, Terminal: true}, nil
}
