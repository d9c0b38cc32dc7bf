package callbacks

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storefront/events"
	"storefront/gateway"
	"storefront/metrics"
	"storefront/models"
	"storefront/store"
)

// HandleRefund verifies and applies a refund webhook. The provider reports
// refunds under the merchant refund id.
func (p *Processor) HandleRefund(ctx context.Context, body []byte, signature string) (Ack, error) {
	ctx, span := p.tracer.Start(ctx, "callbacks.HandleRefund")
	defer span.End()

	cb, err := gateway.DecodeCallback(p.signer, body, signature)
	if err != nil {
		p.reject(ctx, span, "refund", err)
		return Ack{}, err
	}
	return p.ApplyRefund(ctx, cb.TransactionID, cb.Result, cb.Raw)
}

// ApplyRefund moves a PENDING refund to its terminal state. When the
// completed refunds of a transaction add up to its full amount the order is
// marked refunded.
func (p *Processor) ApplyRefund(ctx context.Context, refundID string, result gateway.PaymentResult, raw []byte) (Ack, error) {
	ctx, span := p.tracer.Start(ctx, "callbacks.ApplyRefund", trace.WithAttributes(attribute.String("refund.id", refundID)))
	defer span.End()

	refund, err := p.store.GetRefund(ctx, refundID)
	if errors.Is(err, models.ErrNotFound) {
		p.logger.WarnContext(ctx, "Callback for unknown refund", "refund_id", refundID)
		return Ack{}, fmt.Errorf("refund %s: %w", refundID, models.ErrUnknownTransaction)
	}
	if err != nil {
		return Ack{}, err
	}

	if refund.Status.IsTerminal() {
		p.duplicate(ctx, refundID, string(refund.Status))
		return Ack{ID: refundID, Status: string(refund.Status), Duplicate: true}, nil
	}

	var status models.RefundStatus
	switch r := result.(type) {
	case gateway.Completed:
		status = models.RefundStatusCompleted
	case gateway.Failed:
		status = models.RefundStatusFailed
	case gateway.Pending:
		return Ack{ID: refundID, Status: string(refund.Status)}, nil
	case gateway.Unknown:
		return Ack{}, models.Validationf("unrecognized refund state %q (code %q)", r.State, r.Code)
	default:
		return Ack{}, models.Validationf("unsupported refund result %T", result)
	}

	var applied, orderRefunded bool
	err = p.store.WithTx(ctx, func(q *store.Queries) error {
		now := p.now().UTC()
		ok, err := q.FinalizeRefund(ctx, refundID, status, raw, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied = true
		if status != models.RefundStatusCompleted {
			return nil
		}

		txn, err := q.GetTransaction(ctx, refund.TransactionID)
		if err != nil {
			return err
		}
		refunded, err := q.SumCompletedRefunds(ctx, refund.TransactionID)
		if err != nil {
			return err
		}
		if refunded.LessThan(txn.Amount) {
			return nil
		}
		// An unmatched capture on the same order may be refunded while the
		// payment that settled the order stands.
		outstanding, err := q.OutstandingCaptures(ctx, refund.OrderID)
		if err != nil {
			return err
		}
		if outstanding.IsPositive() {
			return nil
		}
		orderRefunded, err = q.MarkOrderRefunded(ctx, refund.OrderID, now)
		if err != nil {
			return err
		}
		if !orderRefunded {
			p.logger.WarnContext(ctx, "Order fully refunded but was not in PAID state", "order_id", refund.OrderID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.ErrorContext(ctx, "Failed to apply refund result", "refund_id", refundID, "error", err)
		return Ack{}, err
	}
	if !applied {
		current := string(status)
		if cur, err := p.store.GetRefund(ctx, refundID); err == nil {
			current = string(cur.Status)
		}
		p.duplicate(ctx, refundID, current)
		return Ack{ID: refundID, Status: current, Duplicate: true}, nil
	}

	event := events.Event{
		OrderID:       refund.OrderID,
		TransactionID: refund.TransactionID,
		RefundID:      refundID,
		Amount:        refund.Amount,
		OccurredAt:    p.now().UTC(),
	}
	if status == models.RefundStatusCompleted {
		event.Type = events.RefundCompleted
		p.incr(ctx, metrics.RefundsCompleted)
	} else {
		event.Type = events.RefundFailed
		p.incr(ctx, metrics.RefundsFailed)
	}
	p.publish(ctx, event)
	if orderRefunded {
		event.Type = events.OrderRefunded
		p.publish(ctx, event)
	}

	p.logger.InfoContext(ctx, "Refund result applied", "refund_id", refundID, "order_id", refund.OrderID, "status", status)
	return Ack{ID: refundID, Status: string(status)}, nil
}
