// Package callbacks applies provider payment and refund outcomes to the
// ledgers. Webhooks and status polls share one state machine, and every
// transition is a compare-and-swap on the PENDING status, so redelivered or
// concurrent callbacks take effect exactly once.
package callbacks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storefront/events"
	"storefront/gateway"
	"storefront/metrics"
	"storefront/models"
	"storefront/store"
)

// Reasons a COMPLETED payment is recorded without paying its order.
const (
	UnmatchedUnderpaid    = "underpaid"
	UnmatchedOrderSettled = "order_settled"
)

// Ack is the acknowledgement returned to the provider. A duplicate ack is
// still a success.
type Ack struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// Processor is the callback state machine.
type Processor struct {
	store     *store.Store
	signer    gateway.Signer
	publisher events.Publisher
	counters  metrics.Counters
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithPublisher sets where committed changes are announced.
func WithPublisher(p events.Publisher) Option {
	return func(pr *Processor) { pr.publisher = p }
}

// WithCounters sets the counters updated after each outcome.
func WithCounters(c metrics.Counters) Option {
	return func(pr *Processor) { pr.counters = c }
}

// New creates a Processor.
func New(s *store.Store, signer gateway.Signer, opts ...Option) *Processor {
	p := &Processor{
		store:     s,
		signer:    signer,
		publisher: events.LogPublisher{},
		counters:  metrics.NewLocalCounters(),
		tracer:    otel.Tracer("storefront/callbacks"),
		logger:    slog.Default().With("component", "callbacks"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandlePayment verifies and applies a payment webhook.
func (p *Processor) HandlePayment(ctx context.Context, body []byte, signature string) (Ack, error) {
	ctx, span := p.tracer.Start(ctx, "callbacks.HandlePayment")
	defer span.End()

	cb, err := gateway.DecodeCallback(p.signer, body, signature)
	if err != nil {
		p.reject(ctx, span, "payment", err)
		return Ack{}, err
	}
	return p.Apply(ctx, cb.TransactionID, cb.Result, cb.Raw)
}

// Apply moves a PENDING transaction to the terminal state named by result and
// fans the change out to the order and its inventory. It trusts its input;
// HandlePayment and the status poll path are its callers.
func (p *Processor) Apply(ctx context.Context, transactionID string, result gateway.PaymentResult, raw []byte) (Ack, error) {
	ctx, span := p.tracer.Start(ctx, "callbacks.Apply", trace.WithAttributes(attribute.String("transaction.id", transactionID)))
	defer span.End()

	txn, err := p.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, models.ErrNotFound) {
		p.logger.WarnContext(ctx, "Callback for unknown transaction", "transaction_id", transactionID)
		return Ack{}, fmt.Errorf("transaction %s: %w", transactionID, models.ErrUnknownTransaction)
	}
	if err != nil {
		return Ack{}, err
	}

	// A settled transaction answers every later delivery the same way,
	// whatever state the delivery reports.
	if txn.Status.IsTerminal() {
		p.duplicate(ctx, transactionID, string(txn.Status))
		return Ack{ID: transactionID, Status: string(txn.Status), Duplicate: true}, nil
	}

	var (
		status       models.TransactionStatus
		gatewayTxnID string
		unmatched    string
	)
	switch r := result.(type) {
	case gateway.Completed:
		status = models.TransactionStatusCompleted
		gatewayTxnID = r.GatewayTransactionID
		switch {
		case r.Amount.IsPositive() && r.Amount.LessThan(txn.Amount):
			unmatched = UnmatchedUnderpaid
		case r.Amount.IsPositive() && !r.Amount.Equal(txn.Amount):
			p.logger.WarnContext(ctx, "Provider amount exceeds transaction amount",
				"transaction_id", transactionID, "expected", txn.Amount, "reported", r.Amount)
		}
	case gateway.Failed:
		status = models.TransactionStatusFailed
	case gateway.Pending:
		return Ack{ID: transactionID, Status: string(txn.Status)}, nil
	case gateway.Unknown:
		return Ack{}, models.Validationf("unrecognized payment state %q (code %q)", r.State, r.Code)
	default:
		return Ack{}, models.Validationf("unsupported payment result %T", result)
	}

	var (
		applied     bool
		order       *models.Order
		backordered int
	)
	err = p.store.WithTx(ctx, func(q *store.Queries) error {
		now := p.now().UTC()
		ok, err := q.FinalizeTransaction(ctx, transactionID, status, gatewayTxnID, raw, now)
		if err != nil {
			return err
		}
		if !ok {
			// Another delivery won the race.
			return nil
		}
		applied = true

		order, err = q.GetOrder(ctx, txn.OrderID)
		if err != nil {
			return err
		}

		if status == models.TransactionStatusFailed {
			ok, err := q.MarkOrderPaymentFailed(ctx, order.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				// The order was settled by another attempt; this one just ends.
				unmatched = UnmatchedOrderSettled
			}
			return nil
		}
		if unmatched != "" {
			return nil
		}

		ok, err = q.MarkOrderPaid(ctx, order.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			// Money was captured for an order that is no longer payable. The
			// capture is still recorded so it can be refunded.
			unmatched = UnmatchedOrderSettled
			return nil
		}
		for _, item := range order.Items {
			if err := q.DecrementInventory(ctx, item.ProductID, item.Quantity); err != nil {
				return fmt.Errorf("failed to decrement inventory of %s: %w", item.ProductID, err)
			}
			inv, err := q.GetInventory(ctx, item.ProductID)
			if err != nil {
				return err
			}
			if inv.Quantity < 0 {
				p.logger.WarnContext(ctx, "Product backordered", "product_id", item.ProductID, "quantity", inv.Quantity)
				backordered++
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.ErrorContext(ctx, "Failed to apply payment result", "transaction_id", transactionID, "error", err)
		return Ack{}, err
	}
	if !applied {
		current := string(status)
		if cur, err := p.store.GetTransaction(ctx, transactionID); err == nil {
			current = string(cur.Status)
		}
		p.duplicate(ctx, transactionID, current)
		return Ack{ID: transactionID, Status: current, Duplicate: true}, nil
	}

	event := events.Event{
		OrderID:       order.ID,
		TransactionID: transactionID,
		Amount:        txn.Amount,
		OccurredAt:    p.now().UTC(),
	}
	switch {
	case status == models.TransactionStatusCompleted && unmatched != "":
		event.Type = events.PaymentUnmatched
		event.Reason = unmatched
		if r, ok := result.(gateway.Completed); ok && r.Amount.IsPositive() {
			event.Amount = r.Amount
		}
		p.incr(ctx, metrics.PaymentsUnmatched)
		p.publish(ctx, event)
		p.logger.WarnContext(ctx, "Captured payment not applied to order",
			"transaction_id", transactionID, "order_id", order.ID, "reason", unmatched, "amount", event.Amount)
		return Ack{ID: transactionID, Status: string(status)}, nil
	case status == models.TransactionStatusCompleted:
		event.Type = events.OrderPaid
		p.incr(ctx, metrics.PaymentsCompleted)
		for i := 0; i < backordered; i++ {
			p.incr(ctx, metrics.BackorderedProducts)
		}
	case unmatched != "":
		p.incr(ctx, metrics.PaymentsFailed)
		p.logger.InfoContext(ctx, "Payment attempt failed after its order settled", "transaction_id", transactionID, "order_id", order.ID)
		return Ack{ID: transactionID, Status: string(status)}, nil
	default:
		event.Type = events.OrderCancelled
		p.incr(ctx, metrics.PaymentsFailed)
	}
	p.publish(ctx, event)

	p.logger.InfoContext(ctx, "Payment result applied", "transaction_id", transactionID, "order_id", order.ID, "status", status)
	return Ack{ID: transactionID, Status: string(status)}, nil
}

func (p *Processor) reject(ctx context.Context, span trace.Span, kind string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, models.ErrChecksum) {
		p.logger.WarnContext(ctx, "Rejected callback with invalid checksum", "kind", kind)
		p.incr(ctx, metrics.CallbacksRejected)
		return
	}
	p.logger.WarnContext(ctx, "Rejected malformed callback", "kind", kind, "error", err)
}

func (p *Processor) duplicate(ctx context.Context, id, status string) {
	p.logger.InfoContext(ctx, "Duplicate callback ignored", "id", id, "status", status)
	p.incr(ctx, metrics.CallbacksDuplicate)
}

func (p *Processor) incr(ctx context.Context, name string) {
	if err := p.counters.Incr(ctx, name); err != nil {
		p.logger.WarnContext(ctx, "Failed to increment counter", "counter", name, "error", err)
	}
}

func (p *Processor) publish(ctx context.Context, e events.Event) {
	if err := p.publisher.Publish(ctx, e); err != nil {
		p.logger.WarnContext(ctx, "Failed to publish event", "type", e.Type, "order_id", e.OrderID, "error", err)
	}
}
