// Package events publishes committed order lifecycle changes to a RabbitMQ
// topic exchange.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Event types. They double as routing keys.
const (
	OrderPaid       = "order.paid"
	OrderCancelled  = "order.cancelled"
	OrderRefunded   = "order.refunded"
	RefundCompleted = "refund.completed"
	RefundFailed    = "refund.failed"

	// PaymentUnmatched is a captured payment that did not pay its order and
	// needs an operator refund.
	PaymentUnmatched = "payment.unmatched"
)

// Event is a state change that has already been committed.
type Event struct {
	Type          string          `json:"type"`
	OrderID       string          `json:"orderId"`
	TransactionID string          `json:"transactionId,omitempty"`
	RefundID      string          `json:"refundId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// Publisher delivers events. Delivery is best effort: callers log failures
// and move on, the database stays the source of truth.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs e.
func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Event", "type", e.Type, "order_id", e.OrderID,
		"transaction_id", e.TransactionID, "refund_id", e.RefundID, "amount", e.Amount)
	return nil
}
