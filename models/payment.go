package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle of a single gateway payment attempt.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// IsTerminal returns true once no further transitions are allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// Transaction is one payment attempt against the gateway. An order may have
// several attempts but at most one COMPLETED.
type Transaction struct {
	ID                   string            `json:"id"`
	TransactionID        string            `json:"transactionId"`
	OrderID              string            `json:"orderId"`
	GatewayTransactionID string            `json:"gatewayTransactionId,omitempty"`
	Amount               decimal.Decimal   `json:"amount"`
	Status               TransactionStatus `json:"status"`
	Provider             string            `json:"provider"`
	GatewayResponse      []byte            `json:"-"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// RefundStatus mirrors TransactionStatus for refunds.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusCompleted RefundStatus = "COMPLETED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// IsTerminal returns true once no further transitions are allowed.
func (s RefundStatus) IsTerminal() bool {
	return s == RefundStatusCompleted || s == RefundStatusFailed
}

// Refund records a provider-side refund of a completed transaction.
type Refund struct {
	RefundID        string          `json:"refundId"`
	TransactionID   string          `json:"transactionId"`
	OrderID         string          `json:"orderId"`
	Amount          decimal.Decimal `json:"amount"`
	Reason          string          `json:"reason,omitempty"`
	Status          RefundStatus    `json:"status"`
	GatewayResponse []byte          `json:"-"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}
