// Package checkout opens payments for orders and answers client status polls.
// Poll results go through the callback processor, so a poll and a webhook
// reporting the same outcome apply it once.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storefront/callbacks"
	"storefront/gateway"
	"storefront/models"
	"storefront/store"
)

// Gateway is the part of the gateway client checkout needs.
type Gateway interface {
	Provider() string
	CreatePaymentOrder(ctx context.Context, req gateway.PaymentRequest) (string, error)
	CheckStatus(ctx context.Context, transactionID string) (gateway.StatusResult, error)
}

// Applier applies a trusted payment result.
type Applier interface {
	Apply(ctx context.Context, transactionID string, result gateway.PaymentResult, raw []byte) (callbacks.Ack, error)
}

// Reconciler schedules background status polls for a payment.
type Reconciler interface {
	StartPaymentReconcile(ctx context.Context, transactionID string) error
}

// PayResult is returned to the buyer's client.
type PayResult struct {
	TransactionID string `json:"transactionId"`
	RedirectURL   string `json:"redirectUrl"`
}

// Service is the checkout glue between orders, the gateway and the processor.
type Service struct {
	store      *store.Store
	gateway    Gateway
	processor  Applier
	reconciler Reconciler
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithReconciler starts a reconciliation for every opened payment.
func WithReconciler(r Reconciler) Option {
	return func(s *Service) { s.reconciler = r }
}

// NewService creates a Service.
func NewService(s *store.Store, gw Gateway, processor Applier, opts ...Option) *Service {
	svc := &Service{
		store:     s,
		gateway:   gw,
		processor: processor,
		tracer:    otel.Tracer("storefront/checkout"),
		logger:    slog.Default().With("component", "checkout"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Pay opens a payment page for the caller's order. When the provider cannot
// be reached the PENDING transaction is kept so that a later poll can
// resolve it; when the provider refuses the request the transaction fails
// and the order stays payable.
func (s *Service) Pay(ctx context.Context, userID, orderID string, buyer gateway.BuyerContact) (*PayResult, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Pay", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	if userID == "" {
		return nil, models.ErrAuthentication
	}
	order, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	txn := &models.Transaction{
		ID:            uuid.NewString(),
		TransactionID: "T" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		OrderID:       order.ID,
		Status:        models.TransactionStatusPending,
		Provider:      s.gateway.Provider(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// The claim locks the order row against a concurrent gift card
	// redemption, and the pending-payment unique index rejects a second
	// attempt that slips past the lookup.
	err = s.store.WithTx(ctx, func(q *store.Queries) error {
		current, err := q.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if current.PaymentStatus != models.PaymentStatusPending {
			return models.Conflictf("order %s payment is %s", current.OrderNumber, current.PaymentStatus)
		}
		if !current.TotalAmount.IsPositive() {
			return models.Conflictf("order %s has nothing left to pay", current.OrderNumber)
		}
		inflight, err := q.FindPendingTransaction(ctx, current.ID)
		if err != nil {
			return err
		}
		if inflight != nil {
			return models.Conflictf("payment %s for order %s is still in progress", inflight.TransactionID, current.OrderNumber)
		}
		ok, err := q.ClaimOrderForPayment(ctx, current.ID, current.TotalAmount, now)
		if err != nil {
			return err
		}
		if !ok {
			return models.Conflictf("order %s changed while opening payment", current.OrderNumber)
		}
		txn.Amount = current.TotalAmount
		return q.InsertTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("transaction.id", txn.TransactionID))

	if buyer.UserID == "" {
		buyer.UserID = userID
	}
	redirectURL, err := s.gateway.CreatePaymentOrder(ctx, gateway.PaymentRequest{
		OrderID:       order.ID,
		TransactionID: txn.TransactionID,
		Amount:        txn.Amount,
		BuyerContact:  buyer,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, models.ErrGatewayRejected) {
			if _, ferr := s.store.FinalizeTransaction(ctx, txn.TransactionID, models.TransactionStatusFailed, "", nil, s.now().UTC()); ferr != nil {
				s.logger.ErrorContext(ctx, "Failed to mark rejected transaction failed", "transaction_id", txn.TransactionID, "error", ferr)
			}
		} else {
			s.logger.WarnContext(ctx, "Payment left pending, provider unreachable", "transaction_id", txn.TransactionID, "error", err)
		}
		return nil, err
	}

	if s.reconciler != nil {
		if err := s.reconciler.StartPaymentReconcile(ctx, txn.TransactionID); err != nil {
			s.logger.WarnContext(ctx, "Failed to schedule payment reconciliation", "transaction_id", txn.TransactionID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "Payment opened", "order_id", order.ID, "transaction_id", txn.TransactionID, "amount", txn.Amount)
	return &PayResult{TransactionID: txn.TransactionID, RedirectURL: redirectURL}, nil
}

// Poll returns the caller's transaction, asking the provider first while it
// is still PENDING. Terminal answers are applied before returning.
func (s *Service) Poll(ctx context.Context, userID, transactionID string) (*models.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Poll", trace.WithAttributes(attribute.String("transaction.id", transactionID)))
	defer span.End()

	if userID == "" {
		return nil, models.ErrAuthentication
	}
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedOrder(ctx, userID, txn.OrderID); err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() {
		return txn, nil
	}

	status, err := s.gateway.CheckStatus(ctx, transactionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	switch r := status.Result.(type) {
	case gateway.Completed, gateway.Failed:
		if _, err := s.processor.Apply(ctx, transactionID, status.Result, status.Raw); err != nil {
			return nil, err
		}
	case gateway.Unknown:
		s.logger.WarnContext(ctx, "Provider reported an unrecognized state", "transaction_id", transactionID, "state", r.State, "code", r.Code)
		return txn, nil
	default:
		return txn, nil
	}
	return s.store.GetTransaction(ctx, transactionID)
}

// ownedOrder hides other users' orders behind NotFound.
func (s *Service) ownedOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, models.ErrNotFound
	}
	return order, nil
}
