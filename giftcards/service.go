// Package giftcards issues store-credit cards and redeems them against
// unpaid orders.
package giftcards

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/models"
	"storefront/orders"
	"storefront/store"
)

// codeAlphabet leaves out 0, 1, I and O.
const (
	codeAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeGroups      = 3
	codeGroupLength = 4
	codeAttempts    = 5
)

// Config bounds what can be issued.
type Config struct {
	MaxAmount decimal.Decimal
	Validity  time.Duration
}

// DefaultConfig allows cards up to 10000 valid for one year.
func DefaultConfig() Config {
	return Config{
		MaxAmount: decimal.NewFromInt(10000),
		Validity:  365 * 24 * time.Hour,
	}
}

// PurchaseInput describes a card to issue.
type PurchaseInput struct {
	Amount         decimal.Decimal `json:"amount"`
	RecipientEmail string          `json:"recipientEmail"`
	RecipientName  string          `json:"recipientName"`
	Message        string          `json:"message,omitempty"`
}

// Redemption is the result of applying a card to an order.
type Redemption struct {
	RedeemedAmount decimal.Decimal             `json:"redeemedAmount"`
	GiftCard       *models.GiftCard            `json:"giftCard"`
	Order          *models.Order               `json:"order"`
	Transaction    *models.GiftCardTransaction `json:"transaction"`
}

// Service is the gift card ledger.
type Service struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(s *store.Store, cfg Config) *Service {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultConfig().Validity
	}
	return &Service{
		store:  s,
		cfg:    cfg,
		logger: slog.Default().With("component", "giftcards"),
		now:    time.Now,
	}
}

// Purchase issues a new ACTIVE card whose balance equals the amount paid.
func (s *Service) Purchase(ctx context.Context, userID string, in PurchaseInput) (*models.GiftCard, error) {
	if userID == "" {
		return nil, models.ErrAuthentication
	}
	if !in.Amount.IsPositive() {
		return nil, models.Validationf("gift card amount must be positive")
	}
	if !s.cfg.MaxAmount.IsZero() && in.Amount.GreaterThan(s.cfg.MaxAmount) {
		return nil, models.Validationf("gift card amount must not exceed %s", s.cfg.MaxAmount)
	}
	if in.Amount.Exponent() < -2 {
		return nil, models.Validationf("gift card amount has more than two decimal places")
	}
	if _, err := mail.ParseAddress(in.RecipientEmail); err != nil {
		return nil, models.Validationf("recipient email is invalid")
	}
	if strings.TrimSpace(in.RecipientName) == "" {
		return nil, models.Validationf("recipient name is required")
	}

	now := s.now().UTC()
	card := &models.GiftCard{
		ID:             uuid.NewString(),
		InitialValue:   in.Amount,
		Balance:        in.Amount,
		Status:         models.GiftCardStatusActive,
		PurchasedBy:    userID,
		RecipientEmail: in.RecipientEmail,
		RecipientName:  in.RecipientName,
		Message:        in.Message,
		ExpiresAt:      now.Add(s.cfg.Validity),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	code, err := s.uniqueCode(ctx)
	if err != nil {
		return nil, err
	}
	card.Code = code
	if err := s.store.InsertGiftCard(ctx, card); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Gift card issued", "gift_card_id", card.ID, "purchased_by", userID, "amount", card.InitialValue)
	return card, nil
}

// CheckBalance returns a card by code. A card found past its expiry is
// persisted as EXPIRED before it is returned.
func (s *Service) CheckBalance(ctx context.Context, code string) (*models.GiftCard, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, models.Validationf("gift card code is required")
	}
	card, err := s.store.GetGiftCardByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.expireIfDue(ctx, s.store.Queries, card); err != nil {
		return nil, err
	}
	return card, nil
}

// Redeem applies as much of a card's balance as the order still owes. The
// card debit, its redemption record and the order discount are written in
// one transaction; a concurrent redemption of the same card loses with
// models.ErrStateConflict.
func (s *Service) Redeem(ctx context.Context, userID, code, orderID string) (*Redemption, error) {
	code = normalizeCode(code)
	if code == "" || orderID == "" {
		return nil, models.Validationf("gift card code and order id are required")
	}

	var (
		result  *Redemption
		expired bool
	)
	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		card, err := q.GetGiftCardByCode(ctx, code)
		if err != nil {
			return err
		}
		if card.Status == models.GiftCardStatusActive && card.IsExpired(s.now()) {
			// Commit the expiry, then report it.
			expired = true
			return s.expireIfDue(ctx, q, card)
		}
		switch {
		case card.Status != models.GiftCardStatusActive:
			return models.Conflictf("gift card is %s", strings.ToLower(string(card.Status)))
		case !card.Balance.IsPositive():
			return models.Conflictf("gift card has no balance")
		}

		order, err := q.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("order %s belongs to another user: %w", orderID, models.ErrForbidden)
		}
		if order.PaymentStatus != models.PaymentStatusPending {
			return models.Conflictf("order %s is no longer awaiting payment", orderID)
		}
		if !order.TotalAmount.IsPositive() {
			return models.Conflictf("order %s has nothing left to pay", orderID)
		}

		redeemed := decimal.Min(card.Balance, order.TotalAmount)
		balance := card.Balance.Sub(redeemed)
		status := models.GiftCardStatusActive
		if balance.IsZero() {
			status = models.GiftCardStatusUsed
		}
		now := s.now().UTC()

		ok, err := q.UpdateGiftCardBalance(ctx, card.Code, card.Balance, balance, status, now)
		if err != nil {
			return err
		}
		if !ok {
			return models.Conflictf("gift card %s was redeemed concurrently", card.Code)
		}

		totals := orders.Totals{
			Subtotal: order.Subtotal,
			Tax:      order.TaxAmount,
			Shipping: order.ShippingAmount,
		}.WithDiscount(order.DiscountAmount.Add(redeemed))
		discount, total := totals.Discount, totals.Total
		ok, err = q.ApplyOrderDiscount(ctx, order.ID, order.TotalAmount, discount, total, now)
		if err != nil {
			return err
		}
		if !ok {
			return models.Conflictf("order %s changed during redemption", order.ID)
		}
		// Checked with the order row held, so a payment opened for the old
		// total either commits first and is seen here or waits for this
		// transaction and then fails its claim.
		inflight, err := q.FindPendingTransaction(ctx, order.ID)
		if err != nil {
			return err
		}
		if inflight != nil {
			return models.Conflictf("order %s has payment %s in progress", orderID, inflight.TransactionID)
		}

		txn := &models.GiftCardTransaction{
			ID:           uuid.NewString(),
			GiftCardID:   card.ID,
			OrderID:      order.ID,
			Amount:       redeemed,
			BalanceAfter: balance,
			CreatedAt:    now,
		}
		if err := q.InsertGiftCardTransaction(ctx, txn); err != nil {
			return err
		}

		card.Balance, card.Status, card.UpdatedAt = balance, status, now
		order.DiscountAmount, order.TotalAmount, order.UpdatedAt = discount, total, now
		result = &Redemption{RedeemedAmount: redeemed, GiftCard: card, Order: order, Transaction: txn}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, models.Conflictf("gift card has expired")
	}

	s.logger.InfoContext(ctx, "Gift card redeemed",
		"gift_card_id", result.GiftCard.ID, "order_id", orderID, "amount", result.RedeemedAmount, "balance", result.GiftCard.Balance)
	return result, nil
}

func (s *Service) expireIfDue(ctx context.Context, q *store.Queries, card *models.GiftCard) error {
	if card.Status != models.GiftCardStatusActive || !card.IsExpired(s.now()) {
		return nil
	}
	now := s.now().UTC()
	if err := q.ExpireGiftCard(ctx, card.Code, now); err != nil {
		return err
	}
	card.Status = models.GiftCardStatusExpired
	card.UpdatedAt = now
	s.logger.InfoContext(ctx, "Gift card expired", "gift_card_id", card.ID)
	return nil
}

func (s *Service) uniqueCode(ctx context.Context) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := newCode()
		if err != nil {
			return "", err
		}
		exists, err := s.store.GiftCardCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("failed to generate a unique gift card code")
}

// newCode returns GC-XXXX-XXXX-XXXX.
func newCode() (string, error) {
	groups := make([]string, 0, codeGroups+1)
	groups = append(groups, "GC")
	size := big.NewInt(int64(len(codeAlphabet)))
	for g := 0; g < codeGroups; g++ {
		var b strings.Builder
		for i := 0; i < codeGroupLength; i++ {
			idx, err := rand.Int(rand.Reader, size)
			if err != nil {
				return "", fmt.Errorf("failed to generate gift card code: %w", err)
			}
			b.WriteByte(codeAlphabet[idx.Int64()])
		}
		groups = append(groups, b.String())
	}
	return strings.Join(groups, "-"), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
