package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// GiftCardStatus is the lifecycle of a store-credit instrument.
type GiftCardStatus string

const (
	GiftCardStatusActive  GiftCardStatus = "ACTIVE"
	GiftCardStatusUsed    GiftCardStatus = "USED"
	GiftCardStatusExpired GiftCardStatus = "EXPIRED"
)

// GiftCard is a redeemable store-credit balance.
type GiftCard struct {
	ID             string          `json:"id"`
	Code           string          `json:"code"`
	InitialValue   decimal.Decimal `json:"initialValue"`
	Balance        decimal.Decimal `json:"balance"`
	Status         GiftCardStatus  `json:"status"`
	PurchasedBy    string          `json:"purchasedBy"`
	RecipientEmail string          `json:"recipientEmail"`
	RecipientName  string          `json:"recipientName"`
	Message        string          `json:"message,omitempty"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IsExpired reports whether the card is past its expiry at now.
func (g *GiftCard) IsExpired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// GiftCardTransaction is the immutable record of one redemption.
type GiftCardTransaction struct {
	ID           string          `json:"id"`
	GiftCardID   string          `json:"giftCardId"`
	OrderID      string          `json:"orderId"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	CreatedAt    time.Time       `json:"createdAt"`
}
