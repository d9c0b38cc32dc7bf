package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Provider states and response codes.
const (
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StatePending   = "PENDING"

	CodePaymentSuccess  = "PAYMENT_SUCCESS"
	CodePaymentError    = "PAYMENT_ERROR"
	CodePaymentPending  = "PAYMENT_PENDING"
	CodePaymentDeclined = "PAYMENT_DECLINED"
	CodeTimedOut        = "TIMED_OUT"
)

// PaymentResult is the outcome the provider reports for a payment or refund.
// Exactly one of Completed, Failed, Pending or Unknown.
type PaymentResult interface {
	isPaymentResult()
}

// Completed means money moved.
type Completed struct {
	GatewayTransactionID string
	Amount               decimal.Decimal
	Instrument           *PaymentInstrument
}

// Failed is a definitive provider-side failure.
type Failed struct {
	Code    string
	Message string
}

// Pending means the provider has not decided yet.
type Pending struct{}

// Unknown carries a state this client does not understand.
type Unknown struct {
	State string
	Code  string
}

func (Completed) isPaymentResult() {}
func (Failed) isPaymentResult()    {}
func (Pending) isPaymentResult()   {}
func (Unknown) isPaymentResult()   {}

// PaymentInstrument describes how the buyer paid.
type PaymentInstrument struct {
	Type                   string `json:"type"`
	UTR                    string `json:"utr,omitempty"`
	CardType               string `json:"cardType,omitempty"`
	PgTransactionID        string `json:"pgTransactionId,omitempty"`
	BankTransactionID      string `json:"bankTransactionId,omitempty"`
	BankID                 string `json:"bankId,omitempty"`
	PgServiceTransactionID string `json:"pgServiceTransactionId,omitempty"`
}

type payRequest struct {
	MerchantID            string            `json:"merchantId"`
	MerchantTransactionID string            `json:"merchantTransactionId"`
	MerchantUserID        string            `json:"merchantUserId"`
	Amount                int64             `json:"amount"`
	RedirectURL           string            `json:"redirectUrl"`
	RedirectMode          string            `json:"redirectMode"`
	CallbackURL           string            `json:"callbackUrl"`
	MobileNumber          string            `json:"mobileNumber,omitempty"`
	PaymentInstrument     instrumentRequest `json:"paymentInstrument"`
}

type instrumentRequest struct {
	Type string `json:"type"`
}

type refundRequest struct {
	MerchantID            string `json:"merchantId"`
	MerchantUserID        string `json:"merchantUserId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	Amount                int64  `json:"amount"`
	CallbackURL           string `json:"callbackUrl"`
}

type signedBody struct {
	Request string `json:"request"`
}

// envelope is the common shape of every provider response and callback.
type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type payResponseData struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	InstrumentResponse    struct {
		Type         string `json:"type"`
		RedirectInfo struct {
			URL    string `json:"url"`
			Method string `json:"method"`
		} `json:"redirectInfo"`
	} `json:"instrumentResponse"`
}

type transactionData struct {
	MerchantID            string             `json:"merchantId"`
	MerchantTransactionID string             `json:"merchantTransactionId"`
	TransactionID         string             `json:"transactionId"`
	Amount                int64              `json:"amount"`
	State                 string             `json:"state"`
	ResponseCode          string             `json:"responseCode"`
	PaymentInstrument     *PaymentInstrument `json:"paymentInstrument,omitempty"`
}

// decodeResult maps a provider state and code onto the result variants.
func decodeResult(code, message string, data transactionData) PaymentResult {
	switch {
	case data.State == StateCompleted || (data.State == "" && code == CodePaymentSuccess):
		return Completed{
			GatewayTransactionID: data.TransactionID,
			Amount:               FromMinorUnits(data.Amount),
			Instrument:           data.PaymentInstrument,
		}
	case data.State == StateFailed:
		return Failed{Code: firstNonEmpty(data.ResponseCode, code), Message: message}
	case data.State == "" && (code == CodePaymentError || code == CodePaymentDeclined || code == CodeTimedOut):
		return Failed{Code: code, Message: message}
	case data.State == StatePending || (data.State == "" && code == CodePaymentPending):
		return Pending{}
	default:
		return Unknown{State: data.State, Code: code}
	}
}

// ToMinorUnits converts an amount to paise.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts paise to an amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
