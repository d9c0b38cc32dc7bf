// Package gateway talks to the hosted payment page provider: it creates
// payment orders, checks transaction status, initiates refunds and decodes
// the provider's signed webhooks.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"storefront/models"
)

const (
	payPath    = "/pg/v1/pay"
	statusPath = "/pg/v1/status"
	refundPath = "/pg/v1/refund"

	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config holds the merchant account and endpoints of the provider.
type Config struct {
	BaseURL           string
	MerchantID        string
	Provider          string
	RedirectURL       string
	CallbackURL       string
	RefundCallbackURL string
	Timeout           time.Duration
}

// Signer produces and checks X-VERIFY tokens.
type Signer interface {
	Sign(payload []byte) string
	Verify(payload []byte, token string) bool
}

// RefundLedger persists refund rows around the provider call.
type RefundLedger interface {
	InsertRefund(ctx context.Context, r *models.Refund) error
	FinalizeRefund(ctx context.Context, refundID string, status models.RefundStatus, raw []byte, now time.Time) (bool, error)
}

// PaymentRequest describes one payment page to open.
type PaymentRequest struct {
	OrderID       string
	TransactionID string
	Amount        decimal.Decimal
	BuyerContact  BuyerContact
	RedirectURL   string
	CallbackURL   string
}

// BuyerContact identifies the paying user to the provider.
type BuyerContact struct {
	UserID string `json:"userId"`
	Phone  string `json:"phone,omitempty"`
}

// RefundRequest describes a refund against a completed transaction.
type RefundRequest struct {
	TransactionID string
	OrderID       string
	UserID        string
	Amount        decimal.Decimal
	Reason        string
}

// StatusResult is the decoded answer of a status check.
type StatusResult struct {
	Result PaymentResult
	Raw    []byte
}

// Client is the provider client. It holds no global state; construct one per
// merchant account.
type Client struct {
	cfg     Config
	signer  Signer
	refunds RefundLedger
	http    *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Client.
func New(cfg Config, signer Signer, refunds RefundLedger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	if cfg.MerchantID == "" {
		return nil, errors.New("gateway merchant id is required")
	}
	if signer == nil {
		return nil, errors.New("gateway signer is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Provider == "" {
		cfg.Provider = "phonepe"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:     cfg,
		signer:  signer,
		refunds: refunds,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  slog.Default().With("component", "gateway"),
		now:     time.Now,
	}, nil
}

// Provider returns the provider name recorded on transactions.
func (c *Client) Provider() string {
	return c.cfg.Provider
}

// CreatePaymentOrder opens a payment page for a transaction and returns the
// URL the buyer must be redirected to.
func (c *Client) CreatePaymentOrder(ctx context.Context, req PaymentRequest) (string, error) {
	ctx, span := otel.Tracer("storefront/gateway").Start(ctx, "gateway.CreatePaymentOrder")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", req.TransactionID))

	if !req.Amount.IsPositive() {
		return "", models.Validationf("payment amount must be positive")
	}
	redirectURL := firstNonEmpty(req.RedirectURL, c.cfg.RedirectURL)
	callbackURL := firstNonEmpty(req.CallbackURL, c.cfg.CallbackURL)

	payload := payRequest{
		MerchantID:            c.cfg.MerchantID,
		MerchantTransactionID: req.TransactionID,
		MerchantUserID:        req.BuyerContact.UserID,
		Amount:                ToMinorUnits(req.Amount),
		RedirectURL:           redirectURL,
		RedirectMode:          "POST",
		CallbackURL:           callbackURL,
		MobileNumber:          req.BuyerContact.Phone,
		PaymentInstrument:     instrumentRequest{Type: "PAY_PAGE"},
	}

	env, _, err := c.postSigned(ctx, payPath, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var data payResponseData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("%w: malformed pay response: %v", models.ErrGatewayUnavailable, err)
	}
	url := data.InstrumentResponse.RedirectInfo.URL
	if url == "" {
		return "", fmt.Errorf("%w: pay response carries no redirect url", models.ErrGatewayRejected)
	}

	c.logger.InfoContext(ctx, "Payment order created", "order_id", req.OrderID, "transaction_id", req.TransactionID)
	return url, nil
}

// CheckStatus asks the provider for the state of a payment or refund by its
// merchant transaction id.
func (c *Client) CheckStatus(ctx context.Context, transactionID string) (StatusResult, error) {
	ctx, span := otel.Tracer("storefront/gateway").Start(ctx, "gateway.CheckStatus")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", transactionID))

	path := fmt.Sprintf("%s/%s/%s", statusPath, c.cfg.MerchantID, transactionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("failed to create status request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-VERIFY", c.signer.Sign([]byte(path)))
	httpReq.Header.Set("X-MERCHANT-ID", c.cfg.MerchantID)

	status, body, err := c.do(httpReq)
	if err != nil {
		span.RecordError(err)
		return StatusResult{}, err
	}
	if status >= http.StatusInternalServerError {
		return StatusResult{}, fmt.Errorf("%w: status check returned %d", models.ErrGatewayUnavailable, status)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status >= http.StatusBadRequest {
			return StatusResult{}, fmt.Errorf("%w: status check returned %d", models.ErrGatewayRejected, status)
		}
		return StatusResult{}, fmt.Errorf("%w: malformed status response: %v", models.ErrGatewayUnavailable, err)
	}

	var data transactionData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return StatusResult{}, fmt.Errorf("%w: malformed status data: %v", models.ErrGatewayUnavailable, err)
		}
	}
	if status >= http.StatusBadRequest && data.State == "" && env.Code == "" {
		return StatusResult{}, fmt.Errorf("%w: status check returned %d", models.ErrGatewayRejected, status)
	}

	return StatusResult{Result: decodeResult(env.Code, env.Message, data), Raw: body}, nil
}

// InitiateRefund records a PENDING refund and asks the provider to execute
// it. The row is written before the call so that an unreachable provider
// still leaves an auditable refund behind.
func (c *Client) InitiateRefund(ctx context.Context, req RefundRequest) (string, error) {
	ctx, span := otel.Tracer("storefront/gateway").Start(ctx, "gateway.InitiateRefund")
	defer span.End()

	if c.refunds == nil {
		return "", errors.New("gateway refund ledger is not configured")
	}
	if !req.Amount.IsPositive() {
		return "", models.Validationf("refund amount must be positive")
	}

	now := c.now().UTC()
	refund := &models.Refund{
		RefundID:      "R" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		TransactionID: req.TransactionID,
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		Reason:        req.Reason,
		Status:        models.RefundStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.refunds.InsertRefund(ctx, refund); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("refund.id", refund.RefundID))

	payload := refundRequest{
		MerchantID:            c.cfg.MerchantID,
		MerchantUserID:        req.UserID,
		OriginalTransactionID: req.TransactionID,
		MerchantTransactionID: refund.RefundID,
		Amount:                ToMinorUnits(req.Amount),
		CallbackURL:           firstNonEmpty(c.cfg.RefundCallbackURL, c.cfg.CallbackURL),
	}

	_, raw, err := c.postSigned(ctx, refundPath, payload)
	switch {
	case errors.Is(err, models.ErrGatewayRejected):
		if _, ferr := c.refunds.FinalizeRefund(ctx, refund.RefundID, models.RefundStatusFailed, raw, c.now().UTC()); ferr != nil {
			c.logger.ErrorContext(ctx, "Failed to mark refund failed", "refund_id", refund.RefundID, "error", ferr)
		}
		return refund.RefundID, err
	case err != nil:
		c.logger.WarnContext(ctx, "Refund left pending, provider unreachable", "refund_id", refund.RefundID, "error", err)
		return refund.RefundID, err
	}

	c.logger.InfoContext(ctx, "Refund initiated", "refund_id", refund.RefundID, "transaction_id", req.TransactionID)
	return refund.RefundID, nil
}

// postSigned base64-encodes payload, signs it and POSTs it to path. The raw
// response body is returned alongside the envelope, also on rejection.
func (c *Client) postSigned(ctx context.Context, path string, payload any) (envelope, []byte, error) {
	js, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(js)
	body, err := json.Marshal(signedBody{Request: encoded})
	if err != nil {
		return envelope{}, nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return envelope{}, nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-VERIFY", c.signer.Sign([]byte(encoded)))

	status, respBody, err := c.do(httpReq)
	if err != nil {
		return envelope{}, nil, err
	}
	if status >= http.StatusInternalServerError {
		return envelope{}, respBody, fmt.Errorf("%w: %s returned %d", models.ErrGatewayUnavailable, path, status)
	}

	var env envelope
	if jerr := json.Unmarshal(respBody, &env); jerr != nil {
		if status >= http.StatusBadRequest {
			return envelope{}, respBody, fmt.Errorf("%w: %s returned %d", models.ErrGatewayRejected, path, status)
		}
		return envelope{}, respBody, fmt.Errorf("%w: malformed response: %v", models.ErrGatewayUnavailable, jerr)
	}
	if status >= http.StatusBadRequest || !env.Success {
		return env, respBody, fmt.Errorf("%w: %s (%s)", models.ErrGatewayRejected, env.Code, env.Message)
	}
	return env, respBody, nil
}

// do executes a request, classifying transport failures as unavailability.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to read response body: %v", models.ErrGatewayUnavailable, err)
	}
	return resp.StatusCode, body, nil
}
