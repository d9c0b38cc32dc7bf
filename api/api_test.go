package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/api"
	"storefront/callbacks"
	"storefront/checkout"
	"storefront/checksum"
	"storefront/gateway"
	"storefront/gateway/gatewaytest"
	"storefront/giftcards"
	"storefront/metrics"
	"storefront/models"
	"storefront/orders"
	"storefront/refunds"
	"storefront/store"
	"storefront/store/storetest"
)

const secret = "test-secret"

type fixture struct {
	store    *store.Store
	codec    *checksum.Codec
	provider *gatewaytest.Provider
	counters *metrics.LocalCounters
	server   *httptest.Server
}

func newFixture(t *testing.T, limiter *api.RateLimiter) *fixture {
	t.Helper()
	s := storetest.New(t)
	provider := gatewaytest.NewProvider(t)
	codec, err := checksum.New("salt-key", 1)
	require.NoError(t, err)

	cfg := gateway.Config{
		BaseURL:           provider.URL(),
		MerchantID:        "MERCHANTUAT",
		RedirectURL:       "https://shop.example.com/return",
		CallbackURL:       "https://shop.example.com/webhooks/payment",
		RefundCallbackURL: "https://shop.example.com/webhooks/refund",
		Timeout:           2 * time.Second,
	}
	gw, err := gateway.New(cfg, codec, s)
	require.NoError(t, err)
	counters := metrics.NewLocalCounters()
	processor := callbacks.New(s, codec, callbacks.WithCounters(counters))
	refundSvc, err := refunds.NewService(s, func(ledger gateway.RefundLedger) (refunds.Gateway, error) {
		return gateway.New(cfg, codec, ledger)
	})
	require.NoError(t, err)
	validator, err := api.NewJWTValidator(secret)
	require.NoError(t, err)

	h := &api.Handler{
		Orders:      orders.NewService(s, orders.DefaultPricing()),
		GiftCards:   giftcards.NewService(s, giftcards.DefaultConfig()),
		Checkout:    checkout.NewService(s, gw, processor),
		Refunds:     refundSvc,
		Callbacks:   processor,
		Health:      s,
		Counters:    counters,
		Auth:        validator,
		WebhookRate: limiter,
	}
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &fixture{store: s, codec: codec, provider: provider, counters: counters, server: srv}
}

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := api.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, tok string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) webhook(t *testing.T, path string, n gatewaytest.Notification, signature string) *http.Response {
	t.Helper()
	body, sig := gatewaytest.Webhook(f.codec, n)
	if signature != "" {
		sig = signature
	}
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-VERIFY", sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func orderInput() orders.CreateOrderInput {
	return orders.CreateOrderInput{
		Items: []orders.ItemInput{{ProductID: storetest.Widget.ID, Quantity: 1}},
		ShippingAddress: models.Address{
			FullName: "Asha Rao", Line1: "12 MG Road", City: "Bengaluru", PostalCode: "560001", Country: "IN",
		},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}).SignedString([]byte(secret))
	require.NoError(t, err)
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "user-1",
	}}).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"expired", expired},
		{"wrong secret", foreign},
		{"no subject", token(t, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodGet, "/orders", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
			problem := decode[api.ProblemDetail](t, resp)
			assert.Equal(t, http.StatusUnauthorized, problem.Status)
			assert.Equal(t, "/orders", problem.Instance)
			assert.NotEmpty(t, problem.RequestID)
		})
	}
}

func TestOrders_CreateGetList(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "user-1")

	resp := f.do(t, http.MethodPost, "/orders", tok, orderInput())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[models.Order](t, resp)
	assert.Equal(t, models.OrderStatusPending, created.Status)
	assert.True(t, created.TotalAmount.Equal(decimal.NewFromInt(404)), created.TotalAmount.String())

	resp = f.do(t, http.MethodGet, "/orders/"+created.ID, tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.OrderNumber, decode[models.Order](t, resp).OrderNumber)

	resp = f.do(t, http.MethodGet, "/orders/"+created.ID, token(t, "user-2"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/orders?page=1&limit=5&sortBy=createdAt&sortOrder=desc", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[orders.Page](t, resp)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 5, page.Limit)
}

func TestOrders_BadRequests(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "user-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"empty cart", http.MethodPost, "/orders", orders.CreateOrderInput{ShippingAddress: orderInput().ShippingAddress}},
		{"not json", http.MethodPost, "/orders", "not an order"},
		{"bad page", http.MethodGet, "/orders?page=two", nil},
		{"bad status", http.MethodGet, "/orders?status=LOST", nil},
		{"bad sort", http.MethodGet, "/orders?sortBy=userId", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tok, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "Bad Request", decode[api.ProblemDetail](t, resp).Title)
		})
	}
}

func TestPaymentLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "user-1")

	resp := f.do(t, http.MethodPost, "/orders", tok, orderInput())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decode[models.Order](t, resp)

	// An empty body is a valid pay request.
	resp = f.do(t, http.MethodPost, "/orders/"+order.ID+"/pay", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pay := decode[checkout.PayResult](t, resp)
	require.NotEmpty(t, pay.TransactionID)
	assert.NotEmpty(t, pay.RedirectURL)

	resp = f.do(t, http.MethodPost, "/orders/"+order.ID+"/pay", tok, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/payments/"+pay.TransactionID, tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.TransactionStatusPending, decode[models.Transaction](t, resp).Status)

	resp = f.webhook(t, "/webhooks/payment", gatewaytest.Notification{
		TransactionID: pay.TransactionID, GatewayTransactionID: "PG-1", State: "COMPLETED", Amount: order.TotalAmount,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COMPLETED", decode[callbacks.Ack](t, resp).Status)

	resp = f.do(t, http.MethodGet, "/orders/"+order.ID, tok, nil)
	paid := decode[models.Order](t, resp)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)
	assert.Equal(t, models.PaymentStatusPaid, paid.PaymentStatus)
	assert.Equal(t, storetest.InitialStock-1, storetest.Stock(t, f.store, storetest.Widget.ID))

	// Refunds need the admin role.
	refund := map[string]any{"transactionId": pay.TransactionID, "amount": order.TotalAmount, "reason": "damaged"}
	resp = f.do(t, http.MethodPost, "/refunds", tok, refund)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/refunds", token(t, "ops-1", api.RoleAdmin), refund)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[models.Refund](t, resp)
	assert.Equal(t, models.RefundStatusPending, created.Status)

	resp = f.do(t, http.MethodPost, "/refunds", token(t, "ops-1", api.RoleAdmin),
		map[string]any{"transactionId": pay.TransactionID, "amount": "1.00"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.webhook(t, "/webhooks/refund", gatewaytest.Notification{
		TransactionID: created.RefundID, GatewayTransactionID: "PGR-1", State: "COMPLETED", Amount: created.Amount,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/orders/"+order.ID, tok, nil)
	refunded := decode[models.Order](t, resp)
	assert.Equal(t, models.OrderStatusRefunded, refunded.Status)
	assert.Equal(t, models.PaymentStatusRefunded, refunded.PaymentStatus)

	resp = f.do(t, http.MethodGet, "/admin/counters", tok, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/admin/counters", token(t, "ops-1", api.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[map[string]int64](t, resp)
	assert.Equal(t, int64(1), snap[metrics.PaymentsCompleted])
	assert.Equal(t, int64(1), snap[metrics.RefundsCompleted])
}

func TestOrders_SalesLedger(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "user-1")

	resp := f.do(t, http.MethodPost, "/orders", tok, orderInput())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decode[models.Order](t, resp)

	resp = f.do(t, http.MethodGet, "/orders/"+order.ID+"/ledger", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]models.SalesLedgerEntry](t, resp)
	require.Len(t, entries, 1)
	assert.True(t, order.TotalAmount.Equal(entries[0].Credit))
	assert.Equal(t, order.ID, entries[0].OrderID)

	resp = f.do(t, http.MethodGet, "/orders/"+order.ID+"/ledger", token(t, "user-2"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPay_ProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   int
	}{
		{"rejected", http.StatusBadRequest, http.StatusBadGateway},
		{"unavailable", http.StatusServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			tok := token(t, "user-1")
			order := decode[models.Order](t, f.do(t, http.MethodPost, "/orders", tok, orderInput()))

			f.provider.FailPay(tt.status, `{"success":false,"code":"BAD_REQUEST","message":"nope"}`)
			resp := f.do(t, http.MethodPost, "/orders/"+order.ID+"/pay", tok, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestWebhook_Rejections(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.webhook(t, "/webhooks/payment", gatewaytest.Notification{
		TransactionID: "T-unknown", State: "COMPLETED", Amount: decimal.NewFromInt(10),
	}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.webhook(t, "/webhooks/payment", gatewaytest.Notification{
		TransactionID: "T-unknown", State: "COMPLETED", Amount: decimal.NewFromInt(10),
	}, "deadbeef###1")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid checksum", decode[api.ProblemDetail](t, resp).Detail)
}

func TestWebhook_RateLimited(t *testing.T) {
	f := newFixture(t, api.NewRateLimiter(1, 2))
	n := gatewaytest.Notification{TransactionID: "T-unknown", State: "COMPLETED", Amount: decimal.NewFromInt(10)}

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, f.webhook(t, "/webhooks/payment", n, "").StatusCode)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
}

func TestGiftCards(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "user-1")

	resp := f.do(t, http.MethodPost, "/gift-cards", tok, giftcards.PurchaseInput{
		Amount: decimal.NewFromInt(500), RecipientEmail: "friend@example.com", RecipientName: "Friend",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	card := decode[models.GiftCard](t, resp)

	// Balance checks are public.
	resp = f.do(t, http.MethodGet, "/gift-cards?code="+card.Code, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := decode[map[string]any](t, resp)
	assert.Equal(t, card.Code, balance["code"])
	assert.NotContains(t, balance, "purchasedBy")

	resp = f.do(t, http.MethodGet, "/gift-cards", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	order := decode[models.Order](t, f.do(t, http.MethodPost, "/orders", tok, orderInput()))
	resp = f.do(t, http.MethodPatch, "/gift-cards", tok, map[string]string{"code": card.Code, "orderId": order.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	redemption := decode[giftcards.Redemption](t, resp)
	assert.True(t, redemption.RedeemedAmount.Equal(decimal.NewFromInt(404)))
	assert.True(t, redemption.GiftCard.Balance.Equal(decimal.NewFromInt(96)))

	resp = f.do(t, http.MethodPatch, "/gift-cards", tok, map[string]string{"code": card.Code})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func TestHealth_Unavailable(t *testing.T) {
	h := &api.Handler{Health: failingPinger{}}
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
