// Package api is the HTTP surface of the storefront core: orders, gift cards,
// checkout, refunds and the provider webhooks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"storefront/callbacks"
	"storefront/checkout"
	"storefront/gateway"
	"storefront/giftcards"
	"storefront/models"
	"storefront/orders"
)

const maxBodyBytes = 1 << 20

// Orders is the order ledger.
type Orders interface {
	CreateOrder(ctx context.Context, userID string, in orders.CreateOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, userID string, lq orders.ListQuery) (*orders.Page, error)
	SalesLedger(ctx context.Context, userID, orderID string) ([]models.SalesLedgerEntry, error)
}

// GiftCards is the gift card ledger.
type GiftCards interface {
	Purchase(ctx context.Context, userID string, in giftcards.PurchaseInput) (*models.GiftCard, error)
	CheckBalance(ctx context.Context, code string) (*models.GiftCard, error)
	Redeem(ctx context.Context, userID, code, orderID string) (*giftcards.Redemption, error)
}

// Checkout opens payments and answers polls.
type Checkout interface {
	Pay(ctx context.Context, userID, orderID string, buyer gateway.BuyerContact) (*checkout.PayResult, error)
	Poll(ctx context.Context, userID, transactionID string) (*models.Transaction, error)
}

// Refunds is the refund orchestrator.
type Refunds interface {
	RequestRefund(ctx context.Context, transactionID string, amount decimal.Decimal, reason string) (*models.Refund, error)
}

// Callbacks processes provider webhooks.
type Callbacks interface {
	HandlePayment(ctx context.Context, body []byte, signature string) (callbacks.Ack, error)
	HandleRefund(ctx context.Context, body []byte, signature string) (callbacks.Ack, error)
}

// Counters exposes operational counters.
type Counters interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the API.
type Handler struct {
	Orders    Orders
	GiftCards GiftCards
	Checkout  Checkout
	Refunds   Refunds
	Callbacks Callbacks
	Health    Pinger
	Counters  Counters

	Auth        *JWTValidator
	WebhookRate *RateLimiter
}

// Router builds the chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/gift-cards", h.checkBalance)

	r.Route("/webhooks", func(r chi.Router) {
		if h.WebhookRate != nil {
			r.Use(h.WebhookRate.Middleware)
		}
		r.Post("/payment", h.paymentWebhook)
		r.Post("/refund", h.refundWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(h.Auth))

		r.Post("/orders", h.createOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{orderID}", h.getOrder)
		r.Get("/orders/{orderID}/ledger", h.salesLedger)
		r.Post("/orders/{orderID}/pay", h.pay)
		r.Get("/payments/{transactionID}", h.poll)

		r.Post("/gift-cards", h.purchaseGiftCard)
		r.Patch("/gift-cards", h.redeemGiftCard)

		r.With(RequireRole(RoleAdmin)).Post("/refunds", h.requestRefund)
		r.With(RequireRole(RoleAdmin)).Get("/admin/counters", h.counters)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.Health != nil {
		if err := h.Health.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var in orders.CreateOrderInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.Orders.CreateOrder(r.Context(), userID(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := orders.ListQuery{
		Status:    q.Get("status"),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	}
	var err error
	if lq.Page, err = queryInt(q.Get("page")); err != nil {
		writeError(w, r, models.Validationf("page must be a number"))
		return
	}
	if lq.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeError(w, r, models.Validationf("limit must be a number"))
		return
	}

	page, err := h.Orders.ListOrders(r.Context(), userID(r.Context()), lq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), userID(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) salesLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Orders.SalesLedger(r.Context(), userID(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) counters(w http.ResponseWriter, r *http.Request) {
	if h.Counters == nil {
		writeJSON(w, http.StatusOK, map[string]int64{})
		return
	}
	snap, err := h.Counters.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type payRequest struct {
	BuyerContact gateway.BuyerContact `json:"buyerContact"`
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	uid := userID(r.Context())
	req.BuyerContact.UserID = uid

	res, err := h.Checkout.Pay(r.Context(), uid, chi.URLParam(r, "orderID"), req.BuyerContact)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	txn, err := h.Checkout.Poll(r.Context(), userID(r.Context()), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) purchaseGiftCard(w http.ResponseWriter, r *http.Request) {
	var in giftcards.PurchaseInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	card, err := h.GiftCards.Purchase(r.Context(), userID(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// balanceView is the public answer of a balance check.
type balanceView struct {
	Code      string                `json:"code"`
	Balance   decimal.Decimal       `json:"balance"`
	Status    models.GiftCardStatus `json:"status"`
	ExpiresAt time.Time             `json:"expiresAt"`
}

func (h *Handler) checkBalance(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, r, models.Validationf("code is required"))
		return
	}
	card, err := h.GiftCards.CheckBalance(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Code: card.Code, Balance: card.Balance, Status: card.Status, ExpiresAt: card.ExpiresAt})
}

type redeemRequest struct {
	Code    string `json:"code"`
	OrderID string `json:"orderId"`
}

func (h *Handler) redeemGiftCard(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Code == "" || req.OrderID == "" {
		writeError(w, r, models.Validationf("code and orderId are required"))
		return
	}
	res, err := h.GiftCards.Redeem(r.Context(), userID(r.Context()), req.Code, req.OrderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type refundRequest struct {
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
}

func (h *Handler) requestRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	refund, err := h.Refunds.RequestRefund(r.Context(), req.TransactionID, req.Amount, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, h.Callbacks.HandlePayment)
}

func (h *Handler) refundWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, h.Callbacks.HandleRefund)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request, handle func(context.Context, []byte, string) (callbacks.Ack, error)) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, models.Validationf("unreadable body"))
		return
	}
	ack, err := handle(r.Context(), body, r.Header.Get("X-VERIFY"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return models.Validationf("invalid request body: %v", err)
	}
	return nil
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return models.Validationf("invalid request body: %v", err)
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
