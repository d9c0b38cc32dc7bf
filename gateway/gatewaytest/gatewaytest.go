// Package gatewaytest provides a fake payment provider and signed webhook
// builders for tests.
package gatewaytest

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

// Signer signs payloads.
type Signer interface {
	Sign(payload []byte) string
}

// Notification is the content of a provider callback or status answer.
type Notification struct {
	TransactionID        string
	GatewayTransactionID string
	State                string
	Code                 string
	Amount               decimal.Decimal
}

func (n Notification) document() map[string]any {
	code := n.Code
	if code == "" {
		switch n.State {
		case "COMPLETED":
			code = "PAYMENT_SUCCESS"
		case "FAILED":
			code = "PAYMENT_ERROR"
		default:
			code = "PAYMENT_PENDING"
		}
	}
	return map[string]any{
		"success": n.State == "COMPLETED",
		"code":    code,
		"message": strings.ToLower(code),
		"data": map[string]any{
			"merchantId":            "MERCHANTUAT",
			"merchantTransactionId": n.TransactionID,
			"transactionId":         n.GatewayTransactionID,
			"amount":                n.Amount.Shift(2).IntPart(),
			"state":                 n.State,
		},
	}
}

// Webhook returns a signed callback body and its X-VERIFY header.
func Webhook(s Signer, n Notification) ([]byte, string) {
	raw, _ := json.Marshal(n.document())
	encoded := base64.StdEncoding.EncodeToString(raw)
	body, _ := json.Marshal(map[string]string{"response": encoded})
	return body, s.Sign([]byte(encoded))
}

// Provider is an in-process fake of the provider's pay, status and refund
// endpoints. Unknown transactions report PENDING.
type Provider struct {
	Server *httptest.Server

	mu           sync.Mutex
	statuses     map[string]Notification
	payStatus    int
	payBody      string
	refundStatus int
	refundBody   string
	paid         []string
	refunded     []string
}

// NewProvider starts a fake provider that accepts every request.
func NewProvider(t *testing.T) *Provider {
	t.Helper()
	p := &Provider{statuses: make(map[string]Notification)}
	mux := http.NewServeMux()
	mux.HandleFunc("/pg/v1/pay", p.pay)
	mux.HandleFunc("/pg/v1/refund", p.refund)
	mux.HandleFunc("/pg/v1/status/", p.status)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the provider base URL.
func (p *Provider) URL() string {
	return p.Server.URL
}

// SetStatus fixes the answer of the status endpoint for a transaction.
func (p *Provider) SetStatus(n Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[n.TransactionID] = n
}

// FailPay makes the pay endpoint answer with status and body.
func (p *Provider) FailPay(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payStatus, p.payBody = status, body
}

// FailRefund makes the refund endpoint answer with status and body.
func (p *Provider) FailRefund(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundStatus, p.refundBody = status, body
}

// Paid returns the merchant transaction ids of accepted pay requests.
func (p *Provider) Paid() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paid...)
}

// Refunded returns the merchant refund ids of accepted refund requests.
func (p *Provider) Refunded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.refunded...)
}

func (p *Provider) pay(w http.ResponseWriter, r *http.Request) {
	payload := decodeRequest(r)
	p.mu.Lock()
	status, body := p.payStatus, p.payBody
	if status == 0 {
		p.paid = append(p.paid, payload["merchantTransactionId"])
	}
	p.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"code":    "PAYMENT_INITIATED",
		"data": map[string]any{
			"merchantTransactionId": payload["merchantTransactionId"],
			"instrumentResponse": map[string]any{
				"type":         "PAY_PAGE",
				"redirectInfo": map[string]any{"url": "https://pay.example.com/" + payload["merchantTransactionId"], "method": "GET"},
			},
		},
	})
}

func (p *Provider) refund(w http.ResponseWriter, r *http.Request) {
	payload := decodeRequest(r)
	p.mu.Lock()
	status, body := p.refundStatus, p.refundBody
	if status == 0 {
		p.refunded = append(p.refunded, payload["merchantTransactionId"])
	}
	p.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"code":    "PAYMENT_PENDING",
		"data":    map[string]any{"merchantTransactionId": payload["merchantTransactionId"], "state": "PENDING"},
	})
}

func (p *Provider) status(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/pg/v1/status/"), "/")
	id := parts[len(parts)-1]

	p.mu.Lock()
	n, ok := p.statuses[id]
	p.mu.Unlock()
	if !ok {
		n = Notification{TransactionID: id, State: "PENDING"}
	}
	writeJSON(w, n.document())
}

// decodeRequest returns the string fields of a signed request body.
func decodeRequest(r *http.Request) map[string]string {
	var wrapper struct {
		Request string `json:"request"`
	}
	out := map[string]string{}
	if err := json.NewDecoder(r.Body).Decode(&wrapper); err != nil {
		return out
	}
	raw, err := base64.StdEncoding.DecodeString(wrapper.Request)
	if err != nil {
		return out
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
