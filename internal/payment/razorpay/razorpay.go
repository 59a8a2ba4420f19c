// Package razorpay implements the payment gateway against the Razorpay REST
// API with basic-auth key/secret and HMAC-SHA256 signature checks.
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/tiffinly/tiffinly/internal/payment/domain"
)

const defaultBaseURL = "https://api.razorpay.com/v1"

type Gateway struct {
	keyID         string
	keySecret     string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
}

type Option func(*Gateway)

func WithBaseURL(url string) Option {
	return func(g *Gateway) { g.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) { g.httpClient = client }
}

func New(keyID, keySecret, webhookSecret string, opts ...Option) *Gateway {
	g := &Gateway{
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		baseURL:       defaultBaseURL,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type orderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

func (g *Gateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*paymentdomain.PaymentOrder, error) {
	body := map[string]any{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
	}
	var resp orderResponse
	if err := g.post(ctx, "/orders", body, &resp); err != nil {
		return nil, err
	}
	return &paymentdomain.PaymentOrder{
		ID:       resp.ID,
		Amount:   resp.Amount,
		Currency: resp.Currency,
		Receipt:  resp.Receipt,
		Status:   resp.Status,
	}, nil
}

func (g *Gateway) VerifySignature(orderID, paymentID, signature string) bool {
	payload := orderID + "|" + paymentID
	return g.verify([]byte(payload), signature, g.keySecret)
}

func (g *Gateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return g.verify(body, signature, g.webhookSecret)
}

func (g *Gateway) verify(payload []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

type paymentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (g *Gateway) ChargeViaMandate(ctx context.Context, mandateID string, amount int64, currency, receipt string) (string, error) {
	body := map[string]any{
		"token":    mandateID,
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
	}
	var resp paymentResponse
	if err := g.post(ctx, "/payments/create/recurring", body, &resp); err != nil {
		return "", err
	}
	if resp.Status == "failed" {
		return "", paymentdomain.ErrPaymentDeclined
	}
	return resp.ID, nil
}

type tokenResponse struct {
	ID            string `json:"id"`
	RecurringStat string `json:"recurring_status"`
}

func (g *Gateway) GetMandateStatus(ctx context.Context, mandateID string) (*paymentdomain.MandateStatus, error) {
	var resp tokenResponse
	if err := g.get(ctx, "/tokens/"+mandateID, &resp); err != nil {
		return nil, err
	}
	return &paymentdomain.MandateStatus{
		ID:     resp.ID,
		Active: resp.RecurringStat == "confirmed",
	}, nil
}

type refundResponse struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

func (g *Gateway) CreateRefund(ctx context.Context, paymentID string, amount int64) (*paymentdomain.Refund, error) {
	body := map[string]any{"amount": amount}
	var resp refundResponse
	if err := g.post(ctx, "/payments/"+paymentID+"/refund", body, &resp); err != nil {
		return nil, err
	}
	return &paymentdomain.Refund{ID: resp.ID, Amount: resp.Amount, Status: resp.Status}, nil
}

func (g *Gateway) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, out)
}

func (g *Gateway) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}
	return g.do(req, out)
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (g *Gateway) do(req *http.Request, out any) error {
	req.SetBasicAuth(g.keyID, g.keySecret)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Code != "" {
			if apiErr.Error.Code == "BAD_REQUEST_ERROR" && strings.Contains(strings.ToLower(apiErr.Error.Description), "declin") {
				return paymentdomain.ErrPaymentDeclined
			}
			return fmt.Errorf("razorpay %s: %s", apiErr.Error.Code, apiErr.Error.Description)
		}
		return fmt.Errorf("razorpay status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
