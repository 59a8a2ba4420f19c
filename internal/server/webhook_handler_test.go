package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/tiffinly/tiffinly/internal/billing/domain"
	billingservice "github.com/tiffinly/tiffinly/internal/billing/service"
	"github.com/tiffinly/tiffinly/internal/clock"
	"github.com/tiffinly/tiffinly/internal/config"
	creditdomain "github.com/tiffinly/tiffinly/internal/credit/domain"
	creditservice "github.com/tiffinly/tiffinly/internal/credit/service"
	"github.com/tiffinly/tiffinly/internal/notifier"
	"github.com/tiffinly/tiffinly/internal/order"
	"github.com/tiffinly/tiffinly/internal/payment/razorpay"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	subscriptionservice "github.com/tiffinly/tiffinly/internal/subscription/service"
	"github.com/tiffinly/tiffinly/internal/vendor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsecret"

type serverFixture struct {
	engine *gin.Engine
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&billingdomain.Invoice{}, &billingdomain.InvoiceLineItem{},
		&subscriptiondomain.SubscriptionGroup{}, &subscriptiondomain.Subscription{},
		&creditdomain.Credit{}, &creditdomain.GlobalCredit{}, &creditdomain.CreditApplication{},
		&order.Order{}, &vendor.VendorSlot{}, &vendor.VendorHoliday{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	gateway := razorpay.New("key", "secret", webhookSecret)
	settings := config.NewStaticPlatformSettingsHolder(config.DefaultPlatformSettings())

	credits := creditservice.New(creditservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Settings: settings,
	})
	billing := billingservice.New(billingservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Credits: credits, Gateway: gateway,
	})
	subs := subscriptionservice.New(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Settings: settings,
		Credits: credits, Orders: order.NewRepository(db), Vendors: vendor.NewRepository(db),
		Notifier: notifier.NewLogNotifier(log),
	})

	engine := gin.New()
	srv := NewServer(Params{
		Gin: engine, Log: log, BillingSvc: billing, SubscriptionSvc: subs, Gateway: gateway,
	})
	registerRoutes(srv)

	return &serverFixture{engine: engine, db: db, node: node, clock: fc}
}

func (f *serverFixture) makePendingInvoice(t *testing.T, orderID string) *billingdomain.Invoice {
	t.Helper()
	invoice := &billingdomain.Invoice{
		ID:             f.node.Generate(),
		GroupID:        f.node.Generate(),
		ConsumerID:     f.node.Generate(),
		VendorID:       f.node.Generate(),
		PeriodStart:    f.clock.Now(),
		PeriodEnd:      f.clock.Now().AddDate(0, 0, 6),
		GrossAmount:    50000,
		NetAmount:      50000,
		Status:         billingdomain.InvoiceStatusPending,
		RefundStatus:   billingdomain.RefundStatusNone,
		PaymentOrderID: &orderID,
		CreatedAt:      f.clock.Now(),
		UpdatedAt:      f.clock.Now(),
	}
	require.NoError(t, f.db.Create(invoice).Error)
	return invoice
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func capturedEvent(orderID, paymentID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event": "payment.captured",
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id": paymentID, "order_id": orderID, "status": "captured",
				},
			},
		},
	})
	return body
}

func (f *serverFixture) postWebhook(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signature)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestWebhookSettlesCapturedPayment(t *testing.T) {
	f := newServerFixture(t)
	invoice := f.makePendingInvoice(t, "order_42")

	body := capturedEvent("order_42", "pay_42")
	w := f.postWebhook(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)

	var reloaded billingdomain.Invoice
	require.NoError(t, f.db.First(&reloaded, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, reloaded.Status)
	require.NotNil(t, reloaded.PaymentID)
	assert.Equal(t, "pay_42", *reloaded.PaymentID)

	// Redelivery is acknowledged without a second transition.
	w = f.postWebhook(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newServerFixture(t)
	invoice := f.makePendingInvoice(t, "order_42")

	body := capturedEvent("order_42", "pay_42")
	w := f.postWebhook(body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var reloaded billingdomain.Invoice
	require.NoError(t, f.db.First(&reloaded, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPending, reloaded.Status)
}

func TestWebhookIgnoresUnknownOrder(t *testing.T) {
	f := newServerFixture(t)

	body := capturedEvent("order_unknown", "pay_1")
	w := f.postWebhook(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestWebhookAcknowledgesFailureEvents(t *testing.T) {
	f := newServerFixture(t)

	body, _ := json.Marshal(map[string]any{"event": "payment.failed"})
	w := f.postWebhook(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookTokenCancelledDowngradesMandate(t *testing.T) {
	f := newServerFixture(t)

	mandateID := "token_9"
	state := subscriptiondomain.MandateStateActive
	group := &subscriptiondomain.SubscriptionGroup{
		ID:            f.node.Generate(),
		ConsumerID:    f.node.Generate(),
		VendorID:      f.node.Generate(),
		Status:        subscriptiondomain.GroupStatusActive,
		PaymentMethod: subscriptiondomain.PaymentMethodMandate,
		MandateID:     &mandateID,
		MandateStatus: &state,
		PeriodType:    "weekly",
		RenewalDate:   f.clock.Now(),
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.db.Create(group).Error)

	body, _ := json.Marshal(map[string]any{
		"event": "token.cancelled",
		"payload": map[string]any{
			"token": map[string]any{"entity": map[string]any{"id": mandateID}},
		},
	})
	w := f.postWebhook(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)

	var reloaded subscriptiondomain.SubscriptionGroup
	require.NoError(t, f.db.First(&reloaded, "id = ?", group.ID).Error)
	assert.Equal(t, subscriptiondomain.PaymentMethodManual, reloaded.PaymentMethod)
	require.NotNil(t, reloaded.MandateStatus)
	assert.Equal(t, subscriptiondomain.MandateStateFailed, *reloaded.MandateStatus)

	// Unknown tokens are acknowledged so the gateway stops retrying.
	body, _ = json.Marshal(map[string]any{
		"event": "token.cancelled",
		"payload": map[string]any{
			"token": map[string]any{"entity": map[string]any{"id": "token_unknown"}},
		},
	})
	w = f.postWebhook(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestWebhookIgnoresUnhandledEvents(t *testing.T) {
	f := newServerFixture(t)

	body, _ := json.Marshal(map[string]any{"event": "order.paid"})
	w := f.postWebhook(body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}
