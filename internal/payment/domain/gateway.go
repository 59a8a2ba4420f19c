// Package domain defines the payment gateway contract renewals and retries
// collect through.
package domain

import (
	"context"
	"errors"
)

var (
	ErrPaymentDeclined  = errors.New("payment_declined")
	ErrMandateInactive  = errors.New("mandate_inactive")
	ErrInvalidSignature = errors.New("invalid_signature")
)

// PaymentOrder is a gateway-side collectible created for a manual invoice.
type PaymentOrder struct {
	ID       string
	Amount   int64
	Currency string
	Receipt  string
	Status   string
}

// MandateStatus is the gateway's view of a recurring authorization.
type MandateStatus struct {
	ID     string
	Active bool
}

// Refund is a gateway refund against a captured payment.
type Refund struct {
	ID     string
	Amount int64
	Status string
}

// Gateway abstracts the payment provider.
type Gateway interface {
	// CreateOrder opens a collectible order the consumer pays manually.
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*PaymentOrder, error)

	// VerifySignature checks a checkout callback signature
	// (orderID|paymentID HMAC).
	VerifySignature(orderID, paymentID, signature string) bool

	// VerifyWebhookSignature checks the raw webhook body signature.
	VerifyWebhookSignature(body []byte, signature string) bool

	// ChargeViaMandate debits a recurring mandate and returns the payment ID.
	ChargeViaMandate(ctx context.Context, mandateID string, amount int64, currency, receipt string) (string, error)

	GetMandateStatus(ctx context.Context, mandateID string) (*MandateStatus, error)

	CreateRefund(ctx context.Context, paymentID string, amount int64) (*Refund, error)
}
