package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tiffinly/tiffinly/internal/cycle"
)

var (
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvoiceNotPending   = errors.New("invoice_not_pending")
	ErrInvoiceNotPaid      = errors.New("invoice_not_paid")
	ErrNothingToBill       = errors.New("nothing_to_bill")
	ErrRefundNotFailed     = errors.New("refund_not_failed")
	ErrRefundAlreadyOpen   = errors.New("refund_already_open")
)

// BuildInvoiceResult is what the renewal job gets back for one group.
type BuildInvoiceResult struct {
	Invoice *Invoice
	// Created is false when an invoice for the period already existed and was
	// returned as-is.
	Created bool
	// PaidByCredits is true when credits covered the full amount and no
	// payment collection is needed.
	PaidByCredits bool
}

// Service builds and settles invoices.
type Service interface {
	// BuildInvoice prices the group's next cycle, applies credits FIFO, and
	// persists the invoice with line items. Idempotent per (group, period):
	// an existing invoice is returned untouched.
	BuildInvoice(ctx context.Context, groupID snowflake.ID, period cycle.Cycle) (*BuildInvoiceResult, error)

	GetInvoice(ctx context.Context, id snowflake.ID) (*Invoice, error)
	GetByPaymentOrderID(ctx context.Context, orderID string) (*Invoice, error)

	// AttachPaymentOrder links a gateway order to a pending invoice so the
	// webhook can find it.
	AttachPaymentOrder(ctx context.Context, invoiceID snowflake.ID, orderID string) error

	// MarkPaidByOrderID settles the invoice the webhook points at. Already
	// paid invoices are a no-op.
	MarkPaidByOrderID(ctx context.Context, orderID, paymentID string) (*Invoice, error)
	MarkPaid(ctx context.Context, invoiceID snowflake.ID, paymentID string) error
	MarkFailed(ctx context.Context, invoiceID snowflake.ID) error

	// RecordRetryAttempt bumps the retry counter and timestamp after a
	// collection attempt, regardless of its outcome.
	RecordRetryAttempt(ctx context.Context, invoiceID snowflake.ID, at time.Time) error

	CreateRefund(ctx context.Context, invoiceID snowflake.ID, amount int64) error
	RetryRefund(ctx context.Context, invoiceID snowflake.ID) error
	// ConvertFailedRefundToCredit gives up on a gateway refund and mints a
	// global credit for the amount instead.
	ConvertFailedRefundToCredit(ctx context.Context, invoiceID snowflake.ID) error
}
