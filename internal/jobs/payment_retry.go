package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	billingdomain "github.com/tiffinly/tiffinly/internal/billing/domain"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"github.com/tiffinly/tiffinly/internal/notifier"
	paymentdomain "github.com/tiffinly/tiffinly/internal/payment/domain"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"go.uber.org/zap"
)

// Retry windows measured in hours since the invoice was created. One attempt
// per window: [6,24), [24,48), [48,72). Past the deadline the invoice fails
// and the group pauses.
const (
	retryWindow1Start = 6
	retryWindow2Start = 24
	retryWindow3Start = 48

	// retrySpacing keeps repeated triggers inside one window from hammering
	// the gateway.
	retrySpacing = time.Hour
)

// RunPaymentRetries walks unpaid invoices through the retry windows. Unlike
// the other jobs, processing does not always remove a row from the fetch
// predicate (an invoice waiting for its next window stays pending), so the
// run paginates by keyset instead of re-reading page zero.
func (j *Jobs) RunPaymentRetries(ctx context.Context) (map[string]any, error) {
	return j.engine.Run(ctx, jobdomain.TypePaymentRetry, nil, func(ctx context.Context, job *jobdomain.Job) (map[string]any, error) {
		var cursor int64
		return j.runBatches(ctx, job, func(ctx context.Context, batchNumber int) (batchOutcome, error) {
			return j.paymentRetryBatch(ctx, &cursor)
		})
	})
}

func (j *Jobs) paymentRetryBatch(ctx context.Context, cursor *int64) (batchOutcome, error) {
	now := j.clock.Now()
	eligibleBefore := now.Add(-time.Duration(retryWindow1Start) * time.Hour)
	spacingBefore := now.Add(-retrySpacing)

	var invoices []billingdomain.Invoice
	err := j.db.WithContext(ctx).
		Where("status = ? AND net_amount > 0 AND created_at <= ? AND (last_retry_at IS NULL OR last_retry_at <= ?) AND id > ?",
			billingdomain.InvoiceStatusPending, eligibleBefore, spacingBefore, *cursor).
		Order("id asc").
		Limit(paymentRetryBatchSize).
		Find(&invoices).Error
	if err != nil {
		return batchOutcome{}, err
	}
	if len(invoices) > 0 {
		*cursor = int64(invoices[len(invoices)-1].ID)
	}

	outcome := batchOutcome{}
	for i := range invoices {
		invoice := &invoices[i]
		if err := j.retryInvoice(ctx, invoice); err != nil {
			outcome.failed++
			outcome.errs = append(outcome.errs, itemError(fmt.Sprintf("invoice %s", invoice.ID), err))
			j.log.Warn("payment retry failed",
				zap.Int64("invoice_id", int64(invoice.ID)),
				zap.Error(err),
			)
			continue
		}
		outcome.processed++
	}

	outcome.hasMore = len(invoices) == paymentRetryBatchSize
	return outcome, nil
}

// windowIndex maps invoice age to the retry window number, 0 when not yet
// eligible and -1 past the deadline.
func windowIndex(age time.Duration, deadlineHours int) int {
	hours := age.Hours()
	switch {
	case hours >= float64(deadlineHours):
		return -1
	case hours >= retryWindow3Start:
		return 3
	case hours >= retryWindow2Start:
		return 2
	case hours >= retryWindow1Start:
		return 1
	default:
		return 0
	}
}

func (j *Jobs) retryInvoice(ctx context.Context, invoice *billingdomain.Invoice) error {
	now := j.clock.Now()
	deadline := j.settings.Get().PaymentRetryDeadline
	window := windowIndex(now.Sub(invoice.CreatedAt), deadline)

	if window == -1 {
		return j.giveUpOnInvoice(ctx, invoice)
	}
	if window == 0 || invoice.RetryCount >= window {
		// Already attempted in this window; wait for the next one.
		return nil
	}

	group, err := j.subscriptions.GetGroup(ctx, invoice.GroupID)
	if err != nil {
		return err
	}

	if err := j.billing.RecordRetryAttempt(ctx, invoice.ID, now); err != nil {
		return err
	}

	if group.MandateUsable(now) {
		receipt := fmt.Sprintf("inv_%s_r%d", invoice.ID, window)
		paymentID, err := j.gateway.ChargeViaMandate(ctx, *group.MandateID, invoice.NetAmount, "INR", receipt)
		if err != nil {
			if errors.Is(err, paymentdomain.ErrPaymentDeclined) || errors.Is(err, paymentdomain.ErrMandateInactive) {
				j.notifier.Send(ctx, notifier.Event{
					Type:       notifier.EventPaymentRetry,
					ConsumerID: invoice.ConsumerID,
					GroupID:    invoice.GroupID,
					Data:       map[string]any{"invoice_id": invoice.ID.String(), "window": window},
				})
				// Declined, attempt consumed; the next window takes over.
				return nil
			}
			return err
		}
		if err := j.billing.MarkPaid(ctx, invoice.ID, paymentID); err != nil {
			return err
		}
		j.notifier.Send(ctx, notifier.Event{
			Type:       notifier.EventInvoicePaid,
			ConsumerID: invoice.ConsumerID,
			GroupID:    invoice.GroupID,
			Data:       map[string]any{"invoice_id": invoice.ID.String(), "window": window},
		})
		return nil
	}

	// Manual collection: make sure a payment order exists for the consumer
	// to pay against, then nudge them. The order can be missing when the
	// mandate was downgraded or a previous run died before attaching one.
	if invoice.PaymentOrderID == nil {
		receipt := fmt.Sprintf("inv_%s_r%d", invoice.ID, window)
		order, err := j.gateway.CreateOrder(ctx, invoice.NetAmount, "INR", receipt)
		if err != nil {
			return err
		}
		if err := j.billing.AttachPaymentOrder(ctx, invoice.ID, order.ID); err != nil {
			return err
		}
		invoice.PaymentOrderID = &order.ID
	}
	j.notifier.Send(ctx, notifier.Event{
		Type:       notifier.EventPaymentRetry,
		ConsumerID: invoice.ConsumerID,
		GroupID:    invoice.GroupID,
		Data: map[string]any{
			"invoice_id":       invoice.ID.String(),
			"window":           window,
			"payment_order_id": *invoice.PaymentOrderID,
		},
	})
	return nil
}

// giveUpOnInvoice fails the invoice and pauses the group once the retry
// deadline has passed without payment.
func (j *Jobs) giveUpOnInvoice(ctx context.Context, invoice *billingdomain.Invoice) error {
	if err := j.billing.MarkFailed(ctx, invoice.ID); err != nil {
		if errors.Is(err, billingdomain.ErrInvoiceNotPending) {
			return nil
		}
		return err
	}

	err := j.subscriptions.PauseGroup(ctx, invoice.GroupID, "payment_overdue")
	if err != nil && !errors.Is(err, subscriptiondomain.ErrGroupNotActive) {
		return err
	}

	j.notifier.Send(ctx, notifier.Event{
		Type:       notifier.EventGroupPaused,
		ConsumerID: invoice.ConsumerID,
		GroupID:    invoice.GroupID,
		Data:       map[string]any{"invoice_id": invoice.ID.String(), "reason": "payment_overdue"},
	})
	return nil
}
