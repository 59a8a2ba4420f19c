package jobs

import (
	"context"
	"errors"
	"fmt"

	billingdomain "github.com/tiffinly/tiffinly/internal/billing/domain"
	"github.com/tiffinly/tiffinly/internal/cycle"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"github.com/tiffinly/tiffinly/internal/notifier"
	paymentdomain "github.com/tiffinly/tiffinly/internal/payment/domain"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"go.uber.org/zap"
)

// RunRenewals bills every active group whose renewal date has arrived:
// build the invoice for the next cycle, collect (mandate charge or manual
// payment order), then advance the group into the new cycle.
func (j *Jobs) RunRenewals(ctx context.Context) (map[string]any, error) {
	return j.engine.Run(ctx, jobdomain.TypeRenewal, nil, func(ctx context.Context, job *jobdomain.Job) (map[string]any, error) {
		return j.runBatches(ctx, job, j.renewalBatch)
	})
}

func (j *Jobs) renewalBatch(ctx context.Context, batchNumber int) (batchOutcome, error) {
	now := j.clock.Now()

	var groups []subscriptiondomain.SubscriptionGroup
	err := j.db.WithContext(ctx).
		Where("status = ? AND renewal_date <= ?", subscriptiondomain.GroupStatusActive, now).
		Order("renewal_date asc, id asc").
		Limit(renewalBatchSize).
		Find(&groups).Error
	if err != nil {
		return batchOutcome{}, err
	}

	outcome := batchOutcome{}
	for i := range groups {
		group := &groups[i]
		if err := j.renewGroup(ctx, group); err != nil {
			outcome.failed++
			outcome.errs = append(outcome.errs, itemError(fmt.Sprintf("group %s", group.ID), err))
			j.log.Warn("group renewal failed",
				zap.Int64("group_id", int64(group.ID)),
				zap.Error(err),
			)
			continue
		}
		outcome.processed++
	}

	outcome.hasMore = len(groups) == renewalBatchSize
	return outcome, nil
}

// renewGroup runs one group's renewal. Invoice creation and the cycle
// advance are separate transactions; BuildInvoice is idempotent per period,
// so a crash between the two is safe to re-run.
func (j *Jobs) renewGroup(ctx context.Context, group *subscriptiondomain.SubscriptionGroup) error {
	next, err := cycle.From(group.PeriodType, group.RenewalDate)
	if err != nil {
		return err
	}

	built, err := j.billing.BuildInvoice(ctx, group.ID, next)
	if err != nil && !errors.Is(err, billingdomain.ErrNothingToBill) {
		return err
	}

	if built != nil && built.Invoice.Status == billingdomain.InvoiceStatusPending && built.Invoice.PaymentOrderID == nil {
		if err := j.collect(ctx, group, built.Invoice); err != nil {
			// Collection failures leave the invoice pending; the retry job
			// owns it from here. The cycle still advances.
			j.log.Warn("renewal collection failed",
				zap.Int64("invoice_id", int64(built.Invoice.ID)),
				zap.Error(err),
			)
		}
	}
	if built != nil && built.PaidByCredits {
		j.notifier.Send(ctx, notifier.Event{
			Type:       notifier.EventInvoicePaid,
			ConsumerID: group.ConsumerID,
			GroupID:    group.ID,
			Data:       map[string]any{"invoice_id": built.Invoice.ID.String(), "covered_by_credits": true},
		})
	}

	return j.subscriptions.ResetForRenewal(ctx, group.ID, next)
}

func (j *Jobs) collect(ctx context.Context, group *subscriptiondomain.SubscriptionGroup, invoice *billingdomain.Invoice) error {
	now := j.clock.Now()
	receipt := fmt.Sprintf("inv_%s", invoice.ID)

	if group.MandateUsable(now) {
		paymentID, err := j.gateway.ChargeViaMandate(ctx, *group.MandateID, invoice.NetAmount, "INR", receipt)
		switch {
		case err == nil:
			if err := j.billing.MarkPaid(ctx, invoice.ID, paymentID); err != nil {
				return err
			}
			j.notifier.Send(ctx, notifier.Event{
				Type:       notifier.EventInvoicePaid,
				ConsumerID: group.ConsumerID,
				GroupID:    group.ID,
				Data:       map[string]any{"invoice_id": invoice.ID.String()},
			})
			return nil
		case errors.Is(err, paymentdomain.ErrPaymentDeclined) || errors.Is(err, paymentdomain.ErrMandateInactive):
			if herr := j.subscriptions.HandleMandateFailure(ctx, group.ID); herr != nil {
				return herr
			}
			j.notifier.Send(ctx, notifier.Event{
				Type:       notifier.EventPaymentFailed,
				ConsumerID: group.ConsumerID,
				GroupID:    group.ID,
				Data:       map[string]any{"invoice_id": invoice.ID.String()},
			})
			// Fall through to manual collection so the consumer has an
			// order to pay the invoice against.
		default:
			return err
		}
	}

	// Manual collection: open a gateway order the consumer pays through
	// checkout; the webhook settles the invoice.
	order, err := j.gateway.CreateOrder(ctx, invoice.NetAmount, "INR", receipt)
	if err != nil {
		return err
	}
	if err := j.billing.AttachPaymentOrder(ctx, invoice.ID, order.ID); err != nil {
		return err
	}
	j.notifier.Send(ctx, notifier.Event{
		Type:       notifier.EventRenewalUpcoming,
		ConsumerID: group.ConsumerID,
		GroupID:    group.ID,
		Data: map[string]any{
			"invoice_id":       invoice.ID.String(),
			"payment_order_id": order.ID,
			"amount":           invoice.NetAmount,
		},
	})
	return nil
}
