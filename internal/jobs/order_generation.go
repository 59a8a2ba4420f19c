package jobs

import (
	"context"
	"fmt"
	"time"

	billingdomain "github.com/tiffinly/tiffinly/internal/billing/domain"
	creditdomain "github.com/tiffinly/tiffinly/internal/credit/domain"
	"github.com/tiffinly/tiffinly/internal/cycle"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"github.com/tiffinly/tiffinly/internal/order"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"github.com/tiffinly/tiffinly/internal/vendor"
	"go.uber.org/zap"
)

// RunOrderGeneration materializes meal orders for paid invoices. A vendor
// holiday or a full delivery slot books the meal as skipped_vendor and
// grants the consumer a credit instead.
func (j *Jobs) RunOrderGeneration(ctx context.Context) (map[string]any, error) {
	return j.engine.Run(ctx, jobdomain.TypeOrderGeneration, nil, func(ctx context.Context, job *jobdomain.Job) (map[string]any, error) {
		return j.runBatches(ctx, job, j.orderGenerationBatch)
	})
}

func (j *Jobs) orderGenerationBatch(ctx context.Context, batchNumber int) (batchOutcome, error) {
	var invoices []billingdomain.Invoice
	err := j.db.WithContext(ctx).
		Where("status = ? AND orders_generated_at IS NULL", billingdomain.InvoiceStatusPaid).
		Order("period_start asc, id asc").
		Limit(orderGenerationBatchSize).
		Find(&invoices).Error
	if err != nil {
		return batchOutcome{}, err
	}

	outcome := batchOutcome{}
	for i := range invoices {
		invoice := &invoices[i]
		if err := j.generateOrdersForInvoice(ctx, invoice); err != nil {
			outcome.failed++
			outcome.errs = append(outcome.errs, itemError(fmt.Sprintf("invoice %s", invoice.ID), err))
			j.log.Warn("order generation failed",
				zap.Int64("invoice_id", int64(invoice.ID)),
				zap.Error(err),
			)
			continue
		}
		outcome.processed++
	}

	outcome.hasMore = len(invoices) == orderGenerationBatchSize
	return outcome, nil
}

func (j *Jobs) generateOrdersForInvoice(ctx context.Context, invoice *billingdomain.Invoice) error {
	period := cycle.Cycle{Start: invoice.PeriodStart, End: invoice.PeriodEnd}

	var items []billingdomain.InvoiceLineItem
	err := j.db.WithContext(ctx).
		Where("invoice_id = ?", invoice.ID).
		Order("id asc").
		Find(&items).Error
	if err != nil {
		return err
	}

	now := j.clock.Now()
	for _, item := range items {
		var sub subscriptiondomain.Subscription
		if err := j.db.WithContext(ctx).First(&sub, "id = ?", item.SubscriptionID).Error; err != nil {
			return err
		}
		if sub.Status != subscriptiondomain.SubscriptionStatusActive {
			continue
		}

		// Re-running after a partial failure must not duplicate orders.
		exists, err := j.orders.ExistsForCycle(ctx, sub.ID, period.Start, period.End)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		if err := j.generateOrdersForSubscription(ctx, &sub, period, now); err != nil {
			return err
		}
	}

	return j.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
		Where("id = ? AND orders_generated_at IS NULL", invoice.ID).
		Updates(map[string]any{
			"orders_generated_at": now,
			"updated_at":          now,
		}).Error
}

func (j *Jobs) generateOrdersForSubscription(ctx context.Context, sub *subscriptiondomain.Subscription, period cycle.Cycle, now time.Time) error {
	slot, err := j.vendors.FindSlot(ctx, sub.VendorID, sub.Slot)
	if err != nil {
		if err == vendor.ErrSlotNotFound {
			return subscriptiondomain.ErrVendorSlotNotFound
		}
		return err
	}

	from := period.Start
	if s := cycle.DateOf(sub.StartDate); s.After(from) {
		from = s
	}
	dates := cycle.DatesOnWeekdays(from, period.End, []int(sub.ScheduleDays))

	var batch []order.Order
	var holidayMeals, capacityMeals int
	for _, date := range dates {
		status := order.StatusScheduled

		holiday, err := j.vendors.IsHoliday(ctx, sub.VendorID, date)
		if err != nil {
			return err
		}
		if holiday {
			status = order.StatusSkippedVendor
			holidayMeals++
		} else if slot.DailyCapacity > 0 {
			booked, err := j.orders.CountForVendorDate(ctx, sub.VendorID, date, sub.Slot)
			if err != nil {
				return err
			}
			if booked >= int64(slot.DailyCapacity) {
				status = order.StatusSkippedVendor
				capacityMeals++
			}
		}

		batch = append(batch, order.Order{
			ID:             j.genID.Generate(),
			SubscriptionID: sub.ID,
			GroupID:        sub.GroupID,
			ConsumerID:     sub.ConsumerID,
			VendorID:       sub.VendorID,
			Date:           date,
			Slot:           sub.Slot,
			Status:         status,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := j.orders.InsertBatch(ctx, batch); err != nil {
		return err
	}

	// Meals the vendor cannot serve come back to the consumer as credits,
	// tagged with why the vendor dropped them.
	if holidayMeals > 0 {
		if err := j.grantSkippedMeals(ctx, sub, holidayMeals, creditdomain.ReasonVendorHoliday); err != nil {
			return err
		}
	}
	if capacityMeals > 0 {
		if err := j.grantSkippedMeals(ctx, sub, capacityMeals, creditdomain.ReasonOpsFailure); err != nil {
			return err
		}
	}
	return nil
}

func (j *Jobs) grantSkippedMeals(ctx context.Context, sub *subscriptiondomain.Subscription, qty int, reason creditdomain.Reason) error {
	_, err := j.credits.Grant(ctx, creditdomain.GrantRequest{
		GroupID:        sub.GroupID,
		SubscriptionID: sub.ID,
		ConsumerID:     sub.ConsumerID,
		Slot:           sub.Slot,
		Quantity:       qty,
		PricePerMeal:   sub.PricePerMeal,
		Reason:         reason,
	})
	return err
}
