package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tiffinly/tiffinly/internal/billing/domain"
	"github.com/tiffinly/tiffinly/internal/clock"
	creditdomain "github.com/tiffinly/tiffinly/internal/credit/domain"
	"github.com/tiffinly/tiffinly/internal/cycle"
	paymentdomain "github.com/tiffinly/tiffinly/internal/payment/domain"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Credits creditdomain.Service
	Gateway paymentdomain.Gateway
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	credits creditdomain.Service
	gateway paymentdomain.Gateway
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("billing.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		credits: p.Credits,
		gateway: p.Gateway,
	}
}

func (s *Service) BuildInvoice(ctx context.Context, groupID snowflake.ID, period cycle.Cycle) (*domain.BuildInvoiceResult, error) {
	var existing domain.Invoice
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND period_start = ?", groupID, period.Start).
		First(&existing).Error
	if err == nil {
		return &domain.BuildInvoiceResult{
			Invoice:       &existing,
			Created:       false,
			PaidByCredits: existing.Status == domain.InvoiceStatusPaid && existing.NetAmount == 0,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var group subscriptiondomain.SubscriptionGroup
	if err := s.db.WithContext(ctx).First(&group, "id = ?", groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscriptiondomain.ErrGroupNotFound
		}
		return nil, err
	}

	var subs []subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).
		Where("group_id = ? AND status = ?", groupID, subscriptiondomain.SubscriptionStatusActive).
		Order("id asc").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var lineItems []domain.InvoiceLineItem
	var gross int64
	for _, sub := range subs {
		meals := cycle.MealsInCycle(period, sub.StartDate, []int(sub.ScheduleDays))
		if meals <= 0 {
			continue
		}
		amount := int64(meals) * sub.PricePerMeal
		lineItems = append(lineItems, domain.InvoiceLineItem{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			Slot:           sub.Slot,
			MealCount:      meals,
			BillableMeals:  meals,
			PricePerMeal:   sub.PricePerMeal,
			Amount:         amount,
			CreatedAt:      now,
		})
		gross += amount
	}
	if gross <= 0 {
		return nil, domain.ErrNothingToBill
	}

	invoice := domain.Invoice{
		ID:           s.genID.Generate(),
		GroupID:      groupID,
		ConsumerID:   group.ConsumerID,
		VendorID:     group.VendorID,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		GrossAmount:  gross,
		NetAmount:    gross,
		Status:       domain.InvoiceStatusPending,
		RefundStatus: domain.RefundStatusNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	paidByCredits := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}
		for i := range lineItems {
			lineItems[i].InvoiceID = invoice.ID
		}
		if err := tx.Create(&lineItems).Error; err != nil {
			return err
		}

		charges := make([]creditdomain.LineCharge, 0, len(lineItems))
		for i := range lineItems {
			charges = append(charges, creditdomain.LineCharge{
				LineItemID:     lineItems[i].ID,
				SubscriptionID: lineItems[i].SubscriptionID,
				Slot:           lineItems[i].Slot,
				MealCount:      lineItems[i].MealCount,
				PricePerMeal:   lineItems[i].PricePerMeal,
			})
		}
		applied, err := s.credits.ApplyCreditsToInvoice(ctx, tx, invoice.ID, group.ConsumerID, charges)
		if err != nil {
			return err
		}
		for _, la := range applied.Lines {
			if err := tx.Model(&domain.InvoiceLineItem{}).
				Where("id = ?", la.LineItemID).
				Updates(map[string]any{
					"credits_applied": la.CreditsApplied,
					"billable_meals":  gorm.Expr("meal_count - ?", la.CreditsApplied),
					"amount":          gorm.Expr("(meal_count - ?) * price_per_meal", la.CreditsApplied),
				}).Error; err != nil {
				return err
			}
		}
		invoice.CreditAmount = applied.AmountCovered
		invoice.NetAmount = gross - applied.AmountCovered
		if invoice.NetAmount <= 0 {
			invoice.NetAmount = 0
			invoice.Status = domain.InvoiceStatusPaid
			invoice.PaidAt = &now
			paidByCredits = true
		}
		return tx.Model(&domain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{
				"credit_amount": invoice.CreditAmount,
				"net_amount":    invoice.NetAmount,
				"status":        invoice.Status,
				"paid_at":       invoice.PaidAt,
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		// A concurrent run may have won the unique (group, period) insert.
		var raced domain.Invoice
		if ferr := s.db.WithContext(ctx).
			Where("group_id = ? AND period_start = ?", groupID, period.Start).
			First(&raced).Error; ferr == nil {
			return &domain.BuildInvoiceResult{Invoice: &raced, Created: false}, nil
		}
		return nil, err
	}

	s.log.Info("invoice built",
		zap.Int64("invoice_id", int64(invoice.ID)),
		zap.Int64("group_id", int64(groupID)),
		zap.Int64("gross", gross),
		zap.Int64("net", invoice.NetAmount),
		zap.Bool("paid_by_credits", paidByCredits),
	)
	return &domain.BuildInvoiceResult{Invoice: &invoice, Created: true, PaidByCredits: paidByCredits}, nil
}

func (s *Service) GetInvoice(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := s.db.WithContext(ctx).First(&invoice, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) GetByPaymentOrderID(ctx context.Context, orderID string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := s.db.WithContext(ctx).First(&invoice, "payment_order_id = ?", orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) AttachPaymentOrder(ctx context.Context, invoiceID snowflake.ID, orderID string) error {
	res := s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND status = ?", invoiceID, domain.InvoiceStatusPending).
		Updates(map[string]any{
			"payment_order_id": orderID,
			"updated_at":       s.clock.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvoiceNotPending
	}
	return nil
}

func (s *Service) MarkPaidByOrderID(ctx context.Context, orderID, paymentID string) (*domain.Invoice, error) {
	invoice, err := s.GetByPaymentOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if invoice.Status == domain.InvoiceStatusPaid {
		return invoice, nil
	}
	if err := s.MarkPaid(ctx, invoice.ID, paymentID); err != nil {
		return nil, err
	}
	return s.GetInvoice(ctx, invoice.ID)
}

func (s *Service) MarkPaid(ctx context.Context, invoiceID snowflake.ID, paymentID string) error {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND status IN ?", invoiceID, []domain.InvoiceStatus{domain.InvoiceStatusPending, domain.InvoiceStatusFailed}).
		Updates(map[string]any{
			"status":     domain.InvoiceStatusPaid,
			"payment_id": paymentID,
			"paid_at":    now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvoiceNotPending
	}
	return nil
}

func (s *Service) MarkFailed(ctx context.Context, invoiceID snowflake.ID) error {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND status = ?", invoiceID, domain.InvoiceStatusPending).
		Updates(map[string]any{
			"status":     domain.InvoiceStatusFailed,
			"failed_at":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvoiceNotPending
	}
	return nil
}

func (s *Service) RecordRetryAttempt(ctx context.Context, invoiceID snowflake.ID, at time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ?", invoiceID).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": at,
			"updated_at":    at,
		}).Error
}

func (s *Service) CreateRefund(ctx context.Context, invoiceID snowflake.ID, amount int64) error {
	invoice, err := s.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status != domain.InvoiceStatusPaid || invoice.PaymentID == nil {
		return domain.ErrInvoiceNotPaid
	}
	if invoice.RefundStatus == domain.RefundStatusPending || invoice.RefundStatus == domain.RefundStatusCompleted {
		return domain.ErrRefundAlreadyOpen
	}
	if amount <= 0 || amount > invoice.NetAmount {
		amount = invoice.NetAmount
	}

	return s.issueRefund(ctx, invoice, amount)
}

func (s *Service) RetryRefund(ctx context.Context, invoiceID snowflake.ID) error {
	invoice, err := s.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.RefundStatus != domain.RefundStatusFailed {
		return domain.ErrRefundNotFailed
	}
	amount := invoice.RefundAmount
	if amount <= 0 {
		amount = invoice.NetAmount
	}
	return s.issueRefund(ctx, invoice, amount)
}

func (s *Service) issueRefund(ctx context.Context, invoice *domain.Invoice, amount int64) error {
	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"refund_status": domain.RefundStatusPending,
			"refund_amount": amount,
			"updated_at":    now,
		}).Error; err != nil {
		return err
	}

	refund, err := s.gateway.CreateRefund(ctx, *invoice.PaymentID, amount)
	if err != nil {
		s.log.Warn("refund failed",
			zap.Int64("invoice_id", int64(invoice.ID)),
			zap.Error(err),
		)
		return s.db.WithContext(ctx).Model(&domain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{
				"refund_status": domain.RefundStatusFailed,
				"updated_at":    s.clock.Now(),
			}).Error
	}

	return s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"refund_status": domain.RefundStatusCompleted,
			"refund_id":     refund.ID,
			"updated_at":    s.clock.Now(),
		}).Error
}

// ConvertFailedRefundToCredit settles a stuck refund as a global credit for
// the same amount.
func (s *Service) ConvertFailedRefundToCredit(ctx context.Context, invoiceID snowflake.ID) error {
	invoice, err := s.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.RefundStatus != domain.RefundStatusFailed {
		return domain.ErrRefundNotFailed
	}
	amount := invoice.RefundAmount
	if amount <= 0 {
		amount = invoice.NetAmount
	}

	if _, err := s.credits.GrantGlobal(ctx, invoice.ConsumerID, &invoice.GroupID, amount); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND refund_status = ?", invoiceID, domain.RefundStatusFailed).
		Updates(map[string]any{
			"refund_status": domain.RefundStatusConverted,
			"updated_at":    s.clock.Now(),
		}).Error
}
