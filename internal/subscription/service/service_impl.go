package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tiffinly/tiffinly/internal/clock"
	"github.com/tiffinly/tiffinly/internal/config"
	creditdomain "github.com/tiffinly/tiffinly/internal/credit/domain"
	"github.com/tiffinly/tiffinly/internal/cycle"
	"github.com/tiffinly/tiffinly/internal/notifier"
	"github.com/tiffinly/tiffinly/internal/order"
	"github.com/tiffinly/tiffinly/internal/subscription/domain"
	"github.com/tiffinly/tiffinly/internal/vendor"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Settings *config.PlatformSettingsHolder
	Credits  creditdomain.Service
	Orders   *order.Repository
	Vendors  *vendor.Repository
	Notifier notifier.Notifier
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	settings *config.PlatformSettingsHolder
	credits  creditdomain.Service
	orders   *order.Repository
	vendors  *vendor.Repository
	notifier notifier.Notifier
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		settings: p.Settings,
		credits:  p.Credits,
		orders:   p.Orders,
		vendors:  p.Vendors,
		notifier: p.Notifier,
	}
}

func (s *Service) GetGroup(ctx context.Context, id snowflake.ID) (*domain.SubscriptionGroup, error) {
	var group domain.SubscriptionGroup
	err := s.db.WithContext(ctx).First(&group, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

func (s *Service) ListGroupSubscriptions(ctx context.Context, groupID snowflake.ID) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("id asc").
		Find(&subs).Error
	return subs, err
}

func (s *Service) SkipMeal(ctx context.Context, req domain.SkipMealRequest) (domain.SkipMealResult, error) {
	var sub domain.Subscription
	err := s.db.WithContext(ctx).First(&sub, "id = ?", req.SubscriptionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SkipMealResult{}, domain.ErrSubscriptionNotFound
		}
		return domain.SkipMealResult{}, err
	}
	if sub.Status != domain.SubscriptionStatusActive {
		return domain.SkipMealResult{}, domain.ErrSubscriptionNotActive
	}

	slot := req.Slot
	if slot == "" {
		slot = sub.Slot
	}

	now := s.clock.Now()
	cutoffHours := s.settings.Get().SkipCutoffHours
	cutoff, err := s.vendors.DeliveryCutoff(ctx, sub.VendorID, slot, req.Date, cutoffHours)
	if err != nil {
		if errors.Is(err, vendor.ErrSlotNotFound) {
			return domain.SkipMealResult{}, domain.ErrVendorSlotNotFound
		}
		return domain.SkipMealResult{}, err
	}
	if !now.Before(cutoff) {
		return domain.SkipMealResult{}, domain.ErrCutoffPassed
	}

	meal, err := s.orders.FindByDateSlot(ctx, sub.ID, req.Date, slot)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			return domain.SkipMealResult{}, domain.ErrInvalidOrderState
		}
		return domain.SkipMealResult{}, err
	}
	if meal.Status != order.StatusScheduled {
		return domain.SkipMealResult{}, domain.ErrInvalidOrderState
	}

	skipped, err := s.orders.UpdateStatus(ctx, meal.ID, order.StatusScheduled, order.StatusSkippedCustomer)
	if err != nil {
		return domain.SkipMealResult{}, err
	}
	if !skipped {
		return domain.SkipMealResult{}, domain.ErrInvalidOrderState
	}

	result := domain.SkipMealResult{
		SkipsUsed: sub.SkipsUsedCurrentCycle,
		SkipLimit: sub.SkipLimit,
	}
	if sub.SkipsUsedCurrentCycle >= sub.SkipLimit {
		// Over the limit: the meal is skipped but the credit is forfeited.
		return result, nil
	}

	res := s.db.WithContext(ctx).Model(&domain.Subscription{}).
		Where("id = ? AND skips_used_current_cycle = ?", sub.ID, sub.SkipsUsedCurrentCycle).
		Updates(map[string]any{
			"skips_used_current_cycle": sub.SkipsUsedCurrentCycle + 1,
			"updated_at":               now,
		})
	if res.Error != nil {
		return result, res.Error
	}
	if res.RowsAffected == 0 {
		// Concurrent skip used the last remaining allowance.
		return result, nil
	}
	result.SkipsUsed = sub.SkipsUsedCurrentCycle + 1

	if _, err := s.credits.Grant(ctx, creditdomain.GrantRequest{
		GroupID:        sub.GroupID,
		SubscriptionID: sub.ID,
		ConsumerID:     sub.ConsumerID,
		Slot:           slot,
		Quantity:       1,
		PricePerMeal:   sub.PricePerMeal,
		Reason:         creditdomain.ReasonCustomerSkip,
	}); err != nil {
		return result, err
	}
	result.CreditGranted = true

	s.notifier.Send(ctx, notifier.Event{
		Type:       notifier.EventCreditGranted,
		ConsumerID: sub.ConsumerID,
		GroupID:    sub.GroupID,
		Data:       map[string]any{"date": req.Date.Format("2006-01-02"), "slot": string(slot)},
	})
	return result, nil
}

func (s *Service) PauseGroup(ctx context.Context, groupID snowflake.ID, reason string) error {
	now := s.clock.Now()
	var group *domain.SubscriptionGroup
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g domain.SubscriptionGroup
		if err := tx.First(&g, "id = ?", groupID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrGroupNotFound
			}
			return err
		}
		group = &g

		res := tx.Model(&domain.SubscriptionGroup{}).
			Where("id = ? AND status = ?", groupID, domain.GroupStatusActive).
			Updates(map[string]any{
				"status":     domain.GroupStatusPaused,
				"paused_at":  now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrGroupNotActive
		}

		if err := tx.Model(&domain.Subscription{}).
			Where("group_id = ? AND status = ?", groupID, domain.SubscriptionStatusActive).
			Updates(map[string]any{
				"status":     domain.SubscriptionStatusPaused,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		tomorrow := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		_, err := s.orders.CancelFromDate(ctx, tx, groupID, tomorrow)
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info("group paused",
		zap.Int64("group_id", int64(groupID)),
		zap.String("reason", reason),
	)
	s.notifier.Send(ctx, notifier.Event{
		Type:       notifier.EventGroupPaused,
		ConsumerID: group.ConsumerID,
		GroupID:    groupID,
		Data:       map[string]any{"reason": reason},
	})
	return nil
}

func (s *Service) ResumeGroup(ctx context.Context, groupID snowflake.ID) error {
	now := s.clock.Now()
	var group *domain.SubscriptionGroup
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g domain.SubscriptionGroup
		if err := tx.First(&g, "id = ?", groupID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrGroupNotFound
			}
			return err
		}
		group = &g

		res := tx.Model(&domain.SubscriptionGroup{}).
			Where("id = ? AND status = ?", groupID, domain.GroupStatusPaused).
			Updates(map[string]any{
				"status":     domain.GroupStatusActive,
				"paused_at":  nil,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrGroupNotPaused
		}

		return tx.Model(&domain.Subscription{}).
			Where("group_id = ? AND status = ?", groupID, domain.SubscriptionStatusPaused).
			Updates(map[string]any{
				"status":     domain.SubscriptionStatusActive,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return err
	}

	s.log.Info("group resumed", zap.Int64("group_id", int64(groupID)))
	s.notifier.Send(ctx, notifier.Event{
		Type:       notifier.EventGroupResumed,
		ConsumerID: group.ConsumerID,
		GroupID:    groupID,
	})
	return nil
}

func (s *Service) CancelGroup(ctx context.Context, groupID snowflake.ID, reason string) error {
	now := s.clock.Now()
	expiryDays := s.settings.Get().CreditExpiryDays
	var group *domain.SubscriptionGroup
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g domain.SubscriptionGroup
		if err := tx.First(&g, "id = ?", groupID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrGroupNotFound
			}
			return err
		}
		group = &g
		if g.Status == domain.GroupStatusCancelled {
			return domain.ErrAlreadyCancelled
		}

		res := tx.Model(&domain.SubscriptionGroup{}).
			Where("id = ? AND status <> ?", groupID, domain.GroupStatusCancelled).
			Updates(map[string]any{
				"status":     domain.GroupStatusCancelled,
				"paused_at":  nil,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrAlreadyCancelled
		}

		if err := tx.Model(&domain.Subscription{}).
			Where("group_id = ? AND status <> ?", groupID, domain.SubscriptionStatusCancelled).
			Updates(map[string]any{
				"status":     domain.SubscriptionStatusCancelled,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if _, err := s.orders.CancelFromDate(ctx, tx, groupID, today.AddDate(0, 0, 1)); err != nil {
			return err
		}

		_, err := s.credits.ConvertGroupCredits(ctx, tx, groupID, g.ConsumerID, now.AddDate(0, 0, expiryDays))
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info("group cancelled",
		zap.Int64("group_id", int64(groupID)),
		zap.String("reason", reason),
	)
	s.notifier.Send(ctx, notifier.Event{
		Type:       notifier.EventGroupCancelled,
		ConsumerID: group.ConsumerID,
		GroupID:    groupID,
		Data:       map[string]any{"reason": reason},
	})
	return nil
}

func (s *Service) ChangeStartDate(ctx context.Context, subscriptionID snowflake.ID, newStart time.Time) error {
	var sub domain.Subscription
	err := s.db.WithContext(ctx).First(&sub, "id = ?", subscriptionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrSubscriptionNotFound
		}
		return err
	}
	if sub.Status != domain.SubscriptionStatusActive {
		return domain.ErrSubscriptionNotActive
	}

	now := s.clock.Now()
	if !now.Before(sub.StartDate) {
		return domain.ErrStartDateLocked
	}
	if !newStart.After(now) {
		return domain.ErrInvalidStartDate
	}

	group, err := s.GetGroup(ctx, sub.GroupID)
	if err != nil {
		return err
	}
	next, err := cycle.From(group.PeriodType, newStart)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]any{
				"start_date":       newStart,
				"renewal_date":     next.RenewalDate,
				"next_cycle_start": next.Start,
				"next_cycle_end":   next.End,
				"updated_at":       now,
			}).Error; err != nil {
			return err
		}
		// The group renews when its earliest slot does.
		return tx.Model(&domain.SubscriptionGroup{}).
			Where("id = ? AND renewal_date > ?", group.ID, next.RenewalDate).
			Updates(map[string]any{
				"renewal_date": next.RenewalDate,
				"updated_at":   now,
			}).Error
	})
}

func (s *Service) UpdateScheduleDays(ctx context.Context, subscriptionID snowflake.ID, days []int) error {
	if len(days) == 0 {
		return domain.ErrInvalidScheduleDays
	}
	seen := map[int]bool{}
	for _, d := range days {
		if d < 0 || d > 6 || seen[d] {
			return domain.ErrInvalidScheduleDays
		}
		seen[d] = true
	}

	res := s.db.WithContext(ctx).Model(&domain.Subscription{}).
		Where("id = ? AND status = ?", subscriptionID, domain.SubscriptionStatusActive).
		Updates(map[string]any{
			"pending_schedule_days": datatypes.NewJSONSlice(days),
			"updated_at":            s.clock.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Service) ResetForRenewal(ctx context.Context, groupID snowflake.ID, next cycle.Cycle) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.SubscriptionGroup{}).
			Where("id = ?", groupID).
			Updates(map[string]any{
				"renewal_date": next.RenewalDate,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrGroupNotFound
		}

		var subs []domain.Subscription
		if err := tx.Where("group_id = ? AND status = ?", groupID, domain.SubscriptionStatusActive).
			Find(&subs).Error; err != nil {
			return err
		}
		for _, sub := range subs {
			updates := map[string]any{
				"skips_used_current_cycle": 0,
				"renewal_date":             next.RenewalDate,
				"next_cycle_start":         next.Start,
				"next_cycle_end":           next.End,
				"updated_at":               now,
			}
			if len(sub.PendingScheduleDays) > 0 {
				updates["schedule_days"] = sub.PendingScheduleDays
				updates["pending_schedule_days"] = nil
			}
			if err := tx.Model(&domain.Subscription{}).
				Where("id = ?", sub.ID).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) HandleMandateFailure(ctx context.Context, groupID snowflake.ID) error {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&domain.SubscriptionGroup{}).
		Where("id = ?", groupID).
		Updates(map[string]any{
			"mandate_status": domain.MandateStateFailed,
			"payment_method": domain.PaymentMethodManual,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrGroupNotFound
	}

	s.log.Warn("mandate failed, group downgraded to manual collection",
		zap.Int64("group_id", int64(groupID)),
	)
	return nil
}

func (s *Service) HandleMandateRevoked(ctx context.Context, mandateID string) error {
	var group domain.SubscriptionGroup
	err := s.db.WithContext(ctx).First(&group, "mandate_id = ?", mandateID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrGroupNotFound
		}
		return err
	}
	return s.HandleMandateFailure(ctx, group.ID)
}
