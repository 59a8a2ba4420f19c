package jobs

import (
	"context"
	"fmt"
	"time"

	creditdomain "github.com/tiffinly/tiffinly/internal/credit/domain"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"github.com/tiffinly/tiffinly/internal/notifier"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RunAutoCancelPaused cancels groups paused past the maximum pause window
// and folds their remaining slot credits into one global credit. It also
// warns groups approaching the deadline. Single pass per trigger: no
// continuation is ever enqueued.
func (j *Jobs) RunAutoCancelPaused(ctx context.Context) (map[string]any, error) {
	return j.engine.Run(ctx, jobdomain.TypeAutoCancel, nil, func(ctx context.Context, job *jobdomain.Job) (map[string]any, error) {
		outcome, err := j.autoCancelPass(ctx)
		if err != nil {
			return nil, err
		}

		warned, err := j.sendAutoCancelWarnings(ctx)
		if err != nil {
			j.engine.Log(ctx, job.ID, jobdomain.LogWarning, "auto-cancel warnings failed", map[string]any{
				"error": err.Error(),
			})
		}

		return map[string]any{
			jobdomain.ResultProcessed: outcome.processed,
			jobdomain.ResultFailed:    outcome.failed,
			jobdomain.ResultErrors:    errorStrings(outcome.errs),
			jobdomain.ResultHasMore:   false,
			"warned":                  warned,
		}, nil
	})
}

func (j *Jobs) autoCancelPass(ctx context.Context) (batchOutcome, error) {
	now := j.clock.Now()
	settings := j.settings.Get()
	cancelBefore := now.AddDate(0, 0, -settings.MaxPauseDays)

	var groups []subscriptiondomain.SubscriptionGroup
	err := j.db.WithContext(ctx).
		Where("status = ? AND paused_at IS NOT NULL AND paused_at <= ?",
			subscriptiondomain.GroupStatusPaused, cancelBefore).
		Order("paused_at asc, id asc").
		Limit(autoCancelBatchSize).
		Find(&groups).Error
	if err != nil {
		return batchOutcome{}, err
	}

	outcome := batchOutcome{}
	for i := range groups {
		group := &groups[i]
		if err := j.autoCancelGroup(ctx, group, now, settings.CreditExpiryDays); err != nil {
			outcome.failed++
			outcome.errs = append(outcome.errs, itemError(fmt.Sprintf("group %s", group.ID), err))
			j.log.Warn("auto-cancel failed",
				zap.Int64("group_id", int64(group.ID)),
				zap.Error(err),
			)
			continue
		}
		outcome.processed++
	}
	return outcome, nil
}

// autoCancelGroup cancels one group atomically: status flips and credit
// conversion either all commit or none do.
func (j *Jobs) autoCancelGroup(ctx context.Context, group *subscriptiondomain.SubscriptionGroup, now time.Time, expiryDays int) error {
	var conv *creditdomain.ConversionResult
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&subscriptiondomain.SubscriptionGroup{}).
			Where("id = ? AND status = ?", group.ID, subscriptiondomain.GroupStatusPaused).
			Updates(map[string]any{
				"status":     subscriptiondomain.GroupStatusCancelled,
				"paused_at":  nil,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Resumed or cancelled since the fetch.
			return nil
		}

		if err := tx.Model(&subscriptiondomain.Subscription{}).
			Where("group_id = ? AND status <> ?", group.ID, subscriptiondomain.SubscriptionStatusCancelled).
			Updates(map[string]any{
				"status":     subscriptiondomain.SubscriptionStatusCancelled,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		var err error
		conv, err = j.credits.ConvertGroupCredits(ctx, tx, group.ID, group.ConsumerID, now.AddDate(0, 0, expiryDays))
		return err
	})
	if err != nil {
		return err
	}
	if conv == nil {
		return nil
	}

	data := map[string]any{"paused_at": group.PausedAt}
	if conv.GlobalCredit != nil {
		data["global_credit_id"] = conv.GlobalCredit.ID.String()
		data["credit_amount"] = conv.GlobalCredit.Amount
	}
	j.notifier.Send(ctx, notifier.Event{
		Type:       notifier.EventAutoCancelled,
		ConsumerID: group.ConsumerID,
		GroupID:    group.ID,
		Data:       data,
	})
	return nil
}

// sendAutoCancelWarnings nudges groups entering the final warning window
// before auto-cancel.
func (j *Jobs) sendAutoCancelWarnings(ctx context.Context) (int, error) {
	now := j.clock.Now()
	settings := j.settings.Get()
	warnBefore := now.AddDate(0, 0, -(settings.MaxPauseDays - settings.AutoCancelWarnDays))
	cancelBefore := now.AddDate(0, 0, -settings.MaxPauseDays)

	var groups []subscriptiondomain.SubscriptionGroup
	err := j.db.WithContext(ctx).
		Where("status = ? AND paused_at IS NOT NULL AND paused_at <= ? AND paused_at > ?",
			subscriptiondomain.GroupStatusPaused, warnBefore, cancelBefore).
		Order("paused_at asc, id asc").
		Find(&groups).Error
	if err != nil {
		return 0, err
	}

	for i := range groups {
		group := &groups[i]
		daysLeft := settings.MaxPauseDays - int(now.Sub(*group.PausedAt).Hours()/24)
		j.notifier.Send(ctx, notifier.Event{
			Type:       notifier.EventAutoCancelWarning,
			ConsumerID: group.ConsumerID,
			GroupID:    group.ID,
			Data:       map[string]any{"days_left": daysLeft},
		})
	}
	return len(groups), nil
}
