package jobs

import (
	"context"
	"fmt"

	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"github.com/tiffinly/tiffinly/internal/notifier"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"go.uber.org/zap"
)

// RunTrialCompletion closes out trials whose end date has passed. The group
// keeps billing normally afterwards; the renewal job picks it up at its
// renewal date.
func (j *Jobs) RunTrialCompletion(ctx context.Context) (map[string]any, error) {
	return j.engine.Run(ctx, jobdomain.TypeTrialCompletion, nil, func(ctx context.Context, job *jobdomain.Job) (map[string]any, error) {
		byVendor := map[string]int{}
		result, err := j.runBatches(ctx, job, func(ctx context.Context, batchNumber int) (batchOutcome, error) {
			return j.trialCompletionBatch(ctx, byVendor)
		})
		if err != nil {
			return nil, err
		}
		result["completedByVendor"] = byVendor
		return result, nil
	})
}

func (j *Jobs) trialCompletionBatch(ctx context.Context, byVendor map[string]int) (batchOutcome, error) {
	now := j.clock.Now()

	var trials []subscriptiondomain.Trial
	err := j.db.WithContext(ctx).
		Where("status = ? AND end_date <= ?", subscriptiondomain.TrialStatusActive, now).
		Order("end_date asc, id asc").
		Limit(trialCompletionBatchSize).
		Find(&trials).Error
	if err != nil {
		return batchOutcome{}, err
	}

	outcome := batchOutcome{}
	for i := range trials {
		trial := &trials[i]
		completed, err := j.completeTrial(ctx, trial)
		if err != nil {
			outcome.failed++
			outcome.errs = append(outcome.errs, itemError(fmt.Sprintf("trial %s", trial.ID), err))
			j.log.Warn("trial completion failed",
				zap.Int64("trial_id", int64(trial.ID)),
				zap.Error(err),
			)
			continue
		}
		if completed {
			byVendor[trial.VendorID.String()]++
		}
		outcome.processed++
	}

	outcome.hasMore = len(trials) == trialCompletionBatchSize
	return outcome, nil
}

func (j *Jobs) completeTrial(ctx context.Context, trial *subscriptiondomain.Trial) (bool, error) {
	now := j.clock.Now()
	res := j.db.WithContext(ctx).Model(&subscriptiondomain.Trial{}).
		Where("id = ? AND status = ?", trial.ID, subscriptiondomain.TrialStatusActive).
		Updates(map[string]any{
			"status": subscriptiondomain.TrialStatusCompleted,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// Completed or cancelled concurrently.
		return false, nil
	}

	group, err := j.subscriptions.GetGroup(ctx, trial.GroupID)
	if err != nil {
		return true, err
	}

	j.notifier.Send(ctx, notifier.Event{
		Type:       notifier.EventTrialCompleted,
		ConsumerID: group.ConsumerID,
		GroupID:    group.ID,
		Data: map[string]any{
			"trial_id": trial.ID.String(),
			"ended_at": now.Format("2006-01-02"),
		},
	})
	return true, nil
}
