package jobs

import (
	"context"

	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
)

// RunCreditExpiry expires overdue credits in pages of 1000. Credits are
// flipped to expired, never deleted; the breakdown lands in the job result.
func (j *Jobs) RunCreditExpiry(ctx context.Context) (map[string]any, error) {
	return j.engine.Run(ctx, jobdomain.TypeCreditExpiry, nil, func(ctx context.Context, job *jobdomain.Job) (map[string]any, error) {
		bySlot := map[string]int{}
		byReason := map[string]int{}

		result, err := j.runBatches(ctx, job, func(ctx context.Context, batchNumber int) (batchOutcome, error) {
			return j.creditExpiryBatch(ctx, bySlot, byReason)
		})
		if err != nil {
			return nil, err
		}
		result["expiryBySlot"] = bySlot
		result["expiryByReason"] = byReason
		return result, nil
	})
}

func (j *Jobs) creditExpiryBatch(ctx context.Context, bySlot, byReason map[string]int) (batchOutcome, error) {
	res, err := j.credits.ExpireBatch(ctx, j.clock.Now(), creditExpiryBatchSize)
	if err != nil {
		return batchOutcome{}, err
	}
	for slot, n := range res.BySlot {
		bySlot[slot] += n
	}
	for reason, n := range res.ByReason {
		byReason[reason] += n
	}
	return batchOutcome{
		processed: res.Expired,
		hasMore:   res.Expired == creditExpiryBatchSize,
	}, nil
}
