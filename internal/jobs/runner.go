package jobs

import (
	"context"
	"fmt"
	"time"

	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	obsmetrics "github.com/tiffinly/tiffinly/internal/observability/metrics"
	"go.uber.org/zap"
)

// batchBudget is how long one trigger may spend before handing the remainder
// to a continuation job. It must stay under the engine's lease TTL.
const batchBudget = 5 * time.Minute

// batchOutcome is what one batch reports back to the runner.
type batchOutcome struct {
	processed int
	failed    int
	errs      []error
	hasMore   bool
}

// batchFunc executes one batch. batchNumber is an audit marker: every batch
// fetches the first page of still-unprocessed work, so resumed runs never
// skip items whose predicate state changed mid-run.
type batchFunc func(ctx context.Context, batchNumber int) (batchOutcome, error)

// runBatches drives the batch/continuation protocol for one job trigger:
// loop batches until done, the time budget runs out, or the run stops making
// progress. An exhausted budget with work left enqueues a continuation job
// starting at the next batch number.
func (j *Jobs) runBatches(ctx context.Context, job *jobdomain.Job, run batchFunc) (map[string]any, error) {
	deadline := j.clock.Now().Add(batchBudget)
	batchNumber := job.BatchNumber()

	totalProcessed := 0
	totalFailed := 0
	var allErrs []error
	hasMore := false

	jm := obsmetrics.Jobs()
	if job.IsContinuation() {
		jm.IncContinuation(string(job.Type))
		j.engine.Log(ctx, job.ID, jobdomain.LogInfo, "resuming from continuation", map[string]any{
			"batchNumber": batchNumber,
		})
	}

	for {
		outcome, err := run(ctx, batchNumber)
		if err != nil {
			// Batch-level failure aborts the run; committed batches stay.
			return nil, err
		}

		totalProcessed += outcome.processed
		totalFailed += outcome.failed
		allErrs = append(allErrs, outcome.errs...)
		jm.AddBatchProcessed(string(job.Type), outcome.processed)

		j.engine.Log(ctx, job.ID, jobdomain.LogInfo, "batch finished", map[string]any{
			"batchNumber": batchNumber,
			"processed":   outcome.processed,
			"failed":      outcome.failed,
			"hasMore":     outcome.hasMore,
		})

		if !outcome.hasMore {
			hasMore = false
			break
		}
		batchNumber++

		if outcome.processed == 0 {
			// A full page failed outright; looping again would spin on the
			// same rows. Stop and let the next trigger retry.
			j.engine.Log(ctx, job.ID, jobdomain.LogWarning, "no progress in batch, stopping early", map[string]any{
				"batchNumber": batchNumber - 1,
				"failed":      outcome.failed,
			})
			hasMore = true
			break
		}

		if !j.clock.Now().Before(deadline) {
			j.engine.Log(ctx, job.ID, jobdomain.LogWarning, "time budget exhausted, handing off to continuation", map[string]any{
				"batchNumber": batchNumber - 1,
				"processed":   totalProcessed,
			})
			hasMore = true
			break
		}
	}

	result := map[string]any{
		jobdomain.ResultProcessed: totalProcessed,
		jobdomain.ResultFailed:    totalFailed,
		jobdomain.ResultErrors:    errorStrings(allErrs),
		jobdomain.ResultHasMore:   hasMore,
	}

	if hasMore {
		result[jobdomain.ResultNextBatchNumber] = batchNumber
		cont, err := j.engine.CreateContinuation(ctx, job.Type, batchNumber, map[string]any(job.Payload))
		if err != nil {
			return nil, err
		}
		j.engine.Log(ctx, job.ID, jobdomain.LogInfo, "continuation enqueued", map[string]any{
			"continuationJobId": cont.ID.String(),
			"nextBatchNumber":   batchNumber,
		})
		j.log.Info("job continuation enqueued",
			zap.String("job", string(job.Type)),
			zap.Int("next_batch", batchNumber),
		)
	}

	if totalFailed > 0 {
		j.engine.Log(ctx, job.ID, jobdomain.LogWarning, "run finished with item failures", map[string]any{
			"failed": totalFailed,
		})
	}
	return result, nil
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

// itemError tags a per-item failure with its subject for the result log.
func itemError(subject string, err error) error {
	return fmt.Errorf("%s: %w", subject, err)
}
