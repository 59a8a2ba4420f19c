package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerStopsAtBudgetAndEnqueuesContinuation(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	job, err := f.engine.Create(ctx, jobdomain.TypeRenewal, nil)
	require.NoError(t, err)

	calls := 0
	result, err := f.jobs.runBatches(ctx, job, func(ctx context.Context, batchNumber int) (batchOutcome, error) {
		calls++
		// Each batch burns more than the whole budget.
		f.clock.Advance(6 * time.Minute)
		return batchOutcome{processed: 10, hasMore: true}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 10, result[jobdomain.ResultProcessed])
	assert.Equal(t, true, result[jobdomain.ResultHasMore])
	assert.Equal(t, 1, result[jobdomain.ResultNextBatchNumber])

	var cont jobdomain.Job
	require.NoError(t, f.db.First(&cont, "type = ? AND status = ? AND id <> ?",
		jobdomain.TypeRenewal, jobdomain.StatusPending, job.ID).Error)
	assert.True(t, cont.IsContinuation())
	assert.Equal(t, 1, cont.BatchNumber())

	// The hand-off leaves a warning in the job's audit trail.
	var warnings []jobdomain.JobLog
	require.NoError(t, f.db.Find(&warnings, "job_id = ? AND level = ?", job.ID, jobdomain.LogWarning).Error)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "time budget exhausted")
}

func TestRunnerResumesFromContinuationBatchNumber(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	cont, err := f.engine.CreateContinuation(ctx, jobdomain.TypeRenewal, 3, nil)
	require.NoError(t, err)

	var seen []int
	result, err := f.jobs.runBatches(ctx, cont, func(ctx context.Context, batchNumber int) (batchOutcome, error) {
		seen = append(seen, batchNumber)
		return batchOutcome{processed: 1, hasMore: len(seen) < 2}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{3, 4}, seen)
	assert.Equal(t, 2, result[jobdomain.ResultProcessed])
	assert.Equal(t, false, result[jobdomain.ResultHasMore])
}

func TestRunnerBreaksOnZeroProgress(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	job, err := f.engine.Create(ctx, jobdomain.TypeRenewal, nil)
	require.NoError(t, err)

	calls := 0
	result, err := f.jobs.runBatches(ctx, job, func(ctx context.Context, batchNumber int) (batchOutcome, error) {
		calls++
		return batchOutcome{
			failed:  5,
			errs:    []error{errors.New("gateway down")},
			hasMore: true,
		}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, true, result[jobdomain.ResultHasMore])
	errs, ok := result[jobdomain.ResultErrors].([]string)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "gateway down")
}

func TestRunnerAbortsOnBatchError(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	job, err := f.engine.Create(ctx, jobdomain.TypeRenewal, nil)
	require.NoError(t, err)

	_, err = f.jobs.runBatches(ctx, job, func(ctx context.Context, batchNumber int) (batchOutcome, error) {
		return batchOutcome{}, errors.New("database unreachable")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unreachable")
}
