package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	obsmetrics "github.com/tiffinly/tiffinly/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T) (jobdomain.Service, *gorm.DB) {
	t.Helper()
	obsmetrics.ResetJobMetricsForTest()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&jobdomain.Job{}, &jobdomain.JobLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})
	return svc, db
}

func TestRunCompletesJobWithResult(t *testing.T) {
	svc, db := newTestEngine(t)
	ctx := context.Background()

	result, err := svc.Run(ctx, jobdomain.TypeRenewal, nil, func(ctx context.Context, job *jobdomain.Job) (map[string]any, error) {
		assert.Equal(t, 0, job.BatchNumber())
		assert.False(t, job.IsContinuation())
		return map[string]any{jobdomain.ResultProcessed: 3, jobdomain.ResultHasMore: false}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result[jobdomain.ResultProcessed])

	var job jobdomain.Job
	require.NoError(t, db.First(&job, "type = ?", jobdomain.TypeRenewal).Error)
	assert.Equal(t, jobdomain.StatusCompleted, job.Status)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	// The result round-trips through the jsonb column as a json.Number.
	assert.Equal(t, json.Number("3"), job.Result[jobdomain.ResultProcessed])
}

func TestRunFailsJobOnBodyError(t *testing.T) {
	svc, db := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.Run(ctx, jobdomain.TypeCreditExpiry, nil, func(ctx context.Context, job *jobdomain.Job) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	var job jobdomain.Job
	require.NoError(t, db.First(&job, "type = ?", jobdomain.TypeCreditExpiry).Error)
	assert.Equal(t, jobdomain.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "boom")

	var logs []jobdomain.JobLog
	require.NoError(t, db.Find(&logs, "job_id = ?", job.ID).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, jobdomain.LogError, logs[0].Level)
}

func TestRunRecoversPanic(t *testing.T) {
	svc, db := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.Run(ctx, jobdomain.TypeTrialCompletion, nil, func(ctx context.Context, job *jobdomain.Job) (map[string]any, error) {
		panic("unexpected state")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	var job jobdomain.Job
	require.NoError(t, db.First(&job, "type = ?", jobdomain.TypeTrialCompletion).Error)
	assert.Equal(t, jobdomain.StatusFailed, job.Status)
}

func TestCreateContinuationCopiesPayload(t *testing.T) {
	svc, _ := newTestEngine(t)
	ctx := context.Background()

	cont, err := svc.CreateContinuation(ctx, jobdomain.TypeRenewal, 4, map[string]any{"scope": "all"})
	require.NoError(t, err)

	assert.Equal(t, 4, cont.BatchNumber())
	assert.True(t, cont.IsContinuation())
	assert.Equal(t, "all", cont.Payload["scope"])
	assert.Equal(t, jobdomain.StatusPending, cont.Status)
}

func TestInvalidTransitions(t *testing.T) {
	svc, _ := newTestEngine(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, jobdomain.TypeRenewal, nil)
	require.NoError(t, err)

	// Complete before Start is not a legal move.
	_, err = svc.Complete(ctx, job.ID, nil)
	assert.ErrorIs(t, err, jobdomain.ErrInvalidTransition)

	_, err = svc.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = svc.Start(ctx, job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrInvalidTransition)

	_, err = svc.Complete(ctx, job.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	_, err = svc.Fail(ctx, job.ID, "late failure")
	assert.ErrorIs(t, err, jobdomain.ErrInvalidTransition)
}

func TestLogSurvivesAnyJobState(t *testing.T) {
	svc, db := newTestEngine(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, jobdomain.TypeRenewal, nil)
	require.NoError(t, err)

	svc.Log(ctx, job.ID, jobdomain.LogInfo, "first", nil)
	_, err = svc.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = svc.Fail(ctx, job.ID, "gone wrong")
	require.NoError(t, err)
	svc.Log(ctx, job.ID, jobdomain.LogWarning, "postmortem", map[string]any{"k": "v"})

	var count int64
	require.NoError(t, db.Model(&jobdomain.JobLog{}).Where("job_id = ?", job.ID).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}
