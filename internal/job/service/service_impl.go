package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"github.com/tiffinly/tiffinly/internal/joblock"
	obsmetrics "github.com/tiffinly/tiffinly/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// leaseTTL caps how long a crashed run can shadow the next trigger. It must
// exceed the longest batch budget so a healthy run never loses its lease.
const leaseTTL = 10 * time.Minute

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Locker *joblock.Locker `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	locker *joblock.Locker
}

func NewService(p Params) jobdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("job.engine"),
		genID:  p.GenID,
		locker: p.Locker,
	}
}

func (s *Service) Create(ctx context.Context, jobType jobdomain.Type, payload map[string]any) (*jobdomain.Job, error) {
	if jobType == "" {
		return nil, jobdomain.ErrInvalidJobType
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload[jobdomain.PayloadBatchNumber]; !ok {
		payload[jobdomain.PayloadBatchNumber] = 0
	}

	job := &jobdomain.Job{
		ID:         s.genID.Generate(),
		Type:       jobType,
		Status:     jobdomain.StatusPending,
		Payload:    datatypes.JSONMap(payload),
		Result:     datatypes.JSONMap{},
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) Start(ctx context.Context, id snowflake.ID) (*jobdomain.Job, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		jobdomain.StatusRunning, now, id, jobdomain.StatusPending,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, jobdomain.ErrInvalidTransition
	}
	return s.GetByID(ctx, id)
}

func (s *Service) Complete(ctx context.Context, id snowflake.ID, result map[string]any) (*jobdomain.Job, error) {
	if result == nil {
		result = map[string]any{}
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("id = ? AND status = ?", id, jobdomain.StatusRunning).
		Updates(map[string]any{
			"status":       jobdomain.StatusCompleted,
			"result":       datatypes.JSONMap(result),
			"completed_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, jobdomain.ErrInvalidTransition
	}
	return s.GetByID(ctx, id)
}

func (s *Service) Fail(ctx context.Context, id snowflake.ID, message string) (*jobdomain.Job, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("id = ? AND status IN ?", id, []jobdomain.Status{jobdomain.StatusPending, jobdomain.StatusRunning}).
		Updates(map[string]any{
			"status":       jobdomain.StatusFailed,
			"error":        message,
			"completed_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, jobdomain.ErrInvalidTransition
	}
	return s.GetByID(ctx, id)
}

// Log appends an audit line. It must survive any job state, so failures are
// swallowed after a warning; observability never takes a job down.
func (s *Service) Log(ctx context.Context, jobID snowflake.ID, level jobdomain.LogLevel, message string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	entry := &jobdomain.JobLog{
		ID:        s.genID.Generate(),
		JobID:     jobID,
		Level:     level,
		Message:   message,
		Metadata:  datatypes.JSONMap(metadata),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.log.Warn("job log write failed",
			zap.String("job_id", jobID.String()),
			zap.String("message", message),
			zap.Error(err),
		)
	}
}

func (s *Service) CreateContinuation(ctx context.Context, jobType jobdomain.Type, nextBatchNumber int, payload map[string]any) (*jobdomain.Job, error) {
	next := map[string]any{}
	for k, v := range payload {
		next[k] = v
	}
	next[jobdomain.PayloadBatchNumber] = nextBatchNumber
	next[jobdomain.PayloadIsContinuation] = true
	return s.Create(ctx, jobType, next)
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*jobdomain.Job, error) {
	var job jobdomain.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, jobdomain.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Run executes a job definition's body under the full engine lifecycle. Any
// error or panic escaping the body is captured at this outermost layer:
// the job is failed, the failure logged, and the error returned so the
// external trigger's monitoring observes it. Batch work already committed by
// the body stays committed.
func (s *Service) Run(ctx context.Context, jobType jobdomain.Type, payload map[string]any, body jobdomain.Body) (result map[string]any, err error) {
	lockKey := "job:" + string(jobType)
	token, ok, lockErr := s.locker.TryLock(ctx, lockKey, leaseTTL)
	if lockErr != nil {
		return nil, fmt.Errorf("acquire job lease: %w", lockErr)
	}
	if !ok {
		return nil, jobdomain.ErrJobAlreadyRunning
	}
	defer func() {
		if releaseErr := s.locker.Release(ctx, lockKey, token); releaseErr != nil {
			s.log.Warn("job lease release failed", zap.String("job", string(jobType)), zap.Error(releaseErr))
		}
	}()

	job, err := s.Create(ctx, jobType, payload)
	if err != nil {
		return nil, err
	}
	if job, err = s.Start(ctx, job.ID); err != nil {
		return nil, err
	}

	jm := obsmetrics.Jobs()
	jm.IncJobRun(string(jobType))
	started := time.Now()

	defer func() {
		jm.ObserveJobDuration(string(jobType), time.Since(started))
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", jobType, r)
		}
		if err == nil {
			return
		}
		jm.IncJobError(string(jobType), err)
		s.Log(ctx, job.ID, jobdomain.LogError, "job failed", map[string]any{
			"error":      err.Error(),
			"error_type": obsmetrics.ClassifyJobErrorType(err),
			"retryable":  obsmetrics.IsJobErrorRetryable(err),
		})
		if _, failErr := s.Fail(ctx, job.ID, err.Error()); failErr != nil {
			s.log.Warn("job fail transition failed", zap.String("job_id", job.ID.String()), zap.Error(failErr))
		}
	}()

	result, err = body(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", jobType, err)
	}

	if _, err = s.Complete(ctx, job.ID, result); err != nil {
		return nil, fmt.Errorf("%s: complete: %w", jobType, err)
	}
	return result, nil
}
