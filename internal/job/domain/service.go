package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrJobNotFound       = errors.New("job_not_found")
	ErrInvalidJobType    = errors.New("invalid_job_type")
	ErrInvalidTransition = errors.New("invalid_job_transition")
	ErrJobAlreadyRunning = errors.New("job_already_running")
)

// Body is a job definition's executable. It receives the job record (for the
// continuation payload) and returns the result summary to persist.
type Body func(ctx context.Context, job *Job) (map[string]any, error)

// Service is the job engine. Run wraps a Body with the full lifecycle:
// per-type lease, create/start, outermost error capture via Fail, and
// Complete on success. Log is best-effort and never fails the caller.
type Service interface {
	Create(ctx context.Context, jobType Type, payload map[string]any) (*Job, error)
	Start(ctx context.Context, id snowflake.ID) (*Job, error)
	Complete(ctx context.Context, id snowflake.ID, result map[string]any) (*Job, error)
	Fail(ctx context.Context, id snowflake.ID, message string) (*Job, error)
	Log(ctx context.Context, jobID snowflake.ID, level LogLevel, message string, metadata map[string]any)
	CreateContinuation(ctx context.Context, jobType Type, nextBatchNumber int, payload map[string]any) (*Job, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Job, error)
	Run(ctx context.Context, jobType Type, payload map[string]any, body Body) (map[string]any, error)
}
