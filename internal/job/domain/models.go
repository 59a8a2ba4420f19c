// Package domain contains persistence models for background jobs and their
// audit logs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Type identifies a job definition.
type Type string

const (
	TypeRenewal         Type = "renewal"
	TypePaymentRetry    Type = "payment_retry"
	TypeCreditExpiry    Type = "credit_expiry"
	TypeOrderGeneration Type = "order_generation"
	TypeTrialCompletion Type = "trial_completion"
	TypeAutoCancel      Type = "auto_cancel_paused"
)

// Status represents job lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// LogLevel classifies job log lines.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Payload keys shared by the batch/continuation protocol.
const (
	PayloadBatchNumber    = "batchNumber"
	PayloadIsContinuation = "isContinuation"
)

// Result keys shared by all job definitions.
const (
	ResultProcessed       = "processed"
	ResultFailed          = "failed"
	ResultErrors          = "errors"
	ResultHasMore         = "hasMore"
	ResultNextBatchNumber = "nextBatchNumber"
)

// Job is one trigger invocation. It is owned exclusively by the engine and
// immutable after completion except for its log trail.
type Job struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	Type        Type              `gorm:"type:text;not null;index"`
	Status      Status            `gorm:"type:text;not null;index"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	Result      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	Error       *string           `gorm:"type:text"`
	RetryCount  int               `gorm:"not null;default:0"`
	MaxRetries  int               `gorm:"not null;default:3"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	StartedAt   *time.Time        `gorm:""`
	CompletedAt *time.Time        `gorm:""`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

// BatchNumber reads the continuation pointer out of the payload.
func (j *Job) BatchNumber() int {
	if j == nil || j.Payload == nil {
		return 0
	}
	switch v := j.Payload[PayloadBatchNumber].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// IsContinuation reports whether this job resumes an earlier run segment.
func (j *Job) IsContinuation() bool {
	if j == nil || j.Payload == nil {
		return false
	}
	b, _ := j.Payload[PayloadIsContinuation].(bool)
	return b
}

// JobLog is an append-only audit line; it is never mutated.
type JobLog struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	JobID     snowflake.ID      `gorm:"not null;index"`
	Level     LogLevel          `gorm:"type:text;not null"`
	Message   string            `gorm:"type:text;not null"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (JobLog) TableName() string { return "job_logs" }
