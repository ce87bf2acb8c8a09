// Package storage provides the repository for job definitions, execution
// logs, webhook push records and configuration key-value pairs.
package storage

import (
	"context"
	"time"

	"github.com/moniwatch/moniwatch/internal/models"
)

// JobStore persists job definitions.
type JobStore interface {
	// CreateJob stores a new job, assigning an ID when job.ID is zero.
	// Returns ErrJobExists if the ID is taken.
	CreateJob(ctx context.Context, job *models.Job) error
	// UpdateJob replaces an existing job. The stored alert and export
	// timestamps are kept and copied onto job, since only SetLastAlert and
	// SetLastExport write them. Returns ErrJobNotFound if missing.
	UpdateJob(ctx context.Context, job *models.Job) error
	// GetJob returns a copy of the job. Returns ErrJobNotFound if missing.
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	// DeleteJob removes the job. Returns ErrJobNotFound if missing.
	DeleteJob(ctx context.Context, id int64) error
	// ListJobs returns jobs ordered by ID.
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	// SetLastAlert updates only the job's last-alert timestamp.
	SetLastAlert(ctx context.Context, id int64, at time.Time) error
	// SetLastExport updates only the job's last-export timestamp.
	SetLastExport(ctx context.Context, id int64, at time.Time) error
}

// LogStore persists execution logs. Logs are immutable once appended.
type LogStore interface {
	AppendLog(ctx context.Context, log *models.ExecutionLog) error
	GetLog(ctx context.Context, id string) (*models.ExecutionLog, error)
	// ListLogs returns logs newest first.
	ListLogs(ctx context.Context, filter models.LogFilter) ([]*models.ExecutionLog, error)
	DeleteLogs(ctx context.Context, ids []string) (int, error)
	// CleanLogs removes every log, or every log of one kind when kind is set.
	CleanLogs(ctx context.Context, kind models.JobKind) (int, error)
}

// PushStore persists webhook audit records.
type PushStore interface {
	RecordPush(ctx context.Context, rec *models.PushRecord) error
	GetPush(ctx context.Context, id string) (*models.PushRecord, error)
	// ListPushes returns records newest first.
	ListPushes(ctx context.Context, filter models.PushFilter) ([]*models.PushRecord, error)
	DeletePushes(ctx context.Context, ids []string) (int, error)
}

// ConfigStore is the key-value configuration lookup used for chat groups
// and push templates.
type ConfigStore interface {
	// GetConfig returns ErrConfigNotFound when the key is absent.
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	DeleteConfig(ctx context.Context, key string) error
}

// Store combines all repository interfaces.
type Store interface {
	JobStore
	LogStore
	PushStore
	ConfigStore
	Close() error
}

func applyLimit[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// keepTimestamps copies the alert and export timestamps of stored onto job.
func keepTimestamps(job, stored *models.Job) {
	job.Alert.LastAlert = copyTime(stored.Alert.LastAlert)
	job.LastExport = copyTime(stored.LastExport)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
