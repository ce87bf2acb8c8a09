package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moniwatch/moniwatch/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var _ Store = (*SQLStore)(nil)

// ConfigEntry is the relational row behind ConfigStore.
type ConfigEntry struct {
	Key       string `gorm:"primaryKey;column:config_key;size:191"`
	Value     string
	UpdatedAt time.Time
}

// SQLStore implements Store on a relational database through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL connects using a sqlite:// or postgres:// URL and migrates the schema.
func OpenSQL(databaseURL string, debug bool) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialector = postgres.Open(databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database URL format: %s", databaseURL)
	}

	mode := logger.Warn
	if debug {
		mode = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(mode),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&models.Job{}, &models.ExecutionLog{}, &models.PushRecord{}, &ConfigEntry{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// CreateJob inserts a new job; the database assigns the ID when it is zero.
func (s *SQLStore) CreateJob(ctx context.Context, job *models.Job) error {
	db := s.db.WithContext(ctx)
	explicit := job.ID != 0
	if explicit {
		var count int64
		if err := db.Model(&models.Job{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return models.ErrJobExists
		}
	}
	if err := db.Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.ErrJobExists
		}
		return err
	}
	if explicit {
		return s.syncJobSequence(ctx)
	}
	return nil
}

// syncJobSequence moves the postgres id sequence past the highest job ID,
// so rows inserted with an explicit ID do not collide with later
// generated ones. Other dialects derive the next ID from the table.
func (s *SQLStore) syncJobSequence(ctx context.Context) error {
	if s.db.Dialector.Name() != "postgres" {
		return nil
	}
	table := s.db.NamingStrategy.TableName("Job")
	err := s.db.WithContext(ctx).Exec(
		"SELECT setval(pg_get_serial_sequence(?, 'id'), (SELECT MAX(id) FROM "+table+"))", table,
	).Error
	if err != nil {
		return fmt.Errorf("failed to sync job id sequence: %w", err)
	}
	return nil
}

// UpdateJob replaces an existing job except for its alert and export
// timestamps.
func (s *SQLStore) UpdateJob(ctx context.Context, job *models.Job) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Job
		if err := tx.Select("id", "alert_last_alert", "last_export").First(&current, job.ID).Error; err != nil {
			return notFound(err, models.ErrJobNotFound)
		}
		err := tx.Model(job).
			Select("*").
			Omit("id", "alert_last_alert", "last_export", "created_at").
			Updates(job).Error
		if err != nil {
			return err
		}
		keepTimestamps(job, &current)
		return nil
	})
}

// GetJob retrieves a job by ID.
func (s *SQLStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, notFound(err, models.ErrJobNotFound)
	}
	return &job, nil
}

// DeleteJob deletes a job by ID.
func (s *SQLStore) DeleteJob(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&models.Job{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// ListJobs returns matching jobs ordered by ID.
func (s *SQLStore) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	q := s.db.WithContext(ctx).Order("id")
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Platform != "" {
		q = q.Where("platform = ?", filter.Platform)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	jobs := make([]*models.Job, 0)
	return jobs, q.Find(&jobs).Error
}

func (s *SQLStore) updateColumn(ctx context.Context, id int64, column string, value interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// SetLastAlert updates the last-alert timestamp.
func (s *SQLStore) SetLastAlert(ctx context.Context, id int64, at time.Time) error {
	return s.updateColumn(ctx, id, "alert_last_alert", at)
}

// SetLastExport updates the last-export timestamp.
func (s *SQLStore) SetLastExport(ctx context.Context, id int64, at time.Time) error {
	return s.updateColumn(ctx, id, "last_export", at)
}

// AppendLog inserts an execution log.
func (s *SQLStore) AppendLog(ctx context.Context, log *models.ExecutionLog) error {
	return s.db.WithContext(ctx).Create(log).Error
}

// GetLog retrieves an execution log by ID.
func (s *SQLStore) GetLog(ctx context.Context, id string) (*models.ExecutionLog, error) {
	var log models.ExecutionLog
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&log).Error; err != nil {
		return nil, notFound(err, models.ErrLogNotFound)
	}
	return &log, nil
}

// ListLogs returns matching logs newest first.
func (s *SQLStore) ListLogs(ctx context.Context, filter models.LogFilter) ([]*models.ExecutionLog, error) {
	q := s.db.WithContext(ctx).Order("start_time desc, id desc")
	if filter.JobID != 0 {
		q = q.Where("job_id = ?", filter.JobID)
	}
	if filter.Kind != "" {
		q = q.Where("job_kind = ?", filter.Kind)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.Since.IsZero() {
		q = q.Where("start_time >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("start_time <= ?", filter.Until)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	logs := make([]*models.ExecutionLog, 0)
	return logs, q.Find(&logs).Error
}

// DeleteLogs removes logs by ID.
func (s *SQLStore) DeleteLogs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.ExecutionLog{})
	return int(res.RowsAffected), res.Error
}

// CleanLogs removes all logs, or all logs of one kind.
func (s *SQLStore) CleanLogs(ctx context.Context, kind models.JobKind) (int, error) {
	q := s.db.WithContext(ctx)
	if kind != "" {
		q = q.Where("job_kind = ?", kind)
	} else {
		q = q.Where("1 = 1")
	}
	res := q.Delete(&models.ExecutionLog{})
	return int(res.RowsAffected), res.Error
}

// RecordPush inserts a webhook audit record.
func (s *SQLStore) RecordPush(ctx context.Context, rec *models.PushRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// GetPush retrieves a push record by ID.
func (s *SQLStore) GetPush(ctx context.Context, id string) (*models.PushRecord, error) {
	var rec models.PushRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err, models.ErrPushNotFound)
	}
	return &rec, nil
}

// ListPushes returns matching push records newest first.
func (s *SQLStore) ListPushes(ctx context.Context, filter models.PushFilter) ([]*models.PushRecord, error) {
	q := s.db.WithContext(ctx).Order("created_at desc, id desc")
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Reporter != "" {
		q = q.Where("reporter = ?", filter.Reporter)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	recs := make([]*models.PushRecord, 0)
	return recs, q.Find(&recs).Error
}

// DeletePushes removes push records by ID.
func (s *SQLStore) DeletePushes(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.PushRecord{})
	return int(res.RowsAffected), res.Error
}

// GetConfig returns a configuration value.
func (s *SQLStore) GetConfig(ctx context.Context, key string) (string, error) {
	var entry ConfigEntry
	if err := s.db.WithContext(ctx).Where("config_key = ?", key).First(&entry).Error; err != nil {
		return "", notFound(err, models.ErrConfigNotFound)
	}
	return entry.Value, nil
}

// SetConfig upserts a configuration value.
func (s *SQLStore) SetConfig(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Save(&ConfigEntry{Key: key, Value: value, UpdatedAt: time.Now()}).Error
}

// DeleteConfig removes a configuration value.
func (s *SQLStore) DeleteConfig(ctx context.Context, key string) error {
	res := s.db.WithContext(ctx).Where("config_key = ?", key).Delete(&ConfigEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrConfigNotFound
	}
	return nil
}
