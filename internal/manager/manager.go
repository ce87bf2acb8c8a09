// Package manager maps persisted job definitions onto scheduler entries.
//
// Every transition after the initial registration persists first and then
// mutates the scheduler, so a failed write never leaves the scheduler ahead
// of the repository.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moniwatch/moniwatch/internal/matcher"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/storage"
	"github.com/moniwatch/moniwatch/pkg/clock"
	"github.com/moniwatch/moniwatch/pkg/cron"
	"github.com/rs/zerolog"
)

// Scheduler is the subset of the cron engine the manager drives.
type Scheduler interface {
	Register(key models.JobKey, expr string, job *models.Job) error
	Remove(key models.JobKey) error
	Pause(key models.JobKey) error
	Resume(key models.JobKey) error
	Refresh(key models.JobKey, job *models.Job) error
	Exists(key models.JobKey) bool
	FireNow(ctx context.Context, key models.JobKey, operator string) error
}

// Manager is the job lifecycle manager.
type Manager struct {
	store  storage.JobStore
	sched  Scheduler
	clock  clock.Clock
	logger zerolog.Logger

	// mu serializes lifecycle transitions so persist-then-schedule pairs
	// of different callers do not interleave.
	mu sync.Mutex
}

// New creates a Manager.
func New(store storage.JobStore, sched Scheduler, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		store:  store,
		sched:  sched,
		clock:  clk,
		logger: logger.With().Str("component", "manager").Logger(),
	}
}

// Validate checks a job definition, including its cron expression and
// match operator. Defaults are filled in on job.
func Validate(job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := cron.Validate(job.CronExpression); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidSchedule, err)
	}
	switch job.Kind {
	case models.KindElastic, models.KindSQL, models.KindCert:
		if err := matcher.Validate(matcher.Operator(job.Target.MatchOperator), job.Target.ExpectedResult); err != nil {
			return err
		}
	}
	return nil
}

// Create persists a new job and registers it. The record is rolled back
// when registration fails.
func (m *Manager) Create(ctx context.Context, job *models.Job, operator string) (*models.Job, error) {
	if err := Validate(job); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	job.CreatedBy, job.UpdatedBy = operatorOrSystem(operator), operatorOrSystem(operator)
	job.Alert.LastAlert = nil
	job.LastExport = nil

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := m.register(job); err != nil {
		if derr := m.store.DeleteJob(context.WithoutCancel(ctx), job.ID); derr != nil {
			m.logger.Error().Err(derr).Int64("job_id", job.ID).Msg("Failed to roll back job after registration error")
		}
		return nil, err
	}

	m.logger.Info().
		Int64("job_id", job.ID).
		Str("job_code", job.Code()).
		Str("kind", string(job.Kind)).
		Str("operator", job.CreatedBy).
		Msg("Job created")
	return job.Clone(), nil
}

// Register maps job onto a scheduler entry. An existing entry with the same
// key is removed first. Paused jobs are registered paused.
func (m *Manager) Register(job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.register(job)
}

func (m *Manager) register(job *models.Job) error {
	if err := cron.Validate(job.CronExpression); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidSchedule, err)
	}

	key := job.Key()
	if m.sched.Exists(key) {
		if err := m.sched.Remove(key); err != nil && !errors.Is(err, models.ErrEntryNotFound) {
			return fmt.Errorf("remove stale entry %s: %w", key, err)
		}
	}
	if err := m.sched.Register(key, job.CronExpression, job); err != nil {
		return err
	}
	if job.Paused() {
		if err := m.sched.Pause(key); err != nil {
			return fmt.Errorf("pause entry %s: %w", key, err)
		}
	}
	return nil
}

// Update persists changes to an existing job and re-registers it.
// Creation audit fields and the alert and export timestamps are kept from
// the stored record.
func (m *Manager) Update(ctx context.Context, job *models.Job, operator string) (*models.Job, error) {
	if err := Validate(job); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if current.Kind != job.Kind {
		return nil, fmt.Errorf("%w: job %d is %s, not %s", models.ErrJobKindMismatch, job.ID, current.Kind, job.Kind)
	}

	job.CreatedAt = current.CreatedAt
	job.CreatedBy = current.CreatedBy
	job.Alert.LastAlert = current.Alert.LastAlert
	job.LastExport = current.LastExport
	job.UpdatedAt = m.clock.Now()
	job.UpdatedBy = operatorOrSystem(operator)

	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	if oldKey := current.Key(); oldKey != job.Key() {
		if err := m.sched.Remove(oldKey); err != nil && !errors.Is(err, models.ErrEntryNotFound) {
			return nil, fmt.Errorf("remove old entry %s: %w", oldKey, err)
		}
	}
	if err := m.register(job); err != nil {
		return nil, err
	}

	m.logger.Info().
		Int64("job_id", job.ID).
		Str("job_code", job.Code()).
		Str("operator", job.UpdatedBy).
		Msg("Job updated")
	return job.Clone(), nil
}

// Pause persists the paused status and pauses the scheduler entry.
func (m *Manager) Pause(ctx context.Context, id int64, operator string) (*models.Job, error) {
	return m.setStatus(ctx, id, models.StatusPaused, operator)
}

// Resume persists the enabled status and resumes the scheduler entry.
func (m *Manager) Resume(ctx context.Context, id int64, operator string) (*models.Job, error) {
	return m.setStatus(ctx, id, models.StatusEnabled, operator)
}

// ChangeStatus dispatches to Pause or Resume.
func (m *Manager) ChangeStatus(ctx context.Context, id int64, status models.JobStatus, operator string) (*models.Job, error) {
	switch status {
	case models.StatusPaused, models.StatusEnabled:
		return m.setStatus(ctx, id, status, operator)
	}
	return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidJob, status)
}

func (m *Manager) setStatus(ctx context.Context, id int64, status models.JobStatus, operator string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = status
	job.UpdatedAt = m.clock.Now()
	job.UpdatedBy = operatorOrSystem(operator)
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	key := job.Key()
	if !m.sched.Exists(key) {
		// Entry lost (e.g. registration failed at bootstrap); recreate it
		// in the requested state.
		if err := m.register(job); err != nil {
			return nil, err
		}
	} else {
		var serr error
		if status == models.StatusPaused {
			serr = m.sched.Pause(key)
		} else {
			serr = m.sched.Resume(key)
		}
		if serr != nil {
			return nil, serr
		}
		if err := m.sched.Refresh(key, job); err != nil && !errors.Is(err, models.ErrEntryNotFound) {
			return nil, err
		}
	}

	m.logger.Info().
		Int64("job_id", id).
		Str("job_code", job.Code()).
		Str("status", string(status)).
		Str("operator", job.UpdatedBy).
		Msg("Job status changed")
	return job.Clone(), nil
}

// Remove deletes the job record and then its scheduler entry. When the
// delete fails the scheduler is left untouched.
func (m *Manager) Remove(ctx context.Context, id int64, operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	if err := m.sched.Remove(job.Key()); err != nil && !errors.Is(err, models.ErrEntryNotFound) {
		return err
	}

	m.logger.Info().
		Int64("job_id", id).
		Str("job_code", job.Code()).
		Str("operator", operatorOrSystem(operator)).
		Msg("Job removed")
	return nil
}

// RunNow fires the job immediately, attributing the run to operator.
// An empty operator is recorded as the system operator.
func (m *Manager) RunNow(ctx context.Context, id int64, operator string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return m.fire(ctx, job, operator)
}

// RunNowKind is RunNow with a check that the job is of the given kind.
func (m *Manager) RunNowKind(ctx context.Context, id int64, kind models.JobKind, operator string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Kind != kind {
		return fmt.Errorf("%w: job %d is %s, not %s", models.ErrJobKindMismatch, id, job.Kind, kind)
	}
	return m.fire(ctx, job, operator)
}

func (m *Manager) fire(ctx context.Context, job *models.Job, operator string) error {
	operator = operatorOrSystem(operator)
	if err := m.sched.FireNow(ctx, job.Key(), operator); err != nil {
		return err
	}
	m.logger.Info().
		Int64("job_id", job.ID).
		Str("job_code", job.Code()).
		Str("operator", operator).
		Msg("Job fired on demand")
	return nil
}

// RecordAlert stores the time of the last delivered alert and refreshes
// the scheduler snapshot so the next firing sees it.
func (m *Manager) RecordAlert(ctx context.Context, id int64, at time.Time) error {
	if err := m.store.SetLastAlert(ctx, id, at); err != nil {
		return err
	}
	return m.refresh(ctx, id)
}

// RecordExport stores the time of the last export.
func (m *Manager) RecordExport(ctx context.Context, id int64, at time.Time) error {
	if err := m.store.SetLastExport(ctx, id, at); err != nil {
		return err
	}
	return m.refresh(ctx, id)
}

func (m *Manager) refresh(ctx context.Context, id int64) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := m.sched.Refresh(job.Key(), job); err != nil && !errors.Is(err, models.ErrEntryNotFound) {
		return err
	}
	return nil
}

// Bootstrap registers every persisted job. Jobs that fail to register are
// logged and skipped. It returns the number of registered jobs.
func (m *Manager) Bootstrap(ctx context.Context) (int, error) {
	jobs, err := m.store.ListJobs(ctx, models.JobFilter{})
	if err != nil {
		return 0, fmt.Errorf("load jobs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	registered := 0
	for _, job := range jobs {
		if err := m.register(job); err != nil {
			m.logger.Error().
				Err(err).
				Int64("job_id", job.ID).
				Str("job_code", job.Code()).
				Msg("Skipping job at bootstrap")
			continue
		}
		registered++
	}

	m.logger.Info().Int("registered", registered).Int("total", len(jobs)).Msg("Scheduler bootstrapped")
	return registered, nil
}

// Get returns a job by ID.
func (m *Manager) Get(ctx context.Context, id int64) (*models.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns jobs matching filter.
func (m *Manager) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

func operatorOrSystem(operator string) string {
	if operator == "" {
		return models.SystemOperator
	}
	return operator
}
