package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moniwatch/moniwatch/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps.
// Useful for testing and development.
type MemoryStore struct {
	jobs   map[int64]*models.Job
	logs   map[string]*models.ExecutionLog
	pushes map[string]*models.PushRecord
	config map[string]string
	nextID int64
	mu     sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[int64]*models.Job),
		logs:   make(map[string]*models.ExecutionLog),
		pushes: make(map[string]*models.PushRecord),
		config: make(map[string]string),
	}
}

// CreateJob stores a new job.
func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == 0 {
		s.nextID++
		job.ID = s.nextID
	} else if job.ID > s.nextID {
		s.nextID = job.ID
	}
	if _, exists := s.jobs[job.ID]; exists {
		return models.ErrJobExists
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// UpdateJob replaces an existing job.
func (s *MemoryStore) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.jobs[job.ID]
	if !exists {
		return models.ErrJobNotFound
	}
	keepTimestamps(job, current)
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (s *MemoryStore) GetJob(_ context.Context, id int64) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, models.ErrJobNotFound
	}
	return job.Clone(), nil
}

// DeleteJob deletes a job by ID.
func (s *MemoryStore) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return models.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// ListJobs returns matching jobs ordered by ID.
func (s *MemoryStore) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Matches(job) {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// SetLastAlert updates the last-alert timestamp.
func (s *MemoryStore) SetLastAlert(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return models.ErrJobNotFound
	}
	job.Alert.LastAlert = &at
	return nil
}

// SetLastExport updates the last-export timestamp.
func (s *MemoryStore) SetLastExport(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return models.ErrJobNotFound
	}
	job.LastExport = &at
	return nil
}

// AppendLog stores an execution log.
func (s *MemoryStore) AppendLog(_ context.Context, log *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logCopy := *log
	s.logs[log.ID] = &logCopy
	return nil
}

// GetLog retrieves an execution log by ID.
func (s *MemoryStore) GetLog(_ context.Context, id string) (*models.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, exists := s.logs[id]
	if !exists {
		return nil, models.ErrLogNotFound
	}
	logCopy := *log
	return &logCopy, nil
}

// ListLogs returns matching logs newest first.
func (s *MemoryStore) ListLogs(_ context.Context, filter models.LogFilter) ([]*models.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]*models.ExecutionLog, 0)
	for _, log := range s.logs {
		if filter.Matches(log) {
			logCopy := *log
			logs = append(logs, &logCopy)
		}
	}
	sortLogs(logs)
	return applyLimit(logs, filter.Limit), nil
}

// DeleteLogs removes logs by ID and reports how many existed.
func (s *MemoryStore) DeleteLogs(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, exists := s.logs[id]; exists {
			delete(s.logs, id)
			n++
		}
	}
	return n, nil
}

// CleanLogs removes all logs, or all logs of one kind.
func (s *MemoryStore) CleanLogs(_ context.Context, kind models.JobKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, log := range s.logs {
		if kind == "" || log.JobKind == kind {
			delete(s.logs, id)
			n++
		}
	}
	return n, nil
}

// RecordPush stores a webhook audit record.
func (s *MemoryStore) RecordPush(_ context.Context, rec *models.PushRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushes[rec.ID] = copyPush(rec)
	return nil
}

// GetPush retrieves a push record by ID.
func (s *MemoryStore) GetPush(_ context.Context, id string) (*models.PushRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.pushes[id]
	if !exists {
		return nil, models.ErrPushNotFound
	}
	return copyPush(rec), nil
}

// ListPushes returns matching push records newest first.
func (s *MemoryStore) ListPushes(_ context.Context, filter models.PushFilter) ([]*models.PushRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*models.PushRecord, 0)
	for _, rec := range s.pushes {
		if filter.Matches(rec) {
			recs = append(recs, copyPush(rec))
		}
	}
	sortPushes(recs)
	return applyLimit(recs, filter.Limit), nil
}

// DeletePushes removes push records by ID.
func (s *MemoryStore) DeletePushes(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, exists := s.pushes[id]; exists {
			delete(s.pushes, id)
			n++
		}
	}
	return n, nil
}

// GetConfig returns a configuration value.
func (s *MemoryStore) GetConfig(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.config[key]
	if !ok {
		return "", models.ErrConfigNotFound
	}
	return v, nil
}

// SetConfig stores a configuration value.
func (s *MemoryStore) SetConfig(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config[key] = value
	return nil
}

// DeleteConfig removes a configuration value.
func (s *MemoryStore) DeleteConfig(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.config[key]; !ok {
		return models.ErrConfigNotFound
	}
	delete(s.config, key)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func copyPush(rec *models.PushRecord) *models.PushRecord {
	c := *rec
	if rec.Results != nil {
		c.Results = make(map[string]models.ChannelResult, len(rec.Results))
		for k, v := range rec.Results {
			c.Results[k] = v
		}
	}
	return &c
}

func sortLogs(logs []*models.ExecutionLog) {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].StartTime.Equal(logs[j].StartTime) {
			return logs[i].ID > logs[j].ID
		}
		return logs[i].StartTime.After(logs[j].StartTime)
	})
}

func sortPushes(recs []*models.PushRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
