// Package scheduler provides the in-process cron engine jobs are
// registered with.
//
// Entries are keyed by models.JobKey. A key never has more than one firing
// in flight: when an entry comes due while its previous firing is still
// running, the new firing is skipped rather than queued. Firings run on a
// bounded pool; a due firing waits for a free slot.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moniwatch/moniwatch/internal/metrics"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/pkg/clock"
	"github.com/moniwatch/moniwatch/pkg/cron"
	"github.com/rs/zerolog"
)

// RunFunc executes one firing of job. operator is empty for cron firings.
type RunFunc func(ctx context.Context, job *models.Job, operator string)

// Config holds scheduler configuration.
type Config struct {
	TickInterval  time.Duration
	PoolSize      int
	FiringTimeout time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		PoolSize:      10,
		FiringTimeout: 10 * time.Minute,
	}
}

type entry struct {
	key      models.JobKey
	kind     models.JobKind
	expr     string
	schedule cron.Schedule
	job      *models.Job
	paused   bool
	running  *atomic.Bool
	lastRun  time.Time
}

// Entry is a read-only view of a registered entry.
type Entry struct {
	Key     models.JobKey `json:"key"`
	JobID   int64         `json:"job_id"`
	Cron    string        `json:"cron"`
	Paused  bool          `json:"paused"`
	Running bool          `json:"running"`
	NextRun *time.Time    `json:"next_run,omitempty"`
	LastRun *time.Time    `json:"last_run,omitempty"`
}

// Scheduler manages entries and fires them when due.
type Scheduler struct {
	run     RunFunc
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	nextRuns *runQueue
	// running holds the in-flight flag of every key ever registered. It
	// outlives entry replacement so a re-registered key still sees the
	// firing started under its previous entry.
	running map[string]*atomic.Bool

	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	loop   sync.WaitGroup
	wg     sync.WaitGroup
}

// New creates a new Scheduler that executes firings through run.
func New(run RunFunc, cfg Config, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.FiringTimeout <= 0 {
		cfg.FiringTimeout = def.FiringTimeout
	}
	if clk == nil {
		clk = clock.New()
	}

	q := &runQueue{}
	heap.Init(q)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:      run,
		cfg:      cfg,
		clock:    clk,
		metrics:  m,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		entries:  make(map[string]*entry),
		nextRuns: q,
		running:  make(map[string]*atomic.Bool),
		slots:    make(chan struct{}, cfg.PoolSize),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Int("pool_size", s.cfg.PoolSize).
		Dur("tick", s.cfg.TickInterval).
		Msg("Starting scheduler")

	ticker := time.NewTicker(s.cfg.TickInterval)
	s.loop.Add(1)
	go func() {
		defer s.loop.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop stops the tick loop and waits for in-flight firings to complete.
// Running firings are not cancelled; firings still waiting for a pool slot
// are dropped.
func (s *Scheduler) Stop() {
	s.logger.Info().Msg("Stopping scheduler")
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.loop.Wait()
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped, all firings completed")
}

// Register adds an entry for key. A snapshot of job is handed to every
// firing. The key must not already be registered.
func (s *Scheduler) Register(key models.JobKey, expr string, job *models.Job) error {
	schedule, err := cron.Parse(expr)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidSchedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	if _, ok := s.entries[k]; ok {
		return fmt.Errorf("%w: %s", models.ErrEntryExists, k)
	}
	running, ok := s.running[k]
	if !ok {
		running = &atomic.Bool{}
		s.running[k] = running
	}
	e := &entry{key: key, kind: job.Kind, expr: expr, schedule: schedule, job: job.Clone(), running: running}
	s.entries[k] = e
	s.enqueueLocked(e, s.clock.Now())
	s.metrics.SetScheduledJobs(len(s.entries))

	s.logger.Debug().Str("job_code", key.Code).Str("job_group", key.Group).Str("cron", expr).Msg("Registered entry")
	return nil
}

// Remove deletes the entry for key. A firing already in flight completes.
func (s *Scheduler) Remove(key models.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	if _, ok := s.entries[k]; !ok {
		return fmt.Errorf("%w: %s", models.ErrEntryNotFound, k)
	}
	delete(s.entries, k)
	s.dequeueLocked(k)
	s.metrics.SetScheduledJobs(len(s.entries))
	return nil
}

// Pause stops cron firings for key without removing it.
func (s *Scheduler) Pause(key models.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrEntryNotFound, key)
	}
	e.paused = true
	s.dequeueLocked(key.String())
	return nil
}

// Resume re-enables cron firings for key from the current time on.
func (s *Scheduler) Resume(key models.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrEntryNotFound, key)
	}
	if !e.paused {
		return nil
	}
	e.paused = false
	s.enqueueLocked(e, s.clock.Now())
	return nil
}

// Refresh replaces the job snapshot of key without touching its schedule.
// Firings already in flight keep the snapshot they started with.
func (s *Scheduler) Refresh(key models.JobKey, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrEntryNotFound, key)
	}
	e.job = job.Clone()
	return nil
}

// Exists reports whether key is registered.
func (s *Scheduler) Exists(key models.JobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key.String()]
	return ok
}

// FireNow starts a firing of key outside its schedule and returns without
// waiting for it. Paused entries may be fired. It fails with
// models.ErrFiringInFlight when the key is already running.
func (s *Scheduler) FireNow(_ context.Context, key models.JobKey, operator string) error {
	s.mu.Lock()
	e, ok := s.entries[key.String()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrEntryNotFound, key)
	}

	if !e.running.CompareAndSwap(false, true) {
		s.metrics.RecordSkipped(string(e.kind))
		return fmt.Errorf("%w: %s", models.ErrFiringInFlight, key)
	}
	s.dispatch(e, operator)
	return nil
}

// Entries lists registered entries ordered by key.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]time.Time, s.nextRuns.Len())
	for _, run := range *s.nextRuns {
		next[run.Key] = run.NextRun
	}

	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		view := Entry{
			Key:     e.key,
			JobID:   e.job.ID,
			Cron:    e.expr,
			Paused:  e.paused,
			Running: e.running.Load(),
		}
		if t, ok := next[k]; ok {
			view.NextRun = &t
		}
		if !e.lastRun.IsZero() {
			last := e.lastRun
			view.LastRun = &last
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// NextRun returns the next cron activation of key, if scheduled.
func (s *Scheduler) NextRun(key models.JobKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.nextRuns.find(key.String()); i >= 0 {
		return (*s.nextRuns)[i].NextRun, true
	}
	return time.Time{}, false
}

// tick fires every entry that is due.
func (s *Scheduler) tick() {
	now := s.clock.Now()

	var due []*entry
	s.mu.Lock()
	for {
		run, ok := s.nextRuns.peek()
		if !ok || run.NextRun.After(now) {
			break
		}
		heap.Pop(s.nextRuns)

		e, exists := s.entries[run.Key]
		if !exists || e.paused {
			continue
		}
		e.lastRun = run.NextRun
		s.enqueueLocked(e, now)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		if !e.running.CompareAndSwap(false, true) {
			s.logger.Warn().
				Str("job_code", e.key.Code).
				Str("job_group", e.key.Group).
				Msg("Skipping firing, previous firing still running")
			s.metrics.RecordSkipped(string(e.kind))
			continue
		}
		s.dispatch(e, "")
	}
}

// dispatch runs one firing of e on the pool. The caller must have set
// e.running.
func (s *Scheduler) dispatch(e *entry, operator string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Interface("panic", r).
					Str("job_code", e.key.Code).
					Str("job_group", e.key.Group).
					Msg("Firing panicked")
			}
		}()

		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-s.ctx.Done():
			return
		}

		// Shutdown only abandons the slot wait above; a started firing runs
		// to completion or its own timeout.
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FiringTimeout)
		defer cancel()

		s.mu.Lock()
		job := e.job.Clone()
		s.mu.Unlock()

		s.run(ctx, job, operator)
	}()
}

// enqueueLocked schedules the next activation of e after from.
// Must be called with mu held.
func (s *Scheduler) enqueueLocked(e *entry, from time.Time) {
	if e.paused {
		return
	}
	next := e.schedule.Next(from)
	if next.IsZero() {
		s.logger.Warn().Str("job_code", e.key.Code).Str("cron", e.expr).Msg("Schedule has no future activation")
		return
	}
	heap.Push(s.nextRuns, &scheduledRun{Key: e.key.String(), NextRun: next})
}

// dequeueLocked drops every pending activation for key.
// Must be called with mu held.
func (s *Scheduler) dequeueLocked(key string) {
	for {
		i := s.nextRuns.find(key)
		if i < 0 {
			return
		}
		heap.Remove(s.nextRuns, i)
	}
}
