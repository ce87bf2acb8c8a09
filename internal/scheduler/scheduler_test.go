package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/pkg/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firing struct {
	job      *models.Job
	operator string
}

// recorder is a RunFunc that reports firings and optionally blocks until
// released.
type recorder struct {
	fired   chan firing
	release chan struct{}
	block   bool

	active    atomic.Int32
	maxActive atomic.Int32
}

func newRecorder(block bool) *recorder {
	return &recorder{fired: make(chan firing, 16), release: make(chan struct{}), block: block}
}

func (r *recorder) run(_ context.Context, job *models.Job, operator string) {
	n := r.active.Add(1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	r.fired <- firing{job: job, operator: operator}
	if r.block {
		<-r.release
	}
	r.active.Add(-1)
}

func (r *recorder) wait(t *testing.T) firing {
	t.Helper()
	select {
	case f := <-r.fired:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for firing")
		return firing{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-r.fired:
		t.Fatalf("unexpected firing of %s", f.job.Code())
	case <-time.After(50 * time.Millisecond):
	}
}

func testJob(id int64) *models.Job {
	return &models.Job{ID: id, Kind: models.KindAPI, Platform: "pf1", EnName: "check", CronExpression: "0 * * * * ?"}
}

func setupTestScheduler(t *testing.T, rec *recorder, pool int) (*Scheduler, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC))
	s := New(rec.run, Config{PoolSize: pool}, clk, nil, zerolog.Nop())
	t.Cleanup(func() {
		close(rec.release)
		s.Stop()
	})
	return s, clk
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestScheduler_Register(t *testing.T) {
	s, _ := setupTestScheduler(t, newRecorder(false), 1)
	job := testJob(1)

	require.NoError(t, s.Register(job.Key(), job.CronExpression, job))
	assert.True(t, s.Exists(job.Key()))

	next, ok := s.NextRun(job.Key())
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC), next)

	err := s.Register(job.Key(), job.CronExpression, job)
	assert.ErrorIs(t, err, models.ErrEntryExists)
}

func TestScheduler_RegisterInvalidCron(t *testing.T) {
	s, _ := setupTestScheduler(t, newRecorder(false), 1)
	job := testJob(2)

	for _, expr := range []string{"not a cron", "0 0 * * *  * 2024", "0 0 L * ?"} {
		err := s.Register(job.Key(), expr, job)
		assert.ErrorIs(t, err, models.ErrInvalidSchedule, expr)
		assert.False(t, s.Exists(job.Key()))
	}
}

func TestScheduler_RemoveAndMissingKeys(t *testing.T) {
	s, _ := setupTestScheduler(t, newRecorder(false), 1)
	job := testJob(3)
	key := job.Key()

	require.NoError(t, s.Register(key, job.CronExpression, job))
	require.NoError(t, s.Remove(key))
	assert.False(t, s.Exists(key))
	_, ok := s.NextRun(key)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Remove(key), models.ErrEntryNotFound)
	assert.ErrorIs(t, s.Pause(key), models.ErrEntryNotFound)
	assert.ErrorIs(t, s.Resume(key), models.ErrEntryNotFound)
	assert.ErrorIs(t, s.FireNow(context.Background(), key, ""), models.ErrEntryNotFound)
}

func TestScheduler_TickFiresDueEntries(t *testing.T) {
	rec := newRecorder(false)
	s, clk := setupTestScheduler(t, rec, 2)
	job := testJob(4)
	require.NoError(t, s.Register(job.Key(), job.CronExpression, job))

	s.tick()
	rec.none(t)

	clk.Set(time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC))
	s.tick()
	f := rec.wait(t)
	assert.Equal(t, "API-JOB-4", f.job.Code())
	assert.Equal(t, "", f.operator)

	next, ok := s.NextRun(job.Key())
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC), next)
}

func TestScheduler_FiringReceivesSnapshot(t *testing.T) {
	rec := newRecorder(false)
	s, _ := setupTestScheduler(t, rec, 1)
	job := testJob(5)
	require.NoError(t, s.Register(job.Key(), job.CronExpression, job))

	job.EnName = "mutated after register"
	require.NoError(t, s.FireNow(context.Background(), job.Key(), "alice"))
	f := rec.wait(t)
	assert.Equal(t, "check", f.job.EnName)
	assert.Equal(t, "alice", f.operator)
}

func TestScheduler_PauseResume(t *testing.T) {
	rec := newRecorder(false)
	s, clk := setupTestScheduler(t, rec, 1)
	job := testJob(6)
	key := job.Key()
	require.NoError(t, s.Register(key, job.CronExpression, job))

	require.NoError(t, s.Pause(key))
	assert.True(t, s.Exists(key))
	clk.Add(5 * time.Minute)
	s.tick()
	rec.none(t)

	// Paused entries can still be fired by hand.
	require.NoError(t, s.FireNow(context.Background(), key, "bob"))
	assert.Equal(t, "bob", rec.wait(t).operator)
	require.Eventually(t, func() bool { return !s.Entries()[0].Running }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Resume(key))
	require.NoError(t, s.Resume(key))
	next, ok := s.NextRun(key)
	require.True(t, ok)
	assert.True(t, next.After(clk.Now()))

	clk.Set(next)
	s.tick()
	rec.wait(t)
}

func TestScheduler_SkipsOverlappingFirings(t *testing.T) {
	rec := newRecorder(true)
	s, clk := setupTestScheduler(t, rec, 4)
	job := testJob(7)
	key := job.Key()
	require.NoError(t, s.Register(key, job.CronExpression, job))

	require.NoError(t, s.FireNow(context.Background(), key, ""))
	rec.wait(t)

	err := s.FireNow(context.Background(), key, "")
	assert.ErrorIs(t, err, models.ErrFiringInFlight)

	clk.Add(time.Minute)
	s.tick()
	rec.none(t)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Running)
	assert.NotNil(t, entries[0].LastRun)
}

func TestScheduler_PoolBoundsConcurrency(t *testing.T) {
	rec := newRecorder(true)
	s, _ := setupTestScheduler(t, rec, 1)

	a, b := testJob(8), testJob(9)
	require.NoError(t, s.Register(a.Key(), a.CronExpression, a))
	require.NoError(t, s.Register(b.Key(), b.CronExpression, b))

	require.NoError(t, s.FireNow(context.Background(), a.Key(), ""))
	require.NoError(t, s.FireNow(context.Background(), b.Key(), ""))

	rec.wait(t)
	rec.none(t)
	assert.Equal(t, int32(1), rec.active.Load())

	rec.release <- struct{}{}
	rec.wait(t)
	assert.Equal(t, int32(1), rec.maxActive.Load())
	rec.release <- struct{}{}
}

func TestScheduler_StartStop(t *testing.T) {
	rec := newRecorder(false)
	clk := clock.New()
	s := New(rec.run, Config{TickInterval: 10 * time.Millisecond}, clk, nil, zerolog.Nop())

	job := testJob(10)
	require.NoError(t, s.Register(job.Key(), "@every 1s", job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case f := <-rec.fired:
		assert.Equal(t, int64(10), f.job.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("entry did not fire")
	}

	s.Stop()
	s.Stop()
}

func TestScheduler_Refresh(t *testing.T) {
	rec := newRecorder(false)
	s, _ := setupTestScheduler(t, rec, 1)
	job := testJob(11)
	require.NoError(t, s.Register(job.Key(), job.CronExpression, job))

	last := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	updated := job.Clone()
	updated.Alert.LastAlert = &last
	require.NoError(t, s.Refresh(job.Key(), updated))

	require.NoError(t, s.FireNow(context.Background(), job.Key(), ""))
	f := rec.wait(t)
	require.NotNil(t, f.job.Alert.LastAlert)
	assert.Equal(t, last, *f.job.Alert.LastAlert)

	assert.ErrorIs(t, s.Refresh(testJob(99).Key(), updated), models.ErrEntryNotFound)
}

func TestScheduler_ReRegisterKeepsInFlightGuard(t *testing.T) {
	rec := newRecorder(true)
	s, clk := setupTestScheduler(t, rec, 4)
	job := testJob(12)
	key := job.Key()
	require.NoError(t, s.Register(key, job.CronExpression, job))

	require.NoError(t, s.FireNow(context.Background(), key, ""))
	rec.wait(t)

	// Update re-registers the key while the first firing still runs.
	require.NoError(t, s.Remove(key))
	require.NoError(t, s.Register(key, job.CronExpression, job))

	err := s.FireNow(context.Background(), key, "")
	assert.ErrorIs(t, err, models.ErrFiringInFlight)

	clk.Add(time.Minute)
	s.tick()
	rec.none(t)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Running)
	assert.Equal(t, int32(1), rec.maxActive.Load())

	rec.release <- struct{}{}
	require.Eventually(t, func() bool { return !s.Entries()[0].Running }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.FireNow(context.Background(), key, ""))
	rec.wait(t)
	assert.Equal(t, int32(1), rec.maxActive.Load())
}

func TestScheduler_StopWaitsForRunningFiring(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ctxErr := make(chan error, 1)
	run := func(ctx context.Context, _ *models.Job, _ string) {
		close(started)
		<-release
		ctxErr <- ctx.Err()
	}

	s := New(run, Config{PoolSize: 1}, clock.NewMock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)), nil, zerolog.Nop())
	job := testJob(13)
	require.NoError(t, s.Register(job.Key(), job.CronExpression, job))
	require.NoError(t, s.FireNow(context.Background(), job.Key(), ""))
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a firing was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the firing finished")
	}
	assert.NoError(t, <-ctxErr)
}

func TestScheduler_StopEndsTickLoop(t *testing.T) {
	rec := newRecorder(false)
	clk := clock.NewMock(time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC))
	s := New(rec.run, Config{TickInterval: 5 * time.Millisecond}, clk, nil, zerolog.Nop())
	job := testJob(14)
	require.NoError(t, s.Register(job.Key(), job.CronExpression, job))

	s.Start(context.Background())
	s.Stop()

	clk.Add(time.Minute)
	rec.none(t)
}
