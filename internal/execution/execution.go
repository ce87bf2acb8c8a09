// Package execution runs one firing of a job through the four-phase
// protocol: Setup, Execute, OnError (only when Execute failed) and
// Finalize (always). Each job kind provides its own Execute; the phases
// around it are shared.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moniwatch/moniwatch/internal/alert"
	"github.com/moniwatch/moniwatch/internal/matcher"
	"github.com/moniwatch/moniwatch/internal/metrics"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/probe"
	"github.com/moniwatch/moniwatch/internal/storage"
	"github.com/moniwatch/moniwatch/internal/tracing"
	"github.com/moniwatch/moniwatch/pkg/clock"
	"github.com/rs/zerolog"
)

// Execution is one firing of one job. An instance is owned by a single
// firing and must not be reused.
type Execution interface {
	// Setup binds the job snapshot and opens the log record.
	Setup(ctx context.Context, job *models.Job)
	// Execute performs the check, matches the result and alerts on a hit.
	Execute(ctx context.Context) error
	// OnError records a failed Execute and forces an alert.
	OnError(ctx context.Context, err error)
	// Finalize closes and persists the log record. It never fails.
	Finalize(ctx context.Context)
	// Log returns the log record of the firing.
	Log() *models.ExecutionLog
}

// Factory creates a fresh Execution for one firing.
type Factory func(deps *Deps) Execution

type operatorKey struct{}

// WithOperator attaches the identity of whoever triggered a firing.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

// OperatorFrom returns the operator attached to ctx, or
// models.SystemOperator when there is none.
func OperatorFrom(ctx context.Context) string {
	if op, ok := ctx.Value(operatorKey{}).(string); ok && op != "" {
		return op
	}
	return models.SystemOperator
}

// HTTPChecker performs the api check.
type HTTPChecker interface {
	Check(ctx context.Context, method, url string, timeout time.Duration) (*probe.HTTPResult, error)
}

// HitCounter performs the elastic check.
type HitCounter interface {
	Count(ctx context.Context, platform, index, query string) (int64, error)
}

// SQLRunner performs the sql and export checks.
type SQLRunner interface {
	Count(ctx context.Context, datasource, query string) (int64, error)
	Query(ctx context.Context, datasource, query string) (*probe.Table, error)
}

// CertChecker performs the cert check.
type CertChecker interface {
	Inspect(ctx context.Context, domain string) (*probe.Certificate, error)
}

// AlertSender delivers chat messages.
type AlertSender interface {
	Send(ctx context.Context, msg alert.Message) (*alert.Delivery, error)
	SendDocument(ctx context.Context, ref, fileName string, content []byte, caption string) (*alert.Delivery, error)
	PlatformLabels() map[string]string
}

// TimestampRecorder persists the alert and export timestamps of a job.
type TimestampRecorder interface {
	RecordAlert(ctx context.Context, id int64, at time.Time) error
	RecordExport(ctx context.Context, id int64, at time.Time) error
}

// Deps are the collaborators shared by all firings.
type Deps struct {
	Logs     storage.LogStore
	Alerts   AlertSender
	Recorder TimestampRecorder
	Matcher  *matcher.Matcher
	HTTP     HTTPChecker
	Elastic  HitCounter
	SQL      SQLRunner
	Cert     CertChecker
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	// LinkBase is the admin UI base URL used for alert detail links.
	LinkBase string
}

// Drive runs the phases of exec for job in order. Finalize runs even when
// Execute or OnError panics.
func Drive(ctx context.Context, exec Execution, job *models.Job) {
	exec.Setup(ctx, job)
	defer exec.Finalize(ctx)

	if err := safeExecute(ctx, exec); err != nil {
		exec.OnError(ctx, err)
	}
}

func safeExecute(ctx context.Context, exec Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
		}
	}()
	return exec.Execute(ctx)
}

// Runner maps jobs to their execution kind and drives firings. Its Run
// method is the scheduler's RunFunc.
type Runner struct {
	deps      *Deps
	factories map[models.JobKind]Factory
}

// NewRunner creates a Runner with the built-in job kinds.
func NewRunner(deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(true)
	}
	deps.Logger = deps.Logger.With().Str("component", "execution").Logger()

	return &Runner{
		deps: &deps,
		factories: map[models.JobKind]Factory{
			models.KindAPI:     newAPIExecution,
			models.KindElastic: newElasticExecution,
			models.KindSQL:     newSQLExecution,
			models.KindExport:  newExportExecution,
			models.KindCert:    newCertExecution,
		},
	}
}

// SetRecorder sets the timestamp recorder. It must be called before the
// first firing.
func (r *Runner) SetRecorder(rec TimestampRecorder) {
	r.deps.Recorder = rec
}

// Register replaces the execution used for kind.
func (r *Runner) Register(kind models.JobKind, f Factory) {
	r.factories[kind] = f
}

// Run executes one firing of job.
func (r *Runner) Run(ctx context.Context, job *models.Job, operator string) {
	ctx = WithOperator(ctx, operator)
	ctx, span := tracing.StartFiringSpan(ctx, job.Code(), job.Platform, string(job.Kind), OperatorFrom(ctx))
	defer span.End()

	factory, ok := r.factories[job.Kind]
	if !ok {
		err := fmt.Errorf("%w: no execution for kind %q", models.ErrInvalidJob, job.Kind)
		tracing.RecordError(span, err)
		r.deps.Logger.Error().Err(err).Int64("job_id", job.ID).Msg("Cannot fire job")
		return
	}

	exec := factory(r.deps)
	Drive(ctx, exec, job)

	if log := exec.Log(); log != nil && log.Status == models.LogError {
		tracing.RecordError(span, errors.New(log.ExceptionLog))
	} else {
		tracing.SetSpanOK(span)
	}
}
