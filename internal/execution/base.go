package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/moniwatch/moniwatch/internal/alert"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/rs/zerolog"
)

// DefaultTemplate is used for job alerts without a template of their own.
const DefaultTemplate = "*\\[{priority}\\] {name}*\nPlatform: {platform}\nResult: {result}\n{descr}"

// base implements the shared phases. Job kinds embed it and provide
// Execute.
type base struct {
	deps   *Deps
	job    *models.Job
	log    *models.ExecutionLog
	logger zerolog.Logger
}

func (b *base) Setup(_ context.Context, job *models.Job) {
	b.job = job
	b.log = &models.ExecutionLog{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		JobKind:   job.Kind,
		JobCode:   job.Code(),
		StartTime: b.deps.Clock.Now(),
	}
	b.logger = b.deps.Logger.With().
		Int64("job_id", job.ID).
		Str("job_code", job.Code()).
		Str("job_group", job.Platform).
		Str("log_id", b.log.ID).
		Logger()
	b.logger.Info().Str("name", job.Name()).Msg("Preparing to execute job")
}

func (b *base) Log() *models.ExecutionLog {
	return b.log
}

// OnError marks the firing as errored. Delivery and channel failures are
// recorded without a second alert attempt; any other error forces one.
func (b *base) OnError(ctx context.Context, err error) {
	b.log.Status = models.LogError
	b.log.AlertStatus = true

	if isAlertFailure(err) {
		b.log.AlertOutcome = models.AlertFailed
		b.log.ExceptionLog = sanitize("Telegram send message error: " + alert.Description(err))
		b.logger.Error().Err(err).Msg("Alert delivery failed")
		return
	}

	b.log.ExceptionLog = sanitize(err.Error())
	b.logger.Error().Err(err).Msg("Job execution failed")

	result := b.log.ExecuteResult
	if result == "" {
		result = b.log.ExceptionLog
	}
	if aerr := b.alert(ctx, true, result); aerr != nil {
		b.log.ExceptionLog += sanitize("; Telegram send message error: " + alert.Description(aerr))
		b.logger.Error().Err(aerr).Msg("Forced alert failed")
	}
}

// Finalize stamps the end of the firing and persists the log exactly once.
func (b *base) Finalize(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("Finalize panicked")
		}
	}()

	b.log.EndTime = b.deps.Clock.Now()
	b.log.ExecuteSeconds = int64(b.log.EndTime.Sub(b.log.StartTime).Seconds())
	b.log.Operator = OperatorFrom(ctx)
	if b.log.Status == "" {
		b.log.Status = models.LogSuccess
	}

	// Persist even when the firing context has been cancelled.
	if err := b.deps.Logs.AppendLog(context.WithoutCancel(ctx), b.log); err != nil {
		b.logger.Error().Err(err).Msg("Failed to persist execution log")
	}

	b.deps.Metrics.RecordFiring(string(b.job.Kind), string(b.log.Status), b.log.EndTime.Sub(b.log.StartTime).Seconds())
	b.deps.Metrics.RecordAlert(string(b.log.AlertOutcome))

	b.logger.Info().
		Time("start", b.log.StartTime).
		Time("end", b.log.EndTime).
		Int64("seconds", b.log.ExecuteSeconds).
		Str("status", string(b.log.Status)).
		Str("result", b.log.ExecuteResult).
		Str("operator", b.log.Operator).
		Bool("alert", b.log.AlertStatus).
		Str("alert_outcome", string(b.log.AlertOutcome)).
		Msg("Job execution finished")
}

// fail records a matched alert condition and alerts if enabled.
func (b *base) fail(ctx context.Context) error {
	b.log.Status = models.LogFail
	b.log.AlertStatus = true
	return b.alert(ctx, false, b.log.ExecuteResult)
}

// alert delivers the job alert unless disabled or suppressed. forced
// alerts ignore the alert-enabled flag but not the suppression window.
func (b *base) alert(ctx context.Context, forced bool, result string) error {
	job := b.job
	if !forced && !job.Alert.Enabled {
		b.log.AlertOutcome = models.AlertDisabled
		return nil
	}

	now := b.deps.Clock.Now()
	if alert.Suppressed(job.Alert.LastAlert, job.Alert.SuppressMinutes, now) {
		b.log.AlertOutcome = models.AlertSuppressed
		b.logger.Info().
			Time("last_alert", *job.Alert.LastAlert).
			Int("suppress_minutes", job.Alert.SuppressMinutes).
			Msg("Alert suppressed")
		return nil
	}

	tmpl := job.Alert.Template
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultTemplate
	}
	delivery, err := b.deps.Alerts.Send(ctx, alert.Message{
		ChannelRef: job.Alert.ChannelRef,
		Template:   tmpl,
		Vars:       alert.JobVariables(job, result, b.deps.Alerts.PlatformLabels()),
		Keyboard:   alert.JobKeyboard(b.deps.LinkBase, job.ID, b.log.ID, job.Alert.KibanaURL),
	})
	if err != nil {
		b.log.AlertOutcome = models.AlertFailed
		return err
	}

	b.log.AlertOutcome = models.AlertSent
	sentAt := delivery.SentAt
	job.Alert.LastAlert = &sentAt
	if b.deps.Recorder != nil {
		if err := b.deps.Recorder.RecordAlert(context.WithoutCancel(ctx), job.ID, sentAt); err != nil {
			b.logger.Error().Err(err).Msg("Failed to record last alert time")
		}
	}
	b.logger.Info().Bool("chunked", delivery.Chunked).Msg("Alert sent")
	return nil
}

func isAlertFailure(err error) bool {
	return errors.Is(err, models.ErrDelivery) ||
		errors.Is(err, models.ErrChannelNotConfigured) ||
		errors.Is(err, models.ErrChannelMisconfigured)
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

func countResult(n int64, unit string) string {
	return fmt.Sprintf("find %d %s", n, unit)
}
