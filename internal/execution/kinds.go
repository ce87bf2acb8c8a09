package execution

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/moniwatch/moniwatch/internal/alert"
	"github.com/moniwatch/moniwatch/internal/matcher"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/tracing"
)

// apiExecution checks the status code of an HTTP endpoint.
type apiExecution struct {
	base
}

func newAPIExecution(deps *Deps) Execution {
	return &apiExecution{base: base{deps: deps}}
}

func (e *apiExecution) Execute(ctx context.Context) error {
	t := e.job.Target
	e.log.ExpectedResult = fmt.Sprintf("Response code equal to [%d]", t.ExpectedCode)

	probeCtx, span := tracing.StartProbeSpan(ctx, string(models.KindAPI), t.URL)
	res, err := e.deps.HTTP.Check(probeCtx, t.Method, t.URL, t.Timeout.Std())
	span.End()
	if err != nil {
		return err
	}

	e.log.ExecuteResult = res.Status
	if res.StatusCode == t.ExpectedCode {
		e.log.Status = models.LogSuccess
		return nil
	}
	return e.fail(ctx)
}

// countExecution runs a counting check and matches the count.
type countExecution struct {
	base
	unit  string
	count func(ctx context.Context, job *models.Job) (int64, error)
}

func newElasticExecution(deps *Deps) Execution {
	e := &countExecution{base: base{deps: deps}, unit: "hits"}
	e.count = func(ctx context.Context, job *models.Job) (int64, error) {
		ctx, span := tracing.StartProbeSpan(ctx, string(models.KindElastic), job.Target.Index)
		defer span.End()
		return deps.Elastic.Count(ctx, job.Platform, job.Target.Index, job.Target.Query)
	}
	return e
}

func newSQLExecution(deps *Deps) Execution {
	e := &countExecution{base: base{deps: deps}, unit: "rows"}
	e.count = func(ctx context.Context, job *models.Job) (int64, error) {
		ctx, span := tracing.StartProbeSpan(ctx, string(models.KindSQL), job.Target.Datasource)
		defer span.End()
		return deps.SQL.Count(ctx, job.Target.Datasource, job.Target.SQL)
	}
	return e
}

func (e *countExecution) Execute(ctx context.Context) error {
	e.log.ExpectedResult = e.job.Target.ExpectedResult
	n, err := e.count(ctx, e.job)
	if err != nil {
		return err
	}
	e.log.ExecuteResult = countResult(n, e.unit)

	res, err := e.deps.Matcher.Match(matcher.Operator(e.job.Target.MatchOperator), n, e.job.Target.ExpectedResult)
	if err != nil {
		return err
	}
	e.log.ExpectedResult = res.Expected
	if !res.Alert {
		e.log.Status = models.LogSuccess
		return nil
	}
	return e.fail(ctx)
}

// certExecution matches the days a TLS certificate has left.
type certExecution struct {
	base
}

func newCertExecution(deps *Deps) Execution {
	return &certExecution{base: base{deps: deps}}
}

func (e *certExecution) Execute(ctx context.Context) error {
	t := e.job.Target
	e.log.ExpectedResult = t.ExpectedResult

	probeCtx, span := tracing.StartProbeSpan(ctx, string(models.KindCert), t.Domain)
	cert, err := e.deps.Cert.Inspect(probeCtx, t.Domain)
	span.End()
	if err != nil {
		return err
	}

	days := daysLeft(cert.NotAfter, e.deps.Clock.Now())
	e.log.ExecuteResult = fmt.Sprintf("certificate valid from %s to %s, %d days left",
		cert.NotBefore.UTC().Format(certTimeLayout), cert.NotAfter.UTC().Format(certTimeLayout), days)

	res, err := e.deps.Matcher.Match(matcher.Operator(t.MatchOperator), days, t.ExpectedResult)
	if err != nil {
		return err
	}
	e.log.ExpectedResult = res.Expected
	if !res.Alert {
		e.log.Status = models.LogSuccess
		return nil
	}
	return e.fail(ctx)
}

const certTimeLayout = "2006-01-02 15:04:05"

// daysLeft counts whole days until notAfter, negative once it has passed.
func daysLeft(notAfter, now time.Time) int64 {
	return int64(math.Floor(notAfter.Sub(now).Hours() / 24))
}

// exportExecution sends a query result as a CSV document.
type exportExecution struct {
	base
}

func newExportExecution(deps *Deps) Execution {
	return &exportExecution{base: base{deps: deps}}
}

func (e *exportExecution) Execute(ctx context.Context) error {
	job := e.job
	e.log.ExpectedResult = "Export to " + job.Alert.ChannelRef

	probeCtx, span := tracing.StartProbeSpan(ctx, string(models.KindExport), job.Target.Datasource)
	table, err := e.deps.SQL.Query(probeCtx, job.Target.Datasource, job.Target.SQL)
	span.End()
	if err != nil {
		return err
	}

	content, err := renderCSV(table.Columns, table.Rows)
	if err != nil {
		return fmt.Errorf("render csv: %w", err)
	}

	now := e.deps.Clock.Now()
	result := fmt.Sprintf("exported %d rows", len(table.Rows))
	caption := ""
	if job.Alert.Template != "" {
		caption = alert.Render(job.Alert.Template, alert.JobVariables(job, result, e.deps.Alerts.PlatformLabels()), nil)
	}

	delivery, err := e.deps.Alerts.SendDocument(ctx, job.Alert.ChannelRef, exportFileName(job, now), content, caption)
	if err != nil {
		return err
	}

	e.log.ExecuteResult = result
	e.log.Status = models.LogSuccess
	if e.deps.Recorder != nil {
		if err := e.deps.Recorder.RecordExport(context.WithoutCancel(ctx), job.ID, delivery.SentAt); err != nil {
			e.logger.Error().Err(err).Msg("Failed to record last export time")
		}
	}
	return nil
}

func renderCSV(columns []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// exportFileName expands {date} in the configured file name and ensures a
// .csv extension.
func exportFileName(job *models.Job, now time.Time) string {
	name := strings.TrimSpace(job.Target.FileName)
	if name == "" {
		name = job.Code() + "_{date}"
	}
	name = strings.ReplaceAll(name, "{date}", now.Format("20060102"))
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		name += ".csv"
	}
	return name
}
