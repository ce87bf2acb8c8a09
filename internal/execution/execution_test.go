package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moniwatch/moniwatch/internal/alert"
	"github.com/moniwatch/moniwatch/internal/matcher"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/probe"
	"github.com/moniwatch/moniwatch/internal/storage"
	"github.com/moniwatch/moniwatch/pkg/clock"
	"github.com/moniwatch/moniwatch/pkg/duration"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHTTP struct {
	code int
	err  error
}

func (f *fakeHTTP) Check(context.Context, string, string, time.Duration) (*probe.HTTPResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &probe.HTTPResult{StatusCode: f.code, Status: fmt.Sprintf("%d status", f.code)}, nil
}

type fakeCounter struct {
	n     int64
	err   error
	panic bool
}

func (f *fakeCounter) Count(context.Context, string, string, string) (int64, error) {
	if f.panic {
		panic("index exploded")
	}
	return f.n, f.err
}

type fakeSQL struct {
	fakeCounter
	table *probe.Table
}

func (f *fakeSQL) Count(ctx context.Context, datasource, query string) (int64, error) {
	return f.fakeCounter.Count(ctx, "", datasource, query)
}

func (f *fakeSQL) Query(context.Context, string, string) (*probe.Table, error) {
	return f.table, f.err
}

type fakeCert struct {
	cert *probe.Certificate
	err  error
}

func (f *fakeCert) Inspect(context.Context, string) (*probe.Certificate, error) {
	return f.cert, f.err
}

type sentDoc struct {
	ref, name, caption string
	content            []byte
}

type fakeAlerts struct {
	mu    sync.Mutex
	clock clock.Clock
	err   error
	sent  []alert.Message
	docs  []sentDoc
}

func (f *fakeAlerts) Send(_ context.Context, msg alert.Message) (*alert.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return nil, f.err
	}
	return &alert.Delivery{SentAt: f.clock.Now()}, nil
}

func (f *fakeAlerts) SendDocument(_ context.Context, ref, name string, content []byte, caption string) (*alert.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, sentDoc{ref: ref, name: name, caption: caption, content: content})
	if f.err != nil {
		return nil, f.err
	}
	return &alert.Delivery{SentAt: f.clock.Now()}, nil
}

func (f *fakeAlerts) PlatformLabels() map[string]string {
	return map[string]string{"pf1": "Platform One"}
}

type fakeRecorder struct {
	alerts  map[int64]time.Time
	exports map[int64]time.Time
}

func (f *fakeRecorder) RecordAlert(_ context.Context, id int64, at time.Time) error {
	f.alerts[id] = at
	return nil
}

func (f *fakeRecorder) RecordExport(_ context.Context, id int64, at time.Time) error {
	f.exports[id] = at
	return nil
}

type failingLogs struct {
	storage.LogStore
}

func (failingLogs) AppendLog(context.Context, *models.ExecutionLog) error {
	return errors.New("disk full")
}

type harness struct {
	runner   *Runner
	store    *storage.MemoryStore
	clock    *clock.Mock
	http     *fakeHTTP
	elastic  *fakeCounter
	sql      *fakeSQL
	cert     *fakeCert
	alerts   *fakeAlerts
	recorder *fakeRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(),
		clock:    clock.NewMock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)),
		http:     &fakeHTTP{code: 200},
		elastic:  &fakeCounter{},
		sql:      &fakeSQL{},
		cert:     &fakeCert{},
		recorder: &fakeRecorder{alerts: map[int64]time.Time{}, exports: map[int64]time.Time{}},
	}
	h.alerts = &fakeAlerts{clock: h.clock}
	h.runner = NewRunner(Deps{
		Logs:     h.store,
		Alerts:   h.alerts,
		Matcher:  matcher.New(true),
		HTTP:     h.http,
		Elastic:  h.elastic,
		SQL:      h.sql,
		Cert:     h.cert,
		Clock:    h.clock,
		Logger:   zerolog.Nop(),
		LinkBase: "https://moniwatch.example.com",
	})
	h.runner.SetRecorder(h.recorder)
	return h
}

// logs returns every persisted log of job id.
func (h *harness) logs(t *testing.T, id int64) []*models.ExecutionLog {
	t.Helper()
	logs, err := h.store.ListLogs(context.Background(), models.LogFilter{JobID: id})
	require.NoError(t, err)
	return logs
}

func (h *harness) onlyLog(t *testing.T, id int64) *models.ExecutionLog {
	t.Helper()
	logs := h.logs(t, id)
	require.Len(t, logs, 1, "exactly one log per firing")
	return logs[0]
}

func apiJob() *models.Job {
	return &models.Job{
		ID: 1, Kind: models.KindAPI, EnName: "health", Platform: "pf1", Priority: "1",
		Target: models.Target{URL: "https://svc/health", Method: "GET", ExpectedCode: 200, Timeout: duration.Duration(time.Second)},
		Alert:  models.Alert{Enabled: true, ChannelRef: "ops", SuppressMinutes: 10},
	}
}

func countJob(kind models.JobKind, op, expected string) *models.Job {
	return &models.Job{
		ID: 2, Kind: kind, EnName: "errors", Platform: "pf1",
		Target: models.Target{Index: "logs-*", Datasource: "main", SQL: "select 1", MatchOperator: op, ExpectedResult: expected},
		Alert:  models.Alert{Enabled: true, ChannelRef: "ops"},
	}
}

func TestOperatorFrom(t *testing.T) {
	assert.Equal(t, models.SystemOperator, OperatorFrom(context.Background()))
	assert.Equal(t, models.SystemOperator, OperatorFrom(WithOperator(context.Background(), "")))
	assert.Equal(t, "alice", OperatorFrom(WithOperator(context.Background(), "alice")))
}

type phaseRecorder struct {
	base
	phases   []string
	execErr  error
	panicMsg string
}

func (p *phaseRecorder) Setup(ctx context.Context, job *models.Job) {
	p.phases = append(p.phases, "setup")
	p.base.Setup(ctx, job)
}

func (p *phaseRecorder) Execute(context.Context) error {
	p.phases = append(p.phases, "execute")
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	return p.execErr
}

func (p *phaseRecorder) OnError(ctx context.Context, err error) {
	p.phases = append(p.phases, "onError")
	p.base.OnError(ctx, err)
}

func (p *phaseRecorder) Finalize(ctx context.Context) {
	p.phases = append(p.phases, "finalize")
	p.base.Finalize(ctx)
}

func TestDrive_PhaseOrder(t *testing.T) {
	h := newHarness(t)
	job := apiJob()
	job.Alert.Enabled = false

	ok := &phaseRecorder{base: base{deps: h.runner.deps}}
	Drive(context.Background(), ok, job)
	assert.Equal(t, []string{"setup", "execute", "finalize"}, ok.phases)

	failed := &phaseRecorder{base: base{deps: h.runner.deps}, execErr: models.ErrDomainCheck}
	Drive(context.Background(), failed, job)
	assert.Equal(t, []string{"setup", "execute", "onError", "finalize"}, failed.phases)

	panicked := &phaseRecorder{base: base{deps: h.runner.deps}, panicMsg: "boom"}
	Drive(context.Background(), panicked, job)
	assert.Equal(t, []string{"setup", "execute", "onError", "finalize"}, panicked.phases)
	assert.Contains(t, panicked.Log().ExceptionLog, "boom")

	assert.Len(t, h.logs(t, job.ID), 3)
}

func TestAPI_Success(t *testing.T) {
	h := newHarness(t)
	h.runner.Run(context.Background(), apiJob(), "")

	log := h.onlyLog(t, 1)
	assert.Equal(t, models.LogSuccess, log.Status)
	assert.Equal(t, "200 status", log.ExecuteResult)
	assert.Equal(t, "Response code equal to [200]", log.ExpectedResult)
	assert.Equal(t, "API-JOB-1", log.JobCode)
	assert.Equal(t, models.SystemOperator, log.Operator)
	assert.False(t, log.AlertStatus)
	assert.Empty(t, h.alerts.sent)
}

func TestAPI_MismatchAlertsAndRecordsLastAlert(t *testing.T) {
	h := newHarness(t)
	h.http.code = 503

	h.runner.Run(context.Background(), apiJob(), "alice")

	log := h.onlyLog(t, 1)
	assert.Equal(t, models.LogFail, log.Status)
	assert.True(t, log.AlertStatus)
	assert.Equal(t, models.AlertSent, log.AlertOutcome)
	assert.Equal(t, "alice", log.Operator)

	require.Len(t, h.alerts.sent, 1)
	msg := h.alerts.sent[0]
	assert.Equal(t, "ops", msg.ChannelRef)
	assert.Equal(t, DefaultTemplate, msg.Template)
	assert.Equal(t, "503 status", msg.Vars["result"])
	assert.Equal(t, "Platform One", msg.Vars["platform"])
	assert.Equal(t, "NU", msg.Vars["priority"])
	require.Len(t, msg.Keyboard, 1)
	assert.Equal(t, "https://moniwatch.example.com/logs/"+log.ID, msg.Keyboard[0][1].URL)

	assert.Equal(t, h.clock.Now(), h.recorder.alerts[1])
}

func TestAPI_SuppressedAlert(t *testing.T) {
	h := newHarness(t)
	h.http.code = 500
	job := apiJob()
	last := h.clock.Now().Add(-5 * time.Minute)
	job.Alert.LastAlert = &last

	h.runner.Run(context.Background(), job, "")

	log := h.onlyLog(t, 1)
	assert.Equal(t, models.LogFail, log.Status)
	assert.True(t, log.AlertStatus)
	assert.Equal(t, models.AlertSuppressed, log.AlertOutcome)
	assert.Empty(t, h.alerts.sent)
	assert.Empty(t, h.recorder.alerts)
}

func TestAPI_WindowElapsedAlertsAgain(t *testing.T) {
	h := newHarness(t)
	h.http.code = 500
	job := apiJob()
	last := h.clock.Now().Add(-11 * time.Minute)
	job.Alert.LastAlert = &last

	h.runner.Run(context.Background(), job, "")

	assert.Equal(t, models.AlertSent, h.onlyLog(t, 1).AlertOutcome)
	assert.Len(t, h.alerts.sent, 1)
}

func TestAPI_AlertDisabled(t *testing.T) {
	h := newHarness(t)
	h.http.code = 404
	job := apiJob()
	job.Alert.Enabled = false

	h.runner.Run(context.Background(), job, "")

	log := h.onlyLog(t, 1)
	assert.Equal(t, models.LogFail, log.Status)
	assert.Equal(t, models.AlertDisabled, log.AlertOutcome)
	assert.Empty(t, h.alerts.sent)
}

func TestAPI_ProbeErrorForcesAlert(t *testing.T) {
	h := newHarness(t)
	h.http.err = fmt.Errorf("%w: dial \"svc\": timeout", models.ErrDomainCheck)
	job := apiJob()
	job.Alert.Enabled = false

	h.runner.Run(context.Background(), job, "")

	log := h.onlyLog(t, 1)
	assert.Equal(t, models.LogError, log.Status)
	assert.True(t, log.AlertStatus)
	assert.Equal(t, models.AlertSent, log.AlertOutcome)
	assert.Contains(t, log.ExceptionLog, "domain check failed")
	assert.NotContains(t, log.ExceptionLog, `"`)
	assert.Contains(t, log.ExceptionLog, "'svc'")

	require.Len(t, h.alerts.sent, 1)
	assert.Contains(t, h.alerts.sent[0].Vars["result"], "timeout")
}

func TestAPI_ForcedAlertHonorsSuppression(t *testing.T) {
	h := newHarness(t)
	h.http.err = models.ErrDomainCheck
	job := apiJob()
	last := h.clock.Now().Add(-time.Minute)
	job.Alert.LastAlert = &last

	h.runner.Run(context.Background(), job, "")

	log := h.onlyLog(t, 1)
	assert.Equal(t, models.LogError, log.Status)
	assert.Equal(t, models.AlertSuppressed, log.AlertOutcome)
	assert.Empty(t, h.alerts.sent)
}

func TestAPI_DeliveryFailureIsRecordedWithoutRealert(t *testing.T) {
	h := newHarness(t)
	h.http.code = 500
	h.alerts.err = fmt.Errorf("%w: %w", models.ErrDelivery, &alert.APIError{StatusCode: 400, Description: "Bad Request: chat not found"})

	h.runner.Run(context.Background(), apiJob(), "")

	log := h.onlyLog(t, 1)
	assert.Equal(t, models.LogError, log.Status)
	assert.Equal(t, models.AlertFailed, log.AlertOutcome)
	assert.Equal(t, "Telegram send message error: Bad Request: chat not found", log.ExceptionLog)
	assert.Len(t, h.alerts.sent, 1)
	assert.Empty(t, h.recorder.alerts)
}

func TestAPI_UnconfiguredChannel(t *testing.T) {
	h := newHarness(t)
	h.http.code = 500
	h.alerts.err = fmt.Errorf("%w: \"ops\"", models.ErrChannelNotConfigured)

	h.runner.Run(context.Background(), apiJob(), "")

	log := h.onlyLog(t, 1)
	assert.Equal(t, models.LogError, log.Status)
	assert.Equal(t, models.AlertFailed, log.AlertOutcome)
	assert.True(t, strings.HasPrefix(log.ExceptionLog, "Telegram send message error: chat channel not configured"))
}

func TestElastic_Match(t *testing.T) {
	tests := []struct {
		name         string
		n            int64
		op, expected string
		wantStatus   models.LogStatus
		wantExpected string
		wantAlerts   int
	}{
		{"greater than hit", 5, "gt", "3", models.LogFail, "Execute Result Greater than [3]", 1},
		{"greater than miss", 2, "gt", "3", models.LogSuccess, "Execute Result Greater than [3]", 0},
		{"legacy equal", 2, "eq", "5", models.LogFail, "Execute Result Equal to [5]", 1},
		{"empty", 0, "empty", "", models.LogFail, "Execute Result is empty", 1},
		{"no match", 99, "no-match", "", models.LogSuccess, matcher.NoMatchDescription, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.elastic.n = tt.n
			h.runner.Run(context.Background(), countJob(models.KindElastic, tt.op, tt.expected), "")

			log := h.onlyLog(t, 2)
			assert.Equal(t, tt.wantStatus, log.Status)
			assert.Equal(t, fmt.Sprintf("find %d hits", tt.n), log.ExecuteResult)
			assert.Equal(t, tt.wantExpected, log.ExpectedResult)
			assert.Len(t, h.alerts.sent, tt.wantAlerts)
		})
	}
}

func TestElastic_UnknownOperatorIsError(t *testing.T) {
	h := newHarness(t)
	h.elastic.n = 1
	h.runner.Run(context.Background(), countJob(models.KindElastic, "between", "1"), "")

	log := h.onlyLog(t, 2)
	assert.Equal(t, models.LogError, log.Status)
	assert.Contains(t, log.ExceptionLog, "unknown match operator")
	assert.Len(t, h.alerts.sent, 1)
}

func TestSQL_BadExpectedKeepsConfiguredText(t *testing.T) {
	h := newHarness(t)
	h.sql.n = 3
	h.runner.Run(context.Background(), countJob(models.KindSQL, "gt", "ten"), "")

	log := h.onlyLog(t, 2)
	assert.Equal(t, models.LogError, log.Status)
	assert.Equal(t, "find 3 rows", log.ExecuteResult)
	assert.Equal(t, "ten", log.ExpectedResult)
	assert.Contains(t, log.ExceptionLog, "not an integer")
}

func TestElastic_PanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.elastic.panic = true
	h.runner.Run(context.Background(), countJob(models.KindElastic, "gt", "1"), "")

	log := h.onlyLog(t, 2)
	assert.Equal(t, models.LogError, log.Status)
	assert.Contains(t, log.ExceptionLog, "index exploded")
}

func TestSQL_CountsRows(t *testing.T) {
	h := newHarness(t)
	h.sql.n = 4
	h.runner.Run(context.Background(), countJob(models.KindSQL, "lt", "10"), "")

	log := h.onlyLog(t, 2)
	assert.Equal(t, "find 4 rows", log.ExecuteResult)
	assert.Equal(t, models.LogFail, log.Status)
	assert.Equal(t, "SQL-JOB-2", log.JobCode)
}

func certJob() *models.Job {
	return &models.Job{
		ID: 4, Kind: models.KindCert, EnName: "shop cert", Platform: "pf1",
		Target: models.Target{Domain: "shop.example.com", MatchOperator: "lt", ExpectedResult: "30"},
		Alert:  models.Alert{Enabled: true, ChannelRef: "ops"},
	}
}

func TestCert_DaysLeft(t *testing.T) {
	notBefore := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		notAfter   time.Time
		wantDays   int64
		wantStatus models.LogStatus
		wantAlerts int
	}{
		{"expiring soon", time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC), 10, models.LogFail, 1},
		{"plenty left", time.Date(2024, 8, 10, 12, 0, 0, 0, time.UTC), 70, models.LogSuccess, 0},
		{"expired", time.Date(2024, 5, 30, 9, 0, 0, 0, time.UTC), -2, models.LogFail, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.cert.cert = &probe.Certificate{NotBefore: notBefore, NotAfter: tt.notAfter}
			h.runner.Run(context.Background(), certJob(), "")

			log := h.onlyLog(t, 4)
			assert.Equal(t, tt.wantStatus, log.Status)
			assert.Equal(t, "CERT-JOB-4", log.JobCode)
			assert.Equal(t, fmt.Sprintf("certificate valid from 2024-01-01 00:00:00 to %s, %d days left",
				tt.notAfter.Format("2006-01-02 15:04:05"), tt.wantDays), log.ExecuteResult)
			assert.Equal(t, "Execute Result Less than [30]", log.ExpectedResult)
			assert.Len(t, h.alerts.sent, tt.wantAlerts)
		})
	}
}

func TestCert_HandshakeErrorAlerts(t *testing.T) {
	h := newHarness(t)
	h.cert.err = fmt.Errorf("%w: shop.example.com:443: connection refused", models.ErrDomainCheck)
	h.runner.Run(context.Background(), certJob(), "")

	log := h.onlyLog(t, 4)
	assert.Equal(t, models.LogError, log.Status)
	assert.Equal(t, "30", log.ExpectedResult)
	assert.Contains(t, log.ExceptionLog, "connection refused")
	assert.Len(t, h.alerts.sent, 1)
}

func TestExport(t *testing.T) {
	h := newHarness(t)
	h.sql.table = &probe.Table{
		Columns: []string{"id", "customer"},
		Rows:    [][]string{{"1", "acme, inc"}, {"2", "globex"}},
	}
	job := &models.Job{
		ID: 3, Kind: models.KindExport, EnName: "daily orders", Platform: "pf1",
		Target: models.Target{Datasource: "main", SQL: "select", FileName: "orders_{date}"},
		Alert:  models.Alert{ChannelRef: "reports", Template: "{name}: {result}"},
	}

	h.runner.Run(context.Background(), job, "")

	log := h.onlyLog(t, 3)
	assert.Equal(t, models.LogSuccess, log.Status)
	assert.Equal(t, "exported 2 rows", log.ExecuteResult)
	assert.False(t, log.AlertStatus)

	require.Len(t, h.alerts.docs, 1)
	doc := h.alerts.docs[0]
	assert.Equal(t, "reports", doc.ref)
	assert.Equal(t, "orders_20240601.csv", doc.name)
	assert.Equal(t, "daily orders: exported 2 rows", doc.caption)
	assert.Equal(t, "id,customer\n1,\"acme, inc\"\n2,globex\n", string(doc.content))

	assert.Equal(t, h.clock.Now(), h.recorder.exports[3])
}

func TestExportFileName(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	job := &models.Job{ID: 9, Kind: models.KindExport}
	assert.Equal(t, "EXPORT-JOB-9_20240102.csv", exportFileName(job, now))

	job.Target.FileName = "report.CSV"
	assert.Equal(t, "report.CSV", exportFileName(job, now))
}

func TestFinalize_PersistenceFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	deps := *h.runner.deps
	deps.Logs = failingLogs{}
	runner := NewRunner(deps)

	assert.NotPanics(t, func() {
		runner.Run(context.Background(), apiJob(), "")
	})
}

func TestRunner_UnknownKind(t *testing.T) {
	h := newHarness(t)
	job := apiJob()
	job.Kind = "ftp"
	h.runner.Run(context.Background(), job, "")
	assert.Empty(t, h.logs(t, 1))
}
