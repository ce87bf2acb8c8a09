package models

import (
	"errors"
	"testing"
	"time"
)

func TestJob_Code(t *testing.T) {
	tests := []struct {
		kind     JobKind
		id       int64
		expected string
	}{
		{KindAPI, 42, "API-JOB-42"},
		{KindElastic, 7, "ELASTIC-JOB-7"},
		{KindSQL, 1, "SQL-JOB-1"},
		{KindExport, 99, "EXPORT-JOB-99"},
		{KindCert, 5, "CERT-JOB-5"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			job := &Job{ID: tt.id, Kind: tt.kind, Platform: "pf1"}
			if got := job.Code(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
			if key := job.Key(); key.Group != "pf1" || key.Code != tt.expected {
				t.Errorf("unexpected key %v", key)
			}
		})
	}
}

func TestJob_Validate(t *testing.T) {
	valid := func() *Job {
		return &Job{
			Kind:           KindAPI,
			EnName:         "health",
			Platform:       "pf1",
			CronExpression: "0 */5 * * * ?",
			Target:         Target{URL: "http://example.com/health"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(j *Job)
		wantErr error
	}{
		{"valid", func(j *Job) {}, nil},
		{"unknown kind", func(j *Job) { j.Kind = "ftp" }, ErrInvalidJob},
		{"missing name", func(j *Job) { j.EnName = "" }, ErrInvalidJob},
		{"missing platform", func(j *Job) { j.Platform = "" }, ErrInvalidJob},
		{"missing cron", func(j *Job) { j.CronExpression = " " }, ErrInvalidSchedule},
		{"bad status", func(j *Job) { j.Status = "running" }, ErrInvalidJob},
		{"api without url", func(j *Job) { j.Target.URL = "" }, ErrInvalidJob},
		{"sql without datasource", func(j *Job) { j.Kind = KindSQL; j.Target.SQL = "select 1" }, ErrInvalidJob},
		{"elastic without index", func(j *Job) { j.Kind = KindElastic }, ErrInvalidJob},
		{"cert without domain", func(j *Job) { j.Kind = KindCert; j.Target.Domain = " " }, ErrInvalidJob},
		{"cert", func(j *Job) { j.Kind = KindCert; j.Target.Domain = "example.com" }, nil},
		{"negative window", func(j *Job) { j.Alert.SuppressMinutes = -1 }, ErrInvalidJob},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid()
			tt.mutate(job)
			err := job.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestJob_ValidateDefaults(t *testing.T) {
	job := &Job{
		Kind:           KindAPI,
		ZhName:         "健康检查",
		Platform:       "pf1",
		CronExpression: "0 * * * * ?",
		Target:         Target{URL: "http://example.com"},
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != StatusEnabled {
		t.Errorf("expected default status enabled, got %s", job.Status)
	}
	if job.Target.Method != "GET" {
		t.Errorf("expected default method GET, got %s", job.Target.Method)
	}
	if job.Target.ExpectedCode != 200 {
		t.Errorf("expected default code 200, got %d", job.Target.ExpectedCode)
	}
	if job.Name() != "健康检查" {
		t.Errorf("expected zh name fallback, got %s", job.Name())
	}
}

func TestJob_ValidateCertDefaults(t *testing.T) {
	job := &Job{
		Kind:           KindCert,
		EnName:         "shop cert",
		Platform:       "pf1",
		CronExpression: "0 0 8 * * ?",
		Target:         Target{Domain: "shop.example.com"},
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Target.MatchOperator != "lt" || job.Target.ExpectedResult != "30" {
		t.Errorf("expected lt 30 defaults, got %s %s", job.Target.MatchOperator, job.Target.ExpectedResult)
	}

	custom := &Job{
		Kind:           KindCert,
		EnName:         "shop cert",
		Platform:       "pf1",
		CronExpression: "0 0 8 * * ?",
		Target:         Target{Domain: "shop.example.com", MatchOperator: "lt", ExpectedResult: "7"},
	}
	if err := custom.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if custom.Target.ExpectedResult != "7" {
		t.Errorf("expected configured threshold kept, got %s", custom.Target.ExpectedResult)
	}
}

func TestJob_CloneIsDeep(t *testing.T) {
	now := time.Now()
	job := &Job{ID: 1, Alert: Alert{LastAlert: &now}}
	clone := job.Clone()
	later := now.Add(time.Hour)
	*clone.Alert.LastAlert = later
	if !job.Alert.LastAlert.Equal(now) {
		t.Error("clone shares last_alert with original")
	}
}

func TestFilters(t *testing.T) {
	job := &Job{Kind: KindSQL, Platform: "pf2", Status: StatusPaused}
	if !(JobFilter{Kind: KindSQL}).Matches(job) {
		t.Error("kind filter should match")
	}
	if (JobFilter{Platform: "pf1"}).Matches(job) {
		t.Error("platform filter should not match")
	}

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	l := &ExecutionLog{JobID: 3, JobKind: KindSQL, Status: LogFail, StartTime: start}
	if !(LogFilter{JobID: 3, Status: LogFail, Since: start.Add(-time.Hour)}).Matches(l) {
		t.Error("log filter should match")
	}
	if (LogFilter{Until: start.Add(-time.Minute)}).Matches(l) {
		t.Error("until filter should exclude later logs")
	}

	r := &PushRecord{Kind: PushCallback, Reporter: "kolin"}
	if (PushFilter{Kind: PushDirect}).Matches(r) {
		t.Error("push kind filter should not match")
	}
}
