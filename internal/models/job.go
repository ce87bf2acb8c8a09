package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/moniwatch/moniwatch/pkg/duration"
)

// Duration is an alias for the shared duration.Duration type.
type Duration = duration.Duration

// JobKind selects the check a job performs.
type JobKind string

const (
	KindAPI     JobKind = "api"
	KindElastic JobKind = "elastic"
	KindSQL     JobKind = "sql"
	KindExport  JobKind = "export"
	KindCert    JobKind = "cert"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindAPI, KindElastic, KindSQL, KindExport, KindCert:
		return true
	}
	return false
}

// CodePrefix returns the prefix used to build scheduler job codes.
func (k JobKind) CodePrefix() string {
	switch k {
	case KindAPI:
		return "API-JOB"
	case KindElastic:
		return "ELASTIC-JOB"
	case KindSQL:
		return "SQL-JOB"
	case KindExport:
		return "EXPORT-JOB"
	case KindCert:
		return "CERT-JOB"
	}
	return "JOB"
}

// DefaultCertWarnDays is the remaining validity, in days, below which a
// cert job alerts when it sets no operator of its own.
const DefaultCertWarnDays = 30

// JobStatus is the persisted scheduling state of a job.
type JobStatus string

const (
	StatusEnabled JobStatus = "enabled"
	StatusPaused  JobStatus = "paused"
)

// JobKey identifies a scheduler entry.
type JobKey struct {
	Code  string `json:"code"`
	Group string `json:"group"`
}

func (k JobKey) String() string {
	return k.Group + "/" + k.Code
}

// Job is a monitoring job definition.
type Job struct {
	ID       int64   `json:"id" gorm:"primaryKey;autoIncrement"`
	Kind     JobKind `json:"kind" gorm:"size:16;index"`
	Asid     string  `json:"asid,omitempty" gorm:"size:64"`
	ZhName   string  `json:"zh_name"`
	EnName   string  `json:"en_name"`
	Platform string  `json:"platform" gorm:"size:64;index"`
	Priority string  `json:"priority,omitempty" gorm:"size:8"`
	Descr    string  `json:"descr,omitempty"`

	CronExpression string    `json:"cron_expression" gorm:"size:128"`
	Status         JobStatus `json:"status" gorm:"size:16"`

	Target Target `json:"target" gorm:"embedded;embeddedPrefix:target_"`
	Alert  Alert  `json:"alert" gorm:"embedded;embeddedPrefix:alert_"`

	LastExport *time.Time `json:"last_export,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// Target holds the parameters of the checked system.
type Target struct {
	// api
	URL          string   `json:"url,omitempty"`
	Method       string   `json:"method,omitempty" gorm:"size:8"`
	ExpectedCode int      `json:"expected_code,omitempty"`
	Timeout      Duration `json:"timeout,omitempty"`

	// elastic
	Index string `json:"index,omitempty"`
	Query string `json:"query,omitempty"`

	// sql and export
	Datasource string `json:"datasource,omitempty" gorm:"size:64"`
	SQL        string `json:"sql,omitempty"`
	FileName   string `json:"file_name,omitempty"`

	// cert: "host", "host:port" or an https URL
	Domain string `json:"domain,omitempty" gorm:"size:255"`

	MatchOperator  string `json:"match_operator,omitempty" gorm:"size:16"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

// Alert holds the notification settings of a job.
type Alert struct {
	Enabled         bool       `json:"enabled"`
	ChannelRef      string     `json:"channel_ref,omitempty" gorm:"size:64"`
	Template        string     `json:"template,omitempty"`
	LastAlert       *time.Time `json:"last_alert,omitempty"`
	SuppressMinutes int        `json:"suppress_minutes,omitempty"`
	KibanaURL       string     `json:"kibana_url,omitempty"`
}

// Code returns the deterministic scheduler code, e.g. "API-JOB-42".
func (j *Job) Code() string {
	return fmt.Sprintf("%s-%d", j.Kind.CodePrefix(), j.ID)
}

// Key returns the scheduler identity of the job.
func (j *Job) Key() JobKey {
	return JobKey{Code: j.Code(), Group: j.Platform}
}

// Paused reports whether the job must not fire on schedule.
func (j *Job) Paused() bool {
	return j.Status == StatusPaused
}

// Name returns the display name, preferring the English one.
func (j *Job) Name() string {
	if j.EnName != "" {
		return j.EnName
	}
	return j.ZhName
}

// Clone returns a deep copy so callers can hand out snapshots.
func (j *Job) Clone() *Job {
	c := *j
	if j.Alert.LastAlert != nil {
		t := *j.Alert.LastAlert
		c.Alert.LastAlert = &t
	}
	if j.LastExport != nil {
		t := *j.LastExport
		c.LastExport = &t
	}
	return &c
}

// Validate checks the fields that do not depend on other packages.
// Cron and operator validation happen in the lifecycle manager.
func (j *Job) Validate() error {
	if !j.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if j.ZhName == "" && j.EnName == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if j.Platform == "" {
		return fmt.Errorf("%w: platform is required", ErrInvalidJob)
	}
	if strings.TrimSpace(j.CronExpression) == "" {
		return fmt.Errorf("%w: cron expression is required", ErrInvalidSchedule)
	}
	switch j.Status {
	case "":
		j.Status = StatusEnabled
	case StatusEnabled, StatusPaused:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, j.Status)
	}

	switch j.Kind {
	case KindAPI:
		if j.Target.URL == "" {
			return fmt.Errorf("%w: url is required", ErrInvalidJob)
		}
		if j.Target.Method == "" {
			j.Target.Method = "GET"
		}
		if j.Target.ExpectedCode == 0 {
			j.Target.ExpectedCode = 200
		}
	case KindElastic:
		if j.Target.Index == "" {
			return fmt.Errorf("%w: index is required", ErrInvalidJob)
		}
	case KindSQL, KindExport:
		if j.Target.Datasource == "" || j.Target.SQL == "" {
			return fmt.Errorf("%w: datasource and sql are required", ErrInvalidJob)
		}
	case KindCert:
		if strings.TrimSpace(j.Target.Domain) == "" {
			return fmt.Errorf("%w: domain is required", ErrInvalidJob)
		}
		if j.Target.MatchOperator == "" {
			j.Target.MatchOperator = "lt"
			if j.Target.ExpectedResult == "" {
				j.Target.ExpectedResult = strconv.Itoa(DefaultCertWarnDays)
			}
		}
	}

	if j.Alert.SuppressMinutes < 0 {
		return fmt.Errorf("%w: suppress_minutes must not be negative", ErrInvalidJob)
	}
	return nil
}

// JobFilter narrows job listings.
type JobFilter struct {
	Kind     JobKind
	Platform string
	Status   JobStatus
}

// Matches reports whether j passes the filter.
func (f JobFilter) Matches(j *Job) bool {
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Platform != "" && j.Platform != f.Platform {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}
