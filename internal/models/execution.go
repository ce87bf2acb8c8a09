package models

import "time"

// LogStatus is the outcome of one firing.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFail    LogStatus = "fail"
	LogError   LogStatus = "error"
)

// AlertOutcome records what happened to the alert of a firing.
type AlertOutcome string

const (
	AlertNone       AlertOutcome = ""
	AlertSent       AlertOutcome = "sent"
	AlertSuppressed AlertOutcome = "suppressed"
	AlertDisabled   AlertOutcome = "disabled"
	AlertFailed     AlertOutcome = "failed"
)

// SystemOperator marks firings that no human triggered.
const SystemOperator = "system"

// ExecutionLog is the record written once per firing.
type ExecutionLog struct {
	ID             string       `json:"id" gorm:"primaryKey;size:36"`
	JobID          int64        `json:"job_id" gorm:"index"`
	JobKind        JobKind      `json:"job_kind" gorm:"size:16;index"`
	JobCode        string       `json:"job_code" gorm:"size:64"`
	StartTime      time.Time    `json:"start_time" gorm:"index"`
	EndTime        time.Time    `json:"end_time"`
	ExecuteSeconds int64        `json:"execute_seconds"`
	ExecuteResult  string       `json:"execute_result"`
	ExpectedResult string       `json:"expected_result"`
	Status         LogStatus    `json:"status" gorm:"size:16;index"`
	AlertStatus    bool         `json:"alert_status"`
	AlertOutcome   AlertOutcome `json:"alert_outcome,omitempty" gorm:"size:16"`
	ExceptionLog   string       `json:"exception_log,omitempty"`
	Operator       string       `json:"operator" gorm:"size:64"`
}

// LogFilter narrows execution log listings. Zero values match everything.
type LogFilter struct {
	JobID  int64
	Kind   JobKind
	Status LogStatus
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Matches reports whether l passes the filter, ignoring Limit.
func (f LogFilter) Matches(l *ExecutionLog) bool {
	if f.JobID != 0 && l.JobID != f.JobID {
		return false
	}
	if f.Kind != "" && l.JobKind != f.Kind {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && l.StartTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && l.StartTime.After(f.Until) {
		return false
	}
	return true
}
