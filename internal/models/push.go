package models

import "time"

// PushKind distinguishes the two webhook routes.
type PushKind string

const (
	PushDirect   PushKind = "push"
	PushCallback PushKind = "callback"
)

// ChannelResult is the outcome of one channel or one triggered job.
type ChannelResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// PushRecord is the audit entry of one inbound webhook request.
type PushRecord struct {
	ID         string                   `json:"id" gorm:"primaryKey;size:36"`
	Kind       PushKind                 `json:"kind" gorm:"size:16;index"`
	Type       string                   `json:"type,omitempty" gorm:"size:32"`
	Reporter   string                   `json:"reporter,omitempty" gorm:"size:64;index"`
	Payload    string                   `json:"payload"`
	Target     string                   `json:"target,omitempty"`
	Results    map[string]ChannelResult `json:"results" gorm:"serializer:json"`
	RemoteAddr string                   `json:"remote_addr,omitempty" gorm:"size:64"`
	CreatedAt  time.Time                `json:"created_at" gorm:"index"`
}

// PushFilter narrows push record listings.
type PushFilter struct {
	Kind     PushKind
	Reporter string
	Limit    int
}

// Matches reports whether r passes the filter, ignoring Limit.
func (f PushFilter) Matches(r *PushRecord) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Reporter != "" && r.Reporter != f.Reporter {
		return false
	}
	return true
}
