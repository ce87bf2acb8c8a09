// Package models defines the core data structures for moniwatch.
package models

import "errors"

// Domain errors raised while scheduling, checking and alerting.
var (
	ErrInvalidSchedule      = errors.New("invalid schedule")
	ErrChannelNotConfigured = errors.New("chat channel not configured")
	ErrChannelMisconfigured = errors.New("chat channel misconfigured")
	ErrUnknownOperator      = errors.New("unknown match operator")
	ErrDomainCheck          = errors.New("domain check failed")
	ErrDelivery             = errors.New("message delivery failed")
)

// Repository and lifecycle errors.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobExists       = errors.New("job already exists")
	ErrInvalidJob      = errors.New("invalid job definition")
	ErrJobKindMismatch = errors.New("job kind mismatch")
	ErrLogNotFound     = errors.New("execution log not found")
	ErrPushNotFound    = errors.New("push record not found")
	ErrConfigNotFound  = errors.New("config key not found")
	ErrEntryNotFound   = errors.New("scheduler entry not found")
	ErrEntryExists     = errors.New("scheduler entry already exists")
	ErrFiringInFlight  = errors.New("a firing of this job is already in flight")
)
