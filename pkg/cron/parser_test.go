package cron

import (
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"quartz every 5 minutes", "0 0/5 * * * ?", false},
		{"quartz with year", "0 0 12 * * ? *", false},
		{"quartz weekdays", "0 30 9 ? * 2-6", false},
		{"quartz named days", "0 0 8 ? * MON-FRI", false},
		{"standard five fields", "*/5 * * * *", false},
		{"descriptor", "@every 30s", false},
		{"hourly", "@hourly", false},
		{"empty", "   ", true},
		{"too few fields", "* * *", true},
		{"concrete year", "0 0 12 * * ? 2030", true},
		{"last day of month", "0 0 12 L * ?", true},
		{"nth weekday", "0 0 12 ? * 6#3", true},
		{"dow out of range", "0 0 12 ? * 8", true},
		{"invalid minute", "0 61 * * * ?", true},
		{"garbage", "every tuesday", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidExpression) {
				t.Errorf("expected ErrInvalidExpression, got %v", err)
			}
		})
	}
}

func TestNormalize_ShiftsQuartzDays(t *testing.T) {
	tests := []struct {
		expr     string
		expected string
	}{
		{"0 0 8 ? * 1", "0 0 8 ? * 0"},
		{"0 0 8 ? * 2-6", "0 0 8 ? * 1-5"},
		{"0 0 8 ? * 1,7", "0 0 8 ? * 0,6"},
		{"0 0 8 ? * 2/2", "0 0 8 ? * 1/2"},
		{"0 0 8 ? * mon", "0 0 8 ? * MON"},
		{"0 0 8 * * ? *", "0 0 8 * * ?"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Normalize(tt.expr)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.expr, got, tt.expected)
			}
		})
	}
}

func TestSchedule_Next(t *testing.T) {
	from := time.Date(2024, 1, 1, 10, 2, 30, 0, time.UTC) // Monday

	tests := []struct {
		name     string
		expr     string
		expected time.Time
	}{
		{"every 5 minutes", "0 0/5 * * * ?", time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)},
		{"every 10 seconds", "0/10 * * * * ?", time.Date(2024, 1, 1, 10, 2, 40, 0, time.UTC)},
		{"sunday noon", "0 0 12 ? * 1", time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)},
		{"standard hourly", "0 * * * *", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := Parse(tt.expr)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if got := sched.Next(from); !got.Equal(tt.expected) {
				t.Errorf("Next() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNext(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	times, err := Next("0 0 * * * ?", from, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(times) != 3 {
		t.Fatalf("expected 3 times, got %d", len(times))
	}
	if !times[2].Equal(from.Add(3 * time.Hour)) {
		t.Errorf("unexpected third activation %v", times[2])
	}
}
