// Package cron parses the Quartz-style cron expressions stored on job
// definitions and turns them into robfig/cron schedules.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned for any expression that cannot be scheduled.
var ErrInvalidExpression = errors.New("invalid cron expression")

// Schedule yields successive activation times.
type Schedule = robfig.Schedule

var parser = robfig.NewParser(
	robfig.SecondOptional | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

// Parse parses an expression in either dialect:
//
//	sec min hour dom month dow [year]   Quartz, dow 1-7 with SUN=1
//	min hour dom month dow              standard five-field
//	@every 1m, @daily, ...              descriptors
func Parse(expr string) (Schedule, error) {
	normalized, err := Normalize(expr)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	return sched, nil
}

// Validate reports whether expr can be scheduled.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Next returns the next n activation times after from.
func Next(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// Normalize rewrites a Quartz expression into the robfig dialect.
func Normalize(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}

	fields := strings.Fields(strings.ToUpper(expr))
	switch len(fields) {
	case 5:
		if err := rejectUnsupported(fields[2], fields[4]); err != nil {
			return "", err
		}
		return strings.Join(fields, " "), nil
	case 7:
		if year := fields[6]; year != "*" && year != "?" {
			return "", fmt.Errorf("%w: year field %q is not supported", ErrInvalidExpression, year)
		}
		fields = fields[:6]
	case 6:
	default:
		return "", fmt.Errorf("%w: expected 5, 6 or 7 fields, got %d", ErrInvalidExpression, len(fields))
	}

	if err := rejectUnsupported(fields[3], fields[5]); err != nil {
		return "", err
	}
	dow, err := shiftDow(fields[5])
	if err != nil {
		return "", err
	}
	fields[5] = dow
	return strings.Join(fields, " "), nil
}

func rejectUnsupported(dom, dow string) error {
	if strings.ContainsAny(dom, "LW") {
		return fmt.Errorf("%w: day-of-month %q uses L/W", ErrInvalidExpression, dom)
	}
	if strings.ContainsAny(dow, "L#") {
		return fmt.Errorf("%w: day-of-week %q uses L/#", ErrInvalidExpression, dow)
	}
	return nil
}

// shiftDow maps Quartz day numbers (SUN=1..SAT=7) onto 0..6.
func shiftDow(field string) (string, error) {
	parts := strings.Split(field, ",")
	for i, part := range parts {
		base, step, hasStep := strings.Cut(part, "/")
		bounds := strings.Split(base, "-")
		for j, b := range bounds {
			if b == "*" || b == "?" {
				continue
			}
			n, err := strconv.Atoi(b)
			if err != nil {
				// day names pass through
				continue
			}
			if n < 1 || n > 7 {
				return "", fmt.Errorf("%w: day-of-week %d out of range 1-7", ErrInvalidExpression, n)
			}
			bounds[j] = strconv.Itoa(n - 1)
		}
		parts[i] = strings.Join(bounds, "-")
		if hasStep {
			parts[i] += "/" + step
		}
	}
	return strings.Join(parts, ","), nil
}
