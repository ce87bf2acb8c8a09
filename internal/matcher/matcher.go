// Package matcher evaluates observed check results against a job's
// expectation. A positive match means the alert condition was hit.
package matcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/moniwatch/moniwatch/internal/models"
)

// Operator is a comparator code as stored on job definitions.
type Operator string

const (
	GreaterThan Operator = "gt"
	LessThan    Operator = "lt"
	Equal       Operator = "eq"
	NotEqual    Operator = "ne"
	Empty       Operator = "empty"
	NotEmpty    Operator = "not-empty"
	NoMatch     Operator = "no-match"
)

// NoMatchDescription is the expectation text of informational jobs.
const NoMatchDescription = "No need match"

// Result is the outcome of one evaluation.
type Result struct {
	// Alert is true when the observed value hit the alert condition.
	Alert bool
	// Expected describes the expectation for the log's expected-result field.
	Expected string
}

// Matcher is stateless apart from its compatibility switch.
type Matcher struct {
	// LegacyEqual keeps the historical "eq" semantics (observed < expected)
	// that existing job definitions were tuned against.
	LegacyEqual bool
}

// New creates a Matcher.
func New(legacyEqual bool) *Matcher {
	return &Matcher{LegacyEqual: legacyEqual}
}

// Match evaluates observed against expected using op.
func (m *Matcher) Match(op Operator, observed int64, expected string) (Result, error) {
	switch op {
	case NoMatch:
		return Result{Alert: false, Expected: NoMatchDescription}, nil
	case Empty:
		return Result{Alert: observed == 0, Expected: "Execute Result is empty"}, nil
	case NotEmpty:
		return Result{Alert: observed != 0, Expected: "Execute Result is not empty"}, nil
	case GreaterThan, LessThan, Equal, NotEqual:
	default:
		return Result{}, fmt.Errorf("%w: %q", models.ErrUnknownOperator, op)
	}

	want, err := parseExpected(expected)
	if err != nil {
		return Result{}, err
	}

	switch op {
	case GreaterThan:
		return Result{Alert: observed > want, Expected: describe("Greater than", expected)}, nil
	case LessThan:
		return Result{Alert: observed < want, Expected: describe("Less than", expected)}, nil
	case Equal:
		hit := observed == want
		if m.LegacyEqual {
			hit = observed < want
		}
		return Result{Alert: hit, Expected: describe("Equal to", expected)}, nil
	default:
		return Result{Alert: observed != want, Expected: describe("not Equal to", expected)}, nil
	}
}

// Validate checks that op is known and that expected fits it.
func Validate(op Operator, expected string) error {
	switch op {
	case NoMatch, Empty, NotEmpty:
		return nil
	case GreaterThan, LessThan, Equal, NotEqual:
		_, err := parseExpected(expected)
		return err
	}
	return fmt.Errorf("%w: %q", models.ErrUnknownOperator, op)
}

func parseExpected(expected string) (int64, error) {
	want, err := strconv.ParseInt(strings.TrimSpace(expected), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: expected result %q is not an integer", models.ErrInvalidJob, expected)
	}
	return want, nil
}

func describe(verb, expected string) string {
	return "Execute Result " + verb + " [" + strings.TrimSpace(expected) + "]"
}
