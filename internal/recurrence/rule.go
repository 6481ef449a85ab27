package recurrence

import (
	"errors"
	"fmt"
	"strings"
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
	Custom  Frequency = "custom"
)

var (
	ErrInvalidRule   = errors.New("invalid recurrence rule")
	ErrEmptyWeekdays = errors.New("custom frequency requires a non-empty weekday set")
)

func ParseFrequency(raw string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(raw))); f {
	case Daily, Weekly, Monthly, Yearly, Custom:
		return f, nil
	case "":
		return "", fmt.Errorf("%w: frequency is required", ErrInvalidRule)
	default:
		return "", fmt.Errorf("%w: unsupported frequency %q", ErrInvalidRule, raw)
	}
}

// Rule is an immutable description of how often a payment recurs.
//
// Anchor defines the phase: the day-of-week for weekly rules, day-of-month
// for monthly, month+day for yearly. Weekdays is required (non-empty) for
// Custom and is an optional constraint for Daily and Weekly. End is
// optional; the zero Date means the rule never expires.
type Rule struct {
	Frequency Frequency
	Anchor    Date
	Weekdays  WeekdaySet
	End       Date
}

// NewRule validates and returns a rule. A Custom rule with an empty weekday
// set is a construction error, never a runtime one.
func NewRule(freq Frequency, anchor Date, weekdays WeekdaySet, end Date) (Rule, error) {
	if _, err := ParseFrequency(string(freq)); err != nil {
		return Rule{}, err
	}
	if anchor.IsZero() {
		return Rule{}, fmt.Errorf("%w: anchor date is required", ErrInvalidRule)
	}
	if freq == Custom && weekdays.IsEmpty() {
		return Rule{}, ErrEmptyWeekdays
	}
	if !end.IsZero() && end.Before(anchor) {
		return Rule{}, fmt.Errorf("%w: end date %s precedes anchor %s", ErrInvalidRule, end, anchor)
	}
	return Rule{Frequency: freq, Anchor: anchor, Weekdays: weekdays, End: end}, nil
}

// Validate re-checks the rule invariants; useful for rules decoded from
// storage rather than built through NewRule.
func (r Rule) Validate() error {
	_, err := NewRule(r.Frequency, r.Anchor, r.Weekdays, r.End)
	return err
}

// Expired reports whether d falls past the rule's end date.
func (r Rule) Expired(d Date) bool {
	return !r.End.IsZero() && d.After(r.End)
}
